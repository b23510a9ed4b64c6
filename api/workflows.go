package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/templates"
)

// StoredWorkflow is a workflow definition created through the API. The
// submitted options are kept alongside the compiled workflow so the
// definition can be served back as written.
type StoredWorkflow struct {
	ID        string
	Options   stategraph.Options
	Workflow  *stategraph.Workflow
	CreatedAt time.Time
}

type workflowSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Nodes       []string  `json:"nodes"`
	CreatedAt   time.Time `json:"created_at"`
}

type workflowDetail struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Description   string                     `json:"description,omitempty"`
	MaxIterations int                        `json:"max_iterations,omitempty"`
	InitialState  map[string]any             `json:"initial_state,omitempty"`
	Graph         stategraph.GraphDefinition `json:"graph"`
	CreatedAt     time.Time                  `json:"created_at"`
}

// handleCreateWorkflow stores a new workflow definition. The graph is
// compiled here, so a definition that stores successfully is
// structurally sound; violations come back as a 422 with the full list.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var opts stategraph.Options
	if err := decodeBody(r, &opts); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}

	workflow, err := stategraph.New(opts)
	if err != nil {
		var structural *stategraph.StructuralError
		if errors.As(err, &structural) {
			s.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "invalid graph definition",
				"violations": structural.Violations,
			})
			return
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mutex.Lock()
	for _, existing := range s.stored {
		if existing.Workflow.Name() == workflow.Name() {
			s.mutex.Unlock()
			s.respondError(w, http.StatusConflict,
				fmt.Sprintf("workflow %q already exists", workflow.Name()))
			return
		}
	}
	entry := &StoredWorkflow{
		ID:        stategraph.NewWorkflowID(),
		Options:   opts,
		Workflow:  workflow,
		CreatedAt: time.Now().UTC(),
	}
	s.stored[entry.ID] = entry
	s.mutex.Unlock()

	if err := s.registry.Register(workflow); err != nil {
		s.logger.Warn("registry registration failed", "workflow", workflow.Name(), "error", err)
	}

	s.respondJSON(w, http.StatusCreated, map[string]string{
		"id":   entry.ID,
		"name": workflow.Name(),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	summaries := make([]workflowSummary, 0, len(s.stored))
	for _, entry := range s.stored {
		summaries = append(summaries, workflowSummary{
			ID:          entry.ID,
			Name:        entry.Workflow.Name(),
			Description: entry.Workflow.Description(),
			Nodes:       entry.Workflow.Graph().NodeNames(),
			CreatedAt:   entry.CreatedAt,
		})
	}
	s.mutex.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	s.respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mutex.RLock()
	entry, ok := s.stored[id]
	s.mutex.RUnlock()
	if !ok {
		s.respondError(w, http.StatusNotFound, "workflow not found")
		return
	}
	s.respondJSON(w, http.StatusOK, workflowDetail{
		ID:            entry.ID,
		Name:          entry.Workflow.Name(),
		Description:   entry.Workflow.Description(),
		MaxIterations: entry.Options.MaxIterations,
		InitialState:  entry.Options.InitialState,
		Graph:         entry.Options.Graph,
		CreatedAt:     entry.CreatedAt,
	})
}

// lookupStoredByName finds an API-created workflow by its name. Used on
// resume, where the execution record carries the workflow name.
func (s *Server) lookupStoredByName(name string) (*StoredWorkflow, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	for _, entry := range s.stored {
		if entry.Workflow.Name() == name {
			return entry, true
		}
	}
	return nil, false
}

type templateSummary struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Nodes       []string `json:"nodes"`
}

// handleListTemplates serves the built-in template catalog. Templates
// are constructed against the server's clients so the listed node set
// reflects exactly what an execution of each template would run.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	catalog := make([]templateSummary, 0, len(templates.Types()))
	for _, templateType := range templates.Types() {
		template, err := templates.Build(templateType, s.clients)
		if err != nil {
			s.logger.Error("template build failed", "template", templateType, "error", err)
			s.respondError(w, http.StatusInternalServerError,
				fmt.Sprintf("template %s: %s", templateType, err))
			return
		}
		catalog = append(catalog, templateSummary{
			Type:        template.Type,
			Name:        template.Name,
			Description: template.Description,
			Nodes:       template.Workflow.Graph().NodeNames(),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"templates": catalog})
}
