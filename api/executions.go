package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/events"
	"github.com/deepnoodle-ai/stategraph/nodes"
	"github.com/deepnoodle-ai/stategraph/templates"
)

type startExecutionRequest struct {
	WorkflowID string         `json:"workflow_id,omitempty"`
	Template   string         `json:"template,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

type executionAck struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// handleStartExecution admits a new run and returns as soon as it is
// scheduled. The run itself proceeds on the server's context; progress
// is observable through the execution record, the step history, and the
// WebSocket stream.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req startExecutionRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}
	if (req.WorkflowID == "") == (req.Template == "") {
		s.respondError(w, http.StatusBadRequest, "exactly one of workflow_id or template is required")
		return
	}

	workflow, nodeSet, templateType, err := s.resolveRun(req.WorkflowID, req.Template)
	if err != nil {
		if req.WorkflowID != "" {
			s.respondError(w, http.StatusNotFound, err.Error())
		} else {
			s.respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	executionID := stategraph.NewExecutionID()
	execution, err := stategraph.NewExecution(stategraph.ExecutionOptions{
		Workflow:           workflow,
		Nodes:              nodeSet,
		Input:              req.Input,
		ExecutionID:        executionID,
		ThreadID:           executionID,
		TemplateType:       templateType,
		CheckpointStore:    s.checkpoints,
		StepLogger:         s.stepLogger,
		Repository:         s.repository,
		Broadcaster:        s.broadcaster,
		Logger:             s.logger,
		ScriptCompiler:     s.clients.Compiler,
		MaxConcurrency:     s.maxConcurrency,
		DefaultNodeTimeout: s.nodeTimeout,
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.launchRun(execution, execution.Run)
	s.respondJSON(w, http.StatusAccepted, executionAck{
		ExecutionID: executionID,
		Status:      string(stategraph.ExecutionStatusPending),
	})
}

// resolveRun produces the workflow and node set for a start request,
// from either a stored definition or a built-in template.
func (s *Server) resolveRun(workflowID, templateType string) (*stategraph.Workflow, []stategraph.Node, string, error) {
	if templateType != "" {
		template, err := templates.Build(templateType, s.clients)
		if err != nil {
			return nil, nil, "", err
		}
		return template.Workflow, template.Nodes, template.Type, nil
	}

	s.mutex.RLock()
	entry, ok := s.stored[workflowID]
	s.mutex.RUnlock()
	if !ok {
		return nil, nil, "", fmt.Errorf("workflow not found")
	}
	nodeSet, err := s.buildNodes(entry.Workflow)
	if err != nil {
		return nil, nil, "", err
	}
	return entry.Workflow, nodeSet, "", nil
}

// buildNodes constructs the typed adapters a stored workflow's graph
// declares. Stored definitions have no host program behind them, so
// every node must be expressible as a built-in adapter.
func (s *Server) buildNodes(workflow *stategraph.Workflow) ([]stategraph.Node, error) {
	return nodes.BuildAll(workflow.Graph(), nodes.Dependencies{
		LLM:      s.clients.LLM,
		Tools:    s.clients.Tools,
		Compiler: s.clients.Compiler,
	})
}

// launchRun tracks the execution and drives it on a server goroutine.
func (s *Server) launchRun(execution *stategraph.Execution, run func(context.Context) error) {
	s.mutex.Lock()
	s.running[execution.ID()] = execution
	s.mutex.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mutex.Lock()
			delete(s.running, execution.ID())
			s.mutex.Unlock()
		}()
		if err := run(s.ctx); err != nil {
			s.logger.Error("execution finished with error",
				"execution_id", execution.ID(), "error", err)
		}
	}()
}

// liveExecution returns the in-process execution for an ID, if this
// server is currently driving it.
func (s *Server) liveExecution(id string) (*stategraph.Execution, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	execution, ok := s.running[id]
	return execution, ok
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := stategraph.ExecutionFilter{
		WorkflowName: r.URL.Query().Get("workflow_name"),
		Status:       stategraph.ExecutionStatus(r.URL.Query().Get("status")),
		Limit:        100,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		filter.Limit = limit
	}

	records, err := s.repository.ListExecutions(r.Context(), filter)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	summaries := make([]*stategraph.ExecutionSummary, 0, len(records))
	for _, record := range records {
		summaries = append(summaries, record.Summary())
	}
	s.respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	record, err := s.repository.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetExecutionSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.repository.GetExecution(r.Context(), id); err != nil {
		s.respondStoreError(w, err)
		return
	}
	steps, err := s.stepLogger.GetStepHistory(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// handlePauseExecution asks a running execution to stop after its
// in-flight superstep is merged and checkpointed. The ack reports the
// requested transition; the record converges once the superstep drains.
func (s *Server) handlePauseExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	execution, live := s.liveExecution(id)
	if !live {
		if _, err := s.repository.GetExecution(r.Context(), id); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondError(w, http.StatusConflict, "execution is not running")
		return
	}
	if execution.Status().Terminal() {
		s.respondError(w, http.StatusConflict, "execution already finished")
		return
	}
	execution.Pause()
	s.respondJSON(w, http.StatusAccepted, executionAck{
		ExecutionID: id,
		Status:      string(stategraph.ExecutionStatusPaused),
	})
}

// handleResumeExecution rebuilds a paused execution from its record and
// continues it from the thread's head checkpoint.
func (s *Server) handleResumeExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, live := s.liveExecution(id); live {
		s.respondError(w, http.StatusConflict, "execution is already running")
		return
	}
	record, err := s.repository.GetExecution(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if record.Status != stategraph.ExecutionStatusPaused {
		s.respondError(w, http.StatusConflict,
			fmt.Sprintf("execution is not paused: %s", record.Status))
		return
	}

	workflow, nodeSet, err := s.rebuildRun(record)
	if err != nil {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	execution, err := stategraph.NewExecution(stategraph.ExecutionOptions{
		Workflow:           workflow,
		Nodes:              nodeSet,
		ExecutionID:        record.ID,
		ThreadID:           record.ThreadID,
		TemplateType:       record.TemplateType,
		CheckpointStore:    s.checkpoints,
		StepLogger:         s.stepLogger,
		Repository:         s.repository,
		Broadcaster:        s.broadcaster,
		Logger:             s.logger,
		ScriptCompiler:     s.clients.Compiler,
		MaxConcurrency:     s.maxConcurrency,
		DefaultNodeTimeout: s.nodeTimeout,
	})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.launchRun(execution, execution.Resume)
	s.respondJSON(w, http.StatusAccepted, executionAck{
		ExecutionID: id,
		Status:      string(stategraph.ExecutionStatusRunning),
	})
}

// rebuildRun reconstructs the workflow and node set an execution record
// was started with: a template by type, or a stored definition by name.
func (s *Server) rebuildRun(record *stategraph.ExecutionRecord) (*stategraph.Workflow, []stategraph.Node, error) {
	if record.TemplateType != "" {
		template, err := templates.Build(record.TemplateType, s.clients)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot rebuild template %s: %w", record.TemplateType, err)
		}
		return template.Workflow, template.Nodes, nil
	}
	if entry, ok := s.lookupStoredByName(record.WorkflowName); ok {
		nodeSet, err := s.buildNodes(entry.Workflow)
		if err != nil {
			return nil, nil, err
		}
		return entry.Workflow, nodeSet, nil
	}
	if workflow, ok := s.registry.Get(record.WorkflowName); ok {
		nodeSet, err := s.buildNodes(workflow)
		if err != nil {
			return nil, nil, err
		}
		return workflow, nodeSet, nil
	}
	return nil, nil, fmt.Errorf("workflow %q is not available on this server", record.WorkflowName)
}

// handleCancelExecution aborts a run. A live execution is cancelled
// through the scheduler; a paused one has its record closed out
// directly, leaving the checkpoint chain intact.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if execution, live := s.liveExecution(id); live {
		execution.Cancel()
		s.respondJSON(w, http.StatusAccepted, executionAck{
			ExecutionID: id,
			Status:      string(stategraph.ExecutionStatusCancelled),
		})
		return
	}

	record, err := s.repository.GetExecution(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if record.Status.Terminal() {
		s.respondError(w, http.StatusConflict,
			fmt.Sprintf("execution already finished: %s", record.Status))
		return
	}
	record.Status = stategraph.ExecutionStatusCancelled
	record.EndTime = time.Now().UTC()
	if err := s.repository.UpdateExecution(r.Context(), record); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.broadcaster.Publish(events.NewStatus(id, string(stategraph.ExecutionStatusCancelled)))
	s.respondJSON(w, http.StatusAccepted, executionAck{
		ExecutionID: id,
		Status:      string(stategraph.ExecutionStatusCancelled),
	})
}

func (s *Server) handleCostSummary(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		if parsed > 365 {
			s.respondError(w, http.StatusBadRequest, "days must be at most 365")
			return
		}
		days = parsed
	}
	summary, err := s.repository.CostSummary(r.Context(), days)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}
