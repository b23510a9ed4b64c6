package stategraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/stategraph/events"
	"github.com/deepnoodle-ai/stategraph/retry"
	"github.com/deepnoodle-ai/stategraph/script"
	"go.jetify.com/typeid"
)

// NewExecutionID returns a new identifier for an execution.
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further supersteps.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// DefaultMaxConcurrency bounds how many nodes of one superstep run at once.
const DefaultMaxConcurrency = 8

// ExecutionOptions configures a new execution
type ExecutionOptions struct {
	Workflow           *Workflow
	Nodes              []Node
	Input              map[string]any
	ThreadID           string
	ExecutionID        string
	TemplateType       string
	CheckpointStore    CheckpointStore
	StepLogger         StepLogger
	Repository         ExecutionRepository
	Broadcaster        *events.Broadcaster
	Logger             *slog.Logger
	ScriptCompiler     script.Compiler
	ExecutionCallbacks ExecutionCallbacks
	MaxConcurrency     int
	MaxIterations      int
	DefaultNodeTimeout time.Duration
}

// Execution drives one workflow run through the superstep loop: execute
// the ready set against a shared snapshot, merge the deltas, checkpoint,
// then fire edges to find the next ready set.
type Execution struct {
	workflow *Workflow
	graph    *Graph
	schema   Schema
	nodes    map[string]Node

	// Edge conditions compiled once per execution, parallel to the
	// graph's out-edge slices.
	conditions map[string][]script.Script

	// Scheduler state. Guarded by mutex for external readers; the run
	// loop is the only writer.
	mutex           sync.RWMutex
	state           State
	status          ExecutionStatus
	runErr          error
	superstep       int
	currentNode     string
	satisfied       map[string]map[string]bool
	iterationCounts map[string]int
	startTime       time.Time
	endTime         time.Time
	totalTokens     int
	totalCost       float64

	id           string
	threadID     string
	templateType string

	store       CheckpointStore
	stepLogger  StepLogger
	repository  ExecutionRepository
	broadcaster *events.Broadcaster
	callbacks   ExecutionCallbacks
	compiler    script.Compiler
	logger      *slog.Logger

	maxConcurrency int
	maxIterations  int
	defaultTimeout time.Duration

	started     bool
	pauseFlag   bool
	cancelFlag  bool
	cancelCause context.CancelFunc
}

// NewExecution creates an execution for a workflow. The node set must
// cover every node the graph declares.
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("nodes are required")
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorScriptingEngine(script.SafeRisorGlobals())
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.StepLogger == nil {
		opts.StepLogger = NewNullStepLogger()
	}
	if opts.CheckpointStore == nil {
		opts.CheckpointStore = NewMemoryCheckpointStore()
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}
	if opts.ThreadID == "" {
		opts.ThreadID = NewThreadID()
	}
	if opts.ExecutionCallbacks == nil {
		opts.ExecutionCallbacks = &BaseExecutionCallbacks{}
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = opts.Workflow.MaxIterations()
	}

	graph := opts.Workflow.Graph()

	nodes := make(map[string]Node, len(opts.Nodes))
	for _, node := range opts.Nodes {
		nodes[node.Name()] = node
	}
	var missing []string
	for _, name := range graph.NodeNames() {
		if _, ok := nodes[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, NewValidationError("",
			fmt.Sprintf("no implementation for nodes: %s", strings.Join(missing, ", ")))
	}

	conditions, err := compileEdgeConditions(graph, opts.ScriptCompiler)
	if err != nil {
		return nil, err
	}

	// Initial state: workflow defaults overlaid with the caller's input.
	state := State{}
	for key, value := range opts.Workflow.InitialState() {
		state[key] = value
	}
	for key, value := range opts.Input {
		state[key] = value
	}

	return &Execution{
		workflow:        opts.Workflow,
		graph:           graph,
		schema:          graph.StateSchema(),
		nodes:           nodes,
		conditions:      conditions,
		state:           state.Clone(),
		status:          ExecutionStatusPending,
		satisfied:       map[string]map[string]bool{},
		iterationCounts: map[string]int{},
		id:              opts.ExecutionID,
		threadID:        opts.ThreadID,
		templateType:    opts.TemplateType,
		store:           opts.CheckpointStore,
		stepLogger:      opts.StepLogger,
		repository:      opts.Repository,
		broadcaster:     opts.Broadcaster,
		callbacks:       opts.ExecutionCallbacks,
		compiler:        opts.ScriptCompiler,
		logger:          opts.Logger.With("execution_id", opts.ExecutionID),
		maxConcurrency:  opts.MaxConcurrency,
		maxIterations:   opts.MaxIterations,
		defaultTimeout:  opts.DefaultNodeTimeout,
	}, nil
}

// compileEdgeConditions compiles every conditional edge expression once.
// The resulting slices are parallel to Graph.OutEdges.
func compileEdgeConditions(graph *Graph, compiler script.Compiler) (map[string][]script.Script, error) {
	conditions := make(map[string][]script.Script)
	for _, name := range graph.NodeNames() {
		edges := graph.OutEdges(name)
		if len(edges) == 0 {
			continue
		}
		compiled := make([]script.Script, len(edges))
		for i, edge := range edges {
			if !edge.Conditional() {
				continue
			}
			s, err := compiler.Compile(context.Background(), edge.Condition)
			if err != nil {
				return nil, NewValidationError(name,
					fmt.Sprintf("edge condition %q: %s", edge.Condition, err))
			}
			compiled[i] = s
		}
		conditions[name] = compiled
	}
	return conditions, nil
}

// ID returns the execution ID
func (e *Execution) ID() string {
	return e.id
}

// ThreadID returns the checkpoint thread this execution writes to
func (e *Execution) ThreadID() string {
	return e.threadID
}

// Status returns the current execution status
func (e *Execution) Status() ExecutionStatus {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.status
}

// Err returns the execution error, if any
func (e *Execution) Err() error {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.runErr
}

// CurrentState returns a copy of the merged state
func (e *Execution) CurrentState() State {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.state.Clone()
}

// Superstep returns the number of completed supersteps
func (e *Execution) Superstep() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.superstep
}

// TotalTokens returns the tokens consumed so far
func (e *Execution) TotalTokens() int {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.totalTokens
}

// TotalCostUSD returns the cost accumulated so far
func (e *Execution) TotalCostUSD() float64 {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.totalCost
}

// Pause asks the execution to stop after the in-flight superstep is
// merged and checkpointed. The checkpoint chain is left intact so Resume
// can continue the run later.
func (e *Execution) Pause() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if !e.status.Terminal() {
		e.pauseFlag = true
	}
}

// Cancel aborts the execution. In-flight node calls are asked to stop
// and their results are discarded without a merge or checkpoint.
func (e *Execution) Cancel() {
	e.mutex.Lock()
	cancel := e.cancelCause
	if !e.status.Terminal() {
		e.cancelFlag = true
	}
	e.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

// Run executes the workflow from its entry point, blocking until the
// execution reaches a terminal status or pauses.
func (e *Execution) Run(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	frontier := []string{e.graph.EntryPoint()}
	if e.repository != nil {
		record := e.buildRecord(ExecutionStatusPending)
		if err := e.repository.CreateExecution(ctx, record); err != nil {
			e.logger.Error("failed to create execution record", "error", err)
		}
	}
	return e.run(ctx, frontier, nil)
}

// Resume continues a thread from its head checkpoint. The ready set is
// recomputed from the graph's edges, so resuming immediately after a
// checkpoint schedules exactly what an uninterrupted run would have.
func (e *Execution) Resume(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}

	head, err := e.store.Head(ctx, e.threadID)
	if err != nil {
		if errors.Is(err, ErrCheckpointNotFound) {
			return NewPersistenceError("resume",
				fmt.Errorf("thread %s has no checkpoints", e.threadID))
		}
		return NewPersistenceError("resume", err)
	}

	if head.Status == ExecutionStatusCompleted || head.Status == ExecutionStatusCancelled {
		e.mutex.Lock()
		e.status = head.Status
		e.state = head.State.Clone()
		e.superstep = head.Superstep + 1
		e.mutex.Unlock()
		e.logger.Info("thread already finished", "status", head.Status)
		return nil
	}

	e.mutex.Lock()
	e.state = head.State.Clone()
	e.superstep = head.Superstep + 1
	e.satisfied = map[string]map[string]bool{}
	for target, sources := range head.Satisfied {
		set := map[string]bool{}
		for _, source := range sources {
			set[source] = true
		}
		e.satisfied[target] = set
	}
	e.iterationCounts = map[string]int{}
	for name, count := range head.IterationCounts {
		e.iterationCounts[name] = count
	}
	e.mutex.Unlock()

	var frontier []string
	var carryCompleted []string
	if len(head.FailedNodes) > 0 {
		// The prior superstep failed partway. Only the failed nodes are
		// re-run; their successful siblings' deltas are already in the
		// checkpointed state and their edges fire after the re-run.
		frontier = append([]string(nil), head.FailedNodes...)
		carryCompleted = append([]string(nil), head.LastCompleted...)
		e.logger.Info("resuming after failure", "retry_nodes", frontier)
	} else {
		routes, err := e.replayRoutes(ctx, head.LastCompleted, e.CurrentState())
		if err != nil {
			return err
		}
		frontier = e.fireEdges(ctx, head.LastCompleted, routes, e.CurrentState())
		e.logger.Info("resuming from checkpoint",
			"superstep", e.superstep, "ready", frontier)
	}

	if e.repository != nil {
		record, err := e.repository.GetExecution(ctx, e.id)
		if err != nil || record == nil {
			record = e.buildRecord(ExecutionStatusPending)
			if err := e.repository.CreateExecution(ctx, record); err != nil {
				e.logger.Error("failed to create execution record", "error", err)
			}
		} else {
			// Carry the accumulated totals and the original start time so
			// the record stays cumulative across pause and resume.
			e.mutex.Lock()
			e.totalTokens = record.TotalTokens
			e.totalCost = record.TotalCostUSD
			e.startTime = record.StartTime
			e.mutex.Unlock()
		}
	}
	return e.run(ctx, frontier, carryCompleted)
}

// run is the superstep loop shared by Run and Resume.
func (e *Execution) run(ctx context.Context, frontier []string, carryCompleted []string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mutex.Lock()
	e.cancelCause = cancel
	e.status = ExecutionStatusRunning
	if e.startTime.IsZero() {
		e.startTime = time.Now()
	}
	e.mutex.Unlock()

	e.updateRecord(ctx, ExecutionStatusRunning, nil)
	e.publish(events.NewStatus(e.id, string(ExecutionStatusRunning)))
	e.callbacks.BeforeExecution(ctx, e.executionEvent(ExecutionStatusRunning, nil))

	for len(frontier) > 0 {
		if err := e.checkInterrupt(ctx); err != nil {
			return e.finalize(ctx, ExecutionStatusCancelled, err)
		}
		if e.pauseRequested() {
			return e.finalize(ctx, ExecutionStatusPaused, nil)
		}

		superstepStart := time.Now()
		stepIndex := e.Superstep()
		e.callbacks.BeforeSuperstep(ctx, &SuperstepEvent{
			ExecutionID:  e.id,
			WorkflowName: e.workflow.Name(),
			Superstep:    stepIndex,
			ReadyNodes:   append([]string(nil), frontier...),
			StartTime:    superstepStart,
		})

		outcomes := e.runSuperstep(runCtx, frontier, stepIndex)

		// Cancellation discards everything the superstep produced: no
		// merge, no checkpoint.
		if err := e.checkInterrupt(ctx); err != nil {
			return e.finalize(ctx, ExecutionStatusCancelled, err)
		}

		completed, failed, nodeErr := e.splitOutcomes(outcomes)
		e.logSteps(ctx, outcomes, stepIndex)

		// Merge the successful deltas in node-name order so the result
		// is independent of completion order.
		deltas := make([]State, 0, len(completed))
		for _, outcome := range completed {
			deltas = append(deltas, outcome.result.Delta)
		}
		e.mutex.Lock()
		e.state = Merge(e.schema, e.state, deltas)
		for _, name := range frontier {
			if e.graph.IsCyclic(name) {
				e.iterationCounts[name]++
			}
		}
		for _, outcome := range completed {
			e.totalTokens += outcome.result.TokensUsed
			e.totalCost += outcome.result.CostUSD
		}
		if len(completed) > 0 {
			// completed is name-sorted, so this is the merge's last writer.
			e.currentNode = completed[len(completed)-1].name
		}
		state := e.state.Clone()
		e.mutex.Unlock()

		completedNames := outcomeNames(completed)
		allCompleted := append(append([]string(nil), carryCompleted...), completedNames...)
		carryCompleted = nil

		// An explicit shouldContinue=false overrides any outgoing edges;
		// the closing checkpoint records the run as completed so a later
		// Resume of the thread is a no-op.
		halt := nodeErr == nil && !state.ShouldContinue()

		checkpoint := e.buildCheckpoint(stepIndex, state, allCompleted, outcomeNames(failed), nodeErr, halt)
		if err := e.putCheckpoint(ctx, checkpoint); err != nil {
			persistErr := NewPersistenceError("put checkpoint", err)
			e.logger.Error("checkpoint write failed", "error", err)
			return e.finalize(ctx, ExecutionStatusFailed, persistErr)
		}

		e.emitSuperstepEvents(outcomes, stepIndex, state)
		e.callbacks.AfterSuperstep(ctx, &SuperstepEvent{
			ExecutionID:  e.id,
			WorkflowName: e.workflow.Name(),
			Superstep:    stepIndex,
			ReadyNodes:   append([]string(nil), frontier...),
			CheckpointID: checkpoint.ID,
			StartTime:    superstepStart,
			EndTime:      time.Now(),
			Duration:     time.Since(superstepStart),
			Error:        nodeErr,
		})

		// Refresh the repository row between supersteps so observers see
		// live totals and the current node before the run finishes.
		e.updateRecord(ctx, ExecutionStatusRunning, nil)

		e.mutex.Lock()
		e.superstep++
		e.mutex.Unlock()

		if nodeErr != nil {
			return e.finalize(ctx, ExecutionStatusFailed, nodeErr)
		}
		if halt {
			e.logger.Info("workflow stopped by state",
				"field", FieldShouldContinue, "superstep", stepIndex)
			break
		}

		routes := routesFromOutcomes(completed)
		frontier = e.fireEdges(ctx, allCompleted, routes, state)
	}

	return e.finalize(ctx, ExecutionStatusCompleted, nil)
}

// nodeOutcome captures one node's run within a superstep.
type nodeOutcome struct {
	name      string
	result    NodeResult
	err       error
	startTime time.Time
	endTime   time.Time
}

// runSuperstep executes every ready node concurrently against the same
// pre-superstep snapshot, bounded by the worker pool.
func (e *Execution) runSuperstep(ctx context.Context, frontier []string, stepIndex int) []nodeOutcome {
	e.mutex.RLock()
	snapshot := e.state
	e.mutex.RUnlock()

	results := make(chan nodeOutcome, len(frontier))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

	for _, name := range frontier {
		node := e.nodes[name]
		def, _ := e.graph.Node(name)
		wg.Add(1)
		go func(name string, node Node, def NodeDefinition) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- e.executeNode(ctx, name, node, def, snapshot.Clone(), stepIndex)
		}(name, node, def)
	}
	wg.Wait()
	close(results)

	outcomes := make([]nodeOutcome, 0, len(frontier))
	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].name < outcomes[j].name
	})
	return outcomes
}

// executeNode runs a single node with its timeout and classification.
func (e *Execution) executeNode(ctx context.Context, name string, node Node, def NodeDefinition, snapshot State, stepIndex int) (outcome nodeOutcome) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	nodeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	nodeCtx = WithLogger(nodeCtx, e.logger)
	nodeCtx = WithExecutionID(nodeCtx, e.id)
	nodeCtx = WithNodeName(nodeCtx, name)
	nodeCtx = WithSuperstep(nodeCtx, stepIndex)
	if e.broadcaster != nil {
		nodeCtx = WithEventSink(nodeCtx, e.publish)
	}

	outcome = nodeOutcome{name: name, startTime: time.Now()}
	e.publish(events.NewNodeStart(e.id, name, stepIndex))
	e.callbacks.BeforeNodeExecution(ctx, &NodeExecutionEvent{
		ExecutionID:  e.id,
		WorkflowName: e.workflow.Name(),
		NodeName:     name,
		Superstep:    stepIndex,
		StartTime:    outcome.startTime,
	})

	defer func() {
		if r := recover(); r != nil {
			outcome.err = NewNodeError(name, fmt.Errorf("panic: %v", r))
		}
		outcome.endTime = time.Now()
		if outcome.err != nil {
			// Classify before reporting so timeouts stay distinguishable
			// from ordinary node failures.
			var typed *Error
			if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
				outcome.err = NewTimeoutError(name, outcome.err)
			} else if !errors.As(outcome.err, &typed) {
				outcome.err = NewNodeError(name, outcome.err)
			}
			if def.BestEffort {
				e.logger.Warn("best-effort node failed",
					"node", name, "error", outcome.err)
			}
		}
		e.callbacks.AfterNodeExecution(ctx, &NodeExecutionEvent{
			ExecutionID:  e.id,
			WorkflowName: e.workflow.Name(),
			NodeName:     name,
			Superstep:    stepIndex,
			StartTime:    outcome.startTime,
			EndTime:      outcome.endTime,
			Duration:     outcome.endTime.Sub(outcome.startTime),
			Delta:        outcome.result.Delta,
			Route:        outcome.result.Route,
			TokensUsed:   outcome.result.TokensUsed,
			CostUSD:      outcome.result.CostUSD,
			Error:        outcome.err,
		})
	}()

	result, err := node.Execute(nodeCtx, snapshot)
	outcome.result = result
	outcome.err = err
	if err == nil {
		if result.Route != "" {
			outcome.err = e.validateRoute(name, result.Route)
		} else if def.Type == NodeTypeRouter && !e.graph.IsTerminal(name) {
			outcome.err = NewNodeError(name, fmt.Errorf("router returned no route"))
		}
	}
	return outcome
}

// validateRoute checks that a router's chosen target is one of its
// declared successors.
func (e *Execution) validateRoute(name, route string) error {
	if route == RouteEnd {
		return nil
	}
	for _, edge := range e.graph.OutEdges(name) {
		if edge.Target == route {
			return nil
		}
	}
	return NewNodeError(name, fmt.Errorf("route %q is not a declared successor", route))
}

// splitOutcomes partitions outcomes into completed and failed sets and
// aggregates the hard errors. A best-effort node's failure lands in
// neither set: its delta is omitted, its edges never fire, and the run
// continues without it.
func (e *Execution) splitOutcomes(outcomes []nodeOutcome) (completed, failed []nodeOutcome, err error) {
	var hard []error
	for _, outcome := range outcomes {
		if outcome.err == nil {
			completed = append(completed, outcome)
			continue
		}
		if def, ok := e.graph.Node(outcome.name); ok && def.BestEffort {
			continue
		}
		failed = append(failed, outcome)
		hard = append(hard, outcome.err)
	}
	if len(hard) > 0 {
		err = fmt.Errorf("superstep failed: %w", errors.Join(hard...))
	}
	return completed, failed, err
}

func outcomeNames(outcomes []nodeOutcome) []string {
	if len(outcomes) == 0 {
		return nil
	}
	names := make([]string, 0, len(outcomes))
	for _, outcome := range outcomes {
		names = append(names, outcome.name)
	}
	return names
}

func routesFromOutcomes(outcomes []nodeOutcome) map[string]string {
	routes := map[string]string{}
	for _, outcome := range outcomes {
		if outcome.result.Route != "" {
			routes[outcome.name] = outcome.result.Route
		}
	}
	return routes
}

// replayRoutes re-invokes the router nodes among the given completed set
// to recover their edge choices. Routers are pure functions over state,
// so replay is free of side effects.
func (e *Execution) replayRoutes(ctx context.Context, completed []string, state State) (map[string]string, error) {
	routes := map[string]string{}
	for _, name := range completed {
		def, ok := e.graph.Node(name)
		if !ok || def.Type != NodeTypeRouter {
			continue
		}
		node := e.nodes[name]
		result, err := node.Execute(ctx, state.Clone())
		if err != nil {
			return nil, NewNodeError(name, fmt.Errorf("route replay: %w", err))
		}
		if result.Route != "" {
			if err := e.validateRoute(name, result.Route); err != nil {
				return nil, err
			}
			routes[name] = result.Route
		}
	}
	return routes, nil
}

// fireEdges advances the frontier: it fires the outgoing edges of every
// newly completed node, accumulates satisfied predecessors for joins, and
// returns the next ready set in name order.
func (e *Execution) fireEdges(ctx context.Context, completed []string, routes map[string]string, state State) []string {
	arrivals := map[string][]string{}
	sorted := append([]string(nil), completed...)
	sort.Strings(sorted)

	for _, name := range sorted {
		if e.graph.IsTerminal(name) {
			continue
		}
		if route, ok := routes[name]; ok {
			if route == RouteEnd {
				continue
			}
			arrivals[route] = append(arrivals[route], name)
			continue
		}
		if def, ok := e.graph.Node(name); ok && def.Type == NodeTypeRouter {
			// Routers select successors by route, never by raw edge.
			continue
		}
		edges := e.graph.OutEdges(name)
		conditions := e.conditions[name]
		for i, edge := range edges {
			if edge.Conditional() {
				truthy, err := e.evaluateCondition(ctx, conditions[i], state)
				if err != nil {
					e.logger.Error("edge condition failed",
						"source", edge.Source, "target", edge.Target, "error", err)
					continue
				}
				if !truthy {
					continue
				}
			}
			arrivals[edge.Target] = append(arrivals[edge.Target], name)
		}
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	for target, sources := range arrivals {
		set, ok := e.satisfied[target]
		if !ok {
			set = map[string]bool{}
			e.satisfied[target] = set
		}
		for _, source := range sources {
			set[source] = true
		}
	}

	var ready []string
	for target, set := range e.satisfied {
		if !e.joinReady(target, set) {
			continue
		}
		delete(e.satisfied, target)
		if e.graph.IsCyclic(target) && e.iterationCounts[target] >= e.maxIterations {
			e.logger.Warn("iteration ceiling reached, not scheduling node",
				"node", target, "iterations", e.iterationCounts[target])
			continue
		}
		ready = append(ready, target)
	}
	sort.Strings(ready)
	return ready
}

// joinReady decides whether a node's satisfied-predecessor set admits
// scheduling. Nodes fed only by unconditional edges wait for all of their
// predecessors; a node reached through a conditional edge is ready as
// soon as its unconditional predecessors (if any) have arrived.
//
// A routed arrival schedules the target immediately. The route is an
// explicit instruction to run that node next, which is what lets a
// router's back-edge re-enter a loop body that also has a straight-line
// predecessor from the first pass.
func (e *Execution) joinReady(target string, set map[string]bool) bool {
	if len(set) == 0 {
		return false
	}
	for source := range set {
		if def, ok := e.graph.Node(source); ok && def.Type == NodeTypeRouter {
			return true
		}
	}
	for _, source := range e.graph.Predecessors(target) {
		if set[source] {
			continue
		}
		if e.unconditionalEdge(source, target) {
			return false
		}
	}
	return true
}

// unconditionalEdge reports whether source has an unconditional,
// non-routed edge to target.
func (e *Execution) unconditionalEdge(source, target string) bool {
	def, ok := e.graph.Node(source)
	if ok && def.Type == NodeTypeRouter {
		return false
	}
	for _, edge := range e.graph.OutEdges(source) {
		if edge.Target == target && !edge.Conditional() {
			return true
		}
	}
	return false
}

func (e *Execution) evaluateCondition(ctx context.Context, compiled script.Script, state State) (bool, error) {
	if compiled == nil {
		return false, fmt.Errorf("condition not compiled")
	}
	value, err := compiled.Evaluate(ctx, map[string]any{"state": map[string]any(state)})
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}

// buildCheckpoint snapshots the execution after a superstep. The
// satisfied sets recorded here are pre-fire: edges of LastCompleted have
// not fired yet, which is exactly what Resume recomputes.
func (e *Execution) buildCheckpoint(stepIndex int, state State, completed, failed []string, nodeErr error, halt bool) *Checkpoint {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	sort.Strings(completed)
	sort.Strings(failed)
	satisfied := make(map[string][]string, len(e.satisfied))
	for target, set := range e.satisfied {
		sources := make([]string, 0, len(set))
		for source := range set {
			sources = append(sources, source)
		}
		sort.Strings(sources)
		satisfied[target] = sources
	}
	counts := make(map[string]int, len(e.iterationCounts))
	for name, count := range e.iterationCounts {
		counts[name] = count
	}

	status := ExecutionStatusRunning
	errText := ""
	if nodeErr != nil {
		status = ExecutionStatusFailed
		errText = nodeErr.Error()
	} else if halt {
		status = ExecutionStatusCompleted
	}
	return &Checkpoint{
		ID:              NewCheckpointID(),
		ThreadID:        e.threadID,
		WorkflowName:    e.workflow.Name(),
		Status:          status,
		State:           state,
		Superstep:       stepIndex,
		LastCompleted:   completed,
		FailedNodes:     failed,
		Satisfied:       satisfied,
		IterationCounts: counts,
		Error:           errText,
		StartTime:       e.startTime,
		CreatedAt:       time.Now(),
	}
}

// putCheckpoint persists a checkpoint, linking it to the thread head and
// retrying transient store failures with backoff.
func (e *Execution) putCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	head, err := e.store.Head(ctx, e.threadID)
	if err != nil && !errors.Is(err, ErrCheckpointNotFound) {
		return err
	}
	if head != nil {
		checkpoint.ParentID = head.ID
	}
	return retry.Do(ctx, func() error {
		if err := e.store.Put(ctx, checkpoint); err != nil {
			return retry.NewRecoverableError(err)
		}
		return nil
	}, retry.WithMaxRetries(3), retry.WithBaseWait(250*time.Millisecond))
}

// emitSuperstepEvents publishes node_complete events and the post-merge
// state snapshot. Publication happens after the checkpoint write so
// observers never see results that were not made durable.
func (e *Execution) emitSuperstepEvents(outcomes []nodeOutcome, stepIndex int, state State) {
	if e.broadcaster == nil {
		return
	}
	for _, outcome := range outcomes {
		errText := ""
		if outcome.err != nil {
			errText = outcome.err.Error()
		}
		var data map[string]any
		if len(outcome.result.Delta) > 0 {
			data = map[string]any{"delta": map[string]any(outcome.result.Delta)}
		}
		e.publish(events.NewNodeComplete(e.id, outcome.name, stepIndex, data, errText))
	}
	snapshot := events.NewStatus(e.id, string(ExecutionStatusRunning))
	snapshot.Superstep = stepIndex
	snapshot.Data = map[string]any{"state": map[string]any(state)}
	e.publish(snapshot)
}

// logSteps writes one step record per outcome.
func (e *Execution) logSteps(ctx context.Context, outcomes []nodeOutcome, stepIndex int) {
	for _, outcome := range outcomes {
		record := &StepRecord{
			ID:          NewStepID(),
			ExecutionID: e.id,
			NodeName:    outcome.name,
			Superstep:   stepIndex,
			Status:      StepStatusCompleted,
			Delta:       outcome.result.Delta,
			Route:       outcome.result.Route,
			TokensUsed:  outcome.result.TokensUsed,
			CostUSD:     outcome.result.CostUSD,
			StartTime:   outcome.startTime,
			Duration:    outcome.endTime.Sub(outcome.startTime).Seconds(),
		}
		if outcome.err != nil {
			record.Status = StepStatusFailed
			record.Error = outcome.err.Error()
			record.Delta = nil
		}
		if err := e.stepLogger.LogStep(ctx, record); err != nil {
			e.logger.Error("failed to log step", "node", outcome.name, "error", err)
		}
	}
}

func (e *Execution) pauseRequested() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.pauseFlag
}

// checkInterrupt reports cancellation, either explicit or from the
// caller's context.
func (e *Execution) checkInterrupt(ctx context.Context) error {
	e.mutex.RLock()
	cancelled := e.cancelFlag
	e.mutex.RUnlock()
	if cancelled {
		return context.Canceled
	}
	return ctx.Err()
}

// finalize records the terminal (or paused) status, publishes the
// closing events, and returns the execution error.
func (e *Execution) finalize(ctx context.Context, status ExecutionStatus, err error) error {
	now := time.Now()
	e.mutex.Lock()
	e.status = status
	e.runErr = err
	if status.Terminal() {
		e.endTime = now
	}
	e.mutex.Unlock()

	switch status {
	case ExecutionStatusCompleted:
		e.logger.Info("execution completed", "supersteps", e.Superstep())
	case ExecutionStatusPaused:
		e.logger.Info("execution paused", "supersteps", e.Superstep())
	case ExecutionStatusCancelled:
		e.logger.Info("execution cancelled")
	case ExecutionStatusFailed:
		e.logger.Error("execution failed", "error", err)
	}

	// The caller's context may already be cancelled; the final record
	// update must still go through.
	e.updateRecord(context.WithoutCancel(ctx), status, err)
	e.publish(events.NewStatus(e.id, string(status)))
	if err != nil && status == ExecutionStatusFailed {
		e.publish(events.NewError(e.id, err.Error()))
	}
	e.callbacks.AfterExecution(ctx, e.executionEvent(status, err))
	return err
}

func (e *Execution) executionEvent(status ExecutionStatus, err error) *ExecutionEvent {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	event := &ExecutionEvent{
		ExecutionID:  e.id,
		WorkflowName: e.workflow.Name(),
		ThreadID:     e.threadID,
		Status:       status,
		StartTime:    e.startTime,
		EndTime:      e.endTime,
		State:        e.state.Clone(),
		Error:        err,
	}
	if !e.startTime.IsZero() && !e.endTime.IsZero() {
		event.Duration = e.endTime.Sub(e.startTime)
	}
	return event
}

// buildRecord assembles the repository view of this execution.
func (e *Execution) buildRecord(status ExecutionStatus) *ExecutionRecord {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	record := &ExecutionRecord{
		ID:           e.id,
		WorkflowName: e.workflow.Name(),
		TemplateType: e.templateType,
		ThreadID:     e.threadID,
		Status:       status,
		CurrentNode:  e.currentNode,
		InitialState: e.state.Clone(),
		TotalTokens:  e.totalTokens,
		TotalCostUSD: e.totalCost,
		StartTime:    e.startTime,
		EndTime:      e.endTime,
		CreatedAt:    time.Now(),
	}
	return record
}

// updateRecord pushes the latest lifecycle status to the repository.
// Repository failures are logged, not fatal: the checkpoint chain is the
// durability boundary, the record is reporting metadata.
func (e *Execution) updateRecord(ctx context.Context, status ExecutionStatus, runErr error) {
	if e.repository == nil {
		return
	}
	record, err := e.repository.GetExecution(ctx, e.id)
	if err != nil {
		e.logger.Error("failed to load execution record", "error", err)
		return
	}
	e.mutex.RLock()
	record.Status = status
	record.CurrentNode = e.currentNode
	record.TotalTokens = e.totalTokens
	record.TotalCostUSD = e.totalCost
	record.StartTime = e.startTime
	record.EndTime = e.endTime
	if status.Terminal() {
		record.FinalState = e.state.Clone()
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	e.mutex.RUnlock()
	if err := e.repository.UpdateExecution(ctx, record); err != nil {
		e.logger.Error("failed to update execution record", "error", err)
	}
}

func (e *Execution) publish(event *events.Event) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Publish(event)
}
