package stategraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/stategraph/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkflow(t *testing.T, def GraphDefinition) *Workflow {
	t.Helper()
	workflow, err := New(Options{Name: "test-workflow", Graph: def})
	require.NoError(t, err)
	return workflow
}

// deltaNode returns a node that writes a fixed delta on every run.
func deltaNode(name string, delta State) *NodeFunc {
	return NewNodeFunc(name, func(ctx context.Context, state State) (NodeResult, error) {
		return NodeResult{Delta: delta.Clone()}, nil
	})
}

// countingNode returns a node that counts its runs and writes a fixed delta.
func countingNode(name string, runs *atomic.Int32, delta State) *NodeFunc {
	return NewNodeFunc(name, func(ctx context.Context, state State) (NodeResult, error) {
		runs.Add(1)
		return NodeResult{Delta: delta.Clone()}, nil
	})
}

func TestLinearRunSumsCountersAndCheckpoints(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"c"},
		StateSchema:   Schema{"count": ReducerSum},
	}
	store := NewMemoryCheckpointStore()
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", State{"count": 1}),
			deltaNode("b", State{"count": 1}),
			deltaNode("c", nil),
		},
		ThreadID:        "thread-linear",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())

	count, ok := execution.CurrentState().GetInt("count")
	require.True(t, ok)
	require.Equal(t, 2, count)

	// One checkpoint per superstep, parent-linked in order.
	chain, err := store.List(context.Background(), "thread-linear")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Empty(t, chain[0].ParentID)
	for i := 1; i < len(chain); i++ {
		require.Equal(t, chain[i-1].ID, chain[i].ParentID)
	}
	require.Equal(t, []string{"a"}, chain[0].LastCompleted)
	require.Equal(t, []string{"b"}, chain[1].LastCompleted)
	require.Equal(t, []string{"c"}, chain[2].LastCompleted)
	for i, checkpoint := range chain {
		require.Equal(t, i, checkpoint.Superstep)
		require.Equal(t, "thread-linear", checkpoint.ThreadID)
	}
}

func TestFanOutRunsBranchesInOneSuperstep(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
			{Name: "d"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"d"},
		StateSchema:   Schema{"results": ReducerAppend},
	}
	var joinRuns atomic.Int32
	store := NewMemoryCheckpointStore()
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", nil),
			deltaNode("b", State{"results": []any{"from-b"}}),
			deltaNode("c", State{"results": []any{"from-c"}}),
			countingNode("d", &joinRuns, nil),
		},
		ThreadID:        "thread-fanout",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())

	// Deltas merge in node-name order, so the result does not depend on
	// which branch finished first.
	results, ok := execution.CurrentState()["results"].([]any)
	require.True(t, ok)
	require.Equal(t, []any{"from-b", "from-c"}, results)
	require.Equal(t, int32(1), joinRuns.Load())

	// a; b+c; d. Three supersteps, never more than the node count.
	chain, err := store.List(context.Background(), "thread-fanout")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, []string{"b", "c"}, chain[1].LastCompleted)
}

func TestFanInWaitsForBranchesOfDifferentDepth(t *testing.T) {
	// The b branch reaches the join in one superstep, the c branch in two.
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
			{Name: "c2"},
			{Name: "join"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "c", Target: "c2"},
			{Source: "b", Target: "join"},
			{Source: "c2", Target: "join"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"join"},
	}
	var joinRuns atomic.Int32
	store := NewMemoryCheckpointStore()
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", nil),
			deltaNode("b", nil),
			deltaNode("c", nil),
			deltaNode("c2", nil),
			countingNode("join", &joinRuns, nil),
		},
		ThreadID:        "thread-fanin",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
	require.Equal(t, int32(1), joinRuns.Load())

	chain, err := store.List(context.Background(), "thread-fanin")
	require.NoError(t, err)
	require.Len(t, chain, 4)
	require.Equal(t, []string{"join"}, chain[3].LastCompleted)

	// The checkpoint closing the c2 superstep carries the join's partially
	// satisfied predecessor set from the earlier b arrival, so a resume
	// from it waits for c2's edge instead of rerunning b.
	require.Equal(t, []string{"b"}, chain[2].Satisfied["join"])
}

func TestCycleStopsAtIterationCeiling(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "loop"},
		},
		Edges: []EdgeDefinition{
			{Source: "loop", Target: "loop"},
		},
		EntryPoint: "loop",
	}
	var runs atomic.Int32
	store := NewMemoryCheckpointStore()
	execution, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           []Node{countingNode("loop", &runs, nil)},
		ThreadID:        "thread-cycle",
		CheckpointStore: store,
		MaxIterations:   5,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())

	// Never a sixth run.
	require.Equal(t, int32(5), runs.Load())

	chain, err := store.List(context.Background(), "thread-cycle")
	require.NoError(t, err)
	require.Len(t, chain, 5)
	require.Equal(t, 5, chain[4].IterationCounts["loop"])
}

func TestRoutedBackEdgeReentersLoopBody(t *testing.T) {
	// work has two predecessors: prep on the first pass and the router's
	// back-edge afterwards. The routed arrival must not wait on prep.
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "prep"},
			{Name: "work"},
			{Name: "review", Type: NodeTypeRouter},
			{Name: "done"},
		},
		Edges: []EdgeDefinition{
			{Source: "prep", Target: "work"},
			{Source: "work", Target: "review"},
			{Source: "review", Target: "work"},
			{Source: "review", Target: "done"},
		},
		EntryPoint:    "prep",
		TerminalNodes: []string{"done"},
		StateSchema:   Schema{"passes": ReducerSum},
	}
	var workRuns, doneRuns atomic.Int32
	router := NewNodeFunc("review", func(ctx context.Context, state State) (NodeResult, error) {
		if passes, _ := state.GetInt("passes"); passes < 3 {
			return NodeResult{Route: "work"}, nil
		}
		return NodeResult{Route: "done"}, nil
	})
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("prep", State{}),
			countingNode("work", &workRuns, State{"passes": 1}),
			router,
			countingNode("done", &doneRuns, nil),
		},
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())

	require.Equal(t, int32(3), workRuns.Load())
	require.Equal(t, int32(1), doneRuns.Load())

	passes, _ := execution.CurrentState().GetInt("passes")
	require.Equal(t, 3, passes)
}

func TestRouterSelectsDeclaredSuccessor(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "route", Type: NodeTypeRouter},
			{Name: "left"},
			{Name: "right"},
		},
		Edges: []EdgeDefinition{
			{Source: "route", Target: "left"},
			{Source: "route", Target: "right"},
		},
		EntryPoint:    "route",
		TerminalNodes: []string{"left", "right"},
	}
	var leftRuns, rightRuns atomic.Int32
	router := NewNodeFunc("route", func(ctx context.Context, state State) (NodeResult, error) {
		target, _ := state.GetString("target")
		return NodeResult{Route: target}, nil
	})
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			router,
			countingNode("left", &leftRuns, nil),
			countingNode("right", &rightRuns, nil),
		},
		Input: map[string]any{"target": "left"},
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
	require.Equal(t, int32(1), leftRuns.Load())
	require.Equal(t, int32(0), rightRuns.Load())
}

func TestRouterRouteEndFinishesBranch(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "route", Type: NodeTypeRouter},
			{Name: "next"},
		},
		Edges: []EdgeDefinition{
			{Source: "route", Target: "next"},
		},
		EntryPoint:    "route",
		TerminalNodes: []string{"next"},
	}
	var nextRuns atomic.Int32
	router := NewNodeFunc("route", func(ctx context.Context, state State) (NodeResult, error) {
		return NodeResult{Route: RouteEnd}, nil
	})
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes:    []Node{router, countingNode("next", &nextRuns, nil)},
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
	require.Equal(t, int32(0), nextRuns.Load())
}

func TestRouterRejectsUndeclaredRoute(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "route", Type: NodeTypeRouter},
			{Name: "next"},
		},
		Edges: []EdgeDefinition{
			{Source: "route", Target: "next"},
		},
		EntryPoint:    "route",
		TerminalNodes: []string{"next"},
	}
	router := NewNodeFunc("route", func(ctx context.Context, state State) (NodeResult, error) {
		return NodeResult{Route: "elsewhere"}, nil
	})
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes:    []Node{router, deltaNode("next", nil)},
	})
	require.NoError(t, err)
	err = execution.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExecutionStatusFailed, execution.Status())
	require.Contains(t, err.Error(), "not a declared successor")
}

func TestConditionalEdgesSelectBranch(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "score"},
			{Name: "high"},
			{Name: "low"},
		},
		Edges: []EdgeDefinition{
			{Source: "score", Target: "high", Condition: "state.score >= 3"},
			{Source: "score", Target: "low", Condition: "state.score < 3"},
		},
		EntryPoint:    "score",
		TerminalNodes: []string{"high", "low"},
	}
	var highRuns, lowRuns atomic.Int32
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("score", State{"score": 5}),
			countingNode("high", &highRuns, nil),
			countingNode("low", &lowRuns, nil),
		},
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
	require.Equal(t, int32(1), highRuns.Load())
	require.Equal(t, int32(0), lowRuns.Load())
}

func TestConditionalEdgeFalseEndsBranch(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b", Condition: "state.go_on == true"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b"},
	}
	var bRuns atomic.Int32
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", State{"go_on": false}),
			countingNode("b", &bRuns, nil),
		},
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
	require.Equal(t, int32(0), bRuns.Load())
}

func TestNodeFailureFailsFastAndCheckpointsTruthfully(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "fail"},
			{Name: "ok"},
			{Name: "after"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "fail"},
			{Source: "a", Target: "ok"},
			{Source: "fail", Target: "after"},
			{Source: "ok", Target: "after"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"after"},
	}
	var afterRuns atomic.Int32
	failing := NewNodeFunc("fail", func(ctx context.Context, state State) (NodeResult, error) {
		return NodeResult{}, fmt.Errorf("boom")
	})
	store := NewMemoryCheckpointStore()
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", nil),
			failing,
			deltaNode("ok", State{"ok_ran": true}),
			countingNode("after", &afterRuns, nil),
		},
		ThreadID:        "thread-failure",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	err = execution.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExecutionStatusFailed, execution.Status())
	require.Equal(t, int32(0), afterRuns.Load())

	var typed *Error
	require.True(t, errors.As(err, &typed))

	// The failure checkpoint keeps the successful sibling's delta and
	// names both the survivors and the failures.
	head, err := store.Head(context.Background(), "thread-failure")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusFailed, head.Status)
	require.Equal(t, []string{"ok"}, head.LastCompleted)
	require.Equal(t, []string{"fail"}, head.FailedNodes)
	require.NotEmpty(t, head.Error)
	ran, ok := head.State.GetBool("ok_ran")
	require.True(t, ok)
	require.True(t, ran)
}

func TestResumeAfterFailureRetriesOnlyFailedNodes(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "flaky"},
			{Name: "ok"},
			{Name: "after"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "flaky"},
			{Source: "a", Target: "ok"},
			{Source: "flaky", Target: "after"},
			{Source: "ok", Target: "after"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"after"},
		StateSchema:   Schema{"results": ReducerAppend},
	}
	var aRuns, flakyRuns, okRuns, afterRuns atomic.Int32
	var healed atomic.Bool
	flaky := NewNodeFunc("flaky", func(ctx context.Context, state State) (NodeResult, error) {
		flakyRuns.Add(1)
		if !healed.Load() {
			return NodeResult{}, fmt.Errorf("transient outage")
		}
		return NodeResult{Delta: State{"results": []any{"from-flaky"}}}, nil
	})
	nodes := []Node{
		countingNode("a", &aRuns, nil),
		flaky,
		countingNode("ok", &okRuns, State{"results": []any{"from-ok"}}),
		countingNode("after", &afterRuns, nil),
	}
	store := NewMemoryCheckpointStore()

	first, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-retry",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.Error(t, first.Run(context.Background()))
	require.Equal(t, ExecutionStatusFailed, first.Status())

	healed.Store(true)
	second, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-retry",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, second.Resume(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, second.Status())

	// Only the failed node re-ran; its sibling's prior delta survived.
	require.Equal(t, int32(1), aRuns.Load())
	require.Equal(t, int32(2), flakyRuns.Load())
	require.Equal(t, int32(1), okRuns.Load())
	require.Equal(t, int32(1), afterRuns.Load())
	results, ok := second.CurrentState()["results"].([]any)
	require.True(t, ok)
	require.ElementsMatch(t, []any{"from-ok", "from-flaky"}, results)

	chain, err := store.List(context.Background(), "thread-retry")
	require.NoError(t, err)
	require.Len(t, chain, 4)
	require.Equal(t, []string{"flaky", "ok"}, chain[2].LastCompleted)
	require.Equal(t, ExecutionStatusRunning, chain[2].Status)
}

func TestPauseStopsBetweenSuperstepsAndResumeContinues(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"c"},
		StateSchema:   Schema{"count": ReducerSum},
	}
	var aRuns, bRuns atomic.Int32
	var paused *Execution
	pausingA := NewNodeFunc("a", func(ctx context.Context, state State) (NodeResult, error) {
		aRuns.Add(1)
		paused.Pause()
		return NodeResult{Delta: State{"count": 1}}, nil
	})
	nodes := []Node{
		pausingA,
		countingNode("b", &bRuns, State{"count": 1}),
		deltaNode("c", nil),
	}
	store := NewMemoryCheckpointStore()
	repo := NewMemoryExecutionRepository()

	first, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-pause",
		CheckpointStore: store,
		Repository:      repo,
	})
	require.NoError(t, err)
	paused = first
	require.NoError(t, first.Run(context.Background()))
	require.Equal(t, ExecutionStatusPaused, first.Status())
	require.Equal(t, int32(0), bRuns.Load())

	record, err := repo.GetExecution(context.Background(), first.ID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusPaused, record.Status)

	// The in-flight superstep was merged and checkpointed before pausing.
	chain, err := store.List(context.Background(), "thread-pause")
	require.NoError(t, err)
	require.Len(t, chain, 1)

	second, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-pause",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, second.Resume(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, second.Status())
	require.Equal(t, int32(1), aRuns.Load())
	require.Equal(t, int32(1), bRuns.Load())

	count, ok := second.CurrentState().GetInt("count")
	require.True(t, ok)
	require.Equal(t, 2, count)

	chain, err = store.List(context.Background(), "thread-pause")
	require.NoError(t, err)
	require.Len(t, chain, 3)
}

func TestResumeReproducesReadySetAfterCrash(t *testing.T) {
	// Simulate a crash immediately after a persisted checkpoint: run a
	// fresh execution over a store that already holds the first superstep
	// of an identical run. The resumed schedule must match what an
	// uninterrupted run would have done next.
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b", "c"},
	}
	var aRuns, bRuns, cRuns atomic.Int32
	var interrupted *Execution
	interruptingA := NewNodeFunc("a", func(ctx context.Context, state State) (NodeResult, error) {
		aRuns.Add(1)
		interrupted.Pause()
		return NodeResult{}, nil
	})
	nodes := []Node{
		interruptingA,
		countingNode("b", &bRuns, nil),
		countingNode("c", &cRuns, nil),
	}
	store := NewMemoryCheckpointStore()

	first, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-crash",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	interrupted = first
	require.NoError(t, first.Run(context.Background()))
	require.Equal(t, ExecutionStatusPaused, first.Status())

	second, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-crash",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, second.Resume(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, second.Status())

	// b and c ran exactly once each, in the same superstep, and a did not
	// run again.
	require.Equal(t, int32(1), aRuns.Load())
	require.Equal(t, int32(1), bRuns.Load())
	require.Equal(t, int32(1), cRuns.Load())

	chain, err := store.List(context.Background(), "thread-crash")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, []string{"b", "c"}, chain[1].LastCompleted)
}

func TestResumeOnFinishedThreadIsIdempotent(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b"},
	}
	var aRuns, bRuns atomic.Int32
	nodes := []Node{
		countingNode("a", &aRuns, nil),
		countingNode("b", &bRuns, nil),
	}
	store := NewMemoryCheckpointStore()

	first, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-finished",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, first.Run(context.Background()))

	second, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-finished",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, second.Resume(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, second.Status())

	// Nothing re-ran and no checkpoint was added.
	require.Equal(t, int32(1), aRuns.Load())
	require.Equal(t, int32(1), bRuns.Load())
	chain, err := store.List(context.Background(), "thread-finished")
	require.NoError(t, err)
	require.Len(t, chain, 2)
}

func TestShouldContinueFalseOverridesOutgoingEdges(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b"},
	}
	var bRuns atomic.Int32
	nodes := []Node{
		deltaNode("a", State{FieldShouldContinue: false}),
		countingNode("b", &bRuns, nil),
	}
	store := NewMemoryCheckpointStore()
	execution, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-halt",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())
	require.Equal(t, int32(0), bRuns.Load())

	// The closing checkpoint marks the thread complete, so Resume is a
	// no-op rather than a replay of a's outgoing edge.
	head, err := store.Head(context.Background(), "thread-halt")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, head.Status)

	second, err := NewExecution(ExecutionOptions{
		Workflow:        testWorkflow(t, def),
		Nodes:           nodes,
		ThreadID:        "thread-halt",
		CheckpointStore: store,
	})
	require.NoError(t, err)
	require.NoError(t, second.Resume(context.Background()))
	require.Equal(t, int32(0), bRuns.Load())
}

func TestCancelDiscardsInflightSuperstep(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"c"},
		StateSchema:   Schema{"count": ReducerSum},
	}
	var cRuns atomic.Int32
	var cancelled *Execution
	cancellingB := NewNodeFunc("b", func(ctx context.Context, state State) (NodeResult, error) {
		cancelled.Cancel()
		return NodeResult{Delta: State{"count": 1}}, nil
	})
	store := NewMemoryCheckpointStore()
	repo := NewMemoryExecutionRepository()
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", State{"count": 1}),
			cancellingB,
			countingNode("c", &cRuns, nil),
		},
		ThreadID:        "thread-cancel",
		CheckpointStore: store,
		Repository:      repo,
	})
	require.NoError(t, err)
	cancelled = execution

	err = execution.Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, ExecutionStatusCancelled, execution.Status())
	require.Equal(t, int32(0), cRuns.Load())

	// b's result was discarded: no merge, no checkpoint after a's.
	count, ok := execution.CurrentState().GetInt("count")
	require.True(t, ok)
	require.Equal(t, 1, count)
	chain, err := store.List(context.Background(), "thread-cancel")
	require.NoError(t, err)
	require.Len(t, chain, 1)

	record, err := repo.GetExecution(context.Background(), execution.ID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCancelled, record.Status)
}

func TestContextCancellationStopsRun(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b"},
	}
	var bRuns atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancellingA := NewNodeFunc("a", func(ctx context.Context, state State) (NodeResult, error) {
		cancel()
		return NodeResult{}, nil
	})
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes:    []Node{cancellingA, countingNode("b", &bRuns, nil)},
	})
	require.NoError(t, err)
	err = execution.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, ExecutionStatusCancelled, execution.Status())
	require.Equal(t, int32(0), bRuns.Load())
}

func TestBestEffortFailureOmitsDeltaAndContinues(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "optional", BestEffort: true},
			{Name: "required"},
			{Name: "downstream"},
			{Name: "finish"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "optional"},
			{Source: "a", Target: "required"},
			{Source: "optional", Target: "downstream"},
			{Source: "required", Target: "finish"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"downstream", "finish"},
	}
	var downstreamRuns, finishRuns atomic.Int32
	optional := NewNodeFunc("optional", func(ctx context.Context, state State) (NodeResult, error) {
		return NodeResult{Delta: State{"optional_ran": true}}, fmt.Errorf("flaky dependency")
	})
	stepLogger := NewFileStepLogger(t.TempDir())
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", nil),
			optional,
			deltaNode("required", State{"required_ran": true}),
			countingNode("downstream", &downstreamRuns, nil),
			countingNode("finish", &finishRuns, nil),
		},
		StepLogger: stepLogger,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	require.Equal(t, ExecutionStatusCompleted, execution.Status())

	// The failed node's delta is dropped and its edges never fire, but
	// the rest of the superstep proceeds.
	state := execution.CurrentState()
	_, hasOptional := state["optional_ran"]
	require.False(t, hasOptional)
	ran, ok := state.GetBool("required_ran")
	require.True(t, ok)
	require.True(t, ran)
	require.Equal(t, int32(0), downstreamRuns.Load())
	require.Equal(t, int32(1), finishRuns.Load())

	// The step log still records the failure.
	steps, err := stepLogger.GetStepHistory(context.Background(), execution.ID())
	require.NoError(t, err)
	var failedStep *StepRecord
	for _, step := range steps {
		if step.NodeName == "optional" {
			failedStep = step
		}
	}
	require.NotNil(t, failedStep)
	require.Equal(t, StepStatusFailed, failedStep.Status)
	require.NotEmpty(t, failedStep.Error)
}

func TestNodeTimeoutIsDistinguishable(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "slow", Timeout: 20 * time.Millisecond},
		},
		EntryPoint: "slow",
	}
	slow := NewNodeFunc("slow", func(ctx context.Context, state State) (NodeResult, error) {
		select {
		case <-ctx.Done():
			return NodeResult{}, ctx.Err()
		case <-time.After(2 * time.Second):
			return NodeResult{}, nil
		}
	})
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes:    []Node{slow},
	})
	require.NoError(t, err)
	err = execution.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExecutionStatusFailed, execution.Status())
	require.True(t, IsTimeout(execution.Err()))
}

func TestNodePanicBecomesNodeError(t *testing.T) {
	def := GraphDefinition{
		Nodes:      []NodeDefinition{{Name: "explode"}},
		EntryPoint: "explode",
	}
	exploding := NewNodeFunc("explode", func(ctx context.Context, state State) (NodeResult, error) {
		panic("unexpected state shape")
	})
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes:    []Node{exploding},
	})
	require.NoError(t, err)
	err = execution.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, ExecutionStatusFailed, execution.Status())
	require.Contains(t, err.Error(), "panic")
}

func TestNewExecutionRequiresImplementationForEveryNode(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b"},
	}
	_, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes:    []Node{deltaNode("a", nil)},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "b")
}

func TestExecutionRecordLifecycleAndTotals(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b"},
		StateSchema:   Schema{"count": ReducerSum},
	}
	billed := func(name string) *NodeFunc {
		return NewNodeFunc(name, func(ctx context.Context, state State) (NodeResult, error) {
			return NodeResult{
				Delta:      State{"count": 1},
				TokensUsed: 10,
				CostUSD:    0.5,
			}, nil
		})
	}
	repo := NewMemoryExecutionRepository()
	execution, err := NewExecution(ExecutionOptions{
		Workflow:   testWorkflow(t, def),
		Nodes:      []Node{billed("a"), billed("b")},
		Repository: repo,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))

	record, err := repo.GetExecution(context.Background(), execution.ID())
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, record.Status)
	require.Equal(t, "b", record.CurrentNode)
	require.Equal(t, 20, record.TotalTokens)
	require.InDelta(t, 1.0, record.TotalCostUSD, 1e-9)
	require.False(t, record.StartTime.IsZero())
	require.False(t, record.EndTime.IsZero())
	count, ok := record.FinalState.GetInt("count")
	require.True(t, ok)
	require.Equal(t, 2, count)
}

func TestExecutionPublishesLifecycleEvents(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b"},
	}
	broadcaster := events.NewBroadcaster(nil, events.WithKeepaliveInterval(0))
	defer broadcaster.Close()
	subscriber := broadcaster.Subscribe("exec-events")
	defer broadcaster.Unsubscribe(subscriber)

	execution, err := NewExecution(ExecutionOptions{
		Workflow:    testWorkflow(t, def),
		Nodes:       []Node{deltaNode("a", nil), deltaNode("b", nil)},
		ExecutionID: "exec-events",
		Broadcaster: broadcaster,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))

	kinds := map[events.Kind]int{}
	starts := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for {
		var done bool
		select {
		case event := <-subscriber.C():
			kinds[event.Kind]++
			if event.Kind == events.KindNodeStart {
				starts[event.Node] = true
			}
			if event.Kind == events.KindStatus && event.Status == string(ExecutionStatusCompleted) {
				done = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion event")
		}
		if done {
			break
		}
	}
	assert.Equal(t, 1, kinds[events.KindConnected])
	assert.Equal(t, 2, kinds[events.KindNodeStart])
	assert.Equal(t, 2, kinds[events.KindNodeComplete])
	assert.True(t, starts["a"])
	assert.True(t, starts["b"])
}

// recordingCallbacks counts callback invocations.
type recordingCallbacks struct {
	mutex           sync.Mutex
	executionBefore int
	executionAfter  int
	superstepBefore int
	superstepAfter  int
	nodeBefore      int
	nodeAfter       int
	finalStatus     ExecutionStatus
}

func (c *recordingCallbacks) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.executionBefore++
}

func (c *recordingCallbacks) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.executionAfter++
	c.finalStatus = event.Status
}

func (c *recordingCallbacks) BeforeSuperstep(ctx context.Context, event *SuperstepEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.superstepBefore++
}

func (c *recordingCallbacks) AfterSuperstep(ctx context.Context, event *SuperstepEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.superstepAfter++
}

func (c *recordingCallbacks) BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.nodeBefore++
}

func (c *recordingCallbacks) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.nodeAfter++
}

func TestCallbacksObserveEveryPhase(t *testing.T) {
	def := GraphDefinition{
		Nodes: []NodeDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
		},
		EntryPoint:    "a",
		TerminalNodes: []string{"b", "c"},
	}
	callbacks := &recordingCallbacks{}
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes: []Node{
			deltaNode("a", nil),
			deltaNode("b", nil),
			deltaNode("c", nil),
		},
		ExecutionCallbacks: callbacks,
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))

	callbacks.mutex.Lock()
	defer callbacks.mutex.Unlock()
	assert.Equal(t, 1, callbacks.executionBefore)
	assert.Equal(t, 1, callbacks.executionAfter)
	assert.Equal(t, 2, callbacks.superstepBefore)
	assert.Equal(t, 2, callbacks.superstepAfter)
	assert.Equal(t, 3, callbacks.nodeBefore)
	assert.Equal(t, 3, callbacks.nodeAfter)
	assert.Equal(t, ExecutionStatusCompleted, callbacks.finalStatus)
}

func TestRunCannotBeStartedTwice(t *testing.T) {
	def := GraphDefinition{
		Nodes:      []NodeDefinition{{Name: "a"}},
		EntryPoint: "a",
	}
	execution, err := NewExecution(ExecutionOptions{
		Workflow: testWorkflow(t, def),
		Nodes:    []Node{deltaNode("a", nil)},
	})
	require.NoError(t, err)
	require.NoError(t, execution.Run(context.Background()))
	err = execution.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already started")
}
