package event_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/event"
	"github.com/lyzr/flowcore/core/node"
)

func TestBusAssignsMonotonicSequence(t *testing.T) {
	bus := event.NewBus()

	var got []event.Event
	bus.Subscribe(func(e event.Event) {
		got = append(got, e)
	})

	bus.Emit(event.Event{Type: event.WorkflowStarted})
	bus.Emit(event.Event{Type: event.NodeStarted, NodeID: "a"})
	bus.Emit(event.Event{Type: event.NodeCompleted, NodeID: "a"})

	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotZero(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestBusPerTypeSubscription(t *testing.T) {
	bus := event.NewBus()

	var failures []event.Event
	bus.SubscribeType(event.NodeFailed, func(e event.Event) {
		failures = append(failures, e)
	})

	bus.Emit(event.Event{Type: event.NodeStarted, NodeID: "a"})
	bus.Emit(event.Event{Type: event.NodeFailed, NodeID: "a"})
	bus.Emit(event.Event{Type: event.NodeCompleted, NodeID: "b"})

	require.Len(t, failures, 1)
	assert.Equal(t, "a", failures[0].NodeID)
}

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := event.NewBus()

	var order []string
	bus.Subscribe(func(event.Event) { order = append(order, "first") })
	bus.Subscribe(func(event.Event) { order = append(order, "second") })
	bus.SubscribeType(event.NodeStarted, func(event.Event) { order = append(order, "typed") })

	bus.Emit(event.Event{Type: event.NodeStarted})
	assert.Equal(t, []string{"first", "second", "typed"}, order)
}

func TestStateTransitions(t *testing.T) {
	s := event.NewState("run-1", "wf-1")
	assert.Equal(t, event.StatusInitializing, s.Status())

	require.NoError(t, s.Transition(event.StatusValidating))
	require.NoError(t, s.Transition(event.StatusExecuting))
	require.NoError(t, s.Transition(event.StatusPaused))
	require.NoError(t, s.Transition(event.StatusExecuting))
	require.NoError(t, s.Transition(event.StatusCompleted))

	assert.True(t, s.Status().Terminal())

	// Terminal states admit no further moves
	err := s.Transition(event.StatusExecuting)
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestStateRejectsSkippedTransition(t *testing.T) {
	s := event.NewState("run-1", "wf-1")
	err := s.Transition(event.StatusExecuting)
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestStateFailRecordsReason(t *testing.T) {
	s := event.NewState("run-1", "wf-1")
	require.NoError(t, s.Fail("token ceiling"))
	assert.Equal(t, event.StatusFailed, s.Status())
	assert.Equal(t, "token ceiling", s.FailureReason())
}

func TestStateAccumulatesUsage(t *testing.T) {
	s := event.NewState("run-1", "wf-1")

	s.RecordResult("a", &node.Result{
		Success: true,
		Usage:   &node.Usage{TokensIn: 100, TokensOut: 50, CostUSD: 0.01},
	})
	s.RecordResult("b", &node.Result{
		Success: true,
		Usage:   &node.Usage{TokensIn: 10, TokensOut: 5, CostUSD: 0.001},
	})

	tokens, cost := s.Totals()
	assert.Equal(t, int64(165), tokens)
	assert.InDelta(t, 0.011, cost, 1e-9)

	in, out, _ := s.UsageTotals()
	assert.Equal(t, int64(110), in)
	assert.Equal(t, int64(55), out)
}

func TestStateCompletedTracksOnlySuccess(t *testing.T) {
	s := event.NewState("run-1", "wf-1")

	s.RecordResult("ok", &node.Result{Success: true})
	s.RecordResult("bad", &node.Result{Success: false, Error: "boom"})

	assert.True(t, s.Completed("ok"))
	assert.False(t, s.Completed("bad"))

	_, hasBad := s.Result("bad")
	assert.True(t, hasBad)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	s := event.NewState("run-1", "wf-1")
	require.NoError(t, s.Transition(event.StatusValidating))
	require.NoError(t, s.Transition(event.StatusExecuting))

	s.SetLevel(2)
	s.RecordResult("a", &node.Result{
		Success: true,
		Output:  map[string]any{"value": 1},
		Usage:   &node.Usage{TokensIn: 10, TokensOut: 2},
	})
	s.MarkSkipped("f")
	s.SetBranch("cond", true)

	cp := s.Checkpoint(map[string]any{"session": "x"})
	assert.Equal(t, 2, cp.Level)
	assert.Equal(t, int64(12), cp.Tokens)
	assert.Equal(t, int64(10), cp.TokensIn)
	assert.Equal(t, int64(2), cp.TokensOut)

	restored := event.Restore(cp)
	assert.Equal(t, event.StatusPaused, restored.Status())
	assert.Equal(t, 2, restored.Level())
	assert.True(t, restored.Completed("a"))
	assert.True(t, restored.Skipped("f"))

	verdict, ok := restored.Branch("cond")
	require.True(t, ok)
	assert.True(t, verdict)

	tokens, _ := restored.Totals()
	assert.Equal(t, int64(12), tokens)

	// The directional split survives the round trip, so a resumed run's
	// final usage still covers pre-checkpoint work
	in, out, _ := restored.UsageTotals()
	assert.Equal(t, int64(10), in)
	assert.Equal(t, int64(2), out)

	// A restored run resumes through executing
	require.NoError(t, restored.Transition(event.StatusExecuting))
}
