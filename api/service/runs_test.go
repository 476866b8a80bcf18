package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/flowcore/api/service"
	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/core/cache"
	"github.com/lyzr/flowcore/core/engine"
	"github.com/lyzr/flowcore/core/event"
	"github.com/lyzr/flowcore/core/exec"
	"github.com/lyzr/flowcore/core/node"
	"github.com/lyzr/flowcore/core/registry"
	"github.com/lyzr/flowcore/core/tools"
)

func newManager(t *testing.T) *service.RunManager {
	t.Helper()

	reg := registry.New()
	require.NoError(t, tools.RegisterBuiltins(reg))

	dispatcher := exec.New(exec.Opts{
		Logger: logger.Nop(),
		Cache:  cache.NewMemoryCache(logger.Nop()),
	})
	eng, err := engine.New(engine.Opts{
		Logger:     logger.Nop(),
		Registry:   reg,
		Dispatcher: dispatcher,
	})
	require.NoError(t, err)

	return service.NewRunManager(eng, logger.Nop())
}

func echoNode(id string) *node.Config {
	return &node.Config{
		ID:   id,
		Kind: node.KindTool,
		Tool: &node.ToolConfig{ToolName: "echo", ToolArgs: map[string]any{"value": 1}},
	}
}

func waitForResult(t *testing.T, m *service.RunManager, runID string) *node.Result {
	t.Helper()
	var result *node.Result
	require.Eventually(t, func() bool {
		r, done, err := m.Result(runID)
		if err != nil || !done {
			return false
		}
		result = r
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return result
}

func TestStartRunsInBackground(t *testing.T) {
	m := newManager(t)

	runID, err := m.Start("wf-1", []*node.Config{echoNode("A")}, engine.RunOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	result := waitForResult(t, m, runID)
	assert.True(t, result.Success)
}

func TestResultBeforeCompletion(t *testing.T) {
	m := newManager(t)

	hang := &node.Config{
		ID:    "H",
		Kind:  node.KindHuman,
		Human: &node.HumanConfig{Prompt: "approve?"},
	}
	runID, err := m.Start("wf-1", []*node.Config{hang}, engine.RunOpts{})
	require.NoError(t, err)

	_, done, err := m.Result(runID)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, m.Cancel(runID))
	waitForResult(t, m, runID)
}

func TestResultUnknownRun(t *testing.T) {
	m := newManager(t)
	_, _, err := m.Result("ghost")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestStartRejectsDuplicateRunID(t *testing.T) {
	m := newManager(t)

	hang := &node.Config{
		ID:    "H",
		Kind:  node.KindHuman,
		Human: &node.HumanConfig{Prompt: "approve?"},
	}
	runID, err := m.Start("wf-1", []*node.Config{hang}, engine.RunOpts{RunID: "fixed"})
	require.NoError(t, err)

	_, err = m.Start("wf-1", []*node.Config{hang}, engine.RunOpts{RunID: "fixed"})
	assert.True(t, errs.Is(err, errs.Conflict))

	require.NoError(t, m.Cancel(runID))
}

func TestEventsReplayHistoryForLateSubscribers(t *testing.T) {
	m := newManager(t)

	runID, err := m.Start("wf-1", []*node.Config{echoNode("A")}, engine.RunOpts{})
	require.NoError(t, err)
	waitForResult(t, m, runID)

	// Subscribing after completion yields the full, closed history
	ch, cancelWatch, err := m.Events(runID)
	require.NoError(t, err)
	defer cancelWatch()

	var types []event.Type
	for e := range ch {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, event.WorkflowStarted)
	assert.Contains(t, types, event.NodeCompleted)
	assert.Contains(t, types, event.WorkflowCompleted)

	// Events arrive in emission order
	var lastSeq int64
	for _, e := range typesWithSeq(t, m, runID) {
		require.Greater(t, e.Sequence, lastSeq)
		lastSeq = e.Sequence
	}
}

func typesWithSeq(t *testing.T, m *service.RunManager, runID string) []event.Event {
	t.Helper()
	ch, cancelWatch, err := m.Events(runID)
	require.NoError(t, err)
	defer cancelWatch()

	var events []event.Event
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func TestSubmitDecisionCompletesHumanNode(t *testing.T) {
	m := newManager(t)

	approval := &node.Config{
		ID:    "gate",
		Kind:  node.KindHuman,
		Human: &node.HumanConfig{Prompt: "ship it?", Choices: []string{"approve", "reject"}},
	}
	runID, err := m.Start("wf-1", []*node.Config{approval}, engine.RunOpts{})
	require.NoError(t, err)

	// Wait until the run is actually blocked on the gate
	require.Eventually(t, func() bool {
		events := liveEventHistory(m, runID)
		for _, e := range events {
			if e.Type == event.NodeStarted && e.NodeID == "gate" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.SubmitDecision(runID, "gate", map[string]any{"choice": "approve"}))

	result := waitForResult(t, m, runID)
	assert.True(t, result.Success)

	gate, ok := result.Output["gate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approve", gate["choice"])
}

func liveEventHistory(m *service.RunManager, runID string) []event.Event {
	ch, cancelWatch, err := m.Events(runID)
	if err != nil {
		return nil
	}
	defer cancelWatch()

	var events []event.Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestSubmitDecisionAfterFinishConflicts(t *testing.T) {
	m := newManager(t)

	runID, err := m.Start("wf-1", []*node.Config{echoNode("A")}, engine.RunOpts{})
	require.NoError(t, err)
	waitForResult(t, m, runID)

	err = m.SubmitDecision(runID, "A", map[string]any{"choice": "late"})
	assert.True(t, errs.Is(err, errs.Conflict))
}

func TestCancelStopsRun(t *testing.T) {
	m := newManager(t)

	hang := &node.Config{
		ID:    "H",
		Kind:  node.KindHuman,
		Human: &node.HumanConfig{Prompt: "never answered"},
	}
	runID, err := m.Start("wf-1", []*node.Config{hang}, engine.RunOpts{})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(runID))

	result := waitForResult(t, m, runID)
	assert.False(t, result.Success)
}
