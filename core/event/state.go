package event

import (
	"sync"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/node"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusValidating   Status = "validating"
	StatusExecuting    Status = "executing"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// transitions enumerates the legal status moves
var transitions = map[Status][]Status{
	StatusInitializing: {StatusValidating, StatusFailed, StatusCancelled},
	StatusValidating:   {StatusExecuting, StatusFailed, StatusCancelled},
	StatusExecuting:    {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:       {StatusExecuting, StatusFailed, StatusCancelled},
}

// Terminal reports whether s admits no further transitions
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// State tracks the mutable execution record of one run: per-node results,
// branch decisions, usage totals, and the scheduler's progress through
// levels. Safe for concurrent use by node goroutines.
type State struct {
	mu sync.RWMutex

	RunID      string
	WorkflowID string

	status    Status
	startedAt time.Time
	endedAt   time.Time

	results   map[string]*node.Result
	completed map[string]struct{}
	skipped   map[string]struct{}
	branches  map[string]bool

	level       int
	totalTokens int64
	totalIn     int64
	totalOut    int64
	totalCost   float64
	failure     string
}

// NewState creates a run state in the initializing status
func NewState(runID, workflowID string) *State {
	return &State{
		RunID:      runID,
		WorkflowID: workflowID,
		status:     StatusInitializing,
		startedAt:  time.Now(),
		results:    make(map[string]*node.Result),
		completed:  make(map[string]struct{}),
		skipped:    make(map[string]struct{}),
		branches:   make(map[string]bool),
	}
}

// Status returns the current lifecycle status
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transition moves the run to a new status, rejecting illegal moves
func (s *State) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range transitions[s.status] {
		if allowed == to {
			s.status = to
			if to.Terminal() {
				s.endedAt = time.Now()
			}
			return nil
		}
	}
	return errs.Newf(errs.Conflict, "illegal status transition %s -> %s", s.status, to)
}

// Fail records the failure reason and moves to failed
func (s *State) Fail(reason string) error {
	s.mu.Lock()
	s.failure = reason
	s.mu.Unlock()
	return s.Transition(StatusFailed)
}

// FailureReason returns the recorded failure reason, if any
func (s *State) FailureReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// RecordResult stores a node result and accumulates usage totals. A
// successful result marks the node completed.
func (s *State) RecordResult(nodeID string, r *node.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[nodeID] = r
	if r.Success {
		s.completed[nodeID] = struct{}{}
	}
	if r.Usage != nil {
		s.totalTokens += int64(r.Usage.Total())
		s.totalIn += int64(r.Usage.TokensIn)
		s.totalOut += int64(r.Usage.TokensOut)
		s.totalCost += r.Usage.CostUSD
	}
}

// Result returns the recorded result for a node
func (s *State) Result(nodeID string) (*node.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[nodeID]
	return r, ok
}

// Results returns a copy of all recorded results
func (s *State) Results() map[string]*node.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*node.Result, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// MarkSkipped records a node as skipped by branch gating
func (s *State) MarkSkipped(nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped[nodeID] = struct{}{}
}

// Skipped reports whether a node was skipped
func (s *State) Skipped(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.skipped[nodeID]
	return ok
}

// Completed reports whether a node finished successfully
func (s *State) Completed(nodeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.completed[nodeID]
	return ok
}

// SetBranch records a condition node's verdict
func (s *State) SetBranch(nodeID string, verdict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[nodeID] = verdict
}

// Branch returns a condition node's recorded verdict
func (s *State) Branch(nodeID string) (bool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.branches[nodeID]
	return v, ok
}

// SetLevel records the level the scheduler is executing
func (s *State) SetLevel(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// Level returns the last level the scheduler entered
func (s *State) Level() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level
}

// Totals returns the accumulated token and cost usage
func (s *State) Totals() (tokens int64, cost float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalTokens, s.totalCost
}

// UsageTotals returns the directional token split and cost
func (s *State) UsageTotals() (in, out int64, cost float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalIn, s.totalOut, s.totalCost
}

// Duration returns the run's elapsed time; for live runs, time so far
func (s *State) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endedAt.IsZero() {
		return time.Since(s.startedAt)
	}
	return s.endedAt.Sub(s.startedAt)
}

// Checkpoint is a serializable snapshot of run progress, sufficient to
// resume at the lowest incomplete level.
type Checkpoint struct {
	RunID      string                  `json:"run_id"`
	WorkflowID string                  `json:"workflow_id"`
	Status     Status                  `json:"status"`
	Level      int                     `json:"level"`
	Results    map[string]*node.Result `json:"results"`
	Completed  []string                `json:"completed"`
	Skipped    []string                `json:"skipped"`
	Branches   map[string]bool         `json:"branches"`
	Context    map[string]any          `json:"context"`
	Tokens     int64                   `json:"total_tokens"`
	TokensIn   int64                   `json:"tokens_in"`
	TokensOut  int64                   `json:"tokens_out"`
	Cost       float64                 `json:"total_cost_usd"`
	TakenAt    time.Time               `json:"taken_at"`
}

// Checkpoint snapshots the state together with a context snapshot
func (s *State) Checkpoint(contextSnapshot map[string]any) *Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &Checkpoint{
		RunID:      s.RunID,
		WorkflowID: s.WorkflowID,
		Status:     s.status,
		Level:      s.level,
		Results:    make(map[string]*node.Result, len(s.results)),
		Branches:   make(map[string]bool, len(s.branches)),
		Context:    contextSnapshot,
		Tokens:     s.totalTokens,
		TokensIn:   s.totalIn,
		TokensOut:  s.totalOut,
		Cost:       s.totalCost,
		TakenAt:    time.Now(),
	}
	for k, v := range s.results {
		cp.Results[k] = v
	}
	for k := range s.completed {
		cp.Completed = append(cp.Completed, k)
	}
	for k := range s.skipped {
		cp.Skipped = append(cp.Skipped, k)
	}
	for k, v := range s.branches {
		cp.Branches[k] = v
	}
	return cp
}

// Restore rebuilds state from a checkpoint. The run resumes in the paused
// status; the engine transitions it back to executing.
func Restore(cp *Checkpoint) *State {
	s := NewState(cp.RunID, cp.WorkflowID)
	s.status = StatusPaused
	s.level = cp.Level
	s.totalTokens = cp.Tokens
	s.totalIn = cp.TokensIn
	s.totalOut = cp.TokensOut
	s.totalCost = cp.Cost
	for k, v := range cp.Results {
		s.results[k] = v
	}
	for _, k := range cp.Completed {
		s.completed[k] = struct{}{}
	}
	for _, k := range cp.Skipped {
		s.skipped[k] = struct{}{}
	}
	for k, v := range cp.Branches {
		s.branches[k] = v
	}
	return s
}
