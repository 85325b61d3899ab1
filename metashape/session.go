package metashape

import (
	"sort"
	"time"
)

// SessionState is the alignment session's state machine position.
type SessionState string

const (
	StateSeeded      SessionState = "seeded"
	StateAligning    SessionState = "aligning"
	StateEvaluating  SessionState = "evaluating"
	StateGrowing     SessionState = "growing"
	StateRollingBack SessionState = "rolling_back"
	StateDone        SessionState = "done"
	StateAborted     SessionState = "aborted"
)

// Terminal reports whether no further transitions can happen.
func (s SessionState) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// BatchOutcome records one evaluation of one batch attempt.
type BatchOutcome struct {
	Batch     string   `json:"batch"`
	Attempt   int      `json:"attempt"`
	Accepted  []string `json:"accepted,omitempty"`
	Rejected  []string `json:"rejected,omitempty"`
	MeanError float64  `json:"meanError"`
	Skipped   bool     `json:"skipped,omitempty"`
}

// SessionEvent is a progress notification emitted at every state
// transition. Consumers get copies; the session itself never escapes.
type SessionEvent struct {
	SessionID string       `json:"sessionId"`
	Chunk     string       `json:"chunk"`
	State     SessionState `json:"state"`
	Batch     string       `json:"batch,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Working   int          `json:"workingCameras"`
	Note      string       `json:"note,omitempty"`
	Time      time.Time    `json:"time"`
}

// ProgressFunc receives session events. Implementations must not block for
// long; the scheduler calls them synchronously between host operations.
type ProgressFunc func(SessionEvent)

// OutcomeFunc receives per-batch evaluation outcomes. The same blocking
// rules as ProgressFunc apply.
type OutcomeFunc func(sessionID string, outcome BatchOutcome)

// alignmentSession is the scheduler's private working state. It is created
// by Run, mutated only there, and discarded once the report is built.
type alignmentSession struct {
	id         string
	chunk      string
	state      SessionState
	working    []string
	current    CameraBatch
	attempt    int
	nextBatch  int
	iteration  int
	history    []BatchOutcome
	skipped    []string
	decisions  *DecisionSet
	metrics    *MetricsSnapshot
	started    time.Time
	failure    error
}

// DecisionReport is the serializable form of a DecisionSet.
type DecisionReport struct {
	Retained  []uint32            `json:"retained"`
	Discarded map[string][]uint32 `json:"discarded"`
}

// NewDecisionReport flattens a decision set for reporting. Nil input yields
// an empty report.
func NewDecisionReport(d *DecisionSet) DecisionReport {
	rep := DecisionReport{Discarded: map[string][]uint32{}}
	if d == nil {
		return rep
	}
	rep.Retained = d.Retained()
	for _, rule := range []DecisionRule{RuleThreshold, RulePercentile, RuleBounds} {
		if ids := d.DiscardedBy(rule); len(ids) > 0 {
			rep.Discarded[string(rule)] = ids
		}
	}
	return rep
}

// SessionReport is the structured result of one alignment session.
type SessionReport struct {
	SessionID          string         `json:"sessionId"`
	Chunk              string         `json:"chunk"`
	FinalState         SessionState   `json:"finalState"`
	WorkingSet         []string       `json:"workingSet"`
	SkippedBatches     []string       `json:"skippedBatches"`
	History            []BatchOutcome `json:"history"`
	Decisions          DecisionReport `json:"decisions"`
	ErrorSummary       Summary        `json:"errorSummary"`
	UncertaintySummary Summary        `json:"uncertaintySummary"`
	Iterations         int            `json:"iterations"`
	StartedAt          time.Time      `json:"startedAt"`
	Duration           time.Duration  `json:"duration"`
	Error              string         `json:"error,omitempty"`
}

func (s *alignmentSession) report() *SessionReport {
	rep := &SessionReport{
		SessionID:      s.id,
		Chunk:          s.chunk,
		FinalState:     s.state,
		WorkingSet:     append([]string(nil), s.working...),
		SkippedBatches: append([]string(nil), s.skipped...),
		History:        append([]BatchOutcome(nil), s.history...),
		Decisions:      NewDecisionReport(s.decisions),
		Iterations:     s.iteration,
		StartedAt:      s.started,
		Duration:       time.Since(s.started),
	}
	sort.Strings(rep.WorkingSet)
	if s.metrics != nil {
		rep.ErrorSummary = s.metrics.ErrorSummary()
		rep.UncertaintySummary = s.metrics.UncertaintySummary()
	}
	if s.failure != nil {
		rep.Error = s.failure.Error()
	}
	return rep
}
