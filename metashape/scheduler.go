package metashape

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SchedulerConfig controls one incremental alignment session.
type SchedulerConfig struct {
	// Filter is applied to every post-alignment snapshot during EVALUATING.
	Filter FilterConfig
	// AcceptanceThreshold is the largest mean reprojection error (pixels) a
	// newly aligned camera may have and still be accepted.
	AcceptanceThreshold float64
	// OptimizeEachRound runs the host's optimizer after every accepted batch.
	OptimizeEachRound bool
	// MaxIterations caps the number of align calls; 0 means no cap.
	MaxIterations int
}

// DefaultSchedulerConfig returns the defaults used by the CLI when the
// config file leaves values unset.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Filter:              DefaultFilterConfig(),
		AcceptanceThreshold: 1.0,
		OptimizeEachRound:   true,
		MaxIterations:       50,
	}
}

// DefaultFilterConfig returns conservative tie-point quality bounds.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		MaxReprojectionError: 1.0,
		MaxUncertainty:       30.0,
		PercentileCutoff:     0,
	}
}

// Sessions are exclusive per chunk: starting a second one against the same
// chunk fails until the first finishes.
var (
	activeSessions   = make(map[string]string)
	activeSessionsMu sync.Mutex
)

func acquireSession(chunkID, sessionID string) error {
	activeSessionsMu.Lock()
	defer activeSessionsMu.Unlock()
	if other, busy := activeSessions[chunkID]; busy {
		return fmt.Errorf("chunk %q is held by session %s: %w", chunkID, other, ErrConcurrency)
	}
	activeSessions[chunkID] = sessionID
	return nil
}

func releaseSession(chunkID string) {
	activeSessionsMu.Lock()
	defer activeSessionsMu.Unlock()
	delete(activeSessions, chunkID)
}

// AlignmentScheduler grows a chunk's aligned camera set batch by batch.
// Each batch is aligned, evaluated against the acceptance threshold, and
// either kept, retried once, or skipped. The scheduler is single-threaded;
// the only long operations are the blocking host calls, and cancellation is
// honored between state transitions only.
type AlignmentScheduler struct {
	chunk    ChunkService
	cfg      SchedulerConfig
	progress ProgressFunc
	outcome  OutcomeFunc
}

// NewAlignmentScheduler creates a scheduler bound to one chunk.
func NewAlignmentScheduler(chunk ChunkService, cfg SchedulerConfig) *AlignmentScheduler {
	return &AlignmentScheduler{chunk: chunk, cfg: cfg}
}

// OnProgress registers a callback fired at every state transition.
func (s *AlignmentScheduler) OnProgress(fn ProgressFunc) {
	s.progress = fn
}

// OnOutcome registers a callback fired after every batch evaluation.
func (s *AlignmentScheduler) OnOutcome(fn OutcomeFunc) {
	s.outcome = fn
}

func (s *AlignmentScheduler) emit(sess *alignmentSession, note string) {
	if s.progress == nil {
		return
	}
	s.progress(SessionEvent{
		SessionID: sess.id,
		Chunk:     sess.chunk,
		State:     sess.state,
		Batch:     sess.current.Name,
		Attempt:   sess.attempt,
		Working:   len(sess.working),
		Note:      note,
		Time:      time.Now(),
	})
}

// Run executes the session until DONE or ABORTED and returns the report.
// When seed is non-empty it forms the initial working set and every batch
// is a growth batch; otherwise the first batch seeds the set. The report is
// returned for aborted sessions too, alongside the terminal error.
func (s *AlignmentScheduler) Run(ctx context.Context, batches []CameraBatch, seed []string) (*SessionReport, error) {
	if err := s.validateInput(batches, seed); err != nil {
		return nil, err
	}

	info := s.chunk.Info()
	chunkID := info.Key
	if chunkID == "" {
		chunkID = info.Label
	}

	sess := &alignmentSession{
		id:      uuid.NewString(),
		chunk:   info.Label,
		state:   StateSeeded,
		started: time.Now(),
	}
	if err := acquireSession(chunkID, sess.id); err != nil {
		return nil, err
	}
	defer releaseSession(chunkID)

	if len(seed) > 0 {
		sess.current = CameraBatch{Name: "seed", Cameras: append([]string(nil), seed...)}
	} else {
		sess.current = batches[0]
		batches = batches[1:]
	}
	sess.working = append([]string(nil), sess.current.Cameras...)
	sess.attempt = 1

	log.Printf("[SCHED] session %s on chunk %q: %d cameras seeded, %d growth batches",
		sess.id, sess.chunk, len(sess.working), len(batches))
	s.emit(sess, "session started")

	for !sess.state.Terminal() {
		if err := ctx.Err(); err != nil {
			s.abort(sess, fmt.Errorf("cancelled in state %s: %w", sess.state, err))
			break
		}

		switch sess.state {
		case StateSeeded:
			s.transition(sess, StateAligning, "")

		case StateAligning:
			if s.cfg.MaxIterations > 0 && sess.iteration >= s.cfg.MaxIterations {
				s.abort(sess, fmt.Errorf("iteration cap %d reached: %w", s.cfg.MaxIterations, ErrConfiguration))
				break
			}
			sess.iteration++
			log.Printf("[SCHED] session %s: aligning %d cameras (batch %q attempt %d, iteration %d)",
				sess.id, len(sess.working), sess.current.Name, sess.attempt, sess.iteration)
			if err := s.chunk.AlignCameras(ctx, append([]string(nil), sess.working...)); err != nil {
				s.abort(sess, fmt.Errorf("align cameras: %w", wrapHostErr(err)))
				break
			}
			s.transition(sess, StateEvaluating, "")

		case StateEvaluating:
			accepted, err := s.evaluate(ctx, sess)
			if err != nil {
				s.abort(sess, err)
				break
			}
			if accepted {
				s.transition(sess, StateGrowing, "")
			} else {
				s.transition(sess, StateRollingBack, "")
			}

		case StateGrowing:
			if s.cfg.OptimizeEachRound {
				if err := s.chunk.OptimizeCameras(ctx); err != nil {
					s.abort(sess, fmt.Errorf("optimize cameras: %w", wrapHostErr(err)))
					break
				}
			}
			if sess.nextBatch >= len(batches) {
				s.transition(sess, StateDone, "all batches processed")
				break
			}
			sess.current = batches[sess.nextBatch]
			sess.nextBatch++
			sess.attempt = 1
			sess.working = append(sess.working, sess.current.Cameras...)
			s.transition(sess, StateAligning, fmt.Sprintf("grew by batch %q", sess.current.Name))

		case StateRollingBack:
			if err := s.rollback(ctx, sess); err != nil {
				s.abort(sess, err)
				break
			}
			if sess.attempt == 1 {
				// One fresh attempt for the whole batch.
				sess.attempt = 2
				s.transition(sess, StateAligning, fmt.Sprintf("retrying batch %q", sess.current.Name))
			} else {
				sess.skipped = append(sess.skipped, sess.current.Name)
				removeKeys(&sess.working, sess.current.Cameras)
				log.Printf("[SCHED] session %s: batch %q skipped after retry", sess.id, sess.current.Name)
				s.transition(sess, StateGrowing, fmt.Sprintf("batch %q skipped", sess.current.Name))
			}
		}
	}

	rep := sess.report()
	log.Printf("[SCHED] session %s finished %s: %d cameras in working set, %d batches skipped, %d iterations",
		sess.id, rep.FinalState, len(rep.WorkingSet), len(rep.SkippedBatches), rep.Iterations)
	if sess.failure != nil {
		return rep, sess.failure
	}
	return rep, nil
}

func (s *AlignmentScheduler) validateInput(batches []CameraBatch, seed []string) error {
	if err := s.cfg.Filter.Validate(); err != nil {
		return err
	}
	if s.cfg.AcceptanceThreshold <= 0 {
		return fmt.Errorf("acceptance threshold must be positive, got %g: %w", s.cfg.AcceptanceThreshold, ErrConfiguration)
	}
	if len(batches) == 0 && len(seed) == 0 {
		return fmt.Errorf("no batches and no seed cameras: %w", ErrConfiguration)
	}
	seen := make(map[string]string, len(seed))
	for _, key := range seed {
		if seen[key] != "" {
			return fmt.Errorf("camera %q listed twice in seed: %w", key, ErrConfiguration)
		}
		seen[key] = "seed"
	}
	for _, b := range batches {
		if len(b.Cameras) == 0 {
			return fmt.Errorf("batch %q is empty: %w", b.Name, ErrConfiguration)
		}
		for _, key := range b.Cameras {
			if where := seen[key]; where != "" {
				return fmt.Errorf("camera %q appears in %q and %q: %w", key, where, b.Name, ErrConfiguration)
			}
			seen[key] = b.Name
		}
	}
	return nil
}

// evaluate snapshots the chunk, refreshes metrics and decisions, and
// judges the current batch. A camera is accepted when the host aligned it
// and its mean reprojection error is at or under the threshold.
func (s *AlignmentScheduler) evaluate(ctx context.Context, sess *alignmentSession) (bool, error) {
	snap, err := s.chunk.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("snapshot: %w", wrapHostErr(err))
	}
	metrics, err := ComputeMetrics(snap.ValidPoints())
	if err != nil {
		return false, err
	}
	decisions, err := ApplyPointFilter(snap.ValidPoints(), metrics, s.cfg.Filter)
	if err != nil {
		return false, err
	}
	sess.metrics = metrics
	sess.decisions = decisions

	outcome := BatchOutcome{Batch: sess.current.Name, Attempt: sess.attempt}
	var errSum float64
	var errN int
	for _, key := range sess.current.Cameras {
		cam, present := snap.Camera(key)
		quality, scored := metrics.Camera(key)
		ok := present && cam.Aligned() && scored && quality.MeanError <= s.cfg.AcceptanceThreshold
		if ok {
			outcome.Accepted = append(outcome.Accepted, key)
		} else {
			outcome.Rejected = append(outcome.Rejected, key)
		}
		if scored {
			errSum += quality.MeanError
			errN++
		}
	}
	if errN > 0 {
		outcome.MeanError = errSum / float64(errN)
	}
	outcome.Skipped = len(outcome.Rejected) > 0 && sess.attempt > 1
	sess.history = append(sess.history, outcome)
	if s.outcome != nil {
		s.outcome(sess.id, outcome)
	}

	log.Printf("[SCHED] session %s: batch %q attempt %d evaluated: %d accepted, %d rejected, mean error %.3f px",
		sess.id, sess.current.Name, sess.attempt, len(outcome.Accepted), len(outcome.Rejected), outcome.MeanError)
	return len(outcome.Rejected) == 0, nil
}

// rollback clears the rejected batch's poses so the next attempt solves
// them fresh instead of refining a bad solution.
func (s *AlignmentScheduler) rollback(ctx context.Context, sess *alignmentSession) error {
	if err := s.chunk.ResetAlignment(ctx, append([]string(nil), sess.current.Cameras...)); err != nil {
		return fmt.Errorf("reset alignment: %w", wrapHostErr(err))
	}
	return nil
}

func (s *AlignmentScheduler) transition(sess *alignmentSession, next SessionState, note string) {
	sess.state = next
	s.emit(sess, note)
}

func (s *AlignmentScheduler) abort(sess *alignmentSession, cause error) {
	sess.failure = cause
	sess.state = StateAborted
	log.Printf("[SCHED] session %s aborted: %v", sess.id, cause)
	s.emit(sess, cause.Error())
}

// wrapHostErr tags errors from host calls unless they already carry a
// pipeline category (a cancelled context stays a cancellation).
func wrapHostErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrHostOperation) {
		return err
	}
	return fmt.Errorf("%v: %w", err, ErrHostOperation)
}

func removeKeys(keys *[]string, remove []string) {
	drop := make(map[string]bool, len(remove))
	for _, k := range remove {
		drop[k] = true
	}
	kept := (*keys)[:0]
	for _, k := range *keys {
		if !drop[k] {
			kept = append(kept, k)
		}
	}
	*keys = kept
}
