package metashape

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultMinRunInterval is the minimum time between workflow runs for
	// the same chunk (debounce).
	DefaultMinRunInterval = 10 * time.Minute

	// DefaultRegionMargin pads the fitted region around the retained cloud.
	DefaultRegionMargin = 0.1
)

// WorkflowRunner orchestrates the full pipeline for one or more chunks:
// snapshot, duplicate handling, quality metrics, point filtering, incremental
// alignment, region fit, and report/preview output. It debounces repeated
// update events per chunk and records results in the state tracker.
type WorkflowRunner struct {
	config    *Config
	host      Host
	tracker   *StateTracker
	publisher *Publisher

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewWorkflowRunner creates a WorkflowRunner ready to handle update events.
// Tracker and publisher may be nil; those outputs are then skipped.
func NewWorkflowRunner(config *Config, host Host, tracker *StateTracker, publisher *Publisher) *WorkflowRunner {
	if config == nil {
		config = DefaultConfig()
	}
	return &WorkflowRunner{
		config:    config,
		host:      host,
		tracker:   tracker,
		publisher: publisher,
		lastRun:   make(map[string]time.Time),
	}
}

// OnChunkUpdated is the event callback for chunk-changed notifications.
// It is safe to call from any goroutine.
func (w *WorkflowRunner) OnChunkUpdated(chunkKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	log.Printf("[WORKFLOW] update event received for %s", chunkKey)

	if last, ok := w.lastRun[chunkKey]; ok {
		if time.Since(last) < DefaultMinRunInterval {
			log.Printf("[WORKFLOW] %s: skipping, last run %s ago (min interval %s)",
				chunkKey, time.Since(last).Round(time.Second), DefaultMinRunInterval)
			return
		}
	}

	if _, err := w.RunChunk(context.Background(), chunkKey); err != nil {
		log.Printf("[WORKFLOW] %s: run failed: %v", chunkKey, err)
		return
	}
	w.lastRun[chunkKey] = time.Now()
}

// RunAll runs the pipeline over every chunk in the project.
func (w *WorkflowRunner) RunAll(ctx context.Context) error {
	chunks, err := w.host.ListChunks(ctx)
	if err != nil {
		return fmt.Errorf("list chunks: %w", wrapHostErr(err))
	}
	if len(chunks) == 0 {
		log.Printf("[WORKFLOW] project has no chunks, nothing to do")
		return nil
	}

	var failed int
	for _, info := range chunks {
		if _, err := w.RunChunk(ctx, info.Key); err != nil {
			log.Printf("[WORKFLOW] %s: run failed: %v", info.Key, err)
			failed++
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d chunks failed", failed, len(chunks))
	}
	return nil
}

// RunChunk executes the pipeline for a single chunk and returns its report.
// The report is returned for failed runs too when the session got far enough
// to produce one.
func (w *WorkflowRunner) RunChunk(ctx context.Context, chunkKey string) (*SessionReport, error) {
	// --- Step 1: Open the chunk ---
	svc, err := w.host.OpenChunk(ctx, chunkKey)
	if err != nil {
		return nil, fmt.Errorf("open chunk %q: %w", chunkKey, wrapHostErr(err))
	}
	info := svc.Info()

	// --- Step 2: Snapshot ---
	snap, err := svc.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot chunk %q: %w", chunkKey, wrapHostErr(err))
	}
	log.Printf("[WORKFLOW] %s: snapshot taken (cameras=%d, points=%d, markers=%d)",
		chunkKey, len(snap.Cameras), len(snap.Points), len(snap.Markers))

	// --- Step 3: Duplicate cameras ---
	// The host API has no disable operation; duplicates are excluded from
	// the alignment batches and reported instead.
	exclude := make(map[string]bool)
	if dups := FindDuplicateCameras(snap); len(dups) > 0 {
		disable := DuplicatesToDisable(snap)
		log.Printf("[WORKFLOW] %s: %d duplicated labels, excluding %d cameras from alignment",
			chunkKey, len(dups), len(disable))
		for _, key := range disable {
			exclude[key] = true
		}
	}

	// --- Step 4: Observation distribution ---
	if dists, err := ComputeDistribution(snap, DefaultDistributionGrid); err != nil {
		log.Printf("[WORKFLOW] %s: distribution metrics failed: %v", chunkKey, err)
	} else if weak := WeakCameras(dists, DefaultMinObservations, DefaultMinCoverage); len(weak) > 0 {
		log.Printf("[WORKFLOW] %s: %d cameras with weak tie-point support: %v", chunkKey, len(weak), weak)
	}

	// --- Step 5: Quality metrics and point filter ---
	metrics, err := ComputeMetrics(snap.ValidPoints())
	if err != nil {
		return nil, fmt.Errorf("metrics for chunk %q: %w", chunkKey, err)
	}
	decisions, err := ApplyPointFilter(snap.ValidPoints(), metrics, w.config.FilterConfig())
	if err != nil {
		return nil, fmt.Errorf("filter for chunk %q: %w", chunkKey, err)
	}
	log.Printf("[WORKFLOW] %s: filter kept %d of %d points", chunkKey,
		decisions.RetainedCount(), decisions.Len())

	if discarded := decisions.Discarded(); len(discarded) > 0 {
		if err := svc.InvalidatePoints(ctx, discarded); err != nil {
			return nil, fmt.Errorf("invalidate points in chunk %q: %w", chunkKey, wrapHostErr(err))
		}
		log.Printf("[WORKFLOW] %s: invalidated %d points", chunkKey, len(discarded))
	}

	// --- Step 6: Incremental alignment ---
	seed := w.seed(snap, exclude)
	batches := pruneBatches(w.batches(snap), seedSet(seed), exclude)

	var report *SessionReport
	if len(batches) == 0 {
		log.Printf("[WORKFLOW] %s: no cameras left to align", chunkKey)
	} else {
		scheduler := NewAlignmentScheduler(svc, w.config.SchedulerConfig())
		scheduler.OnProgress(w.progressFunc())
		if w.publisher != nil {
			scheduler.OnOutcome(func(id string, outcome BatchOutcome) {
				if err := w.publisher.PublishOutcome(id, outcome); err != nil {
					log.Printf("[WORKFLOW] dropping batch outcome for %s: %v", id, err)
				}
			})
		}
		report, err = scheduler.Run(ctx, batches, seed)
		if err != nil {
			w.record(report)
			return report, fmt.Errorf("alignment for chunk %q: %w", chunkKey, err)
		}
	}

	// --- Step 7: Final snapshot for reporting ---
	finalSnap, err := svc.Snapshot(ctx)
	if err != nil {
		log.Printf("[WORKFLOW] %s: final snapshot failed: %v (reporting on initial snapshot)", chunkKey, err)
		finalSnap = snap
	}

	// --- Step 8: Region fit ---
	if fitted, err := FitRegionToPoints(finalSnap.Region, retainedPoints(finalSnap, decisions), DefaultRegionMargin); err != nil {
		log.Printf("[WORKFLOW] %s: region fit failed: %v", chunkKey, err)
	} else {
		finalSnap.Region = fitted
		log.Printf("[WORKFLOW] %s: region fitted (center=%.2f,%.2f,%.2f size=%.2f,%.2f,%.2f)",
			chunkKey, fitted.Center.X, fitted.Center.Y, fitted.Center.Z,
			fitted.Size.X, fitted.Size.Y, fitted.Size.Z)
	}

	if report == nil {
		report = w.syntheticReport(info, finalSnap, metrics, decisions)
	}

	// --- Step 9: Persist outputs ---
	if dir := w.config.Report.OutputDir; dir != "" {
		if err := w.writeOutputs(dir, chunkKey, finalSnap, metrics, decisions, report); err != nil {
			log.Printf("[WORKFLOW] %s: writing outputs: %v", chunkKey, err)
		}
	}

	// --- Step 10: Record and publish ---
	if w.tracker != nil {
		w.tracker.SetPreview(chunkKey, finalSnap, decisions)
	}
	w.record(report)
	if w.publisher != nil {
		if err := w.publisher.PublishReport(report); err != nil {
			log.Printf("[WORKFLOW] %s: publishing report: %v", chunkKey, err)
		}
	}

	log.Printf("[WORKFLOW] %s: run complete (%s, %d cameras aligned)",
		chunkKey, report.FinalState, len(report.WorkingSet))
	return report, nil
}

// progressFunc fans session events out to the tracker and the publisher.
func (w *WorkflowRunner) progressFunc() ProgressFunc {
	return func(ev SessionEvent) {
		if w.tracker != nil {
			w.tracker.UpdateSession(ev)
		}
		if w.publisher != nil {
			if err := w.publisher.PublishEvent(ev); err != nil {
				log.Printf("[WORKFLOW] dropping progress event for %s: %v", ev.Chunk, err)
			}
		}
	}
}

func (w *WorkflowRunner) record(report *SessionReport) {
	if report != nil && w.tracker != nil {
		w.tracker.SetReport(report)
	}
}

// seed selects the alignment seed: the list pinned in the configuration
// when present, otherwise the cameras already aligned on the host.
func (w *WorkflowRunner) seed(snap *ChunkSnapshot, exclude map[string]bool) []string {
	explicit := w.config.Alignment.Seed
	if len(explicit) == 0 {
		return alignedKeys(snap, exclude)
	}
	keys := make([]string, 0, len(explicit))
	for _, key := range explicit {
		if !exclude[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (w *WorkflowRunner) batches(snap *ChunkSnapshot) []CameraBatch {
	if explicit := w.config.Alignment.ExplicitBatches(); len(explicit) > 0 {
		return explicit
	}
	if w.config.Alignment.GroupByPrefix {
		return BatchesByGroup(snap)
	}
	return BatchesBySize(snap, w.config.Alignment.BatchSize)
}

// writeOutputs persists the report plus the configured exports under
// outputDir/<chunk>/.
func (w *WorkflowRunner) writeOutputs(outputDir, chunkKey string, snap *ChunkSnapshot, metrics *MetricsSnapshot, decisions *DecisionSet, report *SessionReport) error {
	dir := filepath.Join(outputDir, chunkKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	if err := WriteSessionReport(report, filepath.Join(dir, "report.json")); err != nil {
		return err
	}

	if w.config.Report.GeoJSON {
		if err := ExportDecisionsGeoJSON(filepath.Join(dir, "decisions.geojson"), snap, metrics, decisions); err != nil {
			return err
		}
	}
	if w.config.Report.MarkerCSV && len(snap.Markers) > 0 {
		if err := ExportMarkerPixelsCSV(filepath.Join(dir, "markers.csv"), snap); err != nil {
			return err
		}
	}

	preview := NewPreviewRenderer(snap, decisions)
	if w.config.Report.Preview.Width > 0 {
		preview.MaxWidth = w.config.Report.Preview.Width
	}
	if w.config.Report.Preview.Height > 0 {
		preview.MaxHeight = w.config.Report.Preview.Height
	}
	if err := preview.SavePNG(filepath.Join(dir, "preview.png")); err != nil {
		return err
	}

	log.Printf("[WORKFLOW] %s: outputs written to %s", chunkKey, dir)
	return nil
}

// syntheticReport builds a report for runs where nothing needed aligning so
// the scheduler never ran.
func (w *WorkflowRunner) syntheticReport(info ChunkInfo, snap *ChunkSnapshot, metrics *MetricsSnapshot, decisions *DecisionSet) *SessionReport {
	rep := &SessionReport{
		SessionID:  fmt.Sprintf("noalign-%d", time.Now().Unix()),
		Chunk:      info.Label,
		FinalState: StateDone,
		WorkingSet: alignedKeys(snap, nil),
		Decisions:  NewDecisionReport(decisions),
		StartedAt:  time.Now(),
	}
	if metrics != nil {
		rep.ErrorSummary = metrics.ErrorSummary()
		rep.UncertaintySummary = metrics.UncertaintySummary()
	}
	return rep
}

// alignedKeys lists the keys of aligned enabled cameras, minus excluded ones.
func alignedKeys(snap *ChunkSnapshot, exclude map[string]bool) []string {
	var keys []string
	for _, cam := range snap.Cameras {
		if cam.Enabled && cam.Aligned() && !exclude[cam.Key] {
			keys = append(keys, cam.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

func seedSet(seed []string) map[string]bool {
	set := make(map[string]bool, len(seed))
	for _, key := range seed {
		set[key] = true
	}
	return set
}

// pruneBatches removes seeded and excluded cameras from every batch and
// drops batches that end up empty.
func pruneBatches(batches []CameraBatch, seed, exclude map[string]bool) []CameraBatch {
	pruned := make([]CameraBatch, 0, len(batches))
	for _, b := range batches {
		keys := make([]string, 0, len(b.Cameras))
		for _, key := range b.Cameras {
			if !seed[key] && !exclude[key] {
				keys = append(keys, key)
			}
		}
		if len(keys) > 0 {
			pruned = append(pruned, CameraBatch{Name: b.Name, Cameras: keys})
		}
	}
	return pruned
}

// retainedPoints filters a snapshot's points down to those the decision set
// kept. Points the decisions never saw stay in.
func retainedPoints(snap *ChunkSnapshot, decisions *DecisionSet) []TiePoint {
	if decisions == nil {
		return snap.ValidPoints()
	}
	var points []TiePoint
	for _, pt := range snap.Points {
		if !pt.Valid {
			continue
		}
		if d, ok := decisions.Decision(pt.ID); ok && !d.Keep {
			continue
		}
		points = append(points, pt)
	}
	return points
}
