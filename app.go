package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/franioli/metashape-scripts/metashape"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *metashape.Config
	Tracker    *metashape.StateTracker
	MQTTClient *metashape.MQTTClient
	Publisher  *metashape.Publisher

	// CLI flags (effectively dependencies)
	ConfigFile    string
	SnapshotFile  string
	Chunk         string
	Apply         bool
	Strict        bool
	RefChunk      string
	TargetChunk   string
	MarkersFile   string
	ImportRefFile string
	PreviewPNG    string
	PreviewSVG    string
	GeoJSONFile   string
	UnalignedFile string
	ReferenceFile string
	ServeAddr     string
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker: metashape.NewStateTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SnapshotFile = opts.SnapshotFile
	a.Chunk = opts.Chunk
	a.Apply = opts.Apply
	a.Strict = opts.Strict
	a.RefChunk = opts.RefChunk
	a.TargetChunk = opts.TargetChunk
	a.MarkersFile = opts.MarkersFile
	a.ImportRefFile = opts.ImportRefFile
	a.PreviewPNG = opts.PreviewPNG
	a.PreviewSVG = opts.PreviewSVG
	a.GeoJSONFile = opts.GeoJSONFile
	a.UnalignedFile = opts.UnalignedFile
	a.ReferenceFile = opts.ReferenceFile
	a.ServeAddr = opts.ServeAddr
}

// config loads the configuration file on first use. A missing file falls
// back to defaults so snapshot file modes work without any setup.
func (a *App) config() *metashape.Config {
	if a.Config != nil {
		return a.Config
	}
	if _, err := os.Stat(a.ConfigFile); err != nil {
		log.Printf("Config file %s not found, using defaults", a.ConfigFile)
		a.Config = metashape.DefaultConfig()
		return a.Config
	}
	config, err := metashape.LoadConfig(a.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)
	a.Config = config
	return a.Config
}

// connect builds a bridge client from the configuration. BRIDGE_URL in the
// environment overrides the configured URL.
func (a *App) connect() metashape.Host {
	config := a.config()
	url := os.Getenv("BRIDGE_URL")
	if url == "" {
		url = config.Bridge.URL
	}
	var opts []metashape.BridgeOption
	if config.Bridge.TimeoutSeconds > 0 {
		opts = append(opts, metashape.WithTimeout(time.Duration(config.Bridge.TimeoutSeconds)*time.Second))
	}
	if config.Bridge.Retries > 0 {
		opts = append(opts, metashape.WithMaxRetries(config.Bridge.Retries))
	}
	host, err := metashape.NewBridgeClient(url, opts...)
	if err != nil {
		log.Fatalf("Failed to create bridge client for %s: %v", url, err)
	}
	return host
}

// openChunk resolves the working chunk: a snapshot file when -snapshot is
// given (read-only, no host connection), otherwise the selected chunk on
// the bridge. The returned service is nil in snapshot file mode.
func (a *App) openChunk(ctx context.Context) (*metashape.ChunkSnapshot, metashape.ChunkService, string) {
	if a.SnapshotFile != "" {
		snap, err := metashape.ParseSnapshotFile(a.SnapshotFile)
		if err != nil {
			log.Fatalf("Failed to parse snapshot file: %v", err)
		}
		key := snap.Label
		if key == "" {
			key = strings.TrimSuffix(filepath.Base(a.SnapshotFile), filepath.Ext(a.SnapshotFile))
		}
		log.Printf("Loaded snapshot %s from %s (%d cameras, %d points)",
			key, a.SnapshotFile, len(snap.Cameras), len(snap.Points))
		return snap, nil, key
	}

	host := a.connect()
	key := a.Chunk
	if key == "" {
		infos, err := host.ListChunks(ctx)
		if err != nil {
			log.Fatalf("Failed to list chunks: %v", err)
		}
		if len(infos) == 0 {
			log.Fatal("Project has no chunks")
		}
		key = infos[0].Key
		if len(infos) > 1 {
			log.Printf("Project has %d chunks, defaulting to %s (use -chunk to select)", len(infos), key)
		}
	}
	svc, err := host.OpenChunk(ctx, key)
	if err != nil {
		log.Fatalf("Failed to open chunk %s: %v", key, err)
	}
	snap, err := svc.Snapshot(ctx)
	if err != nil {
		log.Fatalf("Failed to snapshot chunk %s: %v", key, err)
	}
	return snap, svc, key
}

// requireService exits when the mode needs a live host but only a snapshot
// file was given.
func requireService(svc metashape.ChunkService, mode string) metashape.ChunkService {
	if svc == nil {
		log.Fatalf("%s writes to the host and does not work on a snapshot file; drop -snapshot", mode)
	}
	return svc
}

// RunStats prints quality metrics for the selected chunk
func (a *App) RunStats() {
	ctx := context.Background()
	snap, _, key := a.openChunk(ctx)

	metrics, err := metashape.ComputeMetrics(snap.Points)
	if err != nil {
		log.Fatalf("Failed to compute metrics: %v", err)
	}

	fmt.Printf("=== %s ===\n", key)
	fmt.Printf("Cameras: %d total, %d aligned\n", len(snap.Cameras), len(snap.AlignedCameraKeys()))
	fmt.Printf("Tie points: %d valid of %d\n", len(snap.ValidPoints()), len(snap.Points))
	fmt.Printf("Reprojection error: %s\n", metashape.FormatSummary(metrics.ErrorSummary()))
	fmt.Printf("Uncertainty:        %s\n", metashape.FormatSummary(metrics.UncertaintySummary()))
	fmt.Println("\nWorst cameras by mean reprojection error:")
	fmt.Print(metashape.FormatCameraTable(metrics, 15))
}

// RunFilter evaluates the point filter and optionally commits it
func (a *App) RunFilter() {
	ctx := context.Background()
	snap, svc, key := a.openChunk(ctx)

	config := a.config()
	metrics, err := metashape.ComputeMetrics(snap.Points)
	if err != nil {
		log.Fatalf("Failed to compute metrics: %v", err)
	}
	decisions, err := metashape.ApplyPointFilter(snap.Points, metrics, config.FilterConfig())
	if err != nil {
		log.Fatalf("Point filter failed: %v", err)
	}

	report := metashape.NewDecisionReport(decisions)
	fmt.Printf("=== %s ===\n", key)
	fmt.Printf("Retained:  %d\n", len(report.Retained))
	fmt.Printf("Discarded: %d\n", decisions.DiscardedCount())
	rules := make([]string, 0, len(report.Discarded))
	for rule := range report.Discarded {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	for _, rule := range rules {
		fmt.Printf("  %-12s %d\n", rule, len(report.Discarded[rule]))
	}
	if threshold, ok := decisions.PercentileThreshold(); ok {
		fmt.Printf("Percentile threshold: %.4f\n", threshold)
	}

	if !a.Apply {
		fmt.Println("\nDry run; pass -apply to invalidate the discarded points")
		return
	}

	svc = requireService(svc, "-filter -apply")
	discarded := decisions.Discarded()
	if len(discarded) == 0 {
		fmt.Println("\nNothing to invalidate")
		return
	}
	if err := svc.InvalidatePoints(ctx, discarded); err != nil {
		log.Fatalf("Failed to invalidate points: %v", err)
	}
	fmt.Printf("\nInvalidated %d points on the host\n", len(discarded))
}

// RunAlign runs one incremental alignment session on the selected chunk
func (a *App) RunAlign() {
	ctx := context.Background()
	snap, svc, key := a.openChunk(ctx)
	svc = requireService(svc, "-align")

	config := a.config()
	seed := snap.AlignedCameraKeys()
	if len(config.Alignment.Seed) > 0 {
		seed = append([]string(nil), config.Alignment.Seed...)
		sort.Strings(seed)
	}
	inSeed := make(map[string]bool, len(seed))
	for _, k := range seed {
		inSeed[k] = true
	}

	all := config.Alignment.ExplicitBatches()
	if all == nil {
		if config.Alignment.GroupByPrefix {
			all = metashape.BatchesByGroup(snap)
		} else {
			all = metashape.BatchesBySize(snap, config.Alignment.BatchSize)
		}
	}
	var batches []metashape.CameraBatch
	for _, b := range all {
		var keep []string
		for _, k := range b.Cameras {
			if !inSeed[k] {
				keep = append(keep, k)
			}
		}
		if len(keep) > 0 {
			batches = append(batches, metashape.CameraBatch{Name: b.Name, Cameras: keep})
		}
	}
	if len(batches) == 0 {
		fmt.Printf("All %d enabled cameras are already aligned, nothing to do\n", len(seed))
		return
	}

	fmt.Printf("Aligning %s: %d seed cameras, %d batches\n", key, len(seed), len(batches))
	scheduler := metashape.NewAlignmentScheduler(svc, config.SchedulerConfig())
	scheduler.OnProgress(a.Tracker.ProgressFunc())

	report, err := scheduler.Run(ctx, batches, seed)
	if report != nil {
		fmt.Println()
		fmt.Print(report.Format())
	}
	if err != nil {
		log.Fatalf("Alignment failed: %v", err)
	}
}

// RunTransfer seeds one chunk's cameras with poses from another
func (a *App) RunTransfer() {
	if a.RefChunk == "" || a.TargetChunk == "" {
		log.Fatal("-transfer needs both -ref and -target chunk keys")
	}
	if a.RefChunk == a.TargetChunk {
		log.Fatal("-ref and -target must name different chunks")
	}

	ctx := context.Background()
	config := a.config()
	host := a.connect()

	refSvc, err := host.OpenChunk(ctx, a.RefChunk)
	if err != nil {
		log.Fatalf("Failed to open reference chunk %s: %v", a.RefChunk, err)
	}
	refSnap, err := refSvc.Snapshot(ctx)
	if err != nil {
		log.Fatalf("Failed to snapshot reference chunk %s: %v", a.RefChunk, err)
	}
	targetSvc, err := host.OpenChunk(ctx, a.TargetChunk)
	if err != nil {
		log.Fatalf("Failed to open target chunk %s: %v", a.TargetChunk, err)
	}
	targetSnap, err := targetSvc.Snapshot(ctx)
	if err != nil {
		log.Fatalf("Failed to snapshot target chunk %s: %v", a.TargetChunk, err)
	}

	// Reuse a solved transform when the cache has one, otherwise derive it
	// from the chunk world transforms.
	transform := metashape.ChunkAlignmentTransform(refSnap, targetSnap)
	var cache *metashape.TransferCache
	if config.Transfer.CachePath != "" {
		cache, err = metashape.LoadTransferCache(config.Transfer.CachePath)
		if err != nil {
			log.Printf("Warning: failed to load transfer cache: %v", err)
		}
		if solved, ok := cache.Get(a.RefChunk, a.TargetChunk); ok {
			transform = solved.Transform
			log.Printf("Using cached transform solved at %s", time.Unix(solved.SolvedAt, 0).Format(time.RFC3339))
		}
		if cache == nil {
			cache = &metashape.TransferCache{}
		}
	}

	strict := a.Strict || config.Transfer.Strict
	report, err := metashape.TransferPoses(ctx, refSnap, targetSvc, metashape.TransferConfig{
		Transform: transform,
		Strict:    strict,
	})
	if err != nil {
		log.Fatalf("Transfer failed: %v", err)
	}

	fmt.Printf("Transferred %d poses from %s to %s (scale %.6f)\n",
		len(report.Transferred), a.RefChunk, a.TargetChunk, report.Scale)
	if len(report.Skipped) > 0 {
		fmt.Printf("Skipped %d cameras with no reference match: %s\n",
			len(report.Skipped), strings.Join(report.Skipped, ", "))
	}

	if cache != nil {
		cache.Put(metashape.SolvedTransfer{
			Reference: a.RefChunk,
			Target:    a.TargetChunk,
			Transform: transform,
		})
		if err := metashape.SaveTransferCache(config.Transfer.CachePath, cache); err != nil {
			log.Printf("Warning: failed to save transfer cache: %v", err)
		}
	}
}

// RunDuplicates lists cameras that share a label
func (a *App) RunDuplicates() {
	ctx := context.Background()
	snap, _, key := a.openChunk(ctx)

	groups := metashape.FindDuplicateCameras(snap)
	if len(groups) == 0 {
		fmt.Printf("%s: no duplicate camera labels\n", key)
		return
	}

	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	fmt.Printf("=== %s: %d duplicated labels ===\n", key, len(labels))
	for _, label := range labels {
		fmt.Printf("%s: %s\n", label, strings.Join(groups[label], ", "))
	}
	disable := metashape.DuplicatesToDisable(snap)
	if len(disable) > 0 {
		fmt.Printf("\nRedundant copies (disable candidates): %s\n", strings.Join(disable, ", "))
	}
}

// RunDistribution prints the tie point support of every camera
func (a *App) RunDistribution() {
	ctx := context.Background()
	snap, _, key := a.openChunk(ctx)

	dists, err := metashape.ComputeDistribution(snap, metashape.DefaultDistributionGrid)
	if err != nil {
		log.Fatalf("Failed to compute distribution: %v", err)
	}

	keys := make([]string, 0, len(dists))
	for k := range dists {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("=== %s ===\n", key)
	fmt.Printf("%-24s %8s %10s %10s\n", "camera", "points", "coverage", "offset")
	for _, k := range keys {
		d := dists[k]
		fmt.Printf("%-24s %8d %9.1f%% %10.3f\n", k, d.ObservationCount, d.Coverage*100, d.CenterOffset)
	}

	weak := metashape.WeakCameras(dists, metashape.DefaultMinObservations, metashape.DefaultMinCoverage)
	if len(weak) > 0 {
		fmt.Printf("\nWeakly supported cameras: %s\n", strings.Join(weak, ", "))
	}
}

// RunImportMarkers pushes marker projections from a CSV file to the host
func (a *App) RunImportMarkers() {
	ctx := context.Background()
	snap, svc, key := a.openChunk(ctx)
	svc = requireService(svc, "-import-markers")

	rows, err := metashape.LoadMarkerPixelsCSV(a.MarkersFile)
	if err != nil {
		log.Fatalf("Failed to load marker CSV: %v", err)
	}
	if len(rows) == 0 {
		log.Fatalf("Marker CSV %s has no rows", a.MarkersFile)
	}

	applied, missing, err := metashape.ApplyMarkerPixels(ctx, svc, snap, rows, a.Strict)
	if err != nil {
		log.Fatalf("Failed to apply markers: %v", err)
	}
	fmt.Printf("Applied %d marker projections to %s\n", applied, key)
	if len(missing) > 0 {
		fmt.Printf("Skipped rows for %d unknown cameras: %s\n", len(missing), strings.Join(missing, ", "))
	}
}

// RunImportReference pushes surveyed camera locations from a CSV file to the host
func (a *App) RunImportReference() {
	ctx := context.Background()
	snap, svc, key := a.openChunk(ctx)
	svc = requireService(svc, "-import-reference")

	rows, err := metashape.LoadCameraReferenceCSV(a.ImportRefFile)
	if err != nil {
		log.Fatalf("Failed to load reference CSV: %v", err)
	}
	if len(rows) == 0 {
		log.Fatalf("Reference CSV %s has no rows", a.ImportRefFile)
	}

	applied, missing, err := metashape.ApplyCameraReferences(ctx, svc, snap, rows, a.Strict)
	if err != nil {
		log.Fatalf("Failed to apply camera references: %v", err)
	}
	fmt.Printf("Applied %d camera references to %s\n", applied, key)
	if len(missing) > 0 {
		fmt.Printf("Skipped rows for %d unknown cameras: %s\n", len(missing), strings.Join(missing, ", "))
	}
}

// RunExport writes the requested export files for the selected chunk
func (a *App) RunExport() {
	ctx := context.Background()
	snap, _, key := a.openChunk(ctx)
	config := a.config()
	fmt.Printf("=== %s ===\n", key)

	// Previews and GeoJSON color by filter decision, so the filter runs even
	// though nothing is written back to the host.
	var metrics *metashape.MetricsSnapshot
	var decisions *metashape.DecisionSet
	if a.PreviewPNG != "" || a.PreviewSVG != "" || a.GeoJSONFile != "" {
		var err error
		metrics, err = metashape.ComputeMetrics(snap.Points)
		if err != nil {
			log.Fatalf("Failed to compute metrics: %v", err)
		}
		decisions, err = metashape.ApplyPointFilter(snap.Points, metrics, config.FilterConfig())
		if err != nil {
			log.Fatalf("Point filter failed: %v", err)
		}
	}

	if a.PreviewPNG != "" {
		renderer := metashape.NewPreviewRenderer(snap, decisions)
		if config.Report.Preview.Width > 0 {
			renderer.MaxWidth = config.Report.Preview.Width
		}
		if config.Report.Preview.Height > 0 {
			renderer.MaxHeight = config.Report.Preview.Height
		}
		if err := renderer.SavePNG(a.PreviewPNG); err != nil {
			log.Fatalf("Failed to write preview PNG: %v", err)
		}
		fmt.Printf("Wrote preview to %s\n", a.PreviewPNG)
	}

	if a.PreviewSVG != "" {
		renderer := metashape.NewVectorRenderer(snap, decisions)
		if err := renderer.SaveSVG(a.PreviewSVG); err != nil {
			log.Fatalf("Failed to write preview SVG: %v", err)
		}
		fmt.Printf("Wrote vector preview to %s\n", a.PreviewSVG)
	}

	if a.GeoJSONFile != "" {
		if err := metashape.ExportDecisionsGeoJSON(a.GeoJSONFile, snap, metrics, decisions); err != nil {
			log.Fatalf("Failed to write GeoJSON: %v", err)
		}
		fmt.Printf("Wrote decision GeoJSON to %s\n", a.GeoJSONFile)
	}

	if a.UnalignedFile != "" {
		if err := metashape.ExportCameraCSV(a.UnalignedFile, snap, true); err != nil {
			log.Fatalf("Failed to write camera CSV: %v", err)
		}
		fmt.Printf("Wrote %d unaligned cameras to %s\n", len(snap.UnalignedCameraKeys()), a.UnalignedFile)
	}

	if a.ReferenceFile != "" {
		if err := metashape.ExportCameraReferenceCSV(a.ReferenceFile, snap); err != nil {
			log.Fatalf("Failed to write reference CSV: %v", err)
		}
		fmt.Printf("Wrote %d camera poses to %s\n", len(snap.AlignedCameraKeys()), a.ReferenceFile)
	}
}

// RunWorkflow processes every chunk once and exits
func (a *App) RunWorkflow() {
	config := a.config()
	host := a.connect()
	a.initTracker(config)
	a.initMQTT(config)

	runner := metashape.NewWorkflowRunner(config, host, a.Tracker, a.Publisher)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := runner.RunAll(ctx)
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	if err != nil {
		log.Fatalf("Workflow failed: %v", err)
	}
	fmt.Println("Workflow complete")
}

// RunService runs the status server until interrupted
func (a *App) RunService() {
	fmt.Println("Starting metashape-tools service...")

	config := a.config()
	a.initTracker(config)
	a.initMQTT(config)

	// The bridge may be down at startup; the runner connects per request.
	host := a.connect()
	runner := metashape.NewWorkflowRunner(config, host, a.Tracker, a.Publisher)

	httpServer := newHTTPServer(a.Tracker, runner, config)
	go func() {
		log.Printf("[HTTP] Starting server on %s", a.ServeAddr)
		if err := http.ListenAndServe(a.ServeAddr, httpServer); err != nil {
			log.Fatalf("[HTTP] Server error: %v", err)
		}
	}()

	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Printf("\nHTTP endpoints (%s):\n", a.ServeAddr)
	fmt.Println("  GET  /health         - Health check")
	fmt.Println("  GET  /api/session    - Latest session event per chunk")
	fmt.Println("  GET  /api/report     - Session reports (?chunk=KEY for one)")
	fmt.Println("  GET  /api/decisions  - Filter decisions (?chunk=KEY)")
	fmt.Println("  GET  /preview.png    - Raster preview (?chunk=KEY)")
	fmt.Println("  GET  /preview.svg    - Vector preview (?chunk=KEY)")
	fmt.Println("  POST /api/run        - Trigger a workflow run (?chunk=KEY)")
	if a.Publisher != nil {
		prefix := config.MQTT.PublishPrefix
		if prefix == "" {
			prefix = "metashape"
		}
		fmt.Printf("\nMQTT: publishing to %s/{chunk}\n", prefix)
	}
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Println("Service stopped")
}

// initTracker swaps the plain tracker for one backed by the report archive
func (a *App) initTracker(config *metashape.Config) {
	if config.Report.OutputDir == "" {
		return
	}
	archive := filepath.Join(config.Report.OutputDir, "reports.json")
	a.Tracker = metashape.NewStateTrackerWithCache(archive)
}

// initMQTT connects the publisher when a broker is configured
func (a *App) initMQTT(config *metashape.Config) {
	client, err := metashape.InitMQTT(config)
	if err != nil {
		log.Fatalf("Failed to initialize MQTT: %v", err)
	}
	if client == nil {
		return
	}
	a.MQTTClient = client
	a.Publisher = metashape.NewPublisher(client.GetClient())
	if config.MQTT.PublishPrefix != "" {
		a.Publisher.SetPrefix(config.MQTT.PublishPrefix)
	}
	fmt.Println("MQTT progress publisher initialized")
}
