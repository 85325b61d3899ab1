package main

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/franioli/metashape-scripts/metashape"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(tracker *metashape.StateTracker, runner *metashape.WorkflowRunner, config *metashape.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			Chunks     int       `json:"chunks"`
			HasReports bool      `json:"hasReports"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			Chunks:     len(tracker.Chunks()),
			HasReports: tracker.HasReports(),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Latest session event per chunk
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		sessions := tracker.GetSessions()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(sessions); err != nil {
			log.Printf("Error encoding sessions: %v", err)
		}
	})

	// Session reports, one chunk or all of them
	mux.HandleFunc("/api/report", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if chunk := r.URL.Query().Get("chunk"); chunk != "" {
			report, ok := tracker.GetReport(chunk)
			if !ok {
				http.Error(w, "No report for chunk "+chunk, http.StatusNotFound)
				return
			}
			if err := json.NewEncoder(w).Encode(report); err != nil {
				log.Printf("Error encoding report: %v", err)
			}
			return
		}
		if !tracker.HasReports() {
			http.Error(w, "No reports yet", http.StatusServiceUnavailable)
			return
		}
		if err := json.NewEncoder(w).Encode(tracker.GetReports()); err != nil {
			log.Printf("Error encoding reports: %v", err)
		}
	})

	// Filter decisions of the last run for a chunk
	mux.HandleFunc("/api/decisions", func(w http.ResponseWriter, r *http.Request) {
		chunk, ok := resolveChunk(r, tracker)
		if !ok {
			http.Error(w, "No chunk data available", http.StatusServiceUnavailable)
			return
		}
		_, decisions, ok := tracker.GetPreview(chunk)
		if !ok {
			http.Error(w, "No decisions for chunk "+chunk, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(metashape.NewDecisionReport(decisions)); err != nil {
			log.Printf("Error encoding decisions: %v", err)
		}
	})

	// Raster preview of the last processed snapshot
	mux.HandleFunc("/preview.png", func(w http.ResponseWriter, r *http.Request) {
		chunk, ok := resolveChunk(r, tracker)
		if !ok {
			http.Error(w, "No chunk data available", http.StatusServiceUnavailable)
			return
		}
		snap, decisions, ok := tracker.GetPreview(chunk)
		if !ok {
			http.Error(w, "No preview for chunk "+chunk, http.StatusServiceUnavailable)
			return
		}

		renderer := metashape.NewPreviewRenderer(snap, decisions)
		if config != nil && config.Report.Preview.Width > 0 {
			renderer.MaxWidth = config.Report.Preview.Width
		}
		if config != nil && config.Report.Preview.Height > 0 {
			renderer.MaxHeight = config.Report.Preview.Height
		}

		img := renderer.Render()
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding preview PNG: %v", err)
		}
	})

	// Vector preview of the last processed snapshot
	mux.HandleFunc("/preview.svg", func(w http.ResponseWriter, r *http.Request) {
		chunk, ok := resolveChunk(r, tracker)
		if !ok {
			http.Error(w, "No chunk data available", http.StatusServiceUnavailable)
			return
		}
		snap, decisions, ok := tracker.GetPreview(chunk)
		if !ok {
			http.Error(w, "No preview for chunk "+chunk, http.StatusServiceUnavailable)
			return
		}

		renderer := metashape.NewVectorRenderer(snap, decisions)
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error encoding preview SVG: %v", err)
		}
	})

	// Trigger a workflow run for one chunk
	mux.HandleFunc("/api/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if runner == nil {
			http.Error(w, "No workflow runner available", http.StatusServiceUnavailable)
			return
		}
		chunk := r.URL.Query().Get("chunk")
		if chunk == "" {
			http.Error(w, "chunk query parameter is required", http.StatusBadRequest)
			return
		}
		go runner.OnChunkUpdated(chunk)
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprintf(w, "run queued for %s\n", chunk)
	})

	// Default route serves HTML page embedding the preview
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>metashape-tools</title>
<style>
*{margin:0;padding:0;box-sizing:border-box}
html,body{width:100%;height:100%;overflow:hidden;background:#1a1a1a}
img{display:block;width:100vw;height:100vh;object-fit:contain}
</style>
</head>
<body>
<img src="/preview.svg" alt="Chunk Preview">
</body>
</html>`)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// resolveChunk picks the chunk a request refers to: the chunk query
// parameter when given, otherwise the only chunk the tracker knows about.
func resolveChunk(r *http.Request, tracker *metashape.StateTracker) (string, bool) {
	if chunk := r.URL.Query().Get("chunk"); chunk != "" {
		return chunk, true
	}
	chunks := tracker.Chunks()
	if len(chunks) == 1 {
		return chunks[0], true
	}
	return "", false
}
