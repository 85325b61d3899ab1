package metashape

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// chunkPreview is the data the preview endpoints render from.
type chunkPreview struct {
	snapshot  *ChunkSnapshot
	decisions *DecisionSet
}

// StateTracker tracks live session progress and finished reports for the
// HTTP endpoints. One tracker serves all chunks.
type StateTracker struct {
	mu        sync.RWMutex
	sessions  map[string]SessionEvent
	reports   map[string]*SessionReport
	previews  map[string]chunkPreview
	cachePath string // path to the report archive JSON file; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		sessions: make(map[string]SessionEvent),
		reports:  make(map[string]*SessionReport),
		previews: make(map[string]chunkPreview),
	}
}

// NewStateTrackerWithCache creates a state tracker that persists finished
// reports to the given archive file path. If the file exists, the archived
// reports are loaded on creation.
func NewStateTrackerWithCache(cachePath string) *StateTracker {
	st := NewStateTracker()
	st.cachePath = cachePath
	if cachePath != "" {
		if reports, err := LoadReportArchive(cachePath); err == nil {
			st.reports = reports
		}
	}
	return st
}

// ProgressFunc returns a callback suitable for AlignmentScheduler progress
// reporting. Every event replaces the chunk's live entry.
func (st *StateTracker) ProgressFunc() ProgressFunc {
	return func(ev SessionEvent) {
		st.UpdateSession(ev)
	}
}

// UpdateSession stores the latest event for the event's chunk.
func (st *StateTracker) UpdateSession(ev SessionEvent) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[ev.Chunk] = ev
}

// GetSessions returns the latest event per chunk.
func (st *StateTracker) GetSessions() map[string]SessionEvent {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]SessionEvent, len(st.sessions))
	for k, v := range st.sessions {
		result[k] = v
	}
	return result
}

// GetSession returns the latest event for one chunk.
func (st *StateTracker) GetSession(chunk string) (SessionEvent, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ev, ok := st.sessions[chunk]
	return ev, ok
}

// SetReport stores a finished session report for its chunk and persists the
// archive when a cache path is configured.
func (st *StateTracker) SetReport(rep *SessionReport) {
	if rep == nil {
		return
	}

	st.mu.Lock()
	st.reports[rep.Chunk] = rep
	reports := make(map[string]*SessionReport, len(st.reports))
	for k, v := range st.reports {
		reports[k] = v
	}
	cachePath := st.cachePath
	st.mu.Unlock()

	if cachePath != "" {
		if err := SaveReportArchive(reports, cachePath); err != nil {
			log.Printf("warning: failed to save report archive: %v", err)
		}
	}
}

// GetReport returns the most recent report for one chunk.
func (st *StateTracker) GetReport(chunk string) (*SessionReport, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	rep, ok := st.reports[chunk]
	return rep, ok
}

// GetReports returns all stored reports keyed by chunk.
func (st *StateTracker) GetReports() map[string]*SessionReport {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*SessionReport, len(st.reports))
	for k, v := range st.reports {
		result[k] = v
	}
	return result
}

// HasReports returns true if at least one report is stored.
func (st *StateTracker) HasReports() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.reports) > 0
}

// SetPreview stores the snapshot and decisions the preview endpoints render
// for one chunk.
func (st *StateTracker) SetPreview(chunk string, snap *ChunkSnapshot, decisions *DecisionSet) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.previews[chunk] = chunkPreview{snapshot: snap, decisions: decisions}
}

// GetPreview returns the stored preview data for one chunk.
func (st *StateTracker) GetPreview(chunk string) (*ChunkSnapshot, *DecisionSet, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	p, ok := st.previews[chunk]
	return p.snapshot, p.decisions, ok
}

// Chunks returns all chunk keys with any stored state.
func (st *StateTracker) Chunks() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	seen := make(map[string]bool)
	for k := range st.sessions {
		seen[k] = true
	}
	for k := range st.reports {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

// SaveReportArchive writes the report map to disk as JSON.
func SaveReportArchive(reports map[string]*SessionReport, path string) error {
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report archive: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report archive: %w", err)
	}
	return nil
}

// LoadReportArchive reads a report map from a JSON file on disk.
func LoadReportArchive(path string) (map[string]*SessionReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report archive: %w", err)
	}
	reports := make(map[string]*SessionReport)
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("unmarshal report archive: %w", err)
	}
	return reports, nil
}
