package metashape

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// WriteSessionReport writes a session report to disk as JSON.
func WriteSessionReport(rep *SessionReport, path string) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session report: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write session report: %w", err)
	}
	return nil
}

// LoadSessionReport reads a session report from a JSON file on disk.
func LoadSessionReport(path string) (*SessionReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session report: %w", err)
	}
	var rep SessionReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("unmarshal session report: %w", err)
	}
	return &rep, nil
}

// FormatSummary renders one distribution summary as a single line.
func FormatSummary(s Summary) string {
	if s.Count == 0 {
		return "n=0"
	}
	return fmt.Sprintf("n=%d min=%.4f mean=%.4f median=%.4f p90=%.4f max=%.4f stddev=%.4f",
		s.Count, s.Min, s.Mean, s.Median, s.P90, s.Max, s.StdDev)
}

// Format renders the report as human-readable text for CLI output.
func (r *SessionReport) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "session  %s\n", r.SessionID)
	fmt.Fprintf(&b, "chunk    %s\n", r.Chunk)
	fmt.Fprintf(&b, "state    %s\n", r.FinalState)
	fmt.Fprintf(&b, "cameras  %d aligned\n", len(r.WorkingSet))
	fmt.Fprintf(&b, "rounds   %d\n", r.Iterations)
	fmt.Fprintf(&b, "duration %s\n", r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(&b, "error    %s\n", r.Error)
	}

	if len(r.History) > 0 {
		b.WriteString("\nbatches:\n")
		for _, out := range r.History {
			status := fmt.Sprintf("accepted=%d rejected=%d", len(out.Accepted), len(out.Rejected))
			if out.Skipped {
				status = "skipped"
			}
			fmt.Fprintf(&b, "  %-16s attempt=%d error=%.4f %s\n",
				out.Batch, out.Attempt, out.MeanError, status)
		}
	}
	if len(r.SkippedBatches) > 0 {
		fmt.Fprintf(&b, "\nskipped batches: %s\n", strings.Join(r.SkippedBatches, ", "))
	}

	fmt.Fprintf(&b, "\nreprojection error  %s\n", FormatSummary(r.ErrorSummary))
	fmt.Fprintf(&b, "uncertainty         %s\n", FormatSummary(r.UncertaintySummary))

	retained := len(r.Decisions.Retained)
	discarded := 0
	for _, ids := range r.Decisions.Discarded {
		discarded += len(ids)
	}
	fmt.Fprintf(&b, "tie points          kept=%d discarded=%d\n", retained, discarded)
	for _, rule := range []string{string(RuleThreshold), string(RulePercentile), string(RuleBounds)} {
		if ids := r.Decisions.Discarded[rule]; len(ids) > 0 {
			fmt.Fprintf(&b, "  by %-10s %d\n", rule, len(ids))
		}
	}

	return b.String()
}

// FormatCameraTable renders per-camera quality metrics, worst first.
func FormatCameraTable(metrics *MetricsSnapshot, limit int) string {
	if metrics == nil {
		return ""
	}
	keys := metrics.CameraKeys()
	sort.Slice(keys, func(i, j int) bool {
		a, _ := metrics.Camera(keys[i])
		b, _ := metrics.Camera(keys[j])
		if a.MeanError != b.MeanError {
			return a.MeanError > b.MeanError
		}
		return keys[i] < keys[j]
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-24s %8s %10s %10s\n", "camera", "points", "mean", "median")
	for _, key := range keys {
		cq, _ := metrics.Camera(key)
		fmt.Fprintf(&b, "%-24s %8d %10.4f %10.4f\n", key, cq.PointCount, cq.MeanError, cq.MedianError)
	}
	return b.String()
}
