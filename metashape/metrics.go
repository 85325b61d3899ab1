package metashape

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// PointQuality is the derived quality of one tie point: root-mean-square
// reprojection residual over its observations, the host-supplied
// uncertainty scalar, and how many images observe it.
type PointQuality struct {
	Error       float64 `json:"error"`
	Uncertainty float64 `json:"uncertainty"`
	Projections int     `json:"projections"`
}

// CameraQuality aggregates the residuals of all observations a camera sees.
type CameraQuality struct {
	MeanError   float64 `json:"meanError"`
	MedianError float64 `json:"medianError"`
	PointCount  int     `json:"pointCount"`
}

// MetricsSnapshot is an immutable per-point and per-camera quality map
// computed from one chunk snapshot. Accessors return copies; the underlying
// maps are never exposed.
type MetricsSnapshot struct {
	takenAt    time.Time
	points     map[uint32]PointQuality
	cameras    map[string]CameraQuality
	pointIDs   []uint32
	cameraKeys []string
}

// ComputeMetrics derives quality metrics for every tie point and camera.
// Residuals are host-supplied; nothing is reprojected here. A point with no
// observations or a duplicated id fails the whole computation with
// ErrDataIntegrity and no partial snapshot is returned.
func ComputeMetrics(points []TiePoint) (*MetricsSnapshot, error) {
	pq := make(map[uint32]PointQuality, len(points))
	residualsByCamera := make(map[string][]float64)
	pointsByCamera := make(map[string]int)

	for _, p := range points {
		if _, dup := pq[p.ID]; dup {
			return nil, fmt.Errorf("point %d appears twice in snapshot: %w", p.ID, ErrDataIntegrity)
		}
		if len(p.Observations) == 0 {
			return nil, fmt.Errorf("point %d has no observations: %w", p.ID, ErrDataIntegrity)
		}

		var sumSq float64
		seen := make(map[string]bool, len(p.Observations))
		for _, ob := range p.Observations {
			sumSq += ob.Residual * ob.Residual
			residualsByCamera[ob.CameraKey] = append(residualsByCamera[ob.CameraKey], ob.Residual)
			if !seen[ob.CameraKey] {
				seen[ob.CameraKey] = true
				pointsByCamera[ob.CameraKey]++
			}
		}

		pq[p.ID] = PointQuality{
			Error:       math.Sqrt(sumSq / float64(len(p.Observations))),
			Uncertainty: p.Uncertainty,
			Projections: len(p.Observations),
		}
	}

	cq := make(map[string]CameraQuality, len(residualsByCamera))
	for key, residuals := range residualsByCamera {
		sort.Float64s(residuals)
		var sum float64
		for _, r := range residuals {
			sum += r
		}
		cq[key] = CameraQuality{
			MeanError:   sum / float64(len(residuals)),
			MedianError: percentileSorted(residuals, 0.5),
			PointCount:  pointsByCamera[key],
		}
	}

	ids := make([]uint32, 0, len(pq))
	for id := range pq {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]string, 0, len(cq))
	for key := range cq {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &MetricsSnapshot{
		takenAt:    time.Now(),
		points:     pq,
		cameras:    cq,
		pointIDs:   ids,
		cameraKeys: keys,
	}, nil
}

// TakenAt returns when the metrics were computed.
func (s *MetricsSnapshot) TakenAt() time.Time { return s.takenAt }

// PointCount returns the number of scored tie points.
func (s *MetricsSnapshot) PointCount() int { return len(s.points) }

// CameraCount returns the number of cameras with at least one observation.
func (s *MetricsSnapshot) CameraCount() int { return len(s.cameras) }

// Point returns the quality of one tie point.
func (s *MetricsSnapshot) Point(id uint32) (PointQuality, bool) {
	q, ok := s.points[id]
	return q, ok
}

// Camera returns the aggregated quality of one camera.
func (s *MetricsSnapshot) Camera(key string) (CameraQuality, bool) {
	q, ok := s.cameras[key]
	return q, ok
}

// PointIDs returns all scored point ids in ascending order.
func (s *MetricsSnapshot) PointIDs() []uint32 {
	return append([]uint32(nil), s.pointIDs...)
}

// CameraKeys returns all scored camera keys in ascending order.
func (s *MetricsSnapshot) CameraKeys() []string {
	return append([]string(nil), s.cameraKeys...)
}

// ErrorValues returns per-point errors ordered by ascending point id.
func (s *MetricsSnapshot) ErrorValues() []float64 {
	vals := make([]float64, len(s.pointIDs))
	for i, id := range s.pointIDs {
		vals[i] = s.points[id].Error
	}
	return vals
}

// UncertaintyValues returns per-point uncertainties ordered by ascending
// point id.
func (s *MetricsSnapshot) UncertaintyValues() []float64 {
	vals := make([]float64, len(s.pointIDs))
	for i, id := range s.pointIDs {
		vals[i] = s.points[id].Uncertainty
	}
	return vals
}

// ErrorSummary summarizes the per-point reprojection errors.
func (s *MetricsSnapshot) ErrorSummary() Summary {
	return Summarize(s.ErrorValues())
}

// UncertaintySummary summarizes the per-point uncertainties.
func (s *MetricsSnapshot) UncertaintySummary() Summary {
	return Summarize(s.UncertaintyValues())
}

// MeanCameraError returns the unweighted mean of the per-camera mean errors
// for the given cameras. Cameras without observations are ignored; ok is
// false if none of them had any.
func (s *MetricsSnapshot) MeanCameraError(keys []string) (float64, bool) {
	var sum float64
	var n int
	for _, key := range keys {
		if q, ok := s.cameras[key]; ok {
			sum += q.MeanError
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
