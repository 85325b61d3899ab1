package metashape

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// DefaultDistributionGrid is the occupancy grid resolution per image axis.
const DefaultDistributionGrid = 10

// Thresholds below which a camera counts as weakly supported.
const (
	DefaultMinObservations = 100
	DefaultMinCoverage     = 0.3
)

// CameraDistribution describes how tie-point observations spread across one
// camera's image plane. Alignment quality degrades when observations cluster
// in a corner even if their residuals are small, so the scheduler report
// carries these alongside the reprojection metrics.
type CameraDistribution struct {
	CameraKey string

	// ObservationCount is the number of tie-point observations in this image.
	ObservationCount int

	// Bounds is the pixel-space bounding box of all observations.
	Bounds orb.Bound

	// Coverage is the fraction of occupancy grid cells containing at least
	// one observation, in [0, 1].
	Coverage float64

	// CenterOffset is the distance from the observation centroid to the
	// image center, normalized by the image half-diagonal.
	CenterOffset float64
}

// ComputeDistribution builds per-camera observation distributions from a
// snapshot. Every camera gets an entry; cameras nothing observes through
// keep zero counts. gridSize is the occupancy cell count per axis;
// non-positive values fall back to DefaultDistributionGrid.
func ComputeDistribution(snap *ChunkSnapshot, gridSize int) (map[string]CameraDistribution, error) {
	if snap == nil {
		return nil, fmt.Errorf("nil snapshot: %w", ErrDataIntegrity)
	}
	if gridSize <= 0 {
		gridSize = DefaultDistributionGrid
	}

	type gridCell struct{ x, y int }

	dims := make(map[string]Camera, len(snap.Cameras))
	occupied := make(map[string]map[gridCell]bool, len(snap.Cameras))
	sums := make(map[string]orb.Point, len(snap.Cameras))
	result := make(map[string]CameraDistribution, len(snap.Cameras))
	for _, cam := range snap.Cameras {
		dims[cam.Key] = cam
		occupied[cam.Key] = make(map[gridCell]bool)
		result[cam.Key] = CameraDistribution{CameraKey: cam.Key}
	}

	for _, pt := range snap.Points {
		if !pt.Valid {
			continue
		}
		for _, ob := range pt.Observations {
			cam, ok := dims[ob.CameraKey]
			if !ok {
				return nil, fmt.Errorf("point %d observed by unknown camera %q: %w", pt.ID, ob.CameraKey, ErrDataIntegrity)
			}

			d := result[ob.CameraKey]
			if d.ObservationCount == 0 {
				d.Bounds = orb.Bound{Min: ob.Pixel, Max: ob.Pixel}
			} else {
				d.Bounds = d.Bounds.Extend(ob.Pixel)
			}
			d.ObservationCount++
			result[ob.CameraKey] = d

			sum := sums[ob.CameraKey]
			sums[ob.CameraKey] = orb.Point{sum.X() + ob.Pixel.X(), sum.Y() + ob.Pixel.Y()}

			// Snap the pixel to its occupancy cell. Image dimensions can be
			// absent in sparse snapshots; those cameras keep zero coverage.
			if cam.Width > 0 && cam.Height > 0 {
				cx := int(ob.Pixel.X() / (float64(cam.Width) / float64(gridSize)))
				cy := int(ob.Pixel.Y() / (float64(cam.Height) / float64(gridSize)))
				if cx >= 0 && cx < gridSize && cy >= 0 && cy < gridSize {
					occupied[ob.CameraKey][gridCell{cx, cy}] = true
				}
			}
		}
	}

	totalCells := float64(gridSize * gridSize)
	for key, d := range result {
		if d.ObservationCount == 0 {
			continue
		}
		cam := dims[key]
		d.Coverage = float64(len(occupied[key])) / totalCells

		if cam.Width > 0 && cam.Height > 0 {
			n := float64(d.ObservationCount)
			centroidX := sums[key].X() / n
			centroidY := sums[key].Y() / n
			halfW := float64(cam.Width) / 2
			halfH := float64(cam.Height) / 2
			halfDiag := math.Hypot(halfW, halfH)
			d.CenterOffset = math.Hypot(centroidX-halfW, centroidY-halfH) / halfDiag
		}
		result[key] = d
	}

	return result, nil
}

// WeakCameras returns keys of cameras whose observation support falls below
// the given thresholds, sorted. Cameras with zero observations always
// qualify.
func WeakCameras(dists map[string]CameraDistribution, minObservations int, minCoverage float64) []string {
	var weak []string
	for key, d := range dists {
		if d.ObservationCount < minObservations || d.Coverage < minCoverage {
			weak = append(weak, key)
		}
	}
	sort.Strings(weak)
	return weak
}
