package metashape

import (
	"errors"
	"reflect"
	"testing"

	"github.com/paulmach/orb"
)

func pixelObs(camera string, x, y float64) Observation {
	return Observation{CameraKey: camera, Pixel: orb.Point{x, y}, Residual: 0.5}
}

func TestComputeDistribution(t *testing.T) {
	snap := &ChunkSnapshot{
		Cameras: []Camera{
			{Key: "cam-a", Enabled: true, Width: 1000, Height: 1000},
			{Key: "cam-b", Enabled: true, Width: 1000, Height: 1000},
			{Key: "cam-c", Enabled: true, Width: 1000, Height: 1000},
			{Key: "cam-d", Enabled: true},
		},
		Points: []TiePoint{
			{ID: 1, Valid: true, Observations: []Observation{
				pixelObs("cam-a", 50, 50),
				pixelObs("cam-a", 950, 50),
				pixelObs("cam-b", 0, 0),
			}},
			{ID: 2, Valid: true, Observations: []Observation{
				pixelObs("cam-a", 50, 950),
				pixelObs("cam-a", 950, 950),
				pixelObs("cam-d", 10, 10),
			}},
			{ID: 3, Valid: false, Observations: []Observation{
				pixelObs("cam-a", 500, 500),
			}},
		},
	}

	dists, err := ComputeDistribution(snap, 10)
	if err != nil {
		t.Fatalf("ComputeDistribution() error = %v", err)
	}
	if len(dists) != 4 {
		t.Fatalf("len(dists) = %d, want an entry per camera", len(dists))
	}

	a := dists["cam-a"]
	// The invalid point's observation does not count.
	if a.ObservationCount != 4 {
		t.Errorf("cam-a ObservationCount = %d, want 4", a.ObservationCount)
	}
	if !almostEqual(a.Coverage, 0.04) {
		t.Errorf("cam-a Coverage = %v, want 0.04", a.Coverage)
	}
	// Corners balance out so the centroid sits at the image center.
	if !almostEqual(a.CenterOffset, 0) {
		t.Errorf("cam-a CenterOffset = %v, want 0", a.CenterOffset)
	}
	wantBounds := orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{950, 950}}
	if !reflect.DeepEqual(a.Bounds, wantBounds) {
		t.Errorf("cam-a Bounds = %v, want %v", a.Bounds, wantBounds)
	}

	b := dists["cam-b"]
	if b.ObservationCount != 1 || !almostEqual(b.Coverage, 0.01) {
		t.Errorf("cam-b = %+v", b)
	}
	// A single observation in the corner sits a full half-diagonal out.
	if !almostEqual(b.CenterOffset, 1) {
		t.Errorf("cam-b CenterOffset = %v, want 1", b.CenterOffset)
	}

	c := dists["cam-c"]
	if c.ObservationCount != 0 || c.Coverage != 0 {
		t.Errorf("cam-c = %+v, want zero entry", c)
	}

	// Without image dimensions there are no cells to occupy.
	d := dists["cam-d"]
	if d.ObservationCount != 1 || d.Coverage != 0 || d.CenterOffset != 0 {
		t.Errorf("cam-d = %+v", d)
	}
}

func TestComputeDistributionDefaultGrid(t *testing.T) {
	snap := &ChunkSnapshot{
		Cameras: []Camera{{Key: "cam-a", Width: 1000, Height: 1000}},
		Points: []TiePoint{
			{ID: 1, Valid: true, Observations: []Observation{pixelObs("cam-a", 50, 50)}},
		},
	}

	dists, err := ComputeDistribution(snap, 0)
	if err != nil {
		t.Fatalf("ComputeDistribution() error = %v", err)
	}
	if got := dists["cam-a"].Coverage; !almostEqual(got, 0.01) {
		t.Errorf("Coverage = %v, want 0.01 on the default grid", got)
	}
}

func TestComputeDistributionErrors(t *testing.T) {
	if _, err := ComputeDistribution(nil, 10); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("nil snapshot error = %v, want ErrDataIntegrity", err)
	}

	snap := &ChunkSnapshot{
		Cameras: []Camera{{Key: "cam-a", Width: 100, Height: 100}},
		Points: []TiePoint{
			{ID: 7, Valid: true, Observations: []Observation{pixelObs("ghost", 1, 1)}},
		},
	}
	if _, err := ComputeDistribution(snap, 10); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("unknown camera error = %v, want ErrDataIntegrity", err)
	}
}

func TestWeakCameras(t *testing.T) {
	dists := map[string]CameraDistribution{
		"strong":    {CameraKey: "strong", ObservationCount: 200, Coverage: 0.5},
		"sparse":    {CameraKey: "sparse", ObservationCount: 50, Coverage: 0.9},
		"clustered": {CameraKey: "clustered", ObservationCount: 300, Coverage: 0.1},
		"empty":     {CameraKey: "empty"},
	}

	weak := WeakCameras(dists, DefaultMinObservations, DefaultMinCoverage)
	want := []string{"clustered", "empty", "sparse"}
	if !reflect.DeepEqual(weak, want) {
		t.Errorf("WeakCameras() = %v, want %v", weak, want)
	}

	if weak := WeakCameras(dists, 0, 0); len(weak) != 0 {
		t.Errorf("WeakCameras(0, 0) = %v, want none", weak)
	}
}
