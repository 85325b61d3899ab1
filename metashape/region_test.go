package metashape

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestBoxValid(t *testing.T) {
	if !(Box{Min: vec3(-1, -1, -1), Max: vec3(1, 1, 1)}).Valid() {
		t.Error("well-formed box reported invalid")
	}
	if !(Box{Min: vec3(1, 1, 1), Max: vec3(1, 1, 1)}).Valid() {
		t.Error("zero-extent box reported invalid")
	}
	if (Box{Min: vec3(1, 0, 0), Max: vec3(-1, 1, 1)}).Valid() {
		t.Error("inverted box reported valid")
	}
}

func TestBoxContains(t *testing.T) {
	box := Box{Min: vec3(0, 0, 0), Max: vec3(10, 20, 30)}

	tests := []struct {
		name string
		p    r3.Vec
		want bool
	}{
		{name: "interior", p: vec3(5, 5, 5), want: true},
		{name: "min corner", p: vec3(0, 0, 0), want: true},
		{name: "max corner", p: vec3(10, 20, 30), want: true},
		{name: "outside x", p: vec3(10.5, 5, 5), want: false},
		{name: "outside y", p: vec3(5, -0.5, 5), want: false},
		{name: "outside z", p: vec3(5, 5, 30.5), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := box.Contains(tt.p); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestRegionContains(t *testing.T) {
	t.Run("axis aligned", func(t *testing.T) {
		region := Region{Center: vec3(0, 0, 0), Size: vec3(2, 4, 6), Rotation: Identity3()}
		if !region.Contains(vec3(1, 2, 3)) {
			t.Error("boundary point reported outside")
		}
		if region.Contains(vec3(1.1, 0, 0)) {
			t.Error("point past the x extent reported inside")
		}
	})

	t.Run("rotated", func(t *testing.T) {
		// Quarter turn about Z: the long y extent now runs along world x.
		region := Region{
			Center: vec3(0, 0, 0),
			Size:   vec3(2, 10, 2),
			Rotation: Matrix3{
				0, -1, 0,
				1, 0, 0,
				0, 0, 1,
			},
		}
		if !region.Contains(vec3(4, 0, 0)) {
			t.Error("point along the rotated long axis reported outside")
		}
		if region.Contains(vec3(0, 4, 0)) {
			t.Error("point along the rotated short axis reported inside")
		}
	})
}

func TestFitRegionToPoints(t *testing.T) {
	points := []TiePoint{
		{ID: 1, Valid: true, Position: vec3(0, 0, 0)},
		{ID: 2, Valid: true, Position: vec3(10, 20, 30)},
		{ID: 3, Valid: false, Position: vec3(500, 500, 500)},
	}

	region := Region{Center: vec3(99, 99, 99), Size: vec3(1, 1, 1), Rotation: Identity3()}
	fitted, err := FitRegionToPoints(region, points, 0.5)
	if err != nil {
		t.Fatalf("FitRegionToPoints() error = %v", err)
	}
	if !vecsEqual(fitted.Center, vec3(5, 10, 15)) {
		t.Errorf("Center = %v, want (5, 10, 15)", fitted.Center)
	}
	if !vecsEqual(fitted.Size, vec3(15, 30, 45)) {
		t.Errorf("Size = %v, want extents grown by half", fitted.Size)
	}
	if fitted.Rotation != Identity3() {
		t.Errorf("Rotation = %v, want preserved", fitted.Rotation)
	}
}

func TestFitRegionToPointsRotated(t *testing.T) {
	// Extents are measured in the rotated frame, not the world frame.
	region := Region{
		Rotation: Matrix3{
			0, -1, 0,
			1, 0, 0,
			0, 0, 1,
		},
	}
	points := []TiePoint{
		{ID: 1, Valid: true, Position: vec3(0, 0, 0)},
		{ID: 2, Valid: true, Position: vec3(8, 2, 0)},
	}

	fitted, err := FitRegionToPoints(region, points, 0)
	if err != nil {
		t.Fatalf("FitRegionToPoints() error = %v", err)
	}
	if !vecsEqual(fitted.Size, vec3(2, 8, 0)) {
		t.Errorf("Size = %v, want (2, 8, 0)", fitted.Size)
	}
	if !vecsEqual(fitted.Center, vec3(4, 1, 0)) {
		t.Errorf("Center = %v, want (4, 1, 0)", fitted.Center)
	}
}

func TestFitRegionToPointsErrors(t *testing.T) {
	region := Region{Rotation: Identity3()}
	valid := []TiePoint{{ID: 1, Valid: true}}

	if _, err := FitRegionToPoints(region, valid, -0.1); !errors.Is(err, ErrConfiguration) {
		t.Errorf("negative margin error = %v, want ErrConfiguration", err)
	}
	if _, err := FitRegionToPoints(region, []TiePoint{{ID: 1, Valid: false}}, 0.1); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("no valid points error = %v, want ErrDataIntegrity", err)
	}
}
