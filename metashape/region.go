package metashape

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// FitRegionToPoints recomputes the chunk region so it encloses the given
// points with a relative margin, keeping the region's current rotation.
// margin 0.1 grows each extent by 10 percent. Points are chunk-local; the
// extents are measured in the rotated region frame.
func FitRegionToPoints(region Region, points []TiePoint, margin float64) (Region, error) {
	if margin < 0 {
		return Region{}, fmt.Errorf("region margin must not be negative: %w", ErrConfiguration)
	}

	count := 0
	minV := vec3(math.MaxFloat64, math.MaxFloat64, math.MaxFloat64)
	maxV := vec3(-math.MaxFloat64, -math.MaxFloat64, -math.MaxFloat64)
	rt := region.Rotation.Transposed()
	for _, pt := range points {
		if !pt.Valid {
			continue
		}
		count++
		v := rt.Apply(pt.Position)
		minV = r3.Vec{X: math.Min(minV.X, v.X), Y: math.Min(minV.Y, v.Y), Z: math.Min(minV.Z, v.Z)}
		maxV = r3.Vec{X: math.Max(maxV.X, v.X), Y: math.Max(maxV.Y, v.Y), Z: math.Max(maxV.Z, v.Z)}
	}
	if count == 0 {
		return Region{}, fmt.Errorf("no valid points to fit region to: %w", ErrDataIntegrity)
	}

	mid := r3.Scale(0.5, r3.Add(minV, maxV))
	extent := r3.Sub(maxV, minV)

	fitted := Region{
		Center:   region.Rotation.Apply(mid),
		Size:     r3.Scale(1+margin, extent),
		Rotation: region.Rotation,
	}
	return fitted, nil
}
