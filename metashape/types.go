package metashape

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"
)

func vec3(x, y, z float64) r3.Vec {
	return r3.Vec{X: x, Y: y, Z: z}
}

// Observation is one image measurement of a tie point: the camera that saw
// it, the pixel it was seen at, and the reprojection residual the host's
// solver reported for that measurement, in pixels.
type Observation struct {
	CameraKey string
	Pixel     orb.Point
	Residual  float64
}

// TiePoint is a triangulated 3-D point with its image observations.
// Position is in chunk-local coordinates. Uncertainty is the host-supplied
// confidence scalar for the triangulated position, in world units.
// Valid is the selection flag the host honors when deleting points; the
// pipeline clears it for points it wants removed and never touches the
// geometry itself.
type TiePoint struct {
	ID           uint32
	Position     r3.Vec
	Uncertainty  float64
	Valid        bool
	Observations []Observation
}

// Camera is one image of a chunk. A camera is either fully aligned
// (Transform set) or fully unaligned (Transform nil); there is no partial
// pose. Label is the cross-chunk correspondence key, Group the acquisition
// batch or folder the image came from.
type Camera struct {
	Key       string
	Label     string
	Group     string
	Enabled   bool
	Width     int
	Height    int
	Transform *Matrix4
}

// Aligned reports whether the host solved a pose for this camera.
func (c Camera) Aligned() bool { return c.Transform != nil }

// Center returns the camera's projection center in chunk coordinates.
// Zero vector for unaligned cameras.
func (c Camera) Center() r3.Vec {
	if c.Transform == nil {
		return r3.Vec{}
	}
	return c.Transform.Translation()
}

// MarkerProjection pins a marker to a pixel in one image.
type MarkerProjection struct {
	CameraKey string
	Pixel     orb.Point
}

// Marker is a named control or check point with optional triangulated
// position and its pixel projections.
type Marker struct {
	Label       string
	Position    r3.Vec
	HasPosition bool
	Projections []MarkerProjection
}

// Box is an axis-aligned volume in chunk coordinates.
type Box struct {
	Min r3.Vec
	Max r3.Vec
}

// Valid reports whether the box has non-negative extent on every axis.
func (b Box) Valid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Contains reports whether p lies inside the box, boundary included.
func (b Box) Contains(p r3.Vec) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Region is the host's oriented reconstruction region: an axis-aligned box
// of the given size around Center, rotated by Rotation in chunk coordinates.
type Region struct {
	Center   r3.Vec
	Size     r3.Vec
	Rotation Matrix3
}

// Contains reports whether p lies inside the region. The point is moved
// into the region frame first, then compared against the half sizes.
func (r Region) Contains(p r3.Vec) bool {
	v := r.Rotation.Transposed().Apply(r3.Sub(p, r.Center))
	return math.Abs(v.X) <= r.Size.X/2 &&
		math.Abs(v.Y) <= r.Size.Y/2 &&
		math.Abs(v.Z) <= r.Size.Z/2
}

// ChunkInfo identifies a chunk without loading it.
type ChunkInfo struct {
	Key         string
	Label       string
	CameraCount int
	PointCount  int
}

// ChunkSnapshot is a point-in-time copy of one chunk's state. The pipeline
// computes over snapshots only; the host may mutate the live project at any
// time, so a snapshot is never re-read mid-computation.
type ChunkSnapshot struct {
	Label   string
	World   Matrix4 // chunk-local to world, similarity
	Region  Region
	Cameras []Camera
	Points  []TiePoint
	Markers []Marker
	TakenAt time.Time
}

// Camera returns the camera with the given key.
func (s *ChunkSnapshot) Camera(key string) (Camera, bool) {
	for _, c := range s.Cameras {
		if c.Key == key {
			return c, true
		}
	}
	return Camera{}, false
}

// CameraByLabel returns the first camera with the given label.
func (s *ChunkSnapshot) CameraByLabel(label string) (Camera, bool) {
	for _, c := range s.Cameras {
		if c.Label == label {
			return c, true
		}
	}
	return Camera{}, false
}

// AlignedCameraKeys returns the keys of all aligned cameras, sorted.
func (s *ChunkSnapshot) AlignedCameraKeys() []string {
	var keys []string
	for _, c := range s.Cameras {
		if c.Aligned() {
			keys = append(keys, c.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// UnalignedCameraKeys returns the keys of all enabled cameras the host has
// not aligned, sorted.
func (s *ChunkSnapshot) UnalignedCameraKeys() []string {
	var keys []string
	for _, c := range s.Cameras {
		if c.Enabled && !c.Aligned() {
			keys = append(keys, c.Key)
		}
	}
	sort.Strings(keys)
	return keys
}

// ValidPoints returns the tie points whose selection flag is still set.
func (s *ChunkSnapshot) ValidPoints() []TiePoint {
	var pts []TiePoint
	for _, p := range s.Points {
		if p.Valid {
			pts = append(pts, p)
		}
	}
	return pts
}

// CameraBatch is an ordered group of cameras added to the working set in
// one incremental alignment step. Batches partition the camera set: a
// camera never appears in two batches.
type CameraBatch struct {
	Name    string
	Cameras []string
}
