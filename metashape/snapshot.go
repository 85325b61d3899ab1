package metashape

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/r3"
)

// snapshotVersion is the chunk snapshot interchange format version.
const snapshotVersion = 1

type snapshotDTO struct {
	Version int         `json:"version"`
	Label   string      `json:"label"`
	TakenAt time.Time   `json:"takenAt,omitempty"`
	World   []float64   `json:"world,omitempty"`
	Region  *regionDTO  `json:"region,omitempty"`
	Cameras []cameraDTO `json:"cameras"`
	Points  []pointDTO  `json:"points"`
	Markers []markerDTO `json:"markers,omitempty"`
}

type regionDTO struct {
	Center   []float64 `json:"center"`
	Size     []float64 `json:"size"`
	Rotation []float64 `json:"rotation,omitempty"`
}

type cameraDTO struct {
	Key       string    `json:"key"`
	Label     string    `json:"label"`
	Group     string    `json:"group,omitempty"`
	Enabled   bool      `json:"enabled"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Transform []float64 `json:"transform,omitempty"`
}

type pointDTO struct {
	ID           uint32           `json:"id"`
	Position     []float64        `json:"position"`
	Uncertainty  *float64         `json:"uncertainty,omitempty"`
	Covariance   []float64        `json:"covariance,omitempty"`
	Valid        bool             `json:"valid"`
	Observations []observationDTO `json:"observations"`
}

type observationDTO struct {
	Camera   string    `json:"camera"`
	Pixel    []float64 `json:"pixel"`
	Residual float64   `json:"residual"`
}

type markerDTO struct {
	Label       string           `json:"label"`
	Position    []float64        `json:"position,omitempty"`
	Projections []observationDTO `json:"projections,omitempty"`
}

// ParseSnapshotFile reads and parses a chunk snapshot JSON file.
func ParseSnapshotFile(path string) (*ChunkSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return ParseSnapshotJSON(data)
}

// ParseSnapshotJSON parses and validates chunk snapshot JSON. Structural
// problems (unknown version, duplicate ids, malformed vectors) fail with
// ErrDataIntegrity.
func ParseSnapshotJSON(data []byte) (*ChunkSnapshot, error) {
	var dto snapshotDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("parsing snapshot JSON: %w", err)
	}
	if dto.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d, want %d: %w", dto.Version, snapshotVersion, ErrDataIntegrity)
	}
	if dto.Label == "" {
		return nil, fmt.Errorf("snapshot has no chunk label: %w", ErrDataIntegrity)
	}
	if len(dto.Cameras) == 0 {
		return nil, fmt.Errorf("snapshot has no cameras: %w", ErrDataIntegrity)
	}

	snap := &ChunkSnapshot{
		Label:   dto.Label,
		World:   Identity4(),
		TakenAt: dto.TakenAt,
	}
	if dto.World != nil {
		m, err := matrix4FromSlice(dto.World)
		if err != nil {
			return nil, fmt.Errorf("world transform: %w", err)
		}
		snap.World = m
	}
	if dto.Region != nil {
		region, err := regionFromDTO(*dto.Region)
		if err != nil {
			return nil, err
		}
		snap.Region = region
	} else {
		snap.Region.Rotation = Identity3()
	}

	keys := make(map[string]bool, len(dto.Cameras))
	for _, c := range dto.Cameras {
		if c.Key == "" {
			return nil, fmt.Errorf("camera with empty key: %w", ErrDataIntegrity)
		}
		if keys[c.Key] {
			return nil, fmt.Errorf("camera key %q duplicated: %w", c.Key, ErrDataIntegrity)
		}
		keys[c.Key] = true

		cam := Camera{
			Key:     c.Key,
			Label:   c.Label,
			Group:   c.Group,
			Enabled: c.Enabled,
			Width:   c.Width,
			Height:  c.Height,
		}
		if cam.Label == "" {
			cam.Label = c.Key
		}
		if c.Transform != nil {
			m, err := matrix4FromSlice(c.Transform)
			if err != nil {
				return nil, fmt.Errorf("camera %q transform: %w", c.Key, err)
			}
			cam.Transform = &m
		}
		snap.Cameras = append(snap.Cameras, cam)
	}

	ids := make(map[uint32]bool, len(dto.Points))
	for _, p := range dto.Points {
		if ids[p.ID] {
			return nil, fmt.Errorf("point id %d duplicated: %w", p.ID, ErrDataIntegrity)
		}
		ids[p.ID] = true

		pos, err := vecFromSlice(p.Position)
		if err != nil {
			return nil, fmt.Errorf("point %d position: %w", p.ID, err)
		}
		pt := TiePoint{ID: p.ID, Position: pos, Valid: p.Valid}
		switch {
		case p.Uncertainty != nil:
			pt.Uncertainty = *p.Uncertainty
		case p.Covariance != nil:
			cov, err := matrix3FromSlice(p.Covariance)
			if err != nil {
				return nil, fmt.Errorf("point %d covariance: %w", p.ID, err)
			}
			pt.Uncertainty = UncertaintyFromCovariance(cov, snap.World)
		}
		for _, ob := range p.Observations {
			if ob.Camera == "" || !keys[ob.Camera] {
				return nil, fmt.Errorf("point %d observed by unknown camera %q: %w", p.ID, ob.Camera, ErrDataIntegrity)
			}
			px, err := pixelFromSlice(ob.Pixel)
			if err != nil {
				return nil, fmt.Errorf("point %d observation: %w", p.ID, err)
			}
			pt.Observations = append(pt.Observations, Observation{
				CameraKey: ob.Camera,
				Pixel:     px,
				Residual:  ob.Residual,
			})
		}
		snap.Points = append(snap.Points, pt)
	}

	for _, m := range dto.Markers {
		if m.Label == "" {
			return nil, fmt.Errorf("marker with empty label: %w", ErrDataIntegrity)
		}
		marker := Marker{Label: m.Label}
		if m.Position != nil {
			pos, err := vecFromSlice(m.Position)
			if err != nil {
				return nil, fmt.Errorf("marker %q position: %w", m.Label, err)
			}
			marker.Position = pos
			marker.HasPosition = true
		}
		for _, pr := range m.Projections {
			px, err := pixelFromSlice(pr.Pixel)
			if err != nil {
				return nil, fmt.Errorf("marker %q projection: %w", m.Label, err)
			}
			marker.Projections = append(marker.Projections, MarkerProjection{
				CameraKey: pr.Camera,
				Pixel:     px,
			})
		}
		snap.Markers = append(snap.Markers, marker)
	}

	return snap, nil
}

// SnapshotToJSON serializes a chunk snapshot in the interchange format.
func SnapshotToJSON(s *ChunkSnapshot) ([]byte, error) {
	dto := snapshotDTO{
		Version: snapshotVersion,
		Label:   s.Label,
		TakenAt: s.TakenAt,
		World:   s.World[:],
		Region: &regionDTO{
			Center:   []float64{s.Region.Center.X, s.Region.Center.Y, s.Region.Center.Z},
			Size:     []float64{s.Region.Size.X, s.Region.Size.Y, s.Region.Size.Z},
			Rotation: s.Region.Rotation[:],
		},
	}
	for _, c := range s.Cameras {
		cd := cameraDTO{
			Key:     c.Key,
			Label:   c.Label,
			Group:   c.Group,
			Enabled: c.Enabled,
			Width:   c.Width,
			Height:  c.Height,
		}
		if c.Transform != nil {
			cd.Transform = c.Transform[:]
		}
		dto.Cameras = append(dto.Cameras, cd)
	}
	for _, p := range s.Points {
		u := p.Uncertainty
		pd := pointDTO{
			ID:          p.ID,
			Position:    []float64{p.Position.X, p.Position.Y, p.Position.Z},
			Uncertainty: &u,
			Valid:       p.Valid,
		}
		for _, ob := range p.Observations {
			pd.Observations = append(pd.Observations, observationDTO{
				Camera:   ob.CameraKey,
				Pixel:    []float64{ob.Pixel.X(), ob.Pixel.Y()},
				Residual: ob.Residual,
			})
		}
		dto.Points = append(dto.Points, pd)
	}
	for _, m := range s.Markers {
		md := markerDTO{Label: m.Label}
		if m.HasPosition {
			md.Position = []float64{m.Position.X, m.Position.Y, m.Position.Z}
		}
		for _, pr := range m.Projections {
			md.Projections = append(md.Projections, observationDTO{
				Camera: pr.CameraKey,
				Pixel:  []float64{pr.Pixel.X(), pr.Pixel.Y()},
			})
		}
		dto.Markers = append(dto.Markers, md)
	}
	return json.MarshalIndent(dto, "", "  ")
}

// WriteSnapshotFile saves a snapshot, replacing the target atomically.
func WriteSnapshotFile(path string, s *ChunkSnapshot) error {
	data, err := SnapshotToJSON(s)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// UncertaintyFromCovariance reduces a tie-point covariance to the scalar
// the filter thresholds on: the square root of the covariance trace after
// moving it into world coordinates with the chunk transform's linear block.
func UncertaintyFromCovariance(cov Matrix3, world Matrix4) float64 {
	l := world.Linear()
	m := l.Mul(cov).Mul(l.Transposed())
	trace := m[0] + m[4] + m[8]
	if trace < 0 {
		return 0
	}
	return math.Sqrt(trace)
}

func vecFromSlice(v []float64) (r3.Vec, error) {
	if len(v) != 3 {
		return r3.Vec{}, fmt.Errorf("vector needs 3 components, got %d: %w", len(v), ErrDataIntegrity)
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

func pixelFromSlice(v []float64) (orb.Point, error) {
	if len(v) != 2 {
		return orb.Point{}, fmt.Errorf("pixel needs 2 components, got %d: %w", len(v), ErrDataIntegrity)
	}
	return orb.Point{v[0], v[1]}, nil
}

func matrix3FromSlice(v []float64) (Matrix3, error) {
	if len(v) != 9 {
		return Matrix3{}, fmt.Errorf("matrix needs 9 components, got %d: %w", len(v), ErrDataIntegrity)
	}
	var m Matrix3
	copy(m[:], v)
	return m, nil
}

func matrix4FromSlice(v []float64) (Matrix4, error) {
	if len(v) != 16 {
		return Matrix4{}, fmt.Errorf("matrix needs 16 components, got %d: %w", len(v), ErrDataIntegrity)
	}
	var m Matrix4
	copy(m[:], v)
	return m, nil
}

func regionFromDTO(dto regionDTO) (Region, error) {
	center, err := vecFromSlice(dto.Center)
	if err != nil {
		return Region{}, fmt.Errorf("region center: %w", err)
	}
	size, err := vecFromSlice(dto.Size)
	if err != nil {
		return Region{}, fmt.Errorf("region size: %w", err)
	}
	region := Region{Center: center, Size: size, Rotation: Identity3()}
	if dto.Rotation != nil {
		rot, err := matrix3FromSlice(dto.Rotation)
		if err != nil {
			return Region{}, fmt.Errorf("region rotation: %w", err)
		}
		region.Rotation = rot
	}
	return region, nil
}

// writeFileAtomic writes data to a temp file in the destination directory
// and renames it over the target.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
