package metashape

import "context"

// Host is the gateway into the photogrammetry application that owns the
// project. The pipeline only ever calls through these interfaces; it never
// holds live project objects.
type Host interface {
	// ListChunks enumerates the chunks of the open project.
	ListChunks(ctx context.Context) ([]ChunkInfo, error)
	// OpenChunk returns a service bound to one chunk by key.
	OpenChunk(ctx context.Context, key string) (ChunkService, error)
}

// ChunkService exposes the host operations the pipeline needs on a single
// chunk. Snapshot returns a point-in-time copy; all mutating calls go to
// the live project and may be arbitrarily slow. AlignCameras is blocking
// and is never cancelled once issued.
type ChunkService interface {
	Info() ChunkInfo
	Snapshot(ctx context.Context) (*ChunkSnapshot, error)
	AlignCameras(ctx context.Context, keys []string) error
	ResetAlignment(ctx context.Context, keys []string) error
	OptimizeCameras(ctx context.Context) error
	InvalidatePoints(ctx context.Context, ids []uint32) error
	SetCameraPose(ctx context.Context, key string, pose Matrix4) error
}

// MarkerService is implemented by hosts that support marker and reference
// editing. Callers type-assert from ChunkService.
type MarkerService interface {
	SetMarkerPixel(ctx context.Context, label, cameraKey string, x, y float64) error
	UpdateCameraReference(ctx context.Context, cameraKey string, location [3]float64, accuracy float64) error
}
