package metashape

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockHost implements Host for testing
type MockHost struct {
	chunks  map[string]*MockChunk
	listErr error
	openErr error
	mu      sync.RWMutex
}

// NewMockHost creates a mock host with no chunks
func NewMockHost() *MockHost {
	return &MockHost{
		chunks: make(map[string]*MockChunk),
	}
}

// AddChunk registers a chunk under its info key
func (h *MockHost) AddChunk(c *MockChunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks[c.info.Key] = c
}

// SetListError sets the error returned by ListChunks
func (h *MockHost) SetListError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listErr = err
}

// SetOpenError sets the error returned by OpenChunk
func (h *MockHost) SetOpenError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openErr = err
}

func (h *MockHost) ListChunks(ctx context.Context) ([]ChunkInfo, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.listErr != nil {
		return nil, h.listErr
	}

	infos := make([]ChunkInfo, 0, len(h.chunks))
	for _, c := range h.chunks {
		infos = append(infos, c.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (h *MockHost) OpenChunk(ctx context.Context, key string) (ChunkService, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.openErr != nil {
		return nil, h.openErr
	}

	c, ok := h.chunks[key]
	if !ok {
		return nil, fmt.Errorf("chunk %q not found: %w", key, ErrHostOperation)
	}
	return c, nil
}

// PoseCall records one SetCameraPose invocation
type PoseCall struct {
	CameraKey string
	Pose      Matrix4
}

// MarkerPixelCall records one SetMarkerPixel invocation
type MarkerPixelCall struct {
	Label     string
	CameraKey string
	X, Y      float64
}

// ReferenceCall records one UpdateCameraReference invocation
type ReferenceCall struct {
	CameraKey string
	Location  [3]float64
	Accuracy  float64
}

// MockChunk implements ChunkService and MarkerService for testing.
// Snapshots are served from a queue so tests script the state the host
// reports after each alignment round; the last queued snapshot repeats.
type MockChunk struct {
	info      ChunkInfo
	snapshots []*ChunkSnapshot

	snapshotErr   error
	alignErr      error
	alignErrLeft  int
	resetErr      error
	optimizeErr   error
	invalidateErr error
	poseErr       error
	markerErr     error

	alignCalls       [][]string
	resetCalls       [][]string
	optimizeCalls    int
	invalidateCalls  [][]uint32
	poseCalls        []PoseCall
	markerPixelCalls []MarkerPixelCall
	referenceCalls   []ReferenceCall

	mu sync.RWMutex
}

// NewMockChunk creates a mock chunk with the given key and label
func NewMockChunk(key, label string) *MockChunk {
	return &MockChunk{
		info: ChunkInfo{Key: key, Label: label},
	}
}

// QueueSnapshot appends a snapshot to the queue served by Snapshot
func (c *MockChunk) QueueSnapshot(s *ChunkSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
	c.info.CameraCount = len(s.Cameras)
	c.info.PointCount = len(s.Points)
}

// SetSnapshotError sets the error returned by Snapshot
func (c *MockChunk) SetSnapshotError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshotErr = err
}

// SetAlignError sets the error returned by AlignCameras
func (c *MockChunk) SetAlignError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alignErr = err
	c.alignErrLeft = 0
}

// FailAlignTimes makes the next n AlignCameras calls fail with err
func (c *MockChunk) FailAlignTimes(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alignErr = err
	c.alignErrLeft = n
}

// SetResetError sets the error returned by ResetAlignment
func (c *MockChunk) SetResetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetErr = err
}

// SetOptimizeError sets the error returned by OptimizeCameras
func (c *MockChunk) SetOptimizeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optimizeErr = err
}

// SetInvalidateError sets the error returned by InvalidatePoints
func (c *MockChunk) SetInvalidateError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateErr = err
}

// SetPoseError sets the error returned by SetCameraPose
func (c *MockChunk) SetPoseError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poseErr = err
}

// SetMarkerError sets the error returned by the marker operations
func (c *MockChunk) SetMarkerError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markerErr = err
}

// GetAlignCalls returns the camera key slices passed to AlignCameras
func (c *MockChunk) GetAlignCalls() [][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([][]string, len(c.alignCalls))
	copy(result, c.alignCalls)
	return result
}

// GetResetCalls returns the camera key slices passed to ResetAlignment
func (c *MockChunk) GetResetCalls() [][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([][]string, len(c.resetCalls))
	copy(result, c.resetCalls)
	return result
}

// GetOptimizeCalls returns the number of OptimizeCameras invocations
func (c *MockChunk) GetOptimizeCalls() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.optimizeCalls
}

// GetInvalidateCalls returns the point id slices passed to InvalidatePoints
func (c *MockChunk) GetInvalidateCalls() [][]uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([][]uint32, len(c.invalidateCalls))
	copy(result, c.invalidateCalls)
	return result
}

// GetPoseCalls returns all recorded SetCameraPose invocations
func (c *MockChunk) GetPoseCalls() []PoseCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]PoseCall, len(c.poseCalls))
	copy(result, c.poseCalls)
	return result
}

// GetMarkerPixelCalls returns all recorded SetMarkerPixel invocations
func (c *MockChunk) GetMarkerPixelCalls() []MarkerPixelCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]MarkerPixelCall, len(c.markerPixelCalls))
	copy(result, c.markerPixelCalls)
	return result
}

// GetReferenceCalls returns all recorded UpdateCameraReference invocations
func (c *MockChunk) GetReferenceCalls() []ReferenceCall {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]ReferenceCall, len(c.referenceCalls))
	copy(result, c.referenceCalls)
	return result
}

func (c *MockChunk) Info() ChunkInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *MockChunk) Snapshot(ctx context.Context) (*ChunkSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshotErr != nil {
		return nil, c.snapshotErr
	}
	if len(c.snapshots) == 0 {
		return nil, fmt.Errorf("no snapshot queued for chunk %q: %w", c.info.Key, ErrHostOperation)
	}

	head := c.snapshots[0]
	if len(c.snapshots) > 1 {
		c.snapshots = c.snapshots[1:]
	}
	return head, nil
}

func (c *MockChunk) AlignCameras(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	recorded := make([]string, len(keys))
	copy(recorded, keys)
	c.alignCalls = append(c.alignCalls, recorded)

	if c.alignErr != nil {
		if c.alignErrLeft == 0 {
			return c.alignErr
		}
		c.alignErrLeft--
		err := c.alignErr
		if c.alignErrLeft == 0 {
			c.alignErr = nil
		}
		return err
	}
	return nil
}

func (c *MockChunk) ResetAlignment(ctx context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	recorded := make([]string, len(keys))
	copy(recorded, keys)
	c.resetCalls = append(c.resetCalls, recorded)

	return c.resetErr
}

func (c *MockChunk) OptimizeCameras(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optimizeCalls++
	return c.optimizeErr
}

func (c *MockChunk) InvalidatePoints(ctx context.Context, ids []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	recorded := make([]uint32, len(ids))
	copy(recorded, ids)
	c.invalidateCalls = append(c.invalidateCalls, recorded)

	return c.invalidateErr
}

func (c *MockChunk) SetCameraPose(ctx context.Context, cameraKey string, pose Matrix4) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poseErr != nil {
		return c.poseErr
	}
	c.poseCalls = append(c.poseCalls, PoseCall{CameraKey: cameraKey, Pose: pose})
	return nil
}

func (c *MockChunk) SetMarkerPixel(ctx context.Context, label, cameraKey string, x, y float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.markerErr != nil {
		return c.markerErr
	}
	c.markerPixelCalls = append(c.markerPixelCalls, MarkerPixelCall{
		Label:     label,
		CameraKey: cameraKey,
		X:         x,
		Y:         y,
	})
	return nil
}

func (c *MockChunk) UpdateCameraReference(ctx context.Context, cameraKey string, location [3]float64, accuracy float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.markerErr != nil {
		return c.markerErr
	}
	c.referenceCalls = append(c.referenceCalls, ReferenceCall{
		CameraKey: cameraKey,
		Location:  location,
		Accuracy:  accuracy,
	})
	return nil
}
