package metashape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBridgeTimeout is the default HTTP request timeout for bridge calls.
	DefaultBridgeTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for reads.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// BridgeOption configures BridgeClient behavior.
type BridgeOption func(*bridgeConfig)

type bridgeConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultBridgeConfig() bridgeConfig {
	return bridgeConfig{
		timeout:     DefaultBridgeTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) BridgeOption {
	return func(c *bridgeConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts for reads.
func WithMaxRetries(n int) BridgeOption {
	return func(c *bridgeConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) BridgeOption {
	return func(c *bridgeConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) BridgeOption {
	return func(c *bridgeConfig) {
		c.client = client
	}
}

// BridgeClient talks to the host application's embedded bridge service over
// HTTP. Reads are retried with exponential backoff; mutations run exactly
// once because the host does not guarantee they are idempotent.
type BridgeClient struct {
	baseURL string
	cfg     bridgeConfig
	client  *http.Client
}

// NewBridgeClient creates a client for the bridge at baseURL,
// e.g. "http://localhost:5080".
func NewBridgeClient(baseURL string, opts ...BridgeOption) (*BridgeClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("bridge: base URL is empty: %w", ErrConfiguration)
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("bridge: invalid base URL %q: %w", baseURL, ErrConfiguration)
	}

	cfg := defaultBridgeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		client:  client,
	}, nil
}

type chunkInfoDTO struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	CameraCount int    `json:"cameraCount"`
	PointCount  int    `json:"pointCount"`
}

func (d chunkInfoDTO) toInfo() ChunkInfo {
	return ChunkInfo{
		Key:         d.Key,
		Label:       d.Label,
		CameraCount: d.CameraCount,
		PointCount:  d.PointCount,
	}
}

// ListChunks returns all chunks in the host's open project.
func (b *BridgeClient) ListChunks(ctx context.Context) ([]ChunkInfo, error) {
	body, err := b.getWithRetry(ctx, "/api/chunks")
	if err != nil {
		return nil, err
	}
	var dtos []chunkInfoDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("bridge: parsing chunk list: %w", err)
	}
	infos := make([]ChunkInfo, 0, len(dtos))
	for _, d := range dtos {
		infos = append(infos, d.toInfo())
	}
	return infos, nil
}

// OpenChunk binds a service to one chunk, verifying it exists.
func (b *BridgeClient) OpenChunk(ctx context.Context, key string) (ChunkService, error) {
	if key == "" {
		return nil, fmt.Errorf("bridge: chunk key is empty: %w", ErrConfiguration)
	}
	body, err := b.getWithRetry(ctx, "/api/chunks/"+url.PathEscape(key))
	if err != nil {
		return nil, err
	}
	var dto chunkInfoDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("bridge: parsing chunk info: %w", err)
	}
	return &bridgeChunk{client: b, key: key, info: dto.toInfo()}, nil
}

// bridgeChunk is a ChunkService bound to one chunk key. It also implements
// MarkerService.
type bridgeChunk struct {
	client *BridgeClient
	key    string
	info   ChunkInfo
}

func (c *bridgeChunk) path(suffix string) string {
	return "/api/chunks/" + url.PathEscape(c.key) + suffix
}

// Info returns the chunk metadata captured when the chunk was opened.
func (c *bridgeChunk) Info() ChunkInfo {
	return c.info
}

func (c *bridgeChunk) Snapshot(ctx context.Context) (*ChunkSnapshot, error) {
	body, err := c.client.getWithRetry(ctx, c.path("/snapshot"))
	if err != nil {
		return nil, err
	}
	snap, err := ParseSnapshotJSON(body)
	if err != nil {
		// Malformed snapshots are not transient; surface them as data errors.
		return nil, fmt.Errorf("bridge: %w", err)
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	return snap, nil
}

func (c *bridgeChunk) AlignCameras(ctx context.Context, keys []string) error {
	return c.client.post(ctx, c.path("/align"), map[string]any{"cameras": keys})
}

func (c *bridgeChunk) ResetAlignment(ctx context.Context, keys []string) error {
	return c.client.post(ctx, c.path("/reset"), map[string]any{"cameras": keys})
}

func (c *bridgeChunk) OptimizeCameras(ctx context.Context) error {
	return c.client.post(ctx, c.path("/optimize"), nil)
}

func (c *bridgeChunk) InvalidatePoints(ctx context.Context, ids []uint32) error {
	return c.client.post(ctx, c.path("/invalidate"), map[string]any{"points": ids})
}

func (c *bridgeChunk) SetCameraPose(ctx context.Context, cameraKey string, pose Matrix4) error {
	return c.client.put(ctx, c.path("/cameras/"+url.PathEscape(cameraKey)+"/pose"),
		map[string]any{"transform": pose[:]})
}

func (c *bridgeChunk) SetMarkerPixel(ctx context.Context, label, cameraKey string, x, y float64) error {
	return c.client.put(ctx, c.path("/markers/"+url.PathEscape(label)+"/pixel"),
		map[string]any{"camera": cameraKey, "pixel": []float64{x, y}})
}

func (c *bridgeChunk) UpdateCameraReference(ctx context.Context, cameraKey string, location [3]float64, accuracy float64) error {
	payload := map[string]any{"location": location[:]}
	if accuracy > 0 {
		payload["accuracy"] = accuracy
	}
	return c.client.put(ctx, c.path("/cameras/"+url.PathEscape(cameraKey)+"/reference"), payload)
}

// getWithRetry performs a GET with exponential backoff on transient failures.
func (b *BridgeClient) getWithRetry(ctx context.Context, path string) ([]byte, error) {
	retries := b.cfg.maxRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := range retries {
		if attempt > 0 {
			backoff := b.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, err := b.doGet(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Printf("[BRIDGE] GET %s attempt %d/%d failed: %v", path, attempt+1, retries, err)
			continue
		}
		return body, nil
	}

	return nil, fmt.Errorf("bridge: all %d attempts failed: %v: %w", retries, lastErr, ErrHostOperation)
}

func (b *BridgeClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", path, err)
	}

	return body, nil
}

func (b *BridgeClient) post(ctx context.Context, path string, payload any) error {
	return b.send(ctx, http.MethodPost, path, payload)
}

func (b *BridgeClient) put(ctx context.Context, path string, payload any) error {
	return b.send(ctx, http.MethodPut, path, payload)
}

// send performs a single mutation request. Mutations are never retried.
func (b *BridgeClient) send(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bridge: marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("bridge: creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("bridge: %s %s: %v: %w", method, path, err, ErrHostOperation)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bridge: %s %s: status %d: %w", method, path, resp.StatusCode, ErrHostOperation)
	}
	return nil
}
