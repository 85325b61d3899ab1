package metashape

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func newBridgeClientForTest(t *testing.T, handler http.Handler, opts ...BridgeOption) *BridgeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]BridgeOption{WithBaseBackoff(time.Millisecond)}, opts...)
	client, err := NewBridgeClient(srv.URL, opts...)
	if err != nil {
		t.Fatalf("NewBridgeClient() error = %v", err)
	}
	return client
}

func TestNewBridgeClientValidation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "empty url", url: ""},
		{name: "no scheme", url: "localhost:5080"},
		{name: "garbage", url: "://nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridgeClient(tt.url); !errors.Is(err, ErrConfiguration) {
				t.Errorf("NewBridgeClient(%q) error = %v, want ErrConfiguration", tt.url, err)
			}
		})
	}
}

func TestBridgeListChunks(t *testing.T) {
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chunks" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[
			{"key": "c1", "label": "Facade", "cameraCount": 12, "pointCount": 900},
			{"key": "c2", "label": "Roof", "cameraCount": 4, "pointCount": 120}
		]`))
	}))

	infos, err := client.ListChunks(context.Background())
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d, want 2", len(infos))
	}
	want := ChunkInfo{Key: "c1", Label: "Facade", CameraCount: 12, PointCount: 900}
	if infos[0] != want {
		t.Errorf("infos[0] = %+v, want %+v", infos[0], want)
	}
}

func TestBridgeOpenChunk(t *testing.T) {
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chunks/survey" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"key": "survey", "label": "Survey", "cameraCount": 3, "pointCount": 40}`))
	}))

	chunk, err := client.OpenChunk(context.Background(), "survey")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	info := chunk.Info()
	if info.Key != "survey" || info.Label != "Survey" || info.CameraCount != 3 {
		t.Errorf("Info() = %+v", info)
	}
}

func TestBridgeOpenChunkEmptyKey(t *testing.T) {
	client := newBridgeClientForTest(t, http.NotFoundHandler())
	if _, err := client.OpenChunk(context.Background(), ""); !errors.Is(err, ErrConfiguration) {
		t.Errorf("OpenChunk(\"\") error = %v, want ErrConfiguration", err)
	}
}

func TestBridgeSnapshot(t *testing.T) {
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chunks/survey":
			_, _ = w.Write([]byte(`{"key": "survey", "label": "Survey"}`))
		case "/api/chunks/survey/snapshot":
			_, _ = w.Write([]byte(sampleSnapshotJSON))
		default:
			http.NotFound(w, r)
		}
	}))

	chunk, err := client.OpenChunk(context.Background(), "survey")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	snap, err := chunk.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Label != "Facade North" {
		t.Errorf("Label = %q", snap.Label)
	}
	if snap.TakenAt.IsZero() {
		t.Error("TakenAt not stamped on snapshots without a timestamp")
	}
}

func TestBridgeSnapshotRejectsMalformed(t *testing.T) {
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version": 99}`))
	}))

	chunk, err := client.OpenChunk(context.Background(), "survey")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	if _, err := chunk.Snapshot(context.Background()); !errors.Is(err, ErrDataIntegrity) {
		t.Errorf("Snapshot() error = %v, want ErrDataIntegrity", err)
	}
}

func TestBridgeReadRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))

	if _, err := client.ListChunks(context.Background()); err != nil {
		t.Fatalf("ListChunks() error = %v, want success on third attempt", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestBridgeReadRetryExhaustion(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "down", http.StatusInternalServerError)
	}), WithMaxRetries(2))

	_, err := client.ListChunks(context.Background())
	if !errors.Is(err, ErrHostOperation) {
		t.Errorf("ListChunks() error = %v, want ErrHostOperation", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestBridgeMutationsRunOnce(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"key": "survey"}`))
			return
		}
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "conflict", http.StatusConflict)
	}))

	chunk, err := client.OpenChunk(context.Background(), "survey")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	if err := chunk.AlignCameras(context.Background(), []string{"c1"}); !errors.Is(err, ErrHostOperation) {
		t.Errorf("AlignCameras() error = %v, want ErrHostOperation", err)
	}
	// A failed mutation must not be replayed.
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestBridgeMutationRequests(t *testing.T) {
	type recorded struct {
		method      string
		path        string
		contentType string
		body        map[string]any
	}

	var mu sync.Mutex
	var calls []recorded
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"key": "survey"}`))
			return
		}
		rec := recorded{method: r.Method, path: r.URL.Path, contentType: r.Header.Get("Content-Type")}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&rec.body); err != nil {
				t.Errorf("decoding %s %s body: %v", r.Method, r.URL.Path, err)
			}
		}
		mu.Lock()
		calls = append(calls, rec)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	chunk, err := client.OpenChunk(ctx, "survey")
	if err != nil {
		t.Fatalf("OpenChunk() error = %v", err)
	}
	markers, ok := chunk.(MarkerService)
	if !ok {
		t.Fatal("bridge chunk does not implement MarkerService")
	}

	if err := chunk.AlignCameras(ctx, []string{"c1", "c2"}); err != nil {
		t.Fatalf("AlignCameras() error = %v", err)
	}
	if err := chunk.ResetAlignment(ctx, []string{"c2"}); err != nil {
		t.Fatalf("ResetAlignment() error = %v", err)
	}
	if err := chunk.OptimizeCameras(ctx); err != nil {
		t.Fatalf("OptimizeCameras() error = %v", err)
	}
	if err := chunk.InvalidatePoints(ctx, []uint32{7, 9}); err != nil {
		t.Fatalf("InvalidatePoints() error = %v", err)
	}
	if err := chunk.SetCameraPose(ctx, "c1", TranslationMatrix(vec3(1, 2, 3))); err != nil {
		t.Fatalf("SetCameraPose() error = %v", err)
	}
	if err := markers.SetMarkerPixel(ctx, "GCP-1", "c1", 100.5, 200.25); err != nil {
		t.Fatalf("SetMarkerPixel() error = %v", err)
	}
	if err := markers.UpdateCameraReference(ctx, "c1", [3]float64{45.0, 7.5, 320.0}, 0); err != nil {
		t.Fatalf("UpdateCameraReference() error = %v", err)
	}

	if len(calls) != 7 {
		t.Fatalf("recorded %d mutations, want 7", len(calls))
	}

	align := calls[0]
	if align.method != http.MethodPost || align.path != "/api/chunks/survey/align" {
		t.Errorf("align call = %s %s", align.method, align.path)
	}
	if align.contentType != "application/json" {
		t.Errorf("align Content-Type = %q", align.contentType)
	}
	if cams, _ := align.body["cameras"].([]any); len(cams) != 2 || cams[0] != "c1" {
		t.Errorf("align body = %v", align.body)
	}

	if calls[1].path != "/api/chunks/survey/reset" {
		t.Errorf("reset path = %s", calls[1].path)
	}
	optimize := calls[2]
	if optimize.path != "/api/chunks/survey/optimize" || optimize.body != nil {
		t.Errorf("optimize call = %+v, want empty body", optimize)
	}
	if pts, _ := calls[3].body["points"].([]any); len(pts) != 2 {
		t.Errorf("invalidate body = %v", calls[3].body)
	}

	pose := calls[4]
	if pose.method != http.MethodPut || pose.path != "/api/chunks/survey/cameras/c1/pose" {
		t.Errorf("pose call = %s %s", pose.method, pose.path)
	}
	if tf, _ := pose.body["transform"].([]any); len(tf) != 16 || tf[3] != 1.0 {
		t.Errorf("pose body = %v", pose.body)
	}

	pixel := calls[5]
	if pixel.method != http.MethodPut || pixel.path != "/api/chunks/survey/markers/GCP-1/pixel" {
		t.Errorf("pixel call = %s %s", pixel.method, pixel.path)
	}
	if px, _ := pixel.body["pixel"].([]any); len(px) != 2 || px[0] != 100.5 {
		t.Errorf("pixel body = %v", pixel.body)
	}

	ref := calls[6]
	if ref.method != http.MethodPut || ref.path != "/api/chunks/survey/cameras/c1/reference" {
		t.Errorf("reference call = %s %s", ref.method, ref.path)
	}
	if _, present := ref.body["accuracy"]; present {
		t.Error("zero accuracy should be omitted from the reference payload")
	}
}

func TestBridgeHonorsCancellation(t *testing.T) {
	client := newBridgeClientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusInternalServerError)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.ListChunks(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ListChunks() error = %v, want context.Canceled", err)
	}
}
