package metashape

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestFindDuplicateCameras(t *testing.T) {
	tf := Identity4()
	snap := &ChunkSnapshot{Cameras: []Camera{
		{Key: "cam-b", Label: "IMG_001", Enabled: true, Transform: &tf},
		{Key: "cam-a", Label: "IMG_001", Enabled: true},
		{Key: "cam-c", Label: "IMG_002", Enabled: true},
	}}

	dupes := FindDuplicateCameras(snap)
	want := map[string][]string{"IMG_001": {"cam-a", "cam-b"}}
	if !reflect.DeepEqual(dupes, want) {
		t.Errorf("FindDuplicateCameras() = %v, want %v", dupes, want)
	}

	clean := &ChunkSnapshot{Cameras: []Camera{
		{Key: "cam-a", Label: "IMG_001"},
		{Key: "cam-b", Label: "IMG_002"},
	}}
	if dupes := FindDuplicateCameras(clean); len(dupes) != 0 {
		t.Errorf("FindDuplicateCameras() = %v, want none", dupes)
	}
}

func TestDuplicatesToDisable(t *testing.T) {
	tf := Identity4()
	snap := &ChunkSnapshot{
		Cameras: []Camera{
			// Aligned duplicate wins over the unaligned one regardless of key order.
			{Key: "cam-a", Label: "IMG_001", Enabled: true},
			{Key: "cam-b", Label: "IMG_001", Enabled: true, Transform: &tf},
			// Both aligned with equal support, so the lowest key wins.
			{Key: "cam-c", Label: "IMG_002", Enabled: true, Transform: &tf},
			{Key: "cam-d", Label: "IMG_002", Enabled: true, Transform: &tf},
			{Key: "cam-e", Label: "IMG_003", Enabled: true},
			// Neither aligned; the copy with valid observations wins.
			{Key: "cam-f", Label: "IMG_004", Enabled: true},
			{Key: "cam-g", Label: "IMG_004", Enabled: true},
		},
		Points: []TiePoint{
			{ID: 1, Valid: true, Observations: []Observation{obs("cam-g", 0.5)}},
			{ID: 2, Valid: false, Observations: []Observation{obs("cam-f", 0.5)}},
		},
	}

	losers := DuplicatesToDisable(snap)
	want := []string{"cam-a", "cam-d", "cam-f"}
	if !reflect.DeepEqual(losers, want) {
		t.Errorf("DuplicatesToDisable() = %v, want %v", losers, want)
	}
}

func TestUnalignedCameraLabels(t *testing.T) {
	tf := Identity4()
	snap := &ChunkSnapshot{Cameras: []Camera{
		{Key: "k1", Label: "IMG_003", Enabled: true},
		{Key: "k2", Label: "IMG_001", Enabled: true},
		{Key: "k3", Label: "IMG_002", Enabled: true, Transform: &tf},
		{Key: "k4", Label: "IMG_000", Enabled: false},
	}}

	labels := UnalignedCameraLabels(snap)
	want := []string{"IMG_001", "IMG_003"}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("UnalignedCameraLabels() = %v, want %v", labels, want)
	}
}

func readCSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parsing %s: %v", path, err)
	}
	return rows
}

func TestExportCameraCSV(t *testing.T) {
	tf := Identity4()
	snap := &ChunkSnapshot{Cameras: []Camera{
		{Key: "b", Label: "IMG_2", Group: "g1", Enabled: true, Transform: &tf},
		{Key: "a", Label: "IMG_1", Enabled: true},
		{Key: "c", Label: "IMG_3", Enabled: false},
	}}

	path := filepath.Join(t.TempDir(), "cameras.csv")
	if err := ExportCameraCSV(path, snap, false); err != nil {
		t.Fatalf("ExportCameraCSV() error = %v", err)
	}

	rows := readCSVFile(t, path)
	if len(rows) != 4 {
		t.Fatalf("len(rows) = %d, want header + 3", len(rows))
	}
	if !reflect.DeepEqual(rows[0], []string{"key", "label", "group", "enabled", "aligned"}) {
		t.Errorf("header = %v", rows[0])
	}
	if !reflect.DeepEqual(rows[1], []string{"a", "IMG_1", "", "true", "false"}) {
		t.Errorf("rows[1] = %v", rows[1])
	}
	if !reflect.DeepEqual(rows[2], []string{"b", "IMG_2", "g1", "true", "true"}) {
		t.Errorf("rows[2] = %v", rows[2])
	}

	unalignedPath := filepath.Join(t.TempDir(), "unaligned.csv")
	if err := ExportCameraCSV(unalignedPath, snap, true); err != nil {
		t.Fatalf("ExportCameraCSV(onlyUnaligned) error = %v", err)
	}
	rows = readCSVFile(t, unalignedPath)
	// Aligned b and disabled c both drop out.
	if len(rows) != 2 || rows[1][0] != "a" {
		t.Errorf("unaligned rows = %v, want only camera a", rows)
	}
}

func TestBatchesBySize(t *testing.T) {
	snap := &ChunkSnapshot{Cameras: []Camera{
		{Key: "b", Enabled: true},
		{Key: "a", Enabled: true},
		{Key: "e", Enabled: true},
		{Key: "c", Enabled: true},
		{Key: "d", Enabled: true},
		{Key: "f", Enabled: false},
	}}

	batches := BatchesBySize(snap, 2)
	if len(batches) != 3 {
		t.Fatalf("len(batches) = %d, want 3", len(batches))
	}
	if batches[0].Name != "batch-001" || batches[2].Name != "batch-003" {
		t.Errorf("names = %q, %q, %q", batches[0].Name, batches[1].Name, batches[2].Name)
	}
	if !reflect.DeepEqual(batches[0].Cameras, []string{"a", "b"}) {
		t.Errorf("batches[0].Cameras = %v", batches[0].Cameras)
	}
	if !reflect.DeepEqual(batches[2].Cameras, []string{"e"}) {
		t.Errorf("batches[2].Cameras = %v, want the remainder", batches[2].Cameras)
	}

	t.Run("non-positive size falls back to default", func(t *testing.T) {
		batches := BatchesBySize(snap, 0)
		if len(batches) != 1 || len(batches[0].Cameras) != 5 {
			t.Errorf("batches = %v, want one batch of 5", batches)
		}
	})
}

func TestBatchesByGroup(t *testing.T) {
	snap := &ChunkSnapshot{Cameras: []Camera{
		{Key: "k2", Label: "tower_02", Enabled: true},
		{Key: "k1", Label: "tower_01", Enabled: true},
		{Key: "k4", Label: "ground_01", Group: "manual", Enabled: true},
		{Key: "k3", Label: "solo", Enabled: true},
		{Key: "k5", Label: "_stray", Enabled: true},
		{Key: "k0", Label: "tower_99", Enabled: false},
	}}

	batches := BatchesByGroup(snap)
	want := []CameraBatch{
		{Name: "manual", Cameras: []string{"k4"}},
		{Name: "tower", Cameras: []string{"k1", "k2"}},
		{Name: "ungrouped", Cameras: []string{"k3", "k5"}},
	}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("BatchesByGroup() = %v, want %v", batches, want)
	}
}
