package metashape

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// FindDuplicateCameras returns labels carried by more than one camera,
// mapped to the sorted keys sharing them. Duplicate labels break cross-chunk
// correspondence and usually mean the same image was added twice.
func FindDuplicateCameras(snap *ChunkSnapshot) map[string][]string {
	byLabel := make(map[string][]string)
	for _, cam := range snap.Cameras {
		byLabel[cam.Label] = append(byLabel[cam.Label], cam.Key)
	}

	dupes := make(map[string][]string)
	for label, keys := range byLabel {
		if len(keys) > 1 {
			sort.Strings(keys)
			dupes[label] = keys
		}
	}
	return dupes
}

// DuplicatesToDisable selects, for every duplicate label, the cameras to
// disable. The kept copy is chosen by preference: aligned beats unaligned,
// then the higher valid observation count, then the lowest key. Returns
// sorted keys of the losers.
func DuplicatesToDisable(snap *ChunkSnapshot) []string {
	obsCount := make(map[string]int)
	for _, pt := range snap.Points {
		if !pt.Valid {
			continue
		}
		for _, ob := range pt.Observations {
			obsCount[ob.CameraKey]++
		}
	}

	var losers []string
	for _, keys := range FindDuplicateCameras(snap) {
		keep := keys[0]
		for _, key := range keys[1:] {
			if preferCamera(snap, obsCount, key, keep) {
				keep = key
			}
		}
		for _, key := range keys {
			if key != keep {
				losers = append(losers, key)
			}
		}
	}
	sort.Strings(losers)
	return losers
}

// preferCamera reports whether candidate should replace current as the kept
// duplicate. Keys arrive in ascending order, so equal candidates keep the
// lower key.
func preferCamera(snap *ChunkSnapshot, obsCount map[string]int, candidate, current string) bool {
	cand, ok := snap.Camera(candidate)
	if !ok {
		return false
	}
	cur, ok := snap.Camera(current)
	if !ok {
		return true
	}
	if cand.Aligned() != cur.Aligned() {
		return cand.Aligned()
	}
	return obsCount[candidate] > obsCount[current]
}

// UnalignedCameraLabels returns the labels of enabled cameras without a
// pose, sorted.
func UnalignedCameraLabels(snap *ChunkSnapshot) []string {
	var labels []string
	for _, cam := range snap.Cameras {
		if cam.Enabled && !cam.Aligned() {
			labels = append(labels, cam.Label)
		}
	}
	sort.Strings(labels)
	return labels
}

// ExportCameraCSV writes a camera inventory as CSV. With onlyUnaligned set,
// only enabled cameras without a pose are listed.
func ExportCameraCSV(path string, snap *ChunkSnapshot, onlyUnaligned bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating camera CSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"key", "label", "group", "enabled", "aligned"}); err != nil {
		return fmt.Errorf("writing camera CSV header: %w", err)
	}

	cameras := make([]Camera, len(snap.Cameras))
	copy(cameras, snap.Cameras)
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].Key < cameras[j].Key })

	for _, cam := range cameras {
		if onlyUnaligned && (!cam.Enabled || cam.Aligned()) {
			continue
		}
		row := []string{
			cam.Key,
			cam.Label,
			cam.Group,
			strconv.FormatBool(cam.Enabled),
			strconv.FormatBool(cam.Aligned()),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing camera CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing camera CSV: %w", err)
	}
	return nil
}

// BatchesBySize splits the enabled cameras into fixed-size batches in key
// order. The last batch carries the remainder.
func BatchesBySize(snap *ChunkSnapshot, size int) []CameraBatch {
	if size <= 0 {
		size = 20
	}

	var keys []string
	for _, cam := range snap.Cameras {
		if cam.Enabled {
			keys = append(keys, cam.Key)
		}
	}
	sort.Strings(keys)

	var batches []CameraBatch
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		batches = append(batches, CameraBatch{
			Name:    fmt.Sprintf("batch-%03d", len(batches)+1),
			Cameras: append([]string(nil), keys[start:end]...),
		})
	}
	return batches
}

// BatchesByGroup groups enabled cameras by their acquisition group. Cameras
// without a group fall back to the label prefix before the first underscore,
// or "ungrouped" when the label has none. Batches come out sorted by name.
func BatchesByGroup(snap *ChunkSnapshot) []CameraBatch {
	groups := make(map[string][]string)
	for _, cam := range snap.Cameras {
		if !cam.Enabled {
			continue
		}
		name := cam.Group
		if name == "" {
			if idx := strings.Index(cam.Label, "_"); idx > 0 {
				name = cam.Label[:idx]
			} else {
				name = "ungrouped"
			}
		}
		groups[name] = append(groups[name], cam.Key)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	batches := make([]CameraBatch, 0, len(names))
	for _, name := range names {
		keys := groups[name]
		sort.Strings(keys)
		batches = append(batches, CameraBatch{Name: name, Cameras: keys})
	}
	return batches
}
