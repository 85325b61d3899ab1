package metashape

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
)

// MarkerPixel is one row of a marker projection file: a marker seen at a
// pixel in a camera, addressed by camera label.
type MarkerPixel struct {
	Marker      string
	CameraLabel string
	X, Y        float64
}

// CameraReference is one row of a camera reference file: a surveyed camera
// location, addressed by camera label.
type CameraReference struct {
	CameraLabel string
	Location    [3]float64
	Accuracy    float64
}

// LoadMarkerPixelsCSV reads marker projections from a CSV file with rows of
// the form marker,camera,x,y. A header row is skipped when the coordinate
// columns do not parse as numbers.
func LoadMarkerPixelsCSV(path string) ([]MarkerPixel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening marker CSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4

	var rows []MarkerPixel
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading marker CSV: %w", err)
		}
		line++

		x, errX := strconv.ParseFloat(record[2], 64)
		y, errY := strconv.ParseFloat(record[3], 64)
		if errX != nil || errY != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("marker CSV line %d: bad coordinates %q,%q: %w", line, record[2], record[3], ErrDataIntegrity)
		}
		if record[0] == "" || record[1] == "" {
			return nil, fmt.Errorf("marker CSV line %d: empty marker or camera: %w", line, ErrDataIntegrity)
		}

		rows = append(rows, MarkerPixel{
			Marker:      record[0],
			CameraLabel: record[1],
			X:           x,
			Y:           y,
		})
	}
	return rows, nil
}

// ExportMarkerPixelsCSV writes all marker projections of a snapshot as
// marker,camera,x,y rows, sorted by marker then camera.
func ExportMarkerPixelsCSV(path string, snap *ChunkSnapshot) error {
	byKey := make(map[string]Camera, len(snap.Cameras))
	for _, cam := range snap.Cameras {
		byKey[cam.Key] = cam
	}

	var rows []MarkerPixel
	for _, m := range snap.Markers {
		for _, pr := range m.Projections {
			label := pr.CameraKey
			if cam, ok := byKey[pr.CameraKey]; ok {
				label = cam.Label
			}
			rows = append(rows, MarkerPixel{
				Marker:      m.Label,
				CameraLabel: label,
				X:           pr.Pixel.X(),
				Y:           pr.Pixel.Y(),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Marker != rows[j].Marker {
			return rows[i].Marker < rows[j].Marker
		}
		return rows[i].CameraLabel < rows[j].CameraLabel
	})

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating marker CSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"marker", "camera", "x", "y"}); err != nil {
		return fmt.Errorf("writing marker CSV header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Marker,
			row.CameraLabel,
			strconv.FormatFloat(row.X, 'f', 3, 64),
			strconv.FormatFloat(row.Y, 'f', 3, 64),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("writing marker CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing marker CSV: %w", err)
	}
	return nil
}

// ApplyMarkerPixels pushes marker projections to the host, resolving camera
// labels against the snapshot. In strict mode an unknown camera label fails
// with ErrCorrespondence before anything is written; otherwise unknown rows
// are skipped and their labels returned.
func ApplyMarkerPixels(ctx context.Context, svc ChunkService, snap *ChunkSnapshot, rows []MarkerPixel, strict bool) (int, []string, error) {
	ms, ok := svc.(MarkerService)
	if !ok {
		return 0, nil, fmt.Errorf("host does not support marker operations: %w", ErrHostOperation)
	}

	byLabel := make(map[string]string, len(snap.Cameras))
	for _, cam := range snap.Cameras {
		byLabel[cam.Label] = cam.Key
	}

	var missing []string
	seen := make(map[string]bool)
	for _, row := range rows {
		if _, ok := byLabel[row.CameraLabel]; !ok && !seen[row.CameraLabel] {
			seen[row.CameraLabel] = true
			missing = append(missing, row.CameraLabel)
		}
	}
	sort.Strings(missing)
	if strict && len(missing) > 0 {
		return 0, nil, fmt.Errorf("marker file references %d unknown cameras (first: %q): %w", len(missing), missing[0], ErrCorrespondence)
	}

	applied := 0
	for _, row := range rows {
		key, ok := byLabel[row.CameraLabel]
		if !ok {
			continue
		}
		if err := ms.SetMarkerPixel(ctx, row.Marker, key, row.X, row.Y); err != nil {
			return applied, missing, wrapHostErr(err)
		}
		applied++
	}

	log.Printf("[MARKERS] applied %d projections, %d unknown cameras", applied, len(missing))
	return applied, missing, nil
}

// ExportCameraReferenceCSV writes the estimated world pose of every aligned
// camera as camera,x,y,z,yaw,pitch,roll rows sorted by label. Positions are
// in world coordinates, angles in degrees (Z-Y-X convention).
func ExportCameraReferenceCSV(path string, snap *ChunkSnapshot) error {
	cams := make([]Camera, 0, len(snap.Cameras))
	for _, cam := range snap.Cameras {
		if cam.Aligned() {
			cams = append(cams, cam)
		}
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].Label < cams[j].Label })

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating reference CSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"camera", "x", "y", "z", "yaw", "pitch", "roll"}); err != nil {
		return fmt.Errorf("writing reference CSV header: %w", err)
	}
	for _, cam := range cams {
		pose := snap.World.Mul(*cam.Transform)
		pos := pose.Translation()
		yaw, pitch, roll := pose.EulerZYX()
		record := []string{
			cam.Label,
			strconv.FormatFloat(pos.X, 'f', 6, 64),
			strconv.FormatFloat(pos.Y, 'f', 6, 64),
			strconv.FormatFloat(pos.Z, 'f', 6, 64),
			strconv.FormatFloat(yaw, 'f', 3, 64),
			strconv.FormatFloat(pitch, 'f', 3, 64),
			strconv.FormatFloat(roll, 'f', 3, 64),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("writing reference CSV row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing reference CSV: %w", err)
	}
	return nil
}

// LoadCameraReferenceCSV reads surveyed camera locations from a CSV file
// with rows of the form camera,x,y,z[,accuracy].
func LoadCameraReferenceCSV(path string) ([]CameraReference, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening reference CSV: %w", err)
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows []CameraReference
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading reference CSV: %w", err)
		}
		line++

		if len(record) < 4 {
			return nil, fmt.Errorf("reference CSV line %d: want camera,x,y,z[,accuracy]: %w", line, ErrDataIntegrity)
		}

		var loc [3]float64
		parseFailed := false
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(record[i+1], 64)
			if err != nil {
				parseFailed = true
				break
			}
			loc[i] = v
		}
		if parseFailed {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("reference CSV line %d: bad coordinates: %w", line, ErrDataIntegrity)
		}

		row := CameraReference{CameraLabel: record[0], Location: loc}
		if len(record) >= 5 && record[4] != "" {
			acc, err := strconv.ParseFloat(record[4], 64)
			if err != nil {
				return nil, fmt.Errorf("reference CSV line %d: bad accuracy %q: %w", line, record[4], ErrDataIntegrity)
			}
			row.Accuracy = acc
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ApplyCameraReferences pushes surveyed camera locations to the host. Label
// resolution and strictness behave as in ApplyMarkerPixels.
func ApplyCameraReferences(ctx context.Context, svc ChunkService, snap *ChunkSnapshot, rows []CameraReference, strict bool) (int, []string, error) {
	ms, ok := svc.(MarkerService)
	if !ok {
		return 0, nil, fmt.Errorf("host does not support reference operations: %w", ErrHostOperation)
	}

	byLabel := make(map[string]string, len(snap.Cameras))
	for _, cam := range snap.Cameras {
		byLabel[cam.Label] = cam.Key
	}

	var missing []string
	seen := make(map[string]bool)
	for _, row := range rows {
		if _, ok := byLabel[row.CameraLabel]; !ok && !seen[row.CameraLabel] {
			seen[row.CameraLabel] = true
			missing = append(missing, row.CameraLabel)
		}
	}
	sort.Strings(missing)
	if strict && len(missing) > 0 {
		return 0, nil, fmt.Errorf("reference file references %d unknown cameras (first: %q): %w", len(missing), missing[0], ErrCorrespondence)
	}

	applied := 0
	for _, row := range rows {
		key, ok := byLabel[row.CameraLabel]
		if !ok {
			continue
		}
		if err := ms.UpdateCameraReference(ctx, key, row.Location, row.Accuracy); err != nil {
			return applied, missing, wrapHostErr(err)
		}
		applied++
	}

	log.Printf("[MARKERS] applied %d camera references, %d unknown cameras", applied, len(missing))
	return applied, missing, nil
}
