package metashape

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// BuildDecisionCollection converts a snapshot plus filter decisions into a
// GeoJSON FeatureCollection for inspection in GIS tooling. Tie points
// become Point features carrying the keep/discard outcome; aligned cameras
// become Point features at their projection centers. The X/Y plane maps to
// GeoJSON coordinates and the height moves into an "z" property.
func BuildDecisionCollection(snap *ChunkSnapshot, metrics *MetricsSnapshot, decisions *DecisionSet) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, pt := range snap.Points {
		f := geojson.NewFeature(orb.Point{pt.Position.X, pt.Position.Y})
		f.ID = pt.ID
		f.Properties["kind"] = "tiepoint"
		f.Properties["z"] = pt.Position.Z
		f.Properties["valid"] = pt.Valid

		if metrics != nil {
			if q, ok := metrics.Point(pt.ID); ok {
				f.Properties["error"] = q.Error
				f.Properties["uncertainty"] = q.Uncertainty
				f.Properties["projections"] = q.Projections
			}
		}
		if decisions != nil {
			if d, ok := decisions.Decision(pt.ID); ok {
				f.Properties["kept"] = d.Keep
				if !d.Keep {
					f.Properties["discardedBy"] = string(d.Rule)
				}
			}
		}
		fc.Append(f)
	}

	for _, cam := range snap.Cameras {
		if !cam.Aligned() {
			continue
		}
		center := cam.Center()
		f := geojson.NewFeature(orb.Point{center.X, center.Y})
		f.ID = cam.Key
		f.Properties["kind"] = "camera"
		f.Properties["z"] = center.Z
		f.Properties["label"] = cam.Label
		if cam.Group != "" {
			f.Properties["group"] = cam.Group
		}
		if metrics != nil {
			if q, ok := metrics.Camera(cam.Key); ok {
				f.Properties["meanError"] = q.MeanError
				f.Properties["medianError"] = q.MedianError
				f.Properties["pointCount"] = q.PointCount
			}
		}
		fc.Append(f)
	}

	return fc
}

// ExportDecisionsGeoJSON writes the decision FeatureCollection to a file.
func ExportDecisionsGeoJSON(path string, snap *ChunkSnapshot, metrics *MetricsSnapshot, decisions *DecisionSet) error {
	fc := BuildDecisionCollection(snap, metrics, decisions)
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling GeoJSON: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("writing GeoJSON: %w", err)
	}
	return nil
}
