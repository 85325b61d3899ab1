package metashape

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// DecisionRule identifies which filter stage discarded a point.
type DecisionRule string

const (
	// RuleThreshold discards on absolute error or uncertainty bounds.
	RuleThreshold DecisionRule = "threshold"
	// RulePercentile discards the worst fraction of the survivors by error.
	RulePercentile DecisionRule = "percentile"
	// RuleBounds discards points outside the configured bounding volume.
	RuleBounds DecisionRule = "bounds"
)

// FilterConfig controls one tie-point filtering pass.
type FilterConfig struct {
	// MaxReprojectionError discards points whose RMS residual exceeds it.
	MaxReprojectionError float64
	// MaxUncertainty discards points whose uncertainty exceeds it.
	MaxUncertainty float64
	// PercentileCutoff in [0,1) removes that fraction of the surviving
	// points, worst error first. Zero disables the rule.
	PercentileCutoff float64
	// BoundingVolume, when set, discards points outside the box.
	BoundingVolume *Box
}

// Validate checks the configuration, wrapping ErrConfiguration on failure.
func (c FilterConfig) Validate() error {
	if c.MaxReprojectionError <= 0 {
		return fmt.Errorf("max reprojection error must be positive, got %g: %w", c.MaxReprojectionError, ErrConfiguration)
	}
	if c.MaxUncertainty <= 0 {
		return fmt.Errorf("max uncertainty must be positive, got %g: %w", c.MaxUncertainty, ErrConfiguration)
	}
	if c.PercentileCutoff < 0 || c.PercentileCutoff >= 1 {
		return fmt.Errorf("percentile cutoff must lie in [0,1), got %g: %w", c.PercentileCutoff, ErrConfiguration)
	}
	if c.BoundingVolume != nil && !c.BoundingVolume.Valid() {
		return fmt.Errorf("bounding volume has negative extent: %w", ErrConfiguration)
	}
	return nil
}

// Decision is the outcome for a single tie point.
type Decision struct {
	Keep bool
	Rule DecisionRule // set only when discarded
}

// DecisionSet maps every scored point to a keep/discard decision. It is
// deterministic for identical input: no randomness and no map-order
// dependence.
type DecisionSet struct {
	decisions     map[uint32]Decision
	retained      []uint32
	discarded     []uint32
	percentileCut float64
	hasPercentile bool
}

// Decision returns the decision for one point id.
func (d *DecisionSet) Decision(id uint32) (Decision, bool) {
	dec, ok := d.decisions[id]
	return dec, ok
}

// Retained returns the kept point ids in ascending order.
func (d *DecisionSet) Retained() []uint32 {
	return append([]uint32(nil), d.retained...)
}

// Discarded returns the discarded point ids in ascending order.
func (d *DecisionSet) Discarded() []uint32 {
	return append([]uint32(nil), d.discarded...)
}

// DiscardedBy returns the ids discarded by one rule, ascending.
func (d *DecisionSet) DiscardedBy(rule DecisionRule) []uint32 {
	var ids []uint32
	for _, id := range d.discarded {
		if d.decisions[id].Rule == rule {
			ids = append(ids, id)
		}
	}
	return ids
}

// RetainedCount returns the number of kept points.
func (d *DecisionSet) RetainedCount() int { return len(d.retained) }

// DiscardedCount returns the number of discarded points.
func (d *DecisionSet) DiscardedCount() int { return len(d.discarded) }

// Len returns the total number of decided points.
func (d *DecisionSet) Len() int { return len(d.decisions) }

// PercentileThreshold returns the error value the percentile rule cut at,
// when that rule ran.
func (d *DecisionSet) PercentileThreshold() (float64, bool) {
	return d.percentileCut, d.hasPercentile
}

// ApplyPointFilter decides keep or discard for every point in the metrics
// snapshot. Rules run in order: absolute thresholds, then the percentile
// cut over the survivors, then the bounding volume; a discarded point is
// never re-admitted by a later rule. If every point ends up discarded the
// pass fails with ErrConfiguration, since an empty tie-point set cannot
// support alignment.
func ApplyPointFilter(points []TiePoint, metrics *MetricsSnapshot, cfg FilterConfig) (*DecisionSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil || metrics.PointCount() == 0 {
		return nil, fmt.Errorf("no tie points to filter: %w", ErrDataIntegrity)
	}

	positions := make(map[uint32]r3.Vec, len(points))
	for _, p := range points {
		positions[p.ID] = p.Position
	}

	ids := metrics.pointIDs
	decisions := make(map[uint32]Decision, len(ids))
	for _, id := range ids {
		if _, ok := positions[id]; !ok {
			return nil, fmt.Errorf("metrics reference point %d missing from snapshot: %w", id, ErrDataIntegrity)
		}
		decisions[id] = Decision{Keep: true}
	}

	// Stage 1: absolute thresholds.
	for _, id := range ids {
		q := metrics.points[id]
		if q.Error > cfg.MaxReprojectionError || q.Uncertainty > cfg.MaxUncertainty {
			decisions[id] = Decision{Rule: RuleThreshold}
		}
	}

	// Stage 2: percentile cut over the survivors.
	result := &DecisionSet{decisions: decisions}
	if cfg.PercentileCutoff > 0 {
		var survivors []uint32
		var errs []float64
		for _, id := range ids {
			if decisions[id].Keep {
				survivors = append(survivors, id)
				errs = append(errs, metrics.points[id].Error)
			}
		}
		if len(survivors) > 0 {
			sorted := append([]float64(nil), errs...)
			sort.Float64s(sorted)
			cut := percentileSorted(sorted, 1-cfg.PercentileCutoff)
			result.percentileCut = cut
			result.hasPercentile = true

			// The small epsilon tolerates float rounding in the product.
			want := int(math.Ceil(cfg.PercentileCutoff*float64(len(survivors)) - 1e-9))
			dropped := 0
			var atCut []uint32
			for _, id := range survivors {
				e := metrics.points[id].Error
				switch {
				case e > cut:
					decisions[id] = Decision{Rule: RulePercentile}
					dropped++
				case e == cut:
					atCut = append(atCut, id)
				}
			}
			// Points sitting exactly on the cut go highest id first, so the
			// lowest ids survive ties deterministically.
			sort.Slice(atCut, func(i, j int) bool { return atCut[i] > atCut[j] })
			for _, id := range atCut {
				if dropped >= want {
					break
				}
				decisions[id] = Decision{Rule: RulePercentile}
				dropped++
			}
		}
	}

	// Stage 3: bounding volume, independent of quality.
	if cfg.BoundingVolume != nil {
		for _, id := range ids {
			if decisions[id].Keep && !cfg.BoundingVolume.Contains(positions[id]) {
				decisions[id] = Decision{Rule: RuleBounds}
			}
		}
	}

	for _, id := range ids {
		if decisions[id].Keep {
			result.retained = append(result.retained, id)
		} else {
			result.discarded = append(result.discarded, id)
		}
	}
	if len(result.retained) == 0 {
		return nil, fmt.Errorf("filter would discard all %d points: %w", len(ids), ErrConfiguration)
	}
	return result, nil
}
