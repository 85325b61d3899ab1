package metashape

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
)

// TransferConfig controls one pose transfer pass between chunks.
type TransferConfig struct {
	// Transform maps reference chunk coordinates into target chunk
	// coordinates, rigid or similarity.
	Transform Matrix4
	// Strict fails the whole transfer when any candidate camera has no
	// usable reference match; otherwise unmatched cameras are skipped.
	Strict bool
}

// TransferReport lists what a transfer pass did.
type TransferReport struct {
	Reference   string   `json:"reference"`
	Target      string   `json:"target"`
	Transferred []string `json:"transferred"`
	Skipped     []string `json:"skipped,omitempty"`
	Scale       float64  `json:"scale"`
}

// TransferPoses seeds the target chunk's unaligned cameras with poses from
// a solved reference chunk. Cameras correspond by label; each transferred
// pose is transform * reference pose with the rotation re-orthonormalised,
// since camera poses stay rigid while the similarity scale moves centers.
// In strict mode an unmatched candidate fails with ErrCorrespondence before
// anything is written; otherwise it is reported as skipped. Cameras the
// host already aligned are left untouched.
func TransferPoses(ctx context.Context, ref *ChunkSnapshot, target ChunkService, cfg TransferConfig) (*TransferReport, error) {
	if math.Abs(cfg.Transform.Linear().Det()) < 1e-12 {
		return nil, fmt.Errorf("transfer transform is singular: %w", ErrConfiguration)
	}

	snap, err := target.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("target snapshot: %w", wrapHostErr(err))
	}

	refByLabel := make(map[string]Camera, len(ref.Cameras))
	for _, c := range ref.Cameras {
		if c.Aligned() {
			refByLabel[c.Label] = c
		}
	}

	type planned struct {
		key  string
		pose Matrix4
	}
	var plan []planned
	var skipped []string
	for _, cam := range snap.Cameras {
		if !cam.Enabled || cam.Aligned() {
			continue
		}
		match, ok := refByLabel[cam.Label]
		if !ok {
			if cfg.Strict {
				return nil, fmt.Errorf("camera %q has no aligned match in chunk %q: %w", cam.Label, ref.Label, ErrCorrespondence)
			}
			skipped = append(skipped, cam.Key)
			continue
		}
		pose := cfg.Transform.Mul(*match.Transform).Orthonormalized()
		plan = append(plan, planned{key: cam.Key, pose: pose})
	}

	for _, p := range plan {
		if err := target.SetCameraPose(ctx, p.key, p.pose); err != nil {
			return nil, fmt.Errorf("set pose for %q: %w", p.key, wrapHostErr(err))
		}
	}

	rep := &TransferReport{
		Reference: ref.Label,
		Target:    snap.Label,
		Scale:     cfg.Transform.Scale(),
		Skipped:   skipped,
	}
	for _, p := range plan {
		rep.Transferred = append(rep.Transferred, p.key)
	}
	sort.Strings(rep.Transferred)
	sort.Strings(rep.Skipped)
	log.Printf("[TRANSFER] %q -> %q: %d poses written, %d skipped, scale %.6f",
		rep.Reference, rep.Target, len(rep.Transferred), len(rep.Skipped), rep.Scale)
	return rep, nil
}

// ChunkAlignmentTransform derives the reference-to-target mapping from the
// two chunks' world transforms: targetWorld^-1 * refWorld.
func ChunkAlignmentTransform(ref, target *ChunkSnapshot) Matrix4 {
	return target.World.Inverse().Mul(ref.World)
}

// FitChunkTransform solves the reference-to-target mapping from cameras
// aligned in both chunks, matched by label. Useful when the chunks' world
// transforms are not trustworthy. Needs at least three shared aligned
// cameras; fewer fail with ErrCorrespondence.
func FitChunkTransform(ref, target *ChunkSnapshot) (Matrix4, error) {
	targetByLabel := make(map[string]Camera, len(target.Cameras))
	for _, c := range target.Cameras {
		if c.Aligned() {
			targetByLabel[c.Label] = c
		}
	}

	var src, dst []r3.Vec
	for _, c := range ref.Cameras {
		if !c.Aligned() {
			continue
		}
		if t, ok := targetByLabel[c.Label]; ok {
			src = append(src, c.Center())
			dst = append(dst, t.Center())
		}
	}
	if len(src) < 3 {
		return Identity4(), fmt.Errorf("only %d cameras aligned in both chunks, need 3: %w", len(src), ErrCorrespondence)
	}
	m, err := FitSimilarity(src, dst)
	if err != nil {
		return Identity4(), fmt.Errorf("fit chunk transform: %w", err)
	}
	return m, nil
}

// DefaultTransferCachePath is where solved chunk-to-chunk transforms are
// cached between runs.
const DefaultTransferCachePath = ".alignment-cache.json"

// SolvedTransfer is one cached chunk-to-chunk transform.
type SolvedTransfer struct {
	Reference string  `json:"reference"`
	Target    string  `json:"target"`
	Transform Matrix4 `json:"transform"`
	SolvedAt  int64   `json:"solvedAt"`
}

// TransferCache stores solved transforms keyed by chunk pair.
type TransferCache struct {
	Entries     map[string]SolvedTransfer `json:"entries"`
	LastUpdated int64                     `json:"lastUpdated"`
}

func transferKey(ref, target string) string {
	return ref + "->" + target
}

// LoadTransferCache reads a cache file. A missing file is not an error and
// returns nil.
func LoadTransferCache(path string) (*TransferCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading transfer cache: %w", err)
	}
	var cache TransferCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing transfer cache: %w", err)
	}
	return &cache, nil
}

// SaveTransferCache writes the cache, creating parent directories as needed.
func SaveTransferCache(path string, cache *TransferCache) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	cache.LastUpdated = time.Now().Unix()
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling transfer cache: %w", err)
	}
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("writing transfer cache: %w", err)
	}
	return nil
}

// Get returns the cached transform for a chunk pair.
func (c *TransferCache) Get(ref, target string) (SolvedTransfer, bool) {
	if c == nil || c.Entries == nil {
		return SolvedTransfer{}, false
	}
	st, ok := c.Entries[transferKey(ref, target)]
	return st, ok
}

// Put stores a solved transform, stamping it.
func (c *TransferCache) Put(st SolvedTransfer) {
	if c.Entries == nil {
		c.Entries = make(map[string]SolvedTransfer)
	}
	st.SolvedAt = time.Now().Unix()
	c.Entries[transferKey(st.Reference, st.Target)] = st
}
