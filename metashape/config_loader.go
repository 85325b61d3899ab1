package metashape

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the full configuration file
type Config struct {
	Bridge    BridgeConfig    `yaml:"bridge" json:"bridge"`
	MQTT      MQTTConfig      `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Filter    FilterSettings  `yaml:"filter" json:"filter"`
	Alignment AlignSettings   `yaml:"alignment" json:"alignment"`
	Transfer  TransferSetting `yaml:"transfer,omitempty" json:"transfer,omitempty"`
	Report    ReportSettings  `yaml:"report,omitempty" json:"report,omitempty"`
}

// BridgeConfig holds host bridge connection settings
type BridgeConfig struct {
	URL            string `yaml:"url" json:"url"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	Retries        int    `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// FilterSettings mirrors FilterConfig in YAML form
type FilterSettings struct {
	MaxReprojectionError float64    `yaml:"maxReprojectionError" json:"maxReprojectionError"`
	MaxUncertainty       float64    `yaml:"maxUncertainty" json:"maxUncertainty"`
	PercentileCutoff     float64    `yaml:"percentileCutoff,omitempty" json:"percentileCutoff,omitempty"`
	BoundingVolume       *BoxConfig `yaml:"boundingVolume,omitempty" json:"boundingVolume,omitempty"`
}

// BoxConfig is an axis-aligned box as two corner triples
type BoxConfig struct {
	Min []float64 `yaml:"min" json:"min"`
	Max []float64 `yaml:"max" json:"max"`
}

// AlignSettings configures the incremental alignment scheduler
type AlignSettings struct {
	AcceptanceThreshold float64       `yaml:"acceptanceThreshold,omitempty" json:"acceptanceThreshold,omitempty"`
	OptimizeEachRound   *bool         `yaml:"optimizeEachRound,omitempty" json:"optimizeEachRound,omitempty"`
	MaxIterations       int           `yaml:"maxIterations,omitempty" json:"maxIterations,omitempty"`
	BatchSize           int           `yaml:"batchSize,omitempty" json:"batchSize,omitempty"`
	GroupByPrefix       bool          `yaml:"groupByPrefix,omitempty" json:"groupByPrefix,omitempty"`
	Seed                []string      `yaml:"seed,omitempty" json:"seed,omitempty"`
	Batches             []BatchConfig `yaml:"batches,omitempty" json:"batches,omitempty"`
}

// BatchConfig pins one alignment batch in the configuration. When any
// batches are listed, batch derivation from the snapshot is skipped.
type BatchConfig struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Cameras []string `yaml:"cameras" json:"cameras"`
}

// TransferSetting configures cross-chunk pose transfer
type TransferSetting struct {
	Strict    bool   `yaml:"strict,omitempty" json:"strict,omitempty"`
	CachePath string `yaml:"cachePath,omitempty" json:"cachePath,omitempty"`
}

// ReportSettings configures report and preview output
type ReportSettings struct {
	OutputDir string         `yaml:"outputDir,omitempty" json:"outputDir,omitempty"`
	Preview   PreviewConfig  `yaml:"preview,omitempty" json:"preview,omitempty"`
	GeoJSON   bool           `yaml:"geojson,omitempty" json:"geojson,omitempty"`
	MarkerCSV bool           `yaml:"markerCsv,omitempty" json:"markerCsv,omitempty"`
}

// PreviewConfig holds preview image settings
type PreviewConfig struct {
	Width      int     `yaml:"width,omitempty" json:"width,omitempty"`
	Height     int     `yaml:"height,omitempty" json:"height,omitempty"`
	Resolution float64 `yaml:"resolution,omitempty" json:"resolution,omitempty"`
}

// DefaultConfig returns a configuration with working defaults for a local
// bridge and no MQTT publishing.
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			URL:            "http://localhost:5080",
			TimeoutSeconds: 30,
			Retries:        3,
		},
		Filter: FilterSettings{
			MaxReprojectionError: 1.0,
			MaxUncertainty:       30.0,
		},
		Alignment: AlignSettings{
			AcceptanceThreshold: 1.0,
			MaxIterations:       50,
			BatchSize:           20,
		},
		Report: ReportSettings{
			OutputDir: "reports",
			Preview:   PreviewConfig{Width: 1024, Height: 768, Resolution: 300},
		},
	}
}

// LoadConfig loads the unified configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Bridge.URL == "" {
		return fmt.Errorf("bridge.url is required: %w", ErrConfiguration)
	}
	if c.Bridge.TimeoutSeconds < 0 {
		return fmt.Errorf("bridge.timeoutSeconds must not be negative: %w", ErrConfiguration)
	}
	if c.Bridge.Retries < 0 {
		return fmt.Errorf("bridge.retries must not be negative: %w", ErrConfiguration)
	}
	if c.MQTT.Broker != "" && c.MQTT.PublishPrefix == "" {
		return fmt.Errorf("mqtt.publishPrefix is required when mqtt.broker is set: %w", ErrConfiguration)
	}
	if c.Filter.MaxReprojectionError <= 0 {
		return fmt.Errorf("filter.maxReprojectionError must be positive: %w", ErrConfiguration)
	}
	if c.Filter.MaxUncertainty <= 0 {
		return fmt.Errorf("filter.maxUncertainty must be positive: %w", ErrConfiguration)
	}
	if c.Filter.PercentileCutoff < 0 || c.Filter.PercentileCutoff >= 1 {
		return fmt.Errorf("filter.percentileCutoff must be in [0, 1): %w", ErrConfiguration)
	}
	if c.Filter.BoundingVolume != nil {
		if len(c.Filter.BoundingVolume.Min) != 3 || len(c.Filter.BoundingVolume.Max) != 3 {
			return fmt.Errorf("filter.boundingVolume corners need 3 components each: %w", ErrConfiguration)
		}
		for i := 0; i < 3; i++ {
			if c.Filter.BoundingVolume.Min[i] >= c.Filter.BoundingVolume.Max[i] {
				return fmt.Errorf("filter.boundingVolume min must be below max on every axis: %w", ErrConfiguration)
			}
		}
	}
	if c.Alignment.AcceptanceThreshold < 0 {
		return fmt.Errorf("alignment.acceptanceThreshold must not be negative: %w", ErrConfiguration)
	}
	if c.Alignment.MaxIterations < 0 {
		return fmt.Errorf("alignment.maxIterations must not be negative: %w", ErrConfiguration)
	}
	if c.Alignment.BatchSize < 0 {
		return fmt.Errorf("alignment.batchSize must not be negative: %w", ErrConfiguration)
	}
	for i, b := range c.Alignment.Batches {
		if len(b.Cameras) == 0 {
			return fmt.Errorf("alignment.batches[%d] must list at least one camera: %w", i, ErrConfiguration)
		}
	}
	return nil
}

// FilterConfig converts the YAML filter section into the form the filter
// pipeline consumes.
func (c *Config) FilterConfig() FilterConfig {
	fc := FilterConfig{
		MaxReprojectionError: c.Filter.MaxReprojectionError,
		MaxUncertainty:       c.Filter.MaxUncertainty,
		PercentileCutoff:     c.Filter.PercentileCutoff,
	}
	if bv := c.Filter.BoundingVolume; bv != nil && len(bv.Min) == 3 && len(bv.Max) == 3 {
		fc.BoundingVolume = &Box{
			Min: vec3(bv.Min[0], bv.Min[1], bv.Min[2]),
			Max: vec3(bv.Max[0], bv.Max[1], bv.Max[2]),
		}
	}
	return fc
}

// SchedulerConfig converts the YAML alignment section, falling back to
// defaults for unset fields.
func (c *Config) SchedulerConfig() SchedulerConfig {
	sc := DefaultSchedulerConfig()
	sc.Filter = c.FilterConfig()
	if c.Alignment.AcceptanceThreshold > 0 {
		sc.AcceptanceThreshold = c.Alignment.AcceptanceThreshold
	}
	if c.Alignment.OptimizeEachRound != nil {
		sc.OptimizeEachRound = *c.Alignment.OptimizeEachRound
	}
	if c.Alignment.MaxIterations > 0 {
		sc.MaxIterations = c.Alignment.MaxIterations
	}
	return sc
}

// ExplicitBatches converts the pinned batch list into scheduler batches.
// Entries without a name get positional names. Returns nil when the
// configuration pins no batches.
func (s AlignSettings) ExplicitBatches() []CameraBatch {
	if len(s.Batches) == 0 {
		return nil
	}
	batches := make([]CameraBatch, 0, len(s.Batches))
	for i, b := range s.Batches {
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("batch-%03d", i+1)
		}
		batches = append(batches, CameraBatch{
			Name:    name,
			Cameras: append([]string(nil), b.Cameras...),
		})
	}
	return batches
}
