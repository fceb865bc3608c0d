// Package config provides configuration loading and management for brainquant3d.
// It handles loading configuration from YAML files, validates them against a
// JSON schema and provides default values.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/sunilgandhilab/brainquant3d/internal/models"
	"github.com/sunilgandhilab/brainquant3d/pkg/chunking"
	"github.com/sunilgandhilab/brainquant3d/pkg/errs"
)

//go:embed schema.json
var schemaJSON string

// Crop selects a sub-volume of the source. Detections are reported in the
// coordinate space of the cropped volume.
type Crop struct {
	Z models.Range `yaml:"z"`
	Y models.Range `yaml:"y"`
	X models.Range `yaml:"x"`
}

// Ranges returns the crop as per-axis ranges
func (c *Crop) Ranges() models.Ranges {
	return models.Ranges{c.Z, c.Y, c.X}
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Source volume
	Source struct {
		// Path is a .vol file, a directory of TIFF slices or a glob of TIFF slices
		Path string `yaml:"path"`
	} `yaml:"source"`

	// Crop is optional; nil processes the whole source
	Crop *Crop `yaml:"crop,omitempty"`

	// Flow is the operator chain run on every chunk
	Flow struct {
		// Steps are run in order on each chunk
		Steps []models.OperatorSpec `yaml:"steps"`

		// Properties are measured for every labeled object after the last step
		Properties []string `yaml:"properties"`

		// Strict rejects unknown operator parameters instead of ignoring them
		Strict bool `yaml:"strict"`
	} `yaml:"flow"`

	// Processing parameters
	Processing struct {
		// Processes is the number of chunks processed at the same time
		Processes int `yaml:"processes"`

		// MemoryBudget bounds one chunk's working copy, e.g. "2 GiB"
		MemoryBudget string `yaml:"memoryBudget"`

		// Overlap is the margin in voxels shared with neighboring chunks
		Overlap int `yaml:"overlap"`

		// MinSizes is the smallest acceptable chunk along Z, Y, X
		MinSizes [3]int `yaml:"minSizes"`

		// AspectRatio is the relative chunk extent along Z, Y, X
		AspectRatio [3]float64 `yaml:"aspectRatio"`

		// TempDir holds run directories; empty uses the system temp dir
		TempDir string `yaml:"tempDir"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Sink is the result table path (.csv or .json, optionally .zst)
		Sink string `yaml:"sink"`

		// LogLevel is one of debug, info, warn, error
		LogLevel string `yaml:"logLevel"`

		// Console selects human readable logs instead of JSON lines
		Console bool `yaml:"console"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Flow.Steps = []models.OperatorSpec{
		{Name: "threshold_minimum", Params: map[string]any{"min": 100}},
		{Name: "label", Params: map[string]any{"threshold": 0, "min_size": 10}},
	}
	cfg.Flow.Properties = []string{"centroid", "area", "sum"}
	cfg.Flow.Strict = true

	cfg.Processing.Processes = runtime.NumCPU()
	cfg.Processing.MemoryBudget = "1 GiB"
	cfg.Processing.Overlap = 10
	cfg.Processing.MinSizes = [3]int{20, 20, 20}
	cfg.Processing.AspectRatio = [3]float64{1, 1, 1}

	cfg.Output.Sink = "detections.csv"
	cfg.Output.LogLevel = "info"
	cfg.Output.Console = true

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
// The document is checked against the configuration schema before it is
// decoded, so misspelled keys and wrong types are reported with their path.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errs.Storagef("config", err, "read %s", configPath)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates a YAML document and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errs.Configf("config", "parse YAML: %v", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateDocument(doc); err != nil {
		return err
	}

	// Steps replace the defaults instead of merging into them
	if m, ok := doc.(map[string]any); ok {
		if flow, ok := m["flow"].(map[string]any); ok {
			if _, ok := flow["steps"]; ok {
				cfg.Flow.Steps = nil
			}
			if _, ok := flow["properties"]; ok {
				cfg.Flow.Properties = nil
			}
		}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errs.Configf("config", "decode: %v", err)
	}
	return nil
}

func validateDocument(doc any) error {
	var schemaData any
	if err := json.Unmarshal([]byte(schemaJSON), &schemaData); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaData))
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errs.Configf("config", "validate: %v", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errs.Configf("config", "invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Validate checks the fields that the schema cannot express.
func (c *Config) Validate() error {
	if c.Source.Path == "" {
		return errs.Configf("config", "source.path is required")
	}
	if c.Processing.Processes < 1 {
		return errs.Configf("config", "processing.processes must be at least 1, got %d", c.Processing.Processes)
	}
	constraints, err := c.Constraints()
	if err != nil {
		return err
	}
	if err := constraints.Validate(); err != nil {
		return err
	}
	if len(c.Flow.Steps) == 0 {
		return errs.Configf("config", "flow.steps must name at least one operator")
	}
	if c.Crop != nil {
		for a, r := range c.Crop.Ranges() {
			if r.Start < 0 || r.Stop <= r.Start {
				return errs.Configf("config", "crop along %s is empty or negative: [%d,%d)",
					models.AxisNames[a], r.Start, r.Stop)
			}
		}
	}
	return nil
}

// Budget parses processing.memoryBudget into bytes.
func (c *Config) Budget() (uint64, error) {
	n, err := humanize.ParseBytes(c.Processing.MemoryBudget)
	if err != nil {
		return 0, errs.Configf("config", "bad memoryBudget %q: %v", c.Processing.MemoryBudget, err)
	}
	if n == 0 {
		return 0, errs.Configf("config", "memoryBudget must be positive")
	}
	return n, nil
}

// Constraints returns the chunking constraints of the configuration.
func (c *Config) Constraints() (chunking.Constraints, error) {
	budget, err := c.Budget()
	if err != nil {
		return chunking.Constraints{}, err
	}
	return chunking.Constraints{
		Overlap:      c.Processing.Overlap,
		MinSizes:     c.Processing.MinSizes,
		AspectRatio:  c.Processing.AspectRatio,
		MemoryBudget: budget,
	}, nil
}

// CropRanges returns the crop, or nil when the whole source is processed
func (c *Config) CropRanges() *models.Ranges {
	if c.Crop == nil {
		return nil
	}
	r := c.Crop.Ranges()
	return &r
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
