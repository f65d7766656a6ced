package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultDataset = "coco_traffic_test"

type Config struct {
	Model      ModelConfig    `yaml:"MODEL"`
	Input      InputConfig    `yaml:"INPUT"`
	Test       TestConfig     `yaml:"TEST"`
	Datasets   DatasetsConfig `yaml:"DATASETS"`
	Runtime    RuntimeConfig  `yaml:"RUNTIME"`
	DatasetDir string         `yaml:"DATASET_DIR"`
	OutputDir  string         `yaml:"OUTPUT_DIR"`
}

type ModelConfig struct {
	NumClasses  int      `yaml:"NUM_CLASSES"` // including background
	InputName   string   `yaml:"INPUT_NAME"`
	OutputNames []string `yaml:"OUTPUT_NAMES"` // boxes, labels, scores
}

type InputConfig struct {
	ImageSize int       `yaml:"IMAGE_SIZE"`
	PixelMean []float32 `yaml:"PIXEL_MEAN"`
	PixelStd  []float32 `yaml:"PIXEL_STD"`
}

type TestConfig struct {
	ConfidenceThreshold float32 `yaml:"CONFIDENCE_THRESHOLD"`
	MaxPerImage         int     `yaml:"MAX_PER_IMAGE"`
}

type DatasetsConfig struct {
	Test string `yaml:"TEST"`
}

type RuntimeConfig struct {
	LibraryPath    string `yaml:"LIBRARY_PATH"`
	Workers        int    `yaml:"WORKERS"`
	IntraOpThreads int    `yaml:"INTRA_OP_THREADS"`
}

func Default() *Config {
	return &Config{
		Model: ModelConfig{
			NumClasses:  5,
			InputName:   "images",
			OutputNames: []string{"boxes", "labels", "scores"},
		},
		Input: InputConfig{
			ImageSize: 300,
			PixelMean: []float32{123, 117, 104},
			PixelStd:  []float32{1, 1, 1},
		},
		Test: TestConfig{
			ConfidenceThreshold: 0.01,
			MaxPerImage:         100,
		},
		Datasets:   DatasetsConfig{Test: DefaultDataset},
		Runtime:    RuntimeConfig{Workers: 1},
		DatasetDir: "datasets",
		OutputDir:  "outputs",
	}
}

// Load merges the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := decodeInto(cfg, data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// MergeOpts applies KEY VALUE override pairs, e.g. "INPUT.IMAGE_SIZE", "512".
func MergeOpts(cfg *Config, opts []string) error {
	if len(opts)%2 != 0 {
		return fmt.Errorf("override list must be KEY VALUE pairs, got %d items", len(opts))
	}

	for i := 0; i < len(opts); i += 2 {
		key, raw := opts[i], opts[i+1]

		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}

		parts := strings.Split(key, ".")
		var node interface{} = value
		for j := len(parts) - 1; j >= 0; j-- {
			if parts[j] == "" {
				return fmt.Errorf("override %q: empty key segment", key)
			}
			node = map[string]interface{}{parts[j]: node}
		}

		data, err := yaml.Marshal(node)
		if err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}
		if err := decodeInto(cfg, data); err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}
	}
	return nil
}

func decodeInto(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Input.ImageSize <= 0 {
		errs = append(errs, fmt.Errorf("INPUT.IMAGE_SIZE must be positive, got %d", c.Input.ImageSize))
	}
	if len(c.Input.PixelMean) != 3 {
		errs = append(errs, fmt.Errorf("INPUT.PIXEL_MEAN needs 3 values, got %d", len(c.Input.PixelMean)))
	}
	if len(c.Input.PixelStd) != 3 {
		errs = append(errs, fmt.Errorf("INPUT.PIXEL_STD needs 3 values, got %d", len(c.Input.PixelStd)))
	}
	for _, s := range c.Input.PixelStd {
		if s == 0 {
			errs = append(errs, errors.New("INPUT.PIXEL_STD must not contain zero"))
			break
		}
	}
	if c.Test.ConfidenceThreshold < 0 || c.Test.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("TEST.CONFIDENCE_THRESHOLD must be in [0,1], got %v", c.Test.ConfidenceThreshold))
	}
	if c.Test.MaxPerImage <= 0 {
		errs = append(errs, fmt.Errorf("TEST.MAX_PER_IMAGE must be positive, got %d", c.Test.MaxPerImage))
	}
	if c.Runtime.Workers < 1 {
		errs = append(errs, fmt.Errorf("RUNTIME.WORKERS must be at least 1, got %d", c.Runtime.Workers))
	}
	if len(c.Model.OutputNames) != 3 {
		errs = append(errs, fmt.Errorf("MODEL.OUTPUT_NAMES needs boxes, labels and scores, got %v", c.Model.OutputNames))
	}
	if c.Model.NumClasses < 2 {
		errs = append(errs, fmt.Errorf("MODEL.NUM_CLASSES counts background and needs at least 2, got %d", c.Model.NumClasses))
	}
	if c.Model.InputName == "" {
		errs = append(errs, errors.New("MODEL.INPUT_NAME is empty"))
	}

	return errors.Join(errs...)
}
