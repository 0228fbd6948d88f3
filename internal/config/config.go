package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for training and evaluation runs.
type Config struct {
	DataRoot      string        `yaml:"data_root"`
	Download      bool          `yaml:"download"`
	Mirror        string        `yaml:"mirror"`
	Epochs        int           `yaml:"epochs"`
	BatchSize     int           `yaml:"batch_size"`
	TestBatchSize int           `yaml:"test_batch_size"`
	Shuffle       bool          `yaml:"shuffle"`
	Seed          int64         `yaml:"seed"`
	LogEvery      int           `yaml:"log_every"`
	LearningRate  float64       `yaml:"learning_rate"`
	Models        []ModelConfig `yaml:"models"`
}

// ModelConfig describes one network to train or load.
type ModelConfig struct {
	Name       string `yaml:"name"`
	Arch       string `yaml:"arch"`
	Activation string `yaml:"activation"`
	Filters    int    `yaml:"filters"`
	Checkpoint string `yaml:"checkpoint"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoot     string
	Epochs       int
	BatchSize    int
	Seed         int64
	LogEvery     int
	LearningRate float64
	NoDownload   bool
}

// Default mirrors the experiment the harness was built for: an elu and a relu
// MNISTClassifier trained for 25 epochs with batches of 128.
func Default() *Config {
	return &Config{
		DataRoot:      "data",
		Download:      true,
		Epochs:        25,
		BatchSize:     128,
		TestBatchSize: 128,
		Shuffle:       true,
		Seed:          1,
		LogEvery:      20,
		LearningRate:  0.001,
		Models: []ModelConfig{
			{
				Name:       "MNISTClassifier_elu",
				Arch:       "mnist",
				Activation: "elu",
				Filters:    64,
				Checkpoint: filepath.Join("models", "MNISTClassifier_elu.ckpt"),
			},
			{
				Name:       "MNISTClassifier_relu",
				Arch:       "mnist",
				Activation: "relu",
				Filters:    64,
				Checkpoint: filepath.Join("models", "MNISTClassifier_relu.ckpt"),
			},
		},
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file keep
// their Default value.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}

	cfg, err := parseYAML(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.NoDownload {
		c.Download = false
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataRoot == "" {
		return errors.New("data_root must be set")
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.TestBatchSize <= 0 {
		c.TestBatchSize = c.BatchSize
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 20
	}
	if len(c.Models) == 0 {
		return errors.New("at least one model must be configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return errors.Errorf("models[%d]: name must be set", i)
		}
		if seen[m.Name] {
			return errors.Errorf("models[%d]: duplicate name %s", i, m.Name)
		}
		seen[m.Name] = true
		if m.Checkpoint == "" {
			return errors.Errorf("model %s: checkpoint must be set", m.Name)
		}
	}
	return nil
}

// Model returns the model entry called name.
func (c *Config) Model(name string) (ModelConfig, error) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, nil
		}
	}
	return ModelConfig{}, errors.Errorf("no model named %s in config", name)
}

func parseYAML(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}
