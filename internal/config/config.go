// Package config loads the mlgcn YAML configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mlgcn/embedding"
	"mlgcn/model"
	"mlgcn/resnet"
	"mlgcn/train"
)

// Config is the top-level configuration.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Graph   GraphConfig   `yaml:"graph"`
	Data    DataConfig    `yaml:"data"`
	Train   train.Config  `yaml:"train"`
	Paths   PathsConfig   `yaml:"paths"`
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig selects the architecture and the static graph sizes.
type ModelConfig struct {
	Arch       string `yaml:"arch"` // resnet50 or resnet101
	InChannel  int    `yaml:"in_channel"`
	BatchSize  int    `yaml:"batch_size"`
	ImageSize  int    `yaml:"image_size"`
	Pretrained bool   `yaml:"pretrained"`
	GCBias     bool   `yaml:"gc_bias"`
	Seed       int64  `yaml:"seed"`
}

// GraphConfig controls how the label adjacency is built.
type GraphConfig struct {
	Stats string  `yaml:"stats"` // .json, .yaml or .pkl co-occurrence file
	P     float64 `yaml:"p"`
	Tao   float64 `yaml:"tao"`
}

// DataConfig names the label vocabulary and annotation files.
type DataConfig struct {
	Labels []string `yaml:"labels"`
	Train  string   `yaml:"train"`
	Val    string   `yaml:"val"`
}

// PathsConfig locates models and label embeddings.
type PathsConfig struct {
	ModelsDir  string `yaml:"models_dir"`
	Checkpoint string `yaml:"checkpoint"`
	Embeddings string `yaml:"embeddings"` // vector file; empty uses Encoder
	Encoder    string `yaml:"encoder"`
}

// LoggingConfig sets the zap level and encoding.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // json or console
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	mc := model.DefaultConfig()
	return &Config{
		Model: ModelConfig{
			Arch:      "resnet101",
			InChannel: mc.InChannel,
			BatchSize: mc.BatchSize,
			ImageSize: mc.ImageSize,
		},
		Graph: GraphConfig{P: mc.P, Tao: mc.Tao},
		Train: train.DefaultConfig(),
		Paths: PathsConfig{
			ModelsDir: "./models",
			Encoder:   embedding.DefaultEncoderModel,
		},
		Logging: LoggingConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(err, "read config")
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(err, "parse config")
			}
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create config directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write config")
}

func (c *Config) applyEnvOverrides() {
	c.Train.LR = getenvFloat("MLGCN_LR", c.Train.LR)
	c.Train.Epochs = getenvInt("MLGCN_EPOCHS", c.Train.Epochs)
	c.Model.BatchSize = getenvInt("MLGCN_BATCH_SIZE", c.Model.BatchSize)
	if v := os.Getenv("MLGCN_MODELS_DIR"); v != "" {
		c.Paths.ModelsDir = v
	}
	if v := os.Getenv("MLGCN_ENCODER"); v != "" {
		c.Paths.Encoder = v
	}
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	if len(c.Data.Labels) == 0 {
		return errors.New("config: data.labels is empty")
	}
	if c.Graph.Stats == "" {
		return errors.New("config: graph.stats is not set")
	}
	if _, err := c.layers(); err != nil {
		return err
	}
	return nil
}

func (c *Config) layers() ([4]int, error) {
	switch c.Model.Arch {
	case "resnet50":
		return resnet.Layers50, nil
	case "resnet101", "":
		return resnet.Layers101, nil
	}
	return [4]int{}, errors.Errorf("config: unknown arch %q (valid: resnet50, resnet101)", c.Model.Arch)
}

// ModelConfig converts the file settings into a model configuration.
func (c *Config) ModelConfig() (model.Config, error) {
	layers, err := c.layers()
	if err != nil {
		return model.Config{}, err
	}
	mc := model.DefaultConfig()
	mc.Block = resnet.Bottleneck
	mc.Layers = layers
	mc.NumLabels = len(c.Data.Labels)
	mc.InChannel = c.Model.InChannel
	mc.BatchSize = c.Model.BatchSize
	mc.ImageSize = c.Model.ImageSize
	mc.P = c.Graph.P
	mc.Tao = c.Graph.Tao
	mc.GCBias = c.Model.GCBias
	mc.Seed = c.Model.Seed
	return mc, nil
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
