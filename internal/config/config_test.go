package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mlgcn/resnet"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mlgcn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  arch: resnet50
  batch_size: 4
graph:
  stats: coco_adj.pkl
  tao: 0.5
data:
  labels: [cat, dog]
train:
  optimizer: adam
  lr: 0.01
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "adam", cfg.Train.Optimizer)
	assert.Equal(t, 0.9, cfg.Train.Momentum)
	assert.Equal(t, 0.15, cfg.Graph.P)
	assert.Equal(t, 0.5, cfg.Graph.Tao)

	mc, err := cfg.ModelConfig()
	require.NoError(t, err)
	assert.Equal(t, resnet.Layers50, mc.Layers)
	assert.Equal(t, 2, mc.NumLabels)
	assert.Equal(t, 4, mc.BatchSize)
	assert.Equal(t, 448, mc.ImageSize)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mlgcn.yaml")
	cfg := Default()
	cfg.Data.Labels = []string{"a", "b"}
	require.NoError(t, cfg.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Data.Labels, got.Data.Labels)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.ErrorContains(t, cfg.Validate(), "labels")

	cfg.Data.Labels = []string{"a"}
	assert.ErrorContains(t, cfg.Validate(), "stats")

	cfg.Graph.Stats = "adj.json"
	cfg.Model.Arch = "vgg16"
	assert.ErrorContains(t, cfg.Validate(), "vgg16")
	_, err := cfg.ModelConfig()
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("numeric overrides", func(t *testing.T) {
		t.Setenv("MLGCN_LR", "0.05")
		t.Setenv("MLGCN_EPOCHS", "3")
		t.Setenv("MLGCN_BATCH_SIZE", "8")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, 0.05, cfg.Train.LR)
		assert.Equal(t, 3, cfg.Train.Epochs)
		assert.Equal(t, 8, cfg.Model.BatchSize)
	})

	t.Run("invalid numbers keep the file value", func(t *testing.T) {
		t.Setenv("MLGCN_EPOCHS", "many")
		t.Setenv("MLGCN_LR", "")

		cfg := Default()
		cfg.Train.Epochs = 7
		cfg.applyEnvOverrides()

		assert.Equal(t, 7, cfg.Train.Epochs)
		assert.Equal(t, 0.1, cfg.Train.LR)
	})

	t.Run("paths", func(t *testing.T) {
		t.Setenv("MLGCN_MODELS_DIR", "/cache")
		t.Setenv("MLGCN_ENCODER", "bert-base-uncased")

		cfg := Default()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/cache", cfg.Paths.ModelsDir)
		assert.Equal(t, "bert-base-uncased", cfg.Paths.Encoder)
	})
}
