package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAdjCommand(t *testing.T) {
	dir := t.TempDir()
	stats := filepath.Join(dir, "adj.json")
	require.NoError(t, os.WriteFile(stats, []byte(`{"adj": [[0, 8], [2, 0]], "nums": [10, 4]}`), 0o644))
	conf := filepath.Join(dir, "mlgcn.yaml")
	require.NoError(t, os.WriteFile(conf, []byte(`
graph:
  stats: `+stats+`
data:
  labels: [cat, dog]
logging:
  level: error
`), 0o644))

	out, err := execute(t, "adj", "--config", conf)
	require.NoError(t, err)
	assert.Contains(t, out, "A =")
	assert.Contains(t, out, "GenAdj(A) =")
}

func TestAdjCommandNeedsLabels(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("logging:\n  level: error\n"), 0o644))

	_, err := execute(t, "adj", "--config", conf)
	assert.ErrorContains(t, err, "labels")
}

func TestTopK(t *testing.T) {
	row := []float32{0.1, 3, -2, 0.5}
	assert.Equal(t, []int{1, 3}, topK(row, 2))
	assert.Equal(t, []int{1, 3, 0, 2}, topK(row, 0))
	assert.Equal(t, []int{1, 3, 0, 2}, topK(row, 10))
}

func TestSigmoid(t *testing.T) {
	assert.InDelta(t, 0.5, sigmoid(0), 1e-12)
	assert.Greater(t, sigmoid(4), 0.98)
	assert.Less(t, sigmoid(-4), 0.02)
}

func TestEqualStrings(t *testing.T) {
	assert.True(t, equalStrings([]string{"a", "b"}, []string{"a", "b"}))
	assert.False(t, equalStrings([]string{"a"}, []string{"a", "b"}))
	assert.False(t, equalStrings([]string{"a", "c"}, []string{"a", "b"}))
}

func TestStatsThenAdj(t *testing.T) {
	dir := t.TempDir()
	ann := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(ann, []byte(`[
		{"image": "1.png", "labels": ["cat", "dog"]},
		{"image": "2.png", "labels": ["cat"]}
	]`), 0o644))
	stats := filepath.Join(dir, "adj.json")
	conf := filepath.Join(dir, "mlgcn.yaml")
	require.NoError(t, os.WriteFile(conf, []byte(`
graph:
  stats: `+stats+`
data:
  labels: [cat, dog]
  train: `+ann+`
logging:
  level: error
`), 0o644))

	_, err := execute(t, "stats", stats, "--config", conf)
	require.NoError(t, err)

	raw, err := os.ReadFile(stats)
	require.NoError(t, err)
	assert.JSONEq(t, `{"adj": [[0, 1], [1, 0]], "nums": [2, 1]}`, string(raw))

	_, err = execute(t, "adj", "--config", conf)
	assert.NoError(t, err)
}
