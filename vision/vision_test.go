package vision

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestPreprocessNormalises(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "white.png")
	writePNG(t, path, 10, 6, color.White)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	chw, err := Preprocess(f, 4)
	require.NoError(t, err)
	require.Len(t, chw, 3*4*4)
	for c := 0; c < 3; c++ {
		want := (1 - Mean[c]) / Std[c]
		assert.InDelta(t, want, chw[c*16], 1e-5)
		assert.InDelta(t, want, chw[c*16+15], 1e-5)
	}
}

func TestPreprocessRejectsGarbage(t *testing.T) {
	_, err := Preprocess(bytes.NewReader([]byte("not an image")), 4)
	assert.Error(t, err)
}

func TestLoadBatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writePNG(t, a, 8, 8, color.Black)
	writePNG(t, b, 8, 8, color.White)

	batch, err := LoadBatch(context.Background(), []string{a, b}, 4)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 4, 4}, batch.Shape())

	data := batch.Data().([]float32)
	assert.InDelta(t, -Mean[0]/Std[0], data[0], 1e-5)
	assert.InDelta(t, (1-Mean[0])/Std[0], data[3*16], 1e-5)

	_, err = LoadBatch(context.Background(), []string{a, filepath.Join(dir, "missing.png")}, 4)
	assert.Error(t, err)
}

func TestDataset(t *testing.T) {
	dir := t.TempDir()
	labels := []string{"cat", "dog", "car"}

	t.Run("targets and batches", func(t *testing.T) {
		path := filepath.Join(dir, "train.json")
		require.NoError(t, os.WriteFile(path, []byte(`[
			{"image": "1.png", "labels": ["cat", "dog"]},
			{"image": "2.png", "labels": ["car"]},
			{"image": "/abs/3.png", "labels": []}
		]`), 0o644))

		ds, err := LoadDataset(path, labels)
		require.NoError(t, err)
		assert.Equal(t, 3, ds.Len())
		assert.Equal(t, filepath.Join(dir, "1.png"), ds.Path(0))
		assert.Equal(t, "/abs/3.png", ds.Path(2))

		y := ds.Targets([]int{0, 1})
		assert.Equal(t, tensor.Shape{2, 3}, y.Shape())
		assert.Equal(t, []float32{1, 1, 0, 0, 0, 1}, y.Data())

		assert.Equal(t, [][]int{{0, 1}}, ds.Batches(nil, 2))
		assert.Equal(t, [][]int{{2}, {0}, {1}}, ds.Batches([]int{2, 0, 1}, 1))
		assert.Empty(t, ds.Batches(nil, 4))
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(dir, "train.yaml")
		require.NoError(t, os.WriteFile(path, []byte("- image: x.png\n  labels: [car]\n"), 0o644))
		ds, err := LoadDataset(path, labels)
		require.NoError(t, err)
		assert.Equal(t, []string{"car"}, ds.Samples[0].Labels)
	})

	t.Run("unknown label", func(t *testing.T) {
		_, err := NewDataset(dir, labels, []Sample{{Image: "x.png", Labels: []string{"bird"}}})
		assert.ErrorContains(t, err, "bird")
	})

	t.Run("co-occurrence", func(t *testing.T) {
		ds, err := NewDataset(dir, labels, []Sample{
			{Image: "1", Labels: []string{"cat", "dog"}},
			{Image: "2", Labels: []string{"cat"}},
			{Image: "3", Labels: []string{"cat", "cat"}},
		})
		require.NoError(t, err)
		s := ds.CoOccurrence()
		require.NoError(t, s.Validate())
		assert.Equal(t, []float64{3, 1, 0}, s.Nums)
		assert.Equal(t, [][]float64{{0, 1, 0}, {1, 0, 0}, {0, 0, 0}}, s.Adj)
	})
}

func TestHeatmap(t *testing.T) {
	hm := tensor.New(tensor.WithShape(1, 2, 2, 2), tensor.WithBacking([]float32{
		0, 0, 0, 0,
		1, 2, 3, 4,
	}))

	m, h, w, err := HeatmapSlice(hm, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, m)
	assert.Equal(t, 2, h)
	assert.Equal(t, 2, w)

	_, _, _, err = HeatmapSlice(hm, 0, 2)
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, HeatmapPNG(&buf, m, h, w, 8))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds())

	gray := color.GrayModel.Convert(img.At(0, 0)).(color.Gray)
	assert.Equal(t, uint8(0), gray.Y)
	gray = color.GrayModel.Convert(img.At(7, 7)).(color.Gray)
	assert.Equal(t, uint8(255), gray.Y)

	// a constant map renders black rather than dividing by zero
	flat, _, _, err := HeatmapSlice(hm, 0, 0)
	require.NoError(t, err)
	buf.Reset()
	assert.NoError(t, HeatmapPNG(&buf, flat, 2, 2, 4))
}
