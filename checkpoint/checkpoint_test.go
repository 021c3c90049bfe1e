package checkpoint

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestCheckpointJSONSaveLoad(t *testing.T) {
	sd := map[string]tensor.Tensor{
		"gc1.weight": tensor.New(tensor.WithShape(2, 3), tensor.WithBacking([]float32{1, 2, 3, 4, 5, 6})),
		"bn1.bias":   tensor.New(tensor.WithShape(1, 2, 1, 1), tensor.WithBacking([]float64{0.5, -0.5})),
	}

	cp, err := FromStateDict(sd, "grn50", []string{"cat", "dog"})
	require.NoError(t, err)
	assert.Equal(t, "bn1.bias", cp.Weights[0].Name, "weights are sorted by name")
	_, err = uuid.Parse(cp.Metadata.ID)
	assert.NoError(t, err)
	assert.Equal(t, Version, cp.Metadata.Version)

	path := filepath.Join(t.TempDir(), "nested", "model.json")
	require.NoError(t, cp.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cp.Weights, loaded.Weights); diff != "" {
		t.Errorf("weights differ after reload (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"cat", "dog"}, loaded.Labels)
	assert.Equal(t, "grn50", loaded.Metadata.Arch)

	back, err := loaded.StateDict()
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3}, back["gc1.weight"].Shape())
	assert.Equal(t, []float32{0.5, -0.5}, back["bn1.bias"].Data())
}

func TestCheckpointStateDictRejectsBadShape(t *testing.T) {
	cp := &Checkpoint{Weights: []WeightTensor{{Name: "w", Shape: []int{2, 2}, Data: []float32{1, 2, 3}}}}
	_, err := cp.StateDict()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestContiguous(t *testing.T) {
	assert.True(t, contiguous([]int{2, 3, 4}, []int{12, 4, 1}))
	assert.True(t, contiguous([]int{5, 1}, []int{1, 7}))
	assert.False(t, contiguous([]int{3, 2}, []int{1, 3}))
	assert.True(t, contiguous(nil, nil))
}

func TestFetchCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, "weights")
	}))
	defer srv.Close()

	dir := t.TempDir()
	ctx := context.Background()

	p1, err := Fetch(ctx, srv.URL+"/models/resnet-test.pth", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "resnet-test.pth"), p1)

	p2, err := Fetch(ctx, srv.URL+"/models/resnet-test.pth", dir)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	body, err := os.ReadFile(p1)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(body))
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dir := t.TempDir()
	_, err := Fetch(context.Background(), srv.URL+"/missing.pth", dir)
	assert.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "missing.pth"))
	assert.True(t, os.IsNotExist(statErr))
}
