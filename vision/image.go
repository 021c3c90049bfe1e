// Package vision loads images into NCHW batches, reads multi-label
// annotation files and renders heatmaps.
package vision

import (
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// ImageNet channel statistics used by the torchvision backbones.
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess decodes a JPEG or PNG image, resizes it to size x size with
// nearest-neighbour sampling and returns normalised CHW data.
func Preprocess(r io.Reader, size int) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	return fromImage(img, size), nil
}

func fromImage(img image.Image, size int) []float32 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	scaleX := float64(width) / float64(size)
	scaleY := float64(height) / float64(size)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < size; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}
			r, g, b, _ := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY).RGBA()
			idx := y*size + x
			out[idx] = (float32(r)/65535 - Mean[0]) / Std[0]
			out[plane+idx] = (float32(g)/65535 - Mean[1]) / Std[1]
			out[2*plane+idx] = (float32(b)/65535 - Mean[2]) / Std[2]
		}
	}
	return out
}

// LoadBatch decodes every path concurrently into a (len(paths), 3, size, size) tensor.
func LoadBatch(ctx context.Context, paths []string, size int) (*tensor.Dense, error) {
	plane := 3 * size * size
	data := make([]float32, len(paths)*plane)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			chw, err := Preprocess(f, size)
			if err != nil {
				return errors.Wrap(err, p)
			}
			copy(data[i*plane:(i+1)*plane], chw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(len(paths), 3, size, size), tensor.WithBacking(data)), nil
}
