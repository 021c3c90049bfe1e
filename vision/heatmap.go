package vision

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// HeatmapSlice extracts the (H, W) map of sample b and label l from a
// (B, L, H, W) heatmap tensor.
func HeatmapSlice(hm tensor.Tensor, b, l int) ([]float32, int, int, error) {
	shp := hm.Shape()
	if len(shp) != 4 {
		return nil, 0, 0, errors.Errorf("vision: heatmaps must be rank 4, got %v", shp)
	}
	if b >= shp[0] || l >= shp[1] {
		return nil, 0, 0, errors.Errorf("vision: index (%d, %d) outside %v", b, l, shp)
	}
	data, ok := hm.Data().([]float32)
	if !ok {
		return nil, 0, 0, errors.Errorf("vision: unsupported dtype %v", hm.Dtype())
	}
	h, w := shp[2], shp[3]
	start := (b*shp[1] + l) * h * w
	return append([]float32(nil), data[start:start+h*w]...), h, w, nil
}

// HeatmapPNG writes an (h, w) map as a min-max normalised grayscale PNG
// scaled up to size x size.
func HeatmapPNG(wr io.Writer, hm []float32, h, w, size int) error {
	if len(hm) != h*w || h == 0 || w == 0 {
		return errors.Errorf("vision: heatmap has %d values for %dx%d", len(hm), h, w)
	}
	lo, hi := hm[0], hm[0]
	for _, v := range hm {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	span := hi - lo

	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		sy := y * h / size
		for x := 0; x < size; x++ {
			sx := x * w / size
			var v float32
			if span > 0 {
				v = (hm[sy*w+sx] - lo) / span
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v * 255)})
		}
	}
	return png.Encode(wr, img)
}
