package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"mlgcn/vision"
)

var (
	predictTop      int
	predictHeatmaps string
)

var predictCmd = &cobra.Command{
	Use:   "predict IMAGE...",
	Short: "Score images against every label",
	Long: `Runs the model on the given images as one batch and prints the top labels
per image. With --heatmaps, a grayscale PNG per image and label is written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().IntVarP(&predictTop, "top", "k", 5, "Labels to print per image")
	predictCmd.Flags().StringVar(&predictHeatmaps, "heatmaps", "", "Directory for per-label heatmap PNGs")
}

func runPredict(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	emb, err := labelEmbeddings(ctx)
	if err != nil {
		return err
	}
	cfg.Model.BatchSize = len(args)
	m, err := buildModel(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	images, err := vision.LoadBatch(ctx, args, m.Config.ImageSize)
	if err != nil {
		return err
	}
	out, err := m.Predict(images, emb)
	if err != nil {
		return err
	}
	scores, ok := out.Scores.Data().([]float32)
	if !ok {
		return errors.Errorf("unexpected score dtype %v", out.Scores.Dtype())
	}

	labels := cfg.Data.Labels
	w := cmd.OutOrStdout()
	for b, path := range args {
		row := scores[b*len(labels) : (b+1)*len(labels)]
		fmt.Fprintf(w, "%s\n", path)
		for _, l := range topK(row, predictTop) {
			fmt.Fprintf(w, "  %-20s %8.4f  p=%.3f\n", labels[l], row[l], sigmoid(row[l]))
		}
		if predictHeatmaps != "" {
			if err := writeHeatmaps(out.Heatmaps, b, path, m.Config.ImageSize); err != nil {
				return err
			}
		}
	}
	logger.Info("prediction done", zap.Int("images", len(args)), zap.Int("labels", len(labels)))
	return nil
}

func writeHeatmaps(hm tensor.Tensor, b int, image string, size int) error {
	if err := os.MkdirAll(predictHeatmaps, 0o755); err != nil {
		return errors.Wrap(err, "create heatmap directory")
	}
	stem := strings.TrimSuffix(filepath.Base(image), filepath.Ext(image))
	for l, label := range cfg.Data.Labels {
		data, h, w, err := vision.HeatmapSlice(hm, b, l)
		if err != nil {
			return err
		}
		path := filepath.Join(predictHeatmaps, fmt.Sprintf("%s_%s.png", stem, label))
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = vision.HeatmapPNG(f, data, h, w, size)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return errors.Wrap(err, path)
		}
	}
	return nil
}

func topK(row []float32, k int) []int {
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	if k > 0 && k < len(idx) {
		idx = idx[:k]
	}
	return idx
}

func sigmoid(x float32) float64 {
	return 1 / (1 + math.Exp(-float64(x)))
}
