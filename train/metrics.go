package train

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// AveragePrecision ranks samples by descending score and averages the
// precision at every positive. It returns NaN when there are no positives.
func AveragePrecision(scores, targets []float64) float64 {
	n := len(scores)
	neg := make([]float64, n)
	for i, s := range scores {
		neg[i] = -s
	}
	order := make([]int, n)
	floats.Argsort(neg, order)

	var hits, sum float64
	for rank, i := range order {
		if targets[i] <= 0 {
			continue
		}
		hits++
		sum += hits / float64(rank+1)
	}
	if hits == 0 {
		return math.NaN()
	}
	return sum / hits
}

// MeanAP computes per-label AP over (N, L) row-major scores and targets and
// their mean over the labels that have at least one positive.
func MeanAP(scores, targets []float64, labels int) (float64, []float64) {
	n := len(scores) / labels
	ap := make([]float64, labels)
	col := make([]float64, n)
	tcol := make([]float64, n)

	var total float64
	var counted int
	for l := 0; l < labels; l++ {
		for i := 0; i < n; i++ {
			col[i] = scores[i*labels+l]
			tcol[i] = targets[i*labels+l]
		}
		ap[l] = AveragePrecision(col, tcol)
		if !math.IsNaN(ap[l]) {
			total += ap[l]
			counted++
		}
	}
	if counted == 0 {
		return math.NaN(), ap
	}
	return total / float64(counted), ap
}
