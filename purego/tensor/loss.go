package tensor

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// IgnoreIndex marks label positions excluded from the loss
const IgnoreIndex = -100

// CrossEntropy returns the mean negative log-likelihood of labels under
// logits [n, vocab] and the number of counted rows. Rows labelled
// IgnoreIndex are skipped; the mean is NaN when every row is skipped.
func CrossEntropy(logits *Tensor, labels []int) (float32, int) {
	rows := logits.Rows()
	if rows != len(labels) {
		panic("cross entropy: logits rows do not match labels")
	}
	vocab := logits.Shape[len(logits.Shape)-1]
	row64 := make([]float64, vocab)

	var total float64
	count := 0
	for r, label := range labels {
		if label == IgnoreIndex {
			continue
		}
		if label < 0 || label >= vocab {
			panic("cross entropy: label outside vocab")
		}
		for i, v := range logits.Row(r) {
			row64[i] = float64(v)
		}
		total += floats.LogSumExp(row64) - row64[label]
		count++
	}
	if count == 0 {
		return float32(math.NaN()), 0
	}
	return float32(total / float64(count)), count
}

// MeanSquaredError averages (pred - target)^2 over every element
func MeanSquaredError(pred, target []float32) float32 {
	if len(pred) != len(target) {
		panic("mse: length mismatch")
	}
	diff := make([]float64, len(pred))
	for i := range pred {
		d := float64(pred[i] - target[i])
		diff[i] = d * d
	}
	return float32(floats.Sum(diff) / float64(len(diff)))
}

// BCEWithLogits averages the binary cross entropy of sigmoid(logits)
// against targets in the numerically stable form
// max(x, 0) - x*y + log(1 + exp(-|x|)).
func BCEWithLogits(logits, targets []float32) float32 {
	if len(logits) != len(targets) {
		panic("bce: length mismatch")
	}
	terms := make([]float64, len(logits))
	for i := range logits {
		x, y := float64(logits[i]), float64(targets[i])
		terms[i] = math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	return float32(floats.Sum(terms) / float64(len(terms)))
}
