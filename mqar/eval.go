package mqar

import (
	"context"
	"fmt"
	"math"

	"github.com/schollz/progressbar/v3"

	"doge-go/purego/tensor"
)

// Metrics summarizes a model on a split. Only positions with a label
// other than IgnoreIndex count.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Loss      float64 `json:"loss"`
	NumTokens int     `json:"num_tokens"`
}

// Evaluate runs model over seg in batches and scores the query positions
func Evaluate(ctx context.Context, model *LanguageModel, seg *Segment, batchSize int, progress bool) (Metrics, error) {
	if batchSize <= 0 {
		return Metrics{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if seg.Len() == 0 {
		return Metrics{}, fmt.Errorf("empty segment")
	}

	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.NewOptions(seg.Len(),
			progressbar.OptionSetDescription("Evaluating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
		defer bar.Finish()
	}

	var lossSum float64
	hits, count := 0, 0
	for start := 0; start < seg.Len(); start += batchSize {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}
		batch := seg.Slice(start, min(start+batchSize, seg.Len()))

		logits, err := model.Forward(batch.Inputs)
		if err != nil {
			return Metrics{}, fmt.Errorf("batch at %d: %w", start, err)
		}
		h, c, loss := scoreBatch(logits, batch.Labels)
		hits += h
		count += c
		lossSum += loss

		if bar != nil {
			_ = bar.Add(batch.Len())
		}
	}

	if count == 0 {
		return Metrics{Loss: math.NaN()}, nil
	}
	return Metrics{
		Accuracy:  float64(hits) / float64(count),
		Loss:      lossSum / float64(count),
		NumTokens: count,
	}, nil
}

// scoreBatch returns argmax hits, counted positions and summed loss for
// logits [batch, seq, vocab]
func scoreBatch(logits *tensor.Tensor, labels [][]int) (int, int, float64) {
	seqLen := logits.Shape[1]
	vocab := logits.Shape[2]

	flat := make([]int, 0, len(labels)*seqLen)
	for _, row := range labels {
		flat = append(flat, row...)
	}

	hits := 0
	for r, label := range flat {
		if label == IgnoreIndex {
			continue
		}
		if tensor.Argmax(logits.Data[r*vocab:(r+1)*vocab]) == label {
			hits++
		}
	}

	mean, count := tensor.CrossEntropy(logits, flat)
	if count == 0 {
		return 0, 0, 0
	}
	return hits, count, float64(mean) * float64(count)
}
