package tensor

import (
	"cmp"
	"fmt"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
)

type scoredIndex struct {
	index int
	score float32
}

// descending by score with NaN last, then ascending by index
func scoredIndexComparator(a, b scoredIndex) int {
	if c := cmp.Compare(b.score, a.score); c != 0 {
		return c
	}
	return cmp.Compare(a.index, b.index)
}

// TopK returns the k largest values and their indices in descending order.
// Ties keep the lower index first and NaN ranks below every number, so the
// result always holds k entries.
func TopK(values []float32, k int) ([]float32, []int) {
	if k < 1 || k > len(values) {
		panic(fmt.Sprintf("top-k: k=%d out of range for %d values", k, len(values)))
	}

	q := pq.NewWith(scoredIndexComparator)
	for i, v := range values {
		q.Enqueue(scoredIndex{index: i, score: v})
	}

	vals := make([]float32, k)
	idx := make([]int, k)
	for i := range k {
		item, _ := q.Dequeue()
		vals[i] = item.score
		idx[i] = item.index
	}
	return vals, idx
}
