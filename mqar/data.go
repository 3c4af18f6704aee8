// Package mqar implements the multi-query associative recall benchmark: a
// synthetic dataset of key/value contexts followed by key queries, small
// decoder models built from swappable sequence mixers, and a harness that
// evaluates a grid of such models.
package mqar

import (
	"fmt"
	"math"
	"path/filepath"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"doge-go/purego/tensor"
)

// IgnoreIndex marks label positions that carry no query answer
const IgnoreIndex = tensor.IgnoreIndex

// MQARConfig describes one dataset split
type MQARConfig struct {
	VocabSize        int     `json:"vocab_size"`
	InputSeqLen      int     `json:"input_seq_len"`
	NumExamples      int     `json:"num_examples"`
	NumKVPairs       int     `json:"num_kv_pairs"`
	PowerA           float64 `json:"power_a"`
	RandomNonQueries bool    `json:"random_non_queries"`
}

// Validate checks that the sequence fits the context and the queries
func (c MQARConfig) Validate() error {
	switch {
	case c.InputSeqLen <= 0 || c.InputSeqLen%2 != 0:
		return fmt.Errorf("input_seq_len must be even and positive, got %d", c.InputSeqLen)
	case c.VocabSize <= c.InputSeqLen:
		return fmt.Errorf("vocab_size %d must exceed input_seq_len %d", c.VocabSize, c.InputSeqLen)
	case c.NumKVPairs <= 0 || 4*c.NumKVPairs > c.InputSeqLen:
		return fmt.Errorf("num_kv_pairs %d needs 4*kv <= input_seq_len %d", c.NumKVPairs, c.InputSeqLen)
	case c.NumExamples <= 0:
		return fmt.Errorf("num_examples must be positive, got %d", c.NumExamples)
	case c.PowerA <= 0:
		return fmt.Errorf("power_a must be positive, got %g", c.PowerA)
	}
	return nil
}

// Segment is a generated split. Labels hold the answer value at each query
// position and IgnoreIndex elsewhere.
type Segment struct {
	Inputs [][]int
	Labels [][]int
}

// Len returns the number of examples
func (s *Segment) Len() int {
	return len(s.Inputs)
}

// Slice returns the examples in [start, end)
func (s *Segment) Slice(start, end int) *Segment {
	return &Segment{Inputs: s.Inputs[start:end], Labels: s.Labels[start:end]}
}

// gapWeights returns p_i ∝ a·i^(a-1) for i = 1..space
func gapWeights(space int, a float64) []float64 {
	w := make([]float64, space)
	for i := range w {
		w[i] = a * math.Pow(float64(i+1), a-1)
	}
	return w
}

// GenerateMQAR builds a deterministic dataset from seed.
//
// Each example opens with kv interleaved key/value pairs. Keys come from
// [1, V/2) and values from [V/2, V), both without replacement. The rest of
// the sequence is zero except for the queries: every key reappears at
// position 2kv + 2·gap, with gaps drawn without replacement under a power
// law that favours short distances. Inputs drop the last token and labels
// are shifted by one, so the label at a query position is its value.
func GenerateMQAR(cfg MQARConfig, seed uint64) (*Segment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src := rand.NewSource(seed)
	rng := rand.New(src)

	kv := cfg.NumKVPairs
	contextSize := 2 * kv
	keyVocab := cfg.VocabSize / 2
	space := (cfg.InputSeqLen - contextSize) / 2
	weights := gapWeights(space, cfg.PowerA)
	gapSampler := sampleuv.NewWeighted(weights, src)

	keys := make([]int, kv)
	values := make([]int, kv)
	seg := &Segment{
		Inputs: make([][]int, cfg.NumExamples),
		Labels: make([][]int, cfg.NumExamples),
	}

	for ex := range cfg.NumExamples {
		sampleuv.WithoutReplacement(keys, keyVocab-1, src)
		sampleuv.WithoutReplacement(values, cfg.VocabSize-keyVocab, src)

		example := make([]int, cfg.InputSeqLen+1)
		labels := make([]int, cfg.InputSeqLen+1)
		for i := range labels {
			labels[i] = IgnoreIndex
		}

		for i := range kv {
			keys[i]++
			values[i] += keyVocab
			example[2*i] = keys[i]
			example[2*i+1] = values[i]
		}

		gapSampler.ReweightAll(weights)
		for i := range kv {
			gap, ok := gapSampler.Take()
			if !ok {
				return nil, fmt.Errorf("ran out of query gaps at example %d", ex)
			}
			example[contextSize+2*gap] = keys[i]
			labels[contextSize+2*gap+1] = values[i]
		}

		inputs := example[:cfg.InputSeqLen]
		if cfg.RandomNonQueries {
			for i := contextSize; i < len(inputs); i++ {
				if inputs[i] == 0 {
					inputs[i] = rng.Intn(cfg.VocabSize)
				}
			}
		}

		seg.Inputs[ex] = inputs
		seg.Labels[ex] = labels[1:]
	}

	return seg, nil
}

// CachePath names the cache file of a split under dir
func CachePath(dir string, cfg MQARConfig, seed uint64) string {
	name := fmt.Sprintf("mqar-v%d-l%d-kv%d-n%d-a%g-rnq%t-seed%d.safetensors",
		cfg.VocabSize, cfg.InputSeqLen, cfg.NumKVPairs, cfg.NumExamples, cfg.PowerA, cfg.RandomNonQueries, seed)
	return filepath.Join(dir, name)
}

// SaveSegment writes a split as two I64 tensors, inputs and labels
func SaveSegment(path string, seg *Segment) error {
	if seg.Len() == 0 {
		return fmt.Errorf("empty segment")
	}
	seqLen := len(seg.Inputs[0])

	flatten := func(rows [][]int) ([]byte, error) {
		flat := make([]int64, 0, len(rows)*seqLen)
		for i, row := range rows {
			if len(row) != seqLen {
				return nil, fmt.Errorf("row %d has %d tokens, expected %d", i, len(row), seqLen)
			}
			for _, v := range row {
				flat = append(flat, int64(v))
			}
		}
		return tensor.EncodeInt64(flat), nil
	}

	inputs, err := flatten(seg.Inputs)
	if err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	labels, err := flatten(seg.Labels)
	if err != nil {
		return fmt.Errorf("labels: %w", err)
	}

	shape := []int{seg.Len(), seqLen}
	return tensor.WriteSafetensorsEntries(path, map[string]tensor.SafetensorsEntry{
		"inputs": {Dtype: tensor.DtypeI64, Shape: shape, Data: inputs},
		"labels": {Dtype: tensor.DtypeI64, Shape: shape, Data: labels},
	}, map[string]string{"format": "mqar"})
}

// LoadSegment reads a split written by SaveSegment
func LoadSegment(path string) (*Segment, error) {
	f, err := tensor.ReadSafetensors(path)
	if err != nil {
		return nil, err
	}

	unflatten := func(name string) ([][]int, error) {
		flat, shape, err := f.Int64s(name)
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 {
			return nil, fmt.Errorf("%s: expected 2 dims, got %v", name, shape)
		}
		rows := make([][]int, shape[0])
		for i := range rows {
			rows[i] = make([]int, shape[1])
			for j := range rows[i] {
				rows[i][j] = int(flat[i*shape[1]+j])
			}
		}
		return rows, nil
	}

	inputs, err := unflatten("inputs")
	if err != nil {
		return nil, err
	}
	labels, err := unflatten("labels")
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(labels) {
		return nil, fmt.Errorf("%d inputs but %d labels", len(inputs), len(labels))
	}
	return &Segment{Inputs: inputs, Labels: labels}, nil
}

// LoadOrGenerate reads the cached split under dir, generating and caching
// it on a miss. An empty dir disables the cache.
func LoadOrGenerate(dir string, cfg MQARConfig, seed uint64) (*Segment, error) {
	if dir == "" {
		return GenerateMQAR(cfg, seed)
	}
	path := CachePath(dir, cfg, seed)
	if seg, err := LoadSegment(path); err == nil {
		return seg, nil
	}
	seg, err := GenerateMQAR(cfg, seed)
	if err != nil {
		return nil, err
	}
	if err := SaveSegment(path, seg); err != nil {
		return nil, fmt.Errorf("failed to cache %s: %w", path, err)
	}
	return seg, nil
}
