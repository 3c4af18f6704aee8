package purego

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"doge-go/nanovllm"
	"doge-go/purego/tensor"
)

// onnxSession is a session bound to input and output tensors of one
// sequence length
type onnxSession struct {
	session *ort.AdvancedSession
	ids     *ort.Tensor[int64]
	mask    *ort.Tensor[int64]
	logits  *ort.Tensor[float32]
}

func (s *onnxSession) destroy() {
	s.session.Destroy()
	s.ids.Destroy()
	s.mask.Destroy()
	s.logits.Destroy()
}

// ONNXModelRunner implements ModelRunner on a Doge graph exported to ONNX
// with inputs input_ids and attention_mask and output logits. The graph has
// no cache inputs, so every step feeds the whole sequence.
type ONNXModelRunner struct {
	modelPath string
	vocabSize int
	options   *ort.SessionOptions

	mu       sync.Mutex
	sessions map[int]*onnxSession
	samplers map[int64]tensor.Sampler
}

// NewONNXModelRunner creates a new ONNX-based model runner
func NewONNXModelRunner(modelPath string, vocabSize, threads int) (*ONNXModelRunner, error) {
	if vocabSize <= 0 {
		return nil, fmt.Errorf("vocab size must be positive, got %d", vocabSize)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if threads > 0 {
		if err := options.SetIntraOpNumThreads(threads); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	fmt.Printf("✓ ONNX runtime initialized (%s)\n", modelPath)
	return &ONNXModelRunner{
		modelPath: modelPath,
		vocabSize: vocabSize,
		options:   options,
		sessions:  make(map[int]*onnxSession),
		samplers:  make(map[int64]tensor.Sampler),
	}, nil
}

// session returns the session for seqLen, creating it on first use
func (m *ONNXModelRunner) session(seqLen int) (*onnxSession, error) {
	if s, ok := m.sessions[seqLen]; ok {
		return s, nil
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	ids, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	mask, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		ids.Destroy()
		return nil, fmt.Errorf("failed to create mask tensor: %w", err)
	}
	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(seqLen), int64(m.vocabSize)))
	if err != nil {
		ids.Destroy()
		mask.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		m.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]ort.Value{ids, mask},
		[]ort.Value{logits},
		m.options,
	)
	if err != nil {
		ids.Destroy()
		mask.Destroy()
		logits.Destroy()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s := &onnxSession{session: session, ids: ids, mask: mask, logits: logits}
	m.sessions[seqLen] = s
	return s, nil
}

func (m *ONNXModelRunner) sampler(seq *nanovllm.Sequence) (tensor.Sampler, error) {
	if s, ok := m.samplers[seq.SeqID]; ok {
		return s, nil
	}
	s, err := seq.SamplingParams().Sampler()
	if err != nil {
		return nil, err
	}
	m.samplers[seq.SeqID] = s
	return s, nil
}

// Run executes inference on the sequences
func (m *ONNXModelRunner) Run(seqs []*nanovllm.Sequence, isPrefill bool) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		if len(seq.TokenIDs) == 0 {
			return nil, fmt.Errorf("sequence %d has no tokens", seq.SeqID)
		}

		s, err := m.session(len(seq.TokenIDs))
		if err != nil {
			return nil, err
		}
		fillInputs(seq.TokenIDs, s.ids.GetData(), s.mask.GetData())

		if err := s.session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}

		sampler, err := m.sampler(seq)
		if err != nil {
			return nil, err
		}
		tokenIDs[i], err = sampler.Sample(lastRow(s.logits.GetData(), len(seq.TokenIDs), m.vocabSize))
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
		}
	}

	return tokenIDs, nil
}

// fillInputs writes the token ids and an all-ones mask
func fillInputs(tokenIDs []int, ids, mask []int64) {
	for j, id := range tokenIDs {
		ids[j] = int64(id)
		mask[j] = 1
	}
}

// lastRow returns the logits of the final position of a [1, seqLen, vocab]
// output
func lastRow(logits []float32, seqLen, vocab int) []float32 {
	start := (seqLen - 1) * vocab
	return logits[start : start+vocab]
}

// Release drops the sampler of a finished or preempted sequence
func (m *ONNXModelRunner) Release(seqID int64) {
	m.mu.Lock()
	delete(m.samplers, seqID)
	m.mu.Unlock()
}

// Close destroys every cached session
func (m *ONNXModelRunner) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		s.destroy()
	}
	clear(m.sessions)
	clear(m.samplers)
	return m.options.Destroy()
}

// VocabSize returns the vocabulary size
func (m *ONNXModelRunner) VocabSize() int {
	return m.vocabSize
}
