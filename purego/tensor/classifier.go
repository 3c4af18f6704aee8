package tensor

import "fmt"

// Labels are the targets of a classification batch. Int holds one class
// per row; Float holds a row of targets for regression or multi-label
// problems.
type Labels struct {
	Int   []int
	Float [][]float32
}

// SequenceClassifierOutput holds the pooled logits and optional loss
type SequenceClassifierOutput struct {
	Loss         *float32
	Logits       *Tensor // [batch, num_labels]
	Cache        *KVCache
	HiddenStates []*Tensor
}

// DogeForSequenceClassification scores each sequence from the hidden state
// of its last non-pad token.
type DogeForSequenceClassification struct {
	Config         *ModelConfig
	Model          *DogeModel
	Classifier     *Tensor // [num_labels, hidden]
	ClassifierBias *Tensor // [num_labels]
}

// NewDogeForSequenceClassification allocates an uninitialized classifier
func NewDogeForSequenceClassification(config *ModelConfig) (*DogeForSequenceClassification, error) {
	if config.NumLabels < 1 {
		return nil, fmt.Errorf("%w: num_labels must be positive, got %d", ErrInvalidConfig, config.NumLabels)
	}
	model, err := NewDogeModel(config)
	if err != nil {
		return nil, err
	}
	return &DogeForSequenceClassification{
		Config:         config,
		Model:          model,
		Classifier:     NewTensor(config.NumLabels, config.Hidden),
		ClassifierBias: NewTensor(config.NumLabels),
	}, nil
}

// Forward scores every position, pools one row per sequence and computes
// the loss when labels are given.
func (c *DogeForSequenceClassification) Forward(in ForwardInput, labels *Labels) (*SequenceClassifierOutput, error) {
	out, err := c.Model.Forward(in)
	if err != nil {
		return nil, err
	}
	scores := Linear(out.LastHiddenState, c.Classifier, c.ClassifierBias)
	batch, seqLen, numLabels := scores.Shape[0], scores.Shape[1], scores.Shape[2]

	pad := c.Config.PadTokenID
	if pad < 0 && batch != 1 {
		return nil, fmt.Errorf("%w: cannot handle batch sizes > 1 if no padding token is defined", ErrInvalidInput)
	}

	pooled := NewTensor(batch, numLabels)
	for b := 0; b < batch; b++ {
		idx := seqLen - 1
		if pad >= 0 && in.InputIDs != nil {
			idx = lastTokenIndex(in.InputIDs[b], pad)
		}
		copy(pooled.Row(b), scores.Data[(b*seqLen+idx)*numLabels:(b*seqLen+idx+1)*numLabels])
	}

	result := &SequenceClassifierOutput{Logits: pooled, Cache: out.Cache, HiddenStates: out.HiddenStates}
	if labels != nil {
		loss, err := c.loss(pooled, labels)
		if err != nil {
			return nil, err
		}
		result.Loss = &loss
	}
	return result, nil
}

// lastTokenIndex returns (first pad index - 1) mod len, so a row without pad
// pools its final token.
func lastTokenIndex(ids []int, pad int) int {
	first := 0
	for i, id := range ids {
		if id == pad {
			first = i
			break
		}
	}
	n := len(ids)
	return ((first-1)%n + n) % n
}

// ProblemType returns the configured problem type or infers one from the
// label count and label kind.
func (c *DogeForSequenceClassification) ProblemType(labels *Labels) string {
	if c.Config.ProblemType != "" {
		return c.Config.ProblemType
	}
	switch {
	case c.Config.NumLabels == 1:
		return ProblemRegression
	case labels.Int != nil:
		return ProblemSingleLabel
	default:
		return ProblemMultiLabel
	}
}

func (c *DogeForSequenceClassification) loss(logits *Tensor, labels *Labels) (float32, error) {
	batch, numLabels := logits.Shape[0], logits.Shape[1]

	switch c.ProblemType(labels) {
	case ProblemRegression:
		targets := make([]float32, 0, batch*numLabels)
		switch {
		case labels.Float != nil:
			for _, row := range labels.Float {
				targets = append(targets, row...)
			}
		case labels.Int != nil:
			for _, v := range labels.Int {
				targets = append(targets, float32(v))
			}
		}
		if len(targets) != len(logits.Data) {
			return 0, fmt.Errorf("%w: %d regression targets for %d outputs", ErrShapeMismatch, len(targets), len(logits.Data))
		}
		return MeanSquaredError(logits.Data, targets), nil

	case ProblemSingleLabel:
		if len(labels.Int) != batch {
			return 0, fmt.Errorf("%w: %d class labels for batch %d", ErrShapeMismatch, len(labels.Int), batch)
		}
		for _, l := range labels.Int {
			if l != IgnoreIndex && (l < 0 || l >= numLabels) {
				return 0, fmt.Errorf("%w: class %d outside %d labels", ErrInvalidInput, l, numLabels)
			}
		}
		loss, _ := CrossEntropy(logits, labels.Int)
		return loss, nil

	default:
		if len(labels.Float) != batch {
			return 0, fmt.Errorf("%w: %d multi-label rows for batch %d", ErrShapeMismatch, len(labels.Float), batch)
		}
		targets := make([]float32, 0, batch*numLabels)
		for b, row := range labels.Float {
			if len(row) != numLabels {
				return 0, fmt.Errorf("%w: multi-label row %d has %d targets, expected %d", ErrShapeMismatch, b, len(row), numLabels)
			}
			targets = append(targets, row...)
		}
		return BCEWithLogits(logits.Data, targets), nil
	}
}
