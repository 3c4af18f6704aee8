package tensor

import (
	"context"
	"fmt"
)

// DogeForCausalLM is the decoder stack with a language modelling head
type DogeForCausalLM struct {
	Config *ModelConfig
	Model  *DogeModel
	LMHead *Tensor // [vocab_size, hidden]; aliases WordEmbed when tied
}

// CausalLMOutput holds the result of DogeForCausalLM.Forward
type CausalLMOutput struct {
	Loss         *float32
	Logits       *Tensor // [batch, kept, vocab_size]
	Cache        *KVCache
	HiddenStates []*Tensor
}

// NewDogeForCausalLM allocates an uninitialized causal LM
func NewDogeForCausalLM(config *ModelConfig) (*DogeForCausalLM, error) {
	model, err := NewDogeModel(config)
	if err != nil {
		return nil, err
	}
	lm := &DogeForCausalLM{Config: config, Model: model}
	lm.TieWeights()
	return lm, nil
}

// TieWeights points LMHead at the word embedding when the config ties them
// and allocates a separate head otherwise.
func (lm *DogeForCausalLM) TieWeights() {
	if lm.Config.TieWordEmbeddings {
		lm.LMHead = lm.Model.WordEmbed
		return
	}
	if lm.LMHead == nil || lm.LMHead == lm.Model.WordEmbed {
		lm.LMHead = NewTensor(lm.Config.VocabSize, lm.Config.Hidden)
	}
}

// Forward computes logits for the last numLogitsToKeep positions (all when 0)
// and, when labels are given, the shifted next-token cross entropy.
func (lm *DogeForCausalLM) Forward(in ForwardInput, labels [][]int, numLogitsToKeep int) (*CausalLMOutput, error) {
	if numLogitsToKeep < 0 {
		return nil, fmt.Errorf("%w: negative num_logits_to_keep %d", ErrInvalidInput, numLogitsToKeep)
	}
	out, err := lm.Model.Forward(in)
	if err != nil {
		return nil, err
	}

	hidden := out.LastHiddenState
	seqLen := hidden.Shape[1]
	if numLogitsToKeep > 0 && numLogitsToKeep < seqLen {
		hidden = hidden.SliceSeq(seqLen-numLogitsToKeep, seqLen)
	}
	logits := Linear(hidden, lm.LMHead, nil)

	result := &CausalLMOutput{Logits: logits, Cache: out.Cache, HiddenStates: out.HiddenStates}
	if labels != nil {
		loss, err := shiftedCrossEntropy(logits, labels)
		if err != nil {
			return nil, err
		}
		result.Loss = &loss
	}
	return result, nil
}

// shiftedCrossEntropy scores logits[:, :-1] against labels[:, 1:]
func shiftedCrossEntropy(logits *Tensor, labels [][]int) (float32, error) {
	batch, seqLen, vocab := logits.Shape[0], logits.Shape[1], logits.Shape[2]
	if len(labels) != batch {
		return 0, fmt.Errorf("%w: %d label rows for batch %d", ErrShapeMismatch, len(labels), batch)
	}
	if seqLen < 2 {
		return 0, fmt.Errorf("%w: need at least two positions for a shifted loss", ErrInvalidInput)
	}

	shifted := NewTensor(batch*(seqLen-1), vocab)
	targets := make([]int, 0, batch*(seqLen-1))
	for b, row := range labels {
		if len(row) != seqLen {
			return 0, fmt.Errorf("%w: label row %d has %d entries, logits have %d", ErrShapeMismatch, b, len(row), seqLen)
		}
		for s := 0; s < seqLen-1; s++ {
			label := row[s+1]
			if label != IgnoreIndex && (label < 0 || label >= vocab) {
				return 0, fmt.Errorf("%w: label %d outside vocab of %d", ErrInvalidInput, label, vocab)
			}
			copy(shifted.Row(b*(seqLen-1)+s), logits.Data[(b*seqLen+s)*vocab:(b*seqLen+s+1)*vocab])
			targets = append(targets, label)
		}
	}
	loss, _ := CrossEntropy(shifted, targets)
	return loss, nil
}

// GenerationInputs are the model inputs for the next generation step
type GenerationInputs struct {
	InputIDs      [][]int
	PositionIDs   [][]int
	CachePosition []int
}

// PrepareInputsForGeneration trims ids to the part not yet in cache and
// derives position ids from the attention mask so left padding does not
// shift positions.
func (lm *DogeForCausalLM) PrepareInputsForGeneration(inputIDs [][]int, attentionMask [][]float32, cache *KVCache) GenerationInputs {
	past := cache.SeqLen()
	total := len(inputIDs[0])

	in := GenerationInputs{
		InputIDs:      make([][]int, len(inputIDs)),
		CachePosition: make([]int, total-past),
	}
	for i := range in.CachePosition {
		in.CachePosition[i] = past + i
	}
	for b, row := range inputIDs {
		in.InputIDs[b] = row[past:]
	}

	if attentionMask != nil {
		in.PositionIDs = make([][]int, len(attentionMask))
		for b, row := range attentionMask {
			positions := make([]int, len(row))
			cum := 0
			for s, v := range row {
				if v != 0 {
					cum++
				}
				positions[s] = cum - 1
				if v == 0 {
					positions[s] = 1
				}
			}
			in.PositionIDs[b] = positions[len(positions)-(total-past):]
		}
	}
	return in
}

// GenerateOptions controls DogeForCausalLM.Generate
type GenerateOptions struct {
	MaxNewTokens int
	Sampler      Sampler // nil means greedy
	EOS          int
	StopOnEOS    bool
}

// Generate extends each prompt by up to MaxNewTokens tokens. Prompts of
// different lengths are left padded with the pad token. A row stops at its
// first EOS when StopOnEOS is set; the returned tokens exclude that EOS.
func (lm *DogeForCausalLM) Generate(ctx context.Context, prompts [][]int, opts GenerateOptions) ([][]int, error) {
	if len(prompts) == 0 {
		return nil, nil
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = Greedy{}
	}

	maxLen := 0
	for i, p := range prompts {
		if len(p) == 0 {
			return nil, fmt.Errorf("%w: prompt %d is empty", ErrInvalidInput, i)
		}
		maxLen = max(maxLen, len(p))
	}

	pad := max(lm.Config.PadTokenID, 0)
	ids := make([][]int, len(prompts))
	mask := make([][]float32, len(prompts))
	for b, p := range prompts {
		offset := maxLen - len(p)
		ids[b] = make([]int, maxLen, maxLen+opts.MaxNewTokens)
		mask[b] = make([]float32, maxLen, maxLen+opts.MaxNewTokens)
		for s := range ids[b] {
			if s < offset {
				ids[b][s] = pad
				continue
			}
			ids[b][s] = p[s-offset]
			mask[b][s] = 1
		}
	}

	cache := lm.Model.NewCache()
	generated := make([][]int, len(prompts))
	finished := make([]bool, len(prompts))
	for i := 0; i < opts.MaxNewTokens; i++ {
		if err := ctx.Err(); err != nil {
			return generated, err
		}

		inputs := lm.PrepareInputsForGeneration(ids, mask, cache)
		out, err := lm.Forward(ForwardInput{
			InputIDs:      inputs.InputIDs,
			AttentionMask: mask,
			PositionIDs:   inputs.PositionIDs,
			Cache:         cache,
			CachePosition: inputs.CachePosition,
		}, nil, 1)
		if err != nil {
			return generated, fmt.Errorf("failed to run decode step: %w", err)
		}

		done := true
		for b := range ids {
			next := pad
			if !finished[b] {
				next, err = sampler.Sample(out.Logits.Row(b))
				if err != nil {
					return generated, fmt.Errorf("failed to sample: %w", err)
				}
				if opts.StopOnEOS && next == opts.EOS {
					finished[b] = true
				} else {
					generated[b] = append(generated[b], next)
				}
			}
			ids[b] = append(ids[b], next)
			mask[b] = append(mask[b], 1)
			done = done && finished[b]
		}
		if done {
			break
		}
	}
	return generated, nil
}

// NextTokenLogits runs the part of ids not yet in cache as a single
// unpadded sequence and returns the logits of its last position. cache is
// extended in place.
func (lm *DogeForCausalLM) NextTokenLogits(ids []int, cache *KVCache) ([]float32, error) {
	past := cache.SeqLen()
	if past >= len(ids) {
		return nil, fmt.Errorf("%w: %d tokens already cached for a sequence of %d", ErrInvalidInput, past, len(ids))
	}
	out, err := lm.Forward(ForwardInput{InputIDs: [][]int{ids[past:]}, Cache: cache}, nil, 1)
	if err != nil {
		return nil, err
	}
	return out.Logits.Row(0), nil
}
