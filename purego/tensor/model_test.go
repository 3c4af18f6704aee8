package tensor

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() *ModelConfig {
	c := NewDogeConfig()
	c.NumLayers = 2
	c.VocabSize = 32
	c.Hidden = 16
	c.NumAttentionHeads = 4
	c.MaxPositionEmbeddings = 64
	c.InitializerRange = 0.2
	c.SharedExpertIntermediateSize = 32
	c.PrivateExpertIntermediateSize = 8
	c.NumCDMoMEExperts = 16
	c.NumCDMoMEHeads = 2
	c.NumCDMoMEExpertsPerHead = 2
	return c
}

func tinyLM(t *testing.T, c *ModelConfig) *DogeForCausalLM {
	t.Helper()
	lm, err := NewDogeForCausalLM(c)
	require.NoError(t, err)
	lm.InitWeights(7)
	return lm
}

func lastLogits(t *testing.T, out *CausalLMOutput, pos int) []float32 {
	t.Helper()
	vocab := out.Logits.Shape[2]
	return out.Logits.Data[pos*vocab : (pos+1)*vocab]
}

func TestModelForwardShapes(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	out, err := lm.Forward(ForwardInput{
		InputIDs:           [][]int{{1, 2, 3}, {4, 5, 6}},
		OutputHiddenStates: true,
	}, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 32}, out.Logits.Shape)
	assert.Len(t, out.HiddenStates, 3, "one per layer input plus the final output")
	assert.Nil(t, out.Loss)

	kept, err := lm.Forward(ForwardInput{InputIDs: [][]int{{1, 2, 3}}}, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 32}, kept.Logits.Shape)
	assertClose(t, lastLogits(t, out, 2), kept.Logits.Data, 1e-5)
}

func TestModelForwardValidation(t *testing.T) {
	lm := tinyLM(t, tinyConfig())

	_, err := lm.Forward(ForwardInput{}, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = lm.Forward(ForwardInput{InputIDs: [][]int{{1, 99}}}, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = lm.Forward(ForwardInput{InputIDs: [][]int{{1, 2}, {3}}}, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = lm.Forward(ForwardInput{InputIDs: [][]int{{1, 2}}, AttentionMask: [][]float32{{1}}}, nil, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = lm.Forward(ForwardInput{InputsEmbeds: NewTensor(1, 2, 3)}, nil, 0)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestModelIsCausal(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	a, err := lm.Forward(ForwardInput{InputIDs: [][]int{{3, 1, 4, 1, 5}}}, nil, 0)
	require.NoError(t, err)
	b, err := lm.Forward(ForwardInput{InputIDs: [][]int{{3, 1, 4, 9, 2}}}, nil, 0)
	require.NoError(t, err)

	for pos := 0; pos < 3; pos++ {
		assertClose(t, lastLogits(t, a, pos), lastLogits(t, b, pos), 1e-5)
	}
	assert.NotEqual(t, lastLogits(t, a, 4), lastLogits(t, b, 4))
}

func TestIncrementalDecodeMatchesFullForward(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	ids := []int{3, 1, 4, 1, 5, 9}

	full, err := lm.Forward(ForwardInput{InputIDs: [][]int{ids}}, nil, 0)
	require.NoError(t, err)

	cache := lm.Model.NewCache()
	logits, err := lm.NextTokenLogits(ids[:4], cache)
	require.NoError(t, err)
	assertClose(t, lastLogits(t, full, 3), logits, 1e-4)
	assert.Equal(t, 4, cache.SeqLen())

	for pos := 4; pos < len(ids); pos++ {
		logits, err = lm.NextTokenLogits(ids[:pos+1], cache)
		require.NoError(t, err)
		assertClose(t, lastLogits(t, full, pos), logits, 1e-4)
	}
	assert.Equal(t, len(ids), cache.SeqLen())

	_, err = lm.NextTokenLogits(ids, cache)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// spreadRoutingKeys gives every value key and product key a distinct
// direction so tokens route to different rows and experts.
func spreadRoutingKeys(t *testing.T, lm *DogeForCausalLM) {
	t.Helper()
	fill := func(data []float32, phase float64) {
		for i := range data {
			data[i] = float32(math.Sin(float64(i)*1.7+phase)) * 2
		}
	}
	for i, layer := range lm.Model.Layers {
		require.NotNil(t, layer.Attn.VKeys)
		fill(layer.Attn.VKeys.Data, float64(i))
		moe, ok := layer.FeedForward.(*CDMoME)
		require.True(t, ok)
		fill(moe.Keys.Data, float64(i)+0.5)
	}
}

func TestRoutedModelDecodesAndIsCausal(t *testing.T) {
	// nine kv heads give three value keys, two of which are retrieved
	c := tinyConfig()
	c.Hidden = 36
	c.NumAttentionHeads = 9
	lm := tinyLM(t, c)
	require.Equal(t, 3, lm.Model.Layers[0].Attn.NumVKeys)
	spreadRoutingKeys(t, lm)
	ids := []int{3, 1, 4, 1, 5, 9, 2, 6}

	// routing varies across the vocabulary
	vocab := make([]int, c.VocabSize)
	for i := range vocab {
		vocab[i] = i
	}
	emb, err := lm.Model.Embed([][]int{vocab})
	require.NoError(t, err)

	attn := lm.Model.Layers[0].Attn
	vq := Linear(emb, attn.VQueries, attn.VQueriesBias)
	valueSets := make(map[[2]int]bool)
	for r := range vq.Rows() {
		sim := make([]float32, attn.NumVKeys)
		for k := range sim {
			sim[k] = Dot(vq.Row(r), attn.VKeys.Data[k*attn.HeadDim:(k+1)*attn.HeadDim])
		}
		_, idx := TopK(sim, 2)
		valueSets[[2]int{min(idx[0], idx[1]), max(idx[0], idx[1])}] = true
	}
	assert.Greater(t, len(valueSets), 1, "tokens should not share one value key set")

	experts := make(map[int]bool)
	for _, token := range lm.Model.Layers[0].FeedForward.(*CDMoME).Route(emb) {
		for _, head := range token {
			for _, e := range head.Indices {
				experts[e] = true
			}
		}
	}
	assert.Greater(t, len(experts), c.NumCDMoMEHeads*c.NumCDMoMEExpertsPerHead, "tokens should not share one expert set")

	full, err := lm.Forward(ForwardInput{InputIDs: [][]int{ids}}, nil, 0)
	require.NoError(t, err)

	cache := lm.Model.NewCache()
	logits, err := lm.NextTokenLogits(ids[:3], cache)
	require.NoError(t, err)
	assertClose(t, lastLogits(t, full, 2), logits, 1e-4)
	for pos := 3; pos < len(ids); pos++ {
		logits, err = lm.NextTokenLogits(ids[:pos+1], cache)
		require.NoError(t, err)
		assertClose(t, lastLogits(t, full, pos), logits, 1e-4)
	}

	changed := append([]int(nil), ids...)
	changed[5], changed[7] = 11, 13
	other, err := lm.Forward(ForwardInput{InputIDs: [][]int{changed}}, nil, 0)
	require.NoError(t, err)
	for pos := 0; pos < 5; pos++ {
		assertClose(t, lastLogits(t, full, pos), lastLogits(t, other, pos), 1e-5)
	}
	assert.NotEqual(t, lastLogits(t, full, 5), lastLogits(t, other, 5))

	// batched generation with padding still matches the single prompt
	ctx := context.Background()
	opts := GenerateOptions{MaxNewTokens: 3}
	batch, err := lm.Generate(ctx, [][]int{ids[:5], ids[:2]}, opts)
	require.NoError(t, err)
	single, err := lm.Generate(ctx, [][]int{ids[:2]}, opts)
	require.NoError(t, err)
	assert.Equal(t, single[0], batch[1])
}

func TestGateMLPModelDecodes(t *testing.T) {
	c := tinyConfig()
	c.NumCDMoMEExperts = 0
	c.DynamicMask = false
	c.DynamicValue = false
	lm := tinyLM(t, c)
	_, ok := lm.Model.Layers[0].FeedForward.(*GateMLP)
	require.True(t, ok)
	assert.Nil(t, lm.Model.DynamicMask)

	ids := []int{2, 7, 1}
	full, err := lm.Forward(ForwardInput{InputIDs: [][]int{ids}}, nil, 0)
	require.NoError(t, err)
	cache := lm.Model.NewCache()
	_, err = lm.NextTokenLogits(ids[:2], cache)
	require.NoError(t, err)
	logits, err := lm.NextTokenLogits(ids, cache)
	require.NoError(t, err)
	assertClose(t, lastLogits(t, full, 2), logits, 1e-4)
}

func TestCausalLMLoss(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	ids := [][]int{{1, 2, 3, 4}}

	out, err := lm.Forward(ForwardInput{InputIDs: ids}, ids, 0)
	require.NoError(t, err)
	require.NotNil(t, out.Loss)
	assert.Greater(t, *out.Loss, float32(0))

	// labels after the shift that are ignored do not count
	partial, err := lm.Forward(ForwardInput{InputIDs: ids}, [][]int{{1, 2, IgnoreIndex, IgnoreIndex}}, 0)
	require.NoError(t, err)
	want, _ := CrossEntropy(out.Logits.Reshape(4, 32).Slice(0, 1), []int{2})
	assert.InDelta(t, want, *partial.Loss, 1e-5)

	ignored, err := lm.Forward(ForwardInput{InputIDs: ids}, [][]int{{1, IgnoreIndex, IgnoreIndex, IgnoreIndex}}, 0)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(*ignored.Loss)))
}

func TestPrepareInputsForGeneration(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	ids := [][]int{{0, 0, 5, 6}}
	mask := [][]float32{{0, 0, 1, 1}}

	in := lm.PrepareInputsForGeneration(ids, mask, nil)
	assert.Equal(t, ids, in.InputIDs)
	assert.Equal(t, [][]int{{1, 1, 0, 1}}, in.PositionIDs)
	assert.Equal(t, []int{0, 1, 2, 3}, in.CachePosition)

	cache := lm.Model.NewCache()
	_, err := lm.Forward(ForwardInput{InputIDs: ids, AttentionMask: mask, PositionIDs: in.PositionIDs, Cache: cache}, nil, 1)
	require.NoError(t, err)

	ids[0] = append(ids[0], 7)
	mask[0] = append(mask[0], 1)
	in = lm.PrepareInputsForGeneration(ids, mask, cache)
	assert.Equal(t, [][]int{{7}}, in.InputIDs)
	assert.Equal(t, [][]int{{2}}, in.PositionIDs)
	assert.Equal(t, []int{4}, in.CachePosition)
}

func TestGenerateLeftPaddingMatchesSingle(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	ctx := context.Background()
	opts := GenerateOptions{MaxNewTokens: 3}

	batch, err := lm.Generate(ctx, [][]int{{5, 6, 7}, {9}}, opts)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	for i, prompt := range [][]int{{5, 6, 7}, {9}} {
		single, err := lm.Generate(ctx, [][]int{prompt}, opts)
		require.NoError(t, err)
		assert.Equal(t, single[0], batch[i], "prompt %d", i)
		assert.Len(t, single[0], 3)
	}
}

func TestGenerateStopsOnEOS(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	first, err := lm.Generate(context.Background(), [][]int{{4, 2}}, GenerateOptions{MaxNewTokens: 1})
	require.NoError(t, err)
	require.Len(t, first[0], 1)

	out, err := lm.Generate(context.Background(), [][]int{{4, 2}}, GenerateOptions{
		MaxNewTokens: 5,
		EOS:          first[0][0],
		StopOnEOS:    true,
	})
	require.NoError(t, err)
	assert.Empty(t, out[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lm.Generate(ctx, [][]int{{1}}, GenerateOptions{MaxNewTokens: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInitWeights(t *testing.T) {
	c := tinyConfig()
	c.PadTokenID = 3
	lm := tinyLM(t, c)

	embed := lm.Model.WordEmbed
	for _, v := range embed.Row(3) {
		assert.Zero(t, v)
	}
	assert.NotZero(t, embed.Row(4)[0])
	for _, v := range lm.Model.DynamicMask.Data {
		require.Equal(t, float32(1), v)
	}
	attn := lm.Model.Layers[0].Attn
	for _, v := range attn.VKeys.Data {
		require.Zero(t, v)
	}
	for _, v := range lm.Model.FinalNorm.Weight.Data {
		require.Equal(t, float32(1), v)
	}
	assert.NotSame(t, lm.LMHead, lm.Model.WordEmbed)

	again := tinyLM(t, c)
	assert.Equal(t, embed.Data, again.Model.WordEmbed.Data, "same seed, same weights")

	c.TieWordEmbeddings = true
	tied := tinyLM(t, c)
	assert.Same(t, tied.LMHead, tied.Model.WordEmbed)
}

func TestSequenceClassification(t *testing.T) {
	c := tinyConfig()
	c.PadTokenID = 0
	c.NumLabels = 3
	clf, err := NewDogeForSequenceClassification(c)
	require.NoError(t, err)
	clf.InitWeights(11)

	padded, err := clf.Forward(ForwardInput{InputIDs: [][]int{{5, 6, 0, 0}}}, &Labels{Int: []int{2}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, padded.Logits.Shape)
	require.NotNil(t, padded.Loss)

	short, err := clf.Forward(ForwardInput{InputIDs: [][]int{{5, 6}}}, nil)
	require.NoError(t, err)
	assertClose(t, short.Logits.Data, padded.Logits.Data, 1e-5)

	want, _ := CrossEntropy(padded.Logits, []int{2})
	assert.InDelta(t, want, *padded.Loss, 1e-6)
	assert.Equal(t, ProblemSingleLabel, clf.ProblemType(&Labels{Int: []int{1}}))
	assert.Equal(t, ProblemMultiLabel, clf.ProblemType(&Labels{Float: [][]float32{{0, 1, 0}}}))

	multi, err := clf.Forward(ForwardInput{InputIDs: [][]int{{5, 6}}}, &Labels{Float: [][]float32{{0, 1, 0}}})
	require.NoError(t, err)
	assert.InDelta(t, BCEWithLogits(multi.Logits.Data, []float32{0, 1, 0}), *multi.Loss, 1e-6)
}

func TestSequenceRegression(t *testing.T) {
	c := tinyConfig()
	c.NumLabels = 1
	clf, err := NewDogeForSequenceClassification(c)
	require.NoError(t, err)
	clf.InitWeights(3)

	out, err := clf.Forward(ForwardInput{InputIDs: [][]int{{5, 6}, {7, 8}}}, &Labels{Float: [][]float32{{1}, {-1}}})
	require.NoError(t, err)
	assert.Equal(t, ProblemRegression, clf.ProblemType(nil))
	assert.InDelta(t, MeanSquaredError(out.Logits.Data, []float32{1, -1}), *out.Loss, 1e-6)
}

func TestLastTokenIndex(t *testing.T) {
	assert.Equal(t, 1, lastTokenIndex([]int{4, 5, 0, 0}, 0))
	assert.Equal(t, 3, lastTokenIndex([]int{4, 5, 6, 7}, 0))
	assert.Equal(t, 3, lastTokenIndex([]int{0, 5, 6, 7}, 0), "a leading pad wraps around")
}
