package tensor

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	values := []float32{0, 1, -2.5, 3.140625, 1e-3, -65504}
	tensors := map[string]*Tensor{
		"b.weight": FromData(values, 2, 3),
		"a.bias":   FromData([]float32{7}, 1),
	}

	for _, tt := range []struct {
		dtype string
		tol   float64
	}{
		{DtypeF32, 0},
		{DtypeF16, 1e-3},
		{DtypeBF16, 0.02},
	} {
		t.Run(tt.dtype, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model.safetensors")
			require.NoError(t, WriteSafetensors(path, tensors, tt.dtype, map[string]string{"format": "pt"}))

			f, err := ReadSafetensors(path)
			require.NoError(t, err)
			assert.Equal(t, []string{"a.bias", "b.weight"}, f.Names())
			assert.Equal(t, map[string]string{"format": "pt"}, f.Metadata)

			got, err := f.Tensor("b.weight")
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, got.Shape)
			for i, v := range values {
				tol := tt.tol * float64(max(1, abs32(v)))
				assert.InDelta(t, v, got.Data[i], tol, "index %d", i)
			}

			_, err = f.Tensor("missing")
			assert.ErrorIs(t, err, ErrTensorNotFound)
		})
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func TestSafetensorsLayout(t *testing.T) {
	data, err := MarshalSafetensors(map[string]SafetensorsEntry{
		"ids": {Dtype: DtypeI64, Shape: []int{3}, Data: EncodeInt64([]int64{1, -2, 3})},
	}, nil)
	require.NoError(t, err)

	headerSize := binary.LittleEndian.Uint64(data[:8])
	assert.Zero(t, headerSize%8, "header is padded to 8 bytes")

	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data[8:8+headerSize], &header))
	assert.NotContains(t, header, "__metadata__")

	f, err := ParseSafetensors(data)
	require.NoError(t, err)
	ids, shape, err := f.Int64s("ids")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -2, 3}, ids)
	assert.Equal(t, []int{3}, shape)

	asFloat, err := f.Tensor("ids")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -2, 3}, asFloat.Data)
}

func TestParseSafetensorsRejectsCorruptData(t *testing.T) {
	_, err := ParseSafetensors([]byte{1, 2})
	assert.Error(t, err)

	data, err := MarshalSafetensors(map[string]SafetensorsEntry{
		"w": {Dtype: DtypeF32, Shape: []int{2}, Data: make([]byte, 8)},
	}, nil)
	require.NoError(t, err)
	_, err = ParseSafetensors(data[:len(data)-4])
	assert.Error(t, err)

	_, err = MarshalSafetensors(map[string]SafetensorsEntry{
		"w": {Dtype: DtypeF32, Shape: []int{3}, Data: make([]byte, 8)},
	}, nil)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = EncodeFloat32([]float32{1}, "F8")
	assert.ErrorIs(t, err, ErrUnsupportedDtype)
}

func TestSaveAndLoadCausalLM(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	dir := t.TempDir()
	require.NoError(t, SaveCausalLM(lm, dir, DtypeF32))

	loaded, err := LoadCausalLM(dir)
	require.NoError(t, err)

	ids := [][]int{{3, 1, 4, 1}}
	want, err := lm.Forward(ForwardInput{InputIDs: ids}, nil, 0)
	require.NoError(t, err)
	got, err := loaded.Forward(ForwardInput{InputIDs: ids}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, want.Logits.Data, got.Logits.Data)
}

func TestLoadShardedModel(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	dir := t.TempDir()
	require.NoError(t, lm.Config.SaveModelConfig(filepath.Join(dir, "config.json")))

	// split the parameters across two shards
	tensors := CollectTensors(lm.Params(DogeWeightMapping()))
	shards := []map[string]*Tensor{{}, {}}
	index := ShardedModelIndex{WeightMap: map[string]string{}}
	i := 0
	for name, tensor := range tensors {
		shard := i % 2
		shards[shard][name] = tensor
		index.WeightMap[name] = []string{"model-00001.safetensors", "model-00002.safetensors"}[shard]
		i++
	}
	require.NoError(t, WriteSafetensors(filepath.Join(dir, "model-00001.safetensors"), shards[0], DtypeF32, nil))
	require.NoError(t, WriteSafetensors(filepath.Join(dir, "model-00002.safetensors"), shards[1], DtypeF32, nil))
	indexData, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors.index.json"), indexData, 0o644))

	loaded, err := LoadCausalLM(dir)
	require.NoError(t, err)
	assert.Equal(t, lm.LMHead.Data, loaded.LMHead.Data)
	assert.Equal(t, lm.Model.Layers[1].Attn.QProj.Data, loaded.Model.Layers[1].Attn.QProj.Data)
}

func TestLoadParamsErrors(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	params := lm.Params(DogeWeightMapping())
	tensors := CollectTensors(params)

	delete(tensors, "model.final_layernorm.weight")
	err := LoadParams(NewWeightSet(mustMarshal(t, tensors)), params)
	assert.ErrorIs(t, err, ErrTensorNotFound)

	tensors = CollectTensors(params)
	tensors["model.final_layernorm.weight"] = NewTensor(3)
	err = LoadParams(NewWeightSet(mustMarshal(t, tensors)), params)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func mustMarshal(t *testing.T, tensors map[string]*Tensor) *SafetensorsFile {
	t.Helper()
	entries := make(map[string]SafetensorsEntry, len(tensors))
	for name, tensor := range tensors {
		data, err := EncodeFloat32(tensor.Data, DtypeF32)
		require.NoError(t, err)
		entries[name] = SafetensorsEntry{Dtype: DtypeF32, Shape: tensor.Shape, Data: data}
	}
	raw, err := MarshalSafetensors(entries, nil)
	require.NoError(t, err)
	f, err := ParseSafetensors(raw)
	require.NoError(t, err)
	return f
}

func TestWeightMappingKeys(t *testing.T) {
	lm := tinyLM(t, tinyConfig())
	names := make(map[string]bool)
	for _, p := range lm.Params(DogeWeightMapping()) {
		names[p.Name] = true
	}
	for _, key := range []string{
		"model.word_embed.word_embeddings.weight",
		"model.dynamic_mask",
		"model.layers.0.in_attn_layernorm.weight",
		"model.layers.1.attn.q_proj.weight",
		"model.layers.1.attn.v_queries.0.weight",
		"model.layers.1.attn.v_keys",
		"model.layers.1.attn.v_embed.weight",
		"model.layers.0.feed_forward.queries.0.weight",
		"model.layers.0.feed_forward.keys",
		"model.layers.0.feed_forward.down_embed.weight",
		"model.final_layernorm.weight",
		"lm_head.weight",
	} {
		assert.True(t, names[key], key)
	}
	assert.False(t, names["model.layers.0.attn.v_proj.weight"])
}
