package tensor

import "fmt"

// KVCache stores key-value tensors for efficient generation
type KVCache struct {
	Keys   []*Tensor // Per-layer key cache [batch, num_kv_heads, seq_len, head_dim]
	Values []*Tensor // Per-layer value cache [batch, num_kv_heads, seq_len, head_dim]
}

// NewKVCache creates a new KV cache for the model
func NewKVCache(numLayers int) *KVCache {
	return &KVCache{
		Keys:   make([]*Tensor, numLayers),
		Values: make([]*Tensor, numLayers),
	}
}

// GetLayer returns the KV cache for a specific layer
func (kv *KVCache) GetLayer(layerIdx int) (*Tensor, *Tensor) {
	if layerIdx < 0 || layerIdx >= len(kv.Keys) {
		return nil, nil
	}
	return kv.Keys[layerIdx], kv.Values[layerIdx]
}

// SetLayer sets the KV cache for a specific layer
func (kv *KVCache) SetLayer(layerIdx int, k, v *Tensor) {
	if layerIdx >= 0 && layerIdx < len(kv.Keys) {
		kv.Keys[layerIdx] = k
		kv.Values[layerIdx] = v
	}
}

// Update appends new keys and values for a layer and returns the full tensors
func (kv *KVCache) Update(layerIdx int, k, v *Tensor) (*Tensor, *Tensor) {
	if layerIdx < 0 || layerIdx >= len(kv.Keys) {
		panic(fmt.Sprintf("cache layer %d out of range", layerIdx))
	}
	if kv.Keys[layerIdx] != nil {
		k = Concatenate(kv.Keys[layerIdx], k, 2)
		v = Concatenate(kv.Values[layerIdx], v, 2)
	}
	kv.Keys[layerIdx] = k
	kv.Values[layerIdx] = v
	return k, v
}

// SeqLen returns the number of cached positions
func (kv *KVCache) SeqLen() int {
	if kv == nil || len(kv.Keys) == 0 || kv.Keys[0] == nil {
		return 0
	}
	return kv.Keys[0].Shape[2]
}

// Crop keeps only the first n cached positions
func (kv *KVCache) Crop(n int) {
	if n >= kv.SeqLen() {
		return
	}
	if n <= 0 {
		kv.Clear()
		return
	}
	for i := range kv.Keys {
		if kv.Keys[i] == nil {
			continue
		}
		kv.Keys[i] = NarrowSeq(kv.Keys[i], 0, n)
		kv.Values[i] = NarrowSeq(kv.Values[i], 0, n)
	}
}

// Clear resets the KV cache
func (kv *KVCache) Clear() {
	for i := range kv.Keys {
		kv.Keys[i] = nil
		kv.Values[i] = nil
	}
}
