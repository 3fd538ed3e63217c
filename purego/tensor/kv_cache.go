package tensor

// KVCache stores key-value rows for efficient generation
type KVCache struct {
	Keys   [][]float32 // Per-layer keys, [seq_len * hidden]
	Values [][]float32 // Per-layer values, [seq_len * hidden]
	hidden int
}

// NewKVCache creates a new KV cache for the model
func NewKVCache(numLayers, hidden int) *KVCache {
	return &KVCache{
		Keys:   make([][]float32, numLayers),
		Values: make([][]float32, numLayers),
		hidden: hidden,
	}
}

// Len returns the number of cached positions
func (kv *KVCache) Len() int {
	if len(kv.Keys) == 0 || kv.hidden == 0 {
		return 0
	}
	return len(kv.Keys[0]) / kv.hidden
}

// GetLayer returns the KV cache for a specific layer
func (kv *KVCache) GetLayer(layerIdx int) ([]float32, []float32) {
	if layerIdx < 0 || layerIdx >= len(kv.Keys) {
		return nil, nil
	}
	return kv.Keys[layerIdx], kv.Values[layerIdx]
}

// AppendLayer appends key and value rows for a specific layer
func (kv *KVCache) AppendLayer(layerIdx int, k, v []float32) {
	if layerIdx >= 0 && layerIdx < len(kv.Keys) {
		kv.Keys[layerIdx] = append(kv.Keys[layerIdx], k...)
		kv.Values[layerIdx] = append(kv.Values[layerIdx], v...)
	}
}

// Truncate drops cached positions at or beyond n
func (kv *KVCache) Truncate(n int) {
	for i := range kv.Keys {
		if len(kv.Keys[i]) > n*kv.hidden {
			kv.Keys[i] = kv.Keys[i][:n*kv.hidden]
			kv.Values[i] = kv.Values[i][:n*kv.hidden]
		}
	}
}

// Clear resets the KV cache
func (kv *KVCache) Clear() {
	for i := range kv.Keys {
		kv.Keys[i] = nil
		kv.Values[i] = nil
	}
}
