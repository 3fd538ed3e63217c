package tensor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File names inside a pretrained model directory
const (
	ConfigFile  = "config.json"
	WeightsFile = "model.safetensors"
)

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

// LoadGPT2 loads config.json and model.safetensors from dir
func LoadGPT2(dir string) (*GPT2Model, error) {
	config, err := LoadGPT2Config(dir)
	if err != nil {
		return nil, err
	}

	tensors, err := ReadSafetensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}

	model := newGPT2Skeleton(config)
	targets := map[string]**Var{
		"wte.weight":  &model.TokenEmbedding,
		"wpe.weight":  &model.PosEmbedding,
		"ln_f.weight": &model.LNFinal.Weight,
		"ln_f.bias":   &model.LNFinal.Bias,
	}
	for i, b := range model.Blocks {
		prefix := fmt.Sprintf("h.%d.", i)
		targets[prefix+"ln_1.weight"] = &b.LN1.Weight
		targets[prefix+"ln_1.bias"] = &b.LN1.Bias
		targets[prefix+"attn.c_attn.weight"] = &b.Attention.QKVWeight
		targets[prefix+"attn.c_attn.bias"] = &b.Attention.QKVBias
		targets[prefix+"attn.c_proj.weight"] = &b.Attention.OutWeight
		targets[prefix+"attn.c_proj.bias"] = &b.Attention.OutBias
		targets[prefix+"ln_2.weight"] = &b.LN2.Weight
		targets[prefix+"ln_2.bias"] = &b.LN2.Bias
		targets[prefix+"mlp.c_fc.weight"] = &b.FFN.W1
		targets[prefix+"mlp.c_fc.bias"] = &b.FFN.B1
		targets[prefix+"mlp.c_proj.weight"] = &b.FFN.W2
		targets[prefix+"mlp.c_proj.bias"] = &b.FFN.B2
	}

	for name, target := range targets {
		t, err := lookupTensor(tensors, name)
		if err != nil {
			return nil, err
		}
		*target = Param(t)
	}

	if err := checkShapes(model); err != nil {
		return nil, err
	}
	return model, nil
}

// LoadGPT2Config reads config.json from a model directory
func LoadGPT2Config(dir string) (*GPT2Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read model config: %w", err)
	}
	var config GPT2Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	if config.ModelType != "" && config.ModelType != "gpt2" {
		return nil, fmt.Errorf("unsupported model_type %q (only gpt2 is supported)", config.ModelType)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveGPT2 writes config.json and model.safetensors (F32) into dir
func SaveGPT2(model *GPT2Model, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	config := *model.Config
	config.ModelType = "gpt2"
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write model config: %w", err)
	}

	return WriteSafetensors(filepath.Join(dir, WeightsFile), model.NamedParameters())
}

// checkShapes verifies every parameter against the shape config implies
func checkShapes(model *GPT2Model) error {
	c := model.Config
	ffn := c.ffnDim()
	for _, p := range model.NamedParameters() {
		name := p.Name
		if strings.HasPrefix(name, "h.") {
			// Drop the "h.<layer>." block prefix
			name = strings.SplitN(name, ".", 3)[2]
		}
		var want []int
		switch name {
		case "wte.weight":
			want = []int{c.VocabSize, c.Hidden}
		case "wpe.weight":
			want = []int{c.MaxSeqLen, c.Hidden}
		case "attn.c_attn.weight":
			want = []int{c.Hidden, 3 * c.Hidden}
		case "attn.c_attn.bias":
			want = []int{3 * c.Hidden}
		case "attn.c_proj.weight":
			want = []int{c.Hidden, c.Hidden}
		case "mlp.c_fc.weight":
			want = []int{c.Hidden, ffn}
		case "mlp.c_fc.bias":
			want = []int{ffn}
		case "mlp.c_proj.weight":
			want = []int{ffn, c.Hidden}
		default:
			// Layer norms and the remaining biases
			want = []int{c.Hidden}
		}
		if !sameShape(p.Var.Value.Shape, want) {
			return fmt.Errorf("tensor %s has shape %v, config implies %v", p.Name, p.Var.Value.Shape, want)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ReadSafetensors decodes every tensor of a safetensors file to float32
func ReadSafetensors(path string) (map[string]*Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors file %s is truncated", path)
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors header size %d exceeds file size", headerSize)
	}
	headerBytes := data[8 : 8+headerSize]
	tensorData := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	out := make(map[string]*Tensor, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("failed to parse tensor %s: %w", name, err)
		}
		t, err := decodeTensor(tensorData, info)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// lookupTensor finds a tensor under its plain or "transformer." name
func lookupTensor(tensors map[string]*Tensor, name string) (*Tensor, error) {
	if t, ok := tensors[name]; ok {
		return t, nil
	}
	if t, ok := tensors["transformer."+name]; ok {
		return t, nil
	}
	if t, ok := tensors[strings.ReplaceAll(name, ".", "_")]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("tensor not found: %s", name)
}

func decodeTensor(data []byte, info TensorInfo) (*Tensor, error) {
	start, end := info.Offset[0], info.Offset[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return nil, fmt.Errorf("data offsets %v out of range", info.Offset)
	}
	tensorBytes := data[start:end]

	numElements := 1
	for _, dim := range info.Shape {
		numElements *= dim
	}

	var width int
	switch info.Dtype {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", info.Dtype)
	}
	if len(tensorBytes) != numElements*width {
		return nil, fmt.Errorf("expected %d bytes, got %d", numElements*width, len(tensorBytes))
	}

	t := &Tensor{Data: make([]float32, numElements), Shape: info.Shape}
	for i := 0; i < numElements; i++ {
		switch info.Dtype {
		case "F32":
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(tensorBytes[i*4:]))
		case "F16":
			t.Data[i] = float32fromfloat16(binary.LittleEndian.Uint16(tensorBytes[i*2:]))
		case "BF16":
			t.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(tensorBytes[i*2:])) << 16)
		}
	}
	return t, nil
}

// WriteSafetensors encodes named parameters as F32 in name order
func WriteSafetensors(path string, params []NamedParam) error {
	sorted := make([]NamedParam, len(params))
	copy(sorted, params)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	header["__metadata__"] = map[string]string{"format": "pt"}
	var offset int64
	for _, p := range sorted {
		size := int64(p.Var.Value.Size()) * 4
		header[p.Name] = TensorInfo{
			Dtype:  "F32",
			Shape:  p.Var.Value.Shape,
			Offset: [2]int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// Pad the header so tensor data starts 8-byte aligned
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	buf := make([]byte, 8+len(headerBytes)+int(offset))
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(headerBytes)))
	copy(buf[8:], headerBytes)
	pos := 8 + len(headerBytes)
	for _, p := range sorted {
		for _, v := range p.Var.Value.Data {
			binary.LittleEndian.PutUint32(buf[pos:], math.Float32bits(v))
			pos += 4
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write weights: %w", err)
	}
	return os.Rename(tmp, path)
}

func float32fromfloat16(bits uint16) float32 {
	sign := uint32((bits >> 15) & 1)
	exp := uint32((bits >> 10) & 0x1F)
	frac := uint32(bits & 0x3FF)

	if exp == 0 {
		if frac == 0 {
			return math.Float32frombits(sign << 31)
		}
		// Subnormal
		exp = 127 - 14
		for (frac & 0x400) == 0 {
			frac <<= 1
			exp--
		}
		frac &= 0x3FF
	} else if exp == 0x1F {
		exp = 0xFF
	} else {
		exp += 127 - 15
	}

	return math.Float32frombits((sign << 31) | (exp << 23) | (frac << 13))
}
