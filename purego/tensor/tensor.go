package tensor

import "math/rand"

// Tensor represents a multi-dimensional array
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a new tensor with given shape
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
	}
}

// RandomTensor fills a new tensor with samples from N(0, std²)
func RandomTensor(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

// Filled creates a tensor with every element set to val
func Filled(val float32, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = val
	}
	return t
}

// Size returns total number of elements
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Zero sets every element to 0
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Row returns a view of row i of a 2D tensor
func (t *Tensor) Row(i int) []float32 {
	cols := t.Shape[len(t.Shape)-1]
	return t.Data[i*cols : (i+1)*cols]
}

// Add performs element-wise addition
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// GELU activation function (tanh approximation)
func GELU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		result.Data[i] = gelu(x)
	}
	return result
}

// LayerNorm applies layer normalization over the last dimension
func LayerNorm(t *Tensor, weight, bias *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)
	hidden := t.Shape[len(t.Shape)-1]
	rows := len(t.Data) / hidden
	layerNormRows(result.Data, nil, nil, t.Data, weight.Data, bias.Data, rows, hidden, eps)
	return result
}
