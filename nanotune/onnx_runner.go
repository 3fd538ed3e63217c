//go:build onnx

package nanotune

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"nano-tune-go/purego/tensor"
)

// ONNXModelFile is the exported decoder graph inside a model directory. It
// takes int64 input_ids [1, T] and returns float32 logits [1, T, vocab].
const ONNXModelFile = "model.onnx"

var ortInit sync.Once

func init() {
	RegisterBackend("onnx", func(dir string, config *tensor.GPT2Config, eos int) (ModelRunner, error) {
		return NewONNXModelRunner(filepath.Join(dir, ONNXModelFile), config.VocabSize, eos)
	})
}

// ONNXModelRunner implements ModelRunner using ONNX Runtime. The graph has
// no KV cache inputs, so every step reruns the full sequence.
type ONNXModelRunner struct {
	modelPath string
	vocabSize int
	eos       int
	options   *ort.SessionOptions
}

// NewONNXModelRunner creates a new ONNX-based model runner
func NewONNXModelRunner(modelPath string, vocabSize, eos int) (*ONNXModelRunner, error) {
	var initErr error
	ortInit.Do(func() {
		if !ort.IsInitialized() {
			initErr = ort.InitializeEnvironment()
		}
	})
	if initErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", initErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := options.SetIntraOpNumThreads(4); err != nil {
		options.Destroy()
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	return &ONNXModelRunner{
		modelPath: modelPath,
		vocabSize: vocabSize,
		eos:       eos,
		options:   options,
	}, nil
}

// Run executes inference on the sequences
func (m *ONNXModelRunner) Run(ctx context.Context, seqs []*Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := m.lastLogits(seq.TokenIDs)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
		}
		tokenIDs[i] = tensor.Sample(logits, seq.Params.tensorParams(), seq.TokenIDs, bannedTokens(seq, m.eos), seq.Rand())
	}
	return tokenIDs, nil
}

func (m *ONNXModelRunner) lastLogits(ids []int) ([]float32, error) {
	inputData := make([]int64, len(ids))
	for j, id := range ids {
		inputData[j] = int64(id)
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(ids))), inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputData := make([]float32, len(ids)*m.vocabSize)
	outputTensor, err := ort.NewTensor(ort.NewShape(1, int64(len(ids)), int64(m.vocabSize)), outputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		m.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		m.options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := outputTensor.GetData()
	last := make([]float32, m.vocabSize)
	copy(last, data[(len(ids)-1)*m.vocabSize:])
	return last, nil
}

// Free is a no-op; the runner keeps no per-sequence state
func (m *ONNXModelRunner) Free(seq *Sequence) {}

// Close releases the session options
func (m *ONNXModelRunner) Close() error {
	if m.options != nil {
		m.options.Destroy()
		m.options = nil
	}
	return nil
}
