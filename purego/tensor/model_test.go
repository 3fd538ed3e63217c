package tensor

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() *GPT2Config {
	return &GPT2Config{
		ModelType:    "gpt2",
		VocabSize:    11,
		MaxSeqLen:    8,
		Hidden:       8,
		NumLayers:    2,
		NumHeads:     2,
		LayerNormEps: 1e-5,
		EOSTokenID:   10,
		BOSTokenID:   10,
	}
}

func tinyModel(t *testing.T) *GPT2Model {
	t.Helper()
	model, err := NewGPT2Model(tinyConfig(), 1)
	require.NoError(t, err)
	return model
}

func TestConfigValidation(t *testing.T) {
	c := tinyConfig()
	c.NumHeads = 3
	assert.Error(t, c.Validate())

	c = tinyConfig()
	c.EOSTokenID = 11
	assert.Error(t, c.Validate())

	assert.NoError(t, tinyConfig().Validate())
}

func TestIncrementalForwardMatchesFullForward(t *testing.T) {
	model := tinyModel(t)
	tokens := []int{1, 4, 2, 7, 3}

	full, err := model.Forward(tokens, model.NewCache(), 0)
	require.NoError(t, err)
	want := model.GetLogitsForLastToken(full)

	cache := model.NewCache()
	_, err = model.Forward(tokens[:3], cache, 0)
	require.NoError(t, err)
	var step *Tensor
	for i := 3; i < len(tokens); i++ {
		step, err = model.Forward(tokens[i:i+1], cache, i)
		require.NoError(t, err)
	}
	got := model.GetLogitsForLastToken(step)

	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-4)
	}
	assert.Equal(t, len(tokens), cache.Len())
}

func TestForwardRejectsBadInput(t *testing.T) {
	model := tinyModel(t)

	_, err := model.Forward([]int{1, 2}, model.NewCache(), 1)
	assert.Error(t, err, "start must match cache length")

	_, err = model.Forward([]int{99}, model.NewCache(), 0)
	assert.Error(t, err, "token outside vocab")

	_, err = model.Forward(make([]int, 9), model.NewCache(), 0)
	assert.Error(t, err, "longer than context")
}

func TestLossGradientsMatchFiniteDifferences(t *testing.T) {
	model := tinyModel(t)
	inputs := []int{1, 5, 2, 9, 3, 10}
	labels := []int{IgnoreIndex, IgnoreIndex, 2, 9, 3, 10}

	params := model.NamedParameters()
	ZeroGrad(params)
	loss, count, err := model.Loss(inputs, labels)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	Backward(loss, 1)

	lossAt := func() float64 {
		l, _, err := model.Loss(inputs, labels)
		require.NoError(t, err)
		return float64(l.Value.Data[0])
	}

	rng := rand.New(rand.NewSource(7))
	const eps = 1e-2
	checked := 0
	for _, p := range params {
		for n := 0; n < 3; n++ {
			i := rng.Intn(p.Var.Value.Size())
			analytic := float64(p.Var.Grad.Data[i])

			orig := p.Var.Value.Data[i]
			p.Var.Value.Data[i] = orig + eps
			up := lossAt()
			p.Var.Value.Data[i] = orig - eps
			down := lossAt()
			p.Var.Value.Data[i] = orig

			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, analytic, 1e-2+0.05*math.Abs(analytic), "%s[%d]", p.Name, i)
			checked++
		}
	}
	assert.Greater(t, checked, 0)
}

func TestTrainingReducesLoss(t *testing.T) {
	model := tinyModel(t)
	params := model.NamedParameters()
	opt := NewAdamW(0.01)
	inputs := []int{1, 2, 3, 4, 5, 6, 10}
	labels := []int{1, 2, 3, 4, 5, 6, 10}

	var first, last float32
	for step := 0; step < 60; step++ {
		ZeroGrad(params)
		loss, count, err := model.Loss(inputs, labels)
		require.NoError(t, err)
		Backward(loss, 1/float32(count))
		ClipGradNorm(params, 1.0)
		opt.Step(params, 3e-2)

		if step == 0 {
			first = loss.Value.Data[0]
		}
		last = loss.Value.Data[0]
	}
	assert.Less(t, last, first/2)
	assert.Equal(t, 60, opt.step)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	model := tinyModel(t)
	dir := t.TempDir()
	require.NoError(t, SaveGPT2(model, dir))

	loaded, err := LoadGPT2(dir)
	require.NoError(t, err)
	assert.Equal(t, model.Config.Hidden, loaded.Config.Hidden)
	assert.Equal(t, "gpt2", loaded.Config.ModelType)

	tokens := []int{3, 1, 4}
	a, err := model.Forward(tokens, model.NewCache(), 0)
	require.NoError(t, err)
	b, err := loaded.Forward(tokens, loaded.NewCache(), 0)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
}

func TestLoadRejectsMissingTensor(t *testing.T) {
	model := tinyModel(t)
	dir := t.TempDir()
	require.NoError(t, SaveGPT2(model, dir))

	params := model.NamedParameters()
	require.NoError(t, WriteSafetensors(filepath.Join(dir, WeightsFile), params[1:]))

	_, err := LoadGPT2(dir)
	assert.ErrorContains(t, err, "wte.weight")
}

func TestLoadRejectsMisshapenTensors(t *testing.T) {
	for _, name := range []string{"h.0.ln_1.weight", "h.1.attn.c_attn.bias", "h.0.mlp.c_proj.bias", "ln_f.bias"} {
		model := tinyModel(t)
		dir := t.TempDir()
		require.NoError(t, SaveGPT2(model, dir))

		params := model.NamedParameters()
		for i, p := range params {
			if p.Name == name {
				params[i] = NamedParam{name, Param(NewTensor(2))}
			}
		}
		require.NoError(t, WriteSafetensors(filepath.Join(dir, WeightsFile), params))

		_, err := LoadGPT2(dir)
		assert.ErrorContains(t, err, name)
	}
}

func TestReadSafetensorsRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := ReadSafetensors(path)
	assert.Error(t, err)
}

func TestFloat16Conversion(t *testing.T) {
	assert.Equal(t, float32(1.0), float32fromfloat16(0x3C00))
	assert.Equal(t, float32(-2.0), float32fromfloat16(0xC000))
	assert.Equal(t, float32(0.5), float32fromfloat16(0x3800))
	assert.Equal(t, float32(0), float32fromfloat16(0))
}

func TestLinearSchedule(t *testing.T) {
	assert.InDelta(t, 0.5, LinearSchedule(1, 2, 10, 0), 1e-9)
	assert.InDelta(t, 1.0, LinearSchedule(1, 2, 10, 1), 1e-9)
	assert.InDelta(t, 0.5, LinearSchedule(1, 2, 10, 6), 1e-9)
	assert.InDelta(t, 0.0, LinearSchedule(1, 0, 10, 12), 1e-9)
}

func TestClipGradNorm(t *testing.T) {
	v := Param(NewTensor(2))
	v.Grad = &Tensor{Data: []float32{3, 4}, Shape: []int{2}}
	params := []NamedParam{{"w", v}}

	norm := ClipGradNorm(params, 1)
	assert.InDelta(t, 5.0, norm, 1e-6)
	assert.InDelta(t, 0.6, v.Grad.Data[0], 1e-4)
	assert.InDelta(t, 0.8, v.Grad.Data[1], 1e-4)
}
