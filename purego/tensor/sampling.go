package tensor

import (
	"math"
	"math/rand"
	"sort"
)

// SamplingParams holds parameters for token sampling
type SamplingParams struct {
	Temperature       float32 // 0 selects greedy decoding
	TopP              float32 // Nucleus sampling
	TopK              int     // Top-k sampling
	RepetitionPenalty float32 // 1 disables the penalty
}

// DefaultSamplingParams returns default sampling parameters
func DefaultSamplingParams() *SamplingParams {
	return &SamplingParams{
		Temperature:       1.0,
		TopP:              1.0,
		TopK:              0, // 0 means disabled
		RepetitionPenalty: 1.0,
	}
}

// Sample picks a token from logits. Tokens listed in recent are penalised
// by RepetitionPenalty; banned tokens are never returned while any other
// token remains. logits is modified in place.
func Sample(logits []float32, params *SamplingParams, recent []int, banned []int, rng *rand.Rand) int {
	if params == nil {
		params = DefaultSamplingParams()
	}

	if params.RepetitionPenalty > 0 && params.RepetitionPenalty != 1.0 {
		seen := make(map[int]bool, len(recent))
		for _, id := range recent {
			if id < 0 || id >= len(logits) || seen[id] {
				continue
			}
			seen[id] = true
			if logits[id] >= 0 {
				logits[id] /= params.RepetitionPenalty
			} else {
				logits[id] *= params.RepetitionPenalty
			}
		}
	}

	if len(banned) < len(logits) {
		for _, id := range banned {
			if id >= 0 && id < len(logits) {
				logits[id] = float32(math.Inf(-1))
			}
		}
	}

	if params.Temperature <= 0 {
		return Argmax(logits)
	}

	if params.Temperature != 1.0 {
		for i := range logits {
			logits[i] /= params.Temperature
		}
	}

	probs := softmax(logits)

	if params.TopK > 0 && params.TopK < len(probs) {
		probs = topKFiltering(probs, params.TopK)
	}

	if params.TopP > 0 && params.TopP < 1.0 {
		probs = topPFiltering(probs, params.TopP)
	}

	return sampleMultinomial(probs, rng)
}

// Argmax returns the index of the largest value
func Argmax(data []float32) int {
	maxIdx := 0
	for i, v := range data {
		if v > data[maxIdx] {
			maxIdx = i
		}
	}
	return maxIdx
}

// softmax converts logits to probabilities
func softmax(logits []float32) []float32 {
	probs := make([]float32, len(logits))
	softmaxRow(probs, logits)
	return probs
}

type indexedProb struct {
	idx  int
	prob float32
}

func sortedProbs(probs []float32) []indexedProb {
	indexed := make([]indexedProb, len(probs))
	for i, p := range probs {
		indexed[i] = indexedProb{i, p}
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		return indexed[i].prob > indexed[j].prob
	})
	return indexed
}

// topKFiltering keeps only top-k probabilities, zeros out the rest
func topKFiltering(probs []float32, k int) []float32 {
	indexed := sortedProbs(probs)
	result := make([]float32, len(probs))
	for i := 0; i < k && i < len(indexed); i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// topPFiltering keeps the smallest set of tokens whose mass reaches p
func topPFiltering(probs []float32, p float32) []float32 {
	indexed := sortedProbs(probs)

	total := float32(0)
	for _, item := range indexed {
		total += item.prob
	}

	cumProb := float32(0)
	cutoff := len(indexed)
	for i, item := range indexed {
		cumProb += item.prob
		if cumProb >= p*total {
			cutoff = i + 1
			break
		}
	}

	result := make([]float32, len(probs))
	for i := 0; i < cutoff; i++ {
		result[indexed[i].idx] = indexed[i].prob
	}
	return result
}

// sampleMultinomial samples from an unnormalised probability distribution
func sampleMultinomial(probs []float32, rng *rand.Rand) int {
	cumProbs := make([]float32, len(probs))
	cumProbs[0] = probs[0]
	for i := 1; i < len(probs); i++ {
		cumProbs[i] = cumProbs[i-1] + probs[i]
	}

	total := cumProbs[len(cumProbs)-1]
	if total <= 0 {
		return Argmax(probs)
	}
	var r float32
	if rng != nil {
		r = rng.Float32() * total
	} else {
		r = rand.Float32() * total
	}

	idx := sort.Search(len(cumProbs), func(i int) bool {
		return cumProbs[i] > r
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx
}
