package purego

import (
	"fmt"
	"sort"
	"strings"
)

// TrainBPE learns a byte-level BPE vocabulary of vocabSize entries from
// corpus. The vocabulary starts from the 256 byte symbols, grows by the most
// frequent adjacent pair until full, and ends with EndOfText. Ties between
// equally frequent pairs are broken lexically so training is deterministic.
func TrainBPE(corpus []string, vocabSize int) (*BPETokenizer, error) {
	if vocabSize < 257 {
		return nil, fmt.Errorf("vocab size %d too small, need at least 257", vocabSize)
	}

	byteEncoder := buildByteEncoder()
	encoder := make(map[string]int, vocabSize)
	for b := 0; b < 256; b++ {
		encoder[string(byteEncoder[b])] = b
	}

	// Word frequencies over byte-encoded pre-tokens
	freq := make(map[string]int)
	for _, text := range corpus {
		for _, piece := range pretokenize(text) {
			var sb strings.Builder
			for _, b := range []byte(piece) {
				sb.WriteRune(byteEncoder[b])
			}
			freq[sb.String()]++
		}
	}

	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	words := make([][]string, len(keys))
	counts := make([]int, len(keys))
	for i, k := range keys {
		for _, r := range k {
			words[i] = append(words[i], string(r))
		}
		counts[i] = freq[k]
	}

	var merges []string
	for len(encoder) < vocabSize-1 {
		pairs := make(map[[2]string]int)
		for i, w := range words {
			for j := 0; j < len(w)-1; j++ {
				pairs[[2]string{w[j], w[j+1]}] += counts[i]
			}
		}
		if len(pairs) == 0 {
			break
		}

		var best [2]string
		bestCount := 0
		for p, c := range pairs {
			if c > bestCount || (c == bestCount && lessPair(p, best)) {
				best, bestCount = p, c
			}
		}

		merged := best[0] + best[1]
		merges = append(merges, best[0]+" "+best[1])
		if _, exists := encoder[merged]; !exists {
			encoder[merged] = len(encoder)
		}
		for i, w := range words {
			words[i] = mergePair(w, best[0], best[1])
		}
	}

	encoder[EndOfText] = len(encoder)
	return newBPETokenizer(encoder, merges), nil
}

func lessPair(a, b [2]string) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}
