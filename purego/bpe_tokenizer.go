package purego

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// Tokenizer file names used by GPT-2 style checkpoints
const (
	VocabFile  = "vocab.json"
	MergesFile = "merges.txt"
)

// EndOfText is the GPT-2 end-of-text special token
const EndOfText = "<|endoftext|>"

// GPT-2 pre-tokenization pattern. RE2 has no lookahead, so the
// `\s+(?!\S)` alternative is emulated in pretokenize.
var pretokenPattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)

// pretokenize splits text into GPT-2 pre-tokens. A whitespace run followed
// by more text gives up its last character, which then starts the next
// piece (" b" in "a  b") or stands alone ("\n" before "World").
func pretokenize(text string) []string {
	var pieces []string
	for pos := 0; pos < len(text); {
		loc := pretokenPattern.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		piece := text[start:end]
		if end < len(text) && len(piece) > 1 && isSpaceRun(piece) {
			_, size := utf8.DecodeLastRuneInString(piece)
			end -= size
		}
		pieces = append(pieces, text[start:end])
		pos = end
	}
	return pieces
}

// isSpaceRun reports whether s consists only of RE2 \s characters
func isSpaceRun(s string) bool {
	return strings.Trim(s, " \t\n\f\r") == ""
}

// BPETokenizer implements GPT-2 byte-level BPE tokenization
type BPETokenizer struct {
	encoder     map[string]int
	decoder     map[int]string
	merges      []string
	bpeRanks    map[string]int // Merge rules priority
	byteEncoder [256]rune
	byteDecoder map[rune]byte
	special     map[string]int
	eosID       int

	mu    sync.Mutex
	cache map[string][]int
}

// NewBPETokenizer loads vocab.json and merges.txt from tokenizerDir
func NewBPETokenizer(tokenizerDir string) (*BPETokenizer, error) {
	data, err := os.ReadFile(filepath.Join(tokenizerDir, VocabFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab: %w", err)
	}
	encoder := make(map[string]int)
	if err := json.Unmarshal(data, &encoder); err != nil {
		return nil, fmt.Errorf("failed to parse vocab: %w", err)
	}

	merges, err := readMerges(filepath.Join(tokenizerDir, MergesFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load merges: %w", err)
	}

	return newBPETokenizer(encoder, merges), nil
}

func newBPETokenizer(encoder map[string]int, merges []string) *BPETokenizer {
	t := &BPETokenizer{
		encoder:     encoder,
		decoder:     make(map[int]string, len(encoder)),
		merges:      merges,
		bpeRanks:    make(map[string]int, len(merges)),
		byteEncoder: buildByteEncoder(),
		byteDecoder: make(map[rune]byte, 256),
		special:     make(map[string]int),
		eosID:       -1,
		cache:       make(map[string][]int),
	}
	for b, r := range t.byteEncoder {
		t.byteDecoder[r] = byte(b)
	}
	for token, id := range encoder {
		t.decoder[id] = token
		if strings.HasPrefix(token, "<|") && strings.HasSuffix(token, "|>") {
			t.special[token] = id
		}
	}
	for rank, m := range merges {
		t.bpeRanks[m] = rank
	}
	if id, ok := encoder[EndOfText]; ok {
		t.eosID = id
	} else {
		t.eosID = len(encoder) - 1
	}
	return t
}

// buildByteEncoder creates GPT-2's byte-to-unicode mapping
func buildByteEncoder() [256]rune {
	var encoder [256]rune
	assigned := make([]bool, 256)

	for _, r := range [][2]int{{'!', '~'}, {'¡', '¬'}, {'®', 'ÿ'}} {
		for b := r[0]; b <= r[1]; b++ {
			encoder[b] = rune(b)
			assigned[b] = true
		}
	}

	// Map remaining bytes to special Unicode range
	n := 0
	for b := 0; b < 256; b++ {
		if !assigned[b] {
			encoder[b] = rune(256 + n)
			n++
		}
	}
	return encoder
}

func readMerges(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var merges []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		merges = append(merges, line)
	}
	return merges, scanner.Err()
}

// Encode converts text to token IDs. Special tokens written literally in the
// text map to their own IDs.
func (t *BPETokenizer) Encode(text string) ([]int, error) {
	var tokenIDs []int
	for _, part := range t.splitSpecial(text) {
		if id, ok := t.special[part]; ok {
			tokenIDs = append(tokenIDs, id)
			continue
		}
		for _, piece := range pretokenize(part) {
			ids, err := t.encodePiece(piece)
			if err != nil {
				return nil, err
			}
			tokenIDs = append(tokenIDs, ids...)
		}
	}
	return tokenIDs, nil
}

// splitSpecial cuts text around special tokens, keeping them as parts
func (t *BPETokenizer) splitSpecial(text string) []string {
	if len(t.special) == 0 || !strings.Contains(text, "<|") {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		idx, tok := -1, ""
		for s := range t.special {
			if i := strings.Index(text, s); i >= 0 && (idx < 0 || i < idx || (i == idx && len(s) > len(tok))) {
				idx, tok = i, s
			}
		}
		if idx < 0 {
			parts = append(parts, text)
			break
		}
		if idx > 0 {
			parts = append(parts, text[:idx])
		}
		parts = append(parts, tok)
		text = text[idx+len(tok):]
	}
	return parts
}

func (t *BPETokenizer) encodePiece(piece string) ([]int, error) {
	t.mu.Lock()
	cached, ok := t.cache[piece]
	t.mu.Unlock()
	if ok {
		return cached, nil
	}

	var sb strings.Builder
	for _, b := range []byte(piece) {
		sb.WriteRune(t.byteEncoder[b])
	}

	symbols := t.bpe(sb.String())
	ids := make([]int, 0, len(symbols))
	for _, s := range symbols {
		id, ok := t.encoder[s]
		if !ok {
			return nil, fmt.Errorf("symbol %q missing from vocabulary", s)
		}
		ids = append(ids, id)
	}

	t.mu.Lock()
	t.cache[piece] = ids
	t.mu.Unlock()
	return ids, nil
}

// bpe applies merges to a byte-encoded word in rank order
func (t *BPETokenizer) bpe(token string) []string {
	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	for len(word) > 1 {
		// Find pair with lowest rank (highest priority merge)
		best, bestRank := -1, int(^uint(0)>>1)
		for i := 0; i < len(word)-1; i++ {
			if rank, ok := t.bpeRanks[word[i]+" "+word[i+1]]; ok && rank < bestRank {
				best, bestRank = i, rank
			}
		}
		if best < 0 {
			break
		}
		word = mergePair(word, word[best], word[best+1])
	}
	return word
}

// mergePair replaces every adjacent (first, second) in word with first+second
func mergePair(word []string, first, second string) []string {
	merged := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == first && word[i+1] == second {
			merged = append(merged, first+second)
			i++
			continue
		}
		merged = append(merged, word[i])
	}
	return merged
}

// Decode converts token IDs to text. Special and unknown IDs are skipped.
func (t *BPETokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		token, ok := t.decoder[id]
		if !ok {
			continue
		}
		if _, isSpecial := t.special[token]; isSpecial {
			continue
		}
		sb.WriteString(token)
	}

	var bytes []byte
	for _, r := range sb.String() {
		if b, ok := t.byteDecoder[r]; ok {
			bytes = append(bytes, b)
		}
	}
	return string(bytes), nil
}

// EOSTokenID returns the EOS token ID
func (t *BPETokenizer) EOSTokenID() int {
	return t.eosID
}

// VocabSize returns the number of vocabulary entries
func (t *BPETokenizer) VocabSize() int {
	return len(t.encoder)
}

// Save writes vocab.json and merges.txt into dir
func (t *BPETokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	vocab, err := json.Marshal(t.encoder)
	if err != nil {
		return fmt.Errorf("failed to encode vocab: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, VocabFile), vocab, 0o644); err != nil {
		return fmt.Errorf("failed to write vocab: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("#version: 0.2\n")
	for _, m := range t.merges {
		sb.WriteString(m)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, MergesFile), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write merges: %w", err)
	}
	return nil
}
