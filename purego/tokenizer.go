package purego

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoTokenizer is returned when a directory holds no loadable tokenizer files
var ErrNoTokenizer = errors.New("no tokenizer found")

// Tokenizer converts between text and token IDs
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text, skipping special tokens
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int

	// VocabSize returns the number of known tokens
	VocabSize() int
}

// LoaderFunc builds a tokenizer from the files in dir
type LoaderFunc func(dir string) (Tokenizer, error)

type loader struct {
	name  string
	files []string
	load  LoaderFunc
}

var loaders = []loader{
	{
		name:  "gpt2-bpe",
		files: []string{VocabFile, MergesFile},
		load: func(dir string) (Tokenizer, error) {
			return NewBPETokenizer(dir)
		},
	},
}

// RegisterLoader adds a tokenizer format. Later registrations are tried first.
// files lists the names that must all exist for the loader to apply; they are
// also the files copied when a model directory is saved.
func RegisterLoader(name string, files []string, fn LoaderFunc) {
	loaders = append([]loader{{name: name, files: files, load: fn}}, loaders...)
}

func match(dir string) (loader, bool) {
	for _, l := range loaders {
		ok := true
		for _, f := range l.files {
			if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
				ok = false
				break
			}
		}
		if ok {
			return l, true
		}
	}
	return loader{}, false
}

// LoadTokenizer loads the first registered tokenizer format found in dir
func LoadTokenizer(dir string) (Tokenizer, error) {
	l, ok := match(dir)
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrNoTokenizer, dir)
	}
	tok, err := l.load(dir)
	if err != nil {
		return nil, fmt.Errorf("%s tokenizer: %w", l.name, err)
	}
	return tok, nil
}

// TokenizerFiles returns the tokenizer files LoadTokenizer would read from dir
func TokenizerFiles(dir string) ([]string, error) {
	l, ok := match(dir)
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrNoTokenizer, dir)
	}
	return l.files, nil
}
