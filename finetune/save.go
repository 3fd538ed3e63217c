package finetune

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

// Extra files carried over from the source model when present
var companionFiles = []string{"tokenizer_config.json", "generation_config.json", "special_tokens_map.json"}

// SavePretrained writes model weights and config to dir and copies the
// tokenizer from tokenizerDir so dir loads on its own. An empty tokenizerDir
// saves only the model.
func SavePretrained(dir string, model *tensor.GPT2Model, tokenizerDir string) error {
	if err := tensor.SaveGPT2(model, dir); err != nil {
		return err
	}
	if tokenizerDir == "" || sameDir(dir, tokenizerDir) {
		return nil
	}

	files, err := purego.TokenizerFiles(tokenizerDir)
	if err != nil {
		return err
	}
	for _, name := range files {
		if err := copyFile(filepath.Join(tokenizerDir, name), filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	for _, name := range companionFiles {
		src := filepath.Join(tokenizerDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func sameDir(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
