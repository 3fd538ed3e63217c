package nanotune

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"nano-tune-go/purego"
	"nano-tune-go/purego/tensor"
)

// DefaultEndpoint is the HuggingFace hub base URL
const DefaultEndpoint = "https://huggingface.co"

var errNotOnHub = errors.New("file not on hub")

// repoPattern matches hub repo IDs: "gpt2" or "org/name"
var repoPattern = regexp.MustCompile(`^(?:[A-Za-z0-9][\w.-]*/)?[A-Za-z0-9][\w.-]*$`)

// Files fetched for a model. Required files fail the download when
// missing; optional ones are skipped on 404.
var (
	requiredFiles = []string{tensor.ConfigFile, tensor.WeightsFile}
	optionalFiles = []string{purego.VocabFile, purego.MergesFile, "tokenizer.json", "tokenizer_config.json", "generation_config.json"}
)

// Hub resolves model names to local directories, downloading into a cache
// when needed
type Hub struct {
	CacheDir      string
	Endpoint      string
	Revision      string
	Token         string
	AllowDownload bool
	ShowProgress  bool
	Client        *http.Client
	Logger        logrus.FieldLogger
}

// NewHub creates a hub client from config. The cache defaults to
// $NANOTUNE_CACHE, then <user cache dir>/nano-tune-go. HF_TOKEN is sent as
// a bearer token when set and HF_ENDPOINT replaces the hub URL.
func NewHub(cfg *Config, logger logrus.FieldLogger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	endpoint := DefaultEndpoint
	if ep := os.Getenv("HF_ENDPOINT"); ep != "" {
		endpoint = strings.TrimSuffix(ep, "/")
	}
	return &Hub{
		CacheDir:      DefaultCacheDir(cfg.CacheDir),
		Endpoint:      endpoint,
		Revision:      cfg.Revision,
		Token:         os.Getenv("HF_TOKEN"),
		AllowDownload: cfg.AllowDownload,
		ShowProgress:  true,
		Client:        &http.Client{},
		Logger:        logger,
	}
}

// DefaultCacheDir picks the model cache directory
func DefaultCacheDir(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("NANOTUNE_CACHE"); env != "" {
		return env
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "nano-tune-go")
	}
	return filepath.Join(os.TempDir(), "nano-tune-go")
}

// CachePath returns the cache directory for a repo ID such as
// "EleutherAI/gpt-neo-125M". IDs that could escape the cache are rejected.
func (h *Hub) CachePath(repo string) (string, error) {
	if !repoPattern.MatchString(repo) || strings.Contains(repo, "..") {
		return "", fmt.Errorf("%w: %q is not a local directory or an org/name repo ID", ErrModelNotFound, repo)
	}
	return filepath.Join(h.CacheDir, strings.ReplaceAll(repo, "/", "--")), nil
}

// Resolve returns a local directory holding the named model. A name that is
// an existing directory is used as-is; otherwise the cache is consulted and,
// when allowed, the model is downloaded.
func (h *Hub) Resolve(ctx context.Context, name string) (string, error) {
	if info, err := os.Stat(name); err == nil && info.IsDir() {
		return name, nil
	}

	dir, err := h.CachePath(name)
	if err != nil {
		return "", err
	}
	if complete(dir) {
		h.Logger.WithField("dir", dir).Debug("using cached model")
		return dir, nil
	}

	if !h.AllowDownload {
		return "", fmt.Errorf("%w: %s (not a directory, not cached, downloads disabled)", ErrModelNotFound, name)
	}
	if err := h.Download(ctx, name); err != nil {
		return "", err
	}
	return dir, nil
}

// complete reports whether dir has weights, config and a tokenizer
func complete(dir string) bool {
	for _, f := range requiredFiles {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return false
		}
	}
	_, err := purego.TokenizerFiles(dir)
	return err == nil
}

// Download fetches a repo's model files into the cache
func (h *Hub) Download(ctx context.Context, repo string) error {
	dir, err := h.CachePath(repo)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	h.Logger.WithFields(logrus.Fields{"repo": repo, "dir": dir}).Info("downloading model")

	for _, f := range requiredFiles {
		if err := h.fetch(ctx, repo, f, dir); err != nil {
			if errors.Is(err, errNotOnHub) {
				return fmt.Errorf("%w: %s has no %s", ErrModelNotFound, repo, f)
			}
			return fmt.Errorf("failed to download %s: %w", f, err)
		}
	}
	for _, f := range optionalFiles {
		if err := h.fetch(ctx, repo, f, dir); err != nil && !errors.Is(err, errNotOnHub) {
			return fmt.Errorf("failed to download %s: %w", f, err)
		}
	}

	if _, err := purego.TokenizerFiles(dir); err != nil {
		return fmt.Errorf("%s: %w", repo, err)
	}
	return nil
}

func (h *Hub) fetch(ctx context.Context, repo, file, dir string) error {
	dest := filepath.Join(dir, file)
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	url := fmt.Sprintf("%s/%s/resolve/%s/%s", strings.TrimRight(h.Endpoint, "/"), repo, h.Revision, file)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotOnHub
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}

	var w io.Writer = out
	if h.ShowProgress {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading "+file)
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return err
	}
	h.Logger.WithField("file", file).Debug("downloaded")
	return os.Rename(part, dest)
}
