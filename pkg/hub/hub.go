// Package hub fetches model checkpoints from a HuggingFace-style model hub
// into a local cache. Downloads resume from partial files and can be checked
// against a SHA-256 digest.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/depth-diffusion/internal/utils"
)

// DefaultEndpoint is the public HuggingFace hub
const DefaultEndpoint = "https://huggingface.co"

var (
	// ErrChecksum is returned when a downloaded file does not match its digest
	ErrChecksum = errors.New("hub: checksum mismatch")
	// ErrNotFound is returned for 404 responses
	ErrNotFound = errors.New("hub: file not found")
)

// Artifact names one file in a hub repository
type Artifact struct {
	Repo     string `yaml:"repo" json:"repo"`
	File     string `yaml:"file" json:"file"`
	Revision string `yaml:"revision" json:"revision"`
	SHA256   string `yaml:"sha256" json:"sha256"`
}

func (a Artifact) String() string {
	return a.Repo + "/" + a.File
}

// Options configures a Hub
type Options struct {
	Endpoint string
	CacheDir string
	// Token is sent as a bearer token; HF_TOKEN is used when empty
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Hub downloads artifacts into CacheDir
type Hub struct {
	endpoint   string
	cacheDir   string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a Hub
func New(opts Options) (*Hub, error) {
	if opts.CacheDir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Token == "" {
		opts.Token = os.Getenv("HF_TOKEN")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Hub{
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		cacheDir:   opts.CacheDir,
		token:      opts.Token,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

// URL returns the resolve URL of an artifact
func (h *Hub) URL(a Artifact) string {
	rev := a.Revision
	if rev == "" {
		rev = "main"
	}
	return fmt.Sprintf("%s/%s/resolve/%s/%s", h.endpoint, a.Repo, rev, a.File)
}

// LocalPath returns where an artifact is cached
func (h *Hub) LocalPath(a Artifact) string {
	repo := strings.ReplaceAll(a.Repo, "/", "--")
	return filepath.Join(h.cacheDir, repo, filepath.FromSlash(a.File))
}

// Fetch returns the cached path of a, downloading it first if needed
func (h *Hub) Fetch(ctx context.Context, a Artifact) (string, error) {
	if a.Repo == "" || a.File == "" {
		return "", fmt.Errorf("artifact repo and file are required")
	}
	dest := h.LocalPath(a)
	log := h.logger.With(zap.String("artifact", a.String()))

	if utils.FileExists(dest) {
		if a.SHA256 == "" {
			log.Debug("artifact cached", zap.String("path", dest))
			return dest, nil
		}
		if ok, err := VerifyChecksum(dest, a.SHA256); err == nil && ok {
			log.Debug("artifact cached and verified", zap.String("path", dest))
			return dest, nil
		}
		log.Warn("cached artifact failed verification, downloading again")
		_ = os.Remove(dest)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	part := dest + ".part"
	start := time.Now()
	n, err := h.download(ctx, h.URL(a), part, log)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", a, err)
	}

	if a.SHA256 != "" {
		ok, err := VerifyChecksum(part, a.SHA256)
		if err != nil {
			return "", err
		}
		if !ok {
			_ = os.Remove(part)
			return "", fmt.Errorf("%w: %s", ErrChecksum, a)
		}
	}
	if err := os.Rename(part, dest); err != nil {
		return "", fmt.Errorf("failed to move download into place: %w", err)
	}

	log.Info("artifact downloaded",
		zap.String("path", dest),
		zap.String("size", utils.FormatFileSize(n)),
		zap.Duration("elapsed", time.Since(start)))
	return dest, nil
}

// FetchAll fetches every artifact and returns their paths in order
func (h *Hub) FetchAll(ctx context.Context, artifacts []Artifact) ([]string, error) {
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		p, err := h.Fetch(ctx, a)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// download writes url into path, resuming from an existing partial file.
// It returns the number of bytes written in this call.
func (h *Hub) download(ctx context.Context, url, path string, log *zap.Logger) (int64, error) {
	var resumeFrom int64
	if info, err := os.Stat(path); err == nil {
		resumeFrom = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusOK:
		flags |= os.O_TRUNC
	case http.StatusPartialContent:
		flags |= os.O_APPEND
		log.Info("resuming download", zap.Int64("offset", resumeFrom))
	case http.StatusRequestedRangeNotSatisfiable:
		// partial file already holds everything
		return 0, nil
	case http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrNotFound, url)
	default:
		return 0, fmt.Errorf("unexpected status code: %d %s", resp.StatusCode, resp.Status)
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download interrupted: %w", err)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("failed to sync file: %w", err)
	}
	return n, nil
}

// VerifyChecksum compares the SHA-256 of path with a hex digest
func VerifyChecksum(path, expected string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return strings.EqualFold(hex.EncodeToString(hasher.Sum(nil)), strings.TrimSpace(expected)), nil
}
