// Package download fetches generated report files to local disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	fileutil "reportflow/internal/file"
)

const defaultHTTPTimeout = 60 * time.Second

var (
	ErrNoURL       = errors.New("no url provided")
	ErrBadFilename = errors.New("invalid filename")
)

type ctxKey int

const (
	ctxKeyHTTPTimeout ctxKey = iota
)

// WithHTTPTimeout returns a child context that carries the HTTP client timeout
func WithHTTPTimeout(parent context.Context, timeout time.Duration) context.Context {
	return context.WithValue(parent, ctxKeyHTTPTimeout, timeout)
}

func httpTimeoutFromContext(ctx context.Context) time.Duration {
	v := ctx.Value(ctxKeyHTTPTimeout)
	if d, ok := v.(time.Duration); ok && d > 0 {
		return d
	}
	return defaultHTTPTimeout
}

// Result describes a finished download.
type Result struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Downloader writes remote files under Dir.
type Downloader struct {
	Dir    string
	Client *http.Client
}

func New(dir string) *Downloader {
	return &Downloader{Dir: dir}
}

// Fetch downloads rawURL into Dir/filename. An empty filename is derived from the URL.
// The destination is replaced atomically, so a failed download leaves no partial file.
func (d *Downloader) Fetch(ctx context.Context, rawURL, filename string) (Result, error) {
	target := strings.TrimSpace(rawURL)
	if target == "" {
		return Result{}, ErrNoURL
	}
	name, err := safeFilename(filename, target)
	if err != nil {
		return Result{}, err
	}
	if err := fileutil.EnsureDir(d.Dir); err != nil {
		return Result{}, err
	}
	dest := filepath.Join(d.Dir, name)

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: httpTimeoutFromContext(ctx)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpResponse, err := client.Do(req)
	if err != nil {
		log.Warn().Str("url", target).Err(err).Msg("download request failed")
		return Result{}, fmt.Errorf("download: %w", err)
	}
	defer func() { _ = httpResponse.Body.Close() }()
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		log.Warn().Str("url", target).Int("status", httpResponse.StatusCode).Msg("unexpected status code")
		return Result{}, fmt.Errorf("download: http %d", httpResponse.StatusCode)
	}

	counter := &countingReader{r: httpResponse.Body}
	if err := fileutil.CopyAtomic(dest, counter); err != nil {
		return Result{}, fmt.Errorf("write download: %w", err)
	}
	log.Info().Str("path", dest).Int64("bytes", counter.n).Msg("download saved")
	return Result{Path: dest, Bytes: counter.n}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// safeFilename strips any directory part so downloads stay inside the target dir.
func safeFilename(filename, rawURL string) (string, error) {
	name := strings.TrimSpace(filename)
	if name == "" {
		name = deriveFilename(rawURL)
	}
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." || name == "" {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}
	return name, nil
}

// deriveFilename extracts a filename from the URL path or falls back to a fixed name
func deriveFilename(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	base := path.Base(trimmed)
	if base == "/" || base == "." || base == "" || strings.Contains(base, ":") {
		return "report"
	}
	return base
}
