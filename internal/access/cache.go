package access

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/rkm/opr-stac/internal/db"
	"github.com/rkm/opr-stac/internal/observability"
)

// IndexFile is the SQLite index inside a cache directory.
const IndexFile = "index.db"

// CacheOptions configures a FileCache.
type CacheOptions struct {
	// Dir holds downloads and the index. Empty means a temporary directory
	// removed by Close.
	Dir        string
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// FileCache downloads URLs once and serves later requests from disk.
// Concurrent requests for the same URL share one download.
type FileCache struct {
	dir     string
	temp    bool
	index   *db.DB
	client  *http.Client
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	group   singleflight.Group
}

// NewFileCache opens or creates the cache.
func NewFileCache(opts CacheOptions) (*FileCache, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	dir, temp := opts.Dir, false
	if dir == "" {
		d, err := os.MkdirTemp("", "oprstac-cache-")
		if err != nil {
			return nil, fmt.Errorf("create temp cache directory: %w", err)
		}
		dir, temp = d, true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	index, err := db.Open(filepath.Join(dir, IndexFile), opts.Logger)
	if err != nil {
		if temp {
			os.RemoveAll(dir)
		}
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	return &FileCache{
		dir:     dir,
		temp:    temp,
		index:   index,
		client:  opts.HTTPClient,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Dir returns the cache directory.
func (c *FileCache) Dir() string { return c.dir }

// Fetch returns the local path of rawURL, downloading it if it is not
// cached yet. The shared download is not tied to any one caller's context;
// each caller stops waiting when its own ctx is done.
func (c *FileCache) Fetch(ctx context.Context, rawURL string) (string, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(rawURL, func() (any, error) {
		return c.fetch(shared, rawURL)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.metrics.ObserveCache("error")
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *FileCache) fetch(ctx context.Context, rawURL string) (string, error) {
	entry, err := c.index.GetEntry(ctx, rawURL)
	switch {
	case err == nil:
		if st, statErr := os.Stat(entry.Path); statErr == nil && st.Size() == entry.Size {
			c.metrics.ObserveCache("hit")
			return entry.Path, nil
		}
		c.logger.WarnContext(ctx, "cached file missing or changed, refetching", slog.String("url", rawURL))
	case !errors.Is(err, db.ErrNotFound):
		return "", err
	}
	c.metrics.ObserveCache("miss")

	dest, err := c.localPath(rawURL)
	if err != nil {
		return "", err
	}
	size, sum, err := c.download(ctx, rawURL, dest)
	if err != nil {
		return "", err
	}

	err = c.index.PutEntry(ctx, db.CacheEntry{
		URL:       rawURL,
		Path:      dest,
		Size:      size,
		SHA256:    sum,
		FetchedAt: c.clock.Now(),
	})
	if err != nil {
		return "", err
	}
	c.logger.DebugContext(ctx, "cached file",
		slog.String("url", rawURL),
		slog.String("path", dest),
		slog.Int64("size", size),
	)
	return dest, nil
}

// localPath places a download under a directory named by the URL hash,
// keeping the original file name.
func (c *FileCache) localPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	h := sha256.Sum256([]byte(rawURL))
	return filepath.Join(c.dir, hex.EncodeToString(h[:8]), name), nil
}

func (c *FileCache) download(ctx context.Context, rawURL, dest string) (size int64, sum string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, "", err
	}
	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		out.Close()
		if err != nil {
			os.Remove(tmp)
		}
	}()

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(out, h), resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	if err = out.Close(); err != nil {
		return 0, "", err
	}
	if err = os.Rename(tmp, dest); err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

// Close closes the index and removes a temporary cache directory.
func (c *FileCache) Close() error {
	err := c.index.Close()
	if c.temp {
		if rmErr := os.RemoveAll(c.dir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
