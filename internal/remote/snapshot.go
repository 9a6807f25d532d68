// Package remote retrieves precomputed cache snapshots published by a
// live-fetching deployment, from http(s), gs:// or local file locations.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/metrics"
	"github.com/JakeFAU/statcache/internal/statcache"
)

// DefaultTimeout bounds a snapshot fetch when the caller passes none.
const DefaultTimeout = 12 * time.Second

const maxSnapshotBytes = 32 << 20

// ObjectReader reads gs:// URIs.
type ObjectReader interface {
	ReadURI(ctx context.Context, uri string) ([]byte, error)
}

// Config controls snapshot decoding.
type Config struct {
	// DefaultTTLMinutes applies to snapshot entries that carry no TTL.
	DefaultTTLMinutes int
	UserAgent         string
	// Clock bounds decoded snapshot timestamps. Nil uses the wall clock.
	Clock statcache.Clock
}

// Client implements statcache.SnapshotSource.
type Client struct {
	cfg     Config
	http    *http.Client
	objects ObjectReader
	logger  *zap.Logger
}

var _ statcache.SnapshotSource = (*Client)(nil)

// New creates a snapshot client. objects may be nil when gs:// sources are not used.
func New(cfg Config, httpClient *http.Client, objects ObjectReader, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.DefaultTTLMinutes <= 0 {
		cfg.DefaultTTLMinutes = statcache.DefaultTTLMinutes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		objects: objects,
		logger:  logger.Named("remote_snapshot"),
	}
}

// FetchSnapshot downloads and decodes the snapshot at rawURL within timeout.
// Every returned entry is tagged SourceRemote. Failures satisfy
// errors.Is(err, statcache.ErrRemoteUnavailable).
func (c *Client) FetchSnapshot(ctx context.Context, rawURL string, timeout time.Duration) (statcache.KeySpace, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	scheme := schemeOf(rawURL)
	data, err := c.read(ctx, scheme, rawURL)
	if err != nil {
		metrics.ObserveSnapshotFetch(scheme, "error")
		return nil, statcache.RemoteError(err, "fetch snapshot "+rawURL)
	}
	entries, err := statcache.DecodeDocument(data, statcache.DocumentDefaults{
		TTLMinutes:  c.cfg.DefaultTTLMinutes,
		Source:      statcache.SourceRemote,
		ForceSource: true,
		Now:         c.now(),
	})
	if err != nil {
		metrics.ObserveSnapshotFetch(scheme, "invalid")
		return nil, statcache.RemoteError(err, "decode snapshot "+rawURL)
	}
	metrics.ObserveSnapshotFetch(scheme, "ok")
	c.logger.Debug("snapshot fetched", zap.String("url", rawURL), zap.Int("keys", len(entries)))
	return entries, nil
}

func (c *Client) now() time.Time {
	if c.cfg.Clock != nil {
		return c.cfg.Clock.Now()
	}
	return time.Now().UTC()
}

func (c *Client) read(ctx context.Context, scheme, rawURL string) ([]byte, error) {
	switch scheme {
	case "http", "https":
		return c.readHTTP(ctx, rawURL)
	case "gs":
		if c.objects == nil {
			return nil, fmt.Errorf("gs:// snapshots need a storage client")
		}
		data, err := c.objects.ReadURI(ctx, rawURL)
		if err != nil {
			return nil, fmt.Errorf("read object: %w", err)
		}
		return data, nil
	case "file":
		return readFile(ctx, filePath(rawURL))
	default:
		return nil, fmt.Errorf("unsupported snapshot scheme %q", scheme)
	}
}

func (c *Client) readHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("snapshot returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	return data, nil
}

func readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundled snapshot: %w", err)
	}
	return data, nil
}

// schemeOf treats anything without a recognised scheme as a local path.
func schemeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

func filePath(rawURL string) string {
	if rest, ok := strings.CutPrefix(rawURL, "file://"); ok {
		return rest
	}
	return rawURL
}
