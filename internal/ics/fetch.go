package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"turnover/internal/fsutil"
	appLog "turnover/internal/log"
	"turnover/internal/model"
)

// DefaultTimeout bounds a single feed request.
const DefaultTimeout = 15 * time.Second

// maxFeedBytes caps a feed body; real exports are well under 1 MiB. A
// larger body is rejected rather than truncated.
const maxFeedBytes = 16 << 20

// Source represents a single calendar feed of one property.
type Source struct {
	// ID identifies the feed in logs and cache paths ("<property>#<index>").
	ID         string
	PropertyID string
	Platform   model.Platform
	URL        string
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	Source    Source
	Body      []byte // feed payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused a cached body (304 or upstream failure)
}

// feedCache keeps the last good body of one feed next to the validators
// needed to revalidate it.
type feedCache struct {
	dir string
}

type feedMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// cacheFor maps a feed URL to its own directory under root. A nil cache
// means caching is disabled.
func cacheFor(root, feedURL string) *feedCache {
	if root == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(feedURL))
	return &feedCache{dir: filepath.Join(root, hex.EncodeToString(sum[:8]))}
}

// load returns the cached body and metadata. A missing or corrupt meta file
// still yields the body, just without validators.
func (c *feedCache) load() ([]byte, feedMeta) {
	var meta feedMeta
	if c == nil {
		return nil, meta
	}
	body, err := os.ReadFile(filepath.Join(c.dir, "body.ics"))
	if err != nil {
		return nil, meta
	}
	if raw, err := os.ReadFile(filepath.Join(c.dir, "meta.json")); err == nil {
		if json.Unmarshal(raw, &meta) != nil {
			meta = feedMeta{}
		}
	}
	return body, meta
}

// store writes the body before the metadata so validators never describe a
// body that is not on disk.
func (c *feedCache) store(meta feedMeta, body []byte) error {
	if c == nil {
		return nil
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(c.dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(c.dir, "meta.json"), raw, 0o600)
}

// Fetcher is responsible for fetching feeds with HTTP caching
// (ETag / Last-Modified) and an optional disk-backed cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	maxBytes int
}

// NewFetcher creates a new feed Fetcher.
//
// cacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. An empty cacheDir disables the disk cache, in
// which case every failure yields no body. A non-positive timeout uses
// DefaultTimeout.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		cacheDir: cacheDir,
		maxBytes: maxFeedBytes,
	}
}

// FetchOne fetches a single feed, honoring ETag and Last-Modified.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	cache := cacheFor(f.cacheDir, src.URL)
	cachedBody, meta := cache.load()
	logURL := RedactURL(src.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.5")

	// Only revalidate when there is a body to fall back to on 304.
	if len(cachedBody) > 0 && meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if len(cachedBody) > 0 && meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}
	stale := FetchResult{Source: src, Body: cachedBody, FromCache: true}

	appLog.Debug("feed fetch start", "id", src.ID, "platform", src.Platform, "url", logURL)

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("feed fetch network error, using cached body", err, "id", src.ID, "url", logURL)
			return stale, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(f.maxBytes)+1))
		if readErr == nil && len(body) > f.maxBytes {
			readErr = fmt.Errorf("feed body from %s exceeds %d bytes", logURL, f.maxBytes)
		}
		if readErr == nil && !utf8.Valid(body) {
			readErr = fmt.Errorf("feed body from %s is not valid UTF-8", logURL)
		}
		if readErr != nil {
			if len(cachedBody) > 0 {
				appLog.Error("feed body rejected, using cached body", readErr, "id", src.ID, "url", logURL)
				return stale, nil
			}
			return FetchResult{}, readErr
		}

		fresh := feedMeta{URL: src.URL, ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}
		if err := cache.store(fresh, body); err != nil {
			appLog.Error("feed cache write failed; serving fresh body anyway", err, "id", src.ID, "url", logURL)
		}

		appLog.Info("feed fetch success", "id", src.ID, "url", logURL, "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Debug("feed not modified; using cache", "id", src.ID, "url", logURL)
		return stale, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("feed fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "url", logURL, "status", resp.StatusCode)
			return stale, nil
		}
		return FetchResult{}, fmt.Errorf("feed %s: %s", logURL, resp.Status)
	}
}

// RedactURL hides the path and query of a feed URL. Platform export URLs
// embed secret tokens, so only scheme and host are ever logged.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "feed://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
