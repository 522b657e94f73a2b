package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/dispatchq/internal/datastore"
	"github.com/snehjoshi/dispatchq/internal/types"
)

// ErrUnexpectedStatus is returned by RemoteSource.Fetch for non-200/304
// responses.
var ErrUnexpectedStatus = errors.New("settings: unexpected status")

// ─── Local file ──────────────────────────────────────────────────────────────

// LoadFile reads a settings document from path. Files ending in .json are
// parsed as JSON, everything else as YAML. A missing file yields a nil
// document and no error.
func LoadFile(path string) (types.DataObject, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return types.DataObjectFromJSON(data)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	// Round-trip through JSON so numbers and nested maps have the same
	// shapes as a JSON-sourced document.
	return types.ToDataObject(raw)
}

// ─── Remote source ───────────────────────────────────────────────────────────

// Cache keys in the settings DataStore.
const (
	KeyCachedSettings = "settings"
	KeyCachedETag     = "settings_etag"
)

// RemoteOption configures a RemoteSource.
type RemoteOption func(*RemoteSource)

// WithHTTPClient replaces the default http.Client (20s timeout).
func WithHTTPClient(hc *http.Client) RemoteOption {
	return func(r *RemoteSource) {
		if hc != nil {
			r.http = hc
		}
	}
}

// WithCache persists the last downloaded document and its ETag in store so
// it is available offline after a restart.
func WithCache(store *datastore.DataStore) RemoteOption {
	return func(r *RemoteSource) { r.cache = store }
}

// WithRemoteLogger sets the logger. Default slog.Default().
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(r *RemoteSource) {
		if l != nil {
			r.log = l
		}
	}
}

// RemoteSource downloads the settings document with conditional GETs.
type RemoteSource struct {
	url   string
	http  *http.Client
	cache *datastore.DataStore
	log   *slog.Logger

	mu          sync.Mutex
	etag        string
	doc         types.DataObject
	lastFetched time.Time
}

// NewRemoteSource creates a source for url. The cached document, if any, is
// loaded immediately.
func NewRemoteSource(url string, opts ...RemoteOption) *RemoteSource {
	r := &RemoteSource{
		url:  url,
		http: &http.Client{Timeout: 20 * time.Second},
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "settings", "url", url)
	r.loadCache()
	return r
}

func (r *RemoteSource) loadCache() {
	if r.cache == nil {
		return
	}
	var doc types.DataObject
	found, err := r.cache.GetAs(KeyCachedSettings, &doc)
	if err != nil {
		r.log.Warn("settings: cached document unreadable", "err", err)
		return
	}
	if !found {
		return
	}
	r.doc = doc
	r.etag, _ = r.cache.GetString(KeyCachedETag)
	r.log.Debug("settings: loaded cached document", "etag", r.etag)
}

// Cached returns the last known remote document, nil if none.
func (r *RemoteSource) Cached() types.DataObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc == nil {
		return nil
	}
	return r.doc.Copy()
}

// LastFetched returns when the last successful request completed.
func (r *RemoteSource) LastFetched() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastFetched
}

// Fetch requests the document. changed is false when the server answered
// 304 Not Modified or returned the document already held.
func (r *RemoteSource) Fetch(ctx context.Context) (doc types.DataObject, changed bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("settings: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	r.mu.Lock()
	if r.etag != "" {
		req.Header.Set("If-None-Match", r.etag)
	}
	r.mu.Unlock()

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("settings: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		r.mu.Lock()
		r.lastFetched = time.Now()
		r.mu.Unlock()
		return r.Cached(), false, nil
	case http.StatusOK:
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("settings: read body: %w", err)
	}
	fetched, err := types.DataObjectFromJSON(body)
	if err != nil {
		return nil, false, err
	}
	etag := resp.Header.Get("ETag")

	r.mu.Lock()
	prev := r.doc
	r.doc = fetched
	r.etag = etag
	r.lastFetched = time.Now()
	r.mu.Unlock()

	r.storeCache(fetched, etag)

	changed = true
	if prev != nil {
		if patch, derr := Diff(prev, fetched); derr == nil && len(patch) == 0 {
			changed = false
		}
	}
	return fetched.Copy(), changed, nil
}

func (r *RemoteSource) storeCache(doc types.DataObject, etag string) {
	if r.cache == nil {
		return
	}
	ed := r.cache.Edit().Put(KeyCachedSettings, map[string]any(doc), types.ExpiryForever)
	if etag != "" {
		ed.Put(KeyCachedETag, etag, types.ExpiryForever)
	} else {
		ed.Remove(KeyCachedETag)
	}
	if err := ed.Commit(); err != nil {
		r.log.Warn("settings: cache write failed", "err", err)
	}
}
