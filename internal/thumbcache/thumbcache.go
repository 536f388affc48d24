// Package thumbcache implements the Image Thumb Cache (C7): content-addressed
// JPEG thumbnail generation with single-flight per-fingerprint locking, a
// bounded worker-pool generation semaphore, and a deduplicating warm queue,
// grounded on the teacher's TTL-cleanup MediaStore shutdown pattern
// (internal/media/store.go: stopCh + sync.WaitGroup) generalized to a fixed
// worker pool instead of a single cleanup goroutine.
package thumbcache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/fingerprint"
	"github.com/mediaroot/mediarootd/internal/logging"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/render"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// Config configures a Cache.
type Config struct {
	CacheRoot     string // derivative cache root; thumbnails land at <root>/thumbs/...
	Size          int    // default 320
	Quality       int    // default render.Quality
	KeyMode       fingerprint.KeyMode
	Workers       int // generation concurrency permits, default 4
	WarmQueueSize int // default 2048
}

// DefaultConfig fills in spec.md §4.6 defaults over zero values.
func DefaultConfig(cacheRoot string) Config {
	return Config{
		CacheRoot:     cacheRoot,
		Size:          320,
		Quality:       render.Quality,
		KeyMode:       fingerprint.KeyModeMtime,
		Workers:       4,
		WarmQueueSize: 2048,
	}
}

// Cache generates and serves thumbnails (C7).
type Cache struct {
	cfg   Config
	sb    *sandbox.Sandbox
	types *mediatype.Set

	flightMu sync.Mutex
	flight   map[string]*sync.Mutex // per-fingerprint single-flight locks

	sem chan struct{} // generation permits

	warmMu      sync.Mutex
	warmPending map[string]struct{}
	warmQueue   chan string
	warmDone    chan struct{}
	warmWG      sync.WaitGroup
	closeOnce   sync.Once
}

// New builds a Cache and starts its warm-queue worker pool.
func New(cfg Config, sb *sandbox.Sandbox, types *mediatype.Set) *Cache {
	if cfg.Size == 0 {
		cfg.Size = 320
	}
	if cfg.Quality == 0 {
		cfg.Quality = render.Quality
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.WarmQueueSize == 0 {
		cfg.WarmQueueSize = 2048
	}

	c := &Cache{
		cfg:         cfg,
		sb:          sb,
		types:       types,
		flight:      map[string]*sync.Mutex{},
		sem:         make(chan struct{}, cfg.Workers),
		warmPending: map[string]struct{}{},
		warmQueue:   make(chan string, cfg.WarmQueueSize),
		warmDone:    make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		c.warmWG.Add(1)
		go c.warmWorker()
	}

	return c
}

// Result is a resolved thumbnail: its on-disk path plus the fingerprint and
// source mtime used for ETag/Last-Modified headers.
type Result struct {
	Path       string
	Fingerprint string
	SourceMtime time.Time
}

// Ensure resolves rel to a thumbnail, generating it if absent. It validates
// the path through the sandbox, rejects non-image extensions, and serializes
// concurrent generation of the same fingerprint behind a per-fingerprint lock,
// with overall generation bounded by the pool of worker permits.
func (c *Cache) Ensure(ctx context.Context, rel string) (*Result, error) {
	abs, err := c.sb.Resolve(rel, true)
	if err != nil {
		if sandbox.IsViolation(err) {
			return nil, apierr.Of(apierr.CodeSandboxViolation, err.Error())
		}
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}

	ext := filepath.Ext(abs)
	if !c.types.IsImage(ext) {
		return nil, apierr.Of(apierr.CodeUnsupportedMediaType, "not an image: "+ext)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Of(apierr.CodeNotFound, "source not found: "+rel)
		}
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}
	if info.IsDir() {
		return nil, apierr.Of(apierr.CodeNotAFile, "path is a directory: "+rel)
	}

	// Extension matched, but sniff the actual bytes too: a video renamed to
	// .jpg must fail as UNSUPPORTED_MEDIA_TYPE, not as a decode error.
	if mt, err := mimetype.DetectFile(abs); err == nil && !strings.HasPrefix(mt.String(), "image/") {
		return nil, apierr.Of(apierr.CodeUnsupportedMediaType, "content is not an image: "+mt.String())
	}

	key, err := c.sourceKey(rel, info)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeThumbnailFailed, err)
	}
	fp := fingerprint.Thumb(key, c.cfg.Size, c.cfg.Quality)
	cachePath := fingerprint.ShardedPath(c.cfg.CacheRoot, "thumbs", fp)

	if _, err := os.Stat(cachePath); err == nil {
		return &Result{Path: cachePath, Fingerprint: fp, SourceMtime: info.ModTime()}, nil
	}

	lock := c.flightLock(fp)
	select {
	case c.sem <- struct{}{}:
	case <-time.After(30 * time.Second):
		return nil, apierr.Of(apierr.CodeThumbRateLimited, "thumbnail generation queue full")
	case <-ctx.Done():
		return nil, apierr.Ofw(apierr.CodeThumbnailFailed, ctx.Err())
	}
	defer func() { <-c.sem }()

	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(cachePath); err == nil {
		return &Result{Path: cachePath, Fingerprint: fp, SourceMtime: info.ModTime()}, nil
	}

	if err := c.generate(abs, cachePath); err != nil {
		return nil, apierr.Ofw(apierr.CodeThumbnailFailed, err)
	}

	return &Result{Path: cachePath, Fingerprint: fp, SourceMtime: info.ModTime()}, nil
}

func (c *Cache) generate(srcAbs, cachePath string) error {
	img, err := render.OpenOriented(srcAbs)
	if err != nil {
		return err
	}
	out := render.BlurFit(img, c.cfg.Size)

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return err
	}
	return render.EncodeJPEGAtomic(cachePath, out, c.cfg.Quality)
}

func (c *Cache) sourceKey(rel string, info os.FileInfo) (fingerprint.Key, error) {
	if c.cfg.KeyMode == fingerprint.KeyModeSHA1 {
		abs, err := c.sb.Resolve(rel, false)
		if err != nil {
			return fingerprint.Key{}, err
		}
		return fingerprint.KeyFromFile(abs)
	}
	return fingerprint.KeyFromStat(rel, info.ModTime().UnixNano(), info.Size()), nil
}

func (c *Cache) flightLock(fp string) *sync.Mutex {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	l, ok := c.flight[fp]
	if !ok {
		l = &sync.Mutex{}
		c.flight[fp] = l
	}
	return l
}

// CachedOrNil stats the fingerprint's cache path without generating anything.
// Used by enqueue_many to classify already-satisfied requests as skipped_cached.
func (c *Cache) CachedOrNil(rel string) bool {
	abs, err := c.sb.Resolve(rel, false)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return false
	}
	key, err := c.sourceKey(rel, info)
	if err != nil {
		return false
	}
	fp := fingerprint.Thumb(key, c.cfg.Size, c.cfg.Quality)
	_, err = os.Stat(fingerprint.ShardedPath(c.cfg.CacheRoot, "thumbs", fp))
	return err == nil
}

// EnqueueResult summarizes an enqueue_many call.
type EnqueueResult struct {
	Accepted     []string
	SkippedCached []string
	Rejected     []string
}

// EnqueueMany validates and enqueues a batch of relative paths for background
// warming, per spec.md §4.6.
func (c *Cache) EnqueueMany(rels []string) EnqueueResult {
	var res EnqueueResult
	for _, rel := range rels {
		abs, err := c.sb.Resolve(rel, false)
		if err != nil {
			res.Rejected = append(res.Rejected, rel)
			continue
		}
		if !c.types.IsImage(filepath.Ext(abs)) {
			res.Rejected = append(res.Rejected, rel)
			continue
		}
		if c.CachedOrNil(rel) {
			res.SkippedCached = append(res.SkippedCached, rel)
			continue
		}
		if c.Enqueue(rel) {
			res.Accepted = append(res.Accepted, rel)
		} else {
			res.Rejected = append(res.Rejected, rel)
		}
	}
	return res
}

// Enqueue adds rel to the warm queue, deduplicating against the in-flight
// set. Returns false when the queue is full.
func (c *Cache) Enqueue(rel string) bool {
	c.warmMu.Lock()
	if _, ok := c.warmPending[rel]; ok {
		c.warmMu.Unlock()
		return true
	}
	c.warmPending[rel] = struct{}{}
	c.warmMu.Unlock()

	select {
	case c.warmQueue <- rel:
		return true
	default:
		c.warmMu.Lock()
		delete(c.warmPending, rel)
		c.warmMu.Unlock()
		return false
	}
}

func (c *Cache) warmWorker() {
	defer c.warmWG.Done()
	for {
		select {
		case rel, ok := <-c.warmQueue:
			if !ok {
				return
			}
			c.warmMu.Lock()
			delete(c.warmPending, rel)
			c.warmMu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			if _, err := c.Ensure(ctx, rel); err != nil {
				if ae, ok := apierr.As(err); ok && ae.HTTPStatus < 500 {
					logging.L_debug("thumbcache: warm request rejected", "rel", rel, "error", err)
				} else {
					logging.L_error("thumbcache: warm generation failed", "rel", rel, "error", err)
				}
			}
			cancel()
		case <-c.warmDone:
			return
		}
	}
}

// Close stops the warm-queue workers, waiting up to 2s for in-flight
// generations to finish before abandoning them (spec.md §4.6).
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.warmDone)
		done := make(chan struct{})
		go func() {
			c.warmWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			logging.L_warn("thumbcache: warm workers did not shut down within timeout, abandoning")
		}
	})
}
