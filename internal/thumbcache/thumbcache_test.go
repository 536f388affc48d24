package thumbcache

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

func writeTestJPEG(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img := image.NewNRGBA(image.Rect(0, 0, 100, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatal(err)
	}
}

func newTestCache(t *testing.T, root string) *Cache {
	t.Helper()
	sb, err := sandbox.New(root)
	if err != nil {
		t.Fatal(err)
	}
	cacheRoot := t.TempDir()
	c := New(DefaultConfig(cacheRoot), sb, mediatype.Default())
	t.Cleanup(c.Close)
	return c
}

func TestEnsureGeneratesAndReusesCacheFile(t *testing.T) {
	root := t.TempDir()
	writeTestJPEG(t, filepath.Join(root, "photo.jpg"))
	c := newTestCache(t, root)

	r1, err := c.Ensure(context.Background(), "photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(r1.Path); err != nil {
		t.Fatalf("expected cache file to exist: %v", err)
	}

	r2, err := c.Ensure(context.Background(), "photo.jpg")
	if err != nil {
		t.Fatal(err)
	}
	if r1.Fingerprint != r2.Fingerprint || r1.Path != r2.Path {
		t.Errorf("expected stable fingerprint/path across calls")
	}
}

func TestEnsureRejectsNonImageExtension(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "doc.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := newTestCache(t, root)

	_, err := c.Ensure(context.Background(), "doc.txt")
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeUnsupportedMediaType {
		t.Fatalf("expected UNSUPPORTED_MEDIA_TYPE, got %v", err)
	}
}

func TestEnsureRejectsMissingFile(t *testing.T) {
	root := t.TempDir()
	c := newTestCache(t, root)

	_, err := c.Ensure(context.Background(), "missing.jpg")
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestEnsureRejectsSandboxEscape(t *testing.T) {
	root := t.TempDir()
	c := newTestCache(t, root)

	_, err := c.Ensure(context.Background(), "../escape.jpg")
	ae, ok := apierr.As(err)
	if !ok || ae.Code != apierr.CodeSandboxViolation {
		t.Fatalf("expected SANDBOX_VIOLATION, got %v", err)
	}
}

func TestEnsureConcurrentCallsResolveToSamePath(t *testing.T) {
	root := t.TempDir()
	writeTestJPEG(t, filepath.Join(root, "photo.jpg"))
	c := newTestCache(t, root)

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Ensure(context.Background(), "photo.jpg")
			if err != nil {
				t.Error(err)
				return
			}
			paths[i] = r.Path
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(paths); i++ {
		if paths[i] != paths[0] {
			t.Fatalf("expected all concurrent calls to resolve to the same path")
		}
	}
}

func TestEnqueueDeduplicatesPendingPaths(t *testing.T) {
	root := t.TempDir()
	writeTestJPEG(t, filepath.Join(root, "photo.jpg"))
	c := newTestCache(t, root)

	var accepted int32
	for i := 0; i < 3; i++ {
		if c.Enqueue("photo.jpg") {
			atomic.AddInt32(&accepted, 1)
		}
	}
	if accepted != 3 {
		t.Errorf("expected Enqueue to report true for duplicate pending paths, got %d", accepted)
	}
}

func TestEnqueueManyClassifiesCachedAndRejected(t *testing.T) {
	root := t.TempDir()
	writeTestJPEG(t, filepath.Join(root, "a.jpg"))
	writeTestJPEG(t, filepath.Join(root, "b.jpg"))
	c := newTestCache(t, root)

	if _, err := c.Ensure(context.Background(), "a.jpg"); err != nil {
		t.Fatal(err)
	}

	res := c.EnqueueMany([]string{"a.jpg", "b.jpg", "../escape.jpg", "missing.jpg"})

	if len(res.SkippedCached) != 1 || res.SkippedCached[0] != "a.jpg" {
		t.Errorf("expected a.jpg skipped_cached, got %+v", res.SkippedCached)
	}
	if len(res.Accepted) != 1 || res.Accepted[0] != "b.jpg" {
		t.Errorf("expected b.jpg accepted, got %+v", res.Accepted)
	}
	if len(res.Rejected) != 2 {
		t.Errorf("expected 2 rejected, got %+v", res.Rejected)
	}
}
