package index

import (
	"sync"

	"github.com/mediaroot/mediarootd/internal/inventory"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// Builder produces a fresh MediaIndex on demand. Cache calls it under its
// single build slot; a production Builder scans the MediaRoot then calls
// Build.
type Builder func() (*MediaIndex, error)

// Cache is the single-slot, mutex-guarded holder of the last built MediaIndex
// (C6). Concurrent refreshes coalesce onto one in-flight build.
type Cache struct {
	build Builder

	mu       sync.Mutex
	value    *MediaIndex
	building bool
	done     chan struct{}
	buildErr error
}

// NewCache wraps build into a Cache. build is invoked at most once at a time.
func NewCache(build Builder) *Cache {
	return &Cache{build: build}
}

// Get returns the cached MediaIndex, building one first if the slot is empty
// or refresh is true. A build failure leaves any previous value in place and
// is returned to every caller waiting on that build.
func (c *Cache) Get(refresh bool) (*MediaIndex, error) {
	c.mu.Lock()
	if !refresh && c.value != nil {
		v := c.value
		c.mu.Unlock()
		return v, nil
	}

	if c.building {
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		v, err := c.value, c.buildErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	c.building = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	v, err := c.build()

	c.mu.Lock()
	c.building = false
	c.buildErr = err
	if err == nil {
		c.value = v
	}
	done := c.done
	c.mu.Unlock()
	close(done)

	if err != nil {
		return nil, err
	}
	return v, nil
}

// Peek returns the currently cached value without triggering a build. It
// returns (nil, false) when the slot is empty.
func (c *Cache) Peek() (*MediaIndex, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.value != nil
}

// ScanBuilder returns a Builder that performs a fresh inventory scan of sb
// and classifies it with types — the production Builder used by cmd/mediarootd.
func ScanBuilder(sb *sandbox.Sandbox, types *mediatype.Set, opts inventory.Options) Builder {
	return func() (*MediaIndex, error) {
		inv := inventory.Scan(sb, opts)
		return Build(inv, types), nil
	}
}
