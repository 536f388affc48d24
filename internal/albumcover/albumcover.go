// Package albumcover implements the Album Cover Cache (C8): a deterministic
// 2x2 mosaic sampled from an album's direct image children, rendered with the
// same blur-fit composer used by C7, keyed by a PRNG seeded from the album's
// content state so the same album state always samples the same four images.
package albumcover

import (
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/fingerprint"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/render"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// Config configures a Cache.
type Config struct {
	CacheRoot string
	Size      int
	Quality   int
	KeyMode   fingerprint.KeyMode
}

// DefaultConfig fills spec.md §4.7 defaults.
func DefaultConfig(cacheRoot string) Config {
	return Config{CacheRoot: cacheRoot, Size: 320, Quality: render.Quality, KeyMode: fingerprint.KeyModeMtime}
}

// Cache generates and serves album cover mosaics (C8).
type Cache struct {
	cfg   Config
	sb    *sandbox.Sandbox
	types *mediatype.Set
}

// New builds a Cache.
func New(cfg Config, sb *sandbox.Sandbox, types *mediatype.Set) *Cache {
	if cfg.Size == 0 {
		cfg.Size = 320
	}
	if cfg.Quality == 0 {
		cfg.Quality = render.Quality
	}
	return &Cache{cfg: cfg, sb: sb, types: types}
}

// Result is a resolved album cover mosaic.
type Result struct {
	Path        string
	Fingerprint string
}

// Ensure resolves an album rel_path to its cover mosaic, generating it on
// first demand.
func (c *Cache) Ensure(albumRel string) (*Result, error) {
	abs, err := c.sb.Resolve(albumRel, true)
	if err != nil {
		if sandbox.IsViolation(err) {
			return nil, apierr.Of(apierr.CodeSandboxViolation, err.Error())
		}
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Of(apierr.CodeNotFound, "album not found: "+albumRel)
		}
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}
	if !info.IsDir() {
		return nil, apierr.Of(apierr.CodeNotADir, "not a directory: "+albumRel)
	}

	candidates, err := c.directImageChildren(abs)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeAlbumCoverFailed, err)
	}
	if len(candidates) == 0 {
		return nil, apierr.Of(apierr.CodeAlbumEmpty, "album has no direct images: "+albumRel)
	}

	listingHash := fingerprint.ListingHash(candidates)
	mtimeNs := info.ModTime().UnixNano()
	seed := fingerprint.AlbumCoverSeed(albumRel, mtimeNs, len(candidates), listingHash)
	chosen := sample4(candidates, seed)

	keys := make([]fingerprint.Key, 0, len(chosen))
	for _, name := range chosen {
		childAbs := filepath.Join(abs, name)
		childInfo, err := os.Stat(childAbs)
		if err != nil {
			return nil, apierr.Ofw(apierr.CodeAlbumCoverFailed, err)
		}
		rel := strings.TrimSuffix(albumRel+"/"+name, "/")
		if c.cfg.KeyMode == fingerprint.KeyModeSHA1 {
			k, err := fingerprint.KeyFromFile(childAbs)
			if err != nil {
				return nil, apierr.Ofw(apierr.CodeAlbumCoverFailed, err)
			}
			keys = append(keys, k)
		} else {
			keys = append(keys, fingerprint.KeyFromStat(rel, childInfo.ModTime().UnixNano(), childInfo.Size()))
		}
	}

	fp := fingerprint.AlbumCover(albumRel, mtimeNs, listingHash, len(candidates), keys, c.cfg.Size, c.cfg.Quality)
	cachePath := fingerprint.ShardedPath(c.cfg.CacheRoot, "album-covers", fp)

	if _, err := os.Stat(cachePath); err == nil {
		return &Result{Path: cachePath, Fingerprint: fp}, nil
	}

	if err := c.render(abs, chosen, cachePath); err != nil {
		return nil, apierr.Ofw(apierr.CodeAlbumCoverFailed, err)
	}

	return &Result{Path: cachePath, Fingerprint: fp}, nil
}

func (c *Cache) render(albumAbs string, chosen []string, cachePath string) error {
	half := c.cfg.Size / 2

	var quadImgs [4]image.Image
	for i, name := range chosen {
		img, err := render.OpenOriented(filepath.Join(albumAbs, name))
		if err != nil {
			return err
		}
		quadImgs[i] = render.Quadrant(img, half)
	}

	mosaic, err := render.Mosaic2x2(quadImgs, c.cfg.Size)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return err
	}
	return render.EncodeJPEGAtomic(cachePath, mosaic, c.cfg.Quality)
}

func (c *Cache) directImageChildren(albumAbs string) ([]string, error) {
	entries, err := os.ReadDir(albumAbs)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !c.types.IsImage(filepath.Ext(e.Name())) {
			continue
		}
		if _, dup := seen[e.Name()]; dup {
			continue
		}
		seen[e.Name()] = struct{}{}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// sample4 deterministically samples 4 names from candidates using a PRNG
// seeded from seed (spec.md §4.7): without replacement when len >= 4,
// otherwise sample all and pad by random choice from the sampled subset.
func sample4(candidates []string, seed string) []string {
	r := rand.New(rand.NewSource(seedToInt64(seed)))

	shuffled := append([]string(nil), candidates...)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	if len(shuffled) >= 4 {
		return shuffled[:4]
	}
	out := append([]string(nil), shuffled...)
	for len(out) < 4 {
		out = append(out, shuffled[r.Intn(len(shuffled))])
	}
	return out
}

func seedToInt64(seed string) int64 {
	var n int64
	for i := 0; i < len(seed) && i < 16; i++ {
		n = n*31 + int64(seed[i])
	}
	return n
}
