// Package fingerprint computes the content-addressed sha1 identities shared by
// the three derivative caches (C7 thumbnails, C8 album covers, C9 video
// mosaics), per spec.md §4.6–§4.8. A fingerprint binds a source's content
// identity (mtime+size, or a full sha1 of its bytes) plus the render
// parameters that produced the cached file, so any change in either
// invalidates the cache path.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// KeyMode selects how source content identity is derived.
type KeyMode string

const (
	// KeyModeMtime keys on path + mtime (nanoseconds) + size — cheap, the
	// default for large media files.
	KeyModeMtime KeyMode = "mtime"
	// KeyModeSHA1 keys on a full sha1 of the file bytes — expensive but
	// robust against mtime-preserving copies/restores.
	KeyModeSHA1 KeyMode = "sha1"
)

// Key is the keybody fragment identifying one source file's content state.
type Key struct {
	Mode      KeyMode
	RelPath   string
	MtimeNs   int64
	SizeBytes int64
	SHA1Hex   string
}

// KeyFromStat builds a mtime-mode Key from a stat result.
func KeyFromStat(relPath string, mtimeNs, sizeBytes int64) Key {
	return Key{Mode: KeyModeMtime, RelPath: relPath, MtimeNs: mtimeNs, SizeBytes: sizeBytes}
}

// KeyFromFile builds a sha1-mode Key by hashing the file's bytes.
func KeyFromFile(path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return Key{}, err
	}
	return Key{Mode: KeyModeSHA1, SHA1Hex: hex.EncodeToString(h.Sum(nil))}, nil
}

// body renders the keybody fragment described in spec.md §4.6.
func (k Key) body() string {
	switch k.Mode {
	case KeyModeSHA1:
		return fmt.Sprintf("sha1|%s", k.SHA1Hex)
	default:
		return fmt.Sprintf("mtime|%s|%d|%d", k.RelPath, k.MtimeNs, k.SizeBytes)
	}
}

// part renders the shorter per-image fragment used inside album-cover and
// video-mosaic fingerprints (spec.md §4.7): "<rel>:<mtime_ns>:<size>" for
// mtime mode, or the bare sha1 hex for sha1 mode.
func (k Key) part() string {
	if k.Mode == KeyModeSHA1 {
		return k.SHA1Hex
	}
	return fmt.Sprintf("%s:%d:%d", k.RelPath, k.MtimeNs, k.SizeBytes)
}

// Thumb computes the C7 thumbnail fingerprint: sha1 over
// "v1|jpeg|s=<size>|q=<quality>|<keybody>".
func Thumb(key Key, size, quality int) string {
	return hash(fmt.Sprintf("v1|jpeg|s=%d|q=%d|%s", size, quality, key.body()))
}

// AlbumCover computes the C8 album-cover fingerprint.
func AlbumCover(albumRel string, albumMtimeNs int64, listingHash string, count int, keys []Key, size, quality int) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k.part())
	}
	payload := fmt.Sprintf("v1|jpeg|layout=2x2|style=blur-fit|s=%d|q=%d|album=%s|m=%d|n=%d|h=%s|%s",
		size, quality, albumRel, albumMtimeNs, count, listingHash, joinParts(parts))
	return hash(payload)
}

// VideoMosaic computes the C9 video-mosaic fingerprint: same schema as Thumb
// with frames=4 baked in (spec.md §4.8).
func VideoMosaic(key Key, size, quality int) string {
	return hash(fmt.Sprintf("v1|jpeg|frames=4|s=%d|q=%d|%s", size, quality, key.body()))
}

// ListingHash hashes a sorted, deduplicated candidate listing for the album
// cover PRNG seed, per spec.md §4.7: sha1("\0".join(candidates)).
func ListingHash(candidates []string) string {
	joined := ""
	for i, c := range candidates {
		if i > 0 {
			joined += "\x00"
		}
		joined += c
	}
	return hash(joined)
}

// AlbumCoverSeed derives the deterministic PRNG seed for sampling an album's
// cover images, per spec.md §4.7.
func AlbumCoverSeed(albumRel string, albumMtimeNs int64, count int, listingHash string) string {
	return hash(fmt.Sprintf("v1|%s|m=%d|n=%d|h=%s", albumRel, albumMtimeNs, count, listingHash))
}

// ShardedPath returns the two-level hex-sharded cache path for fp under root,
// e.g. "<root>/<kind>/<aa>/<bb>/<hex>.jpg".
func ShardedPath(root, kind, fp string) string {
	if len(fp) < 4 {
		return filepath.Join(root, kind, fp+".jpg")
	}
	return filepath.Join(root, kind, fp[0:2], fp[2:4], fp+".jpg")
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

func hash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
