// Package inventory implements the single-pass MediaRoot walk (C4): a depth-first
// scan that produces an ordered, immutable list of file/dir entries plus warnings
// for skipped or malformed entries. It never aborts on a single bad entry.
package inventory

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	. "github.com/mediaroot/mediarootd/internal/logging"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// Kind distinguishes files from directories in the inventory.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Item is one entry in the inventory.
type Item struct {
	RelPath   string `json:"rel_path"`
	Kind      Kind   `json:"kind"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
	MtimeMs   *int64 `json:"mtime_ms,omitempty"`
}

// Warning codes emitted during a scan.
const (
	WarnStatFailed      = "STAT_FAILED"
	WarnScandirFailed   = "SCANDIR_FAILED"
	WarnLinkOutOfBounds = "LINK_OUT_OF_BOUNDS"
	WarnLinkSkipped     = "LINK_SKIPPED"
)

// Warning is a non-fatal issue encountered while scanning.
type Warning struct {
	Code    string `json:"code"`
	RelPath string `json:"rel_path"`
	Message string `json:"message"`
}

// Result is the full output of a scan.
type Result struct {
	MediaRootAbs string         `json:"media_root_abs"`
	ScannedAtMs  int64          `json:"scanned_at_ms"`
	Items        []Item         `json:"items"`
	Warnings     []Warning      `json:"warnings"`
	Stats        map[string]int `json:"stats"`
}

// Options configures a scan.
type Options struct {
	// SkipTrash excludes any entry whose first rel_path segment is "_trash"
	// (case-insensitive) from the inventory. Defaults to true.
	SkipTrash bool
}

// DefaultOptions returns the spec-mandated defaults (SkipTrash: true).
func DefaultOptions() Options {
	return Options{SkipTrash: true}
}

type scanner struct {
	sb       *sandbox.Sandbox
	opts     Options
	items    []Item
	warnings []Warning
	stats    map[string]int
}

// Scan walks sb's MediaRoot depth-first and returns the resulting inventory.
// The root itself is always emitted as a dir Item with rel_path "".
func Scan(sb *sandbox.Sandbox, opts Options) *Result {
	s := &scanner{
		sb:   sb,
		opts: opts,
		stats: map[string]int{
			"dirs":           0,
			"files":          0,
			"skipped_trash":  0,
			"skipped_links":  0,
			"stat_errors":    0,
			"scandir_errors": 0,
		},
	}

	now := time.Now()
	s.items = append(s.items, Item{RelPath: "", Kind: KindDir})
	s.stats["dirs"]++
	s.walk("")

	sort.Slice(s.items, func(i, j int) bool { return s.items[i].RelPath < s.items[j].RelPath })

	return &Result{
		MediaRootAbs: sb.Root(),
		ScannedAtMs:  now.UnixMilli(),
		Items:        s.items,
		Warnings:     s.warnings,
		Stats:        s.stats,
	}
}

// walk processes the directory at dirRel (already known to exist and be a
// directory, or "" for the root) and recurses into its subdirectories.
func (s *scanner) walk(dirRel string) {
	abs := s.sb.Root()
	if dirRel != "" {
		abs = filepath.Join(s.sb.Root(), filepath.FromSlash(dirRel))
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		s.stats["scandir_errors"]++
		s.warnings = append(s.warnings, Warning{
			Code:    WarnScandirFailed,
			RelPath: dirRel,
			Message: err.Error(),
		})
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		rel := path.Join(dirRel, name)
		if dirRel == "" {
			rel = name
		}

		if s.opts.SkipTrash && firstSegment(rel) == "_trash" {
			s.stats["skipped_trash"]++
			continue
		}

		entryAbs := filepath.Join(abs, name)
		info, err := os.Lstat(entryAbs)
		if err != nil {
			s.stats["stat_errors"]++
			s.warnings = append(s.warnings, Warning{
				Code:    WarnStatFailed,
				RelPath: rel,
				Message: err.Error(),
			})
			continue
		}

		if sandbox.IsReparsePoint(info) {
			s.recordLink(rel, entryAbs)
			continue
		}

		if info.IsDir() {
			s.stats["dirs"]++
			mtimeMs := info.ModTime().UnixMilli()
			s.items = append(s.items, Item{RelPath: rel, Kind: KindDir, MtimeMs: &mtimeMs})
			s.walk(rel)
			continue
		}

		// Regular files and anything else statable (FIFOs, devices, sockets)
		// are recorded as "file" with best-effort size, per spec.md §4.2.
		s.stats["files"]++
		size := info.Size()
		mtimeMs := info.ModTime().UnixMilli()
		s.items = append(s.items, Item{RelPath: rel, Kind: KindFile, SizeBytes: &size, MtimeMs: &mtimeMs})
	}
}

// recordLink classifies a symlink/reparse entry without ever traversing it.
func (s *scanner) recordLink(rel, abs string) {
	s.stats["skipped_links"]++

	target, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Target missing or unreadable: best-effort classification gives up
		// gracefully and still never walks into it.
		s.warnings = append(s.warnings, Warning{
			Code:    WarnLinkSkipped,
			RelPath: rel,
			Message: "link target could not be resolved: " + err.Error(),
		})
		L_debug("inventory: unresolvable link", "rel", rel, "error", err)
		return
	}

	if s.sb.Contains(target) {
		s.warnings = append(s.warnings, Warning{Code: WarnLinkSkipped, RelPath: rel, Message: "symlink not traversed"})
	} else {
		s.warnings = append(s.warnings, Warning{Code: WarnLinkOutOfBounds, RelPath: rel, Message: "symlink target escapes MediaRoot"})
	}
}

func firstSegment(rel string) string {
	if idx := strings.IndexByte(rel, '/'); idx >= 0 {
		return strings.ToLower(rel[:idx])
	}
	return strings.ToLower(rel)
}
