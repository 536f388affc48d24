// Package index implements the Index Builder (C5): it classifies an inventory
// scan into albums, scattered images, videos, games, and others, per the
// album-detection rule in spec.md §4.4 — a folder is an album iff it carries
// at least one direct image and no descendant folder has images of its own.
package index

import (
	"path"
	"sort"
	"strings"

	"github.com/mediaroot/mediarootd/internal/inventory"
	"github.com/mediaroot/mediarootd/internal/mediatype"
)

// AlbumSummary describes one detected album directory.
type AlbumSummary struct {
	RelPath    string `json:"rel_path"`
	Name       string `json:"name"`
	Title      string `json:"title"`
	ImageCount int    `json:"image_count"`
	MtimeMs    *int64 `json:"mtime_ms,omitempty"`
}

// MediaFile describes one file belonging to a video, scattered-image, or
// other/game bucket.
type MediaFile struct {
	RelPath       string `json:"rel_path"`
	FolderRelPath string `json:"folder_rel_path"`
	Ext           string `json:"ext"`
	SizeBytes     *int64 `json:"size_bytes,omitempty"`
	MtimeMs       *int64 `json:"mtime_ms,omitempty"`
}

// OtherFile is a MediaFile carrying its resolved category (game or other).
type OtherFile struct {
	MediaFile
	Category mediatype.Category `json:"category"`
}

// MediaIndex is the full classification of one inventory scan.
type MediaIndex struct {
	MediaRootAbs    string         `json:"media_root_abs"`
	ScannedAtMs     int64          `json:"scanned_at_ms"`
	Albums          []AlbumSummary `json:"albums"`
	ScatteredImages []MediaFile    `json:"scattered_images"`
	Videos          []MediaFile    `json:"videos"`
	Games           []OtherFile    `json:"games"`
	Others          []OtherFile    `json:"others"`
	Stats           map[string]int `json:"stats"`
}

type folderAgg struct {
	relPath            string
	parent             string
	depth              int
	children           []string
	directImages       int
	directVideos       int
	directOthers       int
	mtimeMs            *int64
	hasImageDescendant bool
	isAlbum            bool
}

// Build classifies inv into a MediaIndex using types to categorize each file.
func Build(inv *inventory.Result, types *mediatype.Set) *MediaIndex {
	folders := map[string]*folderAgg{}
	folders[""] = &folderAgg{relPath: "", parent: "", depth: 0}

	for _, it := range inv.Items {
		if it.Kind != inventory.KindDir {
			continue
		}
		if it.RelPath == "" {
			continue
		}
		parent, _ := splitRel(it.RelPath)
		f := &folderAgg{
			relPath: it.RelPath,
			parent:  parent,
			depth:   strings.Count(it.RelPath, "/") + 1,
			mtimeMs: it.MtimeMs,
		}
		folders[it.RelPath] = f
	}
	for rel, f := range folders {
		if rel == "" {
			continue
		}
		if p, ok := folders[f.parent]; ok {
			p.children = append(p.children, rel)
		}
	}

	var scattered, videos []MediaFile
	var games, others []OtherFile

	type fileRec struct {
		rel    string
		folder string
		ext    string
		cat    mediatype.Category
		size   *int64
		mtime  *int64
	}
	var files []fileRec

	for _, it := range inv.Items {
		if it.Kind != inventory.KindFile {
			continue
		}
		folder, name := splitRel(it.RelPath)
		agg, ok := folders[folder]
		if !ok {
			continue
		}
		ext := lowerExt(name)
		cat := types.Categorize(ext)
		files = append(files, fileRec{rel: it.RelPath, folder: folder, ext: ext, cat: cat, size: it.SizeBytes, mtime: it.MtimeMs})

		switch cat {
		case mediatype.Image:
			agg.directImages++
		case mediatype.Video:
			agg.directVideos++
		default:
			agg.directOthers++
		}
	}

	order := make([]string, 0, len(folders))
	for rel := range folders {
		order = append(order, rel)
	}
	sort.Slice(order, func(i, j int) bool { return folders[order[i]].depth > folders[order[j]].depth })
	for _, rel := range order {
		f := folders[rel]
		if f.directImages > 0 {
			f.hasImageDescendant = true
		}
		for _, c := range f.children {
			if folders[c].hasImageDescendant {
				f.hasImageDescendant = true
			}
		}
	}

	for rel, f := range folders {
		if rel == "" {
			continue
		}
		childHasImages := false
		for _, c := range f.children {
			if folders[c].hasImageDescendant {
				childHasImages = true
				break
			}
		}
		f.isAlbum = f.directImages > 0 && !childHasImages
	}

	albumOf := func(folder string) (string, bool) {
		cur := folder
		for {
			if f, ok := folders[cur]; ok && f.isAlbum {
				return cur, true
			}
			if cur == "" {
				return "", false
			}
			cur, _ = splitRel(cur)
		}
	}

	for _, rec := range files {
		switch rec.cat {
		case mediatype.Image:
			if _, isAlbumImage := albumOf(rec.folder); !isAlbumImage {
				scattered = append(scattered, MediaFile{RelPath: rec.rel, FolderRelPath: rec.folder, Ext: rec.ext, SizeBytes: rec.size, MtimeMs: rec.mtime})
			}
		case mediatype.Video:
			videos = append(videos, MediaFile{RelPath: rec.rel, FolderRelPath: rec.folder, Ext: rec.ext, SizeBytes: rec.size, MtimeMs: rec.mtime})
		case mediatype.Game:
			games = append(games, OtherFile{MediaFile: MediaFile{RelPath: rec.rel, FolderRelPath: rec.folder, Ext: rec.ext, SizeBytes: rec.size, MtimeMs: rec.mtime}, Category: mediatype.Game})
		default:
			others = append(others, OtherFile{MediaFile: MediaFile{RelPath: rec.rel, FolderRelPath: rec.folder, Ext: rec.ext, SizeBytes: rec.size, MtimeMs: rec.mtime}, Category: mediatype.Other})
		}
	}

	var albums []AlbumSummary
	for rel, f := range folders {
		if rel == "" || !f.isAlbum {
			continue
		}
		albums = append(albums, AlbumSummary{
			RelPath:    rel,
			Name:       lastSegment(rel),
			Title:      rel,
			ImageCount: f.directImages,
			MtimeMs:    f.mtimeMs,
		})
	}

	sort.Slice(albums, func(i, j int) bool { return albums[i].RelPath < albums[j].RelPath })
	sortMediaFiles(scattered)
	sortMediaFiles(videos)
	sortOtherFiles(games)
	sortOtherFiles(others)

	stats := map[string]int{
		"albums":           len(albums),
		"scattered_images": len(scattered),
		"videos":           len(videos),
		"games":            len(games),
		"others":           len(others),
	}

	return &MediaIndex{
		MediaRootAbs:    inv.MediaRootAbs,
		ScannedAtMs:     inv.ScannedAtMs,
		Albums:          albums,
		ScatteredImages: scattered,
		Videos:          videos,
		Games:           games,
		Others:          others,
		Stats:           stats,
	}
}

func sortMediaFiles(files []MediaFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
}

func sortOtherFiles(files []OtherFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
}

// splitRel returns the folder rel_path and base name of rel ("a/b/c" -> "a/b", "c").
func splitRel(rel string) (folder, name string) {
	dir, base := path.Split(rel)
	if dir == "" {
		return "", base
	}
	return strings.TrimSuffix(dir, "/"), base
}

func lastSegment(rel string) string {
	_, name := splitRel(rel)
	return name
}

func lowerExt(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(name[idx:])
}
