package inventory

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mediaroot/mediarootd/internal/sandbox"
)

func mustSandbox(t *testing.T, root string) *sandbox.Sandbox {
	t.Helper()
	sb, err := sandbox.New(root)
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	return sb
}

func TestScanOrdersItemsAndCountsStats(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "vacation", "beach.jpg"), "x")
	mustWriteFile(t, filepath.Join(root, "vacation", "sunset.jpg"), "x")
	mustWriteFile(t, filepath.Join(root, "clip.mp4"), "x")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	res := Scan(mustSandbox(t, root), DefaultOptions())

	if res.MediaRootAbs != filepath.Clean(root) {
		t.Errorf("media root abs = %q, want %q", res.MediaRootAbs, root)
	}
	if res.Stats["files"] != 3 {
		t.Errorf("files = %d, want 3", res.Stats["files"])
	}
	// root + vacation + empty = 3 dirs
	if res.Stats["dirs"] != 3 {
		t.Errorf("dirs = %d, want 3", res.Stats["dirs"])
	}

	for i := 1; i < len(res.Items); i++ {
		if res.Items[i-1].RelPath >= res.Items[i].RelPath {
			t.Fatalf("items not sorted: %q >= %q", res.Items[i-1].RelPath, res.Items[i].RelPath)
		}
	}

	var sawRoot bool
	for _, it := range res.Items {
		if it.RelPath == "" {
			sawRoot = true
			if it.Kind != KindDir {
				t.Errorf("root item kind = %q, want dir", it.Kind)
			}
		}
	}
	if !sawRoot {
		t.Error("root item missing from inventory")
	}
}

func TestScanSkipsTrashBySegment(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "_trash", "tok123", "old.jpg"), "x")
	mustWriteFile(t, filepath.Join(root, "keep.jpg"), "x")

	res := Scan(mustSandbox(t, root), DefaultOptions())

	for _, it := range res.Items {
		if firstSegment(it.RelPath) == "_trash" {
			t.Errorf("trash entry %q should have been skipped", it.RelPath)
		}
	}
	if res.Stats["skipped_trash"] == 0 {
		t.Error("expected skipped_trash count > 0")
	}
}

func TestScanDoesNotSkipTrashWhenDisabled(t *testing.T) {
	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "_trash", "tok123", "old.jpg"), "x")

	res := Scan(mustSandbox(t, root), Options{SkipTrash: false})

	var found bool
	for _, it := range res.Items {
		if it.RelPath == "_trash/tok123/old.jpg" {
			found = true
		}
	}
	if !found {
		t.Error("expected trash entry to be present when SkipTrash is false")
	}
}

func TestScanRecordsSymlinkOutOfBoundsWithoutTraversing(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevation on windows")
	}

	outside := t.TempDir()
	mustWriteFile(t, filepath.Join(outside, "secret.jpg"), "x")

	root := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	res := Scan(mustSandbox(t, root), DefaultOptions())

	for _, it := range res.Items {
		if it.RelPath == "escape" || it.RelPath == "escape/secret.jpg" {
			t.Fatalf("scanner traversed into symlink: %q", it.RelPath)
		}
	}

	var sawWarning bool
	for _, w := range res.Warnings {
		if w.RelPath == "escape" && w.Code == WarnLinkOutOfBounds {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Error("expected LINK_OUT_OF_BOUNDS warning for escaping symlink")
	}
}

func TestScanRecordsInBoundsSymlinkAsSkippedNotTraversed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires elevation on windows")
	}

	root := t.TempDir()
	mustWriteFile(t, filepath.Join(root, "real", "photo.jpg"), "x")
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "alias")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	res := Scan(mustSandbox(t, root), DefaultOptions())

	for _, it := range res.Items {
		if it.RelPath == "alias/photo.jpg" {
			t.Fatal("scanner traversed into in-bounds symlink")
		}
	}

	var sawWarning bool
	for _, w := range res.Warnings {
		if w.RelPath == "alias" && w.Code == WarnLinkSkipped {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Error("expected LINK_SKIPPED warning for in-bounds symlink")
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
