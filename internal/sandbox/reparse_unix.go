//go:build !windows

package sandbox

import "os"

// normcase is a no-op on case-sensitive unix filesystems.
func normcase(path string) string { return path }

// IsReparsePoint reports whether info describes a symlink. Unix has no reparse
// point attribute distinct from symlinks, so symlink detection alone suffices
// per spec.md §4.1 ("on other platforms symlink detection alone suffices").
func IsReparsePoint(info os.FileInfo) bool {
	return info.Mode()&os.ModeSymlink != 0
}
