//go:build windows

package sandbox

import (
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// normcase lowercases the path, matching Windows' case-insensitive filesystem
// semantics for the containment prefix check in withinRoot.
func normcase(path string) string { return strings.ToLower(path) }

// IsReparsePoint reports whether info describes a symlink or a filesystem
// reparse point (junctions, mount points, and other non-symlink reparse tags),
// using the FILE_ATTRIBUTE_REPARSE_POINT flag per spec.md §4.1.
func IsReparsePoint(info os.FileInfo) bool {
	if info.Mode()&os.ModeSymlink != 0 {
		return true
	}
	sys, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return false
	}
	return sys.FileAttributes&windows.FILE_ATTRIBUTE_REPARSE_POINT != 0
}
