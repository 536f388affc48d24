// Package oplog implements the append-only operation log (C2): one JSON object
// per line, UTF-8, LF-terminated, recording every mutation attempt made by the
// file-mutation service, success or failure. Entries are never read back by the
// service; the file is a pure event stream.
package oplog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/mediaroot/mediarootd/internal/logging"
)

// Op names every mutation the service can perform.
type Op string

const (
	OpDelete  Op = "delete"
	OpMove    Op = "move"
	OpArchive Op = "archive"
	OpRestore Op = "restore"
	OpPurge   Op = "purge"
)

// Entry is a single operation-log record.
type Entry struct {
	ID         string `json:"id"`
	TsMs       int64  `json:"ts_ms"`
	Op         Op     `json:"op"`
	SrcRelPath string `json:"src_rel_path"`
	DstRelPath string `json:"dst_rel_path,omitempty"`
	IsDir      bool   `json:"is_dir"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Log is a process-wide append-only writer. A single mutex serializes writers so
// that concurrent appends never interleave mid-line.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open returns a Log writing to path, creating parent directories on demand. It
// does not open the file until the first Append (each Append opens, writes, and
// closes the file, matching spec.md §4.10's stateless-writer description).
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("oplog: create log directory: %w", err)
		}
	}
	return &Log{path: path}, nil
}

// Append serializes entry as a single compact JSON line and appends it, holding
// the write mutex for the whole open-write-close sequence.
func (l *Log) Append(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("oplog: marshal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("oplog: open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("oplog: write entry: %w", err)
	}
	return nil
}

// Record generates a fresh opaque id and the current timestamp, appends the
// resulting entry, and returns it regardless of the append's own success. An
// append failure is logged here and is not reported to the caller.
func (l *Log) Record(op Op, src, dst string, isDir, success bool, opErr error) Entry {
	entry := Entry{
		ID:         uuid.New().String(),
		TsMs:       time.Now().UnixMilli(),
		Op:         op,
		SrcRelPath: src,
		DstRelPath: dst,
		IsDir:      isDir,
		Success:    success,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := l.Append(entry); err != nil {
		L_error("oplog: failed to append entry", "error", err, "op", op, "src", src)
	}
	return entry
}
