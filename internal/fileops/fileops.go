package fileops

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/oplog"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

const trashDirName = "_trash"

// Config configures a Service.
type Config struct {
	Secret         []byte        // HMAC signing secret, required
	RetentionDays  int           // default 10
	GCThrottle     time.Duration // default 1 hour
}

// DefaultConfig fills spec.md §4.9 defaults over zero values.
func DefaultConfig(secret []byte) Config {
	return Config{Secret: secret, RetentionDays: 10, GCThrottle: time.Hour}
}

// Service implements the File-Mutation Service (C10).
type Service struct {
	sb     *sandbox.Sandbox
	log    *oplog.Log
	signer *TokenSigner
	cfg    Config

	gcMu   sync.Mutex
	lastGC time.Time
	gcCron *cron.Cron
}

// New builds a Service and runs an initial retention GC pass.
func New(sb *sandbox.Sandbox, log *oplog.Log, cfg Config) *Service {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 10
	}
	if cfg.GCThrottle == 0 {
		cfg.GCThrottle = time.Hour
	}
	s := &Service{sb: sb, log: log, signer: NewTokenSigner(cfg.Secret), cfg: cfg}
	s.maybeRunGC()
	return s
}

// Outcome is the common two-phase response shape for every operation.
type Outcome struct {
	Op              string `json:"op"`
	SrcRelPath      string `json:"src_rel_path,omitempty"`
	DstRelPath      string `json:"dst_rel_path,omitempty"`
	ConfirmRequired bool   `json:"confirm_required,omitempty"`
	ConfirmToken    string `json:"confirm_token,omitempty"`
	Executed        bool   `json:"executed,omitempty"`
}

// statedFile captures the observed mutable state of a path at preview time,
// bound into the confirm token payload.
type statedFile struct {
	exists  bool
	isDir   bool
	size    int64
	mtimeNs int64
}

func statPath(abs string) (statedFile, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return statedFile{}, nil
		}
		return statedFile{}, err
	}
	return statedFile{exists: true, isDir: info.IsDir(), size: info.Size(), mtimeNs: info.ModTime().UnixNano()}, nil
}

func (s statedFile) payload() map[string]interface{} {
	return map[string]interface{}{
		"exists": s.exists, "is_dir": s.isDir, "size": s.size, "mtime_ns": s.mtimeNs,
	}
}

func isRoot(rel string) bool { return rel == "" }

func isTrashRel(rel string) bool {
	if rel == trashDirName {
		return true
	}
	return strings.HasPrefix(rel, trashDirName+"/")
}

func firstSegmentAfterTrash(rel string) (token, rest string, ok bool) {
	if !strings.HasPrefix(rel, trashDirName+"/") {
		return "", "", false
	}
	remainder := strings.TrimPrefix(rel, trashDirName+"/")
	idx := strings.IndexByte(remainder, '/')
	if idx < 0 {
		return remainder, "", true
	}
	return remainder[:idx], remainder[idx+1:], true
}

// safeRemove removes abs without ever following a symlink: directories are
// removed recursively only when they are real directories (Lstat, not
// Stat); symlinks and reparse points are unlinked directly.
func safeRemove(abs string) error {
	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if sandbox.IsReparsePoint(info) {
		return os.Remove(abs)
	}
	if info.IsDir() {
		return os.RemoveAll(abs)
	}
	return os.Remove(abs)
}

// renameOrCopy renames src to dst, falling back to copy-then-remove when the
// rename fails across filesystem boundaries (EXDEV).
func renameOrCopy(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := copyDir(src, dst); err != nil {
			return err
		}
	} else {
		if err := copyFile(src, dst, info.Mode()); err != nil {
			return err
		}
	}
	return os.RemoveAll(src)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(p, target, info.Mode())
	})
}

func joinRel(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return path.Join(a, b)
}

func logFailure(log *oplog.Log, op oplog.Op, src, dst string, isDir bool, err error) {
	log.Record(op, src, dst, isDir, false, err)
}

func logSuccess(log *oplog.Log, op oplog.Op, src, dst string, isDir bool) {
	log.Record(op, src, dst, isDir, true, nil)
}

func sandboxErr(err error) error {
	if sandbox.IsViolation(err) {
		return apierr.Of(apierr.CodeSandboxViolation, err.Error())
	}
	return apierr.Ofw(apierr.CodeStatFailed, err)
}
