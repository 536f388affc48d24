package fileops

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/oplog"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// TrashMeta is the persisted sidecar written alongside every archived entry.
type TrashMeta struct {
	Version      int    `json:"version"`
	ArchivedAtMs int64  `json:"archived_at_ms"`
	SrcRelPath   string `json:"src_rel_path"`
	DstRelPath   string `json:"dst_rel_path"`
	PayloadName  string `json:"payload_name"`
	IsDir        bool   `json:"is_dir"`
	SizeBytes    *int64 `json:"size_bytes,omitempty"`
	MtimeMs      *int64 `json:"mtime_ms,omitempty"`
}

// DeleteRequest is the body of POST /api/delete.
type DeleteRequest struct {
	Path         string
	Confirm      bool
	ConfirmToken string
}

// Delete previews or executes a delete. Entries inside _trash/ are routed to
// a hard purge; everything else is archived into _trash/<token>/.
func (s *Service) Delete(req DeleteRequest) (*Outcome, error) {
	s.maybeRunGC()

	rel, err := sandbox.Normalize(req.Path)
	if err != nil {
		return nil, apierr.Of(apierr.CodeSandboxViolation, err.Error())
	}
	if isRoot(rel) {
		return nil, apierr.Of(apierr.CodeRootForbidden, "cannot delete MediaRoot itself")
	}
	if rel == trashDirName {
		return nil, apierr.Of(apierr.CodeTrashRootForbidden, "cannot delete the trash root directly")
	}

	if isTrashRel(rel) {
		return s.purge(rel, req)
	}
	return s.archive(rel, req)
}

func (s *Service) archive(rel string, req DeleteRequest) (*Outcome, error) {
	abs, err := s.sb.Resolve(rel, true)
	if err != nil {
		return nil, sandboxErr(err)
	}
	st, err := statPath(abs)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}
	if !st.exists {
		return nil, apierr.Of(apierr.CodeNotFound, "path does not exist: "+rel)
	}

	payload := map[string]interface{}{"op": "archive", "src_rel_path": rel}
	for k, v := range st.payload() {
		payload[k] = v
	}

	if !req.Confirm {
		token, err := s.signer.Sign(payload)
		if err != nil {
			return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
		}
		return &Outcome{Op: "archive", SrcRelPath: rel, ConfirmRequired: true, ConfirmToken: token}, nil
	}

	if req.ConfirmToken == "" {
		return nil, apierr.Of(apierr.CodeConfirmTokenRequired, "confirm_token is required")
	}
	ok, err := s.signer.Verify(payload, req.ConfirmToken)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
	}
	if !ok {
		return nil, apierr.Of(apierr.CodeStaleConfirmToken, "confirm token no longer matches observed state")
	}

	token := req.ConfirmToken
	trashRoot, err := s.ensureTrashRoot()
	if err != nil {
		logFailure(s.log, oplog.OpArchive, rel, "", st.isDir, err)
		return nil, apierr.Ofw(apierr.CodeArchiveFailed, err)
	}

	entryDir := filepath.Join(trashRoot, token)
	if _, err := os.Stat(entryDir); err == nil {
		e := fmt.Errorf("trash entry already exists")
		logFailure(s.log, oplog.OpArchive, rel, "", st.isDir, e)
		return nil, apierr.Of(apierr.CodeTrashEntryExists, e.Error())
	}
	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		logFailure(s.log, oplog.OpArchive, rel, "", st.isDir, err)
		return nil, apierr.Ofw(apierr.CodeArchiveFailed, err)
	}

	basename := filepath.Base(abs)
	payloadAbs := filepath.Join(entryDir, basename)

	if err := renameOrCopy(abs, payloadAbs); err != nil {
		os.RemoveAll(entryDir)
		logFailure(s.log, oplog.OpArchive, rel, "", st.isDir, err)
		return nil, apierr.Ofw(apierr.CodeArchiveFailed, err)
	}

	meta := TrashMeta{
		Version:      1,
		ArchivedAtMs: time.Now().UnixMilli(),
		SrcRelPath:   rel,
		DstRelPath:   joinRel(trashDirName, joinRel(token, basename)),
		PayloadName:  basename,
		IsDir:        st.isDir,
	}
	if !st.isDir {
		size := st.size
		meta.SizeBytes = &size
	}
	mtimeMs := st.mtimeNs / int64(time.Millisecond)
	meta.MtimeMs = &mtimeMs

	if err := writeMeta(entryDir, meta); err != nil {
		logFailure(s.log, oplog.OpArchive, rel, meta.DstRelPath, st.isDir, err)
		return nil, apierr.Ofw(apierr.CodeArchiveFailed, err)
	}

	logSuccess(s.log, oplog.OpArchive, rel, meta.DstRelPath, st.isDir)
	return &Outcome{Op: "archive", SrcRelPath: rel, DstRelPath: meta.DstRelPath, Executed: true}, nil
}

func (s *Service) purge(rel string, req DeleteRequest) (*Outcome, error) {
	abs, err := s.sb.Resolve(rel, true)
	if err != nil {
		return nil, sandboxErr(err)
	}
	st, err := statPath(abs)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}
	if !st.exists {
		return nil, apierr.Of(apierr.CodeNotFound, "path does not exist: "+rel)
	}

	payload := map[string]interface{}{"op": "purge", "src_rel_path": rel}
	for k, v := range st.payload() {
		payload[k] = v
	}

	if !req.Confirm {
		token, err := s.signer.Sign(payload)
		if err != nil {
			return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
		}
		return &Outcome{Op: "purge", SrcRelPath: rel, ConfirmRequired: true, ConfirmToken: token}, nil
	}
	if req.ConfirmToken == "" {
		return nil, apierr.Of(apierr.CodeConfirmTokenRequired, "confirm_token is required")
	}
	ok, err := s.signer.Verify(payload, req.ConfirmToken)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
	}
	if !ok {
		return nil, apierr.Of(apierr.CodeStaleConfirmToken, "confirm token no longer matches observed state")
	}

	if err := safeRemove(abs); err != nil {
		logFailure(s.log, oplog.OpPurge, rel, "", st.isDir, err)
		return nil, apierr.Ofw(apierr.CodePurgeFailed, err)
	}

	logSuccess(s.log, oplog.OpPurge, rel, "", st.isDir)
	return &Outcome{Op: "purge", SrcRelPath: rel, Executed: true}, nil
}

func (s *Service) ensureTrashRoot() (string, error) {
	abs, err := s.sb.Resolve(trashDirName, true)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func writeMeta(entryDir string, meta TrashMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(entryDir, "meta.json"), data, 0o644)
}
