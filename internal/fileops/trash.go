package fileops

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/oplog"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// RestoreRequest is the body of a trash_restore call.
type RestoreRequest struct {
	Path         string // a path inside _trash/, e.g. "_trash/<token>/<payload>"
	Confirm      bool
	ConfirmToken string
}

// Restore previews or executes restoring an archived entry back to its
// original location.
func (s *Service) Restore(req RestoreRequest) (*Outcome, error) {
	s.maybeRunGC()

	rel, err := sandbox.Normalize(req.Path)
	if err != nil {
		return nil, apierr.Of(apierr.CodeSandboxViolation, err.Error())
	}
	token, _, ok := firstSegmentAfterTrash(rel)
	if !ok || token == "" {
		return nil, apierr.Of(apierr.CodeNotInTrash, "path is not inside _trash: "+rel)
	}

	entryRel := joinRel(trashDirName, token)
	entryAbs, err := s.sb.Resolve(entryRel, false)
	if err != nil {
		return nil, sandboxErr(err)
	}
	meta, err := readMeta(entryAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Of(apierr.CodeTrashMetaMissing, "meta.json missing for trash entry: "+token)
		}
		return nil, apierr.Of(apierr.CodeTrashMetaReadFailed, err.Error())
	}

	dstRel, err := sandbox.Normalize(meta.SrcRelPath)
	if err != nil {
		return nil, apierr.Of(apierr.CodeTrashMetaInvalid, "meta src_rel_path invalid: "+err.Error())
	}
	if isTrashRel(dstRel) || isRoot(dstRel) {
		return nil, apierr.Of(apierr.CodeTrashMetaInvalid, "meta src_rel_path must not point back into _trash or root")
	}

	payloadRel := joinRel(entryRel, meta.PayloadName)
	payloadAbs, err := s.sb.Resolve(payloadRel, false)
	if err != nil {
		return nil, sandboxErr(err)
	}

	dstAbs, err := s.sb.Resolve(dstRel, true)
	if err != nil {
		return nil, sandboxErr(err)
	}
	if _, err := os.Lstat(dstAbs); err == nil {
		return nil, apierr.Of(apierr.CodeDstExists, "restore destination already exists: "+dstRel)
	}

	st, err := statPath(payloadAbs)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}

	payload := map[string]interface{}{
		"op": "restore", "src_rel_path": payloadRel, "dst_rel_path": dstRel,
	}
	for k, v := range st.payload() {
		payload[k] = v
	}

	if !req.Confirm {
		tok, err := s.signer.Sign(payload)
		if err != nil {
			return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
		}
		return &Outcome{Op: "restore", SrcRelPath: payloadRel, DstRelPath: dstRel, ConfirmRequired: true, ConfirmToken: tok}, nil
	}
	if req.ConfirmToken == "" {
		return nil, apierr.Of(apierr.CodeConfirmTokenRequired, "confirm_token is required")
	}
	ok, err = s.signer.Verify(payload, req.ConfirmToken)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
	}
	if !ok {
		return nil, apierr.Of(apierr.CodeStaleConfirmToken, "confirm token no longer matches observed state")
	}

	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		logFailure(s.log, oplog.OpRestore, payloadRel, dstRel, st.isDir, err)
		return nil, apierr.Ofw(apierr.CodeRestoreFailed, err)
	}
	if err := renameOrCopy(payloadAbs, dstAbs); err != nil {
		logFailure(s.log, oplog.OpRestore, payloadRel, dstRel, st.isDir, err)
		return nil, apierr.Ofw(apierr.CodeRestoreFailed, err)
	}

	os.Remove(filepath.Join(entryAbs, "meta.json"))
	os.Remove(entryAbs) // best-effort; only succeeds if now empty

	logSuccess(s.log, oplog.OpRestore, payloadRel, dstRel, st.isDir)
	return &Outcome{Op: "restore", SrcRelPath: payloadRel, DstRelPath: dstRel, Executed: true}, nil
}

// EmptyRequest is the body of a trash_empty call.
type EmptyRequest struct {
	Confirm      bool
	ConfirmToken string
}

// Empty previews or executes permanently removing every entry in _trash/.
func (s *Service) Empty(req EmptyRequest) (*Outcome, error) {
	s.maybeRunGC()

	trashAbs, err := s.sb.Resolve(trashDirName, true)
	if err != nil {
		return nil, sandboxErr(err)
	}

	entries, mtimeNs, err := listTrashEntries(trashAbs)
	if err != nil {
		return nil, apierr.Of(apierr.CodeTrashListFailed, err.Error())
	}

	payload := map[string]interface{}{
		"op": "trash_empty", "count": len(entries), "listing_hash": hashEntryNames(entries), "trash_mtime_ns": mtimeNs,
	}

	if !req.Confirm {
		tok, err := s.signer.Sign(payload)
		if err != nil {
			return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
		}
		return &Outcome{Op: "trash_empty", ConfirmRequired: true, ConfirmToken: tok}, nil
	}
	if req.ConfirmToken == "" {
		return nil, apierr.Of(apierr.CodeConfirmTokenRequired, "confirm_token is required")
	}
	ok, err := s.signer.Verify(payload, req.ConfirmToken)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
	}
	if !ok {
		return nil, apierr.Of(apierr.CodeStaleConfirmToken, "confirm token no longer matches observed state; trash contents changed")
	}

	var firstErr error
	for _, name := range entries {
		if err := safeRemove(filepath.Join(trashAbs, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		logFailure(s.log, oplog.OpPurge, trashDirName, "", true, firstErr)
		return nil, apierr.Ofw(apierr.CodeTrashEmptyFailed, firstErr)
	}

	logSuccess(s.log, oplog.OpPurge, trashDirName, "", true)
	return &Outcome{Op: "trash_empty", Executed: true}, nil
}

func readMeta(entryAbs string) (TrashMeta, error) {
	data, err := os.ReadFile(filepath.Join(entryAbs, "meta.json"))
	if err != nil {
		return TrashMeta{}, err
	}
	var meta TrashMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return TrashMeta{}, fmt.Errorf("invalid meta.json: %w", err)
	}
	return meta, nil
}

func listTrashEntries(trashAbs string) ([]string, int64, error) {
	info, err := os.Stat(trashAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	dirEntries, err := os.ReadDir(trashAbs)
	if err != nil {
		return nil, 0, err
	}
	names := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, info.ModTime().UnixNano(), nil
}

// hashEntryNames digests the sorted entry names so the trash_empty confirm
// token goes stale whenever the trash contents change.
func hashEntryNames(names []string) string {
	sum := sha1.Sum([]byte(strings.Join(names, "\n")))
	return hex.EncodeToString(sum[:])
}
