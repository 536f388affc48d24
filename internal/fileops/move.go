package fileops

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/oplog"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// MoveRequest is the body of POST /api/move.
type MoveRequest struct {
	Src           string
	Dst           string
	CreateParents bool
	Confirm       bool
	ConfirmToken  string
}

// Move previews or executes a move/rename within the MediaRoot.
func (s *Service) Move(req MoveRequest) (*Outcome, error) {
	s.maybeRunGC()

	srcRel, err := sandbox.Normalize(req.Src)
	if err != nil {
		return nil, apierr.Of(apierr.CodeSandboxViolation, err.Error())
	}
	dstRel, err := sandbox.Normalize(req.Dst)
	if err != nil {
		return nil, apierr.Of(apierr.CodeSandboxViolation, err.Error())
	}
	if isRoot(srcRel) || isRoot(dstRel) {
		return nil, apierr.Of(apierr.CodeRootForbidden, "cannot move the MediaRoot itself")
	}
	if dstRel == srcRel || strings.HasPrefix(dstRel, srcRel+"/") {
		return nil, apierr.Of(apierr.CodeInvalidMove, "cannot move a directory into itself or a descendant")
	}

	srcAbs, err := s.sb.Resolve(srcRel, true)
	if err != nil {
		return nil, sandboxErr(err)
	}
	st, err := statPath(srcAbs)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}
	if !st.exists {
		return nil, apierr.Of(apierr.CodeNotFound, "src does not exist: "+srcRel)
	}

	if err := s.validateDstParent(dstRel, req.CreateParents); err != nil {
		return nil, err
	}

	dstAbs, err := s.sb.Resolve(dstRel, true)
	if err != nil {
		return nil, sandboxErr(err)
	}
	if _, err := os.Lstat(dstAbs); err == nil {
		return nil, apierr.Of(apierr.CodeDstExists, "destination already exists: "+dstRel)
	}

	payload := map[string]interface{}{
		"op": "move", "src_rel_path": srcRel, "dst_rel_path": dstRel, "create_parents": req.CreateParents,
	}
	for k, v := range st.payload() {
		payload[k] = v
	}

	if !req.Confirm {
		token, err := s.signer.Sign(payload)
		if err != nil {
			return nil, apierr.Ofw(apierr.CodeFileopsFailed, err)
		}
		return &Outcome{Op: "move", SrcRelPath: srcRel, DstRelPath: dstRel, ConfirmRequired: true, ConfirmToken: token}, nil
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

	// Re-validate destination parent and existence right before the mutation:
	// the preview snapshot may be stale by the time confirm arrives.
	if err := s.validateDstParent(dstRel, req.CreateParents); err != nil {
		return nil, err
	}
	if _, err := os.Lstat(dstAbs); err == nil {
		return nil, apierr.Of(apierr.CodeDstExists, "destination already exists: "+dstRel)
	}

	if req.CreateParents {
		if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
			logFailure(s.log, oplog.OpMove, srcRel, dstRel, st.isDir, err)
			return nil, apierr.Ofw(apierr.CodeMoveFailed, err)
		}
	}

	if err := renameOrCopy(srcAbs, dstAbs); err != nil {
		logFailure(s.log, oplog.OpMove, srcRel, dstRel, st.isDir, err)
		return nil, apierr.Ofw(apierr.CodeMoveFailed, err)
	}

	logSuccess(s.log, oplog.OpMove, srcRel, dstRel, st.isDir)
	return &Outcome{Op: "move", SrcRelPath: srcRel, DstRelPath: dstRel, Executed: true}, nil
}

// validateDstParent checks the destination's parent directory per spec.md
// §4.9: must exist unless create_parents; if present, must be a directory.
func (s *Service) validateDstParent(dstRel string, createParents bool) error {
	parent := parentRel(dstRel)
	if parent == "" {
		return nil // parent is MediaRoot itself, always present
	}
	parentAbs, err := s.sb.Resolve(parent, true)
	if err != nil {
		return sandboxErr(err)
	}
	info, err := os.Stat(parentAbs)
	if err != nil {
		if os.IsNotExist(err) {
			if createParents {
				return nil
			}
			return apierr.Of(apierr.CodeDstParentMissing, "destination parent does not exist: "+parent)
		}
		return apierr.Ofw(apierr.CodeStatFailed, err)
	}
	if !info.IsDir() {
		return apierr.Of(apierr.CodeDstParentNotDir, "destination parent is not a directory: "+parent)
	}
	return nil
}

func parentRel(rel string) string {
	idx := strings.LastIndexByte(rel, '/')
	if idx < 0 {
		return ""
	}
	return rel[:idx]
}
