package fs

import (
	"context"
	"fmt"
	"path"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/uri"
)

// maxResolveAttempts bounds the unique-name search.
const maxResolveAttempts = 100

// ResolveUniqueURI returns base when free, else the first free
// base_1, base_2, … variant. Fails ALREADY_EXISTS after
// maxResolveAttempts taken names.
func (v *VikingFS) ResolveUniqueURI(ctx context.Context, base uri.URI) (uri.URI, error) {
	if _, err := v.backend.Stat(ctx, Path(base)); err != nil {
		if errs.IsNotFound(err) {
			return base, nil
		}
		return uri.URI{}, err
	}
	parent, ok := base.Parent()
	if !ok {
		return uri.URI{}, errs.Ef(errs.CodeAlreadyExists, "scope root %s always exists", base)
	}
	for i := 1; i <= maxResolveAttempts; i++ {
		candidate := parent.Join(fmt.Sprintf("%s_%d", base.Name(), i))
		if _, err := v.backend.Stat(ctx, Path(candidate)); err != nil {
			if errs.IsNotFound(err) {
				return candidate, nil
			}
			return uri.URI{}, err
		}
	}
	return uri.URI{}, errs.Ef(errs.CodeAlreadyExists,
		"no free name for %s after %d attempts", base, maxResolveAttempts)
}

// FinalizeResult reports where a temp subtree landed.
type FinalizeResult struct {
	RootURI uri.URI
	// Moved counts the files relocated out of the temp subtree.
	Moved int
}

// FinalizeFromTemp atomically moves a fully staged temp subtree into
// the tree at (or near) target. The target is first passed through the
// unique-name resolver; on any error every completed move is rolled
// back and the temp subtree is cleaned up.
func (v *VikingFS) FinalizeFromTemp(ctx context.Context, tempRoot, target uri.URI) (FinalizeResult, error) {
	if tempRoot.Scope() != uri.ScopeTemp {
		return FinalizeResult{}, errs.Ef(errs.CodeInvalidArgument,
			"finalize requires a temp source, got %s", tempRoot)
	}
	if target.Scope() == uri.ScopeTemp {
		return FinalizeResult{}, errs.Ef(errs.CodeInvalidArgument,
			"finalize target cannot be under temp: %s", target)
	}
	if _, err := v.backend.Stat(ctx, Path(tempRoot)); err != nil {
		return FinalizeResult{}, err
	}

	resolved, err := v.ResolveUniqueURI(ctx, target)
	if err != nil {
		return FinalizeResult{}, err
	}

	lockPaths := []string{tempRoot.String(), resolved.String()}
	if parent, ok := resolved.Parent(); ok {
		lockPaths = append(lockPaths, parent.String())
	}
	txn, err := v.txns.Begin(ctx, lockPaths, fmt.Sprintf("finalize %s -> %s", tempRoot, resolved))
	if err != nil {
		return FinalizeResult{}, err
	}
	if err := txn.AddTempPath(ctx, Path(tempRoot)); err != nil {
		_ = txn.Fail(ctx, err)
		return FinalizeResult{}, err
	}

	moved, err := v.finalizeLocked(ctx, txn, tempRoot, resolved)
	if err != nil {
		// Fail reverts completed moves in reverse order and removes the
		// temp subtree.
		_ = txn.Fail(ctx, err)
		return FinalizeResult{}, errs.E(errs.CodeInternal, fmt.Sprintf("finalize %s", tempRoot), err)
	}
	// The emptied temp subtree goes away with the commit.
	if err := v.backend.Delete(ctx, Path(tempRoot)); err != nil && !errs.IsNotFound(err) {
		v.logger.Warn("cleanup temp after finalize", "temp", tempRoot.String(), "error", err)
	}
	if err := txn.Commit(ctx); err != nil {
		return FinalizeResult{}, err
	}

	if err := v.rewriteSubtreeMeta(context.WithoutCancel(ctx), resolved); err != nil {
		v.logger.Warn("rewrite finalized metadata", "uri", resolved.String(), "error", err)
	}
	return FinalizeResult{RootURI: resolved, Moved: moved}, nil
}

// finalizeLocked moves every file under tempRoot to its destination in
// pre-order, journaling each move for rollback.
func (v *VikingFS) finalizeLocked(ctx context.Context, txn txnRecorder, tempRoot, dest uri.URI) (int, error) {
	if parent, ok := dest.Parent(); ok {
		if err := v.backend.Mkdir(ctx, Path(parent), true); err != nil {
			return 0, err
		}
	}
	moved := 0
	var walk func(rel []string) error
	walk = func(rel []string) error {
		srcDir := path.Join(append([]string{Path(tempRoot)}, rel...)...)
		dstDir := path.Join(append([]string{Path(dest)}, rel...)...)
		if err := v.backend.Mkdir(ctx, dstDir, true); err != nil {
			return err
		}
		entries, err := v.backend.List(ctx, srcDir)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir {
				if err := walk(append(rel, entry.Name)); err != nil {
					return err
				}
				continue
			}
			src := path.Join(srcDir, entry.Name)
			dst := path.Join(dstDir, entry.Name)
			if err := v.backend.Move(ctx, src, dst); err != nil {
				return err
			}
			moved++
			if err := txn.RecordMove(ctx, src, dst); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(nil); err != nil {
		return moved, err
	}
	return moved, nil
}

// txnRecorder is the journaling surface finalize needs; split out so
// tests can observe the recorded moves.
type txnRecorder interface {
	RecordMove(ctx context.Context, src, dst string) error
}
