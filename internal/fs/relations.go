package fs

import (
	"context"

	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/uri"
)

// Relations returns the node's relation edges.
func (v *VikingFS) Relations(ctx context.Context, u uri.URI) ([]Relation, error) {
	lease, err := v.locks.AcquireRead(ctx, u.String())
	if err != nil {
		return nil, errs.E(errs.CodeDeadlineExceeded, "acquire read lock", err)
	}
	defer lease.Release()

	meta, err := v.Meta(ctx, u)
	if err != nil {
		return nil, err
	}
	return meta.RelatedURI, nil
}

// Link adds relation edges from one node to each target, read-modify-
// write under a write lock on from. Existing edges to the same target
// have their reason replaced.
func (v *VikingFS) Link(ctx context.Context, from uri.URI, to []uri.URI, reason string) error {
	if len(to) == 0 {
		return errs.Ef(errs.CodeInvalidArgument, "link requires at least one target")
	}
	lease, err := v.locks.AcquireWrite(ctx, from.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()

	meta, err := v.Meta(ctx, from)
	if err != nil {
		return err
	}
	for _, target := range to {
		if _, err := v.backend.Stat(ctx, Path(target)); err != nil {
			return err
		}
		updated := false
		for i := range meta.RelatedURI {
			if meta.RelatedURI[i].URI == target.String() {
				meta.RelatedURI[i].Reason = reason
				updated = true
				break
			}
		}
		if !updated {
			meta.RelatedURI = append(meta.RelatedURI, Relation{URI: target.String(), Reason: reason})
		}
	}
	meta.Touch()
	return v.writeMeta(ctx, from, meta)
}

// Unlink removes the edge from from to to. Removing an absent edge is a
// no-op.
func (v *VikingFS) Unlink(ctx context.Context, from, to uri.URI) error {
	lease, err := v.locks.AcquireWrite(ctx, from.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()

	meta, err := v.Meta(ctx, from)
	if err != nil {
		return err
	}
	kept := meta.RelatedURI[:0]
	for _, rel := range meta.RelatedURI {
		if rel.URI != to.String() {
			kept = append(kept, rel)
		}
	}
	meta.RelatedURI = kept
	meta.Touch()
	return v.writeMeta(ctx, from, meta)
}
