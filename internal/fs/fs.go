package fs

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/openviking/openviking/internal/backend"
	"github.com/openviking/openviking/internal/errs"
	"github.com/openviking/openviking/internal/locks"
	"github.com/openviking/openviking/internal/observability"
	"github.com/openviking/openviking/internal/uri"
)

// VikingFS is the URI-addressed filesystem. All operations may block on
// backend I/O and path-lock acquisition; callers bound them with a
// context deadline.
type VikingFS struct {
	backend backend.Backend
	locks   *locks.PathLockManager
	txns    *locks.TxnManager
	logger  *observability.Logger
}

// New creates a VikingFS over the given backend. The transaction
// journal lives under queue/txn on the same backend.
func New(b backend.Backend, lockManager *locks.PathLockManager, logger *observability.Logger) *VikingFS {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &VikingFS{
		backend: b,
		locks:   lockManager,
		txns:    locks.NewTxnManager(b, lockManager, "queue/txn"),
		logger:  logger,
	}
}

// Txns exposes the transaction manager for startup recovery and the
// observer endpoint.
func (v *VikingFS) Txns() *locks.TxnManager { return v.txns }

// Locks exposes the path lock manager.
func (v *VikingFS) Locks() *locks.PathLockManager { return v.locks }

// Backend exposes the raw store, for components that manage their own
// non-node files (the transaction journal, pack staging).
func (v *VikingFS) Backend() backend.Backend { return v.backend }

// Path maps a URI to its backend-relative path.
func Path(u uri.URI) string {
	if u.Path() == "" {
		return string(u.Scope())
	}
	return string(u.Scope()) + "/" + u.Path()
}

func (v *VikingFS) metaPath(u uri.URI) string     { return path.Join(Path(u), MetaFile) }
func (v *VikingFS) abstractPath(u uri.URI) string { return path.Join(Path(u), AbstractFile) }
func (v *VikingFS) overviewPath(u uri.URI) string { return path.Join(Path(u), OverviewFile) }

// readMeta loads a node's .meta.json, or nil when the node has none
// (plain directories and plain files).
func (v *VikingFS) readMeta(ctx context.Context, u uri.URI) (*NodeMeta, error) {
	data, err := v.backend.ReadBytes(ctx, v.metaPath(u))
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return DecodeNodeMeta(data)
}

// writeMeta persists a node's meta sidecar (atomic on the backend).
func (v *VikingFS) writeMeta(ctx context.Context, u uri.URI, meta *NodeMeta) error {
	data, err := meta.Encode()
	if err != nil {
		return err
	}
	return v.backend.WriteBytes(ctx, v.metaPath(u), data)
}

// StatInfo describes a node or plain file.
type StatInfo struct {
	Name        string    `json:"name"`
	URI         string    `json:"uri"`
	IsDir       bool      `json:"is_dir"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ContextType string    `json:"context_type,omitempty"`
	HasAbstract bool      `json:"has_abstract"`
	HasOverview bool      `json:"has_overview"`
	ActiveCount int64     `json:"active_count"`
}

// Stat describes the node at u; fails NOT_FOUND when absent.
func (v *VikingFS) Stat(ctx context.Context, u uri.URI) (StatInfo, error) {
	info, err := v.backend.Stat(ctx, Path(u))
	if err != nil {
		return StatInfo{}, err
	}
	stat := StatInfo{
		Name:      u.Name(),
		URI:       u.String(),
		IsDir:     info.IsDir,
		Size:      info.Size,
		CreatedAt: info.ModTime,
		UpdatedAt: info.ModTime,
	}
	if !info.IsDir {
		return stat, nil
	}
	meta, err := v.readMeta(ctx, u)
	if err != nil {
		return StatInfo{}, err
	}
	if meta != nil {
		stat.IsDir = !meta.IsLeaf
		stat.CreatedAt = meta.CreatedAt
		stat.UpdatedAt = meta.UpdatedAt
		stat.ContextType = meta.ContextType
		stat.ActiveCount = meta.ActiveCount
		if meta.IsLeaf {
			if content, err := v.backend.Stat(ctx, path.Join(Path(u), meta.ContentFile())); err == nil {
				stat.Size = content.Size
			}
		}
	}
	if _, err := v.backend.Stat(ctx, v.abstractPath(u)); err == nil {
		stat.HasAbstract = true
	}
	if _, err := v.backend.Stat(ctx, v.overviewPath(u)); err == nil {
		stat.HasOverview = true
	}
	return stat, nil
}

// Read returns L2 content bytes: the file itself for plain files, or
// the node's content file for leaf nodes.
func (v *VikingFS) Read(ctx context.Context, u uri.URI) ([]byte, error) {
	lease, err := v.locks.AcquireRead(ctx, u.String())
	if err != nil {
		return nil, errs.E(errs.CodeDeadlineExceeded, "acquire read lock", err)
	}
	defer lease.Release()

	info, err := v.backend.Stat(ctx, Path(u))
	if err != nil {
		return nil, err
	}
	if !info.IsDir {
		return v.backend.ReadBytes(ctx, Path(u))
	}
	meta, err := v.readMeta(ctx, u)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errs.Ef(errs.CodeFailedPrecondition, "%s is a directory without content", u)
	}
	return v.backend.ReadBytes(ctx, path.Join(Path(u), meta.ContentFile()))
}

// Abstract returns the node's L0 text, or "" when missing.
func (v *VikingFS) Abstract(ctx context.Context, u uri.URI) (string, error) {
	data, err := v.backend.ReadBytes(ctx, v.abstractPath(u))
	if err != nil {
		if errs.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Overview returns the node's L1 text, or "" when missing.
func (v *VikingFS) Overview(ctx context.Context, u uri.URI) (string, error) {
	data, err := v.backend.ReadBytes(ctx, v.overviewPath(u))
	if err != nil {
		if errs.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Meta returns the node's meta document, or NOT_FOUND for plain paths.
func (v *VikingFS) Meta(ctx context.Context, u uri.URI) (*NodeMeta, error) {
	meta, err := v.readMeta(ctx, u)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, errs.Ef(errs.CodeNotFound, "%s has no node metadata", u)
	}
	return meta, nil
}

// Mkdir ensures u and all its parents exist. Acquires a write lock on u.
func (v *VikingFS) Mkdir(ctx context.Context, u uri.URI, existOK bool) error {
	lease, err := v.locks.AcquireWrite(ctx, u.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()
	return v.backend.Mkdir(ctx, Path(u), existOK)
}

// WriteContext writes the four-file node bundle (content + L0/L1/meta)
// under a single transaction.
func (v *VikingFS) WriteContext(ctx context.Context, u uri.URI, content []byte, abstract, overview, contentFilename string, isLeaf bool) error {
	txn, err := v.txns.Begin(ctx, []string{u.String()}, "write_context "+u.String())
	if err != nil {
		return err
	}

	if err := v.writeContextLocked(ctx, u, content, abstract, overview, contentFilename, isLeaf); err != nil {
		_ = txn.Fail(ctx, err)
		return err
	}
	return txn.Commit(ctx)
}

func (v *VikingFS) writeContextLocked(ctx context.Context, u uri.URI, content []byte, abstract, overview, contentFilename string, isLeaf bool) error {
	if err := v.backend.Mkdir(ctx, Path(u), true); err != nil {
		return err
	}
	meta, err := v.readMeta(ctx, u)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = NewNodeMeta(u, isLeaf)
	} else {
		meta.IsLeaf = isLeaf
		meta.Touch()
	}
	if contentFilename != "" {
		meta.ContentFilename = contentFilename
	}
	if isLeaf && content != nil {
		if err := v.backend.WriteBytes(ctx, path.Join(Path(u), meta.ContentFile()), content); err != nil {
			return err
		}
	}
	if abstract != "" {
		if err := v.backend.WriteBytes(ctx, v.abstractPath(u), []byte(abstract)); err != nil {
			return err
		}
	}
	if overview != "" {
		if err := v.backend.WriteBytes(ctx, v.overviewPath(u), []byte(overview)); err != nil {
			return err
		}
	}
	return v.writeMeta(ctx, u, meta)
}

// WriteAbstract replaces the node's L0 sidecar.
func (v *VikingFS) WriteAbstract(ctx context.Context, u uri.URI, text string) error {
	lease, err := v.locks.AcquireWrite(ctx, u.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()
	if err := v.backend.WriteBytes(ctx, v.abstractPath(u), []byte(text)); err != nil {
		return err
	}
	return v.touchMeta(ctx, u)
}

// WriteOverview replaces the node's L1 sidecar.
func (v *VikingFS) WriteOverview(ctx context.Context, u uri.URI, text string) error {
	lease, err := v.locks.AcquireWrite(ctx, u.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()
	if err := v.backend.WriteBytes(ctx, v.overviewPath(u), []byte(text)); err != nil {
		return err
	}
	return v.touchMeta(ctx, u)
}

func (v *VikingFS) touchMeta(ctx context.Context, u uri.URI) error {
	meta, err := v.readMeta(ctx, u)
	if err != nil || meta == nil {
		return err
	}
	meta.Touch()
	return v.writeMeta(ctx, u, meta)
}

// WriteFile writes a plain text file at u.
func (v *VikingFS) WriteFile(ctx context.Context, u uri.URI, text string) error {
	return v.WriteFileBytes(ctx, u, []byte(text))
}

// WriteFileBytes writes a plain file at u under a write lock.
func (v *VikingFS) WriteFileBytes(ctx context.Context, u uri.URI, data []byte) error {
	lease, err := v.locks.AcquireWrite(ctx, u.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()
	return v.backend.WriteBytes(ctx, Path(u), data)
}

// Rm deletes the node at u. Directories with children require
// recursive=true, else FAILED_PRECONDITION.
func (v *VikingFS) Rm(ctx context.Context, u uri.URI, recursive bool) error {
	lease, err := v.locks.AcquireWrite(ctx, u.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()

	info, err := v.backend.Stat(ctx, Path(u))
	if err != nil {
		return err
	}
	if info.IsDir && !recursive {
		entries, err := v.backend.List(ctx, Path(u))
		if err != nil {
			return err
		}
		meta, err := v.readMeta(ctx, u)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if IsSidecar(entry.Name) {
				continue
			}
			if meta != nil && meta.IsLeaf && entry.Name == meta.ContentFile() {
				continue
			}
			return errs.Ef(errs.CodeFailedPrecondition, "%s is not empty; pass recursive=true", u)
		}
	}
	return v.backend.Delete(ctx, Path(u))
}

// Mv atomically renames src to dst and rewrites the node metadata of
// the moved subtree. Fails ALREADY_EXISTS when dst exists.
func (v *VikingFS) Mv(ctx context.Context, src, dst uri.URI) error {
	txn, err := v.txns.Begin(ctx, []string{src.String(), dst.String()}, fmt.Sprintf("mv %s %s", src, dst))
	if err != nil {
		return err
	}

	if err := v.mvLocked(ctx, txn, src, dst); err != nil {
		_ = txn.Fail(ctx, err)
		return err
	}
	return txn.Commit(ctx)
}

func (v *VikingFS) mvLocked(ctx context.Context, txn *locks.Txn, src, dst uri.URI) error {
	if _, err := v.backend.Stat(ctx, Path(src)); err != nil {
		return err
	}
	if _, err := v.backend.Stat(ctx, Path(dst)); err == nil {
		return errs.Ef(errs.CodeAlreadyExists, "mv: %s already exists", dst)
	}
	if parent, ok := dst.Parent(); ok {
		if err := v.backend.Mkdir(ctx, Path(parent), true); err != nil {
			return err
		}
	}
	if err := v.backend.Move(ctx, Path(src), Path(dst)); err != nil {
		return err
	}
	if err := txn.RecordMove(ctx, Path(src), Path(dst)); err != nil {
		return err
	}
	return v.rewriteSubtreeMeta(ctx, dst)
}

// rewriteSubtreeMeta updates uri/parent_uri in every .meta.json under
// root after a subtree move.
func (v *VikingFS) rewriteSubtreeMeta(ctx context.Context, root uri.URI) error {
	meta, err := v.readMeta(ctx, root)
	if err != nil {
		return err
	}
	if meta != nil {
		meta.URI = root.String()
		if parent, ok := root.Parent(); ok {
			meta.ParentURI = parent.String()
		} else {
			meta.ParentURI = ""
		}
		meta.ContextType = string(root.ContextType())
		meta.Category = root.Category()
		meta.Touch()
		if err := v.writeMeta(ctx, root, meta); err != nil {
			return err
		}
	}
	entries, err := v.backend.List(ctx, Path(root))
	if err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		if err := v.rewriteSubtreeMeta(ctx, root.Join(entry.Name)); err != nil {
			return err
		}
	}
	return nil
}

// IncrementActive bumps a node's usage counter.
func (v *VikingFS) IncrementActive(ctx context.Context, u uri.URI) error {
	lease, err := v.locks.AcquireWrite(ctx, u.String())
	if err != nil {
		return errs.E(errs.CodeDeadlineExceeded, "acquire write lock", err)
	}
	defer lease.Release()

	meta, err := v.readMeta(ctx, u)
	if err != nil {
		return err
	}
	if meta == nil {
		return errs.Ef(errs.CodeNotFound, "%s has no node metadata", u)
	}
	meta.ActiveCount++
	meta.Touch()
	return v.writeMeta(ctx, u, meta)
}

// NewTempDir allocates a fresh temp subtree URI for staging.
func (v *VikingFS) NewTempDir(ctx context.Context) (uri.URI, error) {
	stamp := time.Now().UTC().Format("20060102T150405")
	u := uri.Root(uri.ScopeTemp).Join(stamp + "_" + uuid.NewString()[:8])
	if err := v.backend.Mkdir(ctx, Path(u), false); err != nil {
		return uri.URI{}, err
	}
	return u, nil
}

// DeleteTemp recursively removes a viking://temp subtree.
func (v *VikingFS) DeleteTemp(ctx context.Context, u uri.URI) error {
	if u.Scope() != uri.ScopeTemp {
		return errs.Ef(errs.CodeInvalidArgument, "delete_temp requires a temp uri, got %s", u)
	}
	err := v.Rm(ctx, u, true)
	if errs.IsNotFound(err) {
		return nil
	}
	return err
}

// EnsureScopeRoots creates the top-level scope directories.
func (v *VikingFS) EnsureScopeRoots(ctx context.Context) error {
	for _, scope := range uri.Scopes {
		if err := v.backend.Mkdir(ctx, string(scope), true); err != nil {
			return fmt.Errorf("ensure scope root %s: %w", scope, err)
		}
	}
	return nil
}
