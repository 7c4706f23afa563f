package backend

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/openviking/openviking/internal/errs"
)

// Local is a disk-backed Backend rooted at a base path. All operations
// are confined to the root via an afero BasePathFs; tests may pass a
// MemMapFs instead of the OS filesystem.
type Local struct {
	fs afero.Fs
}

// NewLocal creates a Local backend rooted at root on the OS filesystem.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errs.Ef(errs.CodeInvalidArgument, "local backend requires a root path")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.E(errs.CodeInternal, fmt.Sprintf("create backend root %s", root), err)
	}
	return &Local{fs: afero.NewBasePathFs(afero.NewOsFs(), root)}, nil
}

// NewLocalFs creates a Local backend over an arbitrary afero filesystem.
func NewLocalFs(fs afero.Fs) *Local {
	return &Local{fs: fs}
}

func (l *Local) mapErr(op, p string, err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return errs.Ef(errs.CodeNotFound, "%s: %s not found", op, p)
	case os.IsExist(err):
		return errs.Ef(errs.CodeAlreadyExists, "%s: %s already exists", op, p)
	case os.IsPermission(err):
		return errs.E(errs.CodePermissionDenied, fmt.Sprintf("%s %s", op, p), err)
	default:
		return errs.E(errs.CodeInternal, fmt.Sprintf("%s %s", op, p), err)
	}
}

// ReadBytes returns the full content at path.
func (l *Local) ReadBytes(ctx context.Context, p string) ([]byte, error) {
	if err := ValidateRelPath(p); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(l.fs, p)
	if err != nil {
		return nil, l.mapErr("read", p, err)
	}
	return data, nil
}

// WriteBytes writes to a sibling temp file and renames it into place so
// readers never observe a partial write.
func (l *Local) WriteBytes(ctx context.Context, p string, data []byte) error {
	if err := ValidateRelPath(p); err != nil {
		return err
	}
	dir := path.Dir(p)
	if dir != "." && dir != "/" {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return l.mapErr("mkdir", dir, err)
		}
	}
	tmp := p + ".tmp." + uuid.NewString()[:8]
	if err := afero.WriteFile(l.fs, tmp, data, 0o644); err != nil {
		return l.mapErr("write", p, err)
	}
	if err := l.fs.Rename(tmp, p); err != nil {
		_ = l.fs.Remove(tmp)
		return l.mapErr("rename", p, err)
	}
	return nil
}

// Delete removes a file or directory subtree. Deleting a missing path
// fails NOT_FOUND.
func (l *Local) Delete(ctx context.Context, p string) error {
	if err := ValidateRelPath(p); err != nil {
		return err
	}
	if _, err := l.fs.Stat(p); err != nil {
		return l.mapErr("delete", p, err)
	}
	if err := l.fs.RemoveAll(p); err != nil {
		return l.mapErr("delete", p, err)
	}
	return nil
}

// List returns the direct children of a directory.
func (l *Local) List(ctx context.Context, p string) ([]Entry, error) {
	if err := ValidateRelPath(p); err != nil {
		return nil, err
	}
	if p == "" {
		p = "."
	}
	infos, err := afero.ReadDir(l.fs, p)
	if err != nil {
		return nil, l.mapErr("list", p, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:    info.Name(),
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// Stat describes a path.
func (l *Local) Stat(ctx context.Context, p string) (Info, error) {
	if err := ValidateRelPath(p); err != nil {
		return Info{}, err
	}
	if p == "" {
		p = "."
	}
	info, err := l.fs.Stat(p)
	if err != nil {
		return Info{}, l.mapErr("stat", p, err)
	}
	return Info{
		Name:    info.Name(),
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Mkdir creates a directory and any missing parents.
func (l *Local) Mkdir(ctx context.Context, p string, existOK bool) error {
	if err := ValidateRelPath(p); err != nil {
		return err
	}
	if info, err := l.fs.Stat(p); err == nil {
		if !info.IsDir() {
			return errs.Ef(errs.CodeAlreadyExists, "mkdir: %s exists and is a file", p)
		}
		if !existOK {
			return errs.Ef(errs.CodeAlreadyExists, "mkdir: %s already exists", p)
		}
		return nil
	}
	if err := l.fs.MkdirAll(p, 0o755); err != nil {
		return l.mapErr("mkdir", p, err)
	}
	return nil
}

// Move renames src to dst, creating dst's parent when needed.
func (l *Local) Move(ctx context.Context, src, dst string) error {
	if err := ValidateRelPath(src); err != nil {
		return err
	}
	if err := ValidateRelPath(dst); err != nil {
		return err
	}
	if _, err := l.fs.Stat(dst); err == nil {
		return errs.Ef(errs.CodeAlreadyExists, "move: %s already exists", dst)
	}
	dir := path.Dir(dst)
	if dir != "." && dir != "/" {
		if err := l.fs.MkdirAll(dir, 0o755); err != nil {
			return l.mapErr("mkdir", dir, err)
		}
	}
	if err := l.fs.Rename(src, dst); err != nil {
		return l.mapErr("move", src, err)
	}
	return nil
}
