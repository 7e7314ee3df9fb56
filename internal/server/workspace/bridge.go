// Package workspace maps a tenant's local workspace tree to object keys and
// back. Every relative path is sandboxed to the tenant root: traversal
// segments are rejected before any filesystem or storage call, and existing
// paths are re-checked after symlink resolution.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dmitrijs2005/notebookhub/internal/common"
	"github.com/dmitrijs2005/notebookhub/internal/server/models"
)

// tenantRe matches POSIX-ish user names, the identifiers the dashboard uses
// for system users.
var tenantRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9._-]{0,63}$`)

var readDir = os.ReadDir

type Bridge struct {
	base string
}

// NewBridge roots tenant workspaces at base/<tenant>.
func NewBridge(base string) (*Bridge, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("workspace base %q: %w", base, err)
	}
	return &Bridge{base: filepath.Clean(abs)}, nil
}

func ValidateTenant(tenant string) error {
	if !tenantRe.MatchString(tenant) || tenant == "." || tenant == ".." {
		return fmt.Errorf("tenant %q: %w", tenant, common.ErrorValidation)
	}
	return nil
}

// Root is the tenant's workspace directory.
func (b *Bridge) Root(tenant string) (string, error) {
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}
	return filepath.Join(b.base, tenant), nil
}

// Clean canonicalizes a relative path: slash-separated, no leading slash,
// no empty or "." segments, trailing "/" kept. Any ".." segment or NUL byte
// is a validation error. "" and "/" mean the root.
func Clean(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("path contains NUL: %w", common.ErrorValidation)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the workspace: %w", rel, common.ErrorValidation)
		}
	}
	dir := strings.HasSuffix(rel, "/")
	p := strings.TrimPrefix(path.Clean("/"+rel), "/")
	if p == "" {
		return "", nil
	}
	if dir {
		p += "/"
	}
	return p, nil
}

// Resolve returns the absolute sandboxed path for rel. When the path, or
// its nearest existing ancestor, resolves through a symlink to somewhere
// outside the tenant root, it is rejected.
func (b *Bridge) Resolve(tenant, rel string) (string, error) {
	root, err := b.Root(tenant)
	if err != nil {
		return "", err
	}
	clean, err := Clean(rel)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(root, filepath.FromSlash(clean))
	if !within(root, abs) {
		return "", fmt.Errorf("path %q escapes the workspace: %w", rel, common.ErrorValidation)
	}
	if err := checkLinks(root, abs); err != nil {
		return "", fmt.Errorf("path %q: %w", rel, err)
	}
	return abs, nil
}

func within(root, p string) bool {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

// checkLinks resolves the deepest existing ancestor of p and verifies it
// stays under root. A missing root is fine: nothing can escape through it.
func checkLinks(root, p string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	for cur := p; ; cur = filepath.Dir(cur) {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if !within(realRoot, real) {
				return fmt.Errorf("symlink escapes the workspace: %w", common.ErrorValidation)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if cur == root || len(cur) <= len(root) {
			return nil
		}
	}
}

// KeyFor maps a workspace-relative path to the object key under prefix.
func (b *Bridge) KeyFor(tenant, rel, prefix string) (string, error) {
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}
	clean, err := Clean(rel)
	if err != nil {
		return "", err
	}
	return prefix + clean, nil
}

// PathFor is the inverse of KeyFor. The key must live under prefix and its
// remainder must already be canonical, so the round trip is exact.
func (b *Bridge) PathFor(tenant, key, prefix string) (string, error) {
	if err := ValidateTenant(tenant); err != nil {
		return "", err
	}
	if !strings.HasPrefix(key, prefix) {
		return "", fmt.Errorf("key %q is outside prefix %q: %w", key, prefix, common.ErrorValidation)
	}
	rest := key[len(prefix):]
	clean, err := Clean(rest)
	if err != nil {
		return "", err
	}
	if clean != rest {
		return "", fmt.Errorf("key %q is not a canonical workspace path: %w", key, common.ErrorValidation)
	}
	return clean, nil
}

// ListLocal lists the directory rel, directories first then by name. A file
// target lists as itself.
func (b *Bridge) ListLocal(tenant, rel string) ([]models.WorkspaceEntry, error) {
	abs, err := b.Resolve(tenant, rel)
	if err != nil {
		return nil, err
	}
	clean, _ := Clean(rel)

	fi, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%q: %w", rel, common.ErrorNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return []models.WorkspaceEntry{entry(strings.TrimSuffix(clean, "/"), fi)}, nil
	}

	dirents, err := readDir(abs)
	if err != nil {
		return nil, err
	}
	base := clean
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	out := make([]models.WorkspaceEntry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// removed since ReadDir
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", base+d.Name(), err)
		}
		out = append(out, entry(base+d.Name(), info))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == models.EntryDirectory
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func entry(p string, fi fs.FileInfo) models.WorkspaceEntry {
	if fi.IsDir() {
		return models.WorkspaceEntry{Path: p + "/", Kind: models.EntryDirectory, ModTime: fi.ModTime()}
	}
	return models.WorkspaceEntry{Path: p, Kind: models.EntryFile, Size: fi.Size(), ModTime: fi.ModTime()}
}

// Walk returns every regular file under rel, sorted by path. Symlinks are
// not followed.
func (b *Bridge) Walk(tenant, rel string) ([]models.WorkspaceEntry, error) {
	abs, err := b.Resolve(tenant, rel)
	if err != nil {
		return nil, err
	}
	root, _ := b.Root(tenant)

	var out []models.WorkspaceEntry
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == abs {
				return fmt.Errorf("%q: %w", rel, common.ErrorNotFound)
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		r, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, entry(filepath.ToSlash(r), info))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
