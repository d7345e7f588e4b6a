// Package authz decides what a workspace folder may touch: which host paths
// its logical paths resolve to, and which IPC operations it may perform.
package authz

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/qwibitai/nanoclaw-sub014/internal/persistence"
)

var (
	// ErrPathEscapes is returned when a resolved path leaves its mount root.
	ErrPathEscapes = errors.New("path escapes mount root")
	// ErrNoMount is returned when no mount prefix matches a logical path.
	ErrNoMount = errors.New("no mount for path")
)

// Mount maps a logical path prefix to a host directory for one folder.
type Mount struct {
	Folder   string
	Logical  string
	HostPath string
	ReadOnly bool
}

// Resolver holds the mount table. The per-group workspace mount
// /workspace/<folder> -> <groupsRoot>/<folder> is implicit; extra mounts come
// from config. The main folder additionally sees the whole groups root
// read-only.
type Resolver struct {
	groupsRoot string
	mainFolder string
	extra      []Mount
}

func NewResolver(groupsRoot, mainFolder string, extra []Mount) *Resolver {
	return &Resolver{
		groupsRoot: groupsRoot,
		mainFolder: mainFolder,
		extra:      extra,
	}
}

// WorkspaceDir returns the host workspace directory for a folder.
func (r *Resolver) WorkspaceDir(folder string) string {
	return filepath.Join(r.groupsRoot, folder)
}

// MountsFor returns the mount table visible to a folder, longest logical
// prefix first.
func (r *Resolver) MountsFor(folder string) []Mount {
	mounts := []Mount{{
		Folder:   folder,
		Logical:  "/workspace/" + folder,
		HostPath: r.WorkspaceDir(folder),
	}}
	if folder == r.mainFolder {
		mounts = append(mounts, Mount{
			Folder:   folder,
			Logical:  "/workspace",
			HostPath: r.groupsRoot,
			ReadOnly: true,
		})
	}
	for _, m := range r.extra {
		if m.Folder == folder {
			mounts = append(mounts, m)
		}
	}
	sort.SliceStable(mounts, func(i, j int) bool {
		return len(mounts[i].Logical) > len(mounts[j].Logical)
	})
	return mounts
}

// Resolve maps a logical path to a host path for the given folder. The match
// picks the longest mount prefix; the result is lexically cleaned and must
// stay inside the mount's host root.
func (r *Resolver) Resolve(folder, logicalPath string) (string, Mount, error) {
	if !persistence.ValidFolderName(folder) {
		return "", Mount{}, fmt.Errorf("invalid folder %q", folder)
	}
	logical := filepath.ToSlash(logicalPath)
	if !strings.HasPrefix(logical, "/") {
		logical = "/" + logical
	}
	// Clean before prefix matching so "a/../../etc" cannot dodge the check.
	logical = filepath.ToSlash(filepath.Clean(logical))

	for _, m := range r.MountsFor(folder) {
		if logical != m.Logical && !strings.HasPrefix(logical, m.Logical+"/") {
			continue
		}
		rel := strings.TrimPrefix(logical, m.Logical)
		rel = strings.TrimPrefix(rel, "/")

		host := filepath.Join(m.HostPath, filepath.FromSlash(rel))
		host = filepath.Clean(host)

		rootAbs, err := filepath.Abs(m.HostPath)
		if err != nil {
			return "", Mount{}, fmt.Errorf("resolve mount root: %w", err)
		}
		hostAbs, err := filepath.Abs(host)
		if err != nil {
			return "", Mount{}, fmt.Errorf("resolve host path: %w", err)
		}
		// Canonicalize the root when it exists so symlinked data dirs still
		// contain their children.
		if canon, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = canon
			if canonHost, err := filepath.EvalSymlinks(hostAbs); err == nil {
				hostAbs = canonHost
			}
		}
		if hostAbs != rootAbs && !strings.HasPrefix(hostAbs, rootAbs+string(filepath.Separator)) {
			return "", Mount{}, fmt.Errorf("%w: %s", ErrPathEscapes, logicalPath)
		}
		return hostAbs, m, nil
	}
	return "", Mount{}, fmt.Errorf("%w: %s", ErrNoMount, logicalPath)
}
