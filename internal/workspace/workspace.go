// Package workspace prepares the hidden working directory kitdev generates
// into. Everything it creates is derived and safe to delete between runs.
package workspace

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"

	kiterrors "github.com/conneroisu/kitdev/internal/errors"
)

const appName = "kitdev"

// Default permission modes for created directories and files.
const (
	DirMode  os.FileMode = 0755
	FileMode os.FileMode = 0644
)

// Assets holds the runtime components copied into every workspace.
//
//go:embed assets/*
var Assets embed.FS

// Options configures Prepare. Relative directories are resolved against
// ProjectDir.
type Options struct {
	ProjectDir string
	WorkDir    string
	OutputDir  string
	// CacheDir defaults to $XDG_CACHE_HOME/kitdev.
	CacheDir string
}

// Workspace is the set of directories a dev session writes to.
type Workspace struct {
	WorkDir   string
	OutputDir string
	AssetsDir string
	CacheDir  string
}

// CacheDir returns the per-user cache directory.
//
//	Linux:   $XDG_CACHE_HOME/kitdev or ~/.cache/kitdev
//	macOS:   ~/Library/Caches/kitdev
func CacheDir() string {
	return filepath.Join(xdg.CacheHome, appName)
}

// Prepare creates the working, output and cache directories and copies the
// runtime assets into the working directory.
func Prepare(opts Options) (*Workspace, error) {
	resolve := func(p string) string {
		if filepath.IsAbs(p) || opts.ProjectDir == "" {
			return p
		}
		return filepath.Join(opts.ProjectDir, p)
	}

	ws := &Workspace{
		WorkDir:   resolve(opts.WorkDir),
		OutputDir: resolve(opts.OutputDir),
		CacheDir:  opts.CacheDir,
	}
	ws.AssetsDir = filepath.Join(ws.WorkDir, "assets")
	if ws.CacheDir == "" {
		ws.CacheDir = CacheDir()
	}

	for _, dir := range []string{ws.WorkDir, ws.OutputDir, ws.AssetsDir, ws.CacheDir} {
		if err := os.MkdirAll(dir, DirMode); err != nil {
			return nil, kiterrors.NewIOError(kiterrors.ErrCodeWorkspace, "creating "+dir, err)
		}
	}

	if err := CopyAssets(ws.AssetsDir); err != nil {
		return nil, err
	}

	return ws, nil
}

// CopyAssets writes the embedded runtime assets below dest.
func CopyAssets(dest string) error {
	sub, err := fs.Sub(Assets, "assets")
	if err != nil {
		return kiterrors.NewInternalError(kiterrors.ErrCodeWorkspace, "opening embedded assets", err)
	}

	return fs.WalkDir(sub, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(target, DirMode)
		}

		data, err := fs.ReadFile(sub, path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, FileMode); err != nil {
			return kiterrors.NewIOError(kiterrors.ErrCodeWorkspace, "copying asset "+path, err)
		}
		return nil
	})
}
