package bootstrap

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chassisd/chassis/internal/fault"
)

// FixedDirectories is the directory set the directory handler guarantees
// beneath the base dir.
var FixedDirectories = []string{
	"logs",
	"cache",
	"temp",
	"database",
	"config",
	"error_logs",
	"logs/modules",
	"models",
	"exports",
	"imports",
}

// DirectoryHandler ensures the fixed directory layout exists. Idempotent.
type DirectoryHandler struct{}

// Name implements Handler.
func (h *DirectoryHandler) Name() string { return "directories" }

// Priority implements Handler.
func (h *DirectoryHandler) Priority() int { return 5 }

// Run creates each fixed directory and verifies it exists afterwards.
func (h *DirectoryHandler) Run(ctx context.Context, env *Env) error {
	for _, rel := range FixedDirectories {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(env.BaseDir, rel)
		if err := os.MkdirAll(path, 0755); err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return fault.Wrap(fault.PermissionDenied, "cannot create directory "+path, err)
			}
			return fault.Wrap(fault.BootstrapFailed, "cannot create directory "+path, err)
		}

		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			return fault.Newf(fault.BootstrapFailed, "directory %s missing after creation", path)
		}

		if env.report != nil {
			env.report.Directories = append(env.report.Directories, rel)
		}
	}
	return nil
}
