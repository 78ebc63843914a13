package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"taskgate/internal/domain"
)

// DirProvider copies the plan's project tree into a fresh directory per task
// attempt. Cheap, no external dependencies, good enough when the agent is
// trusted not to escape the filesystem.
type DirProvider struct {
	// Root is where workspaces live; defaults to <project>/.taskgate/workspaces.
	Root string
}

func (p *DirProvider) Name() string { return "dir" }

func (p *DirProvider) Create(ctx context.Context, plan domain.Plan, task domain.Task, attempt int) (Workspace, error) {
	root := p.Root
	if root == "" {
		root = filepath.Join(plan.ProjectPath, ".taskgate", "workspaces")
	}
	dir := filepath.Join(root, fmt.Sprintf("%s-a%d", task.Name, attempt))
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return Workspace{}, fmt.Errorf("clear stale workspace %s: %w", dir, err)
		}
	}
	if err := copyTree(ctx, plan.ProjectPath, dir); err != nil {
		os.RemoveAll(dir)
		return Workspace{}, fmt.Errorf("materialize workspace for %s: %w", task.Name, err)
	}
	branch := fmt.Sprintf("taskgate/%s/%s-a%d", plan.Name, task.Name, attempt)
	return Workspace{Path: dir, Branch: branch}, nil
}

func (p *DirProvider) Remove(ctx context.Context, ws Workspace) error {
	if ws.Path == "" {
		return nil
	}
	return os.RemoveAll(ws.Path)
}

// copyTree copies src into dst, skipping the .taskgate control directory so
// workspaces never nest the store or each other.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".taskgate" || strings.HasPrefix(rel, ".taskgate"+string(os.PathSeparator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
