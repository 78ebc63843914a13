package workspace

import (
	"context"
	"fmt"

	"taskgate/internal/domain"
)

// Workspace is one exclusive working directory handed to a single task
// attempt. Never shared between pipelines.
type Workspace struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Provider produces and destroys workspaces. The isolation mechanics behind
// Create are the provider's business; callers only rely on exclusivity.
type Provider interface {
	Name() string
	Create(ctx context.Context, plan domain.Plan, task domain.Task, attempt int) (Workspace, error)
	Remove(ctx context.Context, ws Workspace) error
}

// New returns the provider for an isolation mode.
func New(mode, root string) (Provider, error) {
	switch mode {
	case "", "dir":
		return &DirProvider{Root: root}, nil
	case "container":
		return nil, fmt.Errorf("isolation mode %q is not supported", mode)
	default:
		return nil, fmt.Errorf("unknown isolation mode %q", mode)
	}
}
