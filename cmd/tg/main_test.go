package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgate/internal/token"
)

// Every operator command must fail closed when an agent token is present in
// the environment, even a bogus one, before touching the store.
func TestOperatorSurfaceFailsClosedUnderAgentToken(t *testing.T) {
	t.Setenv(token.EnvToken, "tg_at_bogus_token_value")
	ws := t.TempDir()
	viper.Set("workspace", ws)
	t.Cleanup(func() { viper.Set("workspace", ".") })

	cases := []struct {
		name string
		cmd  *cobra.Command
		args []string
	}{
		{"plan create", planCreateCmd(), []string{"plan.yml"}},
		{"plan approve", planApproveCmd(), []string{"main"}},
		{"plan list", planListCmd(), nil},
		{"plan show", planShowCmd(), []string{"main"}},
		{"invariant add", invariantAddCmd(), []string{"build", "/bin/true"}},
		{"invariant list", invariantListCmd(), nil},
		{"invariant show", invariantShowCmd(), []string{"build"}},
		{"invariant rm", invariantRmCmd(), []string{"build"}},
		{"invariant link", invariantLinkCmd(), []string{"task", "build"}},
		{"dispatch", dispatchCmd(), []string{"main"}},
		{"approve", approveCmd(), []string{"task"}},
		{"reject", rejectCmd(), []string{"task"}},
		{"retry", retryCmd(), []string{"task"}},
		{"reopen", reopenCmd(), []string{"task"}},
		{"status", statusCmd(), []string{"main"}},
		{"log tail", logTailCmd(), []string{"task"}},
		{"serve", serveCmd(), nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmd.RunE(tc.cmd, tc.args)
			if !errors.Is(err, token.ErrModeViolation) {
				t.Fatalf("err = %v, want ErrModeViolation", err)
			}
		})
	}

	// Nothing may have landed in the workspace.
	if _, err := os.Stat(filepath.Join(ws, ".taskgate")); !os.IsNotExist(err) {
		t.Fatalf("store was touched under an agent token: %v", err)
	}
}

func TestOperatorCommandsRunWithoutToken(t *testing.T) {
	t.Setenv(token.EnvToken, "")
	viper.Set("workspace", t.TempDir())
	t.Cleanup(func() { viper.Set("workspace", ".") })

	cmd := planListCmd()
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("plan list without token: %v", err)
	}
}
