package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"run", "single", "poll", "init", "serve"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestRunCmd_RequiresToken(t *testing.T) {
	t.Setenv("NEXUS_TOKEN", "")
	root := newRootCmd()
	root.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "absent.ini")})
	err := root.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "token is required")
}

func TestInitCmd_WritesRecord(t *testing.T) {
	dir := t.TempDir()
	root := newRootCmd()
	root.SetArgs([]string{"init", "--token", "tok-1", "--name", "alice",
		"--config", filepath.Join(dir, "absent.ini"), "--data-dir", filepath.Join(dir, "users")})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.FileExists(t, filepath.Join(dir, "users", "tok-1.json"))
}
