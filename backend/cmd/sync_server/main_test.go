package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/httpapi/middleware"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	body := "mysql:\n  driver: sqlite3\n  dsn: " + filepath.Join(dir, "log.db") + "\nauth:\n  jwtSecret: cli-secret\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestTokenCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "alice", "--config", writeConfig(t), "--username", "Alice"})
	require.NoError(t, cmd.Execute())

	claims, err := middleware.ParseAccessToken([]byte("cli-secret"), strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "Alice", claims.Username)
}

func TestMigrateCommand(t *testing.T) {
	path := writeConfig(t)
	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, filepath.Join(filepath.Dir(path), "log.db"))
}

func TestMissingConfigFile(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"migrate", "--config", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, cmd.Execute())
}
