package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/notesync/internal/models"
)

// run executes the command line against dir and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("NOTESYNC_SERVER_URL", "")
	t.Setenv("NOTESYNC_HUB_URL", "")

	root := NewRootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	base := []string{"--data-dir", dir, "--env-file", filepath.Join(dir, "none.env")}
	root.SetArgs(append(base, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_noteLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "--json", "note", "create", "Reading", "list")
	require.NoError(t, err)
	var note models.Note
	require.NoError(t, json.Unmarshal([]byte(out), &note))
	assert.Equal(t, "Reading list", note.Title)

	out, err = run(t, dir, "note", "add", note.RootBlockID, "Dune")
	require.NoError(t, err)
	blockID := strings.TrimSpace(out)
	require.NotEmpty(t, blockID)

	_, err = run(t, dir, "note", "edit", blockID, "Dune Messiah")
	require.NoError(t, err)
	_, err = run(t, dir, "note", "edit", note.ID, "--title", "Books")
	require.NoError(t, err)

	out, err = run(t, dir, "note", "show", note.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "# Books")
	assert.Contains(t, out, "- Dune Messiah")

	out, err = run(t, dir, "note", "list")
	require.NoError(t, err)
	assert.Contains(t, out, note.ID)

	_, err = run(t, dir, "note", "delete", note.ID)
	require.NoError(t, err)
	out, err = run(t, dir, "--json", "note", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestCLI_dailyAndRepair(t *testing.T) {
	dir := t.TempDir()

	first, err := run(t, dir, "--json", "note", "daily", "--date", "2024-06-01")
	require.NoError(t, err)
	second, err := run(t, dir, "--json", "note", "daily", "--date", "2024-06-01")
	require.NoError(t, err)
	assert.JSONEq(t, first, second)

	_, err = run(t, dir, "note", "daily", "--date", "June 1st")
	assert.Error(t, err)

	out, err := run(t, dir, "repair")
	require.NoError(t, err)
	assert.Equal(t, "merged 0 duplicate notes\n", out)
}

func TestCLI_status(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "note", "create", "pending")
	require.NoError(t, err)

	out, err := run(t, dir, "--json", "status")
	require.NoError(t, err)
	var got struct {
		Status struct {
			ClientID string `json:"clientId"`
			Pending  int64  `json:"pending"`
		} `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotEmpty(t, got.Status.ClientID)
	assert.Equal(t, int64(3), got.Status.Pending, "note, root block and view")
}

func TestCLI_replicaNeedsServer(t *testing.T) {
	_, err := run(t, t.TempDir(), "replica")
	assert.ErrorContains(t, err, "server_url")
}
