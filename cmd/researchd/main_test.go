package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/researchstate/internal/store"
)

// run executes the root command with args against dbFile and returns stdout.
func run(t *testing.T, dbFile string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	full := append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--db", dbFile, "--log-level", "error"}, args...)
	rootCmd.SetArgs(full)
	err := rootCmd.Execute()
	return out.String(), err
}

func seedSession(t *testing.T, dbFile string) string {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.Options{Path: dbFile})
	require.NoError(t, err)
	defer db.Close()
	sess := &store.Session{Topic: "grid storage"}
	require.NoError(t, db.Store().CreateSession(ctx, sess))
	return sess.ID
}

func TestMigrate(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "cli.db")
	out, err := run(t, dbFile, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version")
	assert.Contains(t, out, "sqlite-vec")
}

func TestFactsImportAndStats(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "cli.db")
	id := seedSession(t, dbFile)

	input := filepath.Join(t.TempDir(), "facts.json")
	require.NoError(t, os.WriteFile(input, []byte("```json\n"+`{"facts": [
		{"entity": "Fluence", "attribute": "capacity", "value": "2.5 GW", "confidence": "high"},
		{"entity": "Fluence", "attribute": "capacity", "value": "4 GW", "confidence": "medium"}
	]}`+"\n```"), 0o644))

	out, err := run(t, dbFile, "facts", "import", id, input)
	require.NoError(t, err)
	var res store.BatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 2, res.Created)

	out, err = run(t, dbFile, "facts", "conflicts", id, "--detect")
	require.NoError(t, err)
	var open []store.Conflict
	require.NoError(t, json.Unmarshal([]byte(out), &open))
	require.Len(t, open, 1)
	assert.Equal(t, "capacity", open[0].Attribute)

	out, err = run(t, dbFile, "facts", "stats", id, "--markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "Fluence")
	statsMarkdown = false
	conflictsDetect = false
}

func TestSessionCommands(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "cli.db")
	id := seedSession(t, dbFile)

	out, err := run(t, dbFile, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "grid storage")

	out, err = run(t, dbFile, "session", "stats", id)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"facts": 0`), out)

	_, err = run(t, dbFile, "session", "show", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a  much\nlonger topic", 8); got != "a much …" {
		t.Errorf("truncate(long) = %q", got)
	}
}
