package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/config"
	"docsync/internal/store"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestDocsCreateAndList(t *testing.T) {
	db := filepath.Join(t.TempDir(), "docs.db")

	out, _, err := execute(t, "docs", "create", "--store", "sqlite", "--sqlite-path", db, "notes", "todo")
	require.NoError(t, err)
	assert.Contains(t, out, "created notes")
	assert.Contains(t, out, "created todo")

	_, errOut, err := execute(t, "docs", "create", "--store", "sqlite", "--sqlite-path", db, "notes")
	require.NoError(t, err)
	assert.Contains(t, errOut, "notes already exists")

	out, errOut, err = execute(t, "docs", "list", "--store", "sqlite", "--sqlite-path", db)
	require.NoError(t, err)
	assert.Equal(t, "notes\ntodo\n", out)
	assert.Contains(t, errOut, "2 documents")
}

func TestUnknownBackendRejected(t *testing.T) {
	_, _, err := execute(t, "docs", "list", "--store", "etcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store.backend")
}

func TestLoadtestUnknownPlan(t *testing.T) {
	_, _, err := execute(t, "loadtest", "--plan", "gigantic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown plan "gigantic"`)
}

func TestServeStopsOnCancel(t *testing.T) {
	v := config.New()
	v.Set("server.addr", "127.0.0.1:0")
	v.Set("store.backend", store.BackendMemory)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	cfg.Log.File = filepath.Join(t.TempDir(), "docsyncd.log")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
