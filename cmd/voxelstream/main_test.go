package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	require.NoError(t, app.Run(append([]string{"voxelstream"}, args...)))
	return out.String()
}

func TestPregenThenInspect(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VOXELSTREAM_WORLD_SEED", "11")
	t.Setenv("VOXELSTREAM_STORE_BACKEND", "sqlite")
	t.Setenv("VOXELSTREAM_STORE_PATH", dir)
	t.Setenv("VOXELSTREAM_LOG_LEVEL", "error")

	run(t, "pregen", "-radius", "0", "-x", "2", "-z", "3")
	out := run(t, "inspect", "-x", "2", "-y", "0", "-z", "3")
	require.Contains(t, out, "world seed=11")
	require.Contains(t, out, "chunk 2,0,3 digest=")
	require.Contains(t, out, "BEDROCK")

	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{"voxelstream", "inspect", "-x", "9", "-y", "0", "-z", "9"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "not stored"))
}

func TestReplayNeedsDir(t *testing.T) {
	t.Setenv("VOXELSTREAM_WORLD_SEED", "1")
	app := newApp()
	app.Writer = &bytes.Buffer{}
	require.Error(t, app.Run([]string{"voxelstream", "replay"}))

	out := run(t, "replay", "-dir", t.TempDir())
	require.Contains(t, out, "replay ok: entries=0")
}
