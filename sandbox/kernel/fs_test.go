//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package kernel

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspaceRuntime(t *testing.T) *Runtime {
	t.Helper()
	return &Runtime{workRoot: t.TempDir()}
}

func TestWriteReadRemoveFile(t *testing.T) {
	r := newWorkspaceRuntime(t)
	ctx := context.Background()

	require.NoError(t, r.WriteFile(ctx, "sales.csv", []byte("a,b\n1,2\n")))
	data, err := r.ReadFile(ctx, "sales.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("a,b\n1,2\n"), data)

	require.NoError(t, r.RemoveFile(ctx, "sales.csv"))
	_, err = r.ReadFile(ctx, "sales.csv")
	assert.Error(t, err)

	// Removing a missing file is not an error.
	assert.NoError(t, r.RemoveFile(ctx, "sales.csv"))
}

func TestWriteFileCreatesSubdirs(t *testing.T) {
	r := newWorkspaceRuntime(t)
	ctx := context.Background()

	require.NoError(t, r.WriteFile(ctx, "out/report.xlsx", []byte("x")))
	data, err := r.ReadFile(ctx, "out/report.xlsx")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestPathEscapeRejected(t *testing.T) {
	r := newWorkspaceRuntime(t)
	ctx := context.Background()

	err := r.WriteFile(ctx, "../outside.txt", []byte("x"))
	assert.Error(t, err)

	_, err = r.ReadFile(ctx, "../../etc/passwd")
	assert.Error(t, err)

	err = r.WriteFile(ctx, "", []byte("x"))
	assert.Error(t, err)
}

func TestReadFileCapped(t *testing.T) {
	r := newWorkspaceRuntime(t)
	ctx := context.Background()

	big := make([]byte, maxReadSizeBytes+1024)
	require.NoError(t, os.WriteFile(filepath.Join(r.workRoot, "big.bin"), big, 0o644))

	data, err := r.ReadFile(ctx, "big.bin")
	require.NoError(t, err)
	assert.Len(t, data, maxReadSizeBytes)
}

func TestCollect(t *testing.T) {
	r := newWorkspaceRuntime(t)
	ctx := context.Background()

	require.NoError(t, r.WriteFile(ctx, "result.xlsx", []byte("wb")))
	require.NoError(t, r.WriteFile(ctx, "out/extra.xlsx", []byte("wb2")))
	require.NoError(t, r.WriteFile(ctx, "notes.txt", []byte("t")))

	files, err := r.Collect(ctx, []string{"**/*.xlsx"})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "out/extra.xlsx", files[0].Name)
	assert.Equal(t, "result.xlsx", files[1].Name)

	// Duplicate patterns dedupe.
	files, err = r.Collect(ctx, []string{"*.txt", "notes.txt"})
	require.NoError(t, err)
	assert.Len(t, files, 1)

	// No matches is not an error.
	files, err = r.Collect(ctx, []string{"*.parquet"})
	require.NoError(t, err)
	assert.Empty(t, files)
}
