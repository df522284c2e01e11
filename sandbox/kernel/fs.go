//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package kernel

// Workspace file operations back the kernel's working directory.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ds "github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chatexcel/datalab/sandbox"
	atrace "github.com/chatexcel/datalab/telemetry/trace"
)

const (
	defaultFileMode  = 0o644
	maxReadSizeBytes = 4 * 1024 * 1024 // 4 MiB per output file

	spanWriteFile  = "kernel.workspace.write_file"
	spanReadFile   = "kernel.workspace.read_file"
	spanRemoveFile = "kernel.workspace.remove_file"
	spanCollect    = "kernel.workspace.collect"

	attrFileName = "datalab.file.name"
	attrPatterns = "datalab.collect.patterns"
	attrCount    = "datalab.collect.count"
)

// WorkRoot returns the host directory shared with the kernel.
func (r *Runtime) WorkRoot() string {
	return r.workRoot
}

// WriteFile stages a file under the workspace root.
func (r *Runtime) WriteFile(ctx context.Context, name string, data []byte) error {
	_, span := atrace.Tracer.Start(ctx, spanWriteFile)
	span.SetAttributes(attribute.String(attrFileName, name))
	defer span.End()
	if err := r.writeFileSafe(name, data); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// ReadFile reads a workspace file, capped at maxReadSizeBytes.
func (r *Runtime) ReadFile(ctx context.Context, name string) ([]byte, error) {
	_, span := atrace.Tracer.Start(ctx, spanReadFile)
	span.SetAttributes(attribute.String(attrFileName, name))
	defer span.End()
	dst, err := r.resolvePath(name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	data, _, err := readLimited(dst)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}

// RemoveFile deletes a workspace file. Missing files are not an error.
func (r *Runtime) RemoveFile(ctx context.Context, name string) error {
	_, span := atrace.Tracer.Start(ctx, spanRemoveFile)
	span.SetAttributes(attribute.String(attrFileName, name))
	defer span.End()
	dst, err := r.resolvePath(name)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Collect gathers workspace files matching the given glob patterns.
// Patterns support ** and matches outside the workspace are skipped.
func (r *Runtime) Collect(ctx context.Context, patterns []string) ([]sandbox.CollectedFile, error) {
	_, span := atrace.Tracer.Start(ctx, spanCollect)
	span.SetAttributes(attribute.Int(attrPatterns, len(patterns)))
	defer span.End()

	root := r.workRoot
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil || realRoot == "" {
		realRoot = root
	}
	seen := map[string]bool{}
	var out []sandbox.CollectedFile

	for _, p := range patterns {
		abs := filepath.Join(root, filepath.Clean(p))
		pattern := strings.TrimPrefix(abs, "/")
		matches, err := ds.Glob(os.DirFS("/"), pattern)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		for _, m := range matches {
			mAbs := "/" + strings.TrimPrefix(m, "/")
			if !strings.HasPrefix(mAbs, root+string(os.PathSeparator)) && mAbs != root {
				continue
			}
			realp, err := filepath.EvalSymlinks(mAbs)
			if err != nil {
				realp = mAbs
			}
			if seen[realp] {
				continue
			}
			if st, err := os.Stat(realp); err != nil || st.IsDir() {
				continue
			}
			seen[realp] = true
			name, err := filepath.Rel(root, mAbs)
			if err != nil {
				name = filepath.Base(mAbs)
			}
			content, mime, err := readLimited(realp)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			out = append(out, sandbox.CollectedFile{
				Name:     name,
				Content:  content,
				MIMEType: mime,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	span.SetAttributes(attribute.Int(attrCount, len(out)))
	return out, nil
}

// resolvePath joins name onto the workspace root and rejects escapes.
func (r *Runtime) resolvePath(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty file path")
	}
	root := r.workRoot
	dst := filepath.Join(root, filepath.Clean(name))
	if !strings.HasPrefix(dst, root+string(os.PathSeparator)) && dst != root {
		return "", fmt.Errorf("path escapes workspace: %s", name)
	}
	return dst, nil
}

func (r *Runtime) writeFileSafe(name string, data []byte) error {
	dst, err := r.resolvePath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, defaultFileMode)
}

func readLimited(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	buf := make([]byte, maxReadSizeBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) &&
		!errors.Is(err, io.EOF) {
		return nil, "", err
	}
	data := buf[:n]
	mime := http.DetectContentType(data)
	return data, mime, nil
}
