//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package sandbox defines the code-execution runtime capability consumed
// by the analysis orchestrator, and a Manager that lazily boots exactly
// one runtime per process.
//
// The orchestrator assumes nothing about the runtime's interior language
// beyond what Runtime expresses: redirectable text output, a mutable
// filesystem addressable by name, and source execution as a single unit.
package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// ErrInitFailed wraps every bootstrap failure. The Manager never
// memoizes a runtime that failed to initialize; the next EnsureReady
// retries from scratch.
var ErrInitFailed = errors.New("sandbox initialization failed")

// ErrNotReady reports use of a runtime handle after Shutdown.
var ErrNotReady = errors.New("sandbox not ready")

// RunError is a failure raised by the executed source itself, as
// opposed to a transport or runtime fault.
type RunError struct {
	// Name is the error class reported by the interpreter, when known.
	Name string
	// Message is the human-readable failure text.
	Message string
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// RunOutcome is the result of executing one source unit.
type RunOutcome struct {
	// Stdout is text the run wrote to its standard output stream.
	Stdout string
	// Stderr is text the run wrote to its standard error stream.
	Stderr string
	// Err is non-nil when the executed source raised; it carries the
	// interpreter's error, while the surrounding call still succeeds.
	Err *RunError
}

// Runtime is a live sandbox: an interpreter with persistent state and a
// private filesystem, reused across submissions.
type Runtime interface {
	// WriteFile places bytes at name in the sandbox filesystem,
	// overwriting any previous copy.
	WriteFile(ctx context.Context, name string, data []byte) error
	// ReadFile returns the bytes stored at name.
	ReadFile(ctx context.Context, name string) ([]byte, error)
	// RemoveFile deletes name. Removing a file the sandbox never saw is
	// not an error.
	RemoveFile(ctx context.Context, name string) error
	// Run executes source as a single unit in the runtime's evaluation
	// order. A raising run returns a populated RunOutcome.Err and a nil
	// error; the error return is reserved for transport faults.
	Run(ctx context.Context, source string) (RunOutcome, error)
	// Close tears the runtime down.
	Close(ctx context.Context) error
}

// CollectedFile is one sandbox file matched by a Collect pattern.
type CollectedFile struct {
	// Name is the file's path relative to the sandbox filesystem root.
	Name string
	// Content is the file's bytes, possibly truncated at the runtime's
	// read cap.
	Content []byte
	// MIMEType is the sniffed content type.
	MIMEType string
}

// Collector is implemented by runtimes that can enumerate their
// filesystem by glob pattern, for harvesting files a run produced
// without declaring them.
type Collector interface {
	Collect(ctx context.Context, patterns []string) ([]CollectedFile, error)
}
