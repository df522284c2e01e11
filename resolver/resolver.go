//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package resolver defines the contract for turning a natural-language
// instruction plus staged table schemas into an executable analysis
// command. Implementations live in the service and openai subpackages.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the analysis capability tier for a request.
type Mode string

const (
	// ModeBasic covers pandas-level transformations and static charts.
	ModeBasic Mode = "basic"
	// ModePro covers advanced analyses and interactive charts.
	ModePro Mode = "pro"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBasic || m == ModePro
}

// NextStep is the resolver's verdict on a request.
type NextStep string

const (
	// StepExecute means the command is ready to run.
	StepExecute NextStep = "execute_command"
	// StepNeedMoreInfo means the instruction was too vague to compile.
	StepNeedMoreInfo NextStep = "need_more_info"
	// StepOutOfScope means the instruction is not a data analysis task.
	StepOutOfScope NextStep = "out_of_scope"
)

// TableInfo describes one staged table to the resolver.
type TableInfo struct {
	Dtypes   map[string]string `json:"dtypes"`
	FileType string            `json:"fileType"`
}

// AnalysisRequest is the payload sent to the resolver.
type AnalysisRequest struct {
	UserInput string               `json:"user_input"`
	TableInfo map[string]TableInfo `json:"table_info"`
	Mode      Mode                 `json:"mode"`
}

// ErrInvalidRequest reports a request that fails local validation.
var ErrInvalidRequest = errors.New("invalid analysis request")

// ErrServiceUnavailable reports that the resolver could not be reached.
var ErrServiceUnavailable = errors.New("resolver service unavailable")

// Validate checks the request before it goes on the wire.
func (r AnalysisRequest) Validate() error {
	if strings.TrimSpace(r.UserInput) == "" {
		return fmt.Errorf("%w: empty user input", ErrInvalidRequest)
	}
	if len(r.TableInfo) == 0 {
		return fmt.Errorf("%w: no table info", ErrInvalidRequest)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	return nil
}

// Command is the executable payload of a resolved request.
// OutputFilename lists the files the code is expected to leave in the
// sandbox workspace for readback.
type Command struct {
	Code           string   `json:"code"`
	OutputFilename []string `json:"output_filename,omitempty"`
}

// ResolvedCommand is the resolver's full answer.
type ResolvedCommand struct {
	NextStep NextStep `json:"next_step"`
	Command  *Command `json:"command,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// StatusError carries an error response from the resolver service.
type StatusError struct {
	Code   int    `json:"status_code"`
	Detail string `json:"detail"`
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("resolver: status %d: %s", e.Code, e.Detail)
}

// Resolver turns an analysis request into a resolved command.
type Resolver interface {
	Resolve(ctx context.Context, req AnalysisRequest) (ResolvedCommand, error)
}
