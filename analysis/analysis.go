//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package analysis orchestrates one analysis round: resolve an
// instruction against the staged tables, execute the resolved code in
// the sandbox and harvest printed output, charts and produced files.
package analysis

import (
	"errors"

	"github.com/chatexcel/datalab/resolver"
	"github.com/chatexcel/datalab/sandbox"
)

// ErrNoFilesStaged reports an analysis attempt with an empty staging
// area. Nothing goes on the wire in that case.
var ErrNoFilesStaged = errors.New("no files staged for analysis")

// ErrMalformedCommand reports a resolver answer that cannot be acted
// on, such as an execute step without code.
var ErrMalformedCommand = errors.New("malformed resolver command")

// Status classifies the outcome of an analysis round.
type Status string

const (
	// StatusSuccess means the resolved code ran to completion.
	StatusSuccess Status = "success"
	// StatusError means the resolved code raised.
	StatusError Status = "error"
	// StatusNeedMoreInfo relays the resolver's clarification question.
	StatusNeedMoreInfo Status = "need_more_info"
	// StatusOutOfScope relays the resolver's scope verdict.
	StatusOutOfScope Status = "out_of_scope"
)

// ChartKind identifies how a chart payload is encoded.
type ChartKind string

const (
	// ChartMatplotlib is a base64-encoded PNG.
	ChartMatplotlib ChartKind = "matplotlib"
	// ChartPlotly is a plotly figure JSON document.
	ChartPlotly ChartKind = "plotly"
)

// Chart is one figure produced by an analysis round, in the order it
// was drawn.
type Chart struct {
	Kind ChartKind `json:"kind"`
	Data string    `json:"data"`
}

// OutputFile is a file the analysis code wrote for the user.
type OutputFile struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
	Size     int    `json:"size"`
}

// Result is the outcome of one analysis round.
type Result struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	Instruction string            `json:"instruction"`
	Mode        resolver.Mode     `json:"mode"`
	Output      string            `json:"output,omitempty"`
	Charts      []Chart           `json:"charts,omitempty"`
	OutputFiles []OutputFile      `json:"output_files,omitempty"`
	Message     string            `json:"message,omitempty"`
	Error       *sandbox.RunError `json:"error,omitempty"`
}
