//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/chatexcel/datalab/log"
	"github.com/chatexcel/datalab/quota"
	"github.com/chatexcel/datalab/resolver"
	"github.com/chatexcel/datalab/sandbox"
	"github.com/chatexcel/datalab/staging"
	atrace "github.com/chatexcel/datalab/telemetry/trace"
)

const (
	spanAnalyze = "analysis.analyze"
	spanExecute = "analysis.execute"

	attrAnalysisID = "datalab.analysis.id"
	attrMode       = "datalab.analysis.mode"
	attrNextStep   = "datalab.analysis.next_step"
	attrStatus     = "datalab.analysis.status"
)

// Orchestrator drives analysis rounds over a staging store, a sandbox
// manager and a command resolver. It remembers the latest result.
type Orchestrator struct {
	store    *staging.Store
	manager  *sandbox.Manager
	resolver resolver.Resolver
	quota    quota.Checker

	// runMu serializes kernel runs; the capture scaffold is global
	// kernel state and must not interleave.
	runMu sync.Mutex

	mu     sync.Mutex
	result *Result
}

// Option defines configuration options for Orchestrator.
type Option func(*Orchestrator)

// WithQuota enables quota enforcement before each round.
func WithQuota(checker quota.Checker) Option {
	return func(o *Orchestrator) {
		o.quota = checker
	}
}

// New creates an orchestrator over the given collaborators.
func New(store *staging.Store, manager *sandbox.Manager, res resolver.Resolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		manager:  manager,
		resolver: res,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddFiles admits a batch into the staging store and forwards the raw
// bytes to the sandbox, queueing them if the sandbox is still booting.
func (o *Orchestrator) AddFiles(ctx context.Context, files []staging.File) error {
	if err := o.store.Add(files); err != nil {
		return err
	}
	for _, f := range files {
		if err := o.manager.Enqueue(ctx, f.Name, f.Raw()); err != nil {
			return fmt.Errorf("stage %s into sandbox: %w", f.Name, err)
		}
	}
	return nil
}

// RemoveFile drops a staged file everywhere. Removing the last file
// also clears the latest result, since it referred to tables that are
// gone.
func (o *Orchestrator) RemoveFile(ctx context.Context, name string) error {
	if err := o.store.Remove(name); err != nil {
		return err
	}
	o.manager.Discard(ctx, name)
	if o.store.Len() == 0 {
		o.ClearResult()
	}
	return nil
}

// Files lists the staged files.
func (o *Orchestrator) Files() []staging.File {
	return o.store.List()
}

// Result returns the latest analysis result, or nil.
func (o *Orchestrator) Result() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// ClearResult forgets the latest result.
func (o *Orchestrator) ClearResult() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result = nil
}

func (o *Orchestrator) setResult(r *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.result = r
}

// Analyze runs one analysis round. The sandbox warms up concurrently
// with the resolver call; quota is checked before anything leaves the
// process.
func (o *Orchestrator) Analyze(ctx context.Context, instruction string, mode resolver.Mode, id quota.Identity) (*Result, error) {
	ctx, span := atrace.Tracer.Start(ctx, spanAnalyze)
	defer span.End()

	analysisID := uuid.New().String()
	span.SetAttributes(
		attribute.String(attrAnalysisID, analysisID),
		attribute.String(attrMode, string(mode)),
	)

	files := o.store.List()
	if len(files) == 0 {
		span.SetStatus(codes.Error, ErrNoFilesStaged.Error())
		return nil, ErrNoFilesStaged
	}

	if o.quota != nil {
		d, err := o.quota.Check(ctx, id, mode)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("check quota: %w", err)
		}
		if !d.Allowed {
			err := quota.Deny(d)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	req := resolver.AnalysisRequest{
		UserInput: instruction,
		TableInfo: tableInfo(files),
		Mode:      mode,
	}

	// Warm the sandbox while the resolver thinks.
	var (
		wg         sync.WaitGroup
		rt         sandbox.Runtime
		readyErr   error
		cmd        resolver.ResolvedCommand
		resolveErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		rt, readyErr = o.manager.EnsureReady(ctx)
	}()
	go func() {
		defer wg.Done()
		cmd, resolveErr = o.resolver.Resolve(ctx, req)
	}()
	wg.Wait()

	if resolveErr != nil {
		span.SetStatus(codes.Error, resolveErr.Error())
		return nil, resolveErr
	}
	span.SetAttributes(attribute.String(attrNextStep, string(cmd.NextStep)))

	result := &Result{
		ID:          analysisID,
		Instruction: instruction,
		Mode:        mode,
	}

	switch cmd.NextStep {
	case resolver.StepNeedMoreInfo:
		result.Status = StatusNeedMoreInfo
		result.Message = cmd.Message
	case resolver.StepOutOfScope:
		result.Status = StatusOutOfScope
		result.Message = cmd.Message
	case resolver.StepExecute:
		if readyErr != nil {
			span.SetStatus(codes.Error, readyErr.Error())
			return nil, readyErr
		}
		if cmd.Command == nil || cmd.Command.Code == "" {
			err := fmt.Errorf("%w: %s answer without code", ErrMalformedCommand, cmd.NextStep)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if err := o.execute(ctx, rt, files, *cmd.Command, result); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if o.quota != nil {
			if err := o.quota.Record(ctx, id, mode); err != nil {
				log.Warnf("record quota for %s: %v", id.Key(), err)
			}
		}
	default:
		err := fmt.Errorf("%w: unknown step %q", ErrMalformedCommand, cmd.NextStep)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String(attrStatus, string(result.Status)))
	o.setResult(result)
	log.Infof("analysis %s finished: status=%s charts=%d files=%d",
		analysisID, result.Status, len(result.Charts), len(result.OutputFiles))
	return result, nil
}

// execute runs the command inside the capture scaffold and fills the
// result in place.
func (o *Orchestrator) execute(ctx context.Context, rt sandbox.Runtime, files []staging.File, cmd resolver.Command, result *Result) error {
	ctx, span := atrace.Tracer.Start(ctx, spanExecute)
	defer span.End()

	o.runMu.Lock()
	defer o.runMu.Unlock()

	// Every staged file is rewritten on every run: the runtime may have
	// rebooted since the last one, and earlier code may have mutated or
	// deleted an input copy.
	for _, f := range files {
		if err := rt.WriteFile(ctx, f.Name, f.Raw()); err != nil {
			return fmt.Errorf("materialize %s: %w", f.Name, err)
		}
	}

	out, err := rt.Run(ctx, capturePrologue)
	if err != nil {
		return fmt.Errorf("install capture: %w", err)
	}
	if out.Err != nil {
		return fmt.Errorf("install capture: %s: %s", out.Err.Name, out.Err.Message)
	}

	userOut, userErr := rt.Run(ctx, cmd.Code)

	// The epilogue always runs so the kernel's streams are restored
	// even when the user code raised or the channel hiccuped.
	harvestOut, harvestErr := rt.Run(ctx, captureEpilogue)
	if userErr != nil {
		return fmt.Errorf("run analysis code: %w", userErr)
	}
	if harvestErr != nil {
		return fmt.Errorf("restore capture: %w", harvestErr)
	}
	if harvestOut.Err != nil {
		return fmt.Errorf("restore capture: %s: %s", harvestOut.Err.Name, harvestOut.Err.Message)
	}

	var h harvest
	if err := json.Unmarshal([]byte(strings.TrimSpace(harvestOut.Stdout)), &h); err != nil {
		return fmt.Errorf("decode harvest: %w", err)
	}
	result.Output = h.Output
	result.Charts = h.Charts

	if userOut.Err != nil {
		result.Status = StatusError
		result.Error = userOut.Err
		return nil
	}
	result.Status = StatusSuccess

	// Readback is all-or-nothing: if any claimed file is missing the
	// whole set is dropped with a soft note on the captured output and
	// the textual result still stands.
	outputs := make([]OutputFile, 0, len(cmd.OutputFilename))
	for _, name := range cmd.OutputFilename {
		if _, staged := o.store.Get(name); staged {
			log.Warnf("output file %s shadows a staged input", name)
		}
		content, err := rt.ReadFile(ctx, name)
		if err != nil {
			log.Warnf("output file %s not readable: %v", name, err)
			result.Output += fmt.Sprintf("\noutput file %s was not produced", name)
			outputs = nil
			break
		}
		outputs = append(outputs, OutputFile{
			Filename: name,
			Content:  content,
			Size:     len(content),
		})
	}
	if len(outputs) > 0 {
		result.OutputFiles = outputs
	}

	if len(cmd.OutputFilename) == 0 {
		o.collectArtifacts(ctx, rt, result)
	}
	return nil
}

// artifactPatterns matches the spreadsheet files analysis code tends
// to write without the resolver declaring them.
var artifactPatterns = []string{"*.xlsx", "*.csv"}

// collectArtifacts reads back undeclared workspace artifacts from
// runtimes that can enumerate their files. Staged inputs are skipped;
// collected files are removed from the workspace so a later run does
// not report them again.
func (o *Orchestrator) collectArtifacts(ctx context.Context, rt sandbox.Runtime, result *Result) {
	col, ok := rt.(sandbox.Collector)
	if !ok {
		return
	}
	found, err := col.Collect(ctx, artifactPatterns)
	if err != nil {
		log.Warnf("collect workspace artifacts: %v", err)
		return
	}
	for _, cf := range found {
		if _, staged := o.store.Get(cf.Name); staged {
			continue
		}
		result.OutputFiles = append(result.OutputFiles, OutputFile{
			Filename: cf.Name,
			Content:  cf.Content,
			Size:     len(cf.Content),
		})
		if err := rt.RemoveFile(ctx, cf.Name); err != nil {
			log.Warnf("remove collected artifact %s: %v", cf.Name, err)
		}
	}
}

// tableInfo summarizes staged files for the resolver.
func tableInfo(files []staging.File) map[string]resolver.TableInfo {
	info := make(map[string]resolver.TableInfo, len(files))
	for _, f := range files {
		dtypes := make(map[string]string, len(f.Columns))
		for _, col := range f.Columns {
			dtypes[col.Name] = string(col.Type)
		}
		info[f.Name] = resolver.TableInfo{
			Dtypes:   dtypes,
			FileType: string(f.Kind),
		}
	}
	return info
}
