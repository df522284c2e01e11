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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatexcel/datalab/quota"
	"github.com/chatexcel/datalab/resolver"
	"github.com/chatexcel/datalab/sandbox"
	"github.com/chatexcel/datalab/schema"
	"github.com/chatexcel/datalab/staging"
)

// scriptedRuntime answers the capture scaffold like a live kernel:
// the prologue and epilogue succeed, the user code gets the scripted
// outcome, and the epilogue prints the scripted harvest.
type scriptedRuntime struct {
	mu        sync.Mutex
	files     map[string][]byte
	removed   []string
	userRuns  []string
	userOut   sandbox.RunOutcome
	userErr   error
	harvested harvest
	collected []sandbox.CollectedFile
}

func newScriptedRuntime() *scriptedRuntime {
	return &scriptedRuntime{files: map[string][]byte{}}
}

func (r *scriptedRuntime) WriteFile(_ context.Context, name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[name] = data
	return nil
}

func (r *scriptedRuntime) ReadFile(_ context.Context, name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[name]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

func (r *scriptedRuntime) RemoveFile(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, name)
	r.removed = append(r.removed, name)
	return nil
}

func (r *scriptedRuntime) Collect(_ context.Context, _ []string) ([]sandbox.CollectedFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collected, nil
}

func (r *scriptedRuntime) Run(_ context.Context, source string) (sandbox.RunOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch source {
	case capturePrologue:
		return sandbox.RunOutcome{}, nil
	case captureEpilogue:
		payload, err := json.Marshal(r.harvested)
		if err != nil {
			return sandbox.RunOutcome{}, err
		}
		return sandbox.RunOutcome{Stdout: string(payload) + "\n"}, nil
	default:
		r.userRuns = append(r.userRuns, source)
		return r.userOut, r.userErr
	}
}

// Close wipes the filesystem so a re-boot starts empty, like a fresh
// kernel workspace.
func (r *scriptedRuntime) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = map[string][]byte{}
	return nil
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	last  resolver.AnalysisRequest
	cmd   resolver.ResolvedCommand
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, req resolver.AnalysisRequest) (resolver.ResolvedCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	return f.cmd, f.err
}

type fakeQuota struct {
	decision quota.Decision
	checkErr error
	records  int
}

func (f *fakeQuota) Check(_ context.Context, _ quota.Identity, mode resolver.Mode) (quota.Decision, error) {
	d := f.decision
	d.Mode = mode
	return d, f.checkErr
}

func (f *fakeQuota) Record(_ context.Context, _ quota.Identity, _ resolver.Mode) error {
	f.records++
	return nil
}

func salesFile() staging.File {
	return staging.NewFile(
		"sales.csv",
		[]byte("region,revenue\nwest,10.5\n"),
		"text/csv",
		schema.Columns{
			{Name: "region", Type: schema.TypeString},
			{Name: "revenue", Type: schema.TypeFloat},
		},
		schema.KindCSV,
	)
}

type fixture struct {
	orch  *Orchestrator
	store *staging.Store
	mgr   *sandbox.Manager
	rt    *scriptedRuntime
	res   *fakeResolver
	quota *fakeQuota
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt := newScriptedRuntime()
	store := staging.New()
	mgr := sandbox.NewManager(func(_ context.Context) (sandbox.Runtime, error) {
		return rt, nil
	})
	res := &fakeResolver{}
	q := &fakeQuota{decision: quota.Decision{Allowed: true, Total: 3, Tier: quota.TierGuest}}
	return &fixture{
		orch:  New(store, mgr, res, WithQuota(q)),
		store: store,
		mgr:   mgr,
		rt:    rt,
		res:   res,
		quota: q,
	}
}

func (f *fixture) stage(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orch.AddFiles(context.Background(), []staging.File{salesFile()}))
}

func TestAnalyzeWithoutFiles(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Analyze(context.Background(), "sum revenue", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	assert.ErrorIs(t, err, ErrNoFilesStaged)
	assert.Zero(t, f.res.calls, "nothing may go on the wire without staged files")
}

func TestAnalyzeExecute(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepExecute,
		Command: &resolver.Command{
			Code:           "result = df.groupby('region')['revenue'].sum()\nresult.to_excel('result.xlsx')\nprint(result)",
			OutputFilename: []string{"result.xlsx"},
		},
	}
	f.rt.harvested = harvest{
		Output: "west    10.5\n",
		Charts: []Chart{{Kind: ChartMatplotlib, Data: "iVBORw0KGgo="}},
	}
	f.rt.files["result.xlsx"] = []byte("workbook-bytes")

	res, err := f.orch.Analyze(context.Background(), "sum revenue by region", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "west    10.5\n", res.Output)
	require.Len(t, res.Charts, 1)
	assert.Equal(t, ChartMatplotlib, res.Charts[0].Kind)
	require.Len(t, res.OutputFiles, 1)
	assert.Equal(t, "result.xlsx", res.OutputFiles[0].Filename)
	assert.Equal(t, []byte("workbook-bytes"), res.OutputFiles[0].Content)
	assert.Equal(t, len("workbook-bytes"), res.OutputFiles[0].Size)

	// One user run, bracketed by the scaffold.
	require.Len(t, f.rt.userRuns, 1)
	assert.Contains(t, f.rt.userRuns[0], "groupby")

	assert.Equal(t, 1, f.quota.records)
	assert.Equal(t, res, f.orch.Result())
}

func TestAnalyzeSendsTableSchemas(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{NextStep: resolver.StepOutOfScope, Message: "nope"}

	_, err := f.orch.Analyze(context.Background(), "tell me a joke", resolver.ModePro, quota.Identity{UserID: "u1"})
	require.NoError(t, err)

	req := f.res.last
	assert.Equal(t, "tell me a joke", req.UserInput)
	assert.Equal(t, resolver.ModePro, req.Mode)
	info, ok := req.TableInfo["sales.csv"]
	require.True(t, ok)
	assert.Equal(t, "csv", info.FileType)
	assert.Equal(t, map[string]string{"region": "string", "revenue": "float64"}, info.Dtypes)
}

func TestAnalyzeNeedMoreInfo(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepNeedMoreInfo,
		Message:  "which column holds the revenue?",
	}

	res, err := f.orch.Analyze(context.Background(), "sum it", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, StatusNeedMoreInfo, res.Status)
	assert.Equal(t, "which column holds the revenue?", res.Message)
	assert.Empty(t, f.rt.userRuns, "clarifications must not execute code")
	assert.Zero(t, f.quota.records, "clarifications are free")
}

func TestAnalyzeOutOfScope(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepOutOfScope,
		Message:  "this is not a data analysis request",
	}

	res, err := f.orch.Analyze(context.Background(), "write a poem", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, StatusOutOfScope, res.Status)
	assert.Empty(t, f.rt.userRuns)
}

func TestAnalyzeUserCodeRaises(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepExecute,
		Command:  &resolver.Command{Code: "df['missing'].sum()"},
	}
	f.rt.userOut = sandbox.RunOutcome{
		Err: &sandbox.RunError{Name: "KeyError", Message: "'missing'"},
	}
	f.rt.harvested = harvest{Output: "partial output\n"}

	res, err := f.orch.Analyze(context.Background(), "sum missing", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "KeyError", res.Error.Name)
	// Output captured before the raise still surfaces.
	assert.Equal(t, "partial output\n", res.Output)
	assert.Empty(t, res.OutputFiles)
}

func TestAnalyzeOutputFileMissing(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepExecute,
		Command: &resolver.Command{
			Code:           "print('done')",
			OutputFilename: []string{"never_written.xlsx"},
		},
	}
	f.rt.harvested = harvest{Output: "done\n"}

	res, err := f.orch.Analyze(context.Background(), "export", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.OutputFiles)
	// The note lands on the captured output, not the message.
	assert.Contains(t, res.Output, "never_written.xlsx was not produced")
	assert.Empty(t, res.Message)
}

func TestAnalyzeOutputFilesAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepExecute,
		Command: &resolver.Command{
			Code:           "export()",
			OutputFilename: []string{"a.xlsx", "b.xlsx"},
		},
	}
	f.rt.harvested = harvest{Output: "done\n"}
	f.rt.files["a.xlsx"] = []byte("first")

	res, err := f.orch.Analyze(context.Background(), "export both", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.OutputFiles, "one missing file drops the whole set")
	assert.Contains(t, res.Output, "b.xlsx was not produced")
}

func TestAnalyzeMaterializesStagedFilesEveryRun(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepExecute,
		Command:  &resolver.Command{Code: "print(df)"},
	}

	// A previous run mangled the sandbox copy of the input.
	f.rt.files["sales.csv"] = []byte("garbage")

	_, err := f.orch.Analyze(context.Background(), "show the table", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, salesFile().Raw(), f.rt.files["sales.csv"], "staged bytes must be rewritten before the run")
}

func TestAnalyzeMaterializesAfterRuntimeReboot(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepExecute,
		Command:  &resolver.Command{Code: "print(df)"},
	}

	_, err := f.orch.Analyze(context.Background(), "show the table", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)

	// The runtime goes away; the pending queue was already flushed, so
	// only per-run materialization can repopulate the fresh workspace.
	require.NoError(t, f.mgr.Shutdown(context.Background()))
	require.NotContains(t, f.rt.files, "sales.csv")

	_, err = f.orch.Analyze(context.Background(), "show the table", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, salesFile().Raw(), f.rt.files["sales.csv"])
}

func TestAnalyzeCollectsUndeclaredArtifacts(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{
		NextStep: resolver.StepExecute,
		Command:  &resolver.Command{Code: "df.to_excel('summary.xlsx')"},
	}
	f.rt.harvested = harvest{Output: ""}
	f.rt.collected = []sandbox.CollectedFile{
		{Name: "summary.xlsx", Content: []byte("workbook-bytes")},
		{Name: "sales.csv", Content: []byte("region,revenue\nwest,10.5\n")},
	}

	res, err := f.orch.Analyze(context.Background(), "export a summary", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	// The staged input is not an artifact; the fresh workbook is, and
	// it is pruned from the workspace once read back.
	require.Len(t, res.OutputFiles, 1)
	assert.Equal(t, "summary.xlsx", res.OutputFiles[0].Filename)
	assert.Equal(t, []byte("workbook-bytes"), res.OutputFiles[0].Content)
	assert.Contains(t, f.rt.removed, "summary.xlsx")
	assert.NotContains(t, f.rt.removed, "sales.csv")
}

func TestAnalyzeQuotaDenied(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.quota.decision = quota.Decision{Allowed: false, Used: 3, Total: 3, Tier: quota.TierGuest}

	_, err := f.orch.Analyze(context.Background(), "sum revenue", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	assert.ErrorIs(t, err, quota.ErrDenied)
	assert.Zero(t, f.res.calls, "denied requests must not reach the resolver")
}

func TestAnalyzeResolverUnavailable(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.err = resolver.ErrServiceUnavailable

	_, err := f.orch.Analyze(context.Background(), "sum revenue", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	assert.ErrorIs(t, err, resolver.ErrServiceUnavailable)
	assert.Nil(t, f.orch.Result())
}

func TestAnalyzeExecuteWithoutCode(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{NextStep: resolver.StepExecute}

	_, err := f.orch.Analyze(context.Background(), "sum revenue", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	assert.ErrorIs(t, err, ErrMalformedCommand)
}

func TestAddFilesForwardsToSandbox(t *testing.T) {
	f := newFixture(t)
	f.stage(t)

	// The sandbox was not booted yet; the file waits in the queue and
	// lands on first use.
	_, err := f.orch.Analyze(context.Background(), "sum", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.Error(t, err) // resolver answers zero value next step
	assert.Equal(t, []byte("region,revenue\nwest,10.5\n"), f.rt.files["sales.csv"])
}

func TestRemoveLastFileClearsResult(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	f.res.cmd = resolver.ResolvedCommand{NextStep: resolver.StepOutOfScope, Message: "no"}

	_, err := f.orch.Analyze(context.Background(), "x", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)
	require.NotNil(t, f.orch.Result())

	require.NoError(t, f.orch.RemoveFile(context.Background(), "sales.csv"))
	assert.Nil(t, f.orch.Result())
	assert.Empty(t, f.orch.Files())
}

func TestRemoveOneOfManyKeepsResult(t *testing.T) {
	f := newFixture(t)
	f.stage(t)
	other := staging.NewFile("users.csv", []byte("id\n1\n"), "text/csv",
		schema.Columns{{Name: "id", Type: schema.TypeInt}}, schema.KindCSV)
	require.NoError(t, f.orch.AddFiles(context.Background(), []staging.File{other}))

	f.res.cmd = resolver.ResolvedCommand{NextStep: resolver.StepOutOfScope, Message: "no"}
	_, err := f.orch.Analyze(context.Background(), "x", resolver.ModeBasic, quota.Identity{ClientIP: "1.2.3.4"})
	require.NoError(t, err)

	require.NoError(t, f.orch.RemoveFile(context.Background(), "users.csv"))
	assert.NotNil(t, f.orch.Result())
	assert.Len(t, f.orch.Files(), 1)
}
