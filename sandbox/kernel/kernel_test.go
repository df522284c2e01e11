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
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions(t *testing.T) {
	r := &Runtime{}
	WithIP("0.0.0.0")(r)
	WithPort(9999)(r)
	WithToken("tok")(r)
	WithKernelName("python3")(r)
	WithLogFile("k.log")(r)
	WithLogLevel("DEBUG")(r)
	WithStartTimeout(5 * time.Second)(r)
	WithWaitReadyTimeout(7 * time.Second)(r)
	WithRunTimeout(30 * time.Second)(r)
	WithWorkRoot("/tmp/ws")(r)
	WithPackages("plotly", "openpyxl")(r)

	assert.Equal(t, "0.0.0.0", r.ip)
	assert.Equal(t, 9999, r.port)
	assert.Equal(t, "tok", r.token)
	assert.Equal(t, "python3", r.kernelName)
	assert.Equal(t, "k.log", r.logFile)
	assert.Equal(t, "DEBUG", r.logLevel)
	assert.Equal(t, 5*time.Second, r.startTimeout)
	assert.Equal(t, 7*time.Second, r.waitReadyTimeout)
	assert.Equal(t, 30*time.Second, r.runTimeout)
	assert.Equal(t, "/tmp/ws", r.workRoot)
	assert.Equal(t, []string{"plotly", "openpyxl"}, r.packages)
}

func Test_silencePip(t *testing.T) {
	tests := []struct {
		name string
		code string
		lang string
		want string
	}{
		{
			name: "python bang pip",
			code: "!pip install plotly",
			lang: "python",
			want: "!pip install -qqq plotly",
		},
		{
			name: "python spaced bang pip",
			code: "! pip install requests",
			lang: "python",
			want: "! pip install -qqq requests",
		},
		{
			name: "already quiet",
			code: "!pip install -qqq pandas",
			lang: "python",
			want: "!pip install -qqq pandas",
		},
		{
			name: "mixed lines",
			code: "!pip install a\nprint('hi')",
			lang: "python",
			want: "!pip install -qqq a\nprint('hi')",
		},
		{
			name: "bash pip",
			code: "pip install numpy",
			lang: "bash",
			want: "pip install -qqq numpy",
		},
		{
			name: "other language untouched",
			code: "pip install something",
			lang: "java",
			want: "pip install something",
		},
		{
			name: "empty code",
			code: "",
			lang: "python",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, silencePip(tt.code, tt.lang))
		})
	}
}

func Test_generateToken(t *testing.T) {
	token := generateToken()
	assert.Len(t, token, 32)
}

func TestBootScriptForcesHeadlessBackend(t *testing.T) {
	assert.Contains(t, bootScript, "matplotlib.use('agg')")
	assert.Contains(t, bootScript, "figure.figsize")
	assert.Contains(t, bootScript, "figure.dpi")
}

func TestRunWithoutClient(t *testing.T) {
	r := &Runtime{}
	_, err := r.Run(context.Background(), "print('x')")
	assert.Error(t, err)
}

func isGatewayInstalled() bool {
	cmd := exec.Command("python", "-m", "jupyter", "kernelgateway", "--version")
	return cmd.Run() == nil
}

func Test_checkGateway(t *testing.T) {
	r := &Runtime{}
	err := r.checkGateway()
	if !isGatewayInstalled() {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// Use a fake python on PATH to drive New() error branch and cleanup.
func TestNewWithFakePythonError(t *testing.T) {
	tmp := t.TempDir()
	fake := filepath.Join(tmp, "python")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$a\" = \"--version\" ]; then exit 0; fi\n" +
		"done\n" +
		"echo \"ERROR: boot failure\" 1>&2\n" +
		"sleep 1\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake python: %v", err)
	}
	oldPath := os.Getenv("PATH")
	_ = os.Setenv("PATH", tmp+string(os.PathListSeparator)+oldPath)
	defer os.Setenv("PATH", oldPath)

	_, err := New(
		context.Background(),
		WithStartTimeout(2*time.Second),
		WithWaitReadyTimeout(100*time.Millisecond),
		WithWorkRoot(filepath.Join(tmp, "ws")),
	)
	assert.Error(t, err)
}

// Timeout path: child stays alive, but we hit startup timeout first.
func TestNewWithFakePythonTimeout(t *testing.T) {
	tmp := t.TempDir()
	fake := filepath.Join(tmp, "python")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$a\" = \"--version\" ]; then exit 0; fi\n" +
		"done\n" +
		"sleep 2\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake python: %v", err)
	}
	oldPath := os.Getenv("PATH")
	_ = os.Setenv("PATH", tmp+string(os.PathListSeparator)+oldPath)
	defer os.Setenv("PATH", oldPath)

	_, err := New(
		context.Background(),
		WithStartTimeout(10*time.Millisecond),
		WithWaitReadyTimeout(10*time.Millisecond),
		WithWorkRoot(filepath.Join(tmp, "ws")),
	)
	assert.Error(t, err)
}

// Caller cancellation interrupts the startup wait.
func TestNewWithCanceledContext(t *testing.T) {
	tmp := t.TempDir()
	fake := filepath.Join(tmp, "python")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  if [ \"$a\" = \"--version\" ]; then exit 0; fi\n" +
		"done\n" +
		"sleep 2\n"
	if err := os.WriteFile(fake, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake python: %v", err)
	}
	oldPath := os.Getenv("PATH")
	_ = os.Setenv("PATH", tmp+string(os.PathListSeparator)+oldPath)
	defer os.Setenv("PATH", oldPath)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(
		ctx,
		WithStartTimeout(5*time.Second),
		WithWorkRoot(filepath.Join(tmp, "ws")),
	)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseWithoutSubprocess(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	r := &Runtime{cancel: cancel}
	assert.NoError(t, r.Close(context.Background()))
}
