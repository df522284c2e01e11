//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package kernel runs analysis code in a Python kernel behind a local
// Jupyter kernel gateway. The gateway is started as a subprocess; a
// websocket channel to the kernel carries execute requests. A host
// workspace directory doubles as the kernel's working directory, so
// staged datasets and produced files are plain files under one root.
package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chatexcel/datalab/log"
	"github.com/chatexcel/datalab/sandbox"
)

// bootScript configures the kernel for headless analysis: pandas and
// numpy pre-imported, matplotlib forced onto the agg backend with the
// default figure geometry analyses expect.
const bootScript = `import pandas as pd
import numpy as np
import matplotlib
matplotlib.use('agg')
import matplotlib.pyplot as plt
plt.style.use('seaborn-v0_8')
plt.rcParams['figure.figsize'] = (10, 6)
plt.rcParams['figure.dpi'] = 100
`

// Option defines configuration options for Runtime.
type Option func(*Runtime)

// WithIP sets the IP address the kernel gateway binds to.
func WithIP(ip string) Option {
	return func(r *Runtime) {
		r.ip = ip
	}
}

// WithPort sets the port number of the kernel gateway.
func WithPort(port int) Option {
	return func(r *Runtime) {
		r.port = port
	}
}

// WithToken sets the authentication token for the kernel gateway.
func WithToken(token string) Option {
	return func(r *Runtime) {
		r.token = token
	}
}

// WithKernelName sets the kernel spec to launch.
func WithKernelName(kernelName string) Option {
	return func(r *Runtime) {
		r.kernelName = kernelName
	}
}

// WithLogFile sets the log file path for the kernel gateway.
func WithLogFile(logFile string) Option {
	return func(r *Runtime) {
		r.logFile = logFile
	}
}

// WithLogLevel sets the log level for the kernel gateway.
func WithLogLevel(logLevel string) Option {
	return func(r *Runtime) {
		r.logLevel = logLevel
	}
}

// WithStartTimeout sets the timeout for the gateway subprocess startup.
func WithStartTimeout(timeout time.Duration) Option {
	return func(r *Runtime) {
		r.startTimeout = timeout
	}
}

// WithWaitReadyTimeout sets the timeout for the kernel channel to be ready.
func WithWaitReadyTimeout(timeout time.Duration) Option {
	return func(r *Runtime) {
		r.waitReadyTimeout = timeout
	}
}

// WithRunTimeout caps the wall time of a single Run call. Zero means
// the caller's context alone bounds the run.
func WithRunTimeout(timeout time.Duration) Option {
	return func(r *Runtime) {
		r.runTimeout = timeout
	}
}

// WithWorkRoot sets the host directory shared with the kernel as its
// working directory. When empty a temporary directory is created.
func WithWorkRoot(dir string) Option {
	return func(r *Runtime) {
		r.workRoot = dir
	}
}

// WithPackages lists extra pip packages installed into the kernel
// environment at boot, e.g. plotly and openpyxl.
func WithPackages(packages ...string) Option {
	return func(r *Runtime) {
		r.packages = packages
	}
}

// Runtime executes analysis code in a kernel behind a local gateway.
type Runtime struct {
	sync.Mutex

	ip               string
	port             int
	token            string
	kernelName       string
	logFile          string
	logLevel         string
	logMaxBytes      int
	startTimeout     time.Duration
	waitReadyTimeout time.Duration
	runTimeout       time.Duration
	workRoot         string
	ownsWorkRoot     bool
	packages         []string
	subprocess       *exec.Cmd
	cli              *Client
	ctx              context.Context
	cancel           context.CancelFunc
}

var _ sandbox.Runtime = (*Runtime)(nil)
var _ sandbox.Collector = (*Runtime)(nil)

// Factory adapts New to the shape the sandbox manager boots with.
func Factory(opts ...Option) sandbox.Factory {
	return func(ctx context.Context) (sandbox.Runtime, error) {
		return New(ctx, opts...)
	}
}

// New starts the gateway subprocess, launches a kernel and runs the
// boot script. The returned Runtime is ready to execute code.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	procCtx, cancel := context.WithCancel(context.Background())

	r := &Runtime{
		ip:               "127.0.0.1",
		port:             8888,
		token:            generateToken(),
		kernelName:       "python3",
		logLevel:         "INFO",
		logMaxBytes:      1048576,
		startTimeout:     10 * time.Second,
		waitReadyTimeout: 10 * time.Second,
		runTimeout:       60 * time.Second,
		ctx:              procCtx,
		cancel:           cancel,
	}

	for _, opt := range opts {
		opt(r)
	}

	if err := r.checkGateway(); err != nil {
		cancel()
		return nil, err
	}

	if r.workRoot == "" {
		dir, err := os.MkdirTemp("", "datalab_ws_")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create work root: %w", err)
		}
		r.workRoot = dir
		r.ownsWorkRoot = true
	} else if err := os.MkdirAll(r.workRoot, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("create work root: %w", err)
	}

	loggingConfigJSON, err := json.Marshal(r.loggingConfig())
	if err != nil {
		r.cleanup()
		return nil, fmt.Errorf("failed to marshal logging config: %v", err)
	}

	args := []string{
		"-m", "jupyter", "kernelgateway",
		"--KernelGatewayApp.ip", r.ip,
		"--KernelGatewayApp.auth_token", r.token,
		"--JupyterApp.answer_yes", "true",
		"--JupyterApp.logging_config", string(loggingConfigJSON),
		"--JupyterWebsocketPersonality.list_kernels", "true",
	}
	if r.port != 0 {
		args = append(args, "--KernelGatewayApp.port", strconv.Itoa(r.port))
		args = append(args, "--KernelGatewayApp.port_retries", "0")
	}

	r.subprocess = exec.CommandContext(r.ctx, "python", args...)
	// Relative filenames in analysis code resolve against the shared
	// workspace directory.
	r.subprocess.Dir = r.workRoot

	buff := bytes.NewBuffer(make([]byte, 1024))
	r.subprocess.Stderr = buff

	if err := r.subprocess.Start(); err != nil {
		r.cleanup()
		return nil, fmt.Errorf("failed to start kernel gateway: %v", err)
	}

	if err := r.awaitGateway(ctx, buff); err != nil {
		r.cleanup()
		return nil, err
	}

	if err := r.bootKernel(ctx); err != nil {
		r.cleanup()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) loggingConfig() map[string]any {
	loggingConfig := map[string]any{
		"loggers": map[string]any{
			"KernelGatewayApp": map[string]any{
				"level":    r.logLevel,
				"handlers": []string{"console"},
			},
		},
	}
	if len(r.logFile) > 0 {
		loggingConfig["handlers"] = map[string]any{
			"file": map[string]any{
				"class":    "logging.handlers.RotatingFileHandler",
				"level":    r.logLevel,
				"maxBytes": r.logMaxBytes,
				"filename": r.logFile,
			},
		}
		loggingConfig["loggers"] = map[string]any{
			"KernelGatewayApp": map[string]any{
				"level":    r.logLevel,
				"handlers": []string{"file", "console"},
			},
		}
	}
	return loggingConfig
}

// awaitGateway scans the gateway's stderr until the server announces
// its address, errors out or the start timeout elapses.
func (r *Runtime) awaitGateway(ctx context.Context, buff *bytes.Buffer) error {
	timeout := time.After(r.startTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	scan := bufio.NewReader(buff)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("kernel gateway startup timeout")
		case <-ticker.C:
			if r.subprocess.ProcessState != nil && r.subprocess.ProcessState.Exited() {
				return fmt.Errorf("kernel gateway exited with code %d", r.subprocess.ProcessState.ExitCode())
			}
			line, _, _ := scan.ReadLine()
			if strings.Contains(string(line), "ERROR:") {
				errorInfo := strings.Split(string(line), "ERROR:")[1]
				return fmt.Errorf("kernel gateway error: %s", errorInfo)
			}
			if strings.Contains(string(line), "is available at") {
				return nil
			}
		}
	}
}

// bootKernel opens the kernel channel and runs package installs plus
// the boot script.
func (r *Runtime) bootKernel(ctx context.Context) error {
	cli, err := NewClient(ConnectionInfo{
		Host:             r.ip,
		Port:             r.port,
		Token:            r.token,
		KernelName:       r.kernelName,
		WaitReadyTimeout: r.waitReadyTimeout,
	})
	if err != nil {
		return err
	}
	r.cli = cli

	if len(r.packages) > 0 {
		install := silencePip("!pip install "+strings.Join(r.packages, " "), "python")
		if out, err := cli.Execute(ctx, install); err != nil {
			return fmt.Errorf("install packages: %w", err)
		} else if out.Err != nil {
			return fmt.Errorf("install packages: %s: %s", out.Err.Name, out.Err.Message)
		}
	}

	out, err := cli.Execute(ctx, bootScript)
	if err != nil {
		return fmt.Errorf("run boot script: %w", err)
	}
	if out.Err != nil {
		return fmt.Errorf("run boot script: %s: %s", out.Err.Name, out.Err.Message)
	}
	log.Debugf("kernel %s ready, workspace %s", r.kernelName, r.workRoot)
	return nil
}

// Run executes a single unit of Python source in the kernel.
func (r *Runtime) Run(ctx context.Context, source string) (sandbox.RunOutcome, error) {
	r.Lock()
	cli := r.cli
	r.Unlock()
	if cli == nil {
		return sandbox.RunOutcome{}, fmt.Errorf("kernel client not initialized")
	}
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}
	return cli.Execute(ctx, silencePip(source, "python"))
}

// checkGateway checks that the kernel gateway is installed.
func (r *Runtime) checkGateway() error {
	cmd := exec.Command("python", "-m", "jupyter", "kernelgateway", "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("kernel gateway is not installed. Please install it with `pip install jupyter_kernel_gateway`")
	}
	return nil
}

func (r *Runtime) cleanup() {
	r.cancel()
	if r.cli != nil && r.cli.ws != nil {
		r.cli.Close()
	}
	if r.subprocess != nil && r.subprocess.Process != nil {
		if err := r.subprocess.Process.Signal(syscall.SIGINT); err != nil {
			r.subprocess.Process.Kill()
		}
		r.subprocess.Wait()
	}
	if r.ownsWorkRoot && r.workRoot != "" {
		_ = os.RemoveAll(r.workRoot)
	}
	log.Debugf("kernel gateway stopped")
}

// Close shuts the kernel channel and the gateway subprocess down.
func (r *Runtime) Close(_ context.Context) error {
	r.cleanup()
	return nil
}

// silencePip quiets pip install lines so progress bars do not pollute
// captured output.
func silencePip(code string, lang string) string {
	var regexPattern string

	switch lang {
	case "python":
		regexPattern = `^! ?pip install`
	case "bash", "shell", "sh", "pwsh", "powershell", "ps1":
		regexPattern = `^pip install`
	default:
		return code
	}

	regex, err := regexp.Compile(regexPattern)
	if err != nil {
		return code
	}

	lines := strings.Split(code, "\n")

	for i, line := range lines {
		if regex.MatchString(line) && !strings.Contains(line, "-qqq") {
			matched := regex.FindString(line)
			if matched != "" {
				lines[i] = strings.Replace(line, matched, matched+" -qqq", 1)
			}
		}
	}

	return strings.Join(lines, "\n")
}

func generateToken() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, 32)
	for i := range b {
		b[i] = charset[src.Intn(len(charset))]
	}
	return string(b)
}
