//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatexcel/datalab/log"
)

const defaultBootTimeout = 30 * time.Second

// Factory builds the runtime on first use. It must perform the full
// bootstrap (interpreter load, package installs, prelude) before
// returning; a returned runtime is ready to run code.
type Factory func(ctx context.Context) (Runtime, error)

// Manager owns the process-wide runtime singleton.
//
// EnsureReady memoizes one runtime and shares a single in-flight
// initialization among concurrent callers: N callers racing before the
// first bootstrap completes all await the same attempt and observe the
// same result. A failed attempt resets the manager so the next call
// retries from scratch instead of reusing a half-initialized runtime.
type Manager struct {
	factory     Factory
	bootTimeout time.Duration

	mu       sync.Mutex
	rt       Runtime
	initDone chan struct{} // non-nil while a bootstrap is in flight
	initErr  error

	pending []pendingFile
}

type pendingFile struct {
	name string
	data []byte
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBootTimeout bounds how long one bootstrap attempt may take.
func WithBootTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.bootTimeout = d }
}

// NewManager creates a Manager around a runtime factory.
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory:     factory,
		bootTimeout: defaultBootTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureReady returns the running runtime, booting it on first call.
func (m *Manager) EnsureReady(ctx context.Context) (Runtime, error) {
	m.mu.Lock()
	if m.rt != nil {
		rt := m.rt
		m.mu.Unlock()
		return rt, nil
	}
	if m.initDone == nil {
		m.initDone = make(chan struct{})
		m.initErr = nil
		// The bootstrap deliberately detaches from the caller's context:
		// the attempt is shared, so one caller giving up must not abort
		// it for the others. The boot timeout bounds it instead.
		go m.bootstrap()
	}
	done := m.initDone
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initErr != nil {
		return nil, m.initErr
	}
	return m.rt, nil
}

func (m *Manager) bootstrap() {
	ctx, cancel := context.WithTimeout(context.Background(), m.bootTimeout)
	defer cancel()

	start := time.Now()
	rt, err := m.factory(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(m.initDone)
	defer func() { m.initDone = nil }()

	if err != nil {
		m.initErr = fmt.Errorf("%w: %v", ErrInitFailed, err)
		log.Errorf("sandbox bootstrap failed after %v: %v", time.Since(start), err)
		return
	}

	// Files staged while the bootstrap was in flight are written into
	// the fresh runtime exactly once, then the queue is dropped.
	for _, pf := range m.pending {
		if werr := rt.WriteFile(ctx, pf.name, pf.data); werr != nil {
			m.initErr = fmt.Errorf("%w: stage queued file %q: %v", ErrInitFailed, pf.name, werr)
			_ = rt.Close(ctx)
			return
		}
	}
	m.pending = nil

	m.rt = rt
	log.Infof("sandbox ready in %v", time.Since(start))
}

// Enqueue stages a file for the runtime. When the runtime is already
// up the write happens immediately; otherwise the bytes are queued and
// flushed once the bootstrap finishes.
func (m *Manager) Enqueue(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	if m.rt == nil {
		for i := range m.pending {
			if m.pending[i].name == name {
				m.pending[i].data = data
				m.mu.Unlock()
				return nil
			}
		}
		m.pending = append(m.pending, pendingFile{name: name, data: data})
		m.mu.Unlock()
		return nil
	}
	rt := m.rt
	m.mu.Unlock()
	return rt.WriteFile(ctx, name, data)
}

// Discard removes a file from the runtime filesystem, or from the
// pending queue when the runtime has not started. Best-effort: a file
// the sandbox never saw is not an error.
func (m *Manager) Discard(ctx context.Context, name string) {
	m.mu.Lock()
	if m.rt == nil {
		kept := m.pending[:0]
		for _, pf := range m.pending {
			if pf.name != name {
				kept = append(kept, pf)
			}
		}
		m.pending = kept
		m.mu.Unlock()
		return
	}
	rt := m.rt
	m.mu.Unlock()
	if err := rt.RemoveFile(ctx, name); err != nil {
		log.Debugf("sandbox discard %q: %v", name, err)
	}
}

// Ready reports whether a runtime is currently memoized.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt != nil
}

// Shutdown closes the runtime, if any, and forgets it. A later
// EnsureReady boots a fresh one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	rt := m.rt
	m.rt = nil
	m.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Close(ctx)
}
