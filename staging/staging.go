//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package staging holds raw uploaded file bytes in memory, keyed by
// filename, until the orchestrator materializes them into the sandbox
// filesystem. The store is the source of truth for file content; the
// sandbox only ever receives copies.
package staging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatexcel/datalab/schema"
)

// Batch admission bounds.
const (
	// MaxFiles caps how many files may be staged at once.
	MaxFiles = 5
	// MaxTotalBytes caps the cumulative size of all staged files.
	MaxTotalBytes = 100 << 20 // 100 MiB
)

// Admission failures. Both reject the entire batch; the staged set is
// never partially extended.
var (
	ErrTooManyFiles  = fmt.Errorf("at most %d files may be staged", MaxFiles)
	ErrBatchTooLarge = errors.New("staged files may not exceed 100 MiB in total")
	ErrNotFound      = errors.New("file not staged")
)

// File is one staged upload: immutable raw bytes plus the metadata the
// presentation layer lists.
type File struct {
	Name       string         `json:"name"`
	Size       int64          `json:"size"`
	MimeType   string         `json:"type"`
	Columns    schema.Columns `json:"dtypes"`
	Kind       schema.Kind    `json:"fileType"`
	UploadedAt time.Time      `json:"uploadedAt"`

	raw []byte
}

// NewFile builds a staged file from validated upload input.
func NewFile(name string, raw []byte, mimeType string, cols schema.Columns, kind schema.Kind) File {
	return File{
		Name:       name,
		Size:       int64(len(raw)),
		MimeType:   mimeType,
		Columns:    cols,
		Kind:       kind,
		UploadedAt: time.Now(),
		raw:        raw,
	}
}

// Raw returns the staged bytes. Callers must not mutate the slice.
func (f File) Raw() []byte { return f.raw }

// Store is the in-memory upload registry.
//
// It is internally locked: although one interactive client drives it,
// the HTTP boundary serves requests on arbitrary goroutines.
type Store struct {
	mu    sync.RWMutex
	files map[string]File
}

// New creates an empty Store.
func New() *Store {
	return &Store{files: make(map[string]File)}
}

// Add admits a batch of files, all or nothing. The count and size
// bounds are checked against the union of existing and incoming files
// before any file is staged; re-adding an existing name replaces it and
// only the replacement's size counts toward the bound.
func (s *Store) Add(batch []File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.files)
	var total int64
	for _, f := range s.files {
		total += f.Size
	}
	// Same name twice in one batch: later wins, count once, and only
	// the surviving occurrence's size goes toward the bound.
	seen := make(map[string]int64, len(batch))
	for _, f := range batch {
		if prev, dup := seen[f.Name]; dup {
			total -= prev
		} else if existing, ok := s.files[f.Name]; ok {
			total -= existing.Size
		} else {
			count++
		}
		seen[f.Name] = f.Size
		total += f.Size
	}
	if count > MaxFiles {
		return ErrTooManyFiles
	}
	if total > MaxTotalBytes {
		return ErrBatchTooLarge
	}

	for _, f := range batch {
		s.files[f.Name] = f
	}
	return nil
}

// Remove drops a staged file. Removing an unknown name returns
// ErrNotFound so callers can distinguish a stale delete.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return ErrNotFound
	}
	delete(s.files, name)
	return nil
}

// Get returns one staged file by name.
func (s *Store) Get(name string) (File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[name]
	return f, ok
}

// List returns the staged files ordered by upload time, then name for
// stability when several files land in the same batch.
func (s *Store) List() []File {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]File, 0, len(s.files))
	for _, f := range s.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out
}

// Len reports how many files are currently staged.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// TotalBytes reports the cumulative size of all staged files.
func (s *Store) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, f := range s.files {
		total += f.Size
	}
	return total
}
