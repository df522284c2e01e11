//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package sqlite persists the quota ledger in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatexcel/datalab/quota"
	"github.com/chatexcel/datalab/resolver"
)

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	identity   TEXT NOT NULL,
	mode       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_identity_created
	ON operations(identity, created_at);

CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	tier       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS guest_users (
	identity      TEXT PRIMARY KEY,
	first_seen_at TEXT NOT NULL,
	last_seen_at  TEXT NOT NULL
);
`

// Store is a sqlite-backed quota ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ quota.Checker = (*Store)(nil)

// Open opens (and migrates) the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetTier upserts a user's subscription tier.
func (s *Store) SetTier(ctx context.Context, userID string, tier quota.Tier) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(user_id, tier, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	tier=excluded.tier,
	updated_at=excluded.updated_at
`, userID, string(tier), ts(s.now()))
	if err != nil {
		return fmt.Errorf("upsert user tier: %w", err)
	}
	return nil
}

// Check implements quota.Checker. Anonymous identities get their
// last-seen timestamp refreshed as a side effect.
func (s *Store) Check(ctx context.Context, id quota.Identity, mode resolver.Mode) (quota.Decision, error) {
	tier, err := s.lookupTier(ctx, id)
	if err != nil {
		return quota.Decision{}, err
	}
	if id.Anonymous() {
		if err := s.touchGuest(ctx, id); err != nil {
			return quota.Decision{}, err
		}
	}

	used, err := s.countSince(ctx, id.Key(), string(mode), monthStart(s.now()))
	if err != nil {
		return quota.Decision{}, err
	}

	total := quota.TierLimits(tier).ForMode(mode)
	remaining := total - used
	if remaining < 0 {
		remaining = 0
	}
	return quota.Decision{
		Allowed:   used < total,
		Used:      used,
		Remaining: remaining,
		Total:     total,
		Tier:      tier,
		Mode:      mode,
	}, nil
}

// Record implements quota.Checker.
func (s *Store) Record(ctx context.Context, id quota.Identity, mode resolver.Mode) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO operations(identity, mode, created_at) VALUES (?, ?, ?)
`, id.Key(), string(mode), ts(s.now()))
	if err != nil {
		return fmt.Errorf("record operation: %w", err)
	}
	return nil
}

func (s *Store) lookupTier(ctx context.Context, id quota.Identity) (quota.Tier, error) {
	if id.Anonymous() {
		return quota.TierGuest, nil
	}
	var tier string
	err := s.db.QueryRowContext(ctx, `
SELECT tier FROM users WHERE user_id = ?
`, id.UserID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		// Signed in but never subscribed.
		return quota.TierGuest, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup tier: %w", err)
	}
	return quota.Tier(tier), nil
}

func (s *Store) touchGuest(ctx context.Context, id quota.Identity) error {
	now := ts(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO guest_users(identity, first_seen_at, last_seen_at)
VALUES (?, ?, ?)
ON CONFLICT(identity) DO UPDATE SET
	last_seen_at=excluded.last_seen_at
`, id.Key(), now, now)
	if err != nil {
		return fmt.Errorf("touch guest: %w", err)
	}
	return nil
}

func (s *Store) countSince(ctx context.Context, identity, mode string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM operations
WHERE identity = ? AND mode = ? AND created_at >= ?
`, identity, mode, ts(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}

// monthStart returns the UTC start of t's calendar month.
func monthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ts renders timestamps at fixed width so lexical comparison matches
// time order.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
