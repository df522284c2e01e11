//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package quota

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/chatexcel/datalab/resolver"
)

const (
	defaultCheckTTL      = 30 * time.Second
	cacheCleanupInterval = 5 * time.Minute
)

// CachedChecker memoizes Check answers for a short window so bursts of
// requests from one identity do not hammer the ledger. Record drops
// the cached entry for the identity, keeping counts honest.
type CachedChecker struct {
	inner Checker
	cache *gocache.Cache
}

// NewCachedChecker wraps a checker with a ttl-bounded decision cache.
// A non-positive ttl falls back to the default.
func NewCachedChecker(inner Checker, ttl time.Duration) *CachedChecker {
	if ttl <= 0 {
		ttl = defaultCheckTTL
	}
	return &CachedChecker{
		inner: inner,
		cache: gocache.New(ttl, cacheCleanupInterval),
	}
}

func cacheKey(id Identity, mode resolver.Mode) string {
	return id.Key() + "|" + string(mode)
}

// Check implements Checker.
func (c *CachedChecker) Check(ctx context.Context, id Identity, mode resolver.Mode) (Decision, error) {
	key := cacheKey(id, mode)
	if v, ok := c.cache.Get(key); ok {
		return v.(Decision), nil
	}
	d, err := c.inner.Check(ctx, id, mode)
	if err != nil {
		return Decision{}, err
	}
	c.cache.SetDefault(key, d)
	return d, nil
}

// Record implements Checker.
func (c *CachedChecker) Record(ctx context.Context, id Identity, mode resolver.Mode) error {
	if err := c.inner.Record(ctx, id, mode); err != nil {
		return err
	}
	c.cache.Delete(cacheKey(id, mode))
	return nil
}
