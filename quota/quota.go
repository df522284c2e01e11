//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package quota enforces per-identity monthly operation allowances.
// Signed-in users are keyed by user ID, anonymous visitors by client
// IP. Allowances reset at the start of each calendar month, UTC.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatexcel/datalab/resolver"
)

// ErrDenied reports an identity that has used up its allowance.
var ErrDenied = errors.New("operation quota exceeded")

// Tier is a subscription level.
type Tier string

const (
	TierGuest    Tier = "guest"
	TierBasic    Tier = "basic"
	TierPro      Tier = "pro"
	TierLifetime Tier = "lifetime"
)

// Limits is the monthly allowance of a tier per mode.
type Limits struct {
	Basic int
	Pro   int
}

// TierLimits returns the monthly allowance for a tier. Unknown tiers
// get the guest allowance.
func TierLimits(t Tier) Limits {
	switch t {
	case TierBasic:
		return Limits{Basic: 500, Pro: 0}
	case TierPro, TierLifetime:
		return Limits{Basic: 1000, Pro: 100}
	default:
		return Limits{Basic: 3, Pro: 0}
	}
}

// ForMode picks the allowance that applies to a mode.
func (l Limits) ForMode(mode resolver.Mode) int {
	if mode == resolver.ModePro {
		return l.Pro
	}
	return l.Basic
}

// Identity names who is asking. UserID wins when both are set.
type Identity struct {
	UserID   string
	ClientIP string
}

// Key returns the ledger key for the identity.
func (i Identity) Key() string {
	if i.UserID != "" {
		return "user:" + i.UserID
	}
	return "ip:" + i.ClientIP
}

// Anonymous reports whether the identity has no signed-in user.
func (i Identity) Anonymous() bool {
	return i.UserID == ""
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Used      int           `json:"used"`
	Remaining int           `json:"remaining"`
	Total     int           `json:"total"`
	Tier      Tier          `json:"tier"`
	Mode      resolver.Mode `json:"mode"`
}

// Checker answers quota questions and records spent operations.
type Checker interface {
	// Check reports whether the identity may run one more operation
	// in the given mode. A denied identity yields Allowed=false, not
	// an error; the error return is for ledger faults.
	Check(ctx context.Context, id Identity, mode resolver.Mode) (Decision, error)
	// Record charges one operation against the identity.
	Record(ctx context.Context, id Identity, mode resolver.Mode) error
}

// Deny wraps a denied decision into an ErrDenied error.
func Deny(d Decision) error {
	return fmt.Errorf("%w: %d/%d %s operations used this month (tier %s)",
		ErrDenied, d.Used, d.Total, d.Mode, d.Tier)
}
