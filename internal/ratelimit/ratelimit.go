// Package ratelimit enforces sliding-window invocation quotas per agent,
// skill action and credential source.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is wrapped by every *Denied.
var ErrRateLimited = errors.New("rate limited")

// ErrInvalidLimit is returned for a limit whose window is not positive.
var ErrInvalidLimit = errors.New("invalid rate limit")

// Limit allows Count acquisitions in any window of length Window.
type Limit struct {
	Count  int           `json:"count"`
	Window time.Duration `json:"window"`
}

func (l Limit) String() string {
	return fmt.Sprintf("%d/%s", l.Count, l.Window)
}

func (l Limit) check(k Key) error {
	if l.Window <= 0 {
		return fmt.Errorf("acquire %s: %w: window %s", k, ErrInvalidLimit, l.Window)
	}
	return nil
}

// Key identifies one quota.
type Key struct {
	AgentID          string
	Skill            string
	Action           string
	CredentialSource string
}

func (k Key) String() string {
	return k.AgentID + "|" + k.Skill + "|" + k.Action + "|" + k.CredentialSource
}

// Result is the outcome of one acquisition. Remaining is -1 when the key
// is unlimited.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Err turns a denied result into a *Denied for callers that propagate
// errors. It returns nil when the acquisition was allowed.
func (r Result) Err(k Key) error {
	if r.Allowed {
		return nil
	}
	return &Denied{Key: k, RetryAfter: r.RetryAfter}
}

// Denied reports an acquisition refused by a quota.
type Denied struct {
	Key        Key
	RetryAfter time.Duration
}

func (e *Denied) Error() string {
	return fmt.Sprintf("rate limited on %s %s: retry after %s", e.Key.Skill, e.Key.Action, e.RetryAfter.Round(time.Second))
}

func (e *Denied) Unwrap() error { return ErrRateLimited }

// Limiter acquires quota. A nil limit means unlimited and never mutates
// state. Denial is a Result, not an error; the error return is reserved
// for backend failures and for limits with a non-positive window.
type Limiter interface {
	TryAcquire(ctx context.Context, k Key, limit *Limit) (Result, error)
}

var unlimited = Result{Allowed: true, Remaining: -1}
