// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

// Package auth gates privileged operations behind a shared secret.
package auth

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrLockedOut is returned when a connection has failed too many times, and must wait before trying again.
var ErrLockedOut = errors.New("too many failed attempts")

// Policy controls how repeated failures on one connection are slowed down.
// The zero Policy allows unlimited, immediate retries.
type Policy struct {
	// MaxFailures is the number of consecutive failures before the connection is locked out.
	// If 0, connections are never locked out.
	MaxFailures int

	// BaseDelay is the delay before replying to the first failure.
	// Each further consecutive failure doubles it, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Lockout is how long a connection is locked out after MaxFailures failures.
	Lockout time.Duration
}

// DefaultPolicy is used when no policy is configured.
var DefaultPolicy = Policy{
	MaxFailures: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Lockout:     time.Minute,
}

// Gate compares submitted secrets against the configured secret.
type Gate struct {
	secret []byte
	policy Policy
	now    func() time.Time
}

// NewGate makes a gate for secret.
func NewGate(secret string, policy Policy) *Gate {
	return &Gate{
		secret: []byte(secret),
		policy: policy,
		now:    time.Now,
	}
}

// State holds one connection's authentication state.
// Once authenticated, a State stays authenticated for the life of its connection.
type State struct {
	lock          sync.Mutex // Protects everything below
	authenticated bool
	failures      int
	lockedUntil   time.Time
}

// Authenticated reports whether the connection has authenticated.
func (st *State) Authenticated() bool {
	st.lock.Lock()
	defer st.lock.Unlock()
	return st.authenticated
}

// Failures returns the number of consecutive failed attempts.
func (st *State) Failures() int {
	st.lock.Lock()
	defer st.lock.Unlock()
	return st.failures
}

// Result is the outcome of an authentication attempt.
type Result struct {
	OK bool

	// Delay is how long the caller should wait before replying to a failed attempt.
	Delay time.Duration

	// LockedFor is the remaining lockout, if the connection is locked out.
	LockedFor time.Duration
}

// Authenticate checks submitted against the secret, and updates st.
// An error is only returned if st is locked out; a wrong secret is reported through Result.OK.
func (g *Gate) Authenticate(st *State, submitted string) (Result, error) {
	st.lock.Lock()
	defer st.lock.Unlock()

	if st.authenticated {
		return Result{OK: true}, nil
	}

	now := g.now()
	if now.Before(st.lockedUntil) {
		return Result{LockedFor: st.lockedUntil.Sub(now)}, ErrLockedOut
	}

	if g.Check(submitted) {
		st.authenticated = true
		st.failures = 0
		st.lockedUntil = time.Time{}
		return Result{OK: true}, nil
	}

	st.failures++
	res := Result{Delay: g.delay(st.failures)}
	if g.policy.MaxFailures > 0 && st.failures >= g.policy.MaxFailures {
		st.lockedUntil = now.Add(g.policy.Lockout)
		st.failures = 0
		res.LockedFor = g.policy.Lockout
	}
	return res, nil
}

// Check compares submitted against the secret without touching any connection state.
func (g *Gate) Check(submitted string) bool {
	if len(g.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(g.secret, []byte(submitted)) == 1
}

func (g *Gate) delay(failures int) time.Duration {
	if g.policy.BaseDelay <= 0 || failures <= 0 {
		return 0
	}
	d := g.policy.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if g.policy.MaxDelay > 0 && d >= g.policy.MaxDelay {
			return g.policy.MaxDelay
		}
	}
	if g.policy.MaxDelay > 0 && d > g.policy.MaxDelay {
		return g.policy.MaxDelay
	}
	return d
}
