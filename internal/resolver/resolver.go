// Package resolver provides a fast, cached phone-to-user lookup on top of
// internal/identity.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaysms/gateway/internal/identity"
)

// Identity is the narrow slice of internal/identity.Store the resolver
// needs, allowing tests to substitute a fake.
type Identity interface {
	FindUserByPhone(ctx context.Context, e164 string) (*identity.User, error)
}

// Result is what Resolve returns for a known, verified number.
type Result struct {
	UserID   int64
	Verified bool
}

type entry struct {
	result    *Result // nil means "known to not exist" (negative cache)
	expiresAt time.Time
}

// Resolver is a read-through cache over Identity with positive and
// negative TTLs, invalidated explicitly on mapping create/verify/delete.
type Resolver struct {
	identity Identity
	ttl      time.Duration
	negTTL   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// New builds a Resolver. ttl bounds how long a positive result is cached;
// negTTL bounds how long an unknown number's absence is cached.
func New(ident Identity, ttl, negTTL time.Duration) *Resolver {
	return &Resolver{
		identity: ident,
		ttl:      ttl,
		negTTL:   negTTL,
		entries:  make(map[string]entry),
	}
}

// Resolve looks up e164, which the caller must have already normalized —
// the resolver never normalizes on its own. Returns (nil, nil) for an
// unknown or unverified number.
func (r *Resolver) Resolve(ctx context.Context, e164 string) (*Result, error) {
	if res, ok := r.get(e164); ok {
		return res, nil
	}

	user, err := r.identity.FindUserByPhone(ctx, e164)
	if errors.Is(err, identity.ErrUserNotFound) {
		r.put(e164, nil)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := &Result{UserID: user.ID, Verified: true}
	r.put(e164, res)
	return res, nil
}

// Invalidate drops any cached entry for e164, used after a mapping is
// created, verified, or deleted so the next Resolve re-reads the store.
func (r *Resolver) Invalidate(e164 string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, e164)
}

func (r *Resolver) get(e164 string) (*Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[e164]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(r.entries, e164)
		return nil, false
	}
	return e.result, true
}

func (r *Resolver) put(e164 string, res *Result) {
	ttl := r.ttl
	if res == nil {
		ttl = r.negTTL
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e164] = entry{result: res, expiresAt: time.Now().Add(ttl)}
}
