// Package cache holds the three client-side caching pieces: the policy that
// derives freshness from credential lifetime, a TTL'd in-memory response
// cache, and a TTL-less offline fallback store.
package cache

import (
	"time"

	"github.com/splitpal/go-session-client/token"
)

// CredentialFunc returns the current access credential, or "" when the user
// has no session.
type CredentialFunc func() string

// Policy decides cache freshness from the live credential state. The TTL is
// never a fixed business constant: it always equals the credential's
// remaining lifetime at call time, so no cached response can outlive the
// credential that authorized it.
type Policy struct {
	credential CredentialFunc
	inspector  *token.Inspector
}

func NewPolicy(credential CredentialFunc, inspector *token.Inspector) *Policy {
	return &Policy{
		credential: credential,
		inspector:  inspector,
	}
}

// ShouldBypassCache reports whether cached responses must be skipped: true
// when no credential is present or the credential needs an urgent refresh.
func (p *Policy) ShouldBypassCache() bool {
	credential := p.credential()
	if credential == "" {
		return true
	}
	return p.inspector.Inspect(credential).NeedsUrgentRefresh
}

// TTL returns the cache time-to-live derived from the credential's remaining
// lifetime, or 0 when the cache must be bypassed.
func (p *Policy) TTL() time.Duration {
	if p.ShouldBypassCache() {
		return 0
	}
	info := p.inspector.Inspect(p.credential())
	return time.Duration(info.MinutesUntilExpiry) * time.Minute
}
