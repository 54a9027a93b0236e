// Package fetch is the contract between domain data fetchers (groups,
// balances, ...) and the caching subsystem: consult the policy before
// fetching, keep the offline snapshot fed on success, and fall back to it
// when a live fetch fails.
package fetch

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/splitpal/go-session-client/cache"
)

// Fetcher retrieves one domain's aggregate data from the backend.
type Fetcher interface {
	Domain() string
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// Loader orchestrates a policy-aware fetch with offline fallback.
type Loader struct {
	policy  *cache.Policy
	memory  *cache.Memory
	offline *cache.Offline
	log     zerolog.Logger
}

type LoaderOption func(*Loader)

func WithLogger(log zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

func NewLoader(policy *cache.Policy, memory *cache.Memory, offline *cache.Offline, options ...LoaderOption) (*Loader, error) {
	if policy == nil || memory == nil || offline == nil {
		return nil, errors.New("[NewLoader] policy, memory and offline are required")
	}
	loader := &Loader{
		policy:  policy,
		memory:  memory,
		offline: offline,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(loader)
	}
	return loader, nil
}

// Load returns the freshest available data for the fetcher's domain:
// memory cache (unless bypassed), then a live fetch, then the offline
// snapshot. Only a non-empty live result is written back to either cache.
func (l *Loader) Load(ctx context.Context, fetcher Fetcher) (json.RawMessage, error) {
	domain := fetcher.Domain()

	if !l.policy.ShouldBypassCache() {
		if cached, ok := l.memory.Get(domain); ok {
			if value, ok := cached.(json.RawMessage); ok {
				return value, nil
			}
		}
	}

	value, err := fetcher.Fetch(ctx)
	if err == nil {
		l.memory.Set(domain, value, l.policy.TTL())
		if putErr := l.offline.Put(domain, value); putErr != nil {
			l.log.Warn().Err(putErr).Str("domain", domain).Msg("failed to store offline snapshot")
		}
		return value, nil
	}

	l.log.Warn().Err(err).Str("domain", domain).Msg("live fetch failed, consulting offline snapshot")
	snapshot, ok, snapErr := l.offline.Get(domain)
	if snapErr != nil {
		return nil, errors.Wrapf(err, "[Loader.Load] fetch %q failed and offline read errored (%v)", domain, snapErr)
	}
	if !ok {
		return nil, errors.Wrapf(err, "[Loader.Load] fetch %q failed with no offline snapshot", domain)
	}
	return snapshot, nil
}
