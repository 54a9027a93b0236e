// Package refresh renews the session silently against the backend. Renewal
// is single-flight: while one network call is outstanding, every concurrent
// caller awaits that same call and receives its result.
package refresh

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/splitpal/go-session-client/api"
	"github.com/splitpal/go-session-client/session"
)

const refreshFlightKey = "session-refresh"

// Renewer is the backend call the coordinator owns.
type Renewer interface {
	RefreshSession(ctx context.Context, refreshToken string) (*api.TokenPair, error)
}

// Coordinator performs single-flight silent renewal. Failures are never
// destructive: network absence must stay distinguishable from a revoked
// session, so the persisted record is left untouched on every error path.
type Coordinator struct {
	store   *session.Store
	renewer Renewer
	group   singleflight.Group
	log     zerolog.Logger

	// onSessionExpired is the narrow UI signal for the explicit
	// server-side rejection. It never mutates the store.
	onSessionExpired func()
}

type CoordinatorOption func(*Coordinator)

func WithLogger(log zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithSessionExpiredHandler installs the handler invoked on an explicit
// "Unauthorized Access" rejection from the backend.
func WithSessionExpiredHandler(handler func()) CoordinatorOption {
	return func(c *Coordinator) {
		c.onSessionExpired = handler
	}
}

func NewCoordinator(store *session.Store, renewer Renewer, options ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("[NewCoordinator] store is required")
	}
	if renewer == nil {
		return nil, errors.New("[NewCoordinator] renewer is required")
	}

	coordinator := &Coordinator{
		store:   store,
		renewer: renewer,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(coordinator)
	}
	return coordinator, nil
}

// Refresh renews the session and reports whether a new token pair was
// persisted. Concurrent callers share one outstanding network call and all
// observe the same outcome.
func (c *Coordinator) Refresh(ctx context.Context) bool {
	result, _, _ := c.group.Do(refreshFlightKey, func() (interface{}, error) {
		return c.doRefresh(ctx), nil
	})
	renewed, _ := result.(bool)
	return renewed
}

func (c *Coordinator) doRefresh(ctx context.Context) bool {
	record, err := c.store.Load()
	if err != nil {
		c.log.Warn().Err(err).Msg("refresh skipped, session load failed")
		return false
	}
	if record == nil || record.RefreshToken == "" {
		c.log.Debug().Msg("refresh skipped, no renewal credential")
		return false
	}

	pair, err := c.renewer.RefreshSession(ctx, record.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, api.ErrAuthRejected):
			// The one user-visible failure path. Signal only; the record
			// stays so cached data keeps rendering.
			c.log.Warn().Msg("renewal explicitly rejected by server")
			if c.onSessionExpired != nil {
				c.onSessionExpired()
			}
		case errors.Is(err, api.ErrRenewalRejected):
			c.log.Warn().Msg("renewal token stale or offline-incompatible, keeping session")
		default:
			c.log.Warn().Err(err).Msg("renewal failed, keeping session")
		}
		return false
	}

	renewed := &session.Record{
		ID:                    record.ID,
		User:                  record.User,
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		Organizations:         record.Organizations,
		CurrentOrganizationID: record.CurrentOrganizationID,
	}
	if err := c.store.Save(renewed); err != nil {
		c.log.Error().Err(err).Msg("failed to persist renewed session")
		return false
	}
	if err := c.store.RecordRefresh(); err != nil {
		c.log.Warn().Err(err).Msg("failed to record refresh timestamp")
	}

	c.log.Info().Msg("session renewed")
	return true
}
