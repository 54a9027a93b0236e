// Package authstate orchestrates session lifecycle: optimistic
// initialization from durable storage, throttled foreground revalidation,
// silent renewal hand-off, and logout detection. The machine never demotes
// to unauthenticated for network reasons — only explicit logout or an
// externally cleared store ends a session from here.
package authstate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/splitpal/go-session-client/cache"
	"github.com/splitpal/go-session-client/fetch"
	"github.com/splitpal/go-session-client/refresh"
	"github.com/splitpal/go-session-client/session"
	"github.com/splitpal/go-session-client/token"
)

const (
	// DefaultRevalidationThrottle skips foreground revalidation when the
	// last one was recent and the credential is healthy.
	DefaultRevalidationThrottle = 5 * time.Minute

	// DefaultLogoutPollInterval is how often the machine checks for an
	// externally cleared session while authenticated.
	DefaultLogoutPollInterval = 5 * time.Second
)

// Validator is the backend session-check used for background validation.
// Its failures never change auth state.
type Validator interface {
	Me(ctx context.Context, accessToken string) (json.RawMessage, error)
}

// Machine is the session state machine.
type Machine struct {
	store       *session.Store
	inspector   *token.Inspector
	coordinator *refresh.Coordinator
	validator   Validator

	memory        *cache.Memory
	loader        *fetch.Loader
	cachePrefixes []string
	fetchers      []fetch.Fetcher

	throttle     time.Duration
	pollInterval time.Duration
	nowFunc      func() time.Time
	log          zerolog.Logger

	mu            sync.Mutex
	state         State
	lastValidated time.Time
	listeners     []func(State)

	stopPoll chan struct{}
	pollDone sync.WaitGroup
	stopOnce sync.Once
}

type MachineOption func(*Machine)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) MachineOption {
	return func(m *Machine) {
		m.log = log
	}
}

func WithRevalidationThrottle(throttle time.Duration) MachineOption {
	return func(m *Machine) {
		m.throttle = throttle
	}
}

func WithLogoutPollInterval(interval time.Duration) MachineOption {
	return func(m *Machine) {
		m.pollInterval = interval
	}
}

// WithCacheInvalidation configures the cache and the key prefixes to
// invalidate after a successful renewal.
func WithCacheInvalidation(memory *cache.Memory, prefixes ...string) MachineOption {
	return func(m *Machine) {
		m.memory = memory
		m.cachePrefixes = prefixes
	}
}

// WithRefetch configures the loader and fetchers re-invoked after a
// successful renewal so dependent screens repopulate against fresh tokens.
func WithRefetch(loader *fetch.Loader, fetchers ...fetch.Fetcher) MachineOption {
	return func(m *Machine) {
		m.loader = loader
		m.fetchers = fetchers
	}
}

func NewMachine(store *session.Store, inspector *token.Inspector, coordinator *refresh.Coordinator, validator Validator, options ...MachineOption) (*Machine, error) {
	if store == nil {
		return nil, errors.New("[NewMachine] store is required")
	}
	if inspector == nil {
		return nil, errors.New("[NewMachine] inspector is required")
	}
	if coordinator == nil {
		return nil, errors.New("[NewMachine] coordinator is required")
	}
	if validator == nil {
		return nil, errors.New("[NewMachine] validator is required")
	}

	machine := &Machine{
		store:        store,
		inspector:    inspector,
		coordinator:  coordinator,
		validator:    validator,
		throttle:     DefaultRevalidationThrottle,
		pollInterval: DefaultLogoutPollInterval,
		nowFunc:      time.Now,
		log:          zerolog.Nop(),
		state:        StateInitializing,
		stopPoll:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(machine)
	}
	return machine, nil
}

// State returns the current auth state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers a listener invoked on every state transition.
func (m *Machine) OnChange(listener func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Bind subscribes the machine to an app-lifecycle notifier. Becoming active
// triggers foreground revalidation; becoming inactive is ignored here (the
// background scheduler owns that side).
func (m *Machine) Bind(notifier LifecycleNotifier) {
	notifier.Subscribe(func(active bool) {
		if active {
			m.HandleAppActive(context.Background())
		}
	})
}

// Initialize decides login status from durable storage alone — the app
// never blocks on network to show the signed-in UI. A stored, non-expired
// record flips straight to authenticated; validation then runs in the
// background and its failure changes nothing.
func (m *Machine) Initialize(ctx context.Context) {
	record, err := m.store.Load()
	if err != nil {
		// Storage failure at startup fails toward unauthenticated; the
		// same failure mid-session is ignored elsewhere.
		m.log.Warn().Err(err).Msg("session load failed during initialization")
		m.setState(StateUnauthenticated)
		return
	}
	if record == nil {
		m.setState(StateUnauthenticated)
		return
	}

	m.setState(StateAuthenticated)
	m.startLogoutPoll()

	// An urgent credential goes straight to renewal; validating it against
	// /auth/me would only bounce off a 401. Either way the signed-in UI is
	// already showing — nothing below blocks it.
	if m.inspector.Inspect(record.AccessToken).NeedsUrgentRefresh {
		go func() {
			if m.coordinator.Refresh(ctx) {
				m.invalidateAndRefetch(ctx)
				m.markValidated()
			}
		}()
		return
	}

	go m.validateInBackground(ctx, record)
}

// HandleAppActive is the foreground revalidation entry point, throttled so
// rapid app switching does not hammer the backend.
func (m *Machine) HandleAppActive(ctx context.Context) {
	if m.State() != StateAuthenticated {
		return
	}

	record, err := m.store.Load()
	if err != nil || record == nil {
		// Mid-session storage trouble is non-destructive; the logout poll
		// handles a genuinely cleared store.
		return
	}

	info := m.inspector.Inspect(record.AccessToken)

	m.mu.Lock()
	recentlyValidated := m.nowFunc().Sub(m.lastValidated) < m.throttle
	m.mu.Unlock()
	if recentlyValidated && !info.NeedsRefresh {
		m.log.Debug().Msg("foreground revalidation throttled")
		return
	}

	if info.NeedsUrgentRefresh {
		m.setState(StateRefreshing)
		if m.coordinator.Refresh(ctx) {
			m.invalidateAndRefetch(ctx)
			m.markValidated()
		}
		// Network failure never demotes; the next tick or foreground
		// event retries.
		m.setState(StateAuthenticated)
		return
	}

	go m.validateInBackground(ctx, record)
}

// Logout explicitly ends the session.
func (m *Machine) Logout() error {
	if err := m.store.Clear(); err != nil {
		return errors.Wrap(err, "[Machine.Logout] store.Clear")
	}
	m.setState(StateUnauthenticated)
	return nil
}

// Close stops the logout-detection poll.
func (m *Machine) Close() {
	m.stopOnce.Do(func() {
		close(m.stopPoll)
	})
	m.pollDone.Wait()
}

func (m *Machine) validateInBackground(ctx context.Context, record *session.Record) {
	user, err := m.validator.Me(ctx, record.AccessToken)
	if err != nil {
		m.log.Debug().Err(err).Msg("background validation failed, keeping state")
		return
	}

	m.markValidated()

	// Update only the stored user blob against the freshest record. A
	// renewal may have rotated the token pair while /auth/me was in flight,
	// so persisting the captured record would revert it.
	if err := m.store.UpdateUser(user); err != nil {
		m.log.Warn().Err(err).Msg("failed to persist validated user")
	}
}

func (m *Machine) invalidateAndRefetch(ctx context.Context) {
	if m.memory != nil {
		for _, prefix := range m.cachePrefixes {
			m.memory.InvalidatePrefix(prefix)
		}
	}
	if m.loader == nil {
		return
	}
	for _, fetcher := range m.fetchers {
		if _, err := m.loader.Load(ctx, fetcher); err != nil {
			m.log.Warn().Err(err).Str("domain", fetcher.Domain()).Msg("post-refresh refetch failed")
		}
	}
}

// startLogoutPoll watches for the session record being cleared by another
// code path (e.g. logout from a different surface) while authenticated.
func (m *Machine) startLogoutPoll() {
	m.pollDone.Add(1)
	go func() {
		defer m.pollDone.Done()
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.State() != StateAuthenticated {
					continue
				}
				exists, err := m.store.Exists()
				if err != nil {
					continue
				}
				if !exists {
					m.log.Info().Msg("session cleared externally")
					m.setState(StateUnauthenticated)
				}
			case <-m.stopPoll:
				return
			}
		}
	}()
}

func (m *Machine) markValidated() {
	m.mu.Lock()
	m.lastValidated = m.nowFunc()
	m.mu.Unlock()
}

func (m *Machine) setState(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	listeners := make([]func(State), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.log.Debug().Str("state", string(next)).Msg("auth state changed")
	for _, listener := range listeners {
		listener(next)
	}
}
