package authstate_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/splitpal/go-session-client/api"
	"github.com/splitpal/go-session-client/authstate"
	"github.com/splitpal/go-session-client/cache"
	"github.com/splitpal/go-session-client/fetch"
	"github.com/splitpal/go-session-client/kvstore"
	"github.com/splitpal/go-session-client/kvstore/kvstorefakes"
	"github.com/splitpal/go-session-client/refresh"
	"github.com/splitpal/go-session-client/session"
	"github.com/splitpal/go-session-client/token"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mintCredential(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	credential, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": expiresAt.Unix()}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return credential
}

type fakeValidator struct {
	calls     atomic.Int64
	user      json.RawMessage
	err       error
	entered   chan struct{} // when set, closed once the first call starts
	release   chan struct{} // when set, calls block until it is closed
	enterOnce sync.Once
}

var _ authstate.Validator = (*fakeValidator)(nil)

func (v *fakeValidator) Me(ctx context.Context, accessToken string) (json.RawMessage, error) {
	v.calls.Add(1)
	if v.entered != nil {
		v.enterOnce.Do(func() { close(v.entered) })
	}
	if v.release != nil {
		<-v.release
	}
	return v.user, v.err
}

type fakeRenewer struct {
	calls atomic.Int64
	pair  *api.TokenPair
	err   error
}

var _ refresh.Renewer = (*fakeRenewer)(nil)

func (r *fakeRenewer) RefreshSession(ctx context.Context, refreshToken string) (*api.TokenPair, error) {
	r.calls.Add(1)
	return r.pair, r.err
}

type fakeNotifier struct {
	handler func(active bool)
}

var _ authstate.LifecycleNotifier = (*fakeNotifier)(nil)

func (n *fakeNotifier) Subscribe(handler func(active bool)) { n.handler = handler }

func (n *fakeNotifier) becomeActive() { n.handler(true) }

type stateRecorder struct {
	mu     sync.Mutex
	states []authstate.State
}

func (r *stateRecorder) record(state authstate.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) all() []authstate.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]authstate.State, len(r.states))
	copy(out, r.states)
	return out
}

// testClock is a mutex-guarded now source shared by fixture components.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type machineFixture struct {
	store       *session.Store
	validator   *fakeValidator
	renewer     *fakeRenewer
	coordinator *refresh.Coordinator
	machine     *authstate.Machine
	recorder    *stateRecorder
	clock       *testClock
}

func setupMachine(t *testing.T, accessToken string, options ...authstate.MachineOption) *machineFixture {
	t.Helper()

	f := &machineFixture{
		validator: &fakeValidator{user: json.RawMessage(`{"name":"John Doe"}`)},
		renewer:   &fakeRenewer{pair: &api.TokenPair{AccessToken: mintCredential(t, testNow.Add(2*time.Hour)), RefreshToken: "refresh-2"}},
		recorder:  &stateRecorder{},
		clock:     &testClock{now: testNow},
	}
	f.store = session.NewStore(kvstore.NewMemoryStore(), session.WithNowFunc(f.clock.Now))

	if accessToken != "" {
		require.NoError(t, f.store.Save(&session.Record{
			User:         json.RawMessage(`{"name":"stale"}`),
			AccessToken:  accessToken,
			RefreshToken: "refresh-1",
		}))
	}

	coordinator, err := refresh.NewCoordinator(f.store, f.renewer)
	require.NoError(t, err)
	f.coordinator = coordinator

	inspector := token.NewInspector(token.WithNowFunc(f.clock.Now))

	opts := append([]authstate.MachineOption{
		authstate.WithNowFunc(f.clock.Now),
	}, options...)
	machine, err := authstate.NewMachine(f.store, inspector, coordinator, f.validator, opts...)
	require.NoError(t, err)
	t.Cleanup(machine.Close)

	machine.OnChange(f.recorder.record)
	f.machine = machine
	return f
}

func TestInitializeWithoutSession(t *testing.T) {
	f := setupMachine(t, "")

	f.machine.Initialize(context.Background())

	require.Equal(t, authstate.StateUnauthenticated, f.machine.State())
	require.Equal(t, int64(0), f.validator.calls.Load())
}

func TestInitializeOptimisticallyAuthenticates(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(2*time.Hour)))

	f.machine.Initialize(context.Background())

	// Login status is decided from storage alone, before any network call.
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())

	// Background validation then refreshes the stored user fields.
	require.Eventually(t, func() bool {
		record, err := f.store.Load()
		return err == nil && record != nil && string(record.User) == `{"name":"John Doe"}`
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())
}

func TestInitializeValidationFailureKeepsState(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(2*time.Hour)))
	f.validator.err = errors.New("network unreachable")

	f.machine.Initialize(context.Background())

	require.Eventually(t, func() bool { return f.validator.calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())

	record, err := f.store.Load()
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"stale"}`, string(record.User))
}

func TestInitializeStorageErrorFailsTowardUnauthenticated(t *testing.T) {
	kv := kvstorefakes.NewFakeStore()
	kv.GetErr = errors.New("keychain unavailable")
	store := session.NewStore(kv)

	validator := &fakeValidator{}
	coordinator, err := refresh.NewCoordinator(store, &fakeRenewer{})
	require.NoError(t, err)
	machine, err := authstate.NewMachine(store, token.NewInspector(), coordinator, validator)
	require.NoError(t, err)
	t.Cleanup(machine.Close)

	machine.Initialize(context.Background())

	require.Equal(t, authstate.StateUnauthenticated, machine.State())
}

func TestInitializeExpiredRecordIsAbsent(t *testing.T) {
	// Credential claims two more hours, but the record is 8 days old.
	f := setupMachine(t, mintCredential(t, testNow.Add(8*24*time.Hour+2*time.Hour)))
	f.clock.Set(testNow.Add(8 * 24 * time.Hour))

	f.machine.Initialize(context.Background())

	require.Equal(t, authstate.StateUnauthenticated, f.machine.State())
}

func TestForegroundUrgentRefresh(t *testing.T) {
	memory := cache.NewMemory()
	memory.Set("groups.list", "cached", time.Hour)
	memory.Set("userBalances.org-1", "cached", time.Hour)
	memory.Set("profile.me", "cached", time.Hour)

	// Healthy at initialization; urgent by the time the app foregrounds.
	credential := mintCredential(t, testNow.Add(2*time.Hour))

	groupsFetcher := &recordingFetcher{domain: "groups"}
	balancesFetcher := &recordingFetcher{domain: "userBalances"}

	var f *machineFixture
	inspector := token.NewInspector(token.WithNowFunc(func() time.Time { return f.clock.Now() }))
	policy := cache.NewPolicy(func() string { return credential }, inspector)
	offline := cache.NewOffline(kvstore.NewMemoryStore())
	loader, err := fetch.NewLoader(policy, memory, offline)
	require.NoError(t, err)

	f = setupMachine(t, credential,
		authstate.WithCacheInvalidation(memory, "groups", "userBalances"),
		authstate.WithRefetch(loader, groupsFetcher, balancesFetcher),
	)
	f.validator.err = errors.New("network unreachable") // keep init validation inert

	f.machine.Initialize(context.Background())
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())

	// Backgrounded for long enough that only one minute remains.
	f.clock.Set(testNow.Add(2*time.Hour - time.Minute))
	f.machine.HandleAppActive(context.Background())

	require.Equal(t, authstate.StateAuthenticated, f.machine.State())
	require.Equal(t, int64(1), f.renewer.calls.Load())
	require.Contains(t, f.recorder.all(), authstate.StateRefreshing)

	// Known prefixes were invalidated, unrelated keys survive.
	_, ok := memory.Get("profile.me")
	require.True(t, ok)
	require.Equal(t, 1, groupsFetcher.calls)
	require.Equal(t, 1, balancesFetcher.calls)

	// The renewed tokens are persisted.
	record, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "refresh-2", record.RefreshToken)
}

func TestForegroundRefreshFailureStaysAuthenticated(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(2*time.Hour)))
	f.validator.err = errors.New("network unreachable")
	f.renewer.pair = nil
	f.renewer.err = errors.New("connection refused")

	f.machine.Initialize(context.Background())
	f.clock.Set(testNow.Add(2*time.Hour - time.Minute))
	f.machine.HandleAppActive(context.Background())

	// Never demoted for network reasons.
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())
	require.Contains(t, f.recorder.all(), authstate.StateRefreshing)

	record, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "refresh-1", record.RefreshToken)
}

func TestForegroundThrottleSkipsRecentValidation(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(3*time.Hour)))

	f.machine.Initialize(context.Background())
	// Wait for the full background validation, including the user save
	// that follows the validated-at stamp.
	require.Eventually(t, func() bool {
		record, err := f.store.Load()
		return err == nil && record != nil && string(record.User) == `{"name":"John Doe"}`
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), f.validator.calls.Load())

	// Two minutes later, credential healthy: skipped.
	f.clock.Set(testNow.Add(2 * time.Minute))
	f.machine.HandleAppActive(context.Background())
	require.Equal(t, int64(1), f.validator.calls.Load())

	// Past the throttle window it validates again.
	f.clock.Set(testNow.Add(10 * time.Minute))
	f.machine.HandleAppActive(context.Background())
	require.Eventually(t, func() bool { return f.validator.calls.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestLogout(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(2*time.Hour)))
	f.validator.err = errors.New("network unreachable")

	f.machine.Initialize(context.Background())
	require.NoError(t, f.machine.Logout())

	require.Equal(t, authstate.StateUnauthenticated, f.machine.State())
	record, err := f.store.Load()
	require.NoError(t, err)
	require.Nil(t, record)
}

func TestLogoutPollDetectsExternalClear(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(2*time.Hour)),
		authstate.WithLogoutPollInterval(10*time.Millisecond),
	)
	f.validator.err = errors.New("network unreachable")

	f.machine.Initialize(context.Background())
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())

	// Another code path clears the session behind the machine's back.
	require.NoError(t, f.store.Clear())

	require.Eventually(t, func() bool {
		return f.machine.State() == authstate.StateUnauthenticated
	}, time.Second, 10*time.Millisecond)
}

func TestBindLifecycleNotifier(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(2*time.Hour)))
	f.validator.err = errors.New("network unreachable")

	notifier := &fakeNotifier{}
	f.machine.Bind(notifier)

	f.machine.Initialize(context.Background())
	f.clock.Set(testNow.Add(2*time.Hour - time.Minute))
	notifier.becomeActive()

	require.Equal(t, int64(1), f.renewer.calls.Load())
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())
}

func TestInitializeUrgentCredentialRefreshesInBackground(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(time.Minute)))

	f.machine.Initialize(context.Background())

	// Signed-in immediately, renewal follows behind.
	require.Equal(t, authstate.StateAuthenticated, f.machine.State())
	require.Eventually(t, func() bool {
		record, err := f.store.Load()
		return err == nil && record != nil && record.RefreshToken == "refresh-2"
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), f.validator.calls.Load())
}

func TestValidationOverlappingRenewalKeepsRotatedTokens(t *testing.T) {
	f := setupMachine(t, mintCredential(t, testNow.Add(90*time.Minute)))
	f.validator.entered = make(chan struct{})
	f.validator.release = make(chan struct{})

	f.machine.Initialize(context.Background())
	select {
	case <-f.validator.entered:
	case <-time.After(time.Second):
		t.Fatal("background validation never started")
	}

	// A renewal rotates the token pair while /auth/me is still in flight.
	require.True(t, f.coordinator.Refresh(context.Background()))
	record, err := f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "refresh-2", record.RefreshToken)

	close(f.validator.release)

	// The validation write lands against the freshest record: user updated,
	// rotated tokens intact.
	require.Eventually(t, func() bool {
		record, err := f.store.Load()
		return err == nil && record != nil && string(record.User) == `{"name":"John Doe"}`
	}, time.Second, 10*time.Millisecond)

	record, err = f.store.Load()
	require.NoError(t, err)
	require.Equal(t, "refresh-2", record.RefreshToken)
	require.Equal(t, f.renewer.pair.AccessToken, record.AccessToken)
}

type recordingFetcher struct {
	domain string
	calls  int
}

var _ fetch.Fetcher = (*recordingFetcher)(nil)

func (f *recordingFetcher) Domain() string { return f.domain }

func (f *recordingFetcher) Fetch(ctx context.Context) (json.RawMessage, error) {
	f.calls++
	return json.RawMessage(`[{"fresh":true}]`), nil
}
