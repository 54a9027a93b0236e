// Package scheduler hooks the silent-refresh coordinator up to OS-granted
// background wake-ups. The OS scheduler itself is an external collaborator
// modelled by the TaskScheduler interface; TickerScheduler is the in-process
// implementation used by desktop builds, demos, and tests.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/splitpal/go-session-client/refresh"
	"github.com/splitpal/go-session-client/session"
	"github.com/splitpal/go-session-client/token"
)

// TaskName identifies the one background task this subsystem registers.
const TaskName = "session-silent-refresh"

// MinInterval is the documented platform minimum between wake-ups. The OS
// may grant longer gaps; it never grants shorter ones.
const MinInterval = 15 * time.Minute

// TaskScheduler is the OS background-task collaborator.
type TaskScheduler interface {
	Register(name string, minInterval time.Duration, handler func(ctx context.Context)) error
	Unregister(name string) error
}

// BackgroundRefresher wakes while the app is backgrounded and renews the
// session only when the credential is urgently close to expiry.
type BackgroundRefresher struct {
	store       *session.Store
	inspector   *token.Inspector
	coordinator *refresh.Coordinator
	log         zerolog.Logger
}

type BackgroundRefresherOption func(*BackgroundRefresher)

func WithLogger(log zerolog.Logger) BackgroundRefresherOption {
	return func(b *BackgroundRefresher) {
		b.log = log
	}
}

func NewBackgroundRefresher(store *session.Store, inspector *token.Inspector, coordinator *refresh.Coordinator, options ...BackgroundRefresherOption) (*BackgroundRefresher, error) {
	if store == nil || inspector == nil || coordinator == nil {
		return nil, errors.New("[NewBackgroundRefresher] store, inspector and coordinator are required")
	}
	refresher := &BackgroundRefresher{
		store:       store,
		inspector:   inspector,
		coordinator: coordinator,
		log:         zerolog.Nop(),
	}
	for _, opt := range options {
		opt(refresher)
	}
	return refresher, nil
}

// Register attaches the wake handler to the given scheduler.
func (b *BackgroundRefresher) Register(s TaskScheduler) error {
	if err := s.Register(TaskName, MinInterval, b.Tick); err != nil {
		return errors.Wrap(err, "[BackgroundRefresher.Register] Register")
	}
	return nil
}

// Tick is one background wake-up. Independent of foreground events: it
// checks urgency and refreshes, nothing else.
func (b *BackgroundRefresher) Tick(ctx context.Context) {
	record, err := b.store.Load()
	if err != nil || record == nil {
		return
	}
	if !b.inspector.Inspect(record.AccessToken).NeedsUrgentRefresh {
		return
	}
	b.log.Debug().Msg("background tick: credential urgent, refreshing")
	if b.coordinator.Refresh(ctx) {
		b.log.Info().Msg("background refresh succeeded")
	}
}

var _ TaskScheduler = (*TickerScheduler)(nil)

// TickerScheduler drives registered tasks off a time.Ticker per task.
type TickerScheduler struct {
	mu    sync.Mutex
	tasks map[string]chan struct{}
}

func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{tasks: make(map[string]chan struct{})}
}

func (s *TickerScheduler) Register(name string, minInterval time.Duration, handler func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return errors.Errorf("[TickerScheduler.Register] task %q already registered", name)
	}

	stop := make(chan struct{})
	s.tasks[name] = stop

	go func() {
		ticker := time.NewTicker(minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				handler(context.Background())
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (s *TickerScheduler) Unregister(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop, exists := s.tasks[name]
	if !exists {
		return errors.Errorf("[TickerScheduler.Unregister] task %q not registered", name)
	}
	close(stop)
	delete(s.tasks, name)
	return nil
}
