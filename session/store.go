package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/splitpal/go-session-client/kvstore"
)

const (
	sessionKey     = "auth.session"
	lastRefreshKey = "auth.lastRefresh"
)

// Store persists the session Record in a key-value backend. Record
// operations are serialized by a mutex so a read-modify-write (such as a
// background user-blob update) can never revert a concurrent renewal's
// token rotation.
type Store struct {
	mu      sync.Mutex
	kv      kvstore.Store
	nowFunc func() time.Time
	log     zerolog.Logger
}

type StoreOption func(*Store)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = log
	}
}

func NewStore(kv kvstore.Store, options ...StoreOption) *Store {
	store := &Store{
		kv:      kv,
		nowFunc: time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(store)
	}
	return store
}

// Load returns the current session record, or nil when none exists. A record
// past MaxRecordAge is removed and reported as absent, even if its embedded
// credential claims a later expiry.
func (s *Store) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Save overwrites the current session record, stamping PersistedAt and
// assigning an ID when the record has none. PersistedAt restarts the
// absolute-age clock: login and renewal legitimately reset it.
func (s *Store) Save(record *Record) error {
	if record == nil {
		return errors.New("[Store.Save] record is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	record.PersistedAt = s.nowFunc()
	return s.persistLocked(record, "[Store.Save]")
}

// UpdateUser replaces only the stored user blob. Tokens, organizations and
// PersistedAt are left untouched, so a validation write neither reverts a
// rotated token pair nor extends the absolute age ceiling. A missing or
// expired record makes this a no-op.
func (s *Store) UpdateUser(user json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadLocked()
	if err != nil {
		return errors.Wrap(err, "[Store.UpdateUser] load")
	}
	if record == nil {
		return nil
	}
	record.User = user
	return s.persistLocked(record, "[Store.UpdateUser]")
}

// Clear destroys the session record and the last-refresh marker.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(sessionKey); err != nil {
		return errors.Wrap(err, "[Store.Clear] remove session")
	}
	if err := s.kv.Remove(lastRefreshKey); err != nil {
		return errors.Wrap(err, "[Store.Clear] remove last refresh")
	}
	return nil
}

// Exists reports whether a session record is present in the backend, without
// applying the age ceiling. Used by the logout-detection poll.
func (s *Store) Exists() (bool, error) {
	_, ok, err := s.kv.Get(sessionKey)
	if err != nil {
		return false, errors.Wrap(err, "[Store.Exists] kv.Get")
	}
	return ok, nil
}

// RecordRefresh persists the timestamp of the latest successful renewal.
func (s *Store) RecordRefresh() error {
	stamp := s.nowFunc().UTC().Format(time.RFC3339)
	if err := s.kv.Set(lastRefreshKey, stamp); err != nil {
		return errors.Wrap(err, "[Store.RecordRefresh] kv.Set")
	}
	return nil
}

// LastRefresh returns the timestamp of the latest successful renewal, or the
// zero time when no renewal has happened.
func (s *Store) LastRefresh() (time.Time, error) {
	raw, ok, err := s.kv.Get(lastRefreshKey)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "[Store.LastRefresh] kv.Get")
	}
	if !ok {
		return time.Time{}, nil
	}
	stamp, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "[Store.LastRefresh] parse")
	}
	return stamp, nil
}

func (s *Store) loadLocked() (*Record, error) {
	raw, ok, err := s.kv.Get(sessionKey)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.Load] kv.Get")
	}
	if !ok {
		return nil, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, errors.Wrap(err, "[Store.Load] unmarshal")
	}

	if s.nowFunc().Sub(record.PersistedAt) > MaxRecordAge {
		s.log.Info().Time("persistedAt", record.PersistedAt).Msg("session past absolute age ceiling, discarding")
		if err := s.kv.Remove(sessionKey); err != nil {
			s.log.Warn().Err(err).Msg("failed to remove expired session")
		}
		return nil, nil
	}

	return &record, nil
}

func (s *Store) persistLocked(record *Record, wrap string) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, wrap+" marshal")
	}
	if err := s.kv.Set(sessionKey, string(raw)); err != nil {
		return errors.Wrap(err, wrap+" kv.Set")
	}
	return nil
}
