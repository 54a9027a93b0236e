package cache

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/splitpal/go-session-client/kvstore"
)

const offlineKeyPrefix = "offline."

// Offline stores the last-known-good payload per domain concept ("groups",
// "userBalances", ...). It has no TTL: staleness is preferable to emptiness.
// Only a non-empty successful fetch may overwrite a stored snapshot; it is
// read only after a live fetch has failed.
type Offline struct {
	kv  kvstore.Store
	log zerolog.Logger
}

type OfflineOption func(*Offline)

func WithOfflineLogger(log zerolog.Logger) OfflineOption {
	return func(o *Offline) {
		o.log = log
	}
}

func NewOffline(kv kvstore.Store, options ...OfflineOption) *Offline {
	offline := &Offline{
		kv:  kv,
		log: zerolog.Nop(),
	}
	for _, opt := range options {
		opt(offline)
	}
	return offline
}

// Put stores a snapshot for domain. Empty payloads are dropped so that a
// failed or empty fetch can never clobber a previous good snapshot.
func (o *Offline) Put(domain string, value json.RawMessage) error {
	if isEmptyPayload(value) {
		o.log.Debug().Str("domain", domain).Msg("skipping empty snapshot write")
		return nil
	}
	if err := o.kv.Set(offlineKeyPrefix+domain, string(value)); err != nil {
		return errors.Wrap(err, "[Offline.Put] kv.Set")
	}
	return nil
}

// Get returns the last good snapshot for domain, ok=false when none exists.
func (o *Offline) Get(domain string) (json.RawMessage, bool, error) {
	raw, ok, err := o.kv.Get(offlineKeyPrefix + domain)
	if err != nil {
		return nil, false, errors.Wrap(err, "[Offline.Get] kv.Get")
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(raw), true, nil
}

// isEmptyPayload treats nil, whitespace, JSON null, and empty JSON
// collections as empty.
func isEmptyPayload(value json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(value))
	switch trimmed {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}
