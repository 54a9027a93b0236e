// Package session persists the current login session. Exactly one session
// record exists at a time; it is created on login, overwritten in place on
// every silent renewal, and destroyed on explicit logout or when it exceeds
// the absolute age ceiling.
package session

import (
	"encoding/json"
	"time"
)

// MaxRecordAge is the absolute ceiling on session validity. A record older
// than this is treated as non-existent regardless of what the embedded
// credential claims.
const MaxRecordAge = 7 * 24 * time.Hour

// Organization is one group the user belongs to.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Record is the persisted session. User is an opaque profile blob owned by
// the backend; this subsystem stores and echoes it without interpretation.
type Record struct {
	ID                    string          `json:"id"`
	User                  json.RawMessage `json:"user"`
	AccessToken           string          `json:"accessToken"`
	RefreshToken          string          `json:"refreshToken,omitempty"`
	Organizations         []Organization  `json:"organizations"`
	CurrentOrganizationID string          `json:"currentOrganizationId"`
	PersistedAt           time.Time       `json:"persistedAt"`
}
