// Package token classifies the remaining lifetime of an access credential.
//
// The inspector reads the unverified expiry claim only. Signature and issuer
// validation are deliberately skipped on the client: the server is
// authoritative whenever the credential is actually used, so a local check
// would only duplicate work. What matters here is fail-closed behavior —
// anything that cannot be decoded is treated as already expired.
package token

import (
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Classification thresholds, in minutes of remaining credential lifetime.
const (
	RefreshThresholdMinutes = 60
	UrgentThresholdMinutes  = 5
)

// ExpiryInfo is the derived classification of an access credential.
// It is recomputed on demand and never persisted.
type ExpiryInfo struct {
	IsExpired          bool
	MinutesUntilExpiry int
	NeedsRefresh       bool
	NeedsUrgentRefresh bool
}

type Inspector struct {
	nowFunc func() time.Time
}

type InspectorOption func(*Inspector)

// WithNowFunc sets the now time function (primarily for testing)
func WithNowFunc(now func() time.Time) InspectorOption {
	return func(i *Inspector) {
		i.nowFunc = now
	}
}

func NewInspector(options ...InspectorOption) *Inspector {
	inspector := &Inspector{nowFunc: time.Now}
	for _, opt := range options {
		opt(inspector)
	}
	return inspector
}

// Inspect classifies the credential's remaining lifetime from its embedded
// expiry claim. Malformed or undecodable credentials are fully expired.
func (i *Inspector) Inspect(credential string) ExpiryInfo {
	if credential == "" {
		return expiredInfo()
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(credential, jwt.MapClaims{})
	if err != nil {
		return expiredInfo()
	}

	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return expiredInfo()
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		return expiredInfo()
	}

	remaining := time.Unix(int64(exp), 0).Sub(i.nowFunc())
	minutes := int(math.Floor(remaining.Minutes()))
	isExpired := minutes <= 0
	if minutes < 0 {
		minutes = 0
	}

	return ExpiryInfo{
		IsExpired:          isExpired,
		MinutesUntilExpiry: minutes,
		NeedsRefresh:       minutes < RefreshThresholdMinutes,
		NeedsUrgentRefresh: minutes < UrgentThresholdMinutes,
	}
}

func expiredInfo() ExpiryInfo {
	return ExpiryInfo{
		IsExpired:          true,
		MinutesUntilExpiry: 0,
		NeedsRefresh:       true,
		NeedsUrgentRefresh: true,
	}
}
