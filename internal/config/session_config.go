package config

import "time"

type SessionConfig interface {
	GetSessionMaxAge() time.Duration
	GetRevalidationThrottle() time.Duration
	GetLogoutPollInterval() time.Duration
	GetBackgroundRefreshInterval() time.Duration
}

type Session struct{}

var _ SessionConfig = Session{}

func (Session) GetSessionMaxAge() time.Duration {
	return 7 * 24 * time.Hour // absolute ceiling, independent of credential claims
}

func (Session) GetRevalidationThrottle() time.Duration {
	return 5 * time.Minute
}

func (Session) GetLogoutPollInterval() time.Duration {
	return 5 * time.Second
}

func (Session) GetBackgroundRefreshInterval() time.Duration {
	return 15 * time.Minute // platform-documented minimum, OS may grant longer
}
