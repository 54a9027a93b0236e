package api

import "errors"

var (
	// ErrAuthRejected is the explicit "Unauthorized Access" server rejection.
	// It is the only condition allowed to surface a session-expired signal
	// to the user; everything else degrades to offline mode.
	ErrAuthRejected = errors.New("unauthorized access")

	// ErrRenewalRejected is any other 401 from the renewal endpoint. The
	// renewal credential is stale or offline-incompatible; the session is
	// kept and the user continues against cached data.
	ErrRenewalRejected = errors.New("renewal rejected")

	ErrMalformedResponse = errors.New("malformed response")
)
