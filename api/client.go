// Package api is the client side of the two backend endpoints this
// subsystem owns: session renewal and background session validation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	refreshPath = "/auth/refresh-token"
	mePath      = "/auth/me"

	// DefaultTimeout bounds every renewal and validation call. A call that
	// exceeds it resolves to failure; it is never retried in a tight loop.
	DefaultTimeout = 10 * time.Second

	// authRejectedMessage is the server's explicit revocation message. Any
	// 401 without it is reclassified as offline/degraded mode.
	authRejectedMessage = "Unauthorized Access"
)

// TokenPair is the renewal endpoint's response.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

func NewClient(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range options {
		opt(client)
	}
	return client
}

// RefreshSession exchanges the renewal credential for a fresh token pair.
// 401 responses are classified via the error taxonomy: ErrAuthRejected for
// the explicit revocation message, ErrRenewalRejected otherwise.
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, errors.Wrap(err, "[Client.RefreshSession] marshal")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "[Client.RefreshSession] NewRequest")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.RefreshSession] Do")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, c.classifyUnauthorized(resp.Body)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("[Client.RefreshSession] unexpected status %d", resp.StatusCode)
	}

	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return nil, errors.Wrap(err, "[Client.RefreshSession] decode")
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return nil, errors.Wrap(ErrMalformedResponse, "[Client.RefreshSession] missing token fields")
	}
	return &pair, nil
}

// Me fetches the current user profile as an opaque blob. Used only for
// background validation; callers never change auth state on its failure.
func (c *Client) Me(ctx context.Context, accessToken string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+mePath, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Me] NewRequest")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Me] Do")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, c.classifyUnauthorized(resp.Body)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("[Client.Me] unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Me] read body")
	}
	return json.RawMessage(raw), nil
}

func (c *Client) classifyUnauthorized(body io.Reader) error {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ErrRenewalRejected
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message == authRejectedMessage || payload.Error == authRejectedMessage {
			return ErrAuthRejected
		}
	}
	if strings.Contains(string(raw), authRejectedMessage) {
		return ErrAuthRejected
	}

	c.log.Debug().Msg("401 without explicit rejection message, treating as stale renewal token")
	return ErrRenewalRejected
}
