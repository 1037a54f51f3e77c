// Package api is the HTTP client for the store-operations backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/store-fulfillment/internal/credentials"
	"github.com/vasiliy-maslov/store-fulfillment/internal/order"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 64 << 10

	pathLogin   = "/store-managers/login"
	pathRefresh = "/auth/refresh"
)

var (
	ErrInvalidCredentials = errors.New("api: invalid credentials")
	ErrSessionExpired     = errors.New("api: session expired")
	// ErrNoDriversAvailable is the order package sentinel so callers can
	// match it from either side.
	ErrNoDriversAvailable = order.ErrNoDriversAvailable
)

// StatusError is returned for non-2xx responses that have no more specific
// meaning.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("api: unexpected status %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("api: unexpected status %d", e.StatusCode)
}

// Message extracts "error" or "message" from a JSON body, or returns the
// raw body text.
func (e *StatusError) Message() string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return e.Body
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	store      credentials.Store
	onLogout   func()
	refreshes  singleflight.Group
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogoutHandler registers fn to run once the session cannot be
// refreshed and stored credentials have been cleared.
func WithLogoutHandler(fn func()) Option {
	return func(c *Client) { c.onLogout = fn }
}

func NewClient(baseURL string, store credentials.Store, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		store:      store,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthHeaders returns the headers every authenticated request carries.
func (c *Client) AuthHeaders(ctx context.Context) (http.Header, error) {
	sess, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+sess.AccessToken)
	return h, nil
}

// do sends an authenticated request. A 401 triggers one shared token
// refresh and one retry. When the server rejects the refresh token the
// session is dropped and ErrSessionExpired is returned; transport failures
// and cancellation leave the session in place.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := encodeBody(body)
	if err != nil {
		return err
	}

	var token string
	if sess, err := c.store.Load(ctx); err == nil {
		token = sess.AccessToken
	} else if !errors.Is(err, credentials.ErrNoSession) {
		return fmt.Errorf("api: load credentials: %w", err)
	}

	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && path != pathLogin && path != pathRefresh {
		drainAndClose(resp)

		fresh, err := c.refresh(ctx, token)
		if err != nil {
			return err
		}

		resp, err = c.send(ctx, method, path, payload, fresh)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drainAndClose(resp)
			return ErrSessionExpired
		}
	}

	return decodeResponse(resp, out)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	return resp, nil
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// errRefreshRejected marks a refresh the server refused or that cannot be
// attempted at all. Only these end the session.
var errRefreshRejected = errors.New("refresh rejected")

// refresh exchanges the refresh token for a new access token. Concurrent
// callers share one request. A caller whose token was already replaced by
// an earlier refresh gets the current token without another round trip.
//
// The shared request is detached from the caller's context so a cancelled
// caller neither aborts it for the others nor signs the manager out. The
// session is cleared only when the server rejects the refresh token.
func (c *Client) refresh(ctx context.Context, staleToken string) (string, error) {
	ch := c.refreshes.DoChan("refresh", func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout())
		defer cancel()

		token, err := c.exchangeRefreshToken(refreshCtx, staleToken)
		if errors.Is(err, errRefreshRejected) {
			c.expire(refreshCtx, err)
		}
		return token, err
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("api: waiting for token refresh: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, errRefreshRejected) {
				return "", fmt.Errorf("%w: %v", ErrSessionExpired, res.Err)
			}
			return "", fmt.Errorf("api: token refresh: %w", res.Err)
		}
		return res.Val.(string), nil
	}
}

func (c *Client) refreshTimeout() time.Duration {
	if c.httpClient.Timeout > 0 {
		return c.httpClient.Timeout
	}
	return defaultTimeout
}

func (c *Client) exchangeRefreshToken(ctx context.Context, staleToken string) (string, error) {
	sess, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, credentials.ErrNoSession) {
			return "", fmt.Errorf("%w: %v", errRefreshRejected, err)
		}
		return "", fmt.Errorf("load credentials: %w", err)
	}
	if sess.AccessToken != "" && sess.AccessToken != staleToken {
		return sess.AccessToken, nil
	}
	if sess.RefreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token", errRefreshRejected)
	}

	payload, err := encodeBody(map[string]string{"refreshToken": sess.RefreshToken})
	if err != nil {
		return "", err
	}
	resp, err := c.send(ctx, http.MethodPost, pathRefresh, payload, "")
	if err != nil {
		return "", err
	}

	var rr refreshResponse
	if err := decodeResponse(resp, &rr); err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return "", fmt.Errorf("%w: %v", errRefreshRejected, err)
		}
		return "", err
	}
	if rr.AccessToken == "" {
		rr.AccessToken = rr.Token
	}
	if rr.AccessToken == "" {
		return "", errors.New("refresh response without access token")
	}

	sess.AccessToken = rr.AccessToken
	if rr.RefreshToken != "" {
		sess.RefreshToken = rr.RefreshToken
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return "", fmt.Errorf("save refreshed credentials: %w", err)
	}

	log.Debug().Str("manager_id", sess.Manager.ID).Msg("api: access token refreshed")
	return sess.AccessToken, nil
}

func (c *Client) expire(ctx context.Context, cause error) {
	log.Warn().Err(cause).Msg("api: token refresh rejected, signing out")
	if err := c.store.Clear(ctx); err != nil {
		log.Error().Err(err).Msg("api: failed to clear credentials")
	}
	if c.onLogout != nil {
		c.onLogout()
	}
}

func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("api: encode request: %w", err)
	}
	return b, nil
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// unwrap returns the payload of a {"data": ...} envelope, or raw itself
// when it carries none of the expected keys at top level.
func unwrap(raw json.RawMessage, keys ...string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	for _, k := range keys {
		if _, ok := obj[k]; ok {
			return raw
		}
	}
	if data, ok := obj["data"]; ok && len(data) > 0 && string(data) != "null" {
		return data
	}
	return raw
}
