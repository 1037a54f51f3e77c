package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vasiliy-maslov/store-fulfillment/internal/credentials"
)

type loginResponse struct {
	Token        string              `json:"token"`
	AccessToken  string              `json:"accessToken"`
	RefreshToken string              `json:"refreshToken"`
	Manager      credentials.Manager `json:"manager"`
}

// Login signs the manager in and stores the resulting session.
func (c *Client) Login(ctx context.Context, username, password string) (credentials.Manager, error) {
	var raw json.RawMessage
	err := c.do(ctx, http.MethodPost, pathLogin, map[string]string{
		"username": username,
		"password": password,
	}, &raw)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
			return credentials.Manager{}, ErrInvalidCredentials
		}
		return credentials.Manager{}, err
	}

	var lr loginResponse
	if err := json.Unmarshal(unwrap(raw, "token", "accessToken"), &lr); err != nil {
		return credentials.Manager{}, fmt.Errorf("api: decode login response: %w", err)
	}
	if lr.Token == "" {
		lr.Token = lr.AccessToken
	}
	if lr.Token == "" {
		return credentials.Manager{}, errors.New("api: login response without token")
	}

	sess := credentials.Session{
		AccessToken:  lr.Token,
		RefreshToken: lr.RefreshToken,
		Manager:      lr.Manager,
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return credentials.Manager{}, fmt.Errorf("api: save credentials: %w", err)
	}
	return lr.Manager, nil
}

// Logout drops the stored session. The server keeps no session state.
func (c *Client) Logout(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// CurrentManager returns the manager of the stored session.
func (c *Client) CurrentManager(ctx context.Context) (credentials.Manager, error) {
	sess, err := c.store.Load(ctx)
	if err != nil {
		return credentials.Manager{}, err
	}
	return sess.Manager, nil
}

type DeviceInfo struct {
	Platform  string    `json:"platform"`
	Timestamp time.Time `json:"timestamp"`
}

type pushRegistration struct {
	StoreManagerID string     `json:"storeManagerId"`
	StoreID        string     `json:"storeId"`
	PushToken      string     `json:"pushToken"`
	DeviceInfo     DeviceInfo `json:"deviceInfo"`
}

// RegisterPushToken associates a device push token with the signed-in
// manager and their store.
func (c *Client) RegisterPushToken(ctx context.Context, pushToken, platform string) error {
	m, err := c.CurrentManager(ctx)
	if err != nil {
		return fmt.Errorf("api: register push token: %w", err)
	}

	body := pushRegistration{
		StoreManagerID: m.ID,
		StoreID:        m.StoreID,
		PushToken:      pushToken,
		DeviceInfo:     DeviceInfo{Platform: platform, Timestamp: time.Now().UTC()},
	}
	return c.do(ctx, http.MethodPost, "/store-managers/"+url.PathEscape(m.ID)+"/register-token", body, nil)
}
