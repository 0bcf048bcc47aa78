// Package platform establishes the ClearBlade session the broker connection
// authenticates with.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/setevik/logpublisher/internal/config"
)

// Session is the identity used for the MQTT connection.
type Session struct {
	Identity  string // device or service account name
	Token     string
	SystemKey string
}

// Authenticator obtains sessions from the platform's device auth endpoint.
type Authenticator struct {
	cfg    *config.Config
	client *http.Client
}

// NewAuthenticator creates an Authenticator for cfg.
func NewAuthenticator(cfg *config.Config) *Authenticator {
	return &Authenticator{
		cfg: cfg,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type deviceAuthRequest struct {
	DeviceName string `json:"deviceName"`
	ActiveKey  string `json:"activeKey"`
}

type deviceAuthResponse struct {
	DeviceToken string `json:"deviceToken"`
}

// Authenticate returns a session. A device ID is exchanged for a device token
// over HTTP; a service account already holds its token.
func (a *Authenticator) Authenticate(ctx context.Context) (*Session, error) {
	auth := a.cfg.Auth
	key := a.cfg.Platform.SystemKey

	if auth.DeviceID == "" {
		slog.Info("using service account token", "service_account", auth.ServiceAccount)
		return &Session{Identity: auth.ServiceAccount, Token: auth.ServiceAccountToken, SystemKey: key}, nil
	}

	body, err := json.Marshal(deviceAuthRequest{DeviceName: auth.DeviceID, ActiveKey: auth.ActiveKey})
	if err != nil {
		return nil, fmt.Errorf("encoding auth request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v/2/devices/%s/auth", a.cfg.HTTPAddr(), key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("ClearBlade-SystemKey", key)
	req.Header.Set("ClearBlade-SystemSecret", a.cfg.Platform.SystemSecret)

	if a.cfg.Log.CB {
		slog.Debug("platform request", "method", req.Method, "url", url, "device", auth.DeviceID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authenticating device %s: %w", auth.DeviceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("device auth returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out deviceAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding auth response: %w", err)
	}
	if out.DeviceToken == "" {
		return nil, fmt.Errorf("device auth response has no token")
	}

	slog.Info("device authenticated", "device", auth.DeviceID)
	return &Session{Identity: auth.DeviceID, Token: out.DeviceToken, SystemKey: key}, nil
}
