package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

// clientHost is a placeholder authority; the transport always dials the socket.
const clientHost = "echidnad"

// Client talks to the control API over its unix socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient creates a client for the daemon listening on socketPath.
func NewClient(socketPath string, timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		http:       &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, want ...int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+clientHost+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", c.socketPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return data, nil
		}
	}

	var apiErr ErrorResponse
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
	}
	return nil, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, want ...int) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	data, err := c.do(ctx, method, path, body, want...)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) accepted(ctx context.Context, path string, in any) (bool, error) {
	var resp AcceptedResponse
	// 503 carries {"accepted":false} when the privileged queue refuses the job.
	if err := c.doJSON(ctx, http.MethodPost, path, in, &resp, http.StatusAccepted, http.StatusServiceUnavailable); err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// InstallModule queues module installation.
func (c *Client) InstallModule(ctx context.Context, path string) (bool, error) {
	return c.accepted(ctx, "/v1/module/install", InstallRequest{Path: path})
}

// UninstallModule queues module removal.
func (c *Client) UninstallModule(ctx context.Context) (bool, error) {
	return c.accepted(ctx, "/v1/module/uninstall", nil)
}

// RefreshStatus queues a status refresh.
func (c *Client) RefreshStatus(ctx context.Context) (bool, error) {
	return c.accepted(ctx, "/v1/module/refresh", nil)
}

// ModuleStatus returns the cached module status.
func (c *Client) ModuleStatus(ctx context.Context) (*domain.ModuleStatus, error) {
	var status domain.ModuleStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/module/status", nil, &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

// Whitelist returns the process whitelist.
func (c *Client) Whitelist(ctx context.Context) (map[string]bool, error) {
	whitelist := map[string]bool{}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/whitelist", nil, &whitelist, http.StatusOK); err != nil {
		return nil, err
	}
	return whitelist, nil
}

// UpdateWhitelist toggles the engine for a process.
func (c *Client) UpdateWhitelist(ctx context.Context, process string, enabled bool) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/whitelist/"+url.PathEscape(process), EnabledBody{Enabled: enabled}, nil, http.StatusNoContent)
}

// PushProfile uploads a profile document and returns the store's classification.
func (c *Client) PushProfile(ctx context.Context, id string, profile []byte) (string, error) {
	data, err := c.do(ctx, http.MethodPut, "/v1/profiles/"+url.PathEscape(id), bytes.NewReader(profile), http.StatusAccepted)
	if err != nil {
		return "", err
	}
	var resp SaveResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// ListProfiles returns stored profile ids.
func (c *Client) ListProfiles(ctx context.Context) ([]string, error) {
	var resp ProfilesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/profiles", nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

// ResolveProfile returns a stored profile document.
func (c *Client) ResolveProfile(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/profiles/"+url.PathEscape(id), nil, http.StatusOK)
}

// DeleteProfile removes a profile.
func (c *Client) DeleteProfile(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/profiles/"+url.PathEscape(id), nil, http.StatusNoContent)
	return err
}

// TelemetrySnapshot returns the full local snapshot JSON.
func (c *Client) TelemetrySnapshot(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/telemetry", nil, http.StatusOK)
}

// TelemetryOptIn reports export consent.
func (c *Client) TelemetryOptIn(ctx context.Context) (bool, error) {
	var body EnabledBody
	if err := c.doJSON(ctx, http.MethodGet, "/v1/telemetry/optin", nil, &body, http.StatusOK); err != nil {
		return false, err
	}
	return body.Enabled, nil
}

// SetTelemetryOptIn records export consent and returns the resulting state.
func (c *Client) SetTelemetryOptIn(ctx context.Context, enabled bool) (bool, error) {
	var body EnabledBody
	if err := c.doJSON(ctx, http.MethodPut, "/v1/telemetry/optin", EnabledBody{Enabled: enabled}, &body, http.StatusOK); err != nil {
		return false, err
	}
	return body.Enabled, nil
}

// ExportTelemetry returns the consent-gated export.
func (c *Client) ExportTelemetry(ctx context.Context, includeTrends bool) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/telemetry/export?trends="+strconv.FormatBool(includeTrends), nil, http.StatusOK)
}

// History returns recent privileged operations.
func (c *Client) History(ctx context.Context, limit int) ([]domain.JournalEntry, error) {
	var resp HistoryResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/history?limit="+strconv.Itoa(limit), nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// WatchTelemetry streams snapshots to fn until ctx is canceled or fn returns false.
func (c *Client) WatchTelemetry(ctx context.Context, fn func(payload []byte) bool) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+clientHost+"/v1/telemetry/stream", &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: c.http.Transport},
	})
	if err != nil {
		return fmt.Errorf("failed to open telemetry stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !fn(data) {
			return conn.Close(websocket.StatusNormalClosure, "")
		}
	}
}
