package hypermangle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ControlClient talks to a running gateway over its control socket.
type ControlClient struct {
	socketPath string
	token      string
	http       *http.Client
}

// NewControlClient creates a client for the socket at socketPath.
func NewControlClient(socketPath, token string) *ControlClient {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &ControlClient{
		socketPath: socketPath,
		token:      token,
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
				DisableKeepAlives: true,
			},
		},
	}
}

// Status fetches the gateway status.
func (c *ControlClient) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// ID returns the PID of the running gateway. It is used to detect an
// instance that already owns the socket.
func (c *ControlClient) ID(ctx context.Context) (int, error) {
	var out IDResponse
	err := c.do(ctx, http.MethodGet, "/id", nil, &out)
	return out.PID, err
}

// Reload asks the gateway to re-read its rule file, or to apply payload
// when it is non-empty.
func (c *ControlClient) Reload(ctx context.Context, payload []byte) (ReloadStatus, error) {
	var out ReloadStatus
	err := c.do(ctx, http.MethodPost, "/reload", payload, &out)
	return out, err
}

// Renew forces a certificate order for hostname.
func (c *ControlClient) Renew(ctx context.Context, hostname string) (OrderStatus, error) {
	var out OrderStatus
	err := c.do(ctx, http.MethodPost, "/renew/"+url.PathEscape(hostname), nil, &out)
	return out, err
}

func (c *ControlClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://control"+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/toml")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control socket %s: %w", c.socketPath, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxReloadPayload))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		ce := &ControlError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			ce.Message = er.Error
		}
		if resp.StatusCode == http.StatusUnauthorized {
			ce.Err = ErrUnauthorized
		}
		return ce
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
