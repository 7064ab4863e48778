// Package licenseclient lets protected software check its license against a
// licensekeeper server and keep checking while it runs.
package licenseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Verdict is a successful verification.
type Verdict struct {
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expires_at"`
	Message   string    `json:"message"`
}

// RejectedError is a definitive "no" from the server. Retrying will not
// change the answer.
type RejectedError struct {
	Status int
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("license rejected (%d): %s", e.Status, e.Detail)
}

// TransientError covers failures that say nothing about the license:
// network errors, timeouts, 5xx answers and unreadable bodies.
type TransientError struct {
	Status int // 0 when no response was received
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("license server unavailable (%d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("license server unavailable: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

type Client struct {
	baseURL    string
	licenseKey string
	machineID  string
	httpClient *http.Client
	ipAddress  func() *string
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithIPAddress replaces OutboundIP as the source of the reported address.
// fn may return nil to omit it.
func WithIPAddress(fn func() *string) ClientOption {
	return func(c *Client) { c.ipAddress = fn }
}

func NewClient(baseURL, licenseKey, machineID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		licenseKey: licenseKey,
		machineID:  machineID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ipAddress:  OutboundIP,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyRequest struct {
	LicenseKey string  `json:"license_key"`
	MachineID  string  `json:"machine_id"`
	IPAddress  *string `json:"ip_address,omitempty"`
}

// Verify asks the server once. Errors are *RejectedError or
// *TransientError, except for a canceled ctx which is returned as is.
func (c *Client) Verify(ctx context.Context) (Verdict, error) {
	body, err := json.Marshal(verifyRequest{
		LicenseKey: c.licenseKey,
		MachineID:  c.machineID,
		IPAddress:  c.ipAddress(),
	})
	if err != nil {
		return Verdict{}, xerrors.Errorf("encode verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/licenses/verify", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, xerrors.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		return Verdict{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, &TransientError{Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var v Verdict
		if err := json.Unmarshal(raw, &v); err != nil {
			return Verdict{}, &TransientError{Status: resp.StatusCode, Err: xerrors.Errorf("decode verdict: %w", err)}
		}
		if v.ExpiresAt.IsZero() {
			return Verdict{}, &TransientError{Status: resp.StatusCode, Err: xerrors.New("verdict without expires_at")}
		}
		if !v.Valid {
			return Verdict{}, &RejectedError{Status: resp.StatusCode, Detail: v.Message}
		}
		return v, nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return Verdict{}, &TransientError{Status: resp.StatusCode, Err: xerrors.New(detailOf(raw, resp.Status))}
	default:
		return Verdict{}, &RejectedError{Status: resp.StatusCode, Detail: detailOf(raw, resp.Status)}
	}
}

// detailOf extracts the server's {"detail": "..."} message.
func detailOf(raw []byte, fallback string) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
