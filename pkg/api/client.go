// Package api is the HTTP client for the team server: credential
// exchange, ephemeral realtime tokens, and the gzip batch ingest
// endpoint.
//
// The client performs no retries and no token management of its own —
// the credential manager and the batch channel decide when to refresh
// or re-send. Every request carries a fixed timeout so a dead server
// can never hang a CLI command.
package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RequestTimeout bounds every round-trip to the server.
const RequestTimeout = 10 * time.Second

// MaxBatchSize is the server-side cap on events per batch request.
const MaxBatchSize = 1000

// Per-event verdicts returned by the batch endpoint.
const (
	VerdictSuccess   = "success"
	VerdictDuplicate = "duplicate"
	VerdictRejected  = "rejected"
)

// Client talks to one team server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient builds a client for the given server URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: RequestTimeout},
	}
}

// HTTPError is a non-2xx response from the server. Details carries the
// server's diagnostic field from 400 responses and must reach the user
// verbatim.
type HTTPError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *HTTPError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("server returned HTTP %d", e.StatusCode)
}

// IsUnauthorized reports whether err is an HTTP 401 from the server.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized
}

// IsConnectivity reports whether err is a transport-level failure
// (unreachable host, timeout) rather than a server response. Events
// stay queued and the operation reports offline.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// TokenResponse is the POST /token result.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Token exchanges username/password for an access/refresh token pair.
func (c *Client) Token(ctx context.Context, username, password string) (*TokenResponse, error) {
	var resp TokenResponse
	err := c.postJSON(ctx, "/token", "",
		map[string]string{"username": username, "password": password}, &resp)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &resp, nil
}

// RefreshToken exchanges a refresh token for a fresh access token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.postJSON(ctx, "/token/refresh", "",
		map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}
	return resp.AccessToken, nil
}

// WSToken exchanges an access token for a short-lived single-purpose
// realtime token. Never persisted by anyone.
func (c *Client) WSToken(ctx context.Context, accessToken string) (string, error) {
	var resp struct {
		WSToken string `json:"ws_token"`
	}
	err := c.postJSON(ctx, "/ws-token", accessToken, struct{}{}, &resp)
	if err != nil {
		return "", fmt.Errorf("ws-token: %w", err)
	}
	return resp.WSToken, nil
}

// BatchResult is the per-event verdict from the batch endpoint.
type BatchResult struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// BatchResponse is the HTTP 200 body of POST /events/batch.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// PostBatch sends up to MaxBatchSize serialized events as a
// gzip-compressed JSON body and returns the per-event verdicts.
func (c *Client) PostBatch(ctx context.Context, accessToken string, events []json.RawMessage) (*BatchResponse, error) {
	if len(events) > MaxBatchSize {
		return nil, fmt.Errorf("batch: %d events exceeds limit of %d", len(events), MaxBatchSize)
	}

	body, err := EncodeBatch(events)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/events/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch: %w", decodeError(resp))
	}

	var out BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("batch: decode response: %w", err)
	}
	return &out, nil
}

// EncodeBatch serializes events into the gzip-compressed
// {"events": [...]} wire body.
func EncodeBatch(events []json.RawMessage) ([]byte, error) {
	payload, err := json.Marshal(map[string][]json.RawMessage{"events": events})
	if err != nil {
		return nil, fmt.Errorf("batch: encode: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("batch: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("batch: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeBatch reverses EncodeBatch. Used by tests and the dev server.
func DecodeBatch(r io.Reader) ([]json.RawMessage, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("batch: decompress: %w", err)
	}
	defer zr.Close()
	var body struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.NewDecoder(zr).Decode(&body); err != nil {
		return nil, fmt.Errorf("batch: decode: %w", err)
	}
	return body.Events, nil
}

// postJSON sends a JSON body and decodes a JSON response, translating
// non-2xx statuses into *HTTPError.
func (c *Client) postJSON(ctx context.Context, path, accessToken string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError reads the server's {"error", "details"} body into an
// *HTTPError, preserving details for user diagnostics.
func decodeError(resp *http.Response) *HTTPError {
	he := &HTTPError{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil {
		he.Message = body.Error
		he.Details = body.Details
	}
	return he
}
