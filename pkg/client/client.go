package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when the alert or block does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned for a missing, invalid or non-admin token,
	// and for a rejected admin secret.
	ErrUnauthorized = errors.New("unauthorized")
)

// APIError is a non-2xx response that does not map to a sentinel error.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// ── Wire types ───────────────────────────────────────────────────────────────

// Event is a recorded security event.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Message    string         `json:"message"`
	OriginIP   string         `json:"origin_ip"`
	UserID     string         `json:"user_id,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Method     string         `json:"method,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Alert is an alert raised for a high or critical event.
type Alert struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	OriginIP   string         `json:"origin_ip,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	EventID    string         `json:"event_id"`
	Details    map[string]any `json:"details,omitempty"`
	Status     string         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// BlockEntry is an active block.
type BlockEntry struct {
	OriginIP  string     `json:"origin_ip"`
	Reason    string     `json:"reason"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Permanent bool       `json:"permanent"`
	Source    string     `json:"source"`
}

// BlockRequest is the payload for Block. A zero TTLSeconds uses the server
// default.
type BlockRequest struct {
	IP         string `json:"ip"`
	Reason     string `json:"reason,omitempty"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	Permanent  bool   `json:"permanent,omitempty"`
}

// OriginCount is one row of the dashboard's top origins.
type OriginCount struct {
	OriginIP string `json:"origin_ip"`
	Events   int    `json:"events"`
}

// Dashboard is the security overview.
type Dashboard struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	Events24h        int            `json:"events_24h"`
	Events7d         int            `json:"events_7d"`
	EventsByType     map[string]int `json:"events_by_type"`
	EventsBySeverity map[string]int `json:"events_by_severity"`
	TopOrigins       []OriginCount  `json:"top_origins"`
	HighRiskOrigins  int            `json:"high_risk_origins"`
	ActiveAlerts     int            `json:"active_alerts"`
	ActiveBlocks     int            `json:"active_blocks"`
	RecentAlerts     []Alert        `json:"recent_alerts"`
}

// AuditEntry is one administrative action in the audit trail.
type AuditEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Subject   string    `json:"subject"`
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// AuditTrail is the tail of the audit chain with its verification result.
type AuditTrail struct {
	Entries     []AuditEntry `json:"entries"`
	Root        string       `json:"root"`
	Verified    bool         `json:"verified"`
	VerifyError string       `json:"verify_error,omitempty"`
}

// EventQuery filters Events. Zero fields are not sent.
type EventQuery struct {
	IP    string
	Type  string
	Since time.Time
	Until time.Time
	Limit int
}

// ── Client ───────────────────────────────────────────────────────────────────

// Client talks to one arenaguard instance.
type Client struct {
	base       string
	httpClient *http.Client

	mu          sync.Mutex
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a previously issued admin token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed gateway.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the gateway at base, e.g. "https://guard.example.com".
func New(base string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("base URL is required")
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Token returns the bearer token currently attached to requests.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bearerToken
}

// Login exchanges the admin secret for a token, keeps it for later calls and
// returns it.
func (c *Client) Login(ctx context.Context, secret string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.call(ctx, http.MethodPost, "/token", nil, map[string]string{"secret": secret}, &out); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = out.Token
	c.mu.Unlock()
	return out.Token, nil
}

// Alerts lists alerts by status: "active", "resolved" or "all".
func (c *Client) Alerts(ctx context.Context, status string) ([]Alert, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.call(ctx, http.MethodGet, "/alerts", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// ResolveAlert marks an alert resolved.
func (c *Client) ResolveAlert(ctx context.Context, id string) (*Alert, error) {
	var a Alert
	if err := c.call(ctx, http.MethodPost, "/alerts/"+url.PathEscape(id)+"/resolve", nil, nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListBlocks returns the active blocks, newest first.
func (c *Client) ListBlocks(ctx context.Context) ([]BlockEntry, error) {
	var out struct {
		Blocks []BlockEntry `json:"blocks"`
	}
	if err := c.call(ctx, http.MethodGet, "/blocks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// Block blocks an origin.
func (c *Client) Block(ctx context.Context, req BlockRequest) (*BlockEntry, error) {
	var e BlockEntry
	if err := c.call(ctx, http.MethodPost, "/blocks", nil, req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Unblock lifts the active block on ip. It returns ErrNotFound when there is
// none.
func (c *Client) Unblock(ctx context.Context, ip string) error {
	return c.call(ctx, http.MethodDelete, "/blocks/"+url.PathEscape(ip), nil, nil, nil)
}

// Events queries the event log. Results are oldest first.
func (c *Client) Events(ctx context.Context, f EventQuery) ([]Event, error) {
	q := url.Values{}
	if f.IP != "" {
		q.Set("ip", f.IP)
	}
	if f.Type != "" {
		q.Set("type", f.Type)
	}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		q.Set("until", f.Until.UTC().Format(time.RFC3339))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/events", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Dashboard fetches the security overview.
func (c *Client) Dashboard(ctx context.Context) (*Dashboard, error) {
	var d Dashboard
	if err := c.call(ctx, http.MethodGet, "/dashboard", nil, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Audit fetches up to limit of the newest audit entries. A zero limit uses
// the server default.
func (c *Client) Audit(ctx context.Context, limit int) (*AuditTrail, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var t AuditTrail
	if err := c.call(ctx, http.MethodGet, "/audit", q, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// call sends a JSON request to the admin API and decodes the response into
// out when it is non-nil.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.base + "/api/v1/admin/security" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, errorMessage(body))
	case resp.StatusCode >= 300:
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}
	return body, nil
}

// errorMessage extracts the "error" field of a JSON error body, falling back
// to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
