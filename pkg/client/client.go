package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested entry does not exist.
var ErrNotFound = errors.New("not found")

// CorrelationHeader is sent with WithCorrelationID and echoed by the server.
const CorrelationHeader = "X-Correlation-ID"

// APIError is a non-2xx response from the ledger API.
type APIError struct {
	StatusCode int
	Message    string
	Field      string // set on validation errors
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("ledger API %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("ledger API %d: %s", e.StatusCode, e.Message)
}

// Entry is a committed ledger entry as returned by the API.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Action        string          `json:"action"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	ActorUserID   int64           `json:"actorUserId"`
	OldValues     json.RawMessage `json:"oldValues"`
	NewValues     json.RawMessage `json:"newValues"`
	IPAddress     *string         `json:"ipAddress"`
	UserAgent     *string         `json:"userAgent"`
	Reason        string          `json:"reason"`
	CorrelationID *string         `json:"correlationId"`
	Timestamp     string          `json:"timestamp"`
	Hash          string          `json:"hash"`
	PreviousHash  *string         `json:"previousHash"`
	Immutable     bool            `json:"immutable"`
}

// AppendRequest is the payload for Append. OldValues and NewValues may be
// any JSON-marshalable value.
type AppendRequest struct {
	Action        string  `json:"action"`
	ResourceType  string  `json:"resourceType"`
	ResourceID    string  `json:"resourceId"`
	ActorUserID   *int64  `json:"actorUserId"`
	OldValues     any     `json:"oldValues,omitempty"`
	NewValues     any     `json:"newValues,omitempty"`
	IPAddress     *string `json:"ipAddress,omitempty"`
	UserAgent     *string `json:"userAgent,omitempty"`
	Reason        string  `json:"reason"`
	CorrelationID *string `json:"correlationId,omitempty"`
}

// Overview is the chain summary returned by GET /api/v1/ledger.
type Overview struct {
	Entries int    `json:"entries"`
	Tip     string `json:"tip"`
}

// Report is the chain replay result returned by Verify.
type Report struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	Tip      string `json:"tip,omitempty"`
	BrokenAt string `json:"broken_at,omitempty"`
	Position int    `json:"position,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ExportOptions selects an export. From and To accept RFC 3339 timestamps or
// YYYY-MM-DD dates; empty means unbounded.
type ExportOptions struct {
	Format string // "json" (default) or "csv"
	From   string
	To     string
	Tenant string
}

// Export is a downloaded export.
type Export struct {
	Data        []byte
	ContentType string
	Filename    string
	Records     int
}

// Client talks to one ledgerd instance.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	bearerToken   string
	correlationID string
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

// WithBearerToken attaches an API token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCorrelationID sends id as the correlation id of every request, so
// appended entries can be traced back to the calling workflow.
func WithCorrelationID(id string) Option {
	return func(c *Client) error {
		c.correlationID = id
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 30 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the ledgerd instance at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Overview returns the entry count and tip hash.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.getJSON(ctx, "/api/v1/ledger", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify replays the chain server-side. A broken chain is reported in the
// Report, not as an error.
func (c *Client) Verify(ctx context.Context) (*Report, error) {
	var out Report
	if err := c.getJSON(ctx, "/api/v1/ledger/verify", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEntry fetches a single entry by id.
func (c *Client) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var out Entry
	if err := c.getJSON(ctx, "/api/v1/ledger/entries/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Append writes a new entry. Validation failures come back as an *APIError
// with StatusCode 422.
func (c *Client) Append(ctx context.Context, req *AppendRequest) (*Entry, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal append request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/ledger/entries", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	var out Entry
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export downloads an export.
func (c *Client) Export(ctx context.Context, opts ExportOptions) (*Export, error) {
	q := url.Values{}
	if opts.Format != "" {
		q.Set("format", opts.Format)
	}
	if opts.From != "" {
		q.Set("from", opts.From)
	}
	if opts.To != "" {
		q.Set("to", opts.To)
	}
	if opts.Tenant != "" {
		q.Set("tenant", opts.Tenant)
	}
	path := "/api/v1/ledger/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	exp := &Export{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		exp.Filename = params["filename"]
	}
	if n, err := strconv.Atoi(resp.Header.Get("X-Ledger-Records")); err == nil {
		exp.Records = n
	}
	return exp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.correlationID != "" {
		req.Header.Set(CorrelationHeader, c.correlationID)
	}
	return req, nil
}

// do sends req and converts non-2xx responses into errors. On success the
// caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var payload struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Field = payload.Field
	}
	return nil, apiErr
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
