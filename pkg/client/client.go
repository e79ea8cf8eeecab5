package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nkkko/alarmd/pkg/proto"
)

const (
	recipientHeader     = "X-Recipient-ID"
	internalTokenHeader = "X-Internal-Token"
	lastEventIDHeader   = "Last-Event-ID"
	lastEventIDQuery    = "lastEventId"
)

// Client is an HTTP client for the alarmd API
type Client struct {
	baseURL         string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
	eventBuffer     int
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout for non-streaming calls
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRecipientID identifies the caller when the server runs without auth
func WithRecipientID(recipientID string) ClientOption {
	return func(c *Client) {
		c.headers.Set(recipientHeader, recipientID)
	}
}

// WithToken sets the bearer token used for recipient endpoints
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.headers.Set("Authorization", "Bearer "+token)
	}
}

// WithInternalToken sets the shared secret for the dispatch endpoints
func WithInternalToken(token string) ClientOption {
	return func(c *Client) {
		c.headers.Set(internalTokenHeader, token)
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithEventBuffer sets the capacity of subscription event channels
func WithEventBuffer(n int) ClientOption {
	return func(c *Client) {
		c.eventBuffer = n
	}
}

// New creates a new alarmd API client
func New(baseURL string, options ...ClientOption) *Client {
	client := &Client{
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         http.Header{},
		websocketDialer: websocket.DefaultDialer,
		eventBuffer:     64,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// APIError is an error response returned by the server
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// BroadcastResult lists the alarms a broadcast created and the recipients
// it failed for
type BroadcastResult struct {
	Created []*proto.Notification `json:"created"`
	Failed  []string              `json:"failed,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Dispatch creates an alarm and pushes it to the recipient's open streams
func (c *Client) Dispatch(ctx context.Context, req *proto.CreateNotificationRequest) (*proto.Notification, error) {
	var n proto.Notification
	if err := c.call(ctx, http.MethodPost, "/internal/alarms", nil, req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Broadcast sends one alarm to several recipients. A partial failure is
// not an error; it is reported in the result.
func (c *Client) Broadcast(ctx context.Context, req *proto.BroadcastRequest) (*BroadcastResult, error) {
	var result BroadcastResult
	if err := c.call(ctx, http.MethodPost, "/internal/alarms/broadcast", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns up to limit of the caller's alarms, newest first. A zero
// limit uses the server default.
func (c *Client) List(ctx context.Context, limit int) ([]*proto.Notification, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var list []*proto.Notification
	if err := c.call(ctx, http.MethodGet, "/api/v1/alarms", query, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// UnreadCount returns the number of the caller's unread alarms
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp proto.UnreadCountResponse
	if err := c.call(ctx, http.MethodGet, "/api/v1/alarms/unread-count", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Unread, nil
}

// MarkRead marks one alarm read
func (c *Client) MarkRead(ctx context.Context, id uint64) (*proto.Notification, error) {
	var n proto.Notification
	path := "/api/v1/alarms/" + strconv.FormatUint(id, 10) + "/read"
	if err := c.call(ctx, http.MethodPatch, path, nil, nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAllRead marks every unread alarm read and returns how many changed
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var resp proto.MarkAllReadResponse
	if err := c.call(ctx, http.MethodPatch, "/api/v1/alarms/read-all", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

// call performs a request and decodes the data field of the response
// envelope into out
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// do makes an HTTP request
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	u, err := c.url(path, query)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	return resp, nil
}

func (c *Client) url(path string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u, nil
}

// decodeError reads the error envelope of a failed response
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.StatusCode = resp.StatusCode
		return envelope.Error
	}

	return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
}
