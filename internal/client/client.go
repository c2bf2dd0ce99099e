// Package client is the HTTP transport an instance uses to reach the cloud.
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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/medsync/internal/models"
	"github.com/prudhvinik1/medsync/internal/services"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseSize = 64 << 20
)

// Error is a non-2xx response from the cloud.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cloud returned %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether retrying the same request later may succeed.
func (e *Error) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsStatus reports whether err is a cloud response with the given status code.
func IsStatus(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}

type Client struct {
	baseURL    string
	token      string
	instanceID uuid.UUID
	httpClient *http.Client
}

func New(baseURL, token string, instanceID uuid.UUID, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		instanceID: instanceID,
		httpClient: httpClient,
	}
}

// Authenticate exchanges instance credentials for a sync token and uses it
// for every later request. It is not safe to call concurrently with other requests.
func (c *Client) Authenticate(ctx context.Context, apiKey, apiSecret string) (*services.TokenResponse, error) {
	var resp services.TokenResponse
	body := map[string]string{"api_key": apiKey, "api_secret": apiSecret}
	if err := c.do(ctx, http.MethodPost, "/auth/token", body, &resp); err != nil {
		return nil, err
	}
	c.token = resp.Token
	return &resp, nil
}

func (c *Client) Push(ctx context.Context, events []*models.SyncEvent) (*models.PushResponse, error) {
	var resp models.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", models.PushRequest{Events: events}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Pull(ctx context.Context, since time.Time, limit int) (*models.PullResponse, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	q.Set("instance_id", c.instanceID.String())
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp models.PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/pull?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Status(ctx context.Context) (*models.StatusResponse, error) {
	var resp models.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/sync/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListConflicts(ctx context.Context) (*models.ConflictListResponse, error) {
	var resp models.ConflictListResponse
	if err := c.do(ctx, http.MethodGet, "/sync/conflicts", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ResolveConflict(ctx context.Context, id uuid.UUID, req models.ResolveConflictRequest) (*models.SyncConflict, error) {
	var resp models.SyncConflict
	if err := c.do(ctx, http.MethodPost, "/sync/conflicts/"+id.String()+"/resolve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
