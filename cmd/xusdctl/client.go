package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// APIError is a non-2xx reply from vaultd.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vaultd returned %d: %s", e.Status, e.Message)
}

// Client talks to the vaultd HTTP API. Reads are retried on throttling and
// gateway errors; writes are never retried.
type Client struct {
	rest  *resty.Client
	token func() (string, error)
}

func NewClient(endpoint string, timeout time.Duration, token func() (string, error)) *Client {
	endpoint = strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
	rest := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "xusdctl").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
				return false
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code == http.StatusBadGateway || code == http.StatusServiceUnavailable
		})
	return &Client{rest: rest, token: token}
}

// Get fetches a public resource.
func (c *Client) Get(ctx context.Context, path string, query map[string]string, out any) error {
	req := c.rest.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	return decode(resp, err, out)
}

// Post sends an authenticated JSON request.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	if c.token == nil {
		return fmt.Errorf("api token required for %s", path)
	}
	token, err := c.token()
	if err != nil {
		return err
	}
	req := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json")
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	return decode(resp, err, out)
}

func decode(resp *resty.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		var payload struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(resp.Body()))
		if json.Unmarshal(resp.Body(), &payload) == nil && payload.Error != "" {
			message = payload.Error
		}
		return &APIError{Status: resp.StatusCode(), Message: message}
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
