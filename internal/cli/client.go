package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	httpapi "trellis/internal/adapters/http"
	"trellis/internal/orders"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

// Client talks to the order HTTP API.
type Client struct {
	base string
	httpc *http.Client
}

// NewClient returns a client for the server at addr. A bare host:port gets
// an http:// scheme.
func NewClient(addr string, timeout time.Duration) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		httpc: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Start(ctx context.Context, orderID string, req httpapi.StartOrderRequest) (httpapi.StartOrderResponse, error) {
	var out httpapi.StartOrderResponse
	err := c.do(ctx, http.MethodPost, orderPath(orderID, "start"), req, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, orderID, reason string) error {
	return c.do(ctx, http.MethodPost, orderPath(orderID, "signals/cancel"), httpapi.CancelRequest{Reason: reason}, nil)
}

func (c *Client) UpdateAddress(ctx context.Context, orderID string, address orders.Address) error {
	return c.do(ctx, http.MethodPost, orderPath(orderID, "signals/update-address"), httpapi.UpdateAddressRequest{Address: address}, nil)
}

func (c *Client) Approve(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodPost, orderPath(orderID, "signals/approve"), nil, nil)
}

func (c *Client) Status(ctx context.Context, orderID string) (orders.Status, error) {
	var out orders.Status
	err := c.do(ctx, http.MethodGet, orderPath(orderID, "status"), nil, &out)
	return out, err
}

// Result waits server-side for up to wait. A saga that ended in failure
// comes back as an *APIError with status 422.
func (c *Client) Result(ctx context.Context, orderID string, wait time.Duration) (string, error) {
	path := orderPath(orderID, "result")
	if wait > 0 {
		path += "?timeout=" + url.QueryEscape(wait.String())
	}
	var out httpapi.ResultResponse
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Result, err
}

func (c *Client) Events(ctx context.Context, orderID string) ([]orders.Event, error) {
	var out []orders.Event
	err := c.do(ctx, http.MethodGet, orderPath(orderID, "events"), nil, &out)
	return out, err
}

func orderPath(orderID, suffix string) string {
	return "/orders/" + url.PathEscape(orderID) + "/" + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e httpapi.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Code: e.Error, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
