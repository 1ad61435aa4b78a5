// Package remote is the tenant API client: the only component that talks to
// the server. Catalog and image fetches retry transient failures with capped
// backoff; sale submission never retries inside a call — the drain cycle owns
// that retry loop, keyed on the temporary receipt identifier.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tillware/possync/internal/types"
	"resty.dev/v3"
)

// problem mirrors the RFC 7807 body the tenant API returns on errors.
type problem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

// Config holds the client settings.
type Config struct {
	BaseURL      string
	Token        string
	Timeout      time.Duration
	FetchRetries int
}

// Client talks to the tenant API.
type Client struct {
	http         *resty.Client
	fetchRetries uint64
}

// New creates a tenant API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	retries := cfg.FetchRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{http: httpClient, fetchRetries: uint64(retries)}
}

// Close releases the underlying transport.
func (c *Client) Close() error {
	return c.http.Close()
}

// Ping checks tenant API reachability. Used as the connectivity probe.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/api/v1/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !resp.IsSuccess() {
		return &APIError{StatusCode: resp.StatusCode(), Detail: "health check failed"}
	}
	return nil
}

// FetchCatalog downloads the full active product and category set for the
// authenticated tenant/branch. Transient failures are retried with fibonacci
// backoff before the error is surfaced to the cache layer.
func (c *Client) FetchCatalog(ctx context.Context) (*types.CatalogResponse, error) {
	var out *types.CatalogResponse

	backoff := retry.WithMaxRetries(c.fetchRetries, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var catalog types.CatalogResponse
		var p problem
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&catalog).
			SetError(&p).
			Get("/api/v1/catalog")
		if err != nil {
			return retry.RetryableError(fmt.Errorf("fetch catalog: %w", err))
		}
		if !resp.IsSuccess() {
			apiErr := &APIError{StatusCode: resp.StatusCode(), Detail: p.Detail}
			if apiErr.Permanent() {
				return apiErr
			}
			return retry.RetryableError(apiErr)
		}
		out = &catalog
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitSale creates a sale on the server. The temporary receipt identifier
// travels in the payload for correlation; the server enforces idempotency on
// it, so replaying after a lost acknowledgement is safe.
func (c *Client) SubmitSale(ctx context.Context, sub types.SaleSubmission) (*types.SaleConfirmation, error) {
	var confirmation types.SaleConfirmation
	var p problem
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(sub).
		SetResult(&confirmation).
		SetError(&p).
		Post("/api/v1/sales")
	if err != nil {
		return nil, fmt.Errorf("submit sale %s: %w", sub.TempReceipt, err)
	}
	if !resp.IsSuccess() {
		return nil, &APIError{StatusCode: resp.StatusCode(), Detail: p.Detail}
	}
	return &confirmation, nil
}

// FetchImage downloads one image payload by storage path. Images come through
// the tenant API base64-encoded to avoid cross-origin asset access.
func (c *Client) FetchImage(ctx context.Context, path string) (string, error) {
	var out types.ImageResponse
	var p problem
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetResult(&out).
		SetError(&p).
		Get("/api/v1/images")
	if err != nil {
		return "", fmt.Errorf("fetch image %s: %w", path, err)
	}
	if !resp.IsSuccess() {
		return "", &APIError{StatusCode: resp.StatusCode(), Detail: p.Detail}
	}
	return out.Base64, nil
}

// FetchImages downloads several image payloads in one round trip. Paths the
// server cannot resolve are absent from the result; that is not an error.
func (c *Client) FetchImages(ctx context.Context, paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return map[string]string{}, nil
	}

	var out types.ImageBatchResponse

	backoff := retry.WithMaxRetries(c.fetchRetries, retry.NewFibonacci(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var batch types.ImageBatchResponse
		var p problem
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(types.ImageBatchRequest{Paths: paths}).
			SetResult(&batch).
			SetError(&p).
			Post("/api/v1/images/batch")
		if err != nil {
			return retry.RetryableError(fmt.Errorf("fetch images: %w", err))
		}
		if !resp.IsSuccess() {
			apiErr := &APIError{StatusCode: resp.StatusCode(), Detail: p.Detail}
			if apiErr.Permanent() {
				return apiErr
			}
			return retry.RetryableError(apiErr)
		}
		out = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Images == nil {
		out.Images = map[string]string{}
	}
	return out.Images, nil
}
