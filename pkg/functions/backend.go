package functions

import (
	"context"
	"net/http"
	"time"

	"voice-gateway/pkg/circuitbreaker"
	"voice-gateway/pkg/config"
	"voice-gateway/pkg/errors"
	"voice-gateway/pkg/metrics"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Backend is the order/customer HTTP API used by the ordering tools
type Backend interface {
	CreateOrder(ctx context.Context, order OrderRequest) (map[string]interface{}, error)
	GetOrder(ctx context.Context, orderID string) (map[string]interface{}, error)
	LookupCustomer(ctx context.Context, phone string) (map[string]interface{}, error)
	GetMenu(ctx context.Context, category string) (interface{}, error)
}

// BackendClient talks to the business backend over HTTP
type BackendClient struct {
	client  *resty.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewBackendClient configures a resty client for cfg. 5xx responses and
// transport errors are retried up to cfg.RetryCount times.
func NewBackendClient(cfg config.BackendConfig, logger *logrus.Logger) *BackendClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		SetLogger(logger).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	logger.WithFields(logrus.Fields{
		"base_url": cfg.BaseURL,
		"timeout":  cfg.Timeout,
		"retries":  cfg.RetryCount,
	}).Info("Backend client initialized")

	return &BackendClient{
		client:  client,
		breaker: circuitbreaker.NewCircuitBreaker("backend", circuitbreaker.HTTPClientConfig(), logger),
		logger:  logger,
	}
}

// CreateOrder posts a validated order
func (b *BackendClient) CreateOrder(ctx context.Context, order OrderRequest) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := b.do(ctx, "create_order", func(req *resty.Request) (*resty.Response, error) {
		return req.SetBody(order).SetResult(&out).Post("/orders")
	})
	return out, err
}

// GetOrder fetches the status of one order
func (b *BackendClient) GetOrder(ctx context.Context, orderID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := b.do(ctx, "get_order", func(req *resty.Request) (*resty.Response, error) {
		return req.SetPathParam("id", orderID).SetResult(&out).Get("/orders/{id}")
	})
	return out, err
}

// LookupCustomer finds a customer by phone number
func (b *BackendClient) LookupCustomer(ctx context.Context, phone string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := b.do(ctx, "lookup_customer", func(req *resty.Request) (*resty.Response, error) {
		return req.SetQueryParam("phone", phone).SetResult(&out).Get("/customers")
	})
	return out, err
}

// GetMenu returns the menu, optionally filtered by category
func (b *BackendClient) GetMenu(ctx context.Context, category string) (interface{}, error) {
	var out interface{}
	err := b.do(ctx, "get_menu", func(req *resty.Request) (*resty.Response, error) {
		if category != "" {
			req.SetQueryParam("category", category)
		}
		return req.SetResult(&out).Get("/menu")
	})
	return out, err
}

func (b *BackendClient) do(ctx context.Context, endpoint string, send func(req *resty.Request) (*resty.Response, error)) error {
	notFound := false
	err := b.breaker.Execute(ctx, func(ctx context.Context) error {
		observe := metrics.ObserveBackendLatency(endpoint)

		resp, err := send(b.client.R().SetContext(ctx))
		if err != nil {
			observe(0)
			return errors.Wrap(err, "backend request failed").WithField("endpoint", endpoint)
		}
		observe(resp.StatusCode())

		switch {
		case resp.StatusCode() == http.StatusNotFound:
			// 404 does not count against the breaker
			notFound = true
		case resp.IsError():
			b.logger.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"status":   resp.StatusCode(),
				"body":     truncate(resp.String(), 256),
			}).Warn("Backend returned an error")
			return errors.Newf(errors.ErrBackendFailure, "backend returned %d for %s", resp.StatusCode(), endpoint)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if notFound {
		return errors.Newf(errors.ErrNotFound, "backend returned 404 for %s", endpoint)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
