package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

// StatusError is a non-2xx reply. 4xx replies do not trip the breaker.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.Code, body)
}

func (e *StatusError) clientSide() bool { return e.Code >= 400 && e.Code < 500 }

// Client is the shared HTTP plumbing for collaborator adapters: retries on
// 5xx and transport errors, a per-endpoint rate limit and a circuit breaker.
type Client struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewClient(name string, ep config.Endpoint) *Client {
	hc := resty.New().
		SetBaseURL(ep.BaseURL).
		SetTimeout(time.Duration(ep.TimeoutMs)*time.Millisecond).
		SetHeader("Accept", "application/json").
		SetRetryCount(ep.MaxRetries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if ep.Token != "" {
		hc.SetAuthToken(ep.Token)
	}

	failures := ep.BreakerFailures
	st := gobreaker.Settings{
		Name:    name,
		Timeout: time.Duration(ep.BreakerCooldownSec) * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.clientSide())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observ.Warn("breaker_state_change", map[string]any{"collaborator": name, "from": from.String(), "to": to.String()})
		},
	}

	return &Client{
		name:    name,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(float64(ep.RateLimitPerMinute)/60), 1),
		breaker: gobreaker.NewCircuitBreaker(st),
	}
}

// Do waits for the rate limiter, then runs call through the breaker.
// Non-2xx replies become *StatusError.
func (c *Client) Do(ctx context.Context, call func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", c.name, err)
	}
	start := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		resp, err := call(c.http.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return resp, &StatusError{Code: resp.StatusCode(), Body: resp.String()}
		}
		return resp, nil
	})
	resp, _ := out.(*resty.Response)
	fields := map[string]any{"collaborator": c.name, "latency_ms": time.Since(start).Milliseconds()}
	if resp != nil {
		fields["status"] = resp.StatusCode()
		fields["path"] = resp.Request.URL
	}
	if err != nil {
		observ.Warn("collaborator_call_failed", fields)
		return resp, err
	}
	observ.Log("collaborator_call", fields)
	return resp, nil
}

func (c *Client) State() gobreaker.State { return c.breaker.State() }

func isStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
