package adapters

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/Rajchodisetti/session-trader/internal/decision"
)

type positionsReply struct {
	Positions []decision.Position `json:"positions"`
}

type quotesReply struct {
	Quotes map[string]float64 `json:"quotes"`
}

// HTTPBroker reads holdings and prices from the broker gateway.
type HTTPBroker struct {
	client *Client
}

func NewHTTPBroker(c *Client) *HTTPBroker { return &HTTPBroker{client: c} }

func (b *HTTPBroker) Positions(ctx context.Context) ([]decision.Position, error) {
	var out positionsReply
	if _, err := b.client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).Get("/v1/positions")
	}); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

func (b *HTTPBroker) Quotes(ctx context.Context, tickers []string) (map[string]float64, error) {
	if len(tickers) == 0 {
		return map[string]float64{}, nil
	}
	var out quotesReply
	if _, err := b.client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("symbols", strings.Join(tickers, ",")).SetResult(&out).Get("/v1/quotes")
	}); err != nil {
		return nil, err
	}
	if out.Quotes == nil {
		return nil, fmt.Errorf("quotes reply without quotes")
	}
	return out.Quotes, nil
}
