package adapters

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/Rajchodisetti/session-trader/internal/decision"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

// HTTPOrders posts plans to the order component. The plan ID travels as the
// Idempotency-Key; a 409 means the plan was already accepted.
type HTTPOrders struct {
	client *Client
}

func NewHTTPOrders(c *Client) *HTTPOrders { return &HTTPOrders{client: c} }

func (o *HTTPOrders) Submit(ctx context.Context, plan decision.ExecutionPlan) error {
	_, err := o.client.Do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Idempotency-Key", plan.ID).SetBody(plan).Post("/v1/plans")
	})
	if isStatus(err, http.StatusConflict) {
		observ.Log("order_plan_duplicate", map[string]any{"plan_id": plan.ID})
		return nil
	}
	return err
}
