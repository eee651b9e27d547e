package broker

import (
	"context"

	"grid-ladder/internal/core"
)

// Gateway is the broker-side collaborator the engine orders through. A
// gateway is bound to a single qualified instrument at construction time.
type Gateway interface {
	// PlaceOrder submits the order and returns it with the broker-assigned
	// id and submission status. The call returns after the broker
	// acknowledges submission, not after a fill.
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
	OpenOrders(ctx context.Context) ([]core.Order, error)
	// OrderStatus reports the current broker status of one order.
	OrderStatus(ctx context.Context, orderID int64) (core.OrderStatus, error)
	Position(ctx context.Context) (core.Position, error)
	// Fills opens the execution-report stream. Closing the stream is the
	// deterministic teardown for the subscription.
	Fills(ctx context.Context) (FillStream, error)
}

// FillStream delivers execution reports until closed. Duplicate delivery is
// possible; consumers dedupe through the ledger.
type FillStream interface {
	Events() <-chan core.Fill
	Errs() <-chan error
	Close() error
}
