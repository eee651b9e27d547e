// Package sim is a deterministic in-process broker gateway used by engine
// tests. Fills never happen on their own; tests drive them through Fill and
// Deliver.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/broker"
	"grid-ladder/internal/core"
)

type Gateway struct {
	symbol string

	mu         sync.Mutex
	orderSeq   int64
	openOrders map[int64]core.Order
	statuses   map[int64]core.OrderStatus
	position   core.Position
	streams    []*stream

	placed   []core.Order
	canceled []int64
}

func New(symbol string) *Gateway {
	return &Gateway{
		symbol:     symbol,
		openOrders: make(map[int64]core.Order),
		statuses:   make(map[int64]core.OrderStatus),
		position:   core.Position{Symbol: symbol, Qty: decimal.Zero, AvgCost: decimal.Zero},
	}
}

func (g *Gateway) PlaceOrder(_ context.Context, order core.Order) (core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("invalid order quantity %s", order.Qty)
	}
	g.orderSeq++
	order.ID = g.orderSeq
	order.Symbol = g.symbol
	order.Status = core.OrderSubmitted
	order.CreatedAt = time.Now().UTC()
	g.openOrders[order.ID] = order
	g.statuses[order.ID] = core.OrderSubmitted
	g.placed = append(g.placed, order)
	return order, nil
}

func (g *Gateway) CancelOrder(_ context.Context, orderID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.openOrders[orderID]; !ok {
		return fmt.Errorf("cancel order %d: %w", orderID, core.ErrOrderNotFound)
	}
	delete(g.openOrders, orderID)
	g.statuses[orderID] = core.OrderCanceled
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *Gateway) OpenOrders(_ context.Context) ([]core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.Order, 0, len(g.openOrders))
	for _, ord := range g.openOrders {
		out = append(out, ord)
	}
	return out, nil
}

func (g *Gateway) OrderStatus(_ context.Context, orderID int64) (core.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.statuses[orderID]
	if !ok {
		return "", fmt.Errorf("order %d: %w", orderID, core.ErrOrderNotFound)
	}
	return status, nil
}

func (g *Gateway) Position(_ context.Context) (core.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position, nil
}

// SetPosition overrides the broker-reported position, bypassing fills. Used
// to stage orphan and pre-existing-position scenarios.
func (g *Gateway) SetPosition(qty, avgCost decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.position = core.Position{Symbol: g.symbol, Qty: qty, AvgCost: avgCost}
}

// SeedOpenOrder installs an already-open broker order without going through
// PlaceOrder, keeping the given id. Used to stage reconciliation scenarios.
func (g *Gateway) SeedOpenOrder(order core.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order.Symbol = g.symbol
	order.Status = core.OrderSubmitted
	g.openOrders[order.ID] = order
	g.statuses[order.ID] = core.OrderSubmitted
	if order.ID > g.orderSeq {
		g.orderSeq = order.ID
	}
}

// Fill marks the order filled at price, adjusts the position and broadcasts
// the execution report to every open stream.
func (g *Gateway) Fill(orderID int64, price decimal.Decimal) error {
	g.mu.Lock()
	ord, ok := g.openOrders[orderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("fill order %d: %w", orderID, core.ErrOrderNotFound)
	}
	delete(g.openOrders, orderID)
	g.statuses[orderID] = core.OrderFilled
	if ord.Side == core.Buy {
		g.position.Qty = g.position.Qty.Add(ord.Qty)
	} else {
		g.position.Qty = g.position.Qty.Sub(ord.Qty)
	}
	fill := core.Fill{
		OrderID: orderID,
		ExecID:  fmt.Sprintf("sim-%d-1", orderID),
		Symbol:  g.symbol,
		Side:    ord.Side,
		Qty:     ord.Qty,
		Price:   price,
		Time:    time.Now().UTC(),
	}
	streams := make([]*stream, len(g.streams))
	copy(streams, g.streams)
	g.mu.Unlock()

	for _, s := range streams {
		s.deliver(fill)
	}
	return nil
}

// Deliver pushes a raw fill to every stream without touching order or
// position state. Used to replay duplicate events.
func (g *Gateway) Deliver(fill core.Fill) {
	g.mu.Lock()
	streams := make([]*stream, len(g.streams))
	copy(streams, g.streams)
	g.mu.Unlock()
	for _, s := range streams {
		s.deliver(fill)
	}
}

// LastPlaced returns the most recently placed order.
func (g *Gateway) LastPlaced() (core.Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.placed) == 0 {
		return core.Order{}, false
	}
	return g.placed[len(g.placed)-1], true
}

// Placed returns every order placed through the gateway, in order.
func (g *Gateway) Placed() []core.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.Order, len(g.placed))
	copy(out, g.placed)
	return out
}

// Canceled returns every order id canceled through the gateway, in order.
func (g *Gateway) Canceled() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int64, len(g.canceled))
	copy(out, g.canceled)
	return out
}

type stream struct {
	events chan core.Fill
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (g *Gateway) Fills(_ context.Context) (broker.FillStream, error) {
	s := &stream{
		events: make(chan core.Fill, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	g.mu.Lock()
	g.streams = append(g.streams, s)
	g.mu.Unlock()
	return s, nil
}

func (s *stream) deliver(fill core.Fill) {
	select {
	case s.events <- fill:
	case <-s.done:
	}
}

func (s *stream) Events() <-chan core.Fill { return s.events }

func (s *stream) Errs() <-chan error { return s.errs }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
