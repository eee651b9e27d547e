package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

const bootstrapPollEvery = 2 * time.Second

// maybeBootstrap starts the level-0 buy when the ladder is empty and no
// attempt is already running. Called from the poll loop; the in-progress
// flag makes overlapping attempts impossible.
func (e *Engine) maybeBootstrap(ctx context.Context) {
	if e.prices == nil {
		return
	}
	e.mu.Lock()
	if e.nextLevel != 0 || e.l0InProgress {
		e.mu.Unlock()
		return
	}
	e.l0InProgress = true
	e.mu.Unlock()

	price, err := e.prices.LatestPrice(ctx, e.symbol)
	if err != nil || price.Cmp(decimal.Zero) <= 0 {
		if err != nil {
			log.Printf("level=WARN event=bootstrap_price_unavailable err=%q", err.Error())
		}
		e.clearBootstrapFlag()
		return
	}
	e.executeLevelZero(ctx, price)
}

// executeLevelZero places the first buy as a buffered limit at the market
// price, emulating a marketable order while bounding slippage, then watches
// it until a terminal state or timeout. The flag stays set on success; the
// fill handler owns the state from there.
func (e *Engine) executeLevelZero(ctx context.Context, price decimal.Decimal) {
	e.mu.Lock()
	if e.nextLevel != 0 {
		e.mu.Unlock()
		log.Printf("level=WARN event=bootstrap_skipped reason=next_level_moved")
		e.clearBootstrapFlag()
		return
	}
	qty, err := e.ladder.QuantityFor(0)
	if err != nil {
		e.mu.Unlock()
		log.Printf("level=ERROR event=bootstrap_failed err=%q", err.Error())
		e.clearBootstrapFlag()
		return
	}
	limit := core.RoundPrice(price.Mul(e.l0Buffer))
	order := core.Order{
		Symbol:     e.symbol,
		Side:       core.Buy,
		Type:       core.Limit,
		Qty:        qty,
		LimitPrice: limit,
		TIF:        core.Day,
		OutsideRTH: true,
	}
	placed, err := e.gateway.PlaceOrder(ctx, order)
	e.mu.Unlock()
	if err != nil {
		log.Printf("level=ERROR event=bootstrap_place_failed err=%q", err.Error())
		e.alertImportant("bootstrap_place_failed", map[string]string{"err": err.Error()})
		e.clearBootstrapFlag()
		return
	}
	log.Printf("level=INFO event=bootstrap_order_placed order_id=%d qty=%s limit=%s market=%s",
		placed.ID, qty.String(), limit.String(), price.String())

	status := e.awaitTerminalStatus(ctx, placed.ID)
	if status == core.OrderFilled {
		log.Printf("level=INFO event=bootstrap_order_filled order_id=%d", placed.ID)
		return
	}
	log.Printf("level=WARN event=bootstrap_order_not_filled order_id=%d status=%q", placed.ID, status)
	e.clearBootstrapFlag()
}

// awaitTerminalStatus polls the broker until the order reaches a terminal
// state or the timeout passes; on timeout the order is cancelled so the next
// price tick can retry. Transient status failures just wait for the next poll.
func (e *Engine) awaitTerminalStatus(ctx context.Context, orderID int64) core.OrderStatus {
	deadline := time.Now().Add(e.orderTimeout)
	ticker := time.NewTicker(bootstrapPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status, err := e.gateway.OrderStatus(ctx, orderID)
			if err != nil {
				if errors.Is(err, core.ErrOrderNotFound) {
					return core.OrderCanceled
				}
				log.Printf("level=WARN event=bootstrap_status_poll_failed order_id=%d err=%q", orderID, err.Error())
			} else if status.Terminal() {
				return status
			}
			if time.Now().After(deadline) {
				log.Printf("level=ERROR event=bootstrap_order_timeout order_id=%d timeout_sec=%d",
					orderID, int64(e.orderTimeout/time.Second))
				if cancelErr := e.gateway.CancelOrder(ctx, orderID); cancelErr != nil &&
					!errors.Is(cancelErr, core.ErrOrderNotFound) {
					log.Printf("level=ERROR event=bootstrap_cancel_failed order_id=%d err=%q", orderID, cancelErr.Error())
				}
				return core.OrderCanceled
			}
		case <-ctx.Done():
			return core.OrderCanceled
		}
	}
}

func (e *Engine) clearBootstrapFlag() {
	e.mu.Lock()
	e.l0InProgress = false
	e.mu.Unlock()
}
