package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

// refreshBuyQueueLocked rebuilds the rolling set of conditional buys for the
// next untriggered ladder levels: cancel every open buy except the exempted
// one, wait for the cancellations to settle, then place fresh
// trigger-equals-limit orders compounded down from the reference price.
// exemptOrderID zero exempts nothing.
func (e *Engine) refreshBuyQueueLocked(ctx context.Context, exemptOrderID int64) error {
	open, err := e.gateway.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders for queue refresh: %w", err)
	}
	canceled := 0
	for _, ord := range open {
		if ord.ID == exemptOrderID {
			continue
		}
		if ord.Side != core.Buy {
			continue
		}
		if ord.Type != core.Limit && ord.Type != core.LimitIfTouched {
			continue
		}
		if err := e.gateway.CancelOrder(ctx, ord.ID); err != nil {
			if errors.Is(err, core.ErrOrderNotFound) {
				continue
			}
			log.Printf("level=WARN event=buy_queue_cancel_failed order_id=%d err=%q", ord.ID, err.Error())
			continue
		}
		canceled++
	}
	if canceled > 0 {
		log.Printf("level=INFO event=buy_queue_canceled count=%d", canceled)
	}

	// Let the cancellations settle before re-quoting the same levels.
	if e.cancelSettle > 0 {
		timer := time.NewTimer(e.cancelSettle)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	trigger := e.refPrice
	if trigger.Cmp(decimal.Zero) <= 0 {
		log.Printf("level=WARN event=buy_queue_no_reference_price next_level=%d", e.nextLevel)
		return nil
	}

	for i := 0; i < e.queueDepth; i++ {
		level := e.nextLevel + i
		qty, err := e.ladder.QuantityFor(level)
		if err != nil {
			if errors.Is(err, core.ErrLadderExhausted) {
				log.Printf("level=INFO event=buy_queue_ladder_exhausted level=%d", level)
				break
			}
			return err
		}
		trigger = core.RoundPrice(trigger.Mul(e.buyTrigger))
		order := core.Order{
			Symbol: e.symbol,
			Side:   core.Buy,
			Type:   core.LimitIfTouched,
			Qty:    qty,
			// Trigger equals limit: activation is guaranteed at the trigger
			// and the fill price is bounded by it.
			LimitPrice:   trigger,
			TriggerPrice: trigger,
			TIF:          core.GoodTillCancel,
			OutsideRTH:   true,
		}
		placed, err := e.gateway.PlaceOrder(ctx, order)
		if err != nil {
			return fmt.Errorf("place conditional buy for level %d: %w", level, err)
		}
		log.Printf("level=INFO event=buy_queue_order_placed level=%d order_id=%d qty=%s trigger=%s",
			level, placed.ID, qty.String(), trigger.String())
	}
	return nil
}
