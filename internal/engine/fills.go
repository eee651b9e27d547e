package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"grid-ladder/internal/core"
)

// OnFill applies one execution report. All fill handling is serialized
// through the engine lock so ledger write, inventory mutation and dependent
// order placement are atomic with respect to any other fill.
func (e *Engine) OnFill(ctx context.Context, fill core.Fill) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.reconciled {
		return errors.New("fill received before reconciliation")
	}
	log.Printf("level=INFO event=fill_received side=%s order_id=%d qty=%s price=%s",
		fill.Side, fill.OrderID, fill.Qty.String(), fill.Price.String())
	switch fill.Side {
	case core.Buy:
		return e.applyBuyFillLocked(ctx, fill)
	case core.Sell:
		return e.applySellFillLocked(fill)
	default:
		log.Printf("level=WARN event=fill_unknown_side side=%q order_id=%d", fill.Side, fill.OrderID)
		return nil
	}
}

// applyBuyFillLocked moves the lot at next_level from pending to open:
// ledger first, then the protective sell, then the in-memory state and the
// forward queue. A duplicate anywhere stops the whole chain.
func (e *Engine) applyBuyFillLocked(ctx context.Context, fill core.Fill) error {
	level := e.nextLevel

	if e.lotIndexByLevelLocked(level) >= 0 {
		log.Printf("level=WARN event=buy_fill_duplicate_level level=%d order_id=%d", level, fill.OrderID)
		return nil
	}

	// The ledger must never diverge from reality before downstream orders
	// are placed, so a failed insert aborts everything for this fill.
	rowID, err := e.ledger.RecordBuy(level, fill.OrderID, fill.Qty, fill.Price, fill.Time)
	if err != nil {
		if errors.Is(err, core.ErrDuplicateBuy) {
			log.Printf("level=WARN event=buy_fill_duplicate_order order_id=%d", fill.OrderID)
			return nil
		}
		return fmt.Errorf("record buy fill: %w", err)
	}

	lot := core.NewLot(level, fill.Qty, fill.Price, e.profitTarget)
	lot.LedgerID = rowID

	sellOrd, err := e.placeProtectiveSell(ctx, lot)
	if err != nil {
		// The shares are owned and recorded; the missing sell is healed by
		// the next startup reconciliation. Surface it loudly.
		e.alertImportant("protective_sell_failed", map[string]string{
			"level": fmt.Sprintf("%d", level),
			"qty":   lot.Qty.String(),
			"err":   err.Error(),
		})
		return fmt.Errorf("place protective sell for level %d: %w", level, err)
	}
	lot.SellOrderID = sellOrd.ID

	if err := e.ledger.AttachSell(rowID, sellOrd.ID); err != nil {
		// The economic action is already taken; do not unwind it.
		log.Printf("level=ERROR event=attach_sell_failed row_id=%d sell_order_id=%d err=%q",
			rowID, sellOrd.ID, err.Error())
	}

	e.inventory = append(e.inventory, lot)
	e.persistSnapshotLocked()

	if level == 0 {
		e.refPrice = lot.PurchasePrice
	} else {
		e.refPrice = core.RoundPrice(e.refPrice.Mul(e.buyTrigger))
	}
	e.nextLevel = level + 1
	log.Printf("level=INFO event=buy_fill_applied level=%d next_level=%d ref_price=%s sell_order_id=%d",
		level, e.nextLevel, e.refPrice.String(), sellOrd.ID)

	// The just-filled order must survive the refresh: cancelling it here
	// would race its own fill confirmation.
	if err := e.refreshBuyQueueLocked(ctx, fill.OrderID); err != nil {
		log.Printf("level=ERROR event=buy_queue_refresh_failed err=%q", err.Error())
	}
	return nil
}

// applySellFillLocked retires the lot paired with the filled sell. OPEN to
// CLOSED is terminal: the ledger ignores a second close and the lot is gone
// from inventory, so a duplicate delivery is a no-op.
func (e *Engine) applySellFillLocked(fill core.Fill) error {
	idx := e.lotIndexBySellOrderLocked(fill.OrderID)
	if idx < 0 {
		log.Printf("level=WARN event=sell_fill_no_matching_lot order_id=%d", fill.OrderID)
		return nil
	}
	lot := e.inventory[idx]
	e.inventory = append(e.inventory[:idx], e.inventory[idx+1:]...)
	e.persistSnapshotLocked()

	price := fill.Price
	if err := e.ledger.MarkClosed(fill.OrderID, fill.Qty, &price, fill.Time); err != nil {
		return fmt.Errorf("close ledger row for sell order %d: %w", fill.OrderID, err)
	}
	log.Printf("level=INFO event=sell_fill_applied level=%d order_id=%d qty=%s price=%s open_lots=%d",
		lot.Level, fill.OrderID, fill.Qty.String(), fill.Price.String(), len(e.inventory))
	return nil
}

// placeProtectiveSell issues the GTC limit sell realizing the lot's profit
// target. Eligible outside regular hours so an overnight gap can still fill.
func (e *Engine) placeProtectiveSell(ctx context.Context, lot core.Lot) (core.Order, error) {
	order := core.Order{
		Symbol:     e.symbol,
		Side:       core.Sell,
		Type:       core.Limit,
		Qty:        lot.Qty,
		LimitPrice: lot.SellTarget,
		TIF:        core.GoodTillCancel,
		OutsideRTH: true,
	}
	placed, err := e.gateway.PlaceOrder(ctx, order)
	if err != nil {
		return core.Order{}, err
	}
	log.Printf("level=INFO event=protective_sell_placed level=%d order_id=%d qty=%s target=%s",
		lot.Level, placed.ID, lot.Qty.String(), lot.SellTarget.String())
	return placed, nil
}
