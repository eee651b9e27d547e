package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
	"grid-ladder/internal/ledger"
)

// SentinelLevel marks lots synthesized for orphan shares during
// reconciliation. It never maps back onto the ladder.
const SentinelLevel = -1

// Reconcile aligns the ledger with broker-reported orders and position, then
// rebuilds the in-memory state from the reconciled OPEN rows. It runs exactly
// once, before any new trigger is accepted. Anything it cannot map back onto
// the ladder is fatal: the engine never guesses when money is at stake.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reconciled {
		return errors.New("reconciliation already ran")
	}

	now := time.Now().UTC()

	// 1. Broker truth: open sells and reported position.
	open, err := e.gateway.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	position, err := e.gateway.Position(ctx)
	if err != nil {
		return fmt.Errorf("fetch position: %w", err)
	}
	openSells := make([]core.Order, 0, len(open))
	openSellIDs := make(map[int64]struct{}, len(open))
	for _, ord := range open {
		if ord.Side == core.Sell {
			openSells = append(openSells, ord)
			openSellIDs[ord.ID] = struct{}{}
		}
	}
	log.Printf("level=INFO event=reconcile_broker_state open_sells=%d position_qty=%s avg_cost=%s",
		len(openSells), position.Qty.String(), position.AvgCost.String())

	// 2. Synthesize ledger rows for open sells the ledger has never seen.
	// Sells are walked cheapest limit first and each takes the highest
	// unclaimed level matching its quantity, so ladders that repeat a
	// quantity still end up with one row per level.
	sort.Slice(openSells, func(i, j int) bool {
		return openSells[i].LimitPrice.Cmp(openSells[j].LimitPrice) < 0
	})
	claimed := make(map[int]bool)
	knownRows, err := e.ledger.ListOpen()
	if err != nil {
		return fmt.Errorf("list open rows: %w", err)
	}
	for _, row := range knownRows {
		if row.Level >= 0 {
			claimed[row.Level] = true
		}
	}
	for _, ord := range openSells {
		_, err := e.ledger.FindBySellOrder(ord.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, core.ErrOrderNotFound) {
			return fmt.Errorf("lookup sell order %d: %w", ord.ID, err)
		}
		purchase := core.RoundPrice(ord.LimitPrice.Div(e.profitTarget))
		level, ok := 0, false
		for _, cand := range e.ladder.LevelsForQuantity(ord.Qty) {
			if !claimed[cand] {
				level, ok = cand, true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: open SELL order %d has quantity %s matching no free ladder level; "+
				"cancel or adjust the order manually, then restart",
				core.ErrIrreconcilable, ord.ID, ord.Qty.String())
		}
		claimed[level] = true
		// Negative of the sell order id keeps the synthetic buy id unique.
		rowID, err := e.ledger.RecordBuy(level, -ord.ID, ord.Qty, purchase, now)
		if err != nil {
			return fmt.Errorf("synthesize row for sell order %d: %w", ord.ID, err)
		}
		if err := e.ledger.AttachSell(rowID, ord.ID); err != nil {
			return fmt.Errorf("attach sell order %d to synthesized row: %w", ord.ID, err)
		}
		log.Printf("level=INFO event=reconcile_row_synthesized sell_order_id=%d level=%d purchase_price=%s",
			ord.ID, level, purchase.String())
	}

	// 3. Rows whose protective sell is gone from the broker were filled while
	// offline. Close them with the sell amount recorded as unknown. Rows that
	// never got a sell (the buy landed but the sell order failed to go out)
	// get one placed now.
	openRows, err := e.ledger.ListOpen()
	if err != nil {
		return fmt.Errorf("list open rows: %w", err)
	}
	for _, row := range openRows {
		if !row.HasSell {
			if err := e.restoreProtectiveSellLocked(ctx, row); err != nil {
				return err
			}
			continue
		}
		if _, stillOpen := openSellIDs[row.SellOrderID]; stillOpen {
			continue
		}
		log.Printf("level=WARN event=reconcile_offline_fill_closed row_id=%d sell_order_id=%d", row.ID, row.SellOrderID)
		if err := e.ledger.MarkClosed(row.SellOrderID, row.BuyQty, nil, now); err != nil {
			return fmt.Errorf("close offline-filled row %d: %w", row.ID, err)
		}
	}

	// 4. Orphan shares: broker position the open rows cannot explain.
	openQty, err := e.ledger.OpenQuantity()
	if err != nil {
		return fmt.Errorf("sum open quantity: %w", err)
	}
	orphan := position.Qty.Sub(openQty)
	if orphan.Neg().Cmp(e.orphanTol) > 0 {
		return fmt.Errorf("%w: ledger holds %s open shares but broker reports only %s; "+
			"the ledger claims shares the account does not have; audit the trades table before restarting",
			core.ErrIrreconcilable, openQty.String(), position.Qty.String())
	}
	if orphan.Cmp(e.orphanTol) > 0 {
		if err := e.adoptOrphanLocked(ctx, orphan, position.AvgCost, now); err != nil {
			return err
		}
	}

	// 5. Rebuild the in-memory inventory from the now-consistent OPEN rows.
	finalRows, err := e.ledger.ListOpen()
	if err != nil {
		return fmt.Errorf("list open rows after reconcile: %w", err)
	}
	e.inventory = e.inventory[:0]
	maxLevel := -1
	var levelZeroPrice decimal.Decimal
	for _, row := range finalRows {
		lot := core.NewLot(row.Level, row.BuyQty, row.BuyPrice, e.profitTarget)
		lot.SellOrderID = row.SellOrderID
		lot.LedgerID = row.ID
		e.inventory = append(e.inventory, lot)
		if row.Level > maxLevel {
			maxLevel = row.Level
		}
		if row.Level == 0 {
			levelZeroPrice = row.BuyPrice
		}
	}

	// 6. Next ladder index to fill.
	e.nextLevel = maxLevel + 1

	// 7. Reference price: the level-0 purchase compounded down once per
	// already-filled level, rounded per step.
	e.refPrice = decimal.Zero
	if len(e.inventory) > 0 {
		if levelZeroPrice.Cmp(decimal.Zero) > 0 {
			ref := levelZeroPrice
			for i := 0; i < maxLevel; i++ {
				ref = core.RoundPrice(ref.Mul(e.buyTrigger))
			}
			e.refPrice = core.RoundPrice(ref)
		} else {
			log.Printf("level=WARN event=reconcile_no_level_zero_lot open_lots=%d", len(e.inventory))
		}
	}

	e.reconciled = true
	e.persistSnapshotLocked()
	log.Printf("level=INFO event=reconcile_complete open_lots=%d next_level=%d ref_price=%s",
		len(e.inventory), e.nextLevel, e.refPrice.String())

	// 8. Arm the forward buy queue.
	if err := e.refreshBuyQueueLocked(ctx, 0); err != nil {
		return fmt.Errorf("arm buy queue: %w", err)
	}
	return nil
}

// restoreProtectiveSellLocked places the missing sell for an OPEN row whose
// buy was recorded but whose protective order never reached the broker.
func (e *Engine) restoreProtectiveSellLocked(ctx context.Context, row ledger.Row) error {
	log.Printf("level=WARN event=reconcile_protective_sell_missing row_id=%d level=%d qty=%s",
		row.ID, row.Level, row.BuyQty.String())
	lot := core.NewLot(row.Level, row.BuyQty, row.BuyPrice, e.profitTarget)
	lot.LedgerID = row.ID
	sellOrd, err := e.placeProtectiveSell(ctx, lot)
	if err != nil {
		return fmt.Errorf("restore protective sell for row %d: %w", row.ID, err)
	}
	if err := e.ledger.AttachSell(row.ID, sellOrd.ID); err != nil {
		// The sell is live; a missing pairing is recoverable at next startup.
		log.Printf("level=ERROR event=reconcile_attach_sell_failed row_id=%d sell_order_id=%d err=%q",
			row.ID, sellOrd.ID, err.Error())
	}
	e.alertImportant("protective_sell_restored", map[string]string{
		"level":  fmt.Sprintf("%d", row.Level),
		"qty":    row.BuyQty.String(),
		"target": lot.SellTarget.String(),
	})
	log.Printf("level=INFO event=reconcile_protective_sell_restored row_id=%d sell_order_id=%d target=%s",
		row.ID, sellOrd.ID, lot.SellTarget.String())
	return nil
}

// adoptOrphanLocked records a synthetic lot at the sentinel level for shares
// the broker holds but no open row explains, and pairs it with a protective
// sell at the broker's average cost.
func (e *Engine) adoptOrphanLocked(ctx context.Context, qty, avgCost decimal.Decimal, now time.Time) error {
	log.Printf("level=WARN event=reconcile_orphan_shares qty=%s avg_cost=%s", qty.String(), avgCost.String())
	e.alertImportant("orphan_shares_adopted", map[string]string{
		"qty":      qty.String(),
		"avg_cost": avgCost.String(),
	})
	rowID, err := e.ledger.RecordBuy(SentinelLevel, -now.Unix(), qty, avgCost, now)
	if err != nil {
		return fmt.Errorf("record orphan lot: %w", err)
	}
	lot := core.NewLot(SentinelLevel, qty, avgCost, e.profitTarget)
	lot.LedgerID = rowID
	sellOrd, err := e.placeProtectiveSell(ctx, lot)
	if err != nil {
		return fmt.Errorf("place protective sell for orphan lot: %w", err)
	}
	if err := e.ledger.AttachSell(rowID, sellOrd.ID); err != nil {
		// The sell is live; a missing pairing is recoverable at next startup.
		log.Printf("level=ERROR event=reconcile_attach_sell_failed row_id=%d sell_order_id=%d err=%q",
			rowID, sellOrd.ID, err.Error())
	}
	log.Printf("level=INFO event=reconcile_orphan_sell_placed sell_order_id=%d qty=%s target=%s",
		sellOrd.ID, qty.String(), lot.SellTarget.String())
	return nil
}
