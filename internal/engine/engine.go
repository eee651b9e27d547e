// Package engine drives the grid ladder: it reconciles ledger and broker
// state at startup, chains buy fills to protective sells, and keeps a rolling
// queue of conditional buys at the next untriggered levels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/alert"
	"grid-ladder/internal/broker"
	"grid-ladder/internal/config"
	"grid-ladder/internal/core"
	"grid-ladder/internal/ladder"
	"grid-ladder/internal/ledger"
	"grid-ladder/internal/snapshot"
)

// PriceSource supplies the market price that seeds the level-0 bootstrap.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type Params struct {
	Symbol     string
	InstanceID string
	Ladder     *ladder.Ladder
	Ledger     *ledger.Ledger
	Gateway    broker.Gateway
	Prices     PriceSource
	Snapshots  *snapshot.Store
	Alerts     alert.Alerter
	Strategy   config.StrategyConfig
	Heartbeat  time.Duration
}

// Engine owns all mutable trading state. Every mutation of inventory,
// nextLevel or refPrice happens with mu held; fills are strictly serialized
// through it.
type Engine struct {
	symbol     string
	instanceID string
	ladder     *ladder.Ladder
	ledger     *ledger.Ledger
	gateway    broker.Gateway
	prices     PriceSource
	snapshots  *snapshot.Store
	alerts     alert.Alerter

	profitTarget decimal.Decimal
	buyTrigger   decimal.Decimal
	l0Buffer     decimal.Decimal
	queueDepth   int
	orphanTol    decimal.Decimal
	pollInterval time.Duration
	orderTimeout time.Duration
	cancelSettle time.Duration
	heartbeat    time.Duration

	mu           sync.Mutex
	inventory    []core.Lot
	nextLevel    int
	refPrice     decimal.Decimal // zero means no reference price yet
	l0InProgress bool
	reconciled   bool

	startedAt time.Time
}

func New(p Params) (*Engine, error) {
	if p.Symbol == "" {
		return nil, errors.New("symbol required")
	}
	if p.Ladder == nil || p.Ledger == nil || p.Gateway == nil {
		return nil, errors.New("ladder, ledger and gateway required")
	}
	e := &Engine{
		symbol:       p.Symbol,
		instanceID:   p.InstanceID,
		ladder:       p.Ladder,
		ledger:       p.Ledger,
		gateway:      p.Gateway,
		prices:       p.Prices,
		snapshots:    p.Snapshots,
		alerts:       p.Alerts,
		profitTarget: p.Strategy.ProfitTarget.Decimal,
		buyTrigger:   p.Strategy.BuyTrigger.Decimal,
		l0Buffer:     p.Strategy.Level0Buffer.Decimal,
		queueDepth:   p.Strategy.QueueDepth,
		orphanTol:    p.Strategy.OrphanTolerance.Decimal,
		pollInterval: time.Duration(p.Strategy.PollIntervalSec) * time.Second,
		orderTimeout: time.Duration(p.Strategy.OrderTimeoutSec) * time.Second,
		cancelSettle: time.Duration(p.Strategy.CancelSettleMs) * time.Millisecond,
		heartbeat:    p.Heartbeat,
	}
	one := decimal.NewFromInt(1)
	if e.profitTarget.Cmp(one) <= 0 {
		return nil, fmt.Errorf("profit target must be > 1, got %s", e.profitTarget)
	}
	if e.buyTrigger.Cmp(decimal.Zero) <= 0 || e.buyTrigger.Cmp(one) >= 0 {
		return nil, fmt.Errorf("buy trigger must be in (0, 1), got %s", e.buyTrigger)
	}
	if e.queueDepth < 1 {
		return nil, fmt.Errorf("queue depth must be >= 1, got %d", e.queueDepth)
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 20 * time.Second
	}
	if e.orderTimeout <= 0 {
		e.orderTimeout = 2 * time.Minute
	}
	return e, nil
}

// Run reconciles once, then consumes the fill stream until ctx is canceled
// or the stream fails. Consistency with the broker is restored only here at
// startup, never continuously.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = time.Now().UTC()
	e.persistRuntimeStatus("starting", nil)

	if err := e.Reconcile(ctx); err != nil {
		e.persistRuntimeStatus("halted", err)
		e.alertImportant("reconciliation_failed", map[string]string{"err": err.Error()})
		return err
	}

	stream, err := e.gateway.Fills(ctx)
	if err != nil {
		e.persistRuntimeStatus("halted", err)
		return fmt.Errorf("open fill stream: %w", err)
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			log.Printf("level=WARN event=fill_stream_close_failed err=%q", closeErr.Error())
		}
	}()

	e.persistRuntimeStatus("running", nil)
	log.Printf("level=INFO event=engine_started symbol=%s next_level=%d open_lots=%d",
		e.symbol, e.NextLevel(), len(e.Inventory()))

	poll := time.NewTicker(e.pollInterval)
	defer poll.Stop()
	var heartbeat <-chan time.Time
	if e.heartbeat > 0 {
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case fill, ok := <-stream.Events():
			if !ok {
				err := errors.New("fill stream closed")
				e.persistRuntimeStatus("halted", err)
				return err
			}
			if err := e.OnFill(ctx, fill); err != nil {
				log.Printf("level=ERROR event=fill_processing_failed order_id=%d err=%q", fill.OrderID, err.Error())
				e.alertImportant("fill_processing_failed", map[string]string{
					"order_id": fmt.Sprintf("%d", fill.OrderID),
					"err":      err.Error(),
				})
			}
		case streamErr, ok := <-stream.Errs():
			if ok && streamErr != nil {
				e.persistRuntimeStatus("halted", streamErr)
				return fmt.Errorf("fill stream: %w", streamErr)
			}
		case <-poll.C:
			go e.maybeBootstrap(ctx)
			log.Printf("level=INFO event=engine_poll open_lots=%d next_level=%d", len(e.Inventory()), e.NextLevel())
		case <-heartbeat:
			e.persistRuntimeStatus("running", nil)
		case <-ctx.Done():
			e.persistRuntimeStatus("stopped", nil)
			return ctx.Err()
		}
	}
}

// Inventory returns a copy of the open lots.
func (e *Engine) Inventory() []core.Lot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Lot, len(e.inventory))
	copy(out, e.inventory)
	return out
}

func (e *Engine) NextLevel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextLevel
}

// ReferencePrice returns the current buy anchor; zero means none yet.
func (e *Engine) ReferencePrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refPrice
}

func (e *Engine) lotIndexByLevelLocked(level int) int {
	for i, lot := range e.inventory {
		if lot.Level == level {
			return i
		}
	}
	return -1
}

func (e *Engine) lotIndexBySellOrderLocked(sellOrderID int64) int {
	for i, lot := range e.inventory {
		if lot.SellOrderID == sellOrderID {
			return i
		}
	}
	return -1
}

// persistSnapshotLocked dumps the inventory for operator forensics. The
// ledger stays authoritative, so a failed dump is logged, never propagated.
func (e *Engine) persistSnapshotLocked() {
	if e.snapshots == nil {
		return
	}
	inv := snapshot.Inventory{
		Symbol:    e.symbol,
		NextLevel: e.nextLevel,
		RefPrice:  e.refPrice,
		Lots:      append([]core.Lot(nil), e.inventory...),
	}
	if err := e.snapshots.SaveInventory(inv); err != nil {
		log.Printf("level=ERROR event=snapshot_write_failed err=%q", err.Error())
	}
}

func (e *Engine) persistRuntimeStatus(state string, lastErr error) {
	if e.snapshots == nil {
		return
	}
	status := snapshot.RuntimeStatus{
		Symbol:     e.symbol,
		InstanceID: e.instanceID,
		State:      state,
		StartedAt:  e.startedAt,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := e.snapshots.SaveRuntimeStatus(status); err != nil {
		log.Printf("level=WARN event=runtime_status_write_failed err=%q", err.Error())
	}
}

func (e *Engine) alertImportant(event string, fields map[string]string) {
	if e.alerts == nil {
		return
	}
	e.alerts.Important(event, fields)
}
