package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/broker/sim"
	"grid-ladder/internal/config"
	"grid-ladder/internal/core"
	"grid-ladder/internal/ladder"
	"grid-ladder/internal/ledger"
	"grid-ladder/internal/snapshot"
)

type staticPriceSource struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (s *staticPriceSource) LatestPrice(context.Context, string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.price, nil
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *alertSpy) seen(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

type testRig struct {
	engine  *Engine
	gateway *sim.Gateway
	ledger  *ledger.Ledger
	alerts  *alertSpy
	prices  *staticPriceSource
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func cfgDec(t *testing.T, s string) config.Decimal {
	t.Helper()
	return config.Decimal{Decimal: dec(t, s)}
}

// newTestRig wires an engine against the sim gateway with the classic
// 1.01 / 0.99 / 1.0025 ratios, queue depth 3 and a five-level ladder of
// 100, 110, 125, 140, 160 shares. The cancel-settle delay is zeroed so
// queue refreshes run instantly.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	lad, err := ladder.New([]decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(110),
		decimal.NewFromInt(125),
		decimal.NewFromInt(140),
		decimal.NewFromInt(160),
	})
	if err != nil {
		t.Fatalf("ladder: %v", err)
	}
	book, err := ledger.Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { _ = book.Close() })
	store, err := snapshot.New(t.TempDir())
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}

	gateway := sim.New("TQQQ")
	alerts := &alertSpy{}
	prices := &staticPriceSource{price: dec(t, "50.00")}

	eng, err := New(Params{
		Symbol:     "TQQQ",
		InstanceID: "test",
		Ladder:     lad,
		Ledger:     book,
		Gateway:    gateway,
		Prices:     prices,
		Snapshots:  store,
		Alerts:     alerts,
		Strategy: config.StrategyConfig{
			ProfitTarget:    cfgDec(t, "1.01"),
			BuyTrigger:      cfgDec(t, "0.99"),
			Level0Buffer:    cfgDec(t, "1.0025"),
			QueueDepth:      3,
			OrphanTolerance: cfgDec(t, "0.1"),
			PollIntervalSec: 1,
			OrderTimeoutSec: 1,
		},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &testRig{engine: eng, gateway: gateway, ledger: book, alerts: alerts, prices: prices}
}

func openBuys(orders []core.Order) []core.Order {
	var out []core.Order
	for _, ord := range orders {
		if ord.Side == core.Buy {
			out = append(out, ord)
		}
	}
	return out
}

func TestReconcileEmptyAccount(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := rig.engine.NextLevel(); got != 0 {
		t.Fatalf("next level = %d, want 0", got)
	}
	if len(rig.engine.Inventory()) != 0 {
		t.Fatalf("inventory = %v, want empty", rig.engine.Inventory())
	}
	// No reference price yet, so no conditional buys either.
	if placed := rig.gateway.Placed(); len(placed) != 0 {
		t.Fatalf("orders placed = %d, want 0", len(placed))
	}
}

func TestReconcileRunsOnce(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := rig.engine.Reconcile(ctx); err == nil {
		t.Fatal("second Reconcile succeeded, want error")
	}
}

func TestReconcileSynthesizesRowsFromOpenSells(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Broker state after three buys filled in a previous life: the sells at
	// 50.50 / 50.00 / 49.01 imply purchases of 50.00 / 49.50 / 48.52.
	rig.gateway.SeedOpenOrder(core.Order{
		ID: 2001, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "100"), LimitPrice: dec(t, "50.50"),
	})
	rig.gateway.SeedOpenOrder(core.Order{
		ID: 2002, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "110"), LimitPrice: dec(t, "50.00"),
	})
	rig.gateway.SeedOpenOrder(core.Order{
		ID: 2003, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "125"), LimitPrice: dec(t, "49.01"),
	})
	rig.gateway.SetPosition(dec(t, "335"), dec(t, "49.34"))

	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	inv := rig.engine.Inventory()
	if len(inv) != 3 {
		t.Fatalf("inventory = %d lots, want 3", len(inv))
	}
	wantPurchase := []string{"50", "49.5", "48.52"}
	for i, lot := range inv {
		if lot.Level != i {
			t.Fatalf("lot %d level = %d, want %d", i, lot.Level, i)
		}
		if lot.PurchasePrice.Cmp(dec(t, wantPurchase[i])) != 0 {
			t.Fatalf("lot %d purchase = %s, want %s", i, lot.PurchasePrice, wantPurchase[i])
		}
		if lot.SellOrderID != int64(2001+i) {
			t.Fatalf("lot %d sell order = %d, want %d", i, lot.SellOrderID, 2001+i)
		}
	}
	if got := rig.engine.NextLevel(); got != 3 {
		t.Fatalf("next level = %d, want 3", got)
	}
	// 50.00 compounded down twice: 49.50, then 49.01.
	if got := rig.engine.ReferencePrice(); got.Cmp(dec(t, "49.01")) != 0 {
		t.Fatalf("reference price = %s, want 49.01", got)
	}

	// Conditional buys for levels 3..5 follow from the reference price;
	// level 5 is past the ladder so only two orders go out.
	buys := openBuys(rig.gateway.Placed())
	if len(buys) != 2 {
		t.Fatalf("conditional buys placed = %d, want 2", len(buys))
	}
	wantTrigger := []string{"48.52", "48.03"}
	wantQty := []string{"140", "160"}
	for i, ord := range buys {
		if ord.Type != core.LimitIfTouched || ord.TIF != core.GoodTillCancel || !ord.OutsideRTH {
			t.Fatalf("buy %d attrs = %+v", i, ord)
		}
		if ord.TriggerPrice.Cmp(dec(t, wantTrigger[i])) != 0 {
			t.Fatalf("buy %d trigger = %s, want %s", i, ord.TriggerPrice, wantTrigger[i])
		}
		if ord.LimitPrice.Cmp(ord.TriggerPrice) != 0 {
			t.Fatalf("buy %d limit %s != trigger %s", i, ord.LimitPrice, ord.TriggerPrice)
		}
		if ord.Qty.Cmp(dec(t, wantQty[i])) != 0 {
			t.Fatalf("buy %d qty = %s, want %s", i, ord.Qty, wantQty[i])
		}
	}

	rows, err := rig.ledger.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("ledger open rows = %d, want 3", len(rows))
	}
	for i, row := range rows {
		// Synthetic buy ids are the negated sell order ids.
		if row.BuyOrderID != -int64(2001+i) {
			t.Fatalf("row %d buy order id = %d, want %d", i, row.BuyOrderID, -(2001 + i))
		}
	}
}

func TestReconcileResolvesDuplicateLadderQuantities(t *testing.T) {
	ctx := context.Background()
	lad, err := ladder.New([]decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(100),
		decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("ladder: %v", err)
	}
	book, err := ledger.Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { _ = book.Close() })
	gateway := sim.New("TQQQ")
	eng, err := New(Params{
		Symbol:   "TQQQ",
		Ladder:   lad,
		Ledger:   book,
		Gateway:  gateway,
		Strategy: defaultStrategy(t),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	// Two sells of 100 shares each. The cheaper one sits deeper on the
	// ladder, so it must claim level 1 and the other level 0.
	gateway.SeedOpenOrder(core.Order{
		ID: 2001, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "100"), LimitPrice: dec(t, "50.50"),
	})
	gateway.SeedOpenOrder(core.Order{
		ID: 2002, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "100"), LimitPrice: dec(t, "50.00"),
	})
	gateway.SetPosition(dec(t, "200"), dec(t, "49.75"))

	if err := eng.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	inv := eng.Inventory()
	if len(inv) != 2 {
		t.Fatalf("inventory = %d lots, want 2", len(inv))
	}
	byLevel := map[int]core.Lot{}
	for _, lot := range inv {
		if _, dup := byLevel[lot.Level]; dup {
			t.Fatalf("two lots at level %d", lot.Level)
		}
		byLevel[lot.Level] = lot
	}
	if lot := byLevel[0]; lot.SellOrderID != 2001 || lot.PurchasePrice.Cmp(dec(t, "50")) != 0 {
		t.Fatalf("level 0 lot = %+v, want sell 2001 at purchase 50", lot)
	}
	if lot := byLevel[1]; lot.SellOrderID != 2002 || lot.PurchasePrice.Cmp(dec(t, "49.5")) != 0 {
		t.Fatalf("level 1 lot = %+v, want sell 2002 at purchase 49.50", lot)
	}
	if got := eng.NextLevel(); got != 2 {
		t.Fatalf("next level = %d, want 2", got)
	}

	// Only level 2 remains; its trigger compounds down from 49.50.
	buys := openBuys(gateway.Placed())
	if len(buys) != 1 {
		t.Fatalf("conditional buys = %d, want 1", len(buys))
	}
	if buys[0].Qty.Cmp(dec(t, "50")) != 0 {
		t.Fatalf("buy qty = %s, want 50", buys[0].Qty)
	}
	if buys[0].TriggerPrice.Cmp(dec(t, "49.01")) != 0 {
		t.Fatalf("buy trigger = %s, want 49.01", buys[0].TriggerPrice)
	}
}

func TestReconcileRestoresMissingProtectiveSell(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A buy that landed without its sell: the row is OPEN but unpaired.
	rowID, err := rig.ledger.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), time.Now().UTC())
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	rig.gateway.SetPosition(dec(t, "100"), dec(t, "50.00"))

	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	placed := rig.gateway.Placed()
	if len(placed) == 0 || placed[0].Side != core.Sell {
		t.Fatalf("first placed order = %+v, want the protective sell", placed)
	}
	sell := placed[0]
	if sell.Type != core.Limit || sell.TIF != core.GoodTillCancel || !sell.OutsideRTH {
		t.Fatalf("sell attrs = %+v", sell)
	}
	if sell.LimitPrice.Cmp(dec(t, "50.50")) != 0 {
		t.Fatalf("sell limit = %s, want 50.50", sell.LimitPrice)
	}
	if sell.Qty.Cmp(dec(t, "100")) != 0 {
		t.Fatalf("sell qty = %s, want 100", sell.Qty)
	}

	rows, err := rig.ledger.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != rowID {
		t.Fatalf("open rows = %+v, want the restored row", rows)
	}
	if !rows[0].HasSell || rows[0].SellOrderID != sell.ID {
		t.Fatalf("row sell order = %d, want %d", rows[0].SellOrderID, sell.ID)
	}
	inv := rig.engine.Inventory()
	if len(inv) != 1 || inv[0].SellOrderID != sell.ID {
		t.Fatalf("inventory = %+v, want one lot paired with sell %d", inv, sell.ID)
	}
	if !rig.alerts.seen("protective_sell_restored") {
		t.Fatal("restored sell did not raise an alert")
	}
}

func TestReconcileIdempotentAcrossRestarts(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.gateway.SeedOpenOrder(core.Order{
		ID: 2001, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "100"), LimitPrice: dec(t, "50.50"),
	})
	rig.gateway.SetPosition(dec(t, "100"), dec(t, "50.00"))
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// Second engine over the same ledger and broker state: no new rows.
	eng2, err := New(Params{
		Symbol:   "TQQQ",
		Ladder:   mustLadder(t),
		Ledger:   rig.ledger,
		Gateway:  rig.gateway,
		Strategy: defaultStrategy(t),
	})
	if err != nil {
		t.Fatalf("second engine: %v", err)
	}
	if err := eng2.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	rows, err := rig.ledger.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("open rows after second reconcile = %d, want 1", len(rows))
	}
}

func TestReconcileClosesOfflineFilledRows(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A row whose protective sell is gone from the broker: it filled while
	// the process was down.
	rowID, err := rig.ledger.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), time.Now().UTC())
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if err := rig.ledger.AttachSell(rowID, 2001); err != nil {
		t.Fatalf("AttachSell: %v", err)
	}

	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	rows, err := rig.ledger.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("open rows = %d, want 0", len(rows))
	}
	row, err := rig.ledger.FindBySellOrder(2001)
	if err != nil {
		t.Fatalf("FindBySellOrder: %v", err)
	}
	if row.Status != ledger.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", row.Status)
	}
	if row.SellPrice != nil {
		t.Fatalf("sell price = %s, want unknown", row.SellPrice)
	}
	if len(rig.engine.Inventory()) != 0 {
		t.Fatal("closed lot still in inventory")
	}
}

func TestReconcileAdoptsOrphanShares(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// One explained lot of 100 plus 40 shares nothing accounts for.
	rig.gateway.SeedOpenOrder(core.Order{
		ID: 2001, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "100"), LimitPrice: dec(t, "50.50"),
	})
	rig.gateway.SetPosition(dec(t, "140"), dec(t, "49.75"))

	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	inv := rig.engine.Inventory()
	if len(inv) != 2 {
		t.Fatalf("inventory = %d lots, want 2", len(inv))
	}
	var sentinel *core.Lot
	for i := range inv {
		if inv[i].Level == SentinelLevel {
			sentinel = &inv[i]
		}
	}
	if sentinel == nil {
		t.Fatalf("no sentinel lot in %+v", inv)
	}
	if sentinel.Qty.Cmp(dec(t, "40")) != 0 {
		t.Fatalf("sentinel qty = %s, want 40", sentinel.Qty)
	}
	if sentinel.PurchasePrice.Cmp(dec(t, "49.75")) != 0 {
		t.Fatalf("sentinel purchase = %s, want avg cost 49.75", sentinel.PurchasePrice)
	}
	// 49.75 * 1.01 = 50.2475 -> 50.25
	if sentinel.SellTarget.Cmp(dec(t, "50.25")) != 0 {
		t.Fatalf("sentinel sell target = %s, want 50.25", sentinel.SellTarget)
	}
	if sentinel.SellOrderID == 0 {
		t.Fatal("sentinel lot has no protective sell")
	}
	if !rig.alerts.seen("orphan_shares_adopted") {
		t.Fatal("orphan adoption did not alert")
	}

	// The sentinel never maps onto the ladder, so next level follows the
	// real lots only.
	if got := rig.engine.NextLevel(); got != 1 {
		t.Fatalf("next level = %d, want 1", got)
	}
}

func TestReconcileOrphanWithinToleranceIgnored(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.gateway.SetPosition(dec(t, "0.05"), dec(t, "50.00"))
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(rig.engine.Inventory()) != 0 {
		t.Fatalf("inventory = %v, want empty", rig.engine.Inventory())
	}
}

func TestReconcileFailsOnMissingShares(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Ledger claims 100 open shares; the broker holds none.
	rowID, err := rig.ledger.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), time.Now().UTC())
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	sell := core.Order{ID: 2001, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "100"), LimitPrice: dec(t, "50.50")}
	rig.gateway.SeedOpenOrder(sell)
	if err := rig.ledger.AttachSell(rowID, 2001); err != nil {
		t.Fatalf("AttachSell: %v", err)
	}

	err = rig.engine.Reconcile(ctx)
	if !errors.Is(err, core.ErrIrreconcilable) {
		t.Fatalf("Reconcile err = %v, want ErrIrreconcilable", err)
	}
}

func TestReconcileFailsOnUnmappableSellQuantity(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.gateway.SeedOpenOrder(core.Order{
		ID: 2001, Side: core.Sell, Type: core.Limit,
		Qty: dec(t, "777"), LimitPrice: dec(t, "50.50"),
	})
	rig.gateway.SetPosition(dec(t, "777"), dec(t, "50.00"))

	err := rig.engine.Reconcile(ctx)
	if !errors.Is(err, core.ErrIrreconcilable) {
		t.Fatalf("Reconcile err = %v, want ErrIrreconcilable", err)
	}
}

func TestBuyFillChainsSellAndQueue(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	fill := core.Fill{
		OrderID: 101, Side: core.Buy,
		Qty: dec(t, "100"), Price: dec(t, "50.00"),
		Time: time.Now().UTC(),
	}
	if err := rig.engine.OnFill(ctx, fill); err != nil {
		t.Fatalf("OnFill: %v", err)
	}

	inv := rig.engine.Inventory()
	if len(inv) != 1 {
		t.Fatalf("inventory = %d lots, want 1", len(inv))
	}
	lot := inv[0]
	if lot.Level != 0 || lot.Qty.Cmp(dec(t, "100")) != 0 {
		t.Fatalf("unexpected lot: %+v", lot)
	}
	if lot.SellTarget.Cmp(dec(t, "50.50")) != 0 {
		t.Fatalf("sell target = %s, want 50.50", lot.SellTarget)
	}
	if got := rig.engine.NextLevel(); got != 1 {
		t.Fatalf("next level = %d, want 1", got)
	}
	if got := rig.engine.ReferencePrice(); got.Cmp(dec(t, "50.00")) != 0 {
		t.Fatalf("reference price = %s, want 50.00", got)
	}

	placed := rig.gateway.Placed()
	if len(placed) != 4 {
		t.Fatalf("orders placed = %d, want 1 sell + 3 buys", len(placed))
	}
	sell := placed[0]
	if sell.Side != core.Sell || sell.Type != core.Limit || sell.TIF != core.GoodTillCancel || !sell.OutsideRTH {
		t.Fatalf("protective sell attrs = %+v", sell)
	}
	if sell.LimitPrice.Cmp(dec(t, "50.50")) != 0 {
		t.Fatalf("protective sell limit = %s, want 50.50", sell.LimitPrice)
	}
	if lot.SellOrderID != sell.ID {
		t.Fatalf("lot sell order = %d, want %d", lot.SellOrderID, sell.ID)
	}

	// Queue for levels 1..3 compounds 50.00 down per level with per-step
	// currency rounding: 49.50, 49.01, 48.52.
	wantTrigger := []string{"49.50", "49.01", "48.52"}
	wantQty := []string{"110", "125", "140"}
	for i, ord := range placed[1:] {
		if ord.Side != core.Buy || ord.Type != core.LimitIfTouched {
			t.Fatalf("queue order %d attrs = %+v", i, ord)
		}
		if ord.TriggerPrice.Cmp(dec(t, wantTrigger[i])) != 0 {
			t.Fatalf("queue order %d trigger = %s, want %s", i, ord.TriggerPrice, wantTrigger[i])
		}
		if ord.Qty.Cmp(dec(t, wantQty[i])) != 0 {
			t.Fatalf("queue order %d qty = %s, want %s", i, ord.Qty, wantQty[i])
		}
	}

	rows, err := rig.ledger.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 1 || rows[0].BuyOrderID != 101 || !rows[0].HasSell {
		t.Fatalf("unexpected ledger rows: %+v", rows)
	}
}

func TestDuplicateBuyFillIgnored(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	fill := core.Fill{
		OrderID: 101, Side: core.Buy,
		Qty: dec(t, "100"), Price: dec(t, "50.00"),
		Time: time.Now().UTC(),
	}
	if err := rig.engine.OnFill(ctx, fill); err != nil {
		t.Fatalf("first OnFill: %v", err)
	}
	placedBefore := len(rig.gateway.Placed())

	if err := rig.engine.OnFill(ctx, fill); err != nil {
		t.Fatalf("duplicate OnFill: %v", err)
	}
	if len(rig.engine.Inventory()) != 1 {
		t.Fatalf("inventory = %d lots after duplicate, want 1", len(rig.engine.Inventory()))
	}
	if got := rig.engine.NextLevel(); got != 1 {
		t.Fatalf("next level = %d after duplicate, want 1", got)
	}
	if got := len(rig.gateway.Placed()); got != placedBefore {
		t.Fatalf("orders placed = %d after duplicate, want %d", got, placedBefore)
	}
}

func TestSellFillRetiresLot(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := rig.engine.OnFill(ctx, core.Fill{
		OrderID: 101, Side: core.Buy,
		Qty: dec(t, "100"), Price: dec(t, "50.00"),
		Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("buy OnFill: %v", err)
	}
	lot := rig.engine.Inventory()[0]

	if err := rig.engine.OnFill(ctx, core.Fill{
		OrderID: lot.SellOrderID, Side: core.Sell,
		Qty: dec(t, "100"), Price: dec(t, "50.50"),
		Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("sell OnFill: %v", err)
	}

	if len(rig.engine.Inventory()) != 0 {
		t.Fatalf("inventory = %v, want empty", rig.engine.Inventory())
	}
	row, err := rig.ledger.FindBySellOrder(lot.SellOrderID)
	if err != nil {
		t.Fatalf("FindBySellOrder: %v", err)
	}
	if row.Status != ledger.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", row.Status)
	}
	if row.SellPrice == nil || row.SellPrice.Cmp(dec(t, "50.50")) != 0 {
		t.Fatalf("sell price = %v, want 50.50", row.SellPrice)
	}

	// A replay of the same sell fill finds no lot and changes nothing.
	if err := rig.engine.OnFill(ctx, core.Fill{
		OrderID: lot.SellOrderID, Side: core.Sell,
		Qty: dec(t, "100"), Price: dec(t, "50.50"),
		Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("duplicate sell OnFill: %v", err)
	}
}

func TestSellFillUnknownOrderIgnored(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := rig.engine.OnFill(ctx, core.Fill{
		OrderID: 9999, Side: core.Sell,
		Qty: dec(t, "100"), Price: dec(t, "50.50"),
		Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("OnFill: %v", err)
	}
}

func TestFillBeforeReconcileRejected(t *testing.T) {
	rig := newTestRig(t)
	err := rig.engine.OnFill(context.Background(), core.Fill{
		OrderID: 101, Side: core.Buy,
		Qty: dec(t, "100"), Price: dec(t, "50.00"),
		Time: time.Now().UTC(),
	})
	if err == nil {
		t.Fatal("OnFill before Reconcile succeeded")
	}
}

func TestQueueRefreshCancelsStaleBuys(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// First buy fill arms the queue for levels 1..3.
	if err := rig.engine.OnFill(ctx, core.Fill{
		OrderID: 101, Side: core.Buy,
		Qty: dec(t, "100"), Price: dec(t, "50.00"),
		Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("buy OnFill: %v", err)
	}
	firstQueue := openBuys(rig.gateway.Placed())
	if len(firstQueue) != 3 {
		t.Fatalf("first queue = %d orders, want 3", len(firstQueue))
	}

	// Level-1 order fills; the remaining two must be cancelled and replaced
	// by a fresh queue for levels 2..4.
	level1 := firstQueue[0]
	if err := rig.gateway.Fill(level1.ID, level1.TriggerPrice); err != nil {
		t.Fatalf("sim fill: %v", err)
	}
	if err := rig.engine.OnFill(ctx, core.Fill{
		OrderID: level1.ID, Side: core.Buy,
		Qty: level1.Qty, Price: level1.TriggerPrice,
		Time: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("level-1 OnFill: %v", err)
	}

	canceled := rig.gateway.Canceled()
	if len(canceled) != 2 {
		t.Fatalf("canceled = %v, want the two stale queue orders", canceled)
	}
	for _, id := range canceled {
		if id == level1.ID {
			t.Fatal("the just-filled order was canceled")
		}
	}

	open, err := rig.gateway.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	liveBuys := openBuys(open)
	if len(liveBuys) != 3 {
		t.Fatalf("live conditional buys = %d, want 3", len(liveBuys))
	}
	// 49.50 compounded: 49.01 (dup of old level 2 repriced), 48.52, 48.03.
	want := map[string]bool{"49.01": false, "48.52": false, "48.03": false}
	for _, ord := range liveBuys {
		key := ord.TriggerPrice.StringFixed(2)
		if _, ok := want[key]; !ok {
			t.Fatalf("unexpected trigger %s in live queue", key)
		}
		want[key] = true
	}
	for trigger, seen := range want {
		if !seen {
			t.Fatalf("missing trigger %s in live queue", trigger)
		}
	}
}

func TestQueueStopsAtLadderEnd(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Seed the broker so reconciliation lands on level 4 of 5: only one
	// ladder level remains below.
	sells := []struct {
		id    int64
		qty   string
		limit string
	}{
		{2001, "100", "50.50"},
		{2002, "110", "50.00"},
		{2003, "125", "49.01"},
		{2004, "140", "49.50"},
	}
	total := decimal.Zero
	for _, s := range sells {
		rig.gateway.SeedOpenOrder(core.Order{
			ID: s.id, Side: core.Sell, Type: core.Limit,
			Qty: dec(t, s.qty), LimitPrice: dec(t, s.limit),
		})
		total = total.Add(dec(t, s.qty))
	}
	rig.gateway.SetPosition(total, dec(t, "49.00"))

	if err := rig.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := rig.engine.NextLevel(); got != 4 {
		t.Fatalf("next level = %d, want 4", got)
	}
	buys := openBuys(rig.gateway.Placed())
	if len(buys) != 1 {
		t.Fatalf("conditional buys = %d, want 1 (ladder exhausted)", len(buys))
	}
	if buys[0].Qty.Cmp(dec(t, "160")) != 0 {
		t.Fatalf("last level qty = %s, want 160", buys[0].Qty)
	}
}

func mustLadder(t *testing.T) *ladder.Ladder {
	t.Helper()
	lad, err := ladder.New([]decimal.Decimal{
		decimal.NewFromInt(100),
		decimal.NewFromInt(110),
		decimal.NewFromInt(125),
		decimal.NewFromInt(140),
		decimal.NewFromInt(160),
	})
	if err != nil {
		t.Fatalf("ladder: %v", err)
	}
	return lad
}

func defaultStrategy(t *testing.T) config.StrategyConfig {
	t.Helper()
	return config.StrategyConfig{
		ProfitTarget:    cfgDec(t, "1.01"),
		BuyTrigger:      cfgDec(t, "0.99"),
		Level0Buffer:    cfgDec(t, "1.0025"),
		QueueDepth:      3,
		OrphanTolerance: cfgDec(t, "0.1"),
		PollIntervalSec: 1,
		OrderTimeoutSec: 1,
	}
}
