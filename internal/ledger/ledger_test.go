package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "trades.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := l.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return l
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func TestRecordBuyAndListOpen(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	id, err := l.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), now)
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if id <= 0 {
		t.Fatalf("row id = %d, want > 0", id)
	}

	rows, err := l.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("open rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.Level != 0 || row.BuyOrderID != 1001 || row.Status != StatusOpen {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.BuyQty.Cmp(dec(t, "100")) != 0 || row.BuyPrice.Cmp(dec(t, "50.00")) != 0 {
		t.Fatalf("quantity/price mismatch: %+v", row)
	}
	if row.HasSell {
		t.Fatal("fresh row should have no sell")
	}
}

func TestRecordBuyDuplicateOrderID(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	if _, err := l.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), now); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	_, err := l.RecordBuy(1, 1001, dec(t, "110"), dec(t, "49.50"), now)
	if !errors.Is(err, core.ErrDuplicateBuy) {
		t.Fatalf("duplicate RecordBuy err = %v, want ErrDuplicateBuy", err)
	}

	rows, err := l.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("open rows = %d, want 1 (duplicate must not insert)", len(rows))
	}
}

func TestAttachSellAndFindBySellOrder(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	id, err := l.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), now)
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if err := l.AttachSell(id, 2001); err != nil {
		t.Fatalf("AttachSell: %v", err)
	}

	row, err := l.FindBySellOrder(2001)
	if err != nil {
		t.Fatalf("FindBySellOrder: %v", err)
	}
	if row.ID != id || !row.HasSell || row.SellOrderID != 2001 {
		t.Fatalf("unexpected row: %+v", row)
	}

	if _, err := l.FindBySellOrder(9999); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("FindBySellOrder(9999) err = %v, want ErrOrderNotFound", err)
	}
	if err := l.AttachSell(9999, 2002); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("AttachSell on missing row err = %v, want ErrOrderNotFound", err)
	}
}

func TestMarkClosedTerminal(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	id, err := l.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), now)
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if err := l.AttachSell(id, 2001); err != nil {
		t.Fatalf("AttachSell: %v", err)
	}
	price := dec(t, "50.50")
	if err := l.MarkClosed(2001, dec(t, "100"), &price, now); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}

	rows, err := l.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("open rows = %d, want 0", len(rows))
	}

	row, err := l.FindBySellOrder(2001)
	if err != nil {
		t.Fatalf("FindBySellOrder: %v", err)
	}
	if row.Status != StatusClosed {
		t.Fatalf("status = %s, want CLOSED", row.Status)
	}
	if row.SellPrice == nil || row.SellPrice.Cmp(price) != 0 {
		t.Fatalf("sell price = %v, want %s", row.SellPrice, price)
	}

	// A second close of the same row is a no-op, never a reopen.
	other := dec(t, "60.00")
	if err := l.MarkClosed(2001, dec(t, "100"), &other, now); err != nil {
		t.Fatalf("second MarkClosed: %v", err)
	}
	row, err = l.FindBySellOrder(2001)
	if err != nil {
		t.Fatalf("FindBySellOrder after second close: %v", err)
	}
	if row.SellPrice.Cmp(price) != 0 {
		t.Fatalf("sell price changed to %s after duplicate close", row.SellPrice)
	}
}

func TestMarkClosedUnknownPrice(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	id, err := l.RecordBuy(2, 1003, dec(t, "125"), dec(t, "48.52"), now)
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if err := l.AttachSell(id, 2003); err != nil {
		t.Fatalf("AttachSell: %v", err)
	}
	if err := l.MarkClosed(2003, dec(t, "125"), nil, now); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}
	row, err := l.FindBySellOrder(2003)
	if err != nil {
		t.Fatalf("FindBySellOrder: %v", err)
	}
	if row.Status != StatusClosed {
		t.Fatalf("status = %s, want CLOSED", row.Status)
	}
	if row.SellPrice != nil {
		t.Fatalf("sell price = %s, want unknown (nil)", row.SellPrice)
	}
}

func TestMarkClosedNoMatchIsIgnored(t *testing.T) {
	l := openTestLedger(t)
	if err := l.MarkClosed(4242, dec(t, "100"), nil, time.Now().UTC()); err != nil {
		t.Fatalf("MarkClosed with no matching row: %v", err)
	}
}

func TestOpenQuantity(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	if _, err := l.RecordBuy(0, 1001, dec(t, "100"), dec(t, "50.00"), now); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	id, err := l.RecordBuy(1, 1002, dec(t, "110"), dec(t, "49.50"), now)
	if err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	total, err := l.OpenQuantity()
	if err != nil {
		t.Fatalf("OpenQuantity: %v", err)
	}
	if total.Cmp(dec(t, "210")) != 0 {
		t.Fatalf("OpenQuantity = %s, want 210", total)
	}

	if err := l.AttachSell(id, 2002); err != nil {
		t.Fatalf("AttachSell: %v", err)
	}
	if err := l.MarkClosed(2002, dec(t, "110"), nil, now); err != nil {
		t.Fatalf("MarkClosed: %v", err)
	}
	total, err = l.OpenQuantity()
	if err != nil {
		t.Fatalf("OpenQuantity: %v", err)
	}
	if total.Cmp(dec(t, "100")) != 0 {
		t.Fatalf("OpenQuantity = %s, want 100", total)
	}
}

func TestOpenReusesExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.RecordBuy(0, 1001, decimal.NewFromInt(100), decimal.NewFromInt(50), time.Now().UTC()); err != nil {
		t.Fatalf("RecordBuy: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	rows, err := l2.ListOpen()
	if err != nil {
		t.Fatalf("ListOpen after reopen: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("open rows after reopen = %d, want 1", len(rows))
	}
}
