package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Row is one buy lot and, once closed, its paired sell. The ledger is the
// sole source of truth surviving restarts; everything in memory is derived
// from OPEN rows.
type Row struct {
	ID         int64
	Level      int
	BuyOrderID int64
	BuyQty     decimal.Decimal
	BuyPrice   decimal.Decimal
	BuyTime    time.Time
	Status     string

	SellOrderID int64
	HasSell     bool
	SellQty     decimal.Decimal
	// SellPrice is nil for lots closed while offline, where the realized
	// price is unknown rather than zero.
	SellPrice *decimal.Decimal
	SellTime  time.Time
}

type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    level INTEGER NOT NULL,
    buy_order_id INTEGER NOT NULL UNIQUE,
    buy_quantity TEXT NOT NULL,
    buy_price TEXT NOT NULL,
    buy_timestamp TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('OPEN', 'CLOSED')),
    sell_order_id INTEGER UNIQUE,
    sell_quantity TEXT,
    sell_price TEXT,
    sell_timestamp TEXT
);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
`

// Open initializes the SQLite ledger at path, creating the schema when
// missing. Safe to call on every start.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set synchronous level: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate trades table: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordBuy inserts a new OPEN row and returns its id. When the buy order id
// already exists it returns core.ErrDuplicateBuy without inserting; this is
// the single de-duplication point for re-delivered fill events.
func (l *Ledger) RecordBuy(level int, buyOrderID int64, qty, price decimal.Decimal, ts time.Time) (int64, error) {
	res, err := l.db.Exec(
		`INSERT INTO trades (level, buy_order_id, buy_quantity, buy_price, buy_timestamp, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		level, buyOrderID, qty.String(), price.String(), ts.UTC().Format(time.RFC3339Nano), StatusOpen,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("buy order %d: %w", buyOrderID, core.ErrDuplicateBuy)
		}
		return 0, fmt.Errorf("record buy: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record buy id: %w", err)
	}
	log.Printf("level=INFO event=ledger_buy_recorded row_id=%d level=%d order_id=%d qty=%s price=%s",
		id, level, buyOrderID, qty.String(), price.String())
	return id, nil
}

// AttachSell associates a protective sell order with an open row.
func (l *Ledger) AttachSell(rowID, sellOrderID int64) error {
	res, err := l.db.Exec(`UPDATE trades SET sell_order_id = ? WHERE id = ?`, sellOrderID, rowID)
	if err != nil {
		return fmt.Errorf("attach sell: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attach sell: row %d: %w", rowID, core.ErrOrderNotFound)
	}
	return nil
}

// MarkClosed marks the row matching sellOrderID as CLOSED. A nil price
// records the sell amount as unknown (offline fill). When no OPEN row
// matches, the call logs and ignores: that covers duplicate delivery.
func (l *Ledger) MarkClosed(sellOrderID int64, qty decimal.Decimal, price *decimal.Decimal, ts time.Time) error {
	var priceVal interface{}
	if price != nil {
		priceVal = price.String()
	}
	res, err := l.db.Exec(
		`UPDATE trades
		 SET status = ?, sell_quantity = ?, sell_price = ?, sell_timestamp = ?
		 WHERE sell_order_id = ? AND status = ?`,
		StatusClosed, qty.String(), priceVal, ts.UTC().Format(time.RFC3339Nano), sellOrderID, StatusOpen,
	)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("level=WARN event=ledger_close_no_match sell_order_id=%d", sellOrderID)
		return nil
	}
	log.Printf("level=INFO event=ledger_trade_closed sell_order_id=%d qty=%s", sellOrderID, qty.String())
	return nil
}

// ListOpen returns all OPEN rows ordered by level.
func (l *Ledger) ListOpen() ([]Row, error) {
	rows, err := l.db.Query(
		`SELECT id, level, buy_order_id, buy_quantity, buy_price, buy_timestamp, status,
		        sell_order_id, sell_quantity, sell_price, sell_timestamp
		 FROM trades WHERE status = ? ORDER BY level ASC, id ASC`, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("list open: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// FindBySellOrder returns the row carrying sellOrderID, or core.ErrOrderNotFound.
func (l *Ledger) FindBySellOrder(sellOrderID int64) (Row, error) {
	rows, err := l.db.Query(
		`SELECT id, level, buy_order_id, buy_quantity, buy_price, buy_timestamp, status,
		        sell_order_id, sell_quantity, sell_price, sell_timestamp
		 FROM trades WHERE sell_order_id = ?`, sellOrderID)
	if err != nil {
		return Row{}, fmt.Errorf("find by sell order: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Row{}, err
		}
		return Row{}, fmt.Errorf("sell order %d: %w", sellOrderID, core.ErrOrderNotFound)
	}
	return scanRow(rows)
}

// OpenQuantity sums the buy quantity over all OPEN rows.
func (l *Ledger) OpenQuantity() (decimal.Decimal, error) {
	open, err := l.ListOpen()
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, row := range open {
		total = total.Add(row.BuyQty)
	}
	return total, nil
}

func scanRow(rows *sql.Rows) (Row, error) {
	var (
		r         Row
		buyQty    string
		buyPrice  string
		buyTS     string
		sellID    sql.NullInt64
		sellQty   sql.NullString
		sellPrice sql.NullString
		sellTS    sql.NullString
	)
	if err := rows.Scan(&r.ID, &r.Level, &r.BuyOrderID, &buyQty, &buyPrice, &buyTS, &r.Status,
		&sellID, &sellQty, &sellPrice, &sellTS); err != nil {
		return Row{}, fmt.Errorf("scan trade row: %w", err)
	}
	var err error
	if r.BuyQty, err = decimal.NewFromString(buyQty); err != nil {
		return Row{}, fmt.Errorf("row %d: bad buy quantity %q: %w", r.ID, buyQty, err)
	}
	if r.BuyPrice, err = decimal.NewFromString(buyPrice); err != nil {
		return Row{}, fmt.Errorf("row %d: bad buy price %q: %w", r.ID, buyPrice, err)
	}
	if r.BuyTime, err = time.Parse(time.RFC3339Nano, buyTS); err != nil {
		return Row{}, fmt.Errorf("row %d: bad buy timestamp %q: %w", r.ID, buyTS, err)
	}
	if sellID.Valid {
		r.SellOrderID = sellID.Int64
		r.HasSell = true
	}
	if sellQty.Valid {
		if r.SellQty, err = decimal.NewFromString(sellQty.String); err != nil {
			return Row{}, fmt.Errorf("row %d: bad sell quantity %q: %w", r.ID, sellQty.String, err)
		}
	}
	if sellPrice.Valid {
		p, err := decimal.NewFromString(sellPrice.String)
		if err != nil {
			return Row{}, fmt.Errorf("row %d: bad sell price %q: %w", r.ID, sellPrice.String, err)
		}
		r.SellPrice = &p
	}
	if sellTS.Valid {
		if r.SellTime, err = time.Parse(time.RFC3339Nano, sellTS.String); err != nil {
			return Row{}, fmt.Errorf("row %d: bad sell timestamp %q: %w", r.ID, sellTS.String, err)
		}
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
