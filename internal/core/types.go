package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type TimeInForce string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit OrderType = "LMT"
	// LimitIfTouched activates once the market reaches the trigger price,
	// then rests as a limit order at the limit price.
	LimitIfTouched OrderType = "LIT"
)

const (
	Day            TimeInForce = "DAY"
	GoodTillCancel TimeInForce = "GTC"
)

const (
	OrderPendingSubmit OrderStatus = "PENDING_SUBMIT"
	OrderSubmitted     OrderStatus = "SUBMITTED"
	OrderFilled        OrderStatus = "FILLED"
	OrderCanceled      OrderStatus = "CANCELED"
	OrderRejected      OrderStatus = "REJECTED"
)

// Terminal reports whether the status is final on the broker side.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// PricePrecision is the currency precision every order and target price is
// rounded to before it leaves the process.
const PricePrecision = 2

// RoundPrice rounds to currency precision.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(PricePrecision)
}

type Order struct {
	ID           int64
	ClientID     string
	Symbol       string
	Side         Side
	Type         OrderType
	Qty          decimal.Decimal
	LimitPrice   decimal.Decimal
	TriggerPrice decimal.Decimal
	TIF          TimeInForce
	OutsideRTH   bool
	Status       OrderStatus
	CreatedAt    time.Time
}

// Fill is one execution report delivered by the broker gateway. The same fill
// may be delivered more than once; consumers must dedupe on OrderID.
type Fill struct {
	OrderID int64
	ExecID  string
	Symbol  string
	Side    Side
	Qty     decimal.Decimal
	Price   decimal.Decimal
	Time    time.Time
}

type Position struct {
	Symbol  string
	Qty     decimal.Decimal
	AvgCost decimal.Decimal
}

// Lot is one open grid position: a filled buy waiting for its paired
// protective sell. It exists in memory only while the ledger row is OPEN.
type Lot struct {
	Level         int             `json:"level"`
	Qty           decimal.Decimal `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	SellTarget    decimal.Decimal `json:"sell_target_price"`
	SellOrderID   int64           `json:"sell_order_id,omitempty"`
	LedgerID      int64           `json:"ledger_id,omitempty"`
}

// NewLot derives the protective sell target from the purchase price and the
// configured profit-target ratio, rounded to currency precision.
func NewLot(level int, qty, purchasePrice, profitTarget decimal.Decimal) Lot {
	return Lot{
		Level:         level,
		Qty:           qty,
		PurchasePrice: purchasePrice,
		SellTarget:    RoundPrice(purchasePrice.Mul(profitTarget)),
	}
}
