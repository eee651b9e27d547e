package core

import "errors"

var (
	// ErrLadderExhausted indicates a level past the end of the configured ladder.
	ErrLadderExhausted = errors.New("ladder exhausted")
	// ErrDuplicateBuy indicates the buy order id has already been recorded in the ledger.
	ErrDuplicateBuy = errors.New("duplicate buy order")
	// ErrOrderNotFound indicates no ledger row or broker order matches the id.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPriceUnavailable indicates the price source returned no usable quote.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrIrreconcilable indicates broker state that cannot be mapped back onto the
	// ladder. The engine halts rather than guess; the wrapped message carries the
	// operator diagnostic.
	ErrIrreconcilable = errors.New("irreconcilable broker state")
)
