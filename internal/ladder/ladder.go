package ladder

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

// Ladder is the immutable level -> quantity table defining grid purchase
// sizes. Levels are a dense index starting at 0.
type Ladder struct {
	quantities []decimal.Decimal
}

// New builds a ladder from an ordered quantity list.
func New(quantities []decimal.Decimal) (*Ladder, error) {
	if len(quantities) == 0 {
		return nil, fmt.Errorf("ladder must have at least one level")
	}
	out := make([]decimal.Decimal, len(quantities))
	for i, q := range quantities {
		if q.Cmp(decimal.Zero) <= 0 {
			return nil, fmt.Errorf("ladder level %d: quantity must be > 0, got %s", i, q)
		}
		out[i] = q
	}
	return &Ladder{quantities: out}, nil
}

// LoadCSV reads "level,quantity" rows without a header. Rows must be dense
// and ordered from level 0; anything malformed is an error the caller treats
// as fatal.
func LoadCSV(path string) (*Ladder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ladder csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = 2
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ladder csv %q: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("ladder csv %q is empty", path)
	}

	quantities := make([]decimal.Decimal, 0, len(records))
	for i, rec := range records {
		level, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("ladder csv row %d: invalid level %q", i+1, rec[0])
		}
		if level != i {
			return nil, fmt.Errorf("ladder csv row %d: levels must be dense from 0, got %d", i+1, level)
		}
		qty, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("ladder csv row %d: invalid quantity %q", i+1, rec[1])
		}
		quantities = append(quantities, qty)
	}
	return New(quantities)
}

func (l *Ladder) Len() int {
	return len(l.quantities)
}

// QuantityFor returns the configured quantity for a level, or
// core.ErrLadderExhausted once the level is past the end of the table.
func (l *Ladder) QuantityFor(level int) (decimal.Decimal, error) {
	if level < 0 || level >= len(l.quantities) {
		return decimal.Zero, fmt.Errorf("level %d: %w", level, core.ErrLadderExhausted)
	}
	return l.quantities[level], nil
}

// LevelsForQuantity returns every level carrying qty, highest level first.
// Reconciliation walks this list so sells sharing a quantity land on
// distinct levels.
func (l *Ladder) LevelsForQuantity(qty decimal.Decimal) []int {
	var out []int
	for level := len(l.quantities) - 1; level >= 0; level-- {
		if l.quantities[level].Cmp(qty) == 0 {
			out = append(out, level)
		}
	}
	return out
}

// LevelForQuantity is the inverse lookup mapping an open broker order back
// onto the ladder. When two levels share a quantity the highest wins.
func (l *Ladder) LevelForQuantity(qty decimal.Decimal) (int, bool) {
	levels := l.LevelsForQuantity(qty)
	if len(levels) == 0 {
		return 0, false
	}
	return levels[0], true
}
