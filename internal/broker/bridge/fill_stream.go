package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"grid-ladder/internal/broker"
	"grid-ladder/internal/core"
)

const (
	fillStreamReadTimeout = 90 * time.Second
	fillStreamPingEvery   = 30 * time.Second
)

type executionReport struct {
	Type    string `json:"type"`
	OrderID int64  `json:"order_id"`
	ExecID  string `json:"exec_id"`
	Symbol  string `json:"symbol"`
	Side    string `json:"side"`
	Qty     string `json:"quantity"`
	Price   string `json:"price"`
	TimeMs  int64  `json:"ts_ms"`
}

type fillStream struct {
	conn   *websocket.Conn
	events chan core.Fill
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// Fills dials the bridge execution-report stream. The returned stream stays
// live until Close or a read failure; it never reconnects on its own.
func (c *Client) Fills(ctx context.Context) (broker.FillStream, error) {
	if c.wsBaseURL == "" {
		return nil, errors.New("broker ws_base_url required")
	}
	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/v1/fills?symbol="+c.symbol, header)
	if err != nil {
		return nil, err
	}
	s := &fillStream{
		conn:   conn,
		events: make(chan core.Fill),
		errs:   make(chan error, 4),
		done:   make(chan struct{}),
	}
	go s.readLoop(ctx, c.symbol)
	go s.pingLoop(ctx)
	return s, nil
}

func (s *fillStream) Events() <-chan core.Fill { return s.events }

func (s *fillStream) Errs() <-chan error { return s.errs }

func (s *fillStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *fillStream) reportErr(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *fillStream) readLoop(ctx context.Context, symbol string) {
	defer close(s.events)
	defer s.conn.Close()

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(fillStreamReadTimeout))
	})

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(fillStreamReadTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.reportErr(err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		var msg executionReport
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "fill" {
			continue
		}
		if symbol != "" && msg.Symbol != "" && msg.Symbol != symbol {
			continue
		}
		qty, err := decimal.NewFromString(msg.Qty)
		if err != nil || qty.Cmp(decimal.Zero) <= 0 {
			continue
		}
		price, err := decimal.NewFromString(msg.Price)
		if err != nil || price.Cmp(decimal.Zero) <= 0 {
			continue
		}
		ts := time.Now().UTC()
		if msg.TimeMs > 0 {
			ts = time.UnixMilli(msg.TimeMs).UTC()
		}
		fill := core.Fill{
			OrderID: msg.OrderID,
			ExecID:  msg.ExecID,
			Symbol:  msg.Symbol,
			Side:    core.Side(msg.Side),
			Qty:     qty,
			Price:   price,
			Time:    ts,
		}
		select {
		case s.events <- fill:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *fillStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(fillStreamPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.reportErr(err)
				_ = s.conn.Close()
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		}
	}
}
