// Package bridge talks to the broker bridge daemon that fronts the trading
// session: REST for order placement, cancellation and position queries, plus
// a websocket stream of execution reports.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grid-ladder/internal/config"
	"grid-ladder/internal/core"
)

type Client struct {
	baseURL    string
	wsBaseURL  string
	authToken  string
	symbol     string
	httpClient *http.Client
}

func NewClient(cfg config.BrokerConfig, symbol string) (*Client, error) {
	if cfg.RestBaseURL == "" {
		return nil, errors.New("broker rest_base_url required")
	}
	timeout := 15 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.RestBaseURL, "/"),
		wsBaseURL:  strings.TrimRight(cfg.WSBaseURL, "/"),
		authToken:  cfg.AuthToken,
		symbol:     symbol,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bridge api error %d: %s", e.Code, e.Message)
}

type orderPayload struct {
	OrderID      int64  `json:"order_id"`
	ClientID     string `json:"client_order_id,omitempty"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Qty          string `json:"quantity"`
	LimitPrice   string `json:"limit_price,omitempty"`
	TriggerPrice string `json:"trigger_price,omitempty"`
	TIF          string `json:"tif,omitempty"`
	OutsideRTH   bool   `json:"outside_rth,omitempty"`
	Status       string `json:"status,omitempty"`
}

func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if order.ClientID == "" {
		// Dedupe-safe id so a retried submission cannot double-place.
		order.ClientID = uuid.New().String()
	}
	payload := orderPayload{
		ClientID:   order.ClientID,
		Symbol:     c.symbol,
		Side:       string(order.Side),
		Type:       string(order.Type),
		Qty:        order.Qty.String(),
		TIF:        string(order.TIF),
		OutsideRTH: order.OutsideRTH,
	}
	if order.LimitPrice.Cmp(decimal.Zero) > 0 {
		payload.LimitPrice = order.LimitPrice.String()
	}
	if order.TriggerPrice.Cmp(decimal.Zero) > 0 {
		payload.TriggerPrice = order.TriggerPrice.String()
	}
	var resp orderPayload
	if err := c.doJSON(ctx, http.MethodPost, "/v1/orders", payload, &resp); err != nil {
		return core.Order{}, err
	}
	order.ID = resp.OrderID
	order.Symbol = c.symbol
	order.Status = core.OrderStatus(resp.Status)
	if order.Status == "" {
		order.Status = core.OrderSubmitted
	}
	order.CreatedAt = time.Now().UTC()
	return order, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/v1/orders/%d", orderID), nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("cancel order %d: %w", orderID, core.ErrOrderNotFound)
	}
	return err
}

func (c *Client) OpenOrders(ctx context.Context) ([]core.Order, error) {
	var resp struct {
		Orders []orderPayload `json:"orders"`
	}
	path := "/v1/orders/open?symbol=" + c.symbol
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]core.Order, 0, len(resp.Orders))
	for _, p := range resp.Orders {
		ord, err := orderFromPayload(p)
		if err != nil {
			return nil, err
		}
		out = append(out, ord)
	}
	return out, nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID int64) (core.OrderStatus, error) {
	var resp orderPayload
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/v1/orders/%d", orderID), nil, &resp)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return "", fmt.Errorf("order %d: %w", orderID, core.ErrOrderNotFound)
	}
	if err != nil {
		return "", err
	}
	return core.OrderStatus(resp.Status), nil
}

func (c *Client) Position(ctx context.Context) (core.Position, error) {
	var resp struct {
		Symbol  string `json:"symbol"`
		Qty     string `json:"quantity"`
		AvgCost string `json:"average_cost"`
	}
	path := "/v1/position?symbol=" + c.symbol
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return core.Position{}, err
	}
	qty, err := decimal.NewFromString(resp.Qty)
	if err != nil {
		return core.Position{}, fmt.Errorf("bad position quantity %q: %w", resp.Qty, err)
	}
	avgCost := decimal.Zero
	if resp.AvgCost != "" {
		if avgCost, err = decimal.NewFromString(resp.AvgCost); err != nil {
			return core.Position{}, fmt.Errorf("bad average cost %q: %w", resp.AvgCost, err)
		}
	}
	return core.Position{Symbol: resp.Symbol, Qty: qty, AvgCost: avgCost}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed apiError
		if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
			apiErr.Message = parsed.Message
			if parsed.Code != 0 {
				apiErr.Code = parsed.Code
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func orderFromPayload(p orderPayload) (core.Order, error) {
	qty, err := decimal.NewFromString(p.Qty)
	if err != nil {
		return core.Order{}, fmt.Errorf("order %d: bad quantity %q: %w", p.OrderID, p.Qty, err)
	}
	ord := core.Order{
		ID:         p.OrderID,
		ClientID:   p.ClientID,
		Symbol:     p.Symbol,
		Side:       core.Side(p.Side),
		Type:       core.OrderType(p.Type),
		Qty:        qty,
		TIF:        core.TimeInForce(p.TIF),
		OutsideRTH: p.OutsideRTH,
		Status:     core.OrderStatus(p.Status),
	}
	if p.LimitPrice != "" {
		if ord.LimitPrice, err = decimal.NewFromString(p.LimitPrice); err != nil {
			return core.Order{}, fmt.Errorf("order %d: bad limit price %q: %w", p.OrderID, p.LimitPrice, err)
		}
	}
	if p.TriggerPrice != "" {
		if ord.TriggerPrice, err = decimal.NewFromString(p.TriggerPrice); err != nil {
			return core.Order{}, fmt.Errorf("order %d: bad trigger price %q: %w", p.OrderID, p.TriggerPrice, err)
		}
	}
	return ord, nil
}
