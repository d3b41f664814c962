package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const labelKeyPrefix = "label:"

// PlaceOrder submits a hedge order with at-most-once semantics: the
// client-generated label is persisted against the venue order id, so a replay
// of the same label resolves to the existing order instead of a second one.
// While the session is reconnecting the call refuses outright.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if c.reconnecting.Load() {
		return OrderAck{}, transportErr("refusing to place order during reconnection", true)
	}
	if req.Quantity <= 0 {
		return OrderAck{}, &Error{Kind: KindRejected, Msg: "order quantity must be positive"}
	}
	if req.Label != "" && c.opts.Labels != nil {
		if _, ok, err := c.opts.Labels.Get(ctx, labelKeyPrefix+req.Label); err == nil && ok {
			return c.GetOrder(ctx, req.Label)
		}
	}

	method := "private/buy"
	if req.Side == Sell {
		method = "private/sell"
	}
	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Quantity,
		"type":            string(req.Type),
		"label":           req.Label,
	}
	if req.Type == Limit {
		params["price"] = req.Price
	}
	if req.ReduceOnly {
		params["reduce_only"] = true
	}

	raw, err := c.Call(ctx, method, params)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindTimeout && req.Label != "" {
			// the order may have reached the venue; reconcile by label
			return c.reconcileOrder(ctx, req.Label)
		}
		return OrderAck{}, err
	}
	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return OrderAck{}, fmt.Errorf("decode order result: %w", err)
	}
	ack := ackFromWire(res.Order)
	c.rememberLabel(ctx, ack)
	return ack, nil
}

// GetOrder resolves an order's state by its idempotency label.
func (c *Client) GetOrder(ctx context.Context, label string) (OrderAck, error) {
	raw, err := c.Call(ctx, "private/get_order_state_by_label", map[string]any{"label": label})
	if err != nil {
		return OrderAck{}, err
	}
	var orders []wireOrder
	if err := json.Unmarshal(raw, &orders); err != nil {
		return OrderAck{}, fmt.Errorf("decode order state: %w", err)
	}
	if len(orders) == 0 {
		return OrderAck{}, &Error{Kind: KindRejected, Msg: fmt.Sprintf("no order with label %s", label)}
	}
	ack := ackFromWire(orders[0])
	c.rememberLabel(ctx, ack)
	return ack, nil
}

// reconcileOrder polls by label until the order timeout elapses, covering
// the lost-response window after a place_order timeout.
func (c *Client) reconcileOrder(ctx context.Context, label string) (OrderAck, error) {
	deadline := time.Now().Add(c.opts.OrderTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ack, err := c.GetOrder(ctx, label)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return OrderAck{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if lastErr == nil {
		lastErr = timeoutErr("order reconciliation")
	}
	return OrderAck{}, lastErr
}

func (c *Client) GetPosition(ctx context.Context, instrument string) (Position, error) {
	raw, err := c.Call(ctx, "private/get_position", map[string]any{"instrument_name": instrument})
	if err != nil {
		return Position{}, err
	}
	var pos Position
	if err := json.Unmarshal(raw, &pos); err != nil {
		return Position{}, fmt.Errorf("decode position: %w", err)
	}
	return pos, nil
}

func (c *Client) GetAccountSummary(ctx context.Context, currency string) (AccountSummary, error) {
	raw, err := c.Call(ctx, "private/get_account_summary", map[string]any{"currency": currency})
	if err != nil {
		return AccountSummary{}, err
	}
	var sum AccountSummary
	if err := json.Unmarshal(raw, &sum); err != nil {
		return AccountSummary{}, fmt.Errorf("decode account summary: %w", err)
	}
	return sum, nil
}

func (c *Client) GetOpenOrders(ctx context.Context) ([]OrderAck, error) {
	raw, err := c.Call(ctx, "private/get_open_orders", map[string]any{})
	if err != nil {
		return nil, err
	}
	var orders []wireOrder
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]OrderAck, 0, len(orders))
	for _, o := range orders {
		out = append(out, ackFromWire(o))
	}
	return out, nil
}

func (c *Client) GetInstrument(ctx context.Context, instrument string) (InstrumentInfo, error) {
	raw, err := c.Call(ctx, "public/get_instrument", map[string]any{"instrument_name": instrument})
	if err != nil {
		return InstrumentInfo{}, err
	}
	var info InstrumentInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return InstrumentInfo{}, fmt.Errorf("decode instrument: %w", err)
	}
	return info, nil
}

// SubscribeSettlements delivers the user's settlement events for a currency;
// funding settlements on perpetuals arrive here.
func (c *Client) SubscribeSettlements(ctx context.Context, currency string, handler func(Settlement)) error {
	channel := "user.settlements." + strings.ToLower(currency)
	return c.Subscribe(ctx, channel, func(data json.RawMessage) {
		var s Settlement
		if err := json.Unmarshal(data, &s); err != nil {
			c.log.Debug("undecodable settlement", zap.Error(err))
			return
		}
		handler(s)
	})
}

func (c *Client) rememberLabel(ctx context.Context, ack OrderAck) {
	if c.opts.Labels == nil || ack.Label == "" || ack.OrderID == "" {
		return
	}
	if err := c.opts.Labels.Set(ctx, labelKeyPrefix+ack.Label, ack.OrderID); err != nil {
		c.log.Warn("failed to persist order label", zap.Error(err))
	}
}

func ackFromWire(o wireOrder) OrderAck {
	ack := OrderAck{
		OrderID:   o.OrderID,
		Label:     o.Label,
		FilledQty: o.FilledAmount,
		AvgPrice:  o.AveragePrice,
	}
	switch o.OrderState {
	case "filled":
		ack.State = OrderFilled
	case "rejected":
		ack.State = OrderRejected
	case "cancelled":
		ack.State = OrderCancelled
	default:
		ack.State = OrderOpen
	}
	return ack
}
