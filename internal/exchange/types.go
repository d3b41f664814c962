package exchange

import (
	"github.com/goccy/go-json"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type rpcInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *subParams      `json:"params,omitempty"`
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type OrderState string

const (
	OrderOpen      OrderState = "open"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
)

type OrderRequest struct {
	Instrument string
	Side       OrderSide
	Quantity   float64
	Type       OrderType
	Price      float64
	ReduceOnly bool
	Label      string
}

type OrderAck struct {
	OrderID   string
	Label     string
	State     OrderState
	FilledQty float64
	AvgPrice  float64
}

type orderResult struct {
	Order wireOrder `json:"order"`
}

type wireOrder struct {
	OrderID      string  `json:"order_id"`
	Label        string  `json:"label"`
	OrderState   string  `json:"order_state"`
	FilledAmount float64 `json:"filled_amount"`
	AveragePrice float64 `json:"average_price"`
	Direction    string  `json:"direction"`
}

type Position struct {
	Instrument   string  `json:"instrument_name"`
	Size         float64 `json:"size"`
	AveragePrice float64 `json:"average_price"`
	Direction    string  `json:"direction"`
	MarkPrice    float64 `json:"mark_price"`
}

// SignedSize is the position size with short positions negative.
func (p Position) SignedSize() float64 {
	if p.Direction == "sell" {
		return -p.Size
	}
	return p.Size
}

type AccountSummary struct {
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
}

type InstrumentInfo struct {
	Name           string  `json:"instrument_name"`
	Kind           string  `json:"kind"`
	LotSize        float64 `json:"min_trade_amount"`
	TickSize       float64 `json:"tick_size"`
	ContractSize   float64 `json:"contract_size"`
	QuoteCurrency  string  `json:"quote_currency"`
	SettlementCcy  string  `json:"settlement_currency"`
	InstrumentType string  `json:"instrument_type"`
}

// Linear reports whether the contract is quoted and settled in quote
// currency; inverse contracts settle in underlying.
func (i InstrumentInfo) Linear() bool {
	if i.InstrumentType != "" {
		return i.InstrumentType == "linear"
	}
	return i.SettlementCcy == "USDC" || i.SettlementCcy == "USDT" || i.SettlementCcy == "USD"
}

// Settlement is a user settlement event; Type "funding" carries the funding
// amount exchanged on a perpetual position.
type Settlement struct {
	Type       string  `json:"type"`
	Instrument string  `json:"instrument_name"`
	Funding    float64 `json:"funding"`
	ProfitLoss float64 `json:"profit_loss"`
	Timestamp  int64   `json:"timestamp"`
}
