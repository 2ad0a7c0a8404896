package exchange

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"trades-exec/internal/order"
)

// Operation 为交易所操作类型，写入请求队列的 operation 列。
type Operation string

const (
	OpGetOrders          Operation = "get_orders"
	OpGetOrder           Operation = "get_order"
	OpGetPositions       Operation = "get_positions"
	OpGetBalances        Operation = "get_balances"
	OpCreateOrderNew     Operation = "create_order_new"
	OpCreateOrderReplace Operation = "create_order_replace"
	OpCreateOrderCancel  Operation = "create_order_cancel"
	OpGeneric            Operation = "generic"
)

var operations = map[Operation]string{
	OpGetOrders:          "GET",
	OpGetOrder:           "GET",
	OpGetPositions:       "GET",
	OpGetBalances:        "GET",
	OpCreateOrderNew:     "POST",
	OpCreateOrderReplace: "PUT",
	OpCreateOrderCancel:  "DELETE",
	OpGeneric:            "POST",
}

// Valid 判断操作是否已知。
func (op Operation) Valid() bool {
	_, ok := operations[op]
	return ok
}

// Request 为适配器构建的 HTTP 形态请求。
type Request struct {
	Operation Operation
	URL       string
	Method    string
	Headers   map[string]string
	Data      []byte
	Nonce     string
}

// Payload 为请求体，字段按操作取用。
type Payload struct {
	Symbol        string                 `json:"symbol,omitempty"`
	Side          string                 `json:"side,omitempty"`
	Type          string                 `json:"type,omitempty"`
	Amount        string                 `json:"amount,omitempty"`
	Price         string                 `json:"price,omitempty"`
	OrderID       string                 `json:"order_id,omitempty"`
	ClientOrderID string                 `json:"client_order_id,omitempty"`
	Call          string                 `json:"call,omitempty"`
	Params        map[string]interface{} `json:"params,omitempty"`
}

// Envelope 为传输层写回的响应体。
type Envelope struct {
	Exchange  string          `json:"exchange"`
	Operation Operation       `json:"operation"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody 描述交易所返回的错误。
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// OrderResult 为交易所订单的统一表示。
// Live/Cancelled 为交易所原生标志，缺失时由 status 推断。
type OrderResult struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Side          string `json:"side,omitempty"`
	Type          string `json:"type,omitempty"`
	Status        string `json:"status,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Filled        string `json:"filled,omitempty"`
	Remaining     string `json:"remaining,omitempty"`
	Price         string `json:"price,omitempty"`
	Average       string `json:"average,omitempty"`
	Fee           string `json:"fee,omitempty"`
	Live          *bool  `json:"live,omitempty"`
	Cancelled     *bool  `json:"cancelled,omitempty"`
}

// BalanceResult 为余额查询结果。
type BalanceResult struct {
	Total map[string]string `json:"total"`
	Free  map[string]string `json:"free"`
}

// PositionResult 为持仓查询结果。
type PositionResult struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Contracts  string `json:"contracts"`
	Notional   string `json:"notional"`
	EntryPrice string `json:"entry_price"`
}

// OrderSpec 描述下单参数，同时作为解析响应时的期望值。
type OrderSpec struct {
	Symbol        string
	Side          order.Side
	Exec          order.Exec
	Amount        decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// OrderStatus 为解析后的订单阶段。
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderRejected  OrderStatus = "REJECTED"
)

// OrderState 为解析后的订单状态。
type OrderState struct {
	ExchangeOrderID string
	Status          OrderStatus
	Amount          decimal.Decimal
	Filled          decimal.Decimal
	Remain          decimal.Decimal
	PriceAvgExec    decimal.Decimal
	Fee             decimal.Decimal
	Live            bool
	Cancelled       bool
}

// Balances 为按币种的余额。
type Balances struct {
	Total map[string]decimal.Decimal
	Free  map[string]decimal.Decimal
}

// Position 为单个持仓。
type Position struct {
	Symbol     string
	Side       string
	Contracts  decimal.Decimal
	Notional   decimal.Decimal
	EntryPrice decimal.Decimal
}
