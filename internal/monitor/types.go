package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventOrderDecomposed EventType = "order_decomposed"
	EventOrderStatus     EventType = "order_status"
	EventOrderFailed     EventType = "order_failed"
	EventRequest         EventType = "request"
	EventBalanceSync     EventType = "balance_sync"
	EventError           EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Type      EventType   `json:"type"`
	OrderID   int64       `json:"order_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Filter 描述事件检索条件，零值字段不参与过滤。
type Filter struct {
	Type    EventType
	OrderID int64
	Since   time.Time
	Limit   int
}

// orderScoped 由归属于某笔订单的负载实现，用于落库时填充 order_id 列。
type orderScoped interface {
	scopeOrderID() int64
}

func (p DecomposedPayload) scopeOrderID() int64  { return p.OrderID }
func (p OrderStatusPayload) scopeOrderID() int64 { return p.OrderID }
func (p OrderFailedPayload) scopeOrderID() int64 { return p.OrderID }

// DecomposedPayload 记录一次拆单结果。
type DecomposedPayload struct {
	OrderID           int64  `json:"order_id"`
	Children          int    `json:"children"`
	Dropped           int    `json:"dropped"`
	AvailableInUsdSum string `json:"available_in_usd_sum"`
	StatusCode        string `json:"status_code"`
}

// OrderStatusPayload 记录订单聚合后的状态。
type OrderStatusPayload struct {
	OrderID    int64  `json:"order_id"`
	Status     string `json:"status"`
	StatusCode string `json:"status_code"`
	Remain     string `json:"remain"`
}

// OrderFailedPayload 记录订单失败。
type OrderFailedPayload struct {
	OrderID    int64  `json:"order_id"`
	StatusCode string `json:"status_code"`
	Message    string `json:"message"`
	Fatal      bool   `json:"fatal"`
}

// RequestPayload 记录一次交易所请求的结果。
type RequestPayload struct {
	StrID        string `json:"str_id"`
	Credential   string `json:"credential"`
	Operation    string `json:"operation"`
	Status       string `json:"status"`
	Code         string `json:"code"`
	ResponseCode int    `json:"response_code"`
	LatencyMS    int64  `json:"latency_ms"`
}

// BalanceSyncPayload 记录余额同步结果。
type BalanceSyncPayload struct {
	Credential string `json:"credential"`
	Currencies int    `json:"currencies"`
	Revived    bool   `json:"revived"`
}

// ErrorPayload 记录异常详情。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
