package exchange

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trades-exec/internal/order"
)

const urlScheme = "ccxt"

// Adapter 为单个交易所构建请求并解析响应。
type Adapter interface {
	Code() string

	BuildGetOrders(symbol string) (Request, error)
	BuildGetOrder(symbol, exchangeOrderID string) (Request, error)
	BuildGetPositions() (Request, error)
	BuildGetBalances() (Request, error)
	BuildCreateOrderNew(spec OrderSpec) (Request, error)
	BuildCreateOrderReplace(exchangeOrderID string, spec OrderSpec) (Request, error)
	BuildCreateOrderCancel(symbol, exchangeOrderID string) (Request, error)
	BuildGeneric(call string, params map[string]interface{}) (Request, error)

	ParseGetOrders(status int, body []byte) ([]OrderState, error)
	ParseGetOrder(status int, body []byte, expected *OrderSpec) (OrderState, error)
	ParseCreateOrder(status int, body []byte, expected *OrderSpec) (OrderState, error)
	ParseCancelOrder(status int, body []byte, expected *OrderSpec) (OrderState, error)
	ParseGetBalances(status int, body []byte) (Balances, error)
	ParseGetPositions(status int, body []byte) ([]Position, error)
	ParseGeneric(status int, body []byte) (json.RawMessage, error)
}

// CCXTAdapter 通过 ccxt 统一接口访问交易所，请求以 ccxt://<code>/<op> 寻址。
type CCXTAdapter struct {
	code string
	now  func() time.Time
}

var _ Adapter = (*CCXTAdapter)(nil)

// NewCCXTAdapter 创建适配器。
func NewCCXTAdapter(code string) *CCXTAdapter {
	return &CCXTAdapter{
		code: strings.ToLower(strings.TrimSpace(code)),
		now:  time.Now,
	}
}

// Code 返回交易所代码。
func (a *CCXTAdapter) Code() string {
	return a.code
}

// BuildURL 组装请求地址。
func BuildURL(code string, op Operation) string {
	return fmt.Sprintf("%s://%s/%s", urlScheme, code, op)
}

// ParseURL 解析请求地址，返回交易所代码与操作。
func ParseURL(raw string) (string, Operation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("exchange: 解析请求地址失败: %w", err)
	}
	if u.Scheme != urlScheme || u.Host == "" {
		return "", "", fmt.Errorf("exchange: 不支持的请求地址 %q", raw)
	}
	op := Operation(strings.TrimPrefix(u.Path, "/"))
	if !op.Valid() {
		return "", "", fmt.Errorf("exchange: 未知操作 %q", op)
	}
	return u.Host, op, nil
}

func (a *CCXTAdapter) build(op Operation, payload Payload) (Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("exchange: 编码请求体失败: %w", err)
	}
	return Request{
		Operation: op,
		URL:       BuildURL(a.code, op),
		Method:    operations[op],
		Headers: map[string]string{
			"Content-Type": "application/json",
			"X-Operation":  string(op),
		},
		Data:  data,
		Nonce: strconv.FormatInt(a.now().UnixMilli(), 10),
	}, nil
}

// BuildGetOrders 构建挂单列表查询。
func (a *CCXTAdapter) BuildGetOrders(symbol string) (Request, error) {
	return a.build(OpGetOrders, Payload{Symbol: symbol})
}

// BuildGetOrder 构建单个订单查询。
func (a *CCXTAdapter) BuildGetOrder(symbol, exchangeOrderID string) (Request, error) {
	if exchangeOrderID == "" {
		return Request{}, fmt.Errorf("exchange: 查询订单缺少交易所订单号")
	}
	return a.build(OpGetOrder, Payload{Symbol: symbol, OrderID: exchangeOrderID})
}

// BuildGetPositions 构建持仓查询。
func (a *CCXTAdapter) BuildGetPositions() (Request, error) {
	return a.build(OpGetPositions, Payload{})
}

// BuildGetBalances 构建余额查询。
func (a *CCXTAdapter) BuildGetBalances() (Request, error) {
	return a.build(OpGetBalances, Payload{})
}

// BuildCreateOrderNew 构建下单请求。
func (a *CCXTAdapter) BuildCreateOrderNew(spec OrderSpec) (Request, error) {
	payload, err := orderPayload(spec)
	if err != nil {
		return Request{}, err
	}
	return a.build(OpCreateOrderNew, payload)
}

// BuildCreateOrderReplace 构建改单请求，旧订单撤销后按新参数重新下单。
func (a *CCXTAdapter) BuildCreateOrderReplace(exchangeOrderID string, spec OrderSpec) (Request, error) {
	if exchangeOrderID == "" {
		return Request{}, fmt.Errorf("exchange: 改单缺少原交易所订单号")
	}
	payload, err := orderPayload(spec)
	if err != nil {
		return Request{}, err
	}
	payload.OrderID = exchangeOrderID
	return a.build(OpCreateOrderReplace, payload)
}

// BuildCreateOrderCancel 构建撤单请求。
func (a *CCXTAdapter) BuildCreateOrderCancel(symbol, exchangeOrderID string) (Request, error) {
	if exchangeOrderID == "" {
		return Request{}, fmt.Errorf("exchange: 撤单缺少交易所订单号")
	}
	return a.build(OpCreateOrderCancel, Payload{Symbol: symbol, OrderID: exchangeOrderID})
}

// BuildGeneric 构建任意 ccxt 调用。
func (a *CCXTAdapter) BuildGeneric(call string, params map[string]interface{}) (Request, error) {
	if strings.TrimSpace(call) == "" {
		return Request{}, fmt.Errorf("exchange: 通用请求缺少调用名")
	}
	return a.build(OpGeneric, Payload{Call: call, Params: params})
}

func orderPayload(spec OrderSpec) (Payload, error) {
	if spec.Symbol == "" {
		return Payload{}, fmt.Errorf("exchange: 下单缺少交易对")
	}
	if !spec.Amount.IsPositive() {
		return Payload{}, fmt.Errorf("exchange: 下单数量必须为正")
	}
	side, err := sideString(spec.Side)
	if err != nil {
		return Payload{}, err
	}
	typ, err := execString(spec.Exec)
	if err != nil {
		return Payload{}, err
	}
	p := Payload{
		Symbol:        spec.Symbol,
		Side:          side,
		Type:          typ,
		Amount:        spec.Amount.String(),
		ClientOrderID: spec.ClientOrderID,
	}
	if spec.Exec == order.ExecLimit {
		if !spec.Price.IsPositive() {
			return Payload{}, fmt.Errorf("exchange: 限价单价格必须为正")
		}
		p.Price = spec.Price.String()
	}
	return p, nil
}

func sideString(s order.Side) (string, error) {
	switch s {
	case order.SideBuy:
		return "buy", nil
	case order.SideSell:
		return "sell", nil
	default:
		return "", fmt.Errorf("exchange: 未知方向 %q", s)
	}
}

func execString(e order.Exec) (string, error) {
	switch e {
	case order.ExecMarket:
		return "market", nil
	case order.ExecLimit:
		return "limit", nil
	default:
		return "", fmt.Errorf("exchange: 未知执行方式 %q", e)
	}
}

// DecodePayload 解析请求体。
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("exchange: 解析请求体失败: %w", err)
	}
	return p, nil
}
