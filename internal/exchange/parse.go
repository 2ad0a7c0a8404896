package exchange

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"trades-exec/internal/apperr"
	"trades-exec/internal/fixed"
	"trades-exec/internal/order"
)

// AmountTolerance 为响应数量、价格与期望值之间允许的相对偏差，覆盖交易所按步长取整。
var AmountTolerance = decimal.RequireFromString("0.001")

// envelope 解析响应外层并校验来源，ops 为可接受的操作。
func (a *CCXTAdapter) envelope(status int, body []byte, ops ...Operation) (Envelope, error) {
	var env Envelope
	op := ops[0]
	if len(body) == 0 {
		return env, apperr.Newf(apperr.CodeAdapter, "%s %s: 响应为空 (status=%d)", a.code, op, status)
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, apperr.Wrap(apperr.CodeAdapter, a.code+" "+string(op)+": 解析响应失败", err)
	}
	if env.Exchange != a.code {
		return env, apperr.Validationf("%s %s: 响应来自交易所 %q", a.code, op, env.Exchange)
	}
	if !containsOp(ops, env.Operation) {
		return env, apperr.Validationf("%s %s: 响应操作为 %q", a.code, op, env.Operation)
	}
	if env.Error != nil {
		return env, apperr.Newf(apperr.CodeAdapter, "%s %s: %s: %s", a.code, op, env.Error.Type, env.Error.Message)
	}
	if status >= 400 || status == 0 {
		return env, apperr.Newf(apperr.CodeAdapter, "%s %s: 异常状态码 %d", a.code, op, status)
	}
	return env, nil
}

func containsOp(ops []Operation, op Operation) bool {
	for _, candidate := range ops {
		if candidate == op {
			return true
		}
	}
	return false
}

func (a *CCXTAdapter) parseOrder(status int, body []byte, expected *OrderSpec, ops ...Operation) (OrderState, error) {
	env, err := a.envelope(status, body, ops...)
	if err != nil {
		return OrderState{}, err
	}
	var res OrderResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return OrderState{}, apperr.Wrap(apperr.CodeAdapter, a.code+" "+string(env.Operation)+": 解析订单失败", err)
	}
	st, err := toOrderState(res)
	if err != nil {
		return OrderState{}, err
	}
	if expected != nil {
		if err := crossValidate(res, st, *expected); err != nil {
			return OrderState{}, err
		}
	}
	return st, nil
}

// ParseGetOrders 解析挂单列表。
func (a *CCXTAdapter) ParseGetOrders(status int, body []byte) ([]OrderState, error) {
	env, err := a.envelope(status, body, OpGetOrders)
	if err != nil {
		return nil, err
	}
	var results []OrderResult
	if err := json.Unmarshal(env.Result, &results); err != nil {
		return nil, apperr.Wrap(apperr.CodeAdapter, a.code+": 解析订单列表失败", err)
	}
	out := make([]OrderState, 0, len(results))
	for _, res := range results {
		st, err := toOrderState(res)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ParseGetOrder 解析订单状态查询。
func (a *CCXTAdapter) ParseGetOrder(status int, body []byte, expected *OrderSpec) (OrderState, error) {
	return a.parseOrder(status, body, expected, OpGetOrder)
}

// ParseCreateOrder 解析下单或改单响应。
func (a *CCXTAdapter) ParseCreateOrder(status int, body []byte, expected *OrderSpec) (OrderState, error) {
	return a.parseOrder(status, body, expected, OpCreateOrderNew, OpCreateOrderReplace)
}

// ParseCancelOrder 解析撤单响应。
func (a *CCXTAdapter) ParseCancelOrder(status int, body []byte, expected *OrderSpec) (OrderState, error) {
	return a.parseOrder(status, body, expected, OpCreateOrderCancel)
}

// ParseGetBalances 解析余额。
func (a *CCXTAdapter) ParseGetBalances(status int, body []byte) (Balances, error) {
	env, err := a.envelope(status, body, OpGetBalances)
	if err != nil {
		return Balances{}, err
	}
	var res BalanceResult
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return Balances{}, apperr.Wrap(apperr.CodeAdapter, a.code+": 解析余额失败", err)
	}
	total, err := decimalMap(res.Total)
	if err != nil {
		return Balances{}, err
	}
	free, err := decimalMap(res.Free)
	if err != nil {
		return Balances{}, err
	}
	return Balances{Total: total, Free: free}, nil
}

// ParseGetPositions 解析持仓。
func (a *CCXTAdapter) ParseGetPositions(status int, body []byte) ([]Position, error) {
	env, err := a.envelope(status, body, OpGetPositions)
	if err != nil {
		return nil, err
	}
	var results []PositionResult
	if err := json.Unmarshal(env.Result, &results); err != nil {
		return nil, apperr.Wrap(apperr.CodeAdapter, a.code+": 解析持仓失败", err)
	}
	out := make([]Position, 0, len(results))
	for _, res := range results {
		p := Position{Symbol: res.Symbol, Side: strings.ToUpper(res.Side)}
		if p.Contracts, err = parseField("contracts", res.Contracts); err != nil {
			return nil, err
		}
		if p.Notional, err = parseField("notional", res.Notional); err != nil {
			return nil, err
		}
		if p.EntryPrice, err = parseField("entry_price", res.EntryPrice); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseGeneric 返回原始结果。
func (a *CCXTAdapter) ParseGeneric(status int, body []byte) (json.RawMessage, error) {
	env, err := a.envelope(status, body, OpGeneric)
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

func toOrderState(res OrderResult) (OrderState, error) {
	if res.ID == "" {
		return OrderState{}, apperr.New(apperr.CodeAdapter, "响应缺少交易所订单号")
	}
	var (
		st  = OrderState{ExchangeOrderID: res.ID}
		err error
	)
	if st.Amount, err = parseField("amount", res.Amount); err != nil {
		return st, err
	}
	if st.Filled, err = parseField("filled", res.Filled); err != nil {
		return st, err
	}
	if st.PriceAvgExec, err = parseField("average", res.Average); err != nil {
		return st, err
	}
	if st.Fee, err = parseField("fee", res.Fee); err != nil {
		return st, err
	}
	if res.Remaining != "" {
		if st.Remain, err = parseField("remaining", res.Remaining); err != nil {
			return st, err
		}
	} else {
		st.Remain = st.Amount.Sub(st.Filled)
	}
	if st.Remain.IsNegative() {
		return st, apperr.Validationf("订单 %s: 剩余数量为负 %s", res.ID, st.Remain)
	}

	switch strings.ToLower(res.Status) {
	case "", "open", "new", "partially_filled":
		st.Status = OrderOpen
		st.Live = true
	case "closed", "filled":
		st.Status = OrderCompleted
	case "canceled", "cancelled", "expired":
		st.Status = OrderRejected
		st.Cancelled = true
	case "rejected":
		st.Status = OrderRejected
	default:
		return st, apperr.Newf(apperr.CodeAdapter, "订单 %s: 未知状态 %q", res.ID, res.Status)
	}
	if res.Live != nil {
		st.Live = st.Live || *res.Live
	}
	if res.Cancelled != nil {
		st.Cancelled = st.Cancelled || *res.Cancelled
	}

	if st.Live && st.Cancelled {
		return st, apperr.Validationf("订单 %s: 同时处于活动与已撤销状态", res.ID)
	}
	if st.Status == OrderCompleted && !st.Remain.IsZero() {
		return st, apperr.Validationf("订单 %s: 已完成但剩余数量为 %s", res.ID, st.Remain)
	}
	return st, nil
}

func crossValidate(res OrderResult, st OrderState, exp OrderSpec) error {
	if res.Symbol != "" && !sameSymbol(res.Symbol, exp.Symbol) {
		return apperr.Validationf("订单 %s: 交易对 %q 与期望 %q 不符", res.ID, res.Symbol, exp.Symbol)
	}
	if res.Side != "" {
		want, err := sideString(exp.Side)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "期望方向无效", err)
		}
		if !strings.EqualFold(res.Side, want) {
			return apperr.Validationf("订单 %s: 方向 %q 与期望 %q 不符", res.ID, res.Side, want)
		}
	}
	if res.Type != "" {
		want, err := execString(exp.Exec)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, "期望执行方式无效", err)
		}
		if !strings.EqualFold(res.Type, want) {
			return apperr.Validationf("订单 %s: 执行方式 %q 与期望 %q 不符", res.ID, res.Type, want)
		}
	}
	if st.Amount.IsPositive() && !within(st.Amount, exp.Amount) {
		return apperr.Validationf("订单 %s: 数量 %s 与期望 %s 不符", res.ID, st.Amount, exp.Amount)
	}
	if exp.Exec != order.ExecMarket && res.Price != "" {
		price, err := parseField("price", res.Price)
		if err != nil {
			return err
		}
		if price.IsPositive() && !within(price, exp.Price) {
			return apperr.Validationf("订单 %s: 价格 %s 与期望 %s 不符", res.ID, price, exp.Price)
		}
	}
	return nil
}

// sameSymbol 允许合约市场在现货符号后追加结算币，如 BTC/USDT:USDT。
func sameSymbol(got, want string) bool {
	if strings.EqualFold(got, want) {
		return true
	}
	return strings.HasPrefix(strings.ToUpper(got), strings.ToUpper(want)+":")
}

func within(got, want decimal.Decimal) bool {
	diff := got.Sub(want).Abs()
	return diff.LessThanOrEqual(want.Abs().Mul(AmountTolerance))
}

func parseField(name, value string) (decimal.Decimal, error) {
	d, err := fixed.Parse(value)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.CodeAdapter, "字段 "+name+" 无法解析", err)
	}
	return fixed.Floor(d), nil
}

func decimalMap(in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for code, value := range in {
		d, err := parseField(code, value)
		if err != nil {
			return nil, err
		}
		out[strings.ToUpper(code)] = d
	}
	return out, nil
}
