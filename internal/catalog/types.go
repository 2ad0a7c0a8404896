package catalog

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotFound 表示目录数据不存在。
var ErrNotFound = errors.New("catalog: 记录不存在")

// Currency 为币种及其美元汇率。
type Currency struct {
	ID      int64           `json:"id"`
	Code    string          `json:"code"`
	USDRate decimal.Decimal `json:"usd_rate"`
	Enabled bool            `json:"enabled"`
}

// Pair 为交易对，附带基础、计价币种与拆单设置。
type Pair struct {
	ID       int64        `json:"id"`
	Symbol   string       `json:"symbol"`
	Base     Currency     `json:"base"`
	Quote    Currency     `json:"quote"`
	Enabled  bool         `json:"enabled"`
	Settings PairSettings `json:"settings"`
}

// PairSettings 为交易对级别的拆单参数。
type PairSettings struct {
	PerAccountOrdersCount int64 `json:"per_account_orders_count"`
}

// Exchange 为交易所定义，Code 与 ccxt 交易所 id 一致。
type Exchange struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ExchangePair 描述交易对在某交易所的下单量约束，单位为基础币种数量。
type ExchangePair struct {
	ExchangeID     int64           `json:"exchange_id"`
	PairID         int64           `json:"pair_id"`
	OrderAmountMin decimal.Decimal `json:"order_amount_min"`
	OrderAmountMax decimal.Decimal `json:"order_amount_max"`
	Enabled        bool            `json:"enabled"`
}

// Contains 判断数量是否落在 [min,max] 内，max 为零表示不设上限。
func (p ExchangePair) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(p.OrderAmountMin) {
		return false
	}
	if !p.OrderAmountMax.IsZero() && amount.GreaterThan(p.OrderAmountMax) {
		return false
	}
	return true
}
