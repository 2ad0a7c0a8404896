package execution

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"trades-exec/internal/account"
	"trades-exec/internal/config"
	"trades-exec/internal/exchange"
)

// PaperFactory 为每个交易所提供共享的内存撮合通道，不发出任何网络请求。
type PaperFactory struct {
	cfg config.PaperConfig

	mu     sync.Mutex
	venues map[string]*PaperVenue
}

// NewPaperFactory 创建模拟通道工厂。
func NewPaperFactory(cfg config.PaperConfig) *PaperFactory {
	return &PaperFactory{cfg: cfg, venues: make(map[string]*PaperVenue)}
}

// Venue 返回交易所对应的模拟通道，所有凭证共享同一撮合簿。
func (f *PaperFactory) Venue(code string, _ account.Credential) (Venue, error) {
	return f.Paper(code), nil
}

// Paper 返回交易所对应的模拟通道。
func (f *PaperFactory) Paper(code string) *PaperVenue {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.venues[code]
	if !ok {
		v = NewPaperVenue(f.cfg)
		f.venues[code] = v
	}
	return v
}

// PaperVenue 在内存中撮合订单：市价单立即成交，限价单在首次查询时全部成交。
type PaperVenue struct {
	mu       sync.Mutex
	feeRate  float64
	prices   map[string]float64
	balances map[string]float64
	orders   map[string]*paperOrder
	seq      int64
	fail     error
}

type paperOrder struct {
	result exchange.OrderResult
	amount float64
	price  float64
}

// NewPaperVenue 创建模拟通道。
func NewPaperVenue(cfg config.PaperConfig) *PaperVenue {
	v := &PaperVenue{
		feeRate:  cfg.FeeRate,
		prices:   make(map[string]float64, len(cfg.Prices)),
		balances: make(map[string]float64, len(cfg.Balances)),
		orders:   make(map[string]*paperOrder),
	}
	for symbol, price := range cfg.Prices {
		v.prices[strings.ToUpper(symbol)] = price
	}
	for code, amount := range cfg.Balances {
		v.balances[strings.ToUpper(code)] = amount
	}
	return v
}

// SetPrice 设置成交价。交易对不区分大小写，配置键会被 viper 转为小写。
func (v *PaperVenue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[strings.ToUpper(symbol)] = price
}

// FailNext 使下一次调用返回给定错误，用于演练失败路径。
func (v *PaperVenue) FailNext(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fail = err
}

func (v *PaperVenue) takeFailure() error {
	err := v.fail
	v.fail = nil
	return err
}

func (v *PaperVenue) CreateOrder(symbol, typ, side string, amount float64, price *float64, clientOrderID string) (exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return exchange.OrderResult{}, err
	}
	if amount <= 0 {
		return exchange.OrderResult{}, &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "amount must be positive"}
	}

	v.seq++
	id := strconv.FormatInt(v.seq, 10)
	o := &paperOrder{amount: amount}
	o.result = exchange.OrderResult{
		ID:            id,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Amount:        formatAmount(amount),
	}
	switch typ {
	case "market":
		o.price = v.marketPrice(symbol, price)
		v.fill(o)
	case "limit":
		if price == nil || *price <= 0 {
			return exchange.OrderResult{}, &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: "limit order requires price"}
		}
		o.price = *price
		o.result.Price = formatAmount(*price)
		o.result.Status = "open"
		o.result.Filled = "0"
		o.result.Remaining = o.result.Amount
	default:
		return exchange.OrderResult{}, &ccxt.Error{Type: ccxt.InvalidOrderErrType, Message: fmt.Sprintf("unsupported order type %s", typ)}
	}
	v.orders[id] = o
	return o.result, nil
}

func (v *PaperVenue) marketPrice(symbol string, limit *float64) float64 {
	if p, ok := v.prices[strings.ToUpper(symbol)]; ok && p > 0 {
		return p
	}
	if limit != nil && *limit > 0 {
		return *limit
	}
	return 1
}

func (v *PaperVenue) fill(o *paperOrder) {
	o.result.Status = "closed"
	o.result.Filled = o.result.Amount
	o.result.Remaining = "0"
	o.result.Average = formatAmount(o.price)
	if o.result.Price == "" {
		o.result.Price = formatAmount(o.price)
	}
	o.result.Fee = formatAmount(o.amount * o.price * v.feeRate)
}

func (v *PaperVenue) FetchOrder(id, _ string) (exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return exchange.OrderResult{}, err
	}
	o, ok := v.orders[id]
	if !ok {
		return exchange.OrderResult{}, &ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "order " + id + " not found"}
	}
	if o.result.Status == "open" {
		v.fill(o)
	}
	return o.result, nil
}

func (v *PaperVenue) CancelOrder(id, _ string) (exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return exchange.OrderResult{}, err
	}
	o, ok := v.orders[id]
	if !ok {
		return exchange.OrderResult{}, &ccxt.Error{Type: ccxt.OrderNotFoundErrType, Message: "order " + id + " not found"}
	}
	if o.result.Status == "open" {
		o.result.Status = "canceled"
	}
	return o.result, nil
}

func (v *PaperVenue) FetchOpenOrders(symbol string) ([]exchange.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]exchange.OrderResult, 0)
	for i := int64(1); i <= v.seq; i++ {
		o, ok := v.orders[strconv.FormatInt(i, 10)]
		if !ok || o.result.Status != "open" {
			continue
		}
		if symbol != "" && o.result.Symbol != symbol {
			continue
		}
		out = append(out, o.result)
	}
	return out, nil
}

func (v *PaperVenue) FetchBalance() (exchange.BalanceResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return exchange.BalanceResult{}, err
	}
	res := exchange.BalanceResult{
		Total: make(map[string]string, len(v.balances)),
		Free:  make(map[string]string, len(v.balances)),
	}
	for code, amount := range v.balances {
		res.Total[code] = formatAmount(amount)
		res.Free[code] = formatAmount(amount)
	}
	return res, nil
}

func (v *PaperVenue) FetchPositions() ([]exchange.PositionResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure(); err != nil {
		return nil, err
	}
	net := make(map[string]float64)
	cost := make(map[string]float64)
	var symbols []string
	for i := int64(1); i <= v.seq; i++ {
		o, ok := v.orders[strconv.FormatInt(i, 10)]
		if !ok || o.result.Status != "closed" {
			continue
		}
		if _, seen := net[o.result.Symbol]; !seen {
			symbols = append(symbols, o.result.Symbol)
		}
		signed := o.amount
		if o.result.Side == "sell" {
			signed = -signed
		}
		net[o.result.Symbol] += signed
		cost[o.result.Symbol] += signed * o.price
	}
	out := make([]exchange.PositionResult, 0, len(symbols))
	for _, symbol := range symbols {
		contracts := net[symbol]
		if contracts == 0 {
			continue
		}
		side := "LONG"
		if contracts < 0 {
			side = "SHORT"
			contracts = -contracts
		}
		entry := cost[symbol] / net[symbol]
		out = append(out, exchange.PositionResult{
			Symbol:     symbol,
			Side:       side,
			Contracts:  formatAmount(contracts),
			Notional:   formatAmount(contracts * entry),
			EntryPrice: formatAmount(entry),
		})
	}
	return out, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	_ VenueFactory = (*PaperFactory)(nil)
	_ Venue        = (*PaperVenue)(nil)
)
