package execution

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"trades-exec/internal/account"
	"trades-exec/internal/exchange"
)

type ccxtClient interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// ccxtVenue 将 ccxt 客户端包装为 Venue，并在首次调用前加载市场元数据。
type ccxtVenue struct {
	client ccxtClient
	load   func() error
	logger *zap.Logger

	marketsMu     sync.Mutex
	marketsLoaded bool
}

func newCCXTVenue(client ccxtClient, load func() error, logger *zap.Logger) *ccxtVenue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ccxtVenue{client: client, load: load, logger: logger}
}

func (v *ccxtVenue) ensureMarketsLoaded() error {
	v.marketsMu.Lock()
	defer v.marketsMu.Unlock()
	if v.marketsLoaded || v.load == nil {
		return nil
	}
	if err := v.load(); err != nil {
		return err
	}
	v.marketsLoaded = true
	v.logger.Info("已完成市场元数据加载")
	return nil
}

func (v *ccxtVenue) CreateOrder(symbol, typ, side string, amount float64, price *float64, clientOrderID string) (exchange.OrderResult, error) {
	if err := v.ensureMarketsLoaded(); err != nil {
		return exchange.OrderResult{}, err
	}
	var opts []ccxt.CreateOrderOptions
	if price != nil {
		opts = append(opts, ccxt.WithCreateOrderPrice(*price))
	}
	if clientOrderID != "" {
		opts = append(opts, ccxt.WithCreateOrderParams(map[string]interface{}{"clientOrderId": clientOrderID}))
	}
	o, err := v.client.CreateOrder(symbol, typ, side, amount, opts...)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	return convertOrder(o), nil
}

func (v *ccxtVenue) FetchOrder(id, symbol string) (exchange.OrderResult, error) {
	if err := v.ensureMarketsLoaded(); err != nil {
		return exchange.OrderResult{}, err
	}
	var opts []ccxt.FetchOrderOptions
	if symbol != "" {
		opts = append(opts, ccxt.WithFetchOrderSymbol(symbol))
	}
	o, err := v.client.FetchOrder(id, opts...)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	return convertOrder(o), nil
}

func (v *ccxtVenue) CancelOrder(id, symbol string) (exchange.OrderResult, error) {
	if err := v.ensureMarketsLoaded(); err != nil {
		return exchange.OrderResult{}, err
	}
	var opts []ccxt.CancelOrderOptions
	if symbol != "" {
		opts = append(opts, ccxt.WithCancelOrderSymbol(symbol))
	}
	o, err := v.client.CancelOrder(id, opts...)
	if err != nil {
		return exchange.OrderResult{}, err
	}
	res := convertOrder(o)
	if res.ID == "" {
		res.ID = id
	}
	return res, nil
}

func (v *ccxtVenue) FetchOpenOrders(symbol string) ([]exchange.OrderResult, error) {
	if err := v.ensureMarketsLoaded(); err != nil {
		return nil, err
	}
	var opts []ccxt.FetchOpenOrdersOptions
	if symbol != "" {
		opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(symbol))
	}
	raw, err := v.client.FetchOpenOrders(opts...)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.OrderResult, 0, len(raw))
	for _, o := range raw {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (v *ccxtVenue) FetchBalance() (exchange.BalanceResult, error) {
	b, err := v.client.FetchBalance()
	if err != nil {
		return exchange.BalanceResult{}, err
	}
	return exchange.BalanceResult{Total: floatMap(b.Total), Free: floatMap(b.Free)}, nil
}

func (v *ccxtVenue) FetchPositions() ([]exchange.PositionResult, error) {
	raw, err := v.client.FetchPositions()
	if err != nil {
		return nil, err
	}
	out := make([]exchange.PositionResult, 0, len(raw))
	for _, p := range raw {
		if derefFloat(p.Contracts) == 0 {
			continue
		}
		out = append(out, exchange.PositionResult{
			Symbol:     derefString(p.Symbol),
			Side:       strings.ToUpper(derefString(p.Side)),
			Contracts:  formatFloat(p.Contracts),
			Notional:   formatFloat(p.Notional),
			EntryPrice: formatFloat(p.EntryPrice),
		})
	}
	return out, nil
}

func convertOrder(o ccxt.Order) exchange.OrderResult {
	return exchange.OrderResult{
		ID:            derefString(o.Id),
		ClientOrderID: derefString(o.ClientOrderId),
		Symbol:        derefString(o.Symbol),
		Side:          derefString(o.Side),
		Type:          derefString(o.Type),
		Status:        derefString(o.Status),
		Amount:        formatFloat(o.Amount),
		Filled:        formatFloat(o.Filled),
		Remaining:     formatFloat(o.Remaining),
		Price:         formatFloat(o.Price),
		Average:       formatFloat(o.Average),
		Fee:           formatFloat(o.Fee.Cost),
	}
}

func floatMap(in map[string]*float64) map[string]string {
	out := make(map[string]string, len(in))
	for code, v := range in {
		if v == nil {
			continue
		}
		out[code] = strconv.FormatFloat(*v, 'f', -1, 64)
	}
	return out
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// CCXTFactory 按交易所与凭证缓存 ccxt 客户端。
type CCXTFactory struct {
	sandbox bool
	logger  *zap.Logger

	mu     sync.Mutex
	venues map[string]Venue
}

// NewCCXTFactory 创建 ccxt 通道工厂。
func NewCCXTFactory(sandbox bool, logger *zap.Logger) *CCXTFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CCXTFactory{sandbox: sandbox, logger: logger, venues: make(map[string]Venue)}
}

// Venue 返回凭证对应的通道，同一凭证复用同一客户端以共享限速状态。
func (f *CCXTFactory) Venue(code string, cred account.Credential) (Venue, error) {
	key := code + "|" + cred.Ref.String() + "|" + cred.Hash
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.venues[key]; ok {
		return v, nil
	}
	client, load, err := newCCXTClient(code, userConfig(cred), f.sandbox)
	if err != nil {
		return nil, err
	}
	v := newCCXTVenue(client, load, f.logger.With(zap.String("exchange", code), zap.Stringer("credential", cred.Ref)))
	f.venues[key] = v
	return v, nil
}

func userConfig(cred account.Credential) map[string]interface{} {
	cfg := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
		},
	}
	if cred.APIKey != "" {
		cfg["apiKey"] = cred.APIKey
	}
	if cred.APISecret != "" {
		cfg["secret"] = cred.APISecret
	}
	if cred.APIPassword != "" {
		cfg["password"] = cred.APIPassword
	}
	if cred.WalletAddress != "" {
		cfg["walletAddress"] = cred.WalletAddress
	}
	if cred.PrivateKey != "" {
		cfg["privateKey"] = cred.PrivateKey
	}
	return cfg
}

// ErrUnsupportedExchange 表示没有对应的 ccxt 实现。
var ErrUnsupportedExchange = errors.New("execution: 不支持的交易所")

func newCCXTClient(code string, cfg map[string]interface{}, sandbox bool) (ccxtClient, func() error, error) {
	switch code {
	case "binance":
		ex := ccxt.NewBinance(cfg)
		if sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	case "binanceusdm":
		ex := ccxt.NewBinanceusdm(cfg)
		if sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	case "okx":
		ex := ccxt.NewOkx(cfg)
		if sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	case "bybit":
		ex := ccxt.NewBybit(cfg)
		if sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	case "hyperliquid":
		ex := ccxt.NewHyperliquid(cfg)
		if sandbox {
			ex.SetSandboxMode(true)
		}
		return ex, func() error { _, err := ex.LoadMarkets(); return err }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedExchange, code)
	}
}

var _ VenueFactory = (*CCXTFactory)(nil)
