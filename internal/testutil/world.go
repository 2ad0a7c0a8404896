// Package testutil 为各组件测试搭建共享的内存数据库与目录数据。
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trades-exec/internal/account"
	"trades-exec/internal/catalog"
	"trades-exec/internal/monitor"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/store"
)

// ExchangeCode 为测试交易所代码。
const ExchangeCode = "binance"

// World 持有一套已初始化的仓储与基础目录：TOKEN/USDT 交易对挂在一个交易所上。
type World struct {
	Store    *store.Store
	Orders   *order.Repository
	Accounts *account.Registry
	Catalog  *catalog.Repository
	Stack    *requeststack.Stack
	Monitor  *monitor.Service

	QuoteID    int64
	BaseID     int64
	PairID     int64
	Symbol     string
	ExchangeID int64

	keys int
}

// BaseRate 为基础币种的美元汇率。
var BaseRate = decimal.RequireFromString("0.1")

// NewWorld 创建内存数据库并写入币种、交易对与交易所。
func NewWorld(t testing.TB) *World {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	w := &World{Store: s, Symbol: "TOKEN/USDT"}
	if w.Catalog, err = catalog.NewRepository(s); err != nil {
		t.Fatalf("catalog.NewRepository: %v", err)
	}
	if w.Accounts, err = account.NewRegistry(s, nil); err != nil {
		t.Fatalf("account.NewRegistry: %v", err)
	}
	if w.Orders, err = order.NewRepository(s, nil); err != nil {
		t.Fatalf("order.NewRepository: %v", err)
	}
	if w.Stack, err = requeststack.NewStack(s, nil); err != nil {
		t.Fatalf("requeststack.NewStack: %v", err)
	}
	if w.Monitor, err = monitor.NewService(s, nil); err != nil {
		t.Fatalf("monitor.NewService: %v", err)
	}

	db := s.DB()
	if w.QuoteID, err = w.Catalog.CreateCurrency(ctx, db, "USDT", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("CreateCurrency USDT: %v", err)
	}
	if w.BaseID, err = w.Catalog.CreateCurrency(ctx, db, "TOKEN", BaseRate); err != nil {
		t.Fatalf("CreateCurrency TOKEN: %v", err)
	}
	if w.PairID, err = w.Catalog.CreatePair(ctx, db, w.Symbol, w.BaseID, w.QuoteID, 1); err != nil {
		t.Fatalf("CreatePair: %v", err)
	}
	if w.ExchangeID, err = w.Catalog.CreateExchange(ctx, db, ExchangeCode, "Binance"); err != nil {
		t.Fatalf("CreateExchange: %v", err)
	}
	w.SetLimits(t, decimal.Zero, decimal.Zero)
	return w
}

// SetLimits 设置交易所上的最小、最大下单量，max 为零表示不限。
func (w *World) SetLimits(t testing.TB, min, max decimal.Decimal) {
	t.Helper()
	err := w.Catalog.SetExchangePair(context.Background(), w.Store.DB(), catalog.ExchangePair{
		ExchangeID:     w.ExchangeID,
		PairID:         w.PairID,
		OrderAmountMin: min,
		OrderAmountMax: max,
		Enabled:        true,
	})
	if err != nil {
		t.Fatalf("SetExchangePair: %v", err)
	}
}

// AddSystemAccount 新增一个系统凭证，并写入 USDT 交易余额与 TOKEN 持仓余额。
func (w *World) AddSystemAccount(t testing.TB, tradingUSD, positionUSD int64) account.Credential {
	t.Helper()
	ctx := context.Background()
	db := w.Store.DB()

	w.keys++
	ref, err := w.Accounts.CreateCredential(ctx, db, account.Credential{
		Ref:        account.Ref{Kind: account.KindSystem},
		ExchangeID: w.ExchangeID,
		Label:      "sys",
		APIKey:     "key-" + decimal.NewFromInt(int64(w.keys)).String(),
		APISecret:  "secret",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}
	if err := w.Accounts.SetBalance(ctx, db, ref, w.QuoteID, account.Balance{TradingUSD: decimal.NewFromInt(tradingUSD)}); err != nil {
		t.Fatalf("SetBalance quote: %v", err)
	}
	if err := w.Accounts.SetBalance(ctx, db, ref, w.BaseID, account.Balance{PositionUSD: decimal.NewFromInt(positionUSD)}); err != nil {
		t.Fatalf("SetBalance base: %v", err)
	}
	cred, err := w.Accounts.GetCredential(ctx, db, ref)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	return cred
}

// NewOrder 返回一个在测试交易对上的 TYPE1 市价买单模板。
func (w *World) NewOrder(amount int64) *order.Order {
	return &order.Order{
		Type:           order.TypeNew,
		Complexity:     order.ComplexityType1,
		CurrencyPairID: w.PairID,
		Amount:         decimal.NewFromInt(amount),
		Side:           order.SideBuy,
		Exec:           order.ExecMarket,
		ApproverID:     1,
	}
}

// CreateOrder 写入订单，允许的交易所为测试交易所。
func (w *World) CreateOrder(t testing.TB, o *order.Order) order.Order {
	t.Helper()
	ctx := context.Background()
	id, err := w.Orders.Create(ctx, w.Store.DB(), o, []int64{w.ExchangeID})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	return w.Order(t, id)
}

// Order 重新读取订单。
func (w *World) Order(t testing.TB, id int64) order.Order {
	t.Helper()
	o, err := w.Orders.Get(context.Background(), w.Store.DB(), id)
	if err != nil {
		t.Fatalf("Get order %d: %v", id, err)
	}
	return o
}

// Children 返回订单的全部子订单（含已停用）。
func (w *World) Children(t testing.TB, orderID int64) []order.Decomposed {
	t.Helper()
	out, err := w.Orders.GetDecomposedByOrderID(context.Background(), w.Store.DB(), orderID, false)
	if err != nil {
		t.Fatalf("GetDecomposedByOrderID: %v", err)
	}
	return out
}

// FixedClock 返回可手动推进的时钟。
type FixedClock struct {
	T time.Time
}

// NewClock 以固定起点创建时钟。
func NewClock() *FixedClock {
	return &FixedClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

// Now 返回当前时间。
func (c *FixedClock) Now() time.Time { return c.T }

// Advance 推进时钟。
func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
