package app

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"trades-exec/internal/account"
	"trades-exec/internal/config"
	"trades-exec/internal/order"
	"trades-exec/internal/testutil"
)

// paperConfig 返回走模拟通道、无防抖与冷却的配置，便于在一次测试内跑完整条流水线。
func paperConfig(t *testing.T, balances bool) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default: %v", err)
	}
	cfg.Exchanges.Enabled = []string{testutil.ExchangeCode}
	cfg.Exchanges.Paper = true
	cfg.Exchanges.PaperVenue = config.PaperConfig{
		FeeRate:  0.001,
		Prices:   map[string]float64{"token/usdt": 0.1},
		Balances: map[string]float64{"usdt": 5000, "token": 200},
	}
	cfg.Decompose.AutoApprove = true
	cfg.Process.Debounce = 0
	cfg.Dispatcher.CredentialCooldown = 0
	cfg.Balances.Enabled = balances
	cfg.Admin.Enabled = false
	return cfg
}

func newApp(t *testing.T, w *testutil.World, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, nil, w.Store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestApp_PaperPipelineCompletesOrder(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 600, 0)
	w.AddSystemAccount(t, 400, 0)
	a := newApp(t, w, paperConfig(t, false))

	o := w.CreateOrder(t, w.NewOrder(1000))
	ctx := context.Background()

	var got order.Order
	for i := 0; i < 20; i++ {
		if err := a.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
		got = w.Order(t, o.ID)
		if got.Status.Terminal() {
			break
		}
	}

	if got.Status != order.StatusCompleted || got.StatusCode != order.CodeCompleted {
		t.Fatalf("expected COMPLETED order, got %s/%s (%s)", got.Status, got.StatusCode, got.StatusMessage)
	}
	if !got.Remain.IsZero() {
		t.Fatalf("expected nothing left to fill, remain %s", got.Remain)
	}
	if !got.PriceAvgExec.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected paper price as average, got %s", got.PriceAvgExec)
	}
	children := w.Children(t, o.ID)
	if len(children) != 2 {
		t.Fatalf("expected two children, got %d", len(children))
	}
	filled := decimal.Zero
	for _, c := range children {
		if c.Status != order.StatusCompleted || c.ExchangeOrderID == "" {
			t.Fatalf("unexpected child %+v", c)
		}
		filled = filled.Add(c.Filled())
	}
	if !filled.Equal(got.Amount) {
		t.Fatalf("children filled %s, order amount %s", filled, got.Amount)
	}

	waiting, err := w.Stack.GetWaiting(ctx, w.Store.DB(), 0)
	if err != nil {
		t.Fatalf("GetWaiting: %v", err)
	}
	if len(waiting) != 0 {
		t.Fatalf("expected drained queue, %d waiting", len(waiting))
	}
}

func TestApp_BalanceSyncThroughPaperVenue(t *testing.T) {
	w := testutil.NewWorld(t)
	cred := w.AddSystemAccount(t, 0, 0)
	a := newApp(t, w, paperConfig(t, true))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := a.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	balance := func(currencyID int64) account.Balance {
		cands, err := w.Accounts.LoadCandidates(ctx, w.Store.DB(), account.KindSystem, w.ExchangeID, currencyID, 0)
		if err != nil {
			t.Fatalf("LoadCandidates: %v", err)
		}
		for _, c := range cands {
			if c.Credential.Ref == cred.Ref {
				return c.Balance
			}
		}
		t.Fatalf("credential %s not loaded", cred.Ref)
		return account.Balance{}
	}

	if got := balance(w.QuoteID); !got.TradingUSD.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected 5000 USD trading balance, got %+v", got)
	}
	if got := balance(w.BaseID); !got.PositionUSD.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected 20 USD position, got %+v", got)
	}
}
