package balance

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trades-exec/internal/account"
	"trades-exec/internal/config"
	"trades-exec/internal/exchange"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/testutil"
)

type fixture struct {
	w      *testutil.World
	clock  *testutil.FixedClock
	syncer *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := testutil.NewWorld(t)
	clock := testutil.NewClock()
	s, err := New(Deps{
		Store:    w.Store,
		Accounts: w.Accounts,
		Catalog:  w.Catalog,
		Stack:    w.Stack,
		Adapters: exchange.NewRegistry(testutil.ExchangeCode),
		Monitor:  w.Monitor,
	}, config.BalancesConfig{Enabled: true, Interval: 5 * time.Minute, StaleAfter: 15 * time.Minute}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.SetClock(clock.Now)
	return &fixture{w: w, clock: clock, syncer: s}
}

func (f *fixture) pass(t *testing.T) {
	t.Helper()
	if err := f.syncer.Pass(context.Background()); err != nil {
		t.Fatalf("Pass: %v", err)
	}
}

func (f *fixture) waiting(t *testing.T) []requeststack.Entry {
	t.Helper()
	out, err := f.w.Stack.GetWaiting(context.Background(), f.w.Store.DB(), 0)
	if err != nil {
		t.Fatalf("GetWaiting: %v", err)
	}
	return out
}

// respond 模拟调度器写回余额响应。
func (f *fixture) respond(t *testing.T, e requeststack.Entry, status requeststack.Status, result *exchange.BalanceResult) {
	t.Helper()
	ctx := context.Background()
	db := f.w.Store.DB()
	if err := f.w.Stack.Claim(ctx, db, e.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	code, httpCode := requeststack.CodeOK, http.StatusOK
	if status == requeststack.StatusFailed {
		code, httpCode = requeststack.CodeExchangeError, http.StatusBadRequest
	}
	env := exchange.Envelope{Exchange: testutil.ExchangeCode, Operation: exchange.OpGetBalances}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env.Result = raw
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := f.w.Stack.SetResponse(ctx, db, e.ID, httpCode, nil, body); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	if err := f.w.Stack.UpdateStatus(ctx, db, e.ID, status, code, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, ref account.Ref, currencyID int64) account.Balance {
	t.Helper()
	cands, err := f.w.Accounts.LoadCandidates(context.Background(), f.w.Store.DB(), ref.Kind, f.w.ExchangeID, currencyID, 0)
	if err != nil {
		t.Fatalf("LoadCandidates: %v", err)
	}
	for _, c := range cands {
		if c.Credential.Ref == ref {
			return c.Balance
		}
	}
	t.Fatalf("credential %s not found", ref)
	return account.Balance{}
}

func TestPass_EnqueuesOnePerCredential(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 0, 0)
	dead := f.w.AddSystemAccount(t, 0, 0)
	if err := f.w.Accounts.SetAlive(context.Background(), f.w.Store.DB(), dead.Ref, false); err != nil {
		t.Fatalf("SetAlive: %v", err)
	}

	f.pass(t)
	entries := f.waiting(t)
	if len(entries) != 2 {
		t.Fatalf("expected two balance requests, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Operation != string(exchange.OpGetBalances) {
			t.Fatalf("unexpected operation %s", e.Operation)
		}
		if e.IsEnliven != (e.Credential == dead.Ref) {
			t.Fatalf("only the dead credential should get an enliven request: %+v", e)
		}
	}
	if f.syncer.Pending() != 2 {
		t.Fatalf("expected two pending requests, got %d", f.syncer.Pending())
	}

	f.clock.Advance(10 * time.Minute)
	f.pass(t)
	if got := len(f.waiting(t)); got != 2 {
		t.Fatalf("credentials with an outstanding request must not be queued twice, got %d", got)
	}
}

func TestPass_ConsumesBalancesAndRevives(t *testing.T) {
	f := newFixture(t)
	cred := f.w.AddSystemAccount(t, 0, 0)
	if err := f.w.Accounts.SetAlive(context.Background(), f.w.Store.DB(), cred.Ref, false); err != nil {
		t.Fatalf("SetAlive: %v", err)
	}

	f.pass(t)
	entries := f.waiting(t)
	if len(entries) != 1 {
		t.Fatalf("expected one request, got %d", len(entries))
	}
	f.respond(t, entries[0], requeststack.StatusSuccess, &exchange.BalanceResult{
		Total: map[string]string{"USDT": "1000", "TOKEN": "50"},
		Free:  map[string]string{"USDT": "800", "TOKEN": "20"},
	})
	f.pass(t)

	quote := f.balance(t, cred.Ref, f.w.QuoteID)
	if !quote.TradingUSD.Equal(decimal.NewFromInt(800)) || !quote.PositionUSD.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected quote balance %+v", quote)
	}
	base := f.balance(t, cred.Ref, f.w.BaseID)
	if !base.TradingUSD.Equal(decimal.NewFromInt(2)) || !base.PositionUSD.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected base balance %+v", base)
	}

	after, err := f.w.Accounts.GetCredential(context.Background(), f.w.Store.DB(), cred.Ref)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if !after.Alive {
		t.Fatalf("successful enliven request should revive the credential")
	}
	e, _ := f.w.Stack.GetByStrID(context.Background(), f.w.Store.DB(), entries[0].StrID)
	if e.ProcessedAt == nil {
		t.Fatalf("response must be consumed")
	}
	if f.syncer.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", f.syncer.Pending())
	}
}

func TestPass_FailedRequestLeavesBalances(t *testing.T) {
	f := newFixture(t)
	cred := f.w.AddSystemAccount(t, 300, 0)

	f.pass(t)
	entries := f.waiting(t)
	f.respond(t, entries[0], requeststack.StatusFailed, nil)
	f.pass(t)

	if got := f.balance(t, cred.Ref, f.w.QuoteID); !got.TradingUSD.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("failed sync must not touch balances, got %+v", got)
	}
	e, _ := f.w.Stack.GetByStrID(context.Background(), f.w.Store.DB(), entries[0].StrID)
	if e.ProcessedAt == nil {
		t.Fatalf("failed response must still be consumed")
	}

	f.clock.Advance(6 * time.Minute)
	f.pass(t)
	if got := len(f.waiting(t)); got != 1 {
		t.Fatalf("next round should queue a fresh request, got %d", got)
	}
}

func TestPass_AbandonsStaleRequests(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 0, 0)

	f.pass(t)
	first := f.waiting(t)[0]

	f.clock.Advance(16 * time.Minute)
	f.pass(t)

	old, _ := f.w.Stack.GetByStrID(context.Background(), f.w.Store.DB(), first.StrID)
	if old.Enabled {
		t.Fatalf("stale request should be disabled")
	}
	entries := f.waiting(t)
	if len(entries) != 1 || entries[0].StrID == first.StrID {
		t.Fatalf("expected a replacement request, got %+v", entries)
	}
}
