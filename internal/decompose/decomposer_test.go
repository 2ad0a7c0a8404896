package decompose

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"trades-exec/internal/account"
	"trades-exec/internal/apperr"
	"trades-exec/internal/catalog"
	"trades-exec/internal/config"
	"trades-exec/internal/monitor"
	"trades-exec/internal/order"
	"trades-exec/internal/testutil"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newDecomposer(t *testing.T, w *testutil.World, autoApprove bool) *Decomposer {
	t.Helper()
	return newDecomposerWith(t, w, config.DecomposeConfig{
		FractionDigits:   8,
		CorrectionFactor: 0.95,
		ShareSumMin:      0.95,
		ControlRatio:     0.95,
		AutoApprove:      autoApprove,
	})
}

func newDecomposerWith(t *testing.T, w *testutil.World, cfg config.DecomposeConfig) *Decomposer {
	t.Helper()
	d, err := New(Deps{
		Store:    w.Store,
		Orders:   w.Orders,
		Accounts: w.Accounts,
		Catalog:  w.Catalog,
		Stack:    w.Stack,
		Monitor:  w.Monitor,
	}, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDecompose_ProportionalSplit(t *testing.T) {
	w := testutil.NewWorld(t)
	a := w.AddSystemAccount(t, 700, 0)
	b := w.AddSystemAccount(t, 300, 0)
	o := w.CreateOrder(t, w.NewOrder(1000))

	if err := newDecomposer(t, w, false).Decompose(context.Background(), o.ID); err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	got := w.Order(t, o.ID)
	if got.Status != order.StatusDoing || got.StatusCode != order.CodeWaitApprove {
		t.Fatalf("unexpected parent status %s/%s", got.Status, got.StatusCode)
	}
	if got.Stats.DecomposedTotal != 2 {
		t.Fatalf("expected 2 children in stats, got %d", got.Stats.DecomposedTotal)
	}
	if !got.AvailableInUsdSum.Equal(dec("950")) {
		t.Fatalf("unexpected available sum %s", got.AvailableInUsdSum)
	}

	children := w.Children(t, o.ID)
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	want := map[account.Ref][2]string{
		a.Ref: {"0.7", "700"},
		b.Ref: {"0.3", "300"},
	}
	for _, c := range children {
		exp, ok := want[c.Credential]
		if !ok {
			t.Fatalf("unexpected credential %s", c.Credential)
		}
		if !c.Share.Equal(dec(exp[0])) || !c.Amount.Equal(dec(exp[1])) || !c.Remain.Equal(c.Amount) {
			t.Fatalf("child %s: share=%s amount=%s remain=%s", c.Credential, c.Share, c.Amount, c.Remain)
		}
		if c.Status != order.StatusNew || c.StatusCode != order.CodeNew {
			t.Fatalf("unexpected child status %s/%s", c.Status, c.StatusCode)
		}
		if c.RequestGroupStrID == "" || c.RequestGroupStrID != children[0].RequestGroupStrID {
			t.Fatalf("children must share one request group")
		}
	}

	events, err := w.Monitor.ListEvents(context.Background(), monitor.EventOrderDecomposed, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one decomposition event, got %d", len(events))
	}
}

func TestDecompose_DropsChildBelowExchangeMinimum(t *testing.T) {
	w := testutil.NewWorld(t)
	w.SetLimits(t, dec("20"), decimal.Zero)
	big := w.AddSystemAccount(t, 990, 0)
	w.AddSystemAccount(t, 10, 0)
	o := w.CreateOrder(t, w.NewOrder(1000))

	if err := newDecomposer(t, w, false).Decompose(context.Background(), o.ID); err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	children := w.Children(t, o.ID)
	if len(children) != 1 {
		t.Fatalf("expected the small child to be dropped, got %d children", len(children))
	}
	if children[0].Credential != big.Ref || !children[0].Amount.Equal(dec("990")) {
		t.Fatalf("unexpected surviving child %+v", children[0])
	}
}

func TestDecompose_AllChildrenDropped(t *testing.T) {
	w := testutil.NewWorld(t)
	w.SetLimits(t, dec("20"), decimal.Zero)
	w.AddSystemAccount(t, 10, 0)
	o := w.CreateOrder(t, w.NewOrder(10))

	err := newDecomposer(t, w, false).Decompose(context.Background(), o.ID)
	if !apperr.Is(err, apperr.CodeNoDecomposedOrders) {
		t.Fatalf("expected NoDecomposedOrders, got %v", err)
	}
	if got := w.Order(t, o.ID); got.StatusCode != order.CodeNew {
		t.Fatalf("failed decomposition must not touch the order, got %s", got.StatusCode)
	}
	if len(w.Children(t, o.ID)) != 0 {
		t.Fatalf("no children may be written")
	}
}

func TestDecompose_NoEligibleAccounts(t *testing.T) {
	w := testutil.NewWorld(t)
	dead := w.AddSystemAccount(t, 500, 0)
	if err := w.Accounts.SetAlive(context.Background(), w.Store.DB(), dead.Ref, false); err != nil {
		t.Fatalf("SetAlive: %v", err)
	}
	o := w.CreateOrder(t, w.NewOrder(100))

	err := newDecomposer(t, w, false).Decompose(context.Background(), o.ID)
	if !apperr.Is(err, apperr.CodeNoEligibleAccounts) {
		t.Fatalf("expected NoEligibleAccounts, got %v", err)
	}
}

func TestDecompose_SkipsDisabledExchange(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 500, 0)
	if err := w.Catalog.SetExchangeEnabled(context.Background(), w.Store.DB(), w.ExchangeID, false); err != nil {
		t.Fatalf("SetExchangeEnabled: %v", err)
	}
	o := w.CreateOrder(t, w.NewOrder(100))

	err := newDecomposer(t, w, false).Decompose(context.Background(), o.ID)
	if !apperr.Is(err, apperr.CodeNoEligibleAccounts) {
		t.Fatalf("expected NoEligibleAccounts, got %v", err)
	}
}

func TestDecompose_SellUsesBasePosition(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 1000, 0)
	seller := w.AddSystemAccount(t, 0, 400)
	tmpl := w.NewOrder(50)
	tmpl.Side = order.SideSell
	o := w.CreateOrder(t, tmpl)

	if err := newDecomposer(t, w, false).Decompose(context.Background(), o.ID); err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	children := w.Children(t, o.ID)
	if len(children) != 1 || children[0].Credential != seller.Ref {
		t.Fatalf("sell must only use accounts holding the base currency, got %+v", children)
	}
}

func TestDecompose_AutoApprove(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 500, 0)
	o := w.CreateOrder(t, w.NewOrder(100))

	if err := newDecomposer(t, w, true).Decompose(context.Background(), o.ID); err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if got := w.Order(t, o.ID); got.StatusCode != order.CodeApproved {
		t.Fatalf("expected APPROVED, got %s", got.StatusCode)
	}
	for _, c := range w.Children(t, o.ID) {
		if c.StatusCode != order.CodeCreateBuildReq {
			t.Fatalf("expected children at CREATE_BUILD_REQ, got %s", c.StatusCode)
		}
	}
}

func TestDecompose_RejectsWrongState(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 500, 0)
	o := w.CreateOrder(t, w.NewOrder(100))
	d := newDecomposer(t, w, false)

	if err := d.Decompose(context.Background(), o.ID); err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if err := d.Decompose(context.Background(), o.ID); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("second decomposition must be a validation error, got %v", err)
	}
}

// placeOnExchange 模拟子订单已在交易所创建。
func placeOnExchange(t *testing.T, w *testutil.World, orderID int64) []order.Decomposed {
	t.Helper()
	ctx := context.Background()
	db := w.Store.DB()
	children := w.Children(t, orderID)
	for i, c := range children {
		if err := w.Orders.SetExchangeOrderID(ctx, db, c.ID, "ex-"+decimal.NewFromInt(int64(i+1)).String()); err != nil {
			t.Fatalf("SetExchangeOrderID: %v", err)
		}
		if err := w.Orders.UpdateDecomposedStatus(ctx, db, c.ID, order.StatusDoing, order.CodeStateWaitReq, ""); err != nil {
			t.Fatalf("UpdateDecomposedStatus: %v", err)
		}
	}
	return w.Children(t, orderID)
}

func TestDecompose_ReplacePairsEveryLiveChild(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 500, 0)
	w.AddSystemAccount(t, 300, 0)
	w.AddSystemAccount(t, 200, 0)
	target := w.CreateOrder(t, w.NewOrder(1000))
	d := newDecomposer(t, w, true)
	if err := d.Decompose(context.Background(), target.ID); err != nil {
		t.Fatalf("Decompose target: %v", err)
	}
	old := placeOnExchange(t, w, target.ID)

	tmpl := w.NewOrder(2000)
	tmpl.Type = order.TypeReplace
	tmpl.ReplaceOrderID = target.ID
	repl := w.CreateOrder(t, tmpl)
	if err := d.Decompose(context.Background(), repl.ID); err != nil {
		t.Fatalf("Decompose replace: %v", err)
	}

	children := w.Children(t, repl.ID)
	if len(children) != len(old) {
		t.Fatalf("expected %d replacement children, got %d", len(old), len(children))
	}
	byID := make(map[int64]order.Decomposed, len(old))
	for _, c := range old {
		byID[c.ID] = c
	}
	for _, c := range children {
		prev, ok := byID[c.ReplaceDecomposedID]
		if !ok {
			t.Fatalf("child %d points to unknown target %d", c.ID, c.ReplaceDecomposedID)
		}
		delete(byID, c.ReplaceDecomposedID)
		if c.Type != order.TypeReplace || c.Credential != prev.Credential || !c.Share.Equal(prev.Share) {
			t.Fatalf("replacement child does not mirror its target: %+v vs %+v", c, prev)
		}
		if want := dec("2000").Mul(prev.Share); !c.Amount.Equal(want) {
			t.Fatalf("expected amount %s, got %s", want, c.Amount)
		}
	}
	if got := w.Order(t, repl.ID); got.StatusCode != order.CodeApproved {
		t.Fatalf("expected replace order APPROVED, got %s", got.StatusCode)
	}
	if got := w.Order(t, target.ID); got.Status != order.StatusDoing {
		t.Fatalf("target must stay untouched until build, got %s", got.Status)
	}
}

func TestDecompose_ReplaceRequiresExchangeOrderIDs(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 500, 0)
	target := w.CreateOrder(t, w.NewOrder(100))
	d := newDecomposer(t, w, false)
	if err := d.Decompose(context.Background(), target.ID); err != nil {
		t.Fatalf("Decompose target: %v", err)
	}

	tmpl := w.NewOrder(200)
	tmpl.Type = order.TypeReplace
	tmpl.ReplaceOrderID = target.ID
	repl := w.CreateOrder(t, tmpl)
	if err := d.Decompose(context.Background(), repl.ID); !apperr.Is(err, apperr.CodeInvalidTarget) {
		t.Fatalf("expected InvalidTarget, got %v", err)
	}
}

func TestPairReplacements(t *testing.T) {
	live := []order.Decomposed{{ID: 1}, {ID: 2}, {ID: 3}}
	child := func(target int64) order.Decomposed {
		return order.Decomposed{Type: order.TypeReplace, ReplaceDecomposedID: target}
	}

	if err := pairReplacements([]order.Decomposed{child(1), child(2), child(3)}, live); err != nil {
		t.Fatalf("1:1 pairing rejected: %v", err)
	}
	if err := pairReplacements([]order.Decomposed{child(1), child(2)}, live); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("count mismatch must be fatal, got %v", err)
	}
	if err := pairReplacements([]order.Decomposed{child(1), child(1), child(3)}, live); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("duplicate target must be fatal, got %v", err)
	}
	if err := pairReplacements([]order.Decomposed{child(1), child(2), child(9)}, live); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("unknown target must be fatal, got %v", err)
	}
}

func TestDecompose_CancelBeforeExchangeCompletesLocally(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 500, 0)
	target := w.CreateOrder(t, w.NewOrder(100))
	d := newDecomposer(t, w, false)
	if err := d.Decompose(context.Background(), target.ID); err != nil {
		t.Fatalf("Decompose target: %v", err)
	}

	tmpl := w.NewOrder(0)
	tmpl.Type = order.TypeCancel
	tmpl.CancelOrderID = target.ID
	cancel := w.CreateOrder(t, tmpl)
	if err := d.Decompose(context.Background(), cancel.ID); err != nil {
		t.Fatalf("Decompose cancel: %v", err)
	}

	if got := w.Order(t, cancel.ID); got.Status != order.StatusCompleted {
		t.Fatalf("expected cancel order COMPLETED, got %s", got.Status)
	}
	got := w.Order(t, target.ID)
	if got.Status != order.StatusRejected || got.StatusCode != order.CodeCanceled {
		t.Fatalf("expected target REJECTED/CANCELED, got %s/%s", got.Status, got.StatusCode)
	}
	for _, c := range w.Children(t, target.ID) {
		if c.Enabled {
			t.Fatalf("target child %d must be disabled", c.ID)
		}
	}
	if len(w.Children(t, cancel.ID)) != 0 {
		t.Fatalf("local cancel must not create children")
	}
}

func TestDecompose_CancelCreatesOneChildPerLiveTarget(t *testing.T) {
	w := testutil.NewWorld(t)
	w.AddSystemAccount(t, 600, 0)
	w.AddSystemAccount(t, 400, 0)
	target := w.CreateOrder(t, w.NewOrder(100))
	d := newDecomposer(t, w, true)
	if err := d.Decompose(context.Background(), target.ID); err != nil {
		t.Fatalf("Decompose target: %v", err)
	}
	old := placeOnExchange(t, w, target.ID)

	tmpl := w.NewOrder(0)
	tmpl.Type = order.TypeCancel
	tmpl.CancelOrderID = target.ID
	cancel := w.CreateOrder(t, tmpl)
	if err := d.Decompose(context.Background(), cancel.ID); err != nil {
		t.Fatalf("Decompose cancel: %v", err)
	}

	if got := w.Order(t, cancel.ID); got.StatusCode != order.CodeCancelRequested {
		t.Fatalf("expected CANCEL_REQUESTED, got %s", got.StatusCode)
	}
	children := w.Children(t, cancel.ID)
	if len(children) != len(old) {
		t.Fatalf("expected %d cancel children, got %d", len(old), len(children))
	}
	for i, c := range children {
		if c.Type != order.TypeCancel || c.CancelDecomposedID != old[i].ID || !c.Amount.Equal(old[i].Remain) {
			t.Fatalf("unexpected cancel child %+v", c)
		}
	}
}

func TestAllocate_Type2(t *testing.T) {
	ep := catalog.ExchangePair{ExchangeID: 1, PairID: 1}
	slots := []slot{
		{exchange: ep, available: dec("1000"), tradeable: 2},
		{exchange: ep, available: dec("500"), tradeable: 2},
	}
	a, err := allocate(params{
		complexity:   order.ComplexityType2,
		multiplier:   dec("1"),
		amountPrice:  dec("0.1"),
		perAccount:   1,
		shareSumMin:  dec("0.95"),
		controlRatio: dec("0.95"),
	}, slots)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(a.children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(a.children))
	}
	if !a.children[0].amount.Equal(dec("5000")) || !a.children[1].amount.Equal(dec("2500")) {
		t.Fatalf("unexpected TYPE2 amounts %s %s", a.children[0].amount, a.children[1].amount)
	}
	if !a.amountSum.Equal(dec("7500")) {
		t.Fatalf("unexpected amount sum %s", a.amountSum)
	}
}

func TestAllocate_ShareAndControlBounds(t *testing.T) {
	ep := catalog.ExchangePair{OrderAmountMax: dec("500")}
	p := params{
		complexity:   order.ComplexityType1,
		amount:       dec("1000"),
		shareSumMin:  dec("0.95"),
		controlRatio: dec("0.95"),
	}

	// 大账户的子订单超过交易所上限被剔除，剩余数量不足订单的 95%。
	_, err := allocate(p, []slot{
		{exchange: ep, available: dec("900")},
		{exchange: ep, available: dec("100")},
	})
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected control amount violation, got %v", err)
	}

	a, err := allocate(p, []slot{
		{exchange: catalog.ExchangePair{}, available: dec("1")},
		{exchange: catalog.ExchangePair{}, available: dec("1")},
		{exchange: catalog.ExchangePair{}, available: dec("1")},
	})
	if err != nil {
		t.Fatalf("allocate thirds: %v", err)
	}
	if a.amountSum.GreaterThan(p.amount) || a.amountSum.LessThan(p.amount.Mul(p.controlRatio)) {
		t.Fatalf("amount sum %s outside bounds", a.amountSum)
	}
	if a.shareSum.GreaterThan(one) || a.shareSum.LessThan(p.shareSumMin) {
		t.Fatalf("share sum %s outside bounds", a.shareSum)
	}

	if _, err := allocate(p, nil); !apperr.Is(err, apperr.CodeNoEligibleAccounts) {
		t.Fatalf("expected NoEligibleAccounts, got %v", err)
	}
}

func TestDecompose_Type2ReusesStoredSnapshot(t *testing.T) {
	w := testutil.NewWorld(t)
	ctx := context.Background()
	db := w.Store.DB()
	cred := w.AddSystemAccount(t, 1000, 0)

	tmpl := w.NewOrder(0)
	tmpl.Complexity = order.ComplexityType2
	tmpl.AmountMultiplier = dec("1")
	o := w.CreateOrder(t, tmpl)
	d := newDecomposer(t, w, false)

	// 最小下单量过高，首次拆单在固化快照之后失败，订单仍为 NEW。
	w.SetLimits(t, dec("1000000"), decimal.Zero)
	if err := d.Decompose(ctx, o.ID); err == nil {
		t.Fatalf("expected the first decomposition to fail")
	}
	first := w.Order(t, o.ID)
	if first.SnapshotID == 0 || first.StatusCode != order.CodeNew {
		t.Fatalf("expected a stored snapshot on a NEW order, got snapshot=%d code=%s", first.SnapshotID, first.StatusCode)
	}

	w.SetLimits(t, decimal.Zero, decimal.Zero)
	if err := w.Catalog.SetUSDRate(ctx, db, "TOKEN", dec("0.2")); err != nil {
		t.Fatalf("SetUSDRate: %v", err)
	}
	if err := w.Accounts.SetBalance(ctx, db, cred.Ref, w.QuoteID, account.Balance{TradingUSD: dec("5000")}); err != nil {
		t.Fatalf("SetBalance: %v", err)
	}

	if err := d.Decompose(ctx, o.ID); err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	got := w.Order(t, o.ID)
	if got.SnapshotID != first.SnapshotID {
		t.Fatalf("snapshot changed from %d to %d", first.SnapshotID, got.SnapshotID)
	}
	// 快照中余额 1000 × 0.95，汇率 0.1：950 / 0.1 = 9500。
	children := w.Children(t, o.ID)
	if len(children) != 1 || !children[0].Amount.Equal(dec("9500")) {
		t.Fatalf("expected one child of 9500 from the snapshot, got %+v", children)
	}
	if !got.Amount.Equal(dec("9500")) || !got.AvailableInUsdSum.Equal(dec("950")) {
		t.Fatalf("unexpected parent amount %s available %s", got.Amount, got.AvailableInUsdSum)
	}
}

func TestDecompose_ControlRatioIsIndependentOfShareSum(t *testing.T) {
	setup := func(t *testing.T) (*testutil.World, order.Order) {
		w := testutil.NewWorld(t)
		w.SetLimits(t, decimal.Zero, dec("500"))
		w.AddSystemAccount(t, 900, 0)
		w.AddSystemAccount(t, 100, 0)
		return w, w.CreateOrder(t, w.NewOrder(1000))
	}
	cfg := config.DecomposeConfig{FractionDigits: 8, CorrectionFactor: 0.95, ShareSumMin: 0.95, ControlRatio: 0.95}

	// 900 的子订单超过上限被剔除，剩余 100 低于 95% 控制比例。
	w, o := setup(t)
	if err := newDecomposerWith(t, w, cfg).Decompose(context.Background(), o.ID); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected control ratio violation, got %v", err)
	}

	cfg.ControlRatio = 0.05
	w, o = setup(t)
	if err := newDecomposerWith(t, w, cfg).Decompose(context.Background(), o.ID); err != nil {
		t.Fatalf("Decompose with loose control ratio: %v", err)
	}
	children := w.Children(t, o.ID)
	if len(children) != 1 || !children[0].Amount.Equal(dec("100")) {
		t.Fatalf("expected the small child only, got %+v", children)
	}
}
