package checker

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"

	"trades-exec/internal/apperr"
	"trades-exec/internal/builder"
	"trades-exec/internal/config"
	"trades-exec/internal/decompose"
	"trades-exec/internal/exchange"
	"trades-exec/internal/notify"
	"trades-exec/internal/order"
	"trades-exec/internal/requeststack"
	"trades-exec/internal/testutil"
)

type recordingPublisher struct {
	events []notify.OrderEvent
}

func (p *recordingPublisher) PublishOrder(_ context.Context, ev notify.OrderEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	w       *testutil.World
	checker *Checker
	pub     *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := testutil.NewWorld(t)
	pub := &recordingPublisher{}
	c, err := New(Deps{
		Store:    w.Store,
		Orders:   w.Orders,
		Catalog:  w.Catalog,
		Stack:    w.Stack,
		Adapters: exchange.NewRegistry(testutil.ExchangeCode),
		Notify:   pub,
		Monitor:  w.Monitor,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.SetClock(testutil.NewClock().Now)
	return &fixture{w: w, checker: c, pub: pub}
}

// submit 拆单、自动审批并构建请求，返回订单 id。
func (f *fixture) submit(t *testing.T, o *order.Order) int64 {
	t.Helper()
	created := f.w.CreateOrder(t, o)
	d, err := decompose.New(decompose.Deps{
		Store:    f.w.Store,
		Orders:   f.w.Orders,
		Accounts: f.w.Accounts,
		Catalog:  f.w.Catalog,
		Stack:    f.w.Stack,
	}, config.DecomposeConfig{FractionDigits: 8, CorrectionFactor: 0.95, ShareSumMin: 0.95, AutoApprove: true}, nil)
	if err != nil {
		t.Fatalf("decompose.New: %v", err)
	}
	if err := d.Decompose(context.Background(), created.ID); err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	b, err := builder.New(builder.Deps{
		Store:    f.w.Store,
		Orders:   f.w.Orders,
		Catalog:  f.w.Catalog,
		Stack:    f.w.Stack,
		Adapters: exchange.NewRegistry(testutil.ExchangeCode),
	}, nil)
	if err != nil {
		t.Fatalf("builder.New: %v", err)
	}
	if err := b.Build(context.Background(), created.ID); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return created.ID
}

func (f *fixture) check(t *testing.T, orderID int64) {
	t.Helper()
	if err := f.checker.Check(context.Background(), orderID); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func envelope(t *testing.T, op exchange.Operation, result interface{}, errBody *exchange.ErrorBody) []byte {
	t.Helper()
	env := exchange.Envelope{Exchange: testutil.ExchangeCode, Operation: op, Error: errBody}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		env.Result = raw
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

// respond 模拟调度器：认领请求并写回响应。
func (f *fixture) respond(t *testing.T, strID string, status requeststack.Status, httpCode int, body []byte) {
	t.Helper()
	ctx := context.Background()
	db := f.w.Store.DB()
	e, err := f.w.Stack.GetByStrID(ctx, db, strID)
	if err != nil {
		t.Fatalf("GetByStrID: %v", err)
	}
	if err := f.w.Stack.Claim(ctx, db, e.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if status == requeststack.StatusRequesting {
		return
	}
	if err := f.w.Stack.SetResponse(ctx, db, e.ID, httpCode, nil, body); err != nil {
		t.Fatalf("SetResponse: %v", err)
	}
	code := requeststack.CodeOK
	if status == requeststack.StatusFailed {
		code = requeststack.CodeTransportError
	}
	if err := f.w.Stack.UpdateStatus(ctx, db, e.ID, status, code, "connection reset"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
}

func orderResult(c order.Decomposed, id, status, filled, remaining string) exchange.OrderResult {
	return exchange.OrderResult{
		ID:        id,
		Symbol:    "TOKEN/USDT",
		Side:      "buy",
		Type:      "market",
		Status:    status,
		Amount:    c.Amount.String(),
		Filled:    filled,
		Remaining: remaining,
		Average:   "0.1",
		Fee:       "0.01",
	}
}

// acceptAll 为每个 CREATE_WAIT_REQ 子订单写回已受理的下单响应。
func (f *fixture) acceptAll(t *testing.T, orderID int64) {
	t.Helper()
	for i, c := range f.w.Children(t, orderID) {
		res := orderResult(c, "ex-"+strconv.Itoa(i+1), "open", "0", c.Amount.String())
		res.Average = ""
		res.Fee = ""
		f.respond(t, c.RequestStrID, requeststack.StatusSuccess, 200, envelope(t, exchange.OpCreateOrderNew, res, nil))
	}
}

func TestCheck_InFlightRequestIsNoop(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 700, 0)
	f.w.AddSystemAccount(t, 300, 0)
	id := f.submit(t, f.w.NewOrder(1000))
	for _, c := range f.w.Children(t, id) {
		f.respond(t, c.RequestStrID, requeststack.StatusRequesting, 0, nil)
	}

	f.check(t, id)

	for _, c := range f.w.Children(t, id) {
		if c.StatusCode != order.CodeCreateWaitReq {
			t.Fatalf("child %d moved to %s while its request is in flight", c.ID, c.StatusCode)
		}
	}
	if got := f.w.Order(t, id); got.Status != order.StatusDoing || got.StatusCode != order.CodeCreateWaitReq {
		t.Fatalf("unexpected parent %s/%s", got.Status, got.StatusCode)
	}
}

func TestCheck_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 700, 0)
	f.w.AddSystemAccount(t, 300, 0)
	id := f.submit(t, f.w.NewOrder(1000))
	ctx := context.Background()

	f.acceptAll(t, id)
	f.check(t, id)
	for _, c := range f.w.Children(t, id) {
		if c.StatusCode != order.CodeCreated || c.ExchangeOrderID == "" {
			t.Fatalf("expected CREATED child with exchange id, got %s %q", c.StatusCode, c.ExchangeOrderID)
		}
	}
	if got := f.w.Order(t, id); got.StatusCode != order.CodeCreated {
		t.Fatalf("expected parent CREATED, got %s", got.StatusCode)
	}

	f.check(t, id)
	waiting, err := f.w.Stack.GetWaiting(ctx, f.w.Store.DB(), 0)
	if err != nil {
		t.Fatalf("GetWaiting: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected two state queries, got %d", len(waiting))
	}
	for _, e := range waiting {
		if e.Operation != string(exchange.OpGetOrder) {
			t.Fatalf("unexpected operation %s", e.Operation)
		}
	}

	// 第一次查询仍未成交，第二次全部成交。
	for _, c := range f.w.Children(t, id) {
		if c.StatusCode != order.CodeStateWaitReq {
			t.Fatalf("expected STATE_WAIT_REQ, got %s", c.StatusCode)
		}
		half := c.Amount.Div(decimal.NewFromInt(2))
		res := orderResult(c, c.ExchangeOrderID, "open", half.String(), half.String())
		f.respond(t, c.RequestStrID, requeststack.StatusSuccess, 200, envelope(t, exchange.OpGetOrder, res, nil))
	}
	f.check(t, id)
	for _, c := range f.w.Children(t, id) {
		if c.StatusCode != order.CodeStateWaitReq || !c.Remain.Equal(c.Amount.Div(decimal.NewFromInt(2))) {
			t.Fatalf("expected partially filled child still polling, got %s remain %s", c.StatusCode, c.Remain)
		}
		res := orderResult(c, c.ExchangeOrderID, "closed", c.Amount.String(), "0")
		f.respond(t, c.RequestStrID, requeststack.StatusSuccess, 200, envelope(t, exchange.OpGetOrder, res, nil))
	}
	f.check(t, id)

	got := f.w.Order(t, id)
	if got.Status != order.StatusCompleted || got.StatusCode != order.CodeCompleted {
		t.Fatalf("expected COMPLETED parent, got %s/%s", got.Status, got.StatusCode)
	}
	if !got.Remain.IsZero() || !got.PriceAvgExec.Equal(decimal.RequireFromString("0.1")) || !got.Fee.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("unexpected financials remain=%s avg=%s fee=%s", got.Remain, got.PriceAvgExec, got.Fee)
	}
	if got.Stats.Completed != 2 || got.Stats.DecomposedTotal != 2 {
		t.Fatalf("unexpected stats %+v", got.Stats)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].Status != string(order.StatusCompleted) {
		t.Fatalf("expected one COMPLETED notification, got %+v", f.pub.events)
	}
}

func TestCheck_CompletedWithRemainIsFatal(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 1000, 0)
	id := f.submit(t, f.w.NewOrder(100))
	f.acceptAll(t, id)
	f.check(t, id)
	f.check(t, id)

	c := f.w.Children(t, id)[0]
	res := orderResult(c, c.ExchangeOrderID, "closed", "90", "5")
	f.respond(t, c.RequestStrID, requeststack.StatusSuccess, 200, envelope(t, exchange.OpGetOrder, res, nil))

	err := f.checker.Check(context.Background(), id)
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	after := f.w.Children(t, id)[0]
	if after.StatusCode != order.CodeStateWaitReq || !after.Remain.Equal(c.Remain) {
		t.Fatalf("nothing may be committed, got %s remain %s", after.StatusCode, after.Remain)
	}
	lookup, err := f.w.Stack.GetAndValidateUnprocessedByStrID(context.Background(), f.w.Store.DB(), c.RequestStrID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !lookup.Ready() {
		t.Fatalf("response must stay unconsumed, state %s", lookup.State)
	}
}

func TestCheck_SecondConsumptionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 1000, 0)
	id := f.submit(t, f.w.NewOrder(100))
	f.acceptAll(t, id)
	stale := f.w.Children(t, id)[0]
	f.check(t, id)
	first := f.w.Children(t, id)[0]

	if err := f.checker.consumeCreate(context.Background(), f.w.Symbol, stale); err != nil {
		t.Fatalf("second consumption: %v", err)
	}
	after := f.w.Children(t, id)[0]
	if after.StatusCode != order.CodeCreated || after.ExchangeOrderID != first.ExchangeOrderID || !after.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("second consumption must not change the child, got %s", after.StatusCode)
	}
}

func TestCheck_FailedRequestFailsChildAndOrder(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 700, 0)
	f.w.AddSystemAccount(t, 300, 0)
	id := f.submit(t, f.w.NewOrder(1000))

	children := f.w.Children(t, id)
	f.respond(t, children[0].RequestStrID, requeststack.StatusFailed, 0, nil)
	res := orderResult(children[1], "ex-2", "open", "0", children[1].Amount.String())
	f.respond(t, children[1].RequestStrID, requeststack.StatusSuccess, 200, envelope(t, exchange.OpCreateOrderNew, res, nil))

	f.check(t, id)

	after := f.w.Children(t, id)
	if after[0].Status != order.StatusFailed || after[0].StatusCode != order.CodeFailedRequest || after[0].StatusMessage != "connection reset" {
		t.Fatalf("unexpected failed child %s/%s %q", after[0].Status, after[0].StatusCode, after[0].StatusMessage)
	}
	if after[1].StatusCode != order.CodeCreated {
		t.Fatalf("healthy sibling must advance, got %s", after[1].StatusCode)
	}
	got := f.w.Order(t, id)
	if got.Status != order.StatusFailed || got.StatusCode != order.CodeFailedRequest {
		t.Fatalf("expected FAILED/FAILED_REQUEST parent, got %s/%s", got.Status, got.StatusCode)
	}
	if len(f.pub.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.pub.events))
	}
}

func TestCheck_UnusableCredentialCodeReachesChild(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 1000, 0)
	id := f.submit(t, f.w.NewOrder(100))

	ctx := context.Background()
	db := f.w.Store.DB()
	child := f.w.Children(t, id)[0]
	e, err := f.w.Stack.GetByStrID(ctx, db, child.RequestStrID)
	if err != nil {
		t.Fatalf("GetByStrID: %v", err)
	}
	if err := f.w.Stack.Claim(ctx, db, e.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := f.w.Stack.Complete(ctx, db, e.ID, requeststack.StatusFailed, requeststack.CodeInactiveUser, "owner inactive"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	f.check(t, id)

	after := f.w.Children(t, id)[0]
	if after.Status != order.StatusFailed || after.StatusCode != order.CodeFailedInactiveUser || after.StatusMessage != "owner inactive" {
		t.Fatalf("unexpected child %s/%s %q", after.Status, after.StatusCode, after.StatusMessage)
	}
	if got := f.w.Order(t, id); got.StatusCode != order.CodeFailedInactiveUser {
		t.Fatalf("parent must carry the credential failure, got %s", got.StatusCode)
	}
}

func TestCheck_ExchangeErrorBodyFailsChild(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 1000, 0)
	id := f.submit(t, f.w.NewOrder(100))
	c := f.w.Children(t, id)[0]
	body := envelope(t, exchange.OpCreateOrderNew, nil, &exchange.ErrorBody{Type: "InsufficientFunds", Message: "balance too low"})
	f.respond(t, c.RequestStrID, requeststack.StatusSuccess, 200, body)

	f.check(t, id)

	after := f.w.Children(t, id)[0]
	if after.StatusCode != order.CodeFailedRequest || after.StatusMessage == "" {
		t.Fatalf("expected FAILED_REQUEST with message, got %s %q", after.StatusCode, after.StatusMessage)
	}
}

func TestCheck_StatsDriftIsFatal(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 1000, 0)
	id := f.submit(t, f.w.NewOrder(100))
	if err := f.w.Orders.UpdateStats(context.Background(), f.w.Store.DB(), id, order.Stats{DecomposedTotal: 3}); err != nil {
		t.Fatalf("UpdateStats: %v", err)
	}
	err := f.checker.Check(context.Background(), id)
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCheck_CancelConfirmation(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 1000, 0)
	target := f.submit(t, f.w.NewOrder(100))
	f.acceptAll(t, target)
	f.check(t, target)
	placed := f.w.Children(t, target)[0]

	tmpl := f.w.NewOrder(0)
	tmpl.Type = order.TypeCancel
	tmpl.CancelOrderID = target
	cancelID := f.submit(t, tmpl)

	cancelChild := f.w.Children(t, cancelID)[0]
	res := orderResult(placed, placed.ExchangeOrderID, "canceled", "40", "60")
	f.respond(t, cancelChild.RequestStrID, requeststack.StatusSuccess, 200, envelope(t, exchange.OpCreateOrderCancel, res, nil))

	f.check(t, cancelID)

	if got := f.w.Order(t, cancelID); got.Status != order.StatusCompleted {
		t.Fatalf("expected cancel order COMPLETED, got %s/%s", got.Status, got.StatusCode)
	}
	old := f.w.Children(t, target)[0]
	if old.Enabled || old.StatusCode != order.CodeCanceled || !old.Remain.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected cancelled child enabled=%v code=%s remain=%s", old.Enabled, old.StatusCode, old.Remain)
	}
	if got := f.w.Order(t, target); got.StatusCode != order.CodeCanceled || !got.Remain.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected target %s remain %s", got.StatusCode, got.Remain)
	}
}

// placeAndCancel 下单并确认受理，然后提交撤单，返回目标订单与撤单订单 id。
func (f *fixture) placeAndCancel(t *testing.T) (target, cancelID int64) {
	t.Helper()
	f.w.AddSystemAccount(t, 1000, 0)
	target = f.submit(t, f.w.NewOrder(100))
	f.acceptAll(t, target)
	f.check(t, target)

	tmpl := f.w.NewOrder(0)
	tmpl.Type = order.TypeCancel
	tmpl.CancelOrderID = target
	cancelID = f.submit(t, tmpl)
	if got := f.w.Order(t, target); got.Status != order.StatusDoing || got.StatusCode != order.CodeCancelWait {
		t.Fatalf("target must wait for the cancel, got %s/%s", got.Status, got.StatusCode)
	}
	return target, cancelID
}

func TestCheck_FailedCancelKeepsTargetTracked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target, cancelID := f.placeAndCancel(t)

	cancelChild := f.w.Children(t, cancelID)[0]
	f.respond(t, cancelChild.RequestStrID, requeststack.StatusFailed, 0, nil)
	f.check(t, cancelID)

	if got := f.w.Order(t, cancelID); got.Status != order.StatusFailed || got.StatusCode != order.CodeFailedRequest {
		t.Fatalf("expected cancel order FAILED_REQUEST, got %s/%s", got.Status, got.StatusCode)
	}
	got := f.w.Order(t, target)
	if got.Status != order.StatusDoing || got.StatusCode != order.CodeCreated {
		t.Fatalf("target must be tracked again, got %s/%s", got.Status, got.StatusCode)
	}
	live := f.w.Children(t, target)[0]
	if !live.Enabled || live.Status != order.StatusDoing || live.StatusCode != order.CodeCreated {
		t.Fatalf("unexpected target child enabled=%v %s/%s", live.Enabled, live.Status, live.StatusCode)
	}

	f.check(t, target)
	polled := f.w.Children(t, target)[0]
	if polled.StatusCode != order.CodeStateWaitReq || polled.RequestStrID == live.RequestStrID {
		t.Fatalf("expected a fresh state query, got %s (%s)", polled.StatusCode, polled.RequestStrID)
	}
	waiting, err := f.w.Stack.GetWaiting(ctx, f.w.Store.DB(), 0)
	if err != nil {
		t.Fatalf("GetWaiting: %v", err)
	}
	found := false
	for _, e := range waiting {
		if e.StrID == polled.RequestStrID && e.Operation == string(exchange.OpGetOrder) {
			found = true
		}
	}
	if !found {
		t.Fatalf("state query for the live child is not queued: %+v", waiting)
	}
}

func TestCheck_CancelWaitTargetCannotBeCancelledAgain(t *testing.T) {
	f := newFixture(t)
	target, _ := f.placeAndCancel(t)

	tmpl := f.w.NewOrder(0)
	tmpl.Type = order.TypeCancel
	tmpl.CancelOrderID = target
	second := f.w.CreateOrder(t, tmpl)
	d, err := decompose.New(decompose.Deps{
		Store:    f.w.Store,
		Orders:   f.w.Orders,
		Accounts: f.w.Accounts,
		Catalog:  f.w.Catalog,
		Stack:    f.w.Stack,
	}, config.DecomposeConfig{FractionDigits: 8, CorrectionFactor: 0.95, ShareSumMin: 0.95, ControlRatio: 0.95}, nil)
	if err != nil {
		t.Fatalf("decompose.New: %v", err)
	}
	if err := d.Decompose(context.Background(), second.ID); !apperr.Is(err, apperr.CodeInvalidTarget) {
		t.Fatalf("expected invalid target, got %v", err)
	}
}

func TestCheck_CancelResponseIsCrossValidated(t *testing.T) {
	f := newFixture(t)
	target, cancelID := f.placeAndCancel(t)
	placed := f.w.Children(t, target)[0]

	res := orderResult(placed, placed.ExchangeOrderID, "canceled", "0", "100")
	res.Side = "sell"
	cancelChild := f.w.Children(t, cancelID)[0]
	f.respond(t, cancelChild.RequestStrID, requeststack.StatusSuccess, 200, envelope(t, exchange.OpCreateOrderCancel, res, nil))

	err := f.checker.Check(context.Background(), cancelID)
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error for mismatched side, got %v", err)
	}
	if got := f.w.Children(t, target)[0]; got.StatusCode == order.CodeCanceled {
		t.Fatalf("mismatched response must not cancel the target child")
	}
}
