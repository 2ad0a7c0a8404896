package process

import (
	"context"
	"errors"
	"testing"
	"time"

	"trades-exec/internal/apperr"
	"trades-exec/internal/builder"
	"trades-exec/internal/config"
	"trades-exec/internal/decompose"
	"trades-exec/internal/exchange"
	"trades-exec/internal/monitor"
	"trades-exec/internal/notify"
	"trades-exec/internal/order"
	"trades-exec/internal/testutil"
)

// fakeStep 记录被调用的订单，并按订单返回预设错误。
type fakeStep struct {
	calls []int64
	errs  map[int64]error
}

func (f *fakeStep) run(_ context.Context, orderID int64) error {
	f.calls = append(f.calls, orderID)
	return f.errs[orderID]
}

func (f *fakeStep) Decompose(ctx context.Context, id int64) error { return f.run(ctx, id) }
func (f *fakeStep) Build(ctx context.Context, id int64) error     { return f.run(ctx, id) }
func (f *fakeStep) Check(ctx context.Context, id int64) error     { return f.run(ctx, id) }

type recordingPublisher struct {
	events []notify.OrderEvent
}

func (p *recordingPublisher) PublishOrder(_ context.Context, ev notify.OrderEvent) error {
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	w          *testutil.World
	clock      *testutil.FixedClock
	decomposer *fakeStep
	builder    *fakeStep
	checker    *fakeStep
	pub        *recordingPublisher
	driver     *Driver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		w:          testutil.NewWorld(t),
		clock:      testutil.NewClock(),
		decomposer: &fakeStep{errs: map[int64]error{}},
		builder:    &fakeStep{errs: map[int64]error{}},
		checker:    &fakeStep{errs: map[int64]error{}},
		pub:        &recordingPublisher{},
	}
	f.driver = f.newDriver(t, f.decomposer, f.builder, f.checker)
	return f
}

func (f *fixture) newDriver(t *testing.T, d Decomposer, b Builder, c Checker) *Driver {
	t.Helper()
	driver, err := New(Deps{
		Store:      f.w.Store,
		Orders:     f.w.Orders,
		Stack:      f.w.Stack,
		Decomposer: d,
		Builder:    b,
		Checker:    c,
		Notify:     f.pub,
		Monitor:    f.w.Monitor,
	}, config.ProcessConfig{Debounce: 15 * time.Second, BatchLimit: 50, RecordRetries: 2}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	driver.SetClock(f.clock.Now)
	return driver
}

func (f *fixture) orderAt(t *testing.T, o *order.Order, status order.Status, code order.StatusCode) int64 {
	t.Helper()
	created := f.w.CreateOrder(t, o)
	if code != order.CodeNew {
		if err := f.w.Orders.UpdateStatus(context.Background(), f.w.Store.DB(), created.ID, status, code, ""); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
	}
	return created.ID
}

func (f *fixture) cancelOrder(targetID int64) *order.Order {
	return &order.Order{
		Type:           order.TypeCancel,
		CurrencyPairID: f.w.PairID,
		Side:           order.SideBuy,
		Exec:           order.ExecMarket,
		ApproverID:     1,
		CancelOrderID:  targetID,
	}
}

func sameIDs(got []int64, want ...int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestPass_RoutesByTypeAndCode(t *testing.T) {
	f := newFixture(t)
	fresh := f.orderAt(t, f.w.NewOrder(100), order.StatusNew, order.CodeNew)
	approved := f.orderAt(t, f.w.NewOrder(100), order.StatusDoing, order.CodeApproved)
	waiting := f.orderAt(t, f.w.NewOrder(100), order.StatusDoing, order.CodeWaitApprove)
	cancelReq := f.orderAt(t, f.cancelOrder(approved), order.StatusDoing, order.CodeCancelRequested)
	cancelApproved := f.orderAt(t, f.cancelOrder(approved), order.StatusDoing, order.CodeApproved)
	created := f.orderAt(t, f.w.NewOrder(100), order.StatusDoing, order.CodeCreated)

	n, err := f.driver.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 dispatched orders, got %d", n)
	}
	if !sameIDs(f.decomposer.calls, fresh) {
		t.Fatalf("unexpected decompose calls %v", f.decomposer.calls)
	}
	if !sameIDs(f.builder.calls, approved, cancelReq) {
		t.Fatalf("unexpected build calls %v", f.builder.calls)
	}
	if !sameIDs(f.checker.calls, created) {
		t.Fatalf("unexpected check calls %v", f.checker.calls)
	}
	for _, id := range []int64{waiting, cancelApproved} {
		if got := f.w.Order(t, id); got.Status == order.StatusFailed {
			t.Fatalf("unrouted order %d must be left alone", id)
		}
	}
}

func TestPass_DebouncesChecks(t *testing.T) {
	f := newFixture(t)
	id := f.orderAt(t, f.w.NewOrder(100), order.StatusDoing, order.CodeStateWaitReq)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.driver.Pass(ctx); err != nil {
			t.Fatalf("Pass: %v", err)
		}
	}
	if !sameIDs(f.checker.calls, id) {
		t.Fatalf("expected a single check within the debounce window, got %v", f.checker.calls)
	}

	f.clock.Advance(16 * time.Second)
	if _, err := f.driver.Pass(ctx); err != nil {
		t.Fatalf("Pass: %v", err)
	}
	if !sameIDs(f.checker.calls, id, id) {
		t.Fatalf("expected a second check after the window, got %v", f.checker.calls)
	}
}

func TestPass_NonFatalFailureContinues(t *testing.T) {
	f := newFixture(t)
	first := f.orderAt(t, f.w.NewOrder(100), order.StatusNew, order.CodeNew)
	second := f.orderAt(t, f.w.NewOrder(100), order.StatusNew, order.CodeNew)
	f.decomposer.errs[first] = apperr.New(apperr.CodeNoDecomposedOrders, "全部子订单超出交易所限额")

	if _, err := f.driver.Pass(context.Background()); err != nil {
		t.Fatalf("non-fatal failure must not abort the pass: %v", err)
	}
	if !sameIDs(f.decomposer.calls, first, second) {
		t.Fatalf("expected both orders processed, got %v", f.decomposer.calls)
	}
	got := f.w.Order(t, first)
	if got.Status != order.StatusFailed || got.StatusCode != order.CodeFailedNoDecomposed {
		t.Fatalf("unexpected status %s/%s", got.Status, got.StatusCode)
	}
	if got.StatusMessage != "全部子订单超出交易所限额" {
		t.Fatalf("unexpected message %q", got.StatusMessage)
	}

	if len(f.pub.events) != 1 || f.pub.events[0].StatusCode != string(order.CodeFailedNoDecomposed) {
		t.Fatalf("expected one failure notification, got %+v", f.pub.events)
	}
	events, err := f.w.Monitor.ListEvents(context.Background(), monitor.EventOrderFailed, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one monitor event, got %d", len(events))
	}
}

func TestPass_FatalFailureStopsBatch(t *testing.T) {
	f := newFixture(t)
	first := f.orderAt(t, f.w.NewOrder(100), order.StatusNew, order.CodeNew)
	f.orderAt(t, f.w.NewOrder(100), order.StatusNew, order.CodeNew)
	f.decomposer.errs[first] = apperr.Validationf("订单 %d: 数据不一致", first)

	_, err := f.driver.Pass(context.Background())
	if !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !sameIDs(f.decomposer.calls, first) {
		t.Fatalf("batch must stop after a fatal error, got %v", f.decomposer.calls)
	}
	if got := f.w.Order(t, first); got.StatusCode != order.CodeFailedValidation {
		t.Fatalf("fatal failure must still be recorded, got %s", got.StatusCode)
	}
}

func TestPass_FailureDisablesInFlightChildrenAndRequests(t *testing.T) {
	f := newFixture(t)
	f.w.AddSystemAccount(t, 600, 0)
	f.w.AddSystemAccount(t, 400, 0)

	dec, err := decompose.New(decompose.Deps{
		Store:    f.w.Store,
		Orders:   f.w.Orders,
		Accounts: f.w.Accounts,
		Catalog:  f.w.Catalog,
		Stack:    f.w.Stack,
	}, config.DecomposeConfig{FractionDigits: 8, CorrectionFactor: 0.95, ShareSumMin: 0.95, AutoApprove: true}, nil)
	if err != nil {
		t.Fatalf("decompose.New: %v", err)
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
	f.driver = f.newDriver(t, dec, b, f.checker)

	o := f.w.CreateOrder(t, f.w.NewOrder(1000))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.driver.Pass(ctx); err != nil {
			t.Fatalf("Pass %d: %v", i, err)
		}
	}
	if got := f.w.Order(t, o.ID); got.StatusCode != order.CodeCreateWaitReq {
		t.Fatalf("expected order to reach CREATE_WAIT_REQ, got %s", got.StatusCode)
	}
	waiting, err := f.w.Stack.GetWaiting(ctx, f.w.Store.DB(), 0)
	if err != nil || len(waiting) != 2 {
		t.Fatalf("expected two queued requests, got %d (%v)", len(waiting), err)
	}

	f.checker.errs[o.ID] = apperr.New(apperr.CodeHungRequest, "请求挂起")
	if _, err := f.driver.Pass(ctx); err != nil {
		t.Fatalf("Pass: %v", err)
	}

	got := f.w.Order(t, o.ID)
	if got.Status != order.StatusFailed || got.StatusCode != order.CodeFailedHungRequest {
		t.Fatalf("unexpected status %s/%s", got.Status, got.StatusCode)
	}
	for _, c := range f.w.Children(t, o.ID) {
		if c.Enabled {
			t.Fatalf("child %d should be disabled", c.ID)
		}
	}
	waiting, err = f.w.Stack.GetWaiting(ctx, f.w.Store.DB(), 0)
	if err != nil {
		t.Fatalf("GetWaiting: %v", err)
	}
	if len(waiting) != 0 {
		t.Fatalf("queued requests of a failed order must be disabled, %d left", len(waiting))
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		code  order.StatusCode
		fatal bool
	}{
		{"no accounts", apperr.New(apperr.CodeNoEligibleAccounts, "x"), order.CodeFailedNoAccounts, false},
		{"duplicate", apperr.New(apperr.CodeDuplicateCredential, "x"), order.CodeFailedDuplicateCredential, false},
		{"adapter", apperr.New(apperr.CodeAdapter, "x"), order.CodeFailedRequest, false},
		{"validation", apperr.Validationf("x"), order.CodeFailedValidation, true},
		{"wrapped validation", errors.Join(errors.New("ctx"), apperr.Validationf("x")), order.CodeFailedValidation, true},
		{"unknown", errors.New("disk I/O error"), order.CodeFailed, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := classify(tc.err)
			if f.code != tc.code || f.fatal != tc.fatal {
				t.Fatalf("expected %s/%v, got %s/%v", tc.code, tc.fatal, f.code, f.fatal)
			}
		})
	}
}

func TestPass_FailedCancelReleasesTarget(t *testing.T) {
	f := newFixture(t)
	target := f.orderAt(t, f.w.NewOrder(100), order.StatusDoing, order.CodeCancelWait)
	cancel := f.orderAt(t, f.cancelOrder(target), order.StatusDoing, order.CodeCreateWaitReq)
	f.checker.errs[cancel] = apperr.Validationf("撤单响应不一致")

	if _, err := f.driver.Pass(context.Background()); !apperr.Is(err, apperr.CodeValidation) {
		t.Fatalf("expected fatal validation error, got %v", err)
	}
	for _, id := range f.checker.calls {
		if id == target {
			t.Fatalf("order waiting for a cancel must not be checked")
		}
	}
	if got := f.w.Order(t, cancel); got.Status != order.StatusFailed {
		t.Fatalf("expected cancel order FAILED, got %s", got.Status)
	}
	if got := f.w.Order(t, target); got.Status != order.StatusDoing || got.StatusCode != order.CodeCreated {
		t.Fatalf("expected target back to DOING/CREATED, got %s/%s", got.Status, got.StatusCode)
	}
}
