package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"trades-exec/internal/store"
)

func TestService_RecordAndList(t *testing.T) {
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	svc.RecordOrderFailed(ctx, OrderFailedPayload{OrderID: 7, StatusCode: "FAILED_NO_ACCOUNTS", Message: "no accounts"})
	svc.RecordRequest(ctx, RequestPayload{StrID: "s-1", Status: "SUCCESS"})
	svc.RecordError(ctx, "boom", errors.New("x"), nil)

	all, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(all) != 3 || all[0].Type != EventError {
		t.Fatalf("expected newest-first events, got %+v", all)
	}

	failed, err := svc.ListEvents(ctx, EventOrderFailed, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(failed))
	}
	var p OrderFailedPayload
	if err := json.Unmarshal(failed[0].Payload.(json.RawMessage), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.OrderID != 7 || p.StatusCode != "FAILED_NO_ACCOUNTS" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestService_QueryByOrderAndSince(t *testing.T) {
	st, err := store.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer st.Close()

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	svc.SetClock(func() time.Time { return now })

	svc.RecordDecomposed(ctx, DecomposedPayload{OrderID: 1, Children: 2})
	now = base.Add(time.Minute)
	svc.RecordOrderStatus(ctx, OrderStatusPayload{OrderID: 1, Status: "DOING"})
	svc.RecordOrderStatus(ctx, OrderStatusPayload{OrderID: 2, Status: "DOING"})
	svc.RecordRequest(ctx, RequestPayload{StrID: "s-1"})

	byOrder, err := svc.Query(ctx, Filter{OrderID: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(byOrder) != 2 || byOrder[0].Type != EventOrderStatus || byOrder[1].Type != EventOrderDecomposed {
		t.Fatalf("unexpected order events %+v", byOrder)
	}

	recent, err := svc.Query(ctx, Filter{OrderID: 1, Since: base.Add(30 * time.Second)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recent) != 1 || !recent[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected recent events %+v", recent)
	}

	requests, err := svc.Query(ctx, Filter{Type: EventRequest})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(requests) != 1 || requests[0].OrderID != 0 {
		t.Fatalf("request events carry no order, got %+v", requests)
	}
}

func TestService_NilIsNoop(t *testing.T) {
	var svc *Service
	svc.RecordDecomposed(context.Background(), DecomposedPayload{OrderID: 1})
	if err := svc.Record(context.Background(), Event{Type: EventError}); err != nil {
		t.Fatalf("nil service must ignore records, got %v", err)
	}
}
