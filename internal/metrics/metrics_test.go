package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_ExposesCounters(t *testing.T) {
	m := New()
	m.ObserveRequest("create_order_new", "SUCCESS", 20*time.Millisecond)
	m.OrderFailed("FAILED_NO_ACCOUNTS")
	m.AddHung(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`trades_exec_dispatcher_requests_total{operation="create_order_new",status="SUCCESS"} 1`,
		`trades_exec_process_orders_failed_total{code="FAILED_NO_ACCOUNTS"} 1`,
		`trades_exec_dispatcher_hung_requests_total 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in metrics output", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("get_order", "FAILED", time.Second)
	m.OrderAggregated("COMPLETED")
	m.CredentialDead()
}
