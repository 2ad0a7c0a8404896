// Package metrics 汇总执行核心的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trades_exec"

// Metrics 指标集合。nil 的 *Metrics 可以安全调用。
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	HungRequests    prometheus.Counter
	OrdersFailed    *prometheus.CounterVec
	OrderStatus     *prometheus.CounterVec
	Decomposed      prometheus.Counter
	PassDuration    *prometheus.HistogramVec
	BalanceSyncs    *prometheus.CounterVec
	CredentialsDead prometheus.Counter
}

// New 创建指标并注册到独立的 Registry。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Exchange requests dispatched, by operation and final status",
		}, []string{"operation", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "request_duration_seconds",
			Help:      "Exchange request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		HungRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "hung_requests_total",
			Help:      "Requests force-failed after hanging in REQUESTING",
		}),
		OrdersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "orders_failed_total",
			Help:      "Orders marked failed, by status code",
		}, []string{"code"}),
		OrderStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checker",
			Name:      "order_aggregations_total",
			Help:      "Order aggregations, by resulting status",
		}, []string{"status"}),
		Decomposed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decompose",
			Name:      "children_total",
			Help:      "Decomposed child orders created",
		}),
		PassDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Scheduler pass duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"loop"}),
		BalanceSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "syncs_total",
			Help:      "Balance sync results, by outcome",
		}, []string{"outcome"}),
		CredentialsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "credentials_marked_dead_total",
			Help:      "Credentials marked not alive after consecutive failures",
		}),
	}
	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.HungRequests,
		m.OrdersFailed,
		m.OrderStatus,
		m.Decomposed,
		m.PassDuration,
		m.BalanceSyncs,
		m.CredentialsDead,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry 返回指标注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest 记录一次请求。
func (m *Metrics) ObserveRequest(operation, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// AddHung 累计挂起请求。
func (m *Metrics) AddHung(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.HungRequests.Add(float64(n))
}

// OrderFailed 记录订单失败。
func (m *Metrics) OrderFailed(code string) {
	if m == nil {
		return
	}
	m.OrdersFailed.WithLabelValues(code).Inc()
}

// OrderAggregated 记录订单聚合结果。
func (m *Metrics) OrderAggregated(status string) {
	if m == nil {
		return
	}
	m.OrderStatus.WithLabelValues(status).Inc()
}

// AddDecomposed 累计新建子订单。
func (m *Metrics) AddDecomposed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Decomposed.Add(float64(n))
}

// ObservePass 记录一次调度循环耗时。
func (m *Metrics) ObservePass(loop string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PassDuration.WithLabelValues(loop).Observe(elapsed.Seconds())
}

// BalanceSynced 记录余额同步结果。
func (m *Metrics) BalanceSynced(outcome string) {
	if m == nil {
		return
	}
	m.BalanceSyncs.WithLabelValues(outcome).Inc()
}

// CredentialDead 记录凭证被判定失效。
func (m *Metrics) CredentialDead() {
	if m == nil {
		return
	}
	m.CredentialsDead.Inc()
}
