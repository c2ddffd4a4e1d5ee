package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 指标集合：API 层、合约轮询与事件推送各自的计数与分布。
var (
	// ListingsCreatedTotal 创建成功的挂单总数。
	ListingsCreatedTotal prometheus.Counter

	// EventsPublishedTotal 按类型统计推送事件数。
	EventsPublishedTotal *prometheus.CounterVec

	// HubSubscribers 当前在线的推送订阅者数量。
	HubSubscribers prometheus.Gauge

	// HubSubscribersDropped 因缓冲溢出被移除的订阅者总数。
	HubSubscribersDropped prometheus.Counter

	// OracleCallsTotal 按方法与结果统计合约调用次数。
	OracleCallsTotal *prometheus.CounterVec

	// OracleCallDuration 合约调用耗时分布（秒）。
	OracleCallDuration *prometheus.HistogramVec

	// PollerCycleDuration 一轮状态轮询的耗时分布（秒）。
	PollerCycleDuration prometheus.Histogram

	// PollerTransitionsTotal 轮询发现的生命周期状态变化数。
	PollerTransitionsTotal prometheus.Counter

	// ReconcileUnknownTotal 合约读取失败导致状态降级为 unknown 的次数。
	ReconcileUnknownTotal prometheus.Counter

	// RateLimitWaitDuration RPC 限流等待耗时分布（秒）。
	RateLimitWaitDuration prometheus.Histogram
)

var initOnce sync.Once

// InitMetrics 注册所有 Prometheus 指标（幂等，重复调用只注册一次）。
func InitMetrics() {
	initOnce.Do(func() {
		ListingsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrowmarket_listings_created_total",
			Help: "Number of listings persisted into the mirror store.",
		})
		EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrowmarket_events_published_total",
			Help: "Number of events fanned out to subscribers, by event type.",
		}, []string{"type"})
		HubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "escrowmarket_hub_subscribers",
			Help: "Current number of connected push subscribers.",
		})
		HubSubscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrowmarket_hub_subscribers_dropped_total",
			Help: "Subscribers removed because their outbound buffer overflowed.",
		})
		OracleCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrowmarket_oracle_calls_total",
			Help: "Contract calls issued, by method and outcome.",
		}, []string{"method", "status"})
		OracleCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrowmarket_oracle_call_duration_seconds",
			Help:    "Latency of contract calls, by method.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"method"})
		PollerCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrowmarket_poller_cycle_duration_seconds",
			Help:    "Duration of one full trade-status poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		})
		PollerTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrowmarket_poller_transitions_total",
			Help: "Lifecycle transitions detected by the trade-status poller.",
		})
		ReconcileUnknownTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "escrowmarket_reconcile_unknown_total",
			Help: "Reconciled reads degraded to unknown because the oracle was unreachable.",
		})
		RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrowmarket_ratelimit_wait_duration_seconds",
			Help:    "Time spent waiting for an RPC rate-limit token.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		})

		prometheus.MustRegister(
			ListingsCreatedTotal,
			EventsPublishedTotal,
			HubSubscribers,
			HubSubscribersDropped,
			OracleCallsTotal,
			OracleCallDuration,
			PollerCycleDuration,
			PollerTransitionsTotal,
			ReconcileUnknownTotal,
			RateLimitWaitDuration,
		)
	})
}
