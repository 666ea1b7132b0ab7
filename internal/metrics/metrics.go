// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/numgate/internal/middleware"
	"github.com/hitoshi/numgate/internal/reconciler"
)

// Collector は信頼性制御と監査のメトリクスを収集する。
// middleware、breaker、reconcilerの各パッケージが定義する
// 記録インターフェースを実装する。
type Collector struct {
	ratelimitRejected  *prometheus.CounterVec
	queueTimeout       *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	auditFindings      *prometheus.CounterVec
	recoveryApplied    prometheus.Counter
	auditDuration      prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ratelimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "numgate_ratelimit_rejected_total",
			Help: "レート制限で拒否されたリクエストの合計数",
		}, []string{"policy"}),
		queueTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "numgate_queue_timeout_total",
			Help: "同時実行枠の待機タイムアウトの合計数",
		}, []string{"class"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "numgate_breaker_transitions_total",
			Help: "サーキットブレーカーの状態遷移の合計数",
		}, []string{"dependency", "state"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "numgate_breaker_state",
			Help: "サーキットブレーカーの現在状態（0=closed, 1=open, 2=half_open）",
		}, []string{"dependency"}),
		auditFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "numgate_audit_findings_total",
			Help: "監査指摘の合計数",
		}, []string{"kind"}),
		recoveryApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "numgate_recovery_applied_total",
			Help: "適用された是正の合計数",
		}),
		auditDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "numgate_audit_duration_seconds",
			Help:    "監査1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.ratelimitRejected,
		c.queueTimeout,
		c.breakerTransitions,
		c.breakerState,
		c.auditFindings,
		c.recoveryApplied,
		c.auditDuration,
	)

	return c
}

// RecordRateLimitRejected はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimitRejected(policy string) {
	c.ratelimitRejected.WithLabelValues(policy).Inc()
}

// RecordQueueTimeout は同時実行枠の待機タイムアウトを記録する。
func (c *Collector) RecordQueueTimeout(class string) {
	c.queueTimeout.WithLabelValues(class).Inc()
}

// RecordBreakerTransition はブレーカーの状態遷移を記録する。
func (c *Collector) RecordBreakerTransition(dependency, state string) {
	c.breakerTransitions.WithLabelValues(dependency, state).Inc()

	var value float64
	switch state {
	case "open":
		value = 1
	case "half_open":
		value = 2
	}
	c.breakerState.WithLabelValues(dependency).Set(value)
}

// RecordAuditFinding は監査指摘を記録する。
func (c *Collector) RecordAuditFinding(kind string) {
	c.auditFindings.WithLabelValues(kind).Inc()
}

// RecordRecoveryApplied は是正の適用を記録する。
func (c *Collector) RecordRecoveryApplied() {
	c.recoveryApplied.Inc()
}

// ObserveAuditDuration は監査1回の所要時間を記録する。
func (c *Collector) ObserveAuditDuration(seconds float64) {
	c.auditDuration.Observe(seconds)
}

// compile-time interface checks
var (
	_ middleware.RejectionRecorder    = (*Collector)(nil)
	_ middleware.QueueTimeoutRecorder = (*Collector)(nil)
	_ reconciler.FindingsRecorder     = (*Collector)(nil)
	_ reconciler.RecoveryRecorder     = (*Collector)(nil)
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
