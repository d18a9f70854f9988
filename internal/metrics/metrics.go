// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 接続管理や予約サービス、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordProviderRequest(provider, operation string, statusCode int, duration time.Duration)
	RecordTokenRefresh(provider string, success bool)
	RecordBookingCreated(source string)
	RecordBookingTransition(status string)
	RecordSlotConflict()
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	tokenRefresh     *prometheus.CounterVec
	bookingsCreated  *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	slotConflicts    prometheus.Counter
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recruitcal_provider_requests_total",
			Help: "カレンダープロバイダーAPI呼び出しの合計数",
		}, []string{"provider", "operation", "status_code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recruitcal_provider_latency_seconds",
			Help:    "カレンダープロバイダーAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recruitcal_token_refresh_total",
			Help: "アクセストークン更新の合計数",
		}, []string{"provider", "result"}),
		bookingsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recruitcal_bookings_created_total",
			Help: "作成された予約の合計数",
		}, []string{"source"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recruitcal_booking_transitions_total",
			Help: "予約の状態遷移の合計数",
		}, []string{"status"}),
		slotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recruitcal_slot_conflicts_total",
			Help: "確定直前の再確認で枠が埋まっていた回数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recruitcal_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.providerRequests,
		c.providerLatency,
		c.tokenRefresh,
		c.bookingsCreated,
		c.transitions,
		c.slotConflicts,
		c.httpStatus,
	)

	return c
}

// RecordProviderRequest はプロバイダーAPI呼び出しの結果とレイテンシを記録する。
// statusCodeが0の場合は応答を受け取れなかったことを表す。
func (c *Collector) RecordProviderRequest(provider, operation string, statusCode int, duration time.Duration) {
	c.providerRequests.WithLabelValues(provider, operation, strconv.Itoa(statusCode)).Inc()
	c.providerLatency.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordTokenRefresh はトークン更新の成否を記録する。
func (c *Collector) RecordTokenRefresh(provider string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.tokenRefresh.WithLabelValues(provider, result).Inc()
}

// RecordBookingCreated は予約作成を記録する。
func (c *Collector) RecordBookingCreated(source string) {
	c.bookingsCreated.WithLabelValues(source).Inc()
}

// RecordBookingTransition は予約の状態遷移を記録する。
func (c *Collector) RecordBookingTransition(status string) {
	c.transitions.WithLabelValues(status).Inc()
}

// RecordSlotConflict は枠の競合を記録する。
func (c *Collector) RecordSlotConflict() {
	c.slotConflicts.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordProviderRequest(string, string, int, time.Duration) {}
func (Nop) RecordTokenRefresh(string, bool)                          {}
func (Nop) RecordBookingCreated(string)                              {}
func (Nop) RecordBookingTransition(string)                           {}
func (Nop) RecordSlotConflict()                                      {}
func (Nop) RecordHTTPStatus(int)                                     {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
