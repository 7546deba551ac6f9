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
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordCheckIn(status string, onTime bool)
	RecordCheckInRejected(code string)
	RecordBadgeCompleted(status string)
	RecordGenerationStatus(statusCode int)
	RecordGenerationLatency(duration time.Duration)
	RecordBatchSize(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	checkIns          *prometheus.CounterVec
	checkInRejections *prometheus.CounterVec
	badgesCompleted   *prometheus.CounterVec
	generationStatus  *prometheus.CounterVec
	generationLatency prometheus.Histogram
	batchSize         prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_checkins_total",
			Help: "受理されたチェックインの合計数",
		}, []string{"status", "on_time"}),
		checkInRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_checkin_rejections_total",
			Help: "拒否されたチェックインのエラーコード別の合計数",
		}, []string{"code"}),
		badgesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_badges_completed_total",
			Help: "終端状態に達したバッジジョブの合計数",
		}, []string{"status"}),
		generationStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_generation_http_status_total",
			Help: "画像生成APIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		generationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_generation_latency_seconds",
			Help:    "画像生成APIのレイテンシ（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_badge_batch_size",
			Help:    "1回の処理で確保したバッジジョブ数",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),
	}

	reg.MustRegister(
		c.checkIns,
		c.checkInRejections,
		c.badgesCompleted,
		c.generationStatus,
		c.generationLatency,
		c.batchSize,
	)

	return c
}

// RecordCheckIn は受理されたチェックインを記録する。
func (c *Collector) RecordCheckIn(status string, onTime bool) {
	c.checkIns.WithLabelValues(status, strconv.FormatBool(onTime)).Inc()
}

// RecordCheckInRejected は拒否されたチェックインを記録する。
func (c *Collector) RecordCheckInRejected(code string) {
	c.checkInRejections.WithLabelValues(code).Inc()
}

// RecordBadgeCompleted はバッジジョブの終端遷移を記録する。
func (c *Collector) RecordBadgeCompleted(status string) {
	c.badgesCompleted.WithLabelValues(status).Inc()
}

// RecordGenerationStatus は画像生成APIのHTTPステータスコードを記録する。
func (c *Collector) RecordGenerationStatus(statusCode int) {
	c.generationStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordGenerationLatency は画像生成APIのレイテンシを記録する。
func (c *Collector) RecordGenerationLatency(duration time.Duration) {
	c.generationLatency.Observe(duration.Seconds())
}

// RecordBatchSize は確保したジョブ数を記録する。
func (c *Collector) RecordBatchSize(count int) {
	c.batchSize.Observe(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop は何も記録しないMetricsCollector。
type Noop struct{}

func (Noop) RecordCheckIn(string, bool)            {}
func (Noop) RecordCheckInRejected(string)          {}
func (Noop) RecordBadgeCompleted(string)           {}
func (Noop) RecordGenerationStatus(int)            {}
func (Noop) RecordGenerationLatency(time.Duration) {}
func (Noop) RecordBatchSize(int)                   {}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Noop{}
)
