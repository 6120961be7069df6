// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 公開コマンドの結果ラベル。
const (
	PublishResultAccepted = "accepted"
	PublishResultReplayed = "replayed"
	PublishResultInvalid  = "invalid"
	PublishResultError    = "error"
)

// 送信失敗の分類ラベル。
const (
	SendFailureTransient = "transient"
	SendFailurePermanent = "permanent"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とワーカーから利用する。
type MetricsCollector interface {
	RecordPublishResult(result string)
	RecordEmailSent()
	RecordEmailSendFailure(kind string)
	RecordDeliveryLatency(duration time.Duration)
	RecordIdempotencyKeysPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	publishResults  *prometheus.CounterVec
	emailsSent      prometheus.Counter
	sendFailures    *prometheus.CounterVec
	deliveryLatency prometheus.Histogram
	keysPurged      prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_publish_total",
			Help: "公開コマンドの結果別の合計数",
		}, []string{"result"}),
		emailsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsman_emails_sent_total",
			Help: "送信に成功したメールの合計数",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsman_email_send_failures_total",
			Help: "メール送信失敗の分類別の合計数",
		}, []string{"kind"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsman_delivery_latency_seconds",
			Help:    "配信タスク1件の処理レイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		keysPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsman_idempotency_keys_purged_total",
			Help: "クリーンアップワーカーが削除した冪等レコードの合計数",
		}),
	}

	reg.MustRegister(
		c.publishResults,
		c.emailsSent,
		c.sendFailures,
		c.deliveryLatency,
		c.keysPurged,
	)

	return c
}

// RecordPublishResult は公開コマンドの結果を記録する。
func (c *Collector) RecordPublishResult(result string) {
	c.publishResults.WithLabelValues(result).Inc()
}

// RecordEmailSent はメール送信成功を記録する。
func (c *Collector) RecordEmailSent() {
	c.emailsSent.Inc()
}

// RecordEmailSendFailure はメール送信失敗を分類付きで記録する。
func (c *Collector) RecordEmailSendFailure(kind string) {
	c.sendFailures.WithLabelValues(kind).Inc()
}

// RecordDeliveryLatency は配信タスク1件のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// RecordIdempotencyKeysPurged は削除された冪等レコード数を記録する。
func (c *Collector) RecordIdempotencyKeysPurged(count int64) {
	c.keysPurged.Add(float64(count))
}

// NopCollector は何も記録しないMetricsCollector実装。テストで使用する。
type NopCollector struct{}

func (NopCollector) RecordPublishResult(string)          {}
func (NopCollector) RecordEmailSent()                    {}
func (NopCollector) RecordEmailSendFailure(string)       {}
func (NopCollector) RecordDeliveryLatency(time.Duration) {}
func (NopCollector) RecordIdempotencyKeysPurged(int64)   {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
