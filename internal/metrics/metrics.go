// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ページ取得の種別ラベル
const (
	FetchKindLatest   = "latest"
	FetchKindBackfill = "backfill"
)

// 通知送信結果のラベル
const (
	NotifyOutcomeSent    = "sent"
	NotifyOutcomeFailed  = "failed"
	NotifyOutcomeDropped = "dropped"
	NotifyOutcomeSkipped = "skipped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// フィード層や通知層、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordPageFetch(kind string)
	RecordPageFetchFailure(kind string)
	RecordFetchLatency(duration time.Duration)
	RecordPostsIngested(count int)
	SetCacheSize(size int)
	RecordNotification(outcome string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pageFetch     *prometheus.CounterVec
	pageFetchFail *prometheus.CounterVec
	fetchLatency  prometheus.Histogram
	postsIngested prometheus.Counter
	cacheSize     prometheus.Gauge
	notifications *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pageFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgfeed_page_fetch_total",
			Help: "チャンネルページ取得成功の合計数",
		}, []string{"kind"}),
		pageFetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgfeed_page_fetch_fail_total",
			Help: "チャンネルページ取得失敗の合計数",
		}, []string{"kind"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tgfeed_fetch_latency_seconds",
			Help:    "チャンネルページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		postsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tgfeed_posts_ingested_total",
			Help: "キャッシュに新規追加された投稿の合計数",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tgfeed_cache_posts",
			Help: "キャッシュが保持している投稿数",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgfeed_notifications_total",
			Help: "結果別の通知メール数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tgfeed_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.pageFetch,
		c.pageFetchFail,
		c.fetchLatency,
		c.postsIngested,
		c.cacheSize,
		c.notifications,
		c.httpStatus,
	)

	return c
}

// RecordPageFetch はページ取得成功を記録する。
func (c *Collector) RecordPageFetch(kind string) {
	c.pageFetch.WithLabelValues(kind).Inc()
}

// RecordPageFetchFailure はページ取得失敗を記録する。
func (c *Collector) RecordPageFetchFailure(kind string) {
	c.pageFetchFail.WithLabelValues(kind).Inc()
}

// RecordFetchLatency はページ取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordPostsIngested は新規追加された投稿数を記録する。
func (c *Collector) RecordPostsIngested(count int) {
	c.postsIngested.Add(float64(count))
}

// SetCacheSize はキャッシュの現在の投稿数を設定する。
func (c *Collector) SetCacheSize(size int) {
	c.cacheSize.Set(float64(size))
}

// RecordNotification は通知1件の結果を記録する。
func (c *Collector) RecordNotification(outcome string) {
	c.notifications.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

var _ MetricsCollector = Nop{}

func (Nop) RecordPageFetch(string) {}
func (Nop) RecordPageFetchFailure(string) {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordPostsIngested(int) {}
func (Nop) SetCacheSize(int) {}
func (Nop) RecordNotification(string) {}
func (Nop) RecordHTTPStatus(int) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
