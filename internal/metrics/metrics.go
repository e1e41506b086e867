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
// 台帳・通知・ワーカー・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordSeatJoined()
	RecordSeatLeft()
	RecordRejection(reason string)
	RecordCarCreated()
	RecordEventsExpired(count int)
	RecordNotification(channel, result string)
	RecordHTTPStatus(statusCode int)
	RecordSweepLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	seatJoins     prometheus.Counter
	seatLeaves    prometheus.Counter
	rejections    *prometheus.CounterVec
	carsCreated   prometheus.Counter
	eventsExpired prometheus.Counter
	notifications *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
	sweepLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		seatJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rideboard_seat_joins_total",
			Help: "乗車成功の合計数",
		}),
		seatLeaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rideboard_seat_leaves_total",
			Help: "降車の合計数",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rideboard_ledger_rejections_total",
			Help: "台帳操作が拒否された回数（理由別）",
		}, []string{"reason"}),
		carsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rideboard_cars_created_total",
			Help: "提供された車の合計数",
		}),
		eventsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rideboard_events_expired_total",
			Help: "失効したイベントの合計数",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rideboard_notifications_total",
			Help: "空席通知の送信結果（チャネル別）",
		}, []string{"channel", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rideboard_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rideboard_expiry_sweep_latency_seconds",
			Help:    "失効スイープのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.seatJoins,
		c.seatLeaves,
		c.rejections,
		c.carsCreated,
		c.eventsExpired,
		c.notifications,
		c.httpStatus,
		c.sweepLatency,
	)

	return c
}

// RecordSeatJoined は乗車成功を記録する。
func (c *Collector) RecordSeatJoined() {
	c.seatJoins.Inc()
}

// RecordSeatLeft は降車を記録する。
func (c *Collector) RecordSeatLeft() {
	c.seatLeaves.Inc()
}

// RecordRejection は台帳操作の拒否をエラーコード別に記録する。
func (c *Collector) RecordRejection(reason string) {
	c.rejections.WithLabelValues(reason).Inc()
}

// RecordCarCreated は車の提供を記録する。
func (c *Collector) RecordCarCreated() {
	c.carsCreated.Inc()
}

// RecordEventsExpired は失効したイベント数を記録する。
func (c *Collector) RecordEventsExpired(count int) {
	c.eventsExpired.Add(float64(count))
}

// RecordNotification は通知の送信結果を記録する。
// resultは "sent" / "failed" / "skipped" のいずれか。
func (c *Collector) RecordNotification(channel, result string) {
	c.notifications.WithLabelValues(channel, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSweepLatency は失効スイープのレイテンシを記録する。
func (c *Collector) RecordSweepLatency(duration time.Duration) {
	c.sweepLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSeatJoined()                 {}
func (Nop) RecordSeatLeft()                   {}
func (Nop) RecordRejection(string)            {}
func (Nop) RecordCarCreated()                 {}
func (Nop) RecordEventsExpired(int)           {}
func (Nop) RecordNotification(string, string) {}
func (Nop) RecordHTTPStatus(int)              {}
func (Nop) RecordSweepLatency(time.Duration)  {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
