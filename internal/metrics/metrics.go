package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 采集事件
	IngestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmock_ingest_events_total",
			Help: "Total number of traffic events processed by the merge resolver",
		},
		[]string{"source", "command"},
	)

	IngestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmock_ingest_errors_total",
			Help: "Total number of traffic events that failed to merge",
		},
		[]string{"source"},
	)

	IngestIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmock_ingest_ignored_total",
			Help: "Total number of events ignored because the resource is not flows",
		},
		[]string{"source"},
	)

	// 广播
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "softmock_hub_subscribers",
			Help: "Current number of connected subscribers",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmock_hub_deliveries_total",
			Help: "Total number of per-subscriber deliveries",
		},
		[]string{"result"},
	)

	PublishDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmock_hub_dropped_total",
			Help: "Total number of events not broadcast",
		},
		[]string{"reason"},
	)

	// 修改网关
	GatewayOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmock_gateway_operations_total",
			Help: "Total number of gateway operations",
		},
		[]string{"op", "result"},
	)

	// CDP 拦截
	Intercepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "softmock_cdp_intercepted_total",
			Help: "Total number of requests intercepted over CDP",
		},
		[]string{"stage", "action"},
	)

	// HTTP
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "softmock_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method", "status"},
	)
)

// Result 把错误转换为 result 标签
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
