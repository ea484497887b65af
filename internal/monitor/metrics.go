package monitor

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 连接指标
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wizkers_active_connections",
		Help: "当前打开的仪器连接数",
	})

	TotalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wizkers_total_connections",
		Help: "累计打开的连接数",
	})

	BytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizkers_bytes_received_total",
			Help: "从仪器接收的字节总数",
		},
		[]string{"instrument"},
	)

	BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizkers_bytes_sent_total",
			Help: "发往仪器的字节总数",
		},
		[]string{"instrument"},
	)

	// 链路层指标
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizkers_frames_received_total",
			Help: "收到的链路层帧数",
		},
		[]string{"instrument", "result"},
	)

	CommandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizkers_commands_sent_total",
			Help: "实际发送的命令数",
		},
		[]string{"instrument", "command"},
	)

	CommandTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizkers_command_timeouts_total",
			Help: "命令超时次数",
		},
		[]string{"instrument"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wizkers_command_queue_depth",
			Help: "等待发送的命令数",
		},
		[]string{"instrument"},
	)

	Screenshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizkers_screenshots_total",
			Help: "截图解码次数",
		},
		[]string{"instrument", "result"},
	)

	// 事件指标
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizkers_events_published_total",
			Help: "发布的事件数",
		},
		[]string{"event"},
	)

	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wizkers_events_dropped_total",
		Help: "发布队列满时丢弃的事件数",
	})

	DataErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wizkers_data_errors_total",
		Help: "协议或发布错误数",
	})

	// 延迟指标
	ProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wizkers_processing_duration_seconds",
		Help:    "单次收包处理耗时",
		Buckets: prometheus.DefBuckets,
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wizkers_goroutines",
		Help: "当前Goroutine数量",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wizkers_memory_usage_bytes",
		Help: "内存使用量",
	})
)

var registerOnce sync.Once

type Monitor struct {
	log *logrus.Logger
}

func NewMonitor(log *logrus.Logger) *Monitor {
	// 注册指标, 多次创建 Monitor 时只注册一次
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveConnections,
			TotalConnections,
			BytesReceived,
			BytesSent,
			FramesReceived,
			CommandsSent,
			CommandTimeouts,
			QueueDepth,
			Screenshots,
			EventsPublished,
			EventsDropped,
			DataErrors,
			ProcessingDuration,
			GoroutineCount,
			MemoryUsage,
		)
	})

	return &Monitor{log: log}
}

// Handler Prometheus 指标端点, 由 HTTP 服务挂载到 /metrics
func (m *Monitor) Handler() http.Handler {
	return promhttp.Handler()
}

// StartRuntimeMonitor 启动运行时监控, ctx 结束时退出
func (m *Monitor) StartRuntimeMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}
