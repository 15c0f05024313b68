// Package monitoring 提供Prometheus指标和实时事件推送
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelhub/engine"
)

const namespace = "modelhub"

// Metrics 指标收集器，使用独立的registry
type Metrics struct {
	registry *prometheus.Registry

	modelsCreated   *prometheus.CounterVec
	trainSteps      *prometheus.CounterVec
	predictions     *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics 创建指标收集器，同时注册Go运行时和进程指标
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		modelsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_created_total",
			Help:      "Models created, by model type.",
		}, []string{"model"}),
		trainSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Successful single-example train steps, by model type.",
		}, []string{"model"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Successful predictions, by model type.",
		}, []string{"model"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency, by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.modelsCreated,
		m.trainSteps,
		m.predictions,
		m.requests,
		m.requestDuration,
	)
	return m
}

// RegisterHub 导出WebSocket连接数
func (m *Metrics) RegisterHub(h *Hub) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_clients",
		Help:      "Connected event stream clients.",
	}, func() float64 { return float64(h.ClientCount()) }))
}

// Notify 实现engine.Notifier
func (m *Metrics) Notify(ev engine.Event) {
	switch ev.Type {
	case engine.EventModelCreated:
		m.modelsCreated.WithLabelValues(ev.ModelType).Inc()
	case engine.EventModelTrained:
		m.trainSteps.WithLabelValues(ev.ModelType).Inc()
	case engine.EventModelPredicted:
		m.predictions.WithLabelValues(ev.ModelType).Inc()
	}
}

// ObserveRequest 记录一次HTTP请求
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler 返回/metrics处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回底层registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
