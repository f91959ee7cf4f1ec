package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 实验引擎指标收集器
type Collector struct {
	// 生命周期指标
	testTransitions *prometheus.CounterVec
	runningTests    prometheus.Gauge

	// 分配与结果指标
	assignmentsTotal *prometheus.CounterVec
	resultsTotal     *prometheus.CounterVec

	// 分析指标
	analysesTotal    *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	autoStopsTotal   *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
// A nil registerer falls back to the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.testTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "test_transitions_total",
			Help:      "Total number of test lifecycle transitions",
		},
		[]string{"test_id", "from_status", "to_status"},
	)

	c.runningTests = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tests",
			Help:      "Number of tests currently in running status",
		},
	)

	c.assignmentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Total number of variant assignments created",
		},
		[]string{"test_id", "variant_id"},
	)

	c.resultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of results recorded",
		},
		[]string{"test_id", "metric"},
	)

	c.analysesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total number of statistical analyses performed",
		},
		[]string{"test_id", "recommendation"},
	)

	c.analysisDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Statistical analysis duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"test_id"},
	)

	c.autoStopsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_stops_total",
			Help:      "Total number of tests stopped automatically",
		},
		[]string{"test_id", "recommendation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordTestTransition 记录生命周期状态转换
func (c *Collector) RecordTestTransition(testID, fromStatus, toStatus string) {
	c.testTransitions.WithLabelValues(testID, fromStatus, toStatus).Inc()
	if toStatus == "running" {
		c.runningTests.Inc()
	}
	if fromStatus == "running" {
		c.runningTests.Dec()
	}
}

// RecordAssignment 记录一次变体分配
func (c *Collector) RecordAssignment(testID, variantID string) {
	c.assignmentsTotal.WithLabelValues(testID, variantID).Inc()
}

// RecordResult 记录一次结果写入
func (c *Collector) RecordResult(testID, metric string) {
	c.resultsTotal.WithLabelValues(testID, metric).Inc()
}

// RecordAnalysis 记录一次统计分析
func (c *Collector) RecordAnalysis(testID, recommendation string, duration time.Duration) {
	c.analysesTotal.WithLabelValues(testID, recommendation).Inc()
	c.analysisDuration.WithLabelValues(testID).Observe(duration.Seconds())
}

// RecordAutoStop 记录一次自动停止
func (c *Collector) RecordAutoStop(testID, recommendation string) {
	c.autoStopsTotal.WithLabelValues(testID, recommendation).Inc()
}
