// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// Agent 指标
	messagesTotal    *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	crashesTotal     *prometheus.CounterVec

	// Supervisor 指标
	restartsTotal   *prometheus.CounterVec
	permanentFailed *prometheus.CounterVec

	// 状态持久化指标
	flushPending *prometheus.GaugeVec

	// 传输层指标
	transportSent       *prometheus.GaugeVec
	transportReceived   *prometheus.GaugeVec
	transportReconnects *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Agent 指标
	c.messagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_messages_total",
			Help:      "Total number of messages handled by agents",
		},
		[]string{"agent_id", "result"}, // result: handled, forwarded, error, dropped
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_state_transitions_total",
			Help:      "Total number of agent lifecycle transitions",
		},
		[]string{"agent_id", "from_state", "to_state"},
	)

	c.crashesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_crashes_total",
			Help:      "Total number of agent crashes",
		},
		[]string{"agent_id"},
	)

	// Supervisor 指标
	c.restartsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_restarts_total",
			Help:      "Total number of agent restarts",
		},
		[]string{"agent_id"},
	)

	c.permanentFailed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_permanent_failures_total",
			Help:      "Total number of agents marked permanently failed",
		},
		[]string{"agent_id"},
	)

	// 状态持久化指标
	c.flushPending = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_flush_pending",
			Help:      "Number of state writes queued but not yet durable",
		},
		[]string{"agent_id"},
	)

	// 传输层指标
	c.transportSent = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_messages_sent",
			Help:      "Messages sent on a transport connection",
		},
		[]string{"transport"},
	)

	c.transportReceived = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_messages_received",
			Help:      "Messages received on a transport connection",
		},
		[]string{"transport"},
	)

	c.transportReconnects = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_reconnects",
			Help:      "Reconnections performed by a transport connection",
		},
		[]string{"transport"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 指标记录
// =============================================================================

// RecordMessage 记录一次消息处理结果
func (c *Collector) RecordMessage(agentID, result string) {
	c.messagesTotal.WithLabelValues(agentID, result).Inc()
}

// RecordStateTransition 记录生命周期状态转换
func (c *Collector) RecordStateTransition(agentID, from, to string) {
	c.stateTransitions.WithLabelValues(agentID, from, to).Inc()
}

// RecordCrash 记录一次崩溃
func (c *Collector) RecordCrash(agentID string) {
	c.crashesTotal.WithLabelValues(agentID).Inc()
}

// RecordRestart 记录一次重启
func (c *Collector) RecordRestart(agentID string) {
	c.restartsTotal.WithLabelValues(agentID).Inc()
}

// RecordPermanentFailure 记录永久失败
func (c *Collector) RecordPermanentFailure(agentID string) {
	c.permanentFailed.WithLabelValues(agentID).Inc()
}

// SetFlushPending 更新待持久化写入数量
func (c *Collector) SetFlushPending(agentID string, pending int) {
	c.flushPending.WithLabelValues(agentID).Set(float64(pending))
}

// SetTransportStats 更新传输层连接计数快照
func (c *Collector) SetTransportStats(transport string, sent, received, reconnects uint64) {
	c.transportSent.WithLabelValues(transport).Set(float64(sent))
	c.transportReceived.WithLabelValues(transport).Set(float64(received))
	c.transportReconnects.WithLabelValues(transport).Set(float64(reconnects))
}
