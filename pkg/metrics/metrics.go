// Package metrics 定义了进程级的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "desk_assist"

var (
	// BufferAppends 按结果统计写入防抖缓冲区的次数 (ok / error / fallback)。
	BufferAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_appends_total",
			Help:      "Messages appended to the debounce buffer, by result.",
		},
		[]string{"result"},
	)

	// DrainOutcomes 按结果统计排空尝试 (skipped / empty / processed / failed)。
	DrainOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_outcomes_total",
			Help:      "Drain attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	SweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_errors_total",
		Help:      "Sweeps that failed to enumerate deadlines.",
	})

	InflightDrains = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_drains",
		Help:      "Drains currently running in this process.",
	})

	LeaseRenewalsLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_renewals_lost_total",
		Help:      "Heartbeats that found the processing lease owned by someone else.",
	})

	// StageResults 按阶段与状态统计流水线阶段结果。
	StageResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_results_total",
			Help:      "Pipeline stage results, by stage and status.",
		},
		[]string{"stage", "status"},
	)

	PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Wall time of one pipeline run.",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 300},
	})

	TokensUsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "llm_tokens_total",
		Help:      "Tokens reported by the generation service.",
	})

	// OutboxEvents 统计 outbox 的发布与重放结果。
	OutboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_total",
			Help:      "Outbox publishes and replays, by event.",
		},
		[]string{"event"},
	)
)

func init() {
	prometheus.MustRegister(
		BufferAppends,
		DrainOutcomes,
		SweepErrors,
		InflightDrains,
		LeaseRenewalsLost,
		StageResults,
		PipelineDuration,
		TokensUsed,
		OutboxEvents,
	)
}
