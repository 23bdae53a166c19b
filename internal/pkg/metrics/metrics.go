package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReminderScanTotal 提醒扫描周期计数（按结果分类: completed / skipped_lock / failed）。
	ReminderScanTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "habittracker_reminder_scan_total",
		Help: "Total reminder scan cycles by outcome.",
	}, []string{"outcome"})

	// ReminderScanDuration 单次扫描周期耗时（秒）。
	ReminderScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "habittracker_reminder_scan_duration_seconds",
		Help:    "Duration of a reminder scan cycle.",
		Buckets: prometheus.DefBuckets,
	})

	// ReminderDispatchTotal 单条提醒的派发结果计数（sent / skipped_no_chat / failed）。
	ReminderDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "habittracker_reminder_dispatch_total",
		Help: "Per-habit dispatch results.",
	}, []string{"result"})

	// ChatLinkResolvedTotal 成功绑定 chat id 的次数。
	ChatLinkResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "habittracker_chatlink_resolved_total",
		Help: "Telegram chat ids bound to users.",
	})

	// RateLimitWaitDuration 出站发送限流等待耗时（秒）。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "habittracker_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the outbound send rate limiter.",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// RateLimitTimeoutTotal 限流等待超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "habittracker_ratelimit_timeout_total",
		Help: "Rate limiter waits aborted by context cancellation.",
	})

	registerOnce sync.Once
)

// InitMetrics 向默认 Registry 注册所有指标（幂等，测试中可重复调用）。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ReminderScanTotal,
			ReminderScanDuration,
			ReminderDispatchTotal,
			ChatLinkResolvedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
		)
	})
}
