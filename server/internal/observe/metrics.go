// Package observe 提供 OpenTelemetry 指标与 Prometheus 导出。
//
// 测试中应使用 NewMetrics 搭配自定义 MeterProvider，避免全局状态互相污染。
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "hanchat/server"

// Metrics 汇总所有指标工具，可并发使用。
type Metrics struct {
	// ServiceRequests 外部服务调用次数，属性：service, status。
	ServiceRequests metric.Int64Counter
	// ServiceDuration 外部服务调用耗时（秒），属性：service。
	ServiceDuration metric.Float64Histogram
	// AlignBranches 对齐各分支命中次数，属性：branch。
	AlignBranches metric.Int64Counter
	// GradingFailures 评分失败（后台吞掉的错误）次数。
	GradingFailures metric.Int64Counter
	// ActiveSessions 当前存活会话数。
	ActiveSessions metric.Int64UpDownCounter
	// HTTPRequestDuration HTTP 请求耗时（秒），属性：method, route, status。
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// NewMetrics 用给定的 MeterProvider 创建全部指标。
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.ServiceRequests, err = m.Int64Counter("hanchat.service.requests",
		metric.WithDescription("External service calls by service and status."),
	); err != nil {
		return nil, err
	}
	if met.ServiceDuration, err = m.Float64Histogram("hanchat.service.duration",
		metric.WithDescription("Latency of external service calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AlignBranches, err = m.Int64Counter("hanchat.align.branches",
		metric.WithDescription("Token alignment steps by branch."),
	); err != nil {
		return nil, err
	}
	if met.GradingFailures, err = m.Int64Counter("hanchat.grading.failures",
		metric.WithDescription("Grading calls that produced no result."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("hanchat.sessions.active",
		metric.WithDescription("Live learning sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("hanchat.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Default 基于全局 MeterProvider 创建指标；需先调用 InitProvider 才会真正导出。
func Default() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return Noop()
	}
	return m
}

// Noop 返回不记录任何数据的指标。
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// RecordService 记录一次外部服务调用。
func (m *Metrics) RecordService(ctx context.Context, service string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ServiceRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("status", status),
	))
	m.ServiceDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("service", service),
	))
}

// RecordAlign 记录一次对齐各分支的命中次数。
func (m *Metrics) RecordAlign(ctx context.Context, punctuation, exact, drift, fallback int) {
	if m == nil {
		return
	}
	for branch, n := range map[string]int{
		"punctuation": punctuation,
		"exact":       exact,
		"drift":       drift,
		"fallback":    fallback,
	} {
		if n > 0 {
			m.AlignBranches.Add(ctx, int64(n), metric.WithAttributes(attribute.String("branch", branch)))
		}
	}
}
