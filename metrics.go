package ratelimiter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Fischlvor/crm-ratelimiter"

// 判定结果标签
const (
	outcomeAdmitted = "admitted"
	outcomeDenied   = "denied"
	outcomeFailOpen = "fail_open"
	outcomeBypassed = "bypassed"
)

type metrics struct {
	decisions metric.Int64Counter
	reloads   metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(meterName)

	decisions, err := meter.Int64Counter(
		"ratelimit_decisions_total",
		metric.WithDescription("Rate limit decisions by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	reloads, err := meter.Int64Counter(
		"ratelimit_script_reloads_total",
		metric.WithDescription("Token bucket script re-registrations after NOSCRIPT"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{decisions: decisions, reloads: reloads}, nil
}

func (m *metrics) decision(outcome string) {
	m.decisions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) reload() {
	m.reloads.Add(context.Background(), 1)
}
