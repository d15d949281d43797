// Package telemetry wraps the orchestrator's setup/teardown steps in
// OpenTelemetry spans, purely as a diagnostic aid (spec.md §4.8): with
// tracing disabled (the default) every call here is a no-op, so a failed
// invocation's control flow never depends on telemetry having started.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// envTracesEnabled is the toggle SPEC_FULL.md §4.8 names: MORI_OTEL_TRACES=1.
const envTracesEnabled = "MORI_OTEL_TRACES"

// Provider owns the tracer and meter providers for one mori invocation. A
// nil *Provider (or one built with tracing disabled) is safe to call
// every method on; all become no-ops.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meterProvider  *sdkmetric.MeterProvider

	allowedAddresses metric.Int64Counter
	deniedFileRules  metric.Int64Counter
	dnsRefreshCycles metric.Int64Counter
}

// Setup builds a Provider according to the environment. When
// MORI_OTEL_TRACES is unset or falsy, it returns a Provider whose Step
// and Shutdown methods do nothing.
func Setup(ctx context.Context) (*Provider, error) {
	if !envBool(os.Getenv(envTracesEnabled), false) {
		return &Provider{}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", "mori")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: init stdout trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(64)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	meter := mp.Meter("github.com/mori-sandbox/mori/orchestrator")

	p := &Provider{
		tracerProvider: tp,
		tracer:         tp.Tracer("github.com/mori-sandbox/mori/orchestrator"),
		meterProvider:  mp,
	}

	if p.allowedAddresses, err = meter.Int64Counter(
		"mori.network.allowed_addresses",
		metric.WithDescription("IPv4 addresses inserted into the network allow-set"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: build allowed_addresses counter: %w", err)
	}
	if p.deniedFileRules, err = meter.Int64Counter(
		"mori.file.denied_rules",
		metric.WithDescription("file rules seeded into the deny-set"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: build denied_rules counter: %w", err)
	}
	if p.dnsRefreshCycles, err = meter.Int64Counter(
		"mori.dns.refresh_cycles",
		metric.WithDescription("refresh task cycles that re-resolved at least one due domain"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: build refresh_cycles counter: %w", err)
	}

	return p, nil
}

// IncAllowedAddresses records n addresses inserted into the network
// allow-set. A nil or tracing-disabled Provider is a no-op.
func (p *Provider) IncAllowedAddresses(ctx context.Context, n int64) {
	if p == nil || p.allowedAddresses == nil || n == 0 {
		return
	}
	p.allowedAddresses.Add(ctx, n)
}

// IncDeniedFileRules records n file rules seeded into the deny-set.
func (p *Provider) IncDeniedFileRules(ctx context.Context, n int64) {
	if p == nil || p.deniedFileRules == nil || n == 0 {
		return
	}
	p.deniedFileRules.Add(ctx, n)
}

// IncDNSRefreshCycles records one refresh task cycle that re-resolved at
// least one due domain.
func (p *Provider) IncDNSRefreshCycles(ctx context.Context) {
	if p == nil || p.dnsRefreshCycles == nil {
		return
	}
	p.dnsRefreshCycles.Add(ctx, 1)
}

// Step starts a span named for one of the orchestrator's numbered setup
// or teardown steps (spec.md §4.8) and returns a func that ends it. With
// tracing disabled, both are no-ops.
func (p *Provider) Step(ctx context.Context, name string) (context.Context, func()) {
	if p == nil || p.tracer == nil {
		return ctx, func() {}
	}
	spanCtx, span := p.tracer.Start(ctx, name)
	return spanCtx, func() { span.End() }
}

// Shutdown flushes and stops the tracer and meter providers, if started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	if p.tracerProvider != nil {
		err = errors.Join(err, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		err = errors.Join(err, p.meterProvider.Shutdown(ctx))
	}
	return err
}

func envBool(value string, defaultOn bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return defaultOn
	case "1", "true", "on", "enable", "enabled", "yes":
		return true
	case "0", "false", "off", "disable", "disabled", "no":
		return false
	default:
		return defaultOn
	}
}
