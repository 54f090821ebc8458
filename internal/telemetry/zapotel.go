package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type (
	// ZapLogger adapts a *zap.Logger (sugared) to the Logger interface.
	ZapLogger struct {
		base *zap.SugaredLogger
	}

	// OTELMetrics adapts an OTEL Meter to the Metrics interface using
	// lazily-created instruments keyed by name.
	OTELMetrics struct {
		meter      metric.Meter
		counters   map[string]metric.Float64Counter
		histograms map[string]metric.Float64Histogram
		gauges     map[string]metric.Float64Gauge
	}

	// OTELTracer adapts an OTEL Tracer to the Tracer interface.
	OTELTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewZapLogger builds a Logger backed by zap's production JSON encoder.
func NewZapLogger(base *zap.Logger) Logger {
	if base == nil {
		base, _ = zap.NewProduction()
	}
	return &ZapLogger{base: base.Sugar()}
}

func (l *ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) { l.base.Debugw(msg, keyvals...) }
func (l *ZapLogger) Info(_ context.Context, msg string, keyvals ...any)  { l.base.Infow(msg, keyvals...) }
func (l *ZapLogger) Warn(_ context.Context, msg string, keyvals ...any)  { l.base.Warnw(msg, keyvals...) }
func (l *ZapLogger) Error(_ context.Context, msg string, keyvals ...any) { l.base.Errorw(msg, keyvals...) }

// NewOTELMetrics builds a Metrics recorder against the global MeterProvider.
// Configure the provider via otel.SetMeterProvider before use.
func NewOTELMetrics(instrumentationName string) Metrics {
	return &OTELMetrics{
		meter:      otel.Meter(instrumentationName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		m.counters[name] = c
	}
	c.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OTELMetrics) RecordTimer(name string, d time.Duration, tags ...string) {
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			return
		}
		m.histograms[name] = h
	}
	h.Record(context.Background(), float64(d.Milliseconds()), metric.WithAttributes(tagAttrs(tags)...))
}

func (m *OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		m.gauges[name] = g
	}
	g.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// NewOTELTracer builds a Tracer against the global TracerProvider.
func NewOTELTracer(instrumentationName string) Tracer {
	return &OTELTracer{tracer: otel.Tracer(instrumentationName)}
}

func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, &otelSpan{span: span}
}

func (t *OTELTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption)              { s.span.End(opts...) }
func (s *otelSpan) AddEvent(name string, attrs ...any)           { s.span.AddEvent(name) }
func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}
func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) { s.span.RecordError(err, opts...) }

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
