package pml

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter               metric.Meter
	dispatcherStarted   metric.Int64Counter
	dispatcherStopped   metric.Int64Counter
	dispatcherPollError metric.Int64Counter
	requestInitialized  metric.Int64Counter
	requestStarted      metric.Int64Counter
	sendCompleted       metric.Int64Counter
	sendBytes           metric.Int64Counter
	sendFailed          metric.Int64Counter
	sendCancelled       metric.Int64Counter
	requestFreed        metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/pml-go/pml"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		opts []metric.Int64CounterOption
	}{
		{&o.dispatcherStarted, "pml.dispatcher.started", nil},
		{&o.dispatcherStopped, "pml.dispatcher.stopped", nil},
		{&o.dispatcherPollError, "pml.dispatcher.poll_errors", nil},
		{&o.requestInitialized, "pml.send.initialized", nil},
		{&o.requestStarted, "pml.send.started", nil},
		{&o.sendCompleted, "pml.send.completed", nil},
		{&o.sendBytes, "pml.send.bytes", []metric.Int64CounterOption{metric.WithUnit("By")}},
		{&o.sendFailed, "pml.send.failed", nil},
		{&o.sendCancelled, "pml.send.cancelled", nil},
		{&o.requestFreed, "pml.send.freed", nil},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, c.opts...)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// DispatcherStarted records that the dispatcher loop has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that the dispatcher loop has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherPollError counts transport poll errors observed by the dispatcher.
func (o *OTelMetrics) DispatcherPollError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.dispatcherPollError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// RequestInitialized records a request bound by Init.
func (o *OTelMetrics) RequestInitialized(attrs map[string]string) {
	o.requestInitialized.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

// RequestStarted records a request use handed to the transport.
func (o *OTelMetrics) RequestStarted(attrs map[string]string) {
	o.requestStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

// SendCompleted records a successful send completion and its packed bytes.
func (o *OTelMetrics) SendCompleted(bytes int, attrs map[string]string) {
	ctx := context.Background()
	o.sendCompleted.Add(ctx, 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
	o.sendBytes.Add(ctx, int64(bytes), metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

// SendFailed records a failed send completion.
func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

// SendCancelled records a cancelled send completion.
func (o *OTelMetrics) SendCancelled(attrs map[string]string) {
	o.sendCancelled.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

// RequestFreed records a request whose references were returned.
func (o *OTelMetrics) RequestFreed(attrs map[string]string) {
	o.requestFreed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelEngine, attrs[labelEngine]),
		attribute.String(labelTransport, attrs[labelTransport]),
	}
}

func otelAttrsWithRequest(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelMode]; v != "" {
		kvs = append(kvs, attribute.String(labelMode, v))
	}
	if v := attrs[labelPersistent]; v != "" {
		kvs = append(kvs, attribute.String(labelPersistent, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
