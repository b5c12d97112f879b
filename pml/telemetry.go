package pml

import (
	"fmt"
	"strconv"
	"strings"
)

// Logger provides debug logging hooks for the engine.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures request lifecycle and dispatcher telemetry.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherPollError(kind string, err error, attrs map[string]string)
	RequestInitialized(attrs map[string]string)
	RequestStarted(attrs map[string]string)
	SendCompleted(bytes int, attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	SendCancelled(attrs map[string]string)
	RequestFreed(attrs map[string]string)
}

const (
	labelEngine     = "engine"
	labelTransport  = "transport"
	labelMode       = "mode"
	labelPersistent = "persistent"
	labelStatus     = "status"
	labelKind       = "kind"
)

// Stats contains counters for engine operations.
type Stats struct {
	Initialized uint64
	Started     uint64
	Completed   uint64
	Failed      uint64
	Cancelled   uint64
	Freed       uint64
}

// Outstanding returns the number of started uses not yet completed.
func (s Stats) Outstanding() uint64 {
	done := s.Completed + s.Failed + s.Cancelled
	if done > s.Started {
		return 0
	}
	return s.Started - done
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func requestFields(r *SendRequest, fields ...logField) []logField {
	out := make([]logField, 0, len(fields)+6)
	out = append(out,
		logKV("request_id", r.ID().String()),
		logKV("peer", r.Peer()),
		logKV("tag", r.Tag()),
		logKV(labelMode, r.Mode().String()),
		logKV(labelPersistent, strconv.FormatBool(r.Persistent())),
	)
	return append(out, fields...)
}

func (e *Engine) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelEngine] = e.cfg.Name
	attrs[labelTransport] = e.transportName
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (e *Engine) logEvent(event string, fields ...logField) {
	if e == nil {
		return
	}
	if e.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		e.structuredLogger.Debugw("pml engine", kv...)
		return
	}
	if e.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	e.logger.Debugf("pml engine %s", b.String())
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
