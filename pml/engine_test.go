package pml

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/pml-go/datatype"
)

func TestEngineRequiresTransport(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestEngineDefaults(t *testing.T) {
	e, _ := newManualEngine(t, Config{})
	if e.cfg.Name != "default" {
		t.Fatalf("unexpected default name %q", e.cfg.Name)
	}
	if e.cfg.Timeout != 5*time.Second {
		t.Fatalf("unexpected default timeout %v", e.cfg.Timeout)
	}
	if e.transportName != "fake" {
		t.Fatalf("unexpected transport name %q", e.transportName)
	}
	if e.Pool() != nil {
		t.Fatalf("pool should be disabled by default")
	}
}

func TestEngineStructuredLoggingAndTracing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	metrics := newMetricRecorder()

	ft := &fakeTransport{auto: true}
	e, err := New(Config{
		Name:      "structured",
		Transport: ft,
		Timeout:   2 * time.Second,
		Logger:    logger,
		Tracer:    NewOTelTracer(tp.Tracer("pml-structured-test")),
		Metrics:   metrics,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	world := newWorld(t, 2)
	st, err := e.Send(context.Background(), SendParams{
		Buffer:   make([]byte, 24),
		Count:    3,
		Datatype: datatype.Int64,
		Peer:     1,
		Tag:      11,
		Comm:     world,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if st.Bytes != 24 || st.Tag != 11 {
		t.Fatalf("unexpected status %+v", st)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !ft.isClosed() {
		t.Fatalf("transport not closed")
	}
	_ = logger.Sync()

	for _, event := range []string{"dispatcher_start", "initialized", "completion", "freed", "dispatcher_stop"} {
		if !waitForLogEvent(observedLogs, event, time.Second) {
			t.Fatalf("missing %s log", event)
		}
	}
	completion := observedLogs.FilterField(zap.String("event", "completion")).All()
	if len(completion) != 1 {
		t.Fatalf("expected one completion log, got %d", len(completion))
	}
	fields := completion[0].ContextMap()
	if fields["peer"] != int64(1) || fields["bytes"] != int64(24) || fields[labelStatus] != "ok" {
		t.Fatalf("unexpected completion fields %v", fields)
	}
	if id, _ := fields["request_id"].(string); id == "" {
		t.Fatalf("completion log missing request id")
	}

	for _, event := range []string{"start", "completion", "stop"} {
		if !spanHasEvent(recorder, event) {
			t.Fatalf("missing dispatcher %s span event", event)
		}
	}

	snapshot := metrics.Snapshot()
	if snapshot.DispatcherStarted != 1 || snapshot.DispatcherStopped != 1 {
		t.Fatalf("dispatcher metrics missing: %+v", snapshot)
	}
	if snapshot.Initialized != 1 || snapshot.Started != 1 || snapshot.Completed != 1 || snapshot.Freed != 1 {
		t.Fatalf("unexpected request metrics: %+v", snapshot)
	}
	if snapshot.Bytes != 24 {
		t.Fatalf("unexpected byte count %d", snapshot.Bytes)
	}
	if snapshot.Failed != 0 || snapshot.Cancelled != 0 || len(snapshot.PollErrors) != 0 {
		t.Fatalf("unexpected failure metrics: %+v", snapshot)
	}
}

func TestEnginePlainLogger(t *testing.T) {
	logger := &lineLogger{}
	e, ft := newManualEngine(t, Config{Logger: logger})
	world := newWorld(t, 2)

	req, err := e.Isend(SendParams{Count: 0, Datatype: datatype.Byte, Peer: 1, Tag: 2, Comm: world})
	if err != nil {
		t.Fatalf("Isend failed: %v", err)
	}
	ft.finishAll()
	if _, err := e.Wait(context.Background(), req); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	_ = req.Free()

	for _, want := range []string{"pml engine initialized", "pml: send posted", "pml engine completion", "pml: send completed", "pml engine freed"} {
		if !logger.contains(want) {
			t.Fatalf("missing log line %q in %v", want, logger.snapshot())
		}
	}
}

func TestEngineSendTimeoutDefersFree(t *testing.T) {
	ft := &fakeTransport{}
	e, err := New(Config{Transport: ft, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	world := newWorld(t, 2)
	before := world.Count()

	_, err = e.Send(context.Background(), SendParams{Count: 0, Datatype: datatype.Byte, Peer: 1, Comm: world})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if world.Count() != before+1 {
		t.Fatalf("timed out send should still hold its reference: %d", world.Count())
	}
	if ft.postedCount() != 1 {
		t.Fatalf("expected one posted request, got %d", ft.postedCount())
	}

	ft.finishAll()
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if world.Count() != before {
		t.Fatalf("late completion did not release reference: %d", world.Count())
	}
	if stats := e.Stats(); stats.Freed != 1 || stats.Outstanding() != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEngineStartAll(t *testing.T) {
	ft := &fakeTransport{auto: true}
	e, err := New(Config{Transport: ft})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()
	world := newWorld(t, 4)

	reqs := make([]*SendRequest, 3)
	for i := range reqs {
		reqs[i], err = e.SendInit(SendParams{Count: 0, Datatype: datatype.Byte, Peer: i + 1, Tag: i, Comm: world})
		if err != nil {
			t.Fatalf("SendInit failed: %v", err)
		}
		defer reqs[i].Free()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for round := 0; round < 3; round++ {
		if err := e.StartAll(reqs...); err != nil {
			t.Fatalf("StartAll round %d failed: %v", round, err)
		}
		statuses, err := WaitAll(ctx, reqs...)
		if err != nil {
			t.Fatalf("WaitAll round %d failed: %v", round, err)
		}
		for i, st := range statuses {
			if st.Peer != i+1 || st.Tag != i {
				t.Fatalf("round %d: unexpected status %+v", round, st)
			}
		}
	}
	if stats := e.Stats(); stats.Started != 9 || stats.Completed != 9 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEngineDispatcherRecordsPollError(t *testing.T) {
	logger, observedLogs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	metrics := newMetricRecorder()

	ft := &fakeTransport{}
	e, err := New(Config{
		Transport:        ft,
		StructuredLogger: logger,
		Tracer:           NewOTelTracer(tp.Tracer("pml-poll-error-test")),
		Metrics:          metrics,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer e.Close()

	ft.setPollErr(errors.New("queue torn down"))

	deadline := time.Now().Add(2 * time.Second)
	var dispatchErr error
	for time.Now().Before(deadline) {
		dispatchErr = e.dispatchFailure()
		if dispatchErr != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if dispatchErr == nil {
		t.Fatal("expected dispatcher failure after poll error")
	}

	world := newWorld(t, 2)
	req, err := e.SendInit(SendParams{Count: 0, Datatype: datatype.Byte, Peer: 1, Comm: world})
	if err != nil {
		t.Fatalf("SendInit failed: %v", err)
	}
	defer req.Free()
	if err := e.Start(req); err == nil || !strings.Contains(err.Error(), "queue torn down") {
		t.Fatalf("expected dispatcher failure from Start, got %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !waitForLogEvent(observedLogs, "poll_error", time.Second) {
		t.Fatal("missing poll error log")
	}
	if !spanHasEvent(recorder, "poll_error") {
		t.Fatal("missing poll error span event")
	}
	if len(metrics.Snapshot().PollErrors) == 0 {
		t.Fatal("expected poll error metric")
	}
}

func TestEngineClosed(t *testing.T) {
	e, _ := newManualEngine(t, Config{})
	world := newWorld(t, 2)
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := e.Isend(SendParams{Count: 0, Datatype: datatype.Byte, Peer: 1, Comm: world}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := e.NewRequest(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from NewRequest, got %v", err)
	}
}

func TestEngineInitErrorLeavesNothingBehind(t *testing.T) {
	e, ft := newManualEngine(t, Config{PoolCapacity: 1})
	world := newWorld(t, 2)

	if _, err := e.Isend(SendParams{Count: 1, Datatype: datatype.Int64, Peer: 1, Comm: world}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument for short buffer, got %v", err)
	}
	if ft.postedCount() != 0 {
		t.Fatalf("failed init reached the transport")
	}
	if stats := e.Stats(); stats.Initialized != 0 || stats.Started != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if e.Pool().Idle() != 1 {
		t.Fatalf("failed request not recycled, idle=%d", e.Pool().Idle())
	}
}

func TestStatsOutstanding(t *testing.T) {
	s := Stats{Started: 5, Completed: 2, Failed: 1}
	if s.Outstanding() != 2 {
		t.Fatalf("unexpected outstanding %d", s.Outstanding())
	}
	if (Stats{Completed: 3}).Outstanding() != 0 {
		t.Fatalf("outstanding should not underflow")
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		for _, entry := range logs.All() {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "pml-engine-dispatcher" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Debugf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *lineLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func (l *lineLogger) contains(substr string) bool {
	for _, line := range l.snapshot() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type metricSnapshot struct {
	DispatcherStarted int
	DispatcherStopped int
	PollErrors        []string
	Initialized       int
	Started           int
	Completed         int
	Bytes             int
	Failed            int
	Cancelled         int
	Freed             int
}

type metricRecorder struct {
	mu   sync.Mutex
	snap metricSnapshot
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) DispatcherStarted(_ map[string]string) {
	m.mu.Lock()
	m.snap.DispatcherStarted++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherStopped(_ map[string]string) {
	m.mu.Lock()
	m.snap.DispatcherStopped++
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherPollError(kind string, _ error, _ map[string]string) {
	m.mu.Lock()
	m.snap.PollErrors = append(m.snap.PollErrors, kind)
	m.mu.Unlock()
}

func (m *metricRecorder) RequestInitialized(_ map[string]string) {
	m.mu.Lock()
	m.snap.Initialized++
	m.mu.Unlock()
}

func (m *metricRecorder) RequestStarted(_ map[string]string) {
	m.mu.Lock()
	m.snap.Started++
	m.mu.Unlock()
}

func (m *metricRecorder) SendCompleted(bytes int, _ map[string]string) {
	m.mu.Lock()
	m.snap.Completed++
	m.snap.Bytes += bytes
	m.mu.Unlock()
}

func (m *metricRecorder) SendFailed(_ error, _ map[string]string) {
	m.mu.Lock()
	m.snap.Failed++
	m.mu.Unlock()
}

func (m *metricRecorder) SendCancelled(_ map[string]string) {
	m.mu.Lock()
	m.snap.Cancelled++
	m.mu.Unlock()
}

func (m *metricRecorder) RequestFreed(_ map[string]string) {
	m.mu.Lock()
	m.snap.Freed++
	m.mu.Unlock()
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snap
	snap.PollErrors = append([]string(nil), m.snap.PollErrors...)
	return snap
}
