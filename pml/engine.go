package pml

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Completion is reported by a transport when it finishes with a request.
type Completion struct {
	Request   *SendRequest
	Bytes     int
	Cancelled bool
	Err       error
}

// Transport drives initialized requests to completion. Post hands a request
// to the transport; Poll returns the next finished request without blocking,
// or ErrNoCompletion when none is ready. Transports build their own converter
// to transmit and never use the request's sizing converter.
type Transport interface {
	Post(r *SendRequest) error
	Poll() (*Completion, error)
	Close() error
}

// Config controls engine behaviour.
type Config struct {
	Name      string
	Transport Transport
	// Timeout bounds blocking helpers when the caller's context has no
	// earlier deadline.
	Timeout time.Duration
	// ManualProgress disables the dispatcher goroutine; completions are then
	// only observed through Progress and Engine.Wait.
	ManualProgress bool
	// PoolCapacity enables request recycling when positive.
	PoolCapacity     int
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Engine owns a transport and turns its completions into request state
// transitions.
type Engine struct {
	cfg           Config
	transport     Transport
	transportName string
	pool          *RequestPool
	closed        atomic.Bool
	dispatcherErr atomic.Pointer[errorHolder]

	stopCh chan struct{}
	wg     sync.WaitGroup
	pollMu sync.Mutex

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            engineStats
}

type errorHolder struct {
	err error
}

type engineStats struct {
	initialized atomic.Uint64
	started     atomic.Uint64
	completed   atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64
	freed       atomic.Uint64
}

// New builds an engine around cfg.Transport and, unless ManualProgress is
// set, starts the dispatcher.
func New(cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	e := &Engine{
		cfg:              cfg,
		transport:        cfg.Transport,
		transportName:    fmt.Sprintf("%T", cfg.Transport),
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	if named, ok := cfg.Transport.(interface{ Name() string }); ok {
		e.transportName = named.Name()
	}

	if cfg.PoolCapacity > 0 {
		pool, err := NewRequestPool(cfg.PoolCapacity)
		if err != nil {
			return nil, fmt.Errorf("create request pool: %w", err)
		}
		pool.engine = e
		e.pool = pool
	}

	if !cfg.ManualProgress {
		e.wg.Add(1)
		go e.dispatch()
	}
	return e, nil
}

// Close stops the dispatcher, closes the transport and resolves whatever
// completions the transport reported while shutting down.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(e.stopCh)
	e.wg.Wait()

	err := e.transport.Close()
	e.drain(nil)

	if e.pool != nil {
		e.pool.Close()
	}
	return err
}

// NewRequest returns an Allocated request bound to the engine.
func (e *Engine) NewRequest() (*SendRequest, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	if e.pool != nil {
		return e.pool.Acquire()
	}
	return &SendRequest{engine: e}, nil
}

// SendInit builds a persistent request. It is started with Start, any number
// of times, and retired with Free.
func (e *Engine) SendInit(p SendParams) (*SendRequest, error) {
	p.Persistent = true
	return e.initRequest(p)
}

// Isend initializes a one-shot request and starts it.
func (e *Engine) Isend(p SendParams) (*SendRequest, error) {
	p.Persistent = false
	r, err := e.initRequest(p)
	if err != nil {
		return nil, err
	}
	if err := e.Start(r); err != nil {
		_ = r.Free()
		return nil, err
	}
	return r, nil
}

// Send posts a one-shot send and waits for it, using the configured timeout
// when the supplied context lacks an earlier deadline. The request is freed
// before returning.
func (e *Engine) Send(ctx context.Context, p SendParams) (Status, error) {
	ctx, cancel := e.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	r, err := e.Isend(p)
	if err != nil {
		return Status{}, err
	}
	st, err := e.Wait(ctx, r)
	_ = r.Free()
	if err != nil {
		return st, err
	}
	return st, st.Err
}

// Start begins one use of r. Persistent requests may be started again once
// their previous use completed; reference counts are not touched.
func (e *Engine) Start(r *SendRequest) error {
	if err := e.ensureOpen(); err != nil {
		return err
	}
	if r == nil {
		return invalidArg("nil request")
	}
	if err := e.dispatchFailure(); err != nil {
		return err
	}
	if r.engine == nil {
		r.engine = e
	}
	if err := r.begin(); err != nil {
		return err
	}
	e.stats.started.Add(1)
	e.metricRequestStarted(r)

	if err := e.transport.Post(r); err != nil {
		err = fmt.Errorf("post send: %w", err)
		e.logEvent("post_error", requestFields(r, logKV("error", err))...)
		r.complete(Status{Peer: r.Peer(), Tag: r.Tag(), Err: err})
		return err
	}
	e.logf("pml: send posted id=%s peer=%d tag=%d bytes=%d", r.ID(), r.Peer(), r.Tag(), r.PackedSize())
	return nil
}

// StartAll starts every request, stopping at the first failure.
func (e *Engine) StartAll(reqs ...*SendRequest) error {
	for _, r := range reqs {
		if err := e.Start(r); err != nil {
			return err
		}
	}
	return nil
}

// Wait waits for the current use of r. In manual progress mode it drives the
// transport while waiting.
func (e *Engine) Wait(ctx context.Context, r *SendRequest) (Status, error) {
	if r == nil {
		return Status{}, invalidArg("nil request")
	}
	if !e.cfg.ManualProgress {
		return r.Wait(ctx)
	}
	ctx = ensureContext(ctx)
	backoff := time.Millisecond
	for {
		if st, ok := r.Test(); ok {
			return st, nil
		}
		if e.Progress() > 0 {
			backoff = time.Millisecond
			continue
		}
		select {
		case <-ctx.Done():
			if st, ok := r.Test(); ok {
				return st, nil
			}
			return Status{}, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

// Progress resolves every completion the transport has ready and returns how
// many were handled.
func (e *Engine) Progress() int {
	if e == nil {
		return 0
	}
	return e.drain(nil)
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	return Stats{
		Initialized: e.stats.initialized.Load(),
		Started:     e.stats.started.Load(),
		Completed:   e.stats.completed.Load(),
		Failed:      e.stats.failed.Load(),
		Cancelled:   e.stats.cancelled.Load(),
		Freed:       e.stats.freed.Load(),
	}
}

// Pool returns the request pool, or nil when recycling is disabled.
func (e *Engine) Pool() *RequestPool {
	return e.pool
}

func (e *Engine) initRequest(p SendParams) (*SendRequest, error) {
	r, err := e.NewRequest()
	if err != nil {
		return nil, err
	}
	if err := r.Init(p); err != nil {
		_ = r.Free()
		e.logEvent("init_error", logKV("peer", p.Peer), logKV("tag", p.Tag), logKV("error", err))
		return nil, err
	}
	e.stats.initialized.Add(1)
	e.logEvent("initialized", requestFields(r,
		logKV("count", r.Count()),
		logKV("packed_bytes", r.PackedSize()),
	)...)
	e.metricRequestInitialized(r)
	return r, nil
}

func (e *Engine) ensureOpen() error {
	if e == nil {
		return ErrClosed
	}
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (e *Engine) dispatchFailure() error {
	if err := e.dispatcherError(); err != nil {
		return fmt.Errorf("pml engine dispatcher failed: %w", err)
	}
	return nil
}

func (e *Engine) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := e.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) dispatch() {
	defer e.wg.Done()

	span := e.startDispatcherSpan()
	startFields := []logField{
		logKV(labelEngine, e.cfg.Name),
		logKV(labelTransport, e.transportName),
	}
	e.logEvent("dispatcher_start", startFields...)
	spanAddEvent(span, "start", startFields...)
	e.metricDispatcherStarted()

	defer func() {
		err := e.dispatcherError()
		fields := []logField{logKV(labelStatus, "ok")}
		if err != nil {
			fields[0] = logKV(labelStatus, "error")
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		e.logEvent("dispatcher_stop", fields...)
		spanAddEvent(span, "stop", fields...)
		e.metricDispatcherStopped(fields...)
		if span != nil {
			span.End(err)
		}
	}()

	backoff := time.Millisecond
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if e.drain(span) > 0 {
			backoff = time.Millisecond
			continue
		}

		select {
		case <-e.stopCh:
			return
		case <-time.After(backoff):
		}

		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (e *Engine) drain(span Span) int {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	handled := 0
	for {
		c, err := e.transport.Poll()
		if err != nil {
			if !errors.Is(err, ErrNoCompletion) {
				pollErr := fmt.Errorf("transport poll: %w", err)
				e.recordDispatcherFailure(span, "poll_error", pollErr)
				e.recordDispatcherError(pollErr)
			}
			return handled
		}
		if c == nil {
			return handled
		}
		e.handleCompletion(c, span)
		handled++
	}
}

func (e *Engine) handleCompletion(c *Completion, span Span) {
	r := c.Request
	if r == nil {
		return
	}
	st := Status{
		Peer:      r.Peer(),
		Tag:       r.Tag(),
		Bytes:     c.Bytes,
		Cancelled: c.Cancelled,
		Err:       c.Err,
	}
	e.logCompletion(r, st, span)
	r.complete(st)
}

// emit updates counters and metrics for a resolved use. It runs inside the
// request's completion, before any deferred Return.
func (e *Engine) emit(r *SendRequest, st Status) {
	attrs := e.requestAttrs(r, statusLabel(st))
	switch {
	case st.Cancelled:
		e.stats.cancelled.Add(1)
		if e.metrics != nil {
			e.metrics.SendCancelled(attrs)
		}
	case st.Err != nil:
		e.stats.failed.Add(1)
		e.logf("pml: send errored id=%s: %v", r.ID(), st.Err)
		if e.metrics != nil {
			e.metrics.SendFailed(st.Err, attrs)
		}
	default:
		e.stats.completed.Add(1)
		e.logf("pml: send completed id=%s bytes=%d", r.ID(), st.Bytes)
		if e.metrics != nil {
			e.metrics.SendCompleted(st.Bytes, attrs)
		}
	}
}

func (e *Engine) emitFreed(r *SendRequest, err error) {
	e.stats.freed.Add(1)
	fields := requestFields(r)
	if err != nil {
		fields = append(fields, logKV("error", err))
	}
	e.logEvent("freed", fields...)
	if e.metrics != nil {
		e.metrics.RequestFreed(e.requestAttrs(r))
	}
}

func statusLabel(st Status) string {
	switch {
	case st.Cancelled:
		return "cancelled"
	case st.Err != nil:
		return "error"
	default:
		return "ok"
	}
}

func (e *Engine) requestAttrs(r *SendRequest, status ...string) map[string]string {
	fields := []logField{
		logKV(labelMode, r.Mode().String()),
		logKV(labelPersistent, strconv.FormatBool(r.Persistent())),
	}
	if len(status) > 0 {
		fields = append(fields, logKV(labelStatus, status[0]))
	}
	return e.metricAttrs(fields...)
}

func (e *Engine) metricRequestInitialized(r *SendRequest) {
	if e.metrics == nil {
		return
	}
	e.metrics.RequestInitialized(e.requestAttrs(r))
}

func (e *Engine) metricRequestStarted(r *SendRequest) {
	if e.metrics == nil {
		return
	}
	e.metrics.RequestStarted(e.requestAttrs(r))
}

func (e *Engine) metricDispatcherStarted(fields ...logField) {
	if e.metrics == nil {
		return
	}
	e.metrics.DispatcherStarted(e.metricAttrs(fields...))
}

func (e *Engine) metricDispatcherStopped(fields ...logField) {
	if e.metrics == nil {
		return
	}
	e.metrics.DispatcherStopped(e.metricAttrs(fields...))
}

func (e *Engine) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	e.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (e *Engine) dispatcherError() error {
	if e == nil {
		return nil
	}
	if holder := e.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (e *Engine) startDispatcherSpan() Span {
	if e.tracer == nil {
		return nil
	}
	return e.tracer.StartSpan("pml-engine-dispatcher",
		TraceAttribute{Key: "component", Value: "pml-engine"},
		TraceAttribute{Key: labelEngine, Value: e.cfg.Name},
		TraceAttribute{Key: labelTransport, Value: e.transportName},
	)
}

func (e *Engine) recordDispatcherFailure(span Span, event string, err error) {
	fields := []logField{logKV("error", err)}
	e.logEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	if e.metrics != nil {
		e.metrics.DispatcherPollError(event, err, e.metricAttrs())
	}
}

func (e *Engine) logCompletion(r *SendRequest, st Status, span Span) {
	status := statusLabel(st)
	eventName := "completion"
	if st.Err != nil {
		eventName = "completion_error"
	}
	fields := requestFields(r,
		logKV(labelStatus, status),
		logKV("bytes", st.Bytes),
	)
	if st.Err != nil {
		fields = append(fields, logKV("error", st.Err))
	}
	e.logEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if st.Err != nil {
		spanRecordError(span, st.Err)
	}
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (e *Engine) logf(format string, args ...any) {
	if e == nil || e.logger == nil {
		return
	}
	e.logger.Debugf(format, args...)
}
