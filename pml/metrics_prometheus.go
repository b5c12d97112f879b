package pml

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	dispatcherStarted   *prometheus.CounterVec
	dispatcherStopped   *prometheus.CounterVec
	dispatcherPollError *prometheus.CounterVec
	requestInitialized  *prometheus.CounterVec
	requestStarted      *prometheus.CounterVec
	sendCompleted       *prometheus.CounterVec
	sendBytes           *prometheus.CounterVec
	sendFailed          *prometheus.CounterVec
	sendCancelled       *prometheus.CounterVec
	requestFreed        *prometheus.CounterVec
}

var (
	dispatcherLabelKeys = []string{labelEngine, labelTransport}
	pollErrorLabelKeys  = []string{labelEngine, labelTransport, labelKind}
	requestLabelKeys    = []string{labelEngine, labelTransport, labelMode, labelPersistent}
	completionLabelKeys = []string{labelEngine, labelTransport, labelMode, labelPersistent, labelStatus}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		dispatcherStarted:   counter("pml_dispatcher_started_total", "Number of times the dispatcher loop started", dispatcherLabelKeys),
		dispatcherStopped:   counter("pml_dispatcher_stopped_total", "Number of times the dispatcher loop stopped", dispatcherLabelKeys),
		dispatcherPollError: counter("pml_dispatcher_poll_errors_total", "Number of transport poll errors surfaced by the dispatcher", pollErrorLabelKeys),
		requestInitialized:  counter("pml_send_requests_initialized_total", "Number of send requests bound by Init", requestLabelKeys),
		requestStarted:      counter("pml_send_requests_started_total", "Number of send request uses handed to the transport", requestLabelKeys),
		sendCompleted:       counter("pml_send_completed_total", "Number of successful send completions", completionLabelKeys),
		sendBytes:           counter("pml_send_bytes_total", "Packed bytes delivered by successful sends", requestLabelKeys),
		sendFailed:          counter("pml_send_failed_total", "Number of errored send completions", completionLabelKeys),
		sendCancelled:       counter("pml_send_cancelled_total", "Number of cancelled send completions", completionLabelKeys),
		requestFreed:        counter("pml_send_requests_freed_total", "Number of send requests whose references were returned", requestLabelKeys),
	}

	vecs := []**prometheus.CounterVec{
		&p.dispatcherStarted,
		&p.dispatcherStopped,
		&p.dispatcherPollError,
		&p.requestInitialized,
		&p.requestStarted,
		&p.sendCompleted,
		&p.sendBytes,
		&p.sendFailed,
		&p.sendCancelled,
		&p.requestFreed,
	}
	for _, vec := range vecs {
		registered, err := registerCounterVec(reg, *vec)
		if err != nil {
			return nil, err
		}
		*vec = registered
	}
	return p, nil
}

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, dispatcherLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherPollError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, pollErrorLabelKeys...)
	labs[labelKind] = kind
	p.dispatcherPollError.With(labs).Inc()
}

func (p *PrometheusMetrics) RequestInitialized(attrs map[string]string) {
	p.requestInitialized.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestStarted(attrs map[string]string) {
	p.requestStarted.With(labels(attrs, requestLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendCompleted(bytes int, attrs map[string]string) {
	p.sendCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
	p.sendBytes.With(labels(attrs, requestLabelKeys...)).Add(float64(bytes))
}

func (p *PrometheusMetrics) SendFailed(_ error, attrs map[string]string) {
	p.sendFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SendCancelled(attrs map[string]string) {
	p.sendCancelled.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) RequestFreed(attrs map[string]string) {
	p.requestFreed.With(labels(attrs, requestLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
