package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deckhand"

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	sandboxCreates     *prometheus.CounterVec
	sandboxesOpen      prometheus.Gauge
	promptSends        *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	flowTransitions    *prometheus.CounterVec
	reconcilePasses    prometheus.Counter
	reconcileItems     *prometheus.CounterVec
}

// NewPrometheusRecorder registers collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		sandboxCreates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_creates_total",
			Help:      "Sandbox create attempts by result.",
		}, []string{"result"}),
		sandboxesOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sandboxes_open",
			Help:      "Open sandbox viewers.",
		}),
		promptSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_sends_total",
			Help:      "Prompt deliveries by result.",
		}, []string{"result"}),
		completionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_wait_seconds",
			Help:      "Time spent waiting for a stable agent answer.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900, 1800},
		}, []string{"flow", "result"}),
		flowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_transitions_total",
			Help:      "Workflow state entries by flow and state.",
		}, []string{"flow", "state"}),
		reconcilePasses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "Tracker reconciliation passes.",
		}),
		reconcileItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_items_total",
			Help:      "Items handled by reconciliation by outcome.",
		}, []string{"outcome"}),
	}
}

func (p *PrometheusRecorder) SandboxCreate(result string) {
	p.sandboxCreates.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) SandboxesOpen(n int) {
	p.sandboxesOpen.Set(float64(n))
}

func (p *PrometheusRecorder) PromptSend(result string) {
	p.promptSends.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) ObserveCompletion(flow, result string, d time.Duration) {
	p.completionDuration.WithLabelValues(flow, result).Observe(d.Seconds())
}

func (p *PrometheusRecorder) FlowTransition(flow, state string) {
	p.flowTransitions.WithLabelValues(flow, state).Inc()
}

func (p *PrometheusRecorder) ReconcilePass(checked, promoted, failed int) {
	p.reconcilePasses.Inc()
	p.reconcileItems.WithLabelValues("checked").Add(float64(checked))
	p.reconcileItems.WithLabelValues("promoted").Add(float64(promoted))
	p.reconcileItems.WithLabelValues("failed").Add(float64(failed))
}
