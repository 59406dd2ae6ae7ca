// Package metrics records chunk system counters. The engine wires a
// prometheus collector; tests and tools use the nop collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector interface {
	HolderCreated()
	HolderRemoved()
	TicketsChanged(delta int)
	StageCompleted(stage string, took time.Duration)
	TaskFailed(stage string)
	Unloaded(n int)
	Saved(kind string, bytes int)
	SaveFailed(kind string)
	PropagationPass(changed bool)
	QueueDepth(queue string, n int)
}

// OrNop returns c, or the nop collector if c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return nop{}
	}
	return c
}

type nop struct{}

func NewNop() Collector { return nop{} }

func (nop) HolderCreated()                       {}
func (nop) HolderRemoved()                       {}
func (nop) TicketsChanged(int)                   {}
func (nop) StageCompleted(string, time.Duration) {}
func (nop) TaskFailed(string)                    {}
func (nop) Unloaded(int)                         {}
func (nop) Saved(string, int)                    {}
func (nop) SaveFailed(string)                    {}
func (nop) PropagationPass(bool)                 {}
func (nop) QueueDepth(string, int)               {}

// Prometheus exports the counters under namespace.
type Prometheus struct {
	holders     prometheus.Gauge
	tickets     prometheus.Gauge
	stages      *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	unloads     prometheus.Counter
	saves       *prometheus.CounterVec
	savedBytes  *prometheus.CounterVec
	saveErrors  *prometheus.CounterVec
	passes      *prometheus.CounterVec
	queueDepths *prometheus.GaugeVec
}

func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if namespace == "" {
		namespace = "chunksys"
	}
	p := &Prometheus{
		holders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "holders", Help: "Loaded chunk holders.",
		}),
		tickets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tickets", Help: "Live tickets across all coordinates.",
		}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_seconds", Help: "Time spent completing a generation stage.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"stage"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_failures_total", Help: "Generation tasks that failed.",
		}, []string{"stage"}),
		unloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "unloads_total", Help: "Chunk holders removed by unloading.",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "saves_total", Help: "Payloads handed to storage.",
		}, []string{"kind"}),
		savedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "saved_bytes_total", Help: "Uncompressed payload bytes handed to storage.",
		}, []string{"kind"}),
		saveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "save_failures_total", Help: "Payloads that could not be saved.",
		}, []string{"kind"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "propagation_passes_total", Help: "Ticket propagation drains.",
		}, []string{"changed"}),
		queueDepths: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth", Help: "Tasks waiting per executor queue.",
		}, []string{"queue"}),
	}
	if reg != nil {
		reg.MustRegister(p.holders, p.tickets, p.stages, p.failures, p.unloads,
			p.saves, p.savedBytes, p.saveErrors, p.passes, p.queueDepths)
	}
	return p
}

func (p *Prometheus) HolderCreated()           { p.holders.Inc() }
func (p *Prometheus) HolderRemoved()           { p.holders.Dec() }
func (p *Prometheus) TicketsChanged(delta int) { p.tickets.Add(float64(delta)) }

func (p *Prometheus) StageCompleted(stage string, took time.Duration) {
	p.stages.WithLabelValues(stage).Observe(took.Seconds())
}

func (p *Prometheus) TaskFailed(stage string) { p.failures.WithLabelValues(stage).Inc() }
func (p *Prometheus) Unloaded(n int)          { p.unloads.Add(float64(n)) }

func (p *Prometheus) Saved(kind string, bytes int) {
	p.saves.WithLabelValues(kind).Inc()
	p.savedBytes.WithLabelValues(kind).Add(float64(bytes))
}

func (p *Prometheus) SaveFailed(kind string) { p.saveErrors.WithLabelValues(kind).Inc() }

func (p *Prometheus) PropagationPass(changed bool) {
	label := "false"
	if changed {
		label = "true"
	}
	p.passes.WithLabelValues(label).Inc()
}

func (p *Prometheus) QueueDepth(queue string, n int) {
	p.queueDepths.WithLabelValues(queue).Set(float64(n))
}
