package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostagent"

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	transfersStarted prom.Counter
	transfersDone    *prom.CounterVec
	chunksCommitted  prom.Counter
	chunkRetries     prom.Counter
	slotsInUse       prom.Gauge
	backlog          prom.Gauge
}

// NewPrometheusRecorder constructs the metrics and registers them with reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		transfersStarted: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_started_total",
			Help:      "Transfers accepted by the registration loop",
		}),
		transfersDone: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_finished_total",
			Help:      "Transfers that left the registry, by outcome",
		}, []string{"outcome"}),
		chunksCommitted: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_committed_total",
			Help:      "Chunks appended to staging files in order",
		}),
		chunkRetries: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Chunk writes that failed and were re-queued",
		}),
		slotsInUse: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_slots_in_use",
			Help:      "Outstanding chunk requests",
		}),
		backlog: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_backlog",
			Help:      "Chunk requests waiting for a free slot",
		}),
	}
	reg.MustRegister(pr.transfersStarted, pr.transfersDone, pr.chunksCommitted, pr.chunkRetries, pr.slotsInUse, pr.backlog)
	return pr
}

func (p *PrometheusRecorder) TransferStarted() {
	if p == nil {
		return
	}
	p.transfersStarted.Inc()
}

func (p *PrometheusRecorder) TransferFinished(outcome Outcome) {
	if p == nil {
		return
	}
	p.transfersDone.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) ChunksCommitted(n uint64) {
	if p == nil || n == 0 {
		return
	}
	p.chunksCommitted.Add(float64(n))
}

func (p *PrometheusRecorder) ChunkRetried() {
	if p == nil {
		return
	}
	p.chunkRetries.Inc()
}

func (p *PrometheusRecorder) SetSlotsInUse(n int) {
	if p == nil {
		return
	}
	p.slotsInUse.Set(float64(n))
}

func (p *PrometheusRecorder) SetBacklog(n int) {
	if p == nil {
		return
	}
	p.backlog.Set(float64(n))
}

// HTTPHandler returns an http.Handler that serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
