package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once               sync.Once
	taskDuration       *prom.HistogramVec
	taskResults        *prom.CounterVec
	certsStored        prom.Counter
	chains             *prom.CounterVec
	validationDuration *prom.HistogramVec
	downloadBytes      prom.Counter
	quotaLeft          prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.taskDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "cevast",
			Name:      "task_duration_seconds",
			Help:      "Duration of individual pipeline tasks",
			Buckets:   prom.DefBuckets,
		}, []string{"task"})
		pr.taskResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cevast",
			Name:      "task_results_total",
			Help:      "Task result counts by outcome",
		}, []string{"task", "result"})
		pr.certsStored = prom.NewCounter(prom.CounterOpts{
			Namespace: "cevast",
			Name:      "certs_stored_total",
			Help:      "Certificates stored during unification",
		})
		pr.chains = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "cevast",
			Name:      "chains_total",
			Help:      "Host certificate chains built, by kind",
		}, []string{"kind"})
		pr.validationDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "cevast",
			Name:      "validation_duration_seconds",
			Help:      "Duration of chain validations by method",
			Buckets:   prom.DefBuckets,
		}, []string{"method"})
		pr.downloadBytes = prom.NewCounter(prom.CounterOpts{
			Namespace: "cevast",
			Name:      "download_bytes_total",
			Help:      "Bytes downloaded from the dataset source",
		})
		pr.quotaLeft = prom.NewGauge(prom.GaugeOpts{
			Namespace: "cevast",
			Name:      "collector_quota_left",
			Help:      "Download quota left for the day at the dataset source",
		})
		reg.MustRegister(pr.taskDuration, pr.taskResults, pr.certsStored, pr.chains,
			pr.validationDuration, pr.downloadBytes, pr.quotaLeft)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveTaskDuration(task string, d time.Duration) {
	if p == nil || p.taskDuration == nil {
		return
	}
	p.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTaskResult(task string, result ResultLabel) {
	if p == nil || p.taskResults == nil {
		return
	}
	p.taskResults.WithLabelValues(task, string(result)).Inc()
}

func (p *PrometheusRecorder) AddCertsStored(n int) {
	if p == nil || p.certsStored == nil {
		return
	}
	p.certsStored.Add(float64(n))
}

func (p *PrometheusRecorder) AddChains(broken bool, n int) {
	if p == nil || p.chains == nil {
		return
	}
	kind := "full"
	if broken {
		kind = "broken"
	}
	p.chains.WithLabelValues(kind).Add(float64(n))
}

func (p *PrometheusRecorder) ObserveValidation(method string, d time.Duration) {
	if p == nil || p.validationDuration == nil {
		return
	}
	p.validationDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddDownloadBytes(n int64) {
	if p == nil || p.downloadBytes == nil {
		return
	}
	p.downloadBytes.Add(float64(n))
}

func (p *PrometheusRecorder) SetQuotaLeft(n int) {
	if p == nil || p.quotaLeft == nil {
		return
	}
	p.quotaLeft.Set(float64(n))
}
