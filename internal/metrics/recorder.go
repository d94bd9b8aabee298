package metrics

import "time"

// ResultLabel enumerates task result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailure  ResultLabel = "failure"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for pipeline metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe for
// nil receivers when using the NoopRecorder (allowing optional injection).
type Recorder interface {
	ObserveTaskDuration(task string, d time.Duration)
	IncTaskResult(task string, result ResultLabel)
	AddCertsStored(n int)
	AddChains(broken bool, n int)
	ObserveValidation(method string, d time.Duration)
	AddDownloadBytes(n int64)
	SetQuotaLeft(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveTaskDuration(string, time.Duration) {}
func (NoopRecorder) IncTaskResult(string, ResultLabel)         {}
func (NoopRecorder) AddCertsStored(int)                        {}
func (NoopRecorder) AddChains(bool, int)                       {}
func (NoopRecorder) ObserveValidation(string, time.Duration)   {}
func (NoopRecorder) AddDownloadBytes(int64)                    {}
func (NoopRecorder) SetQuotaLeft(int)                          {}
