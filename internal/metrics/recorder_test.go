package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestNoopRecorderImplementsRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveTaskDuration("UNIFY", time.Second)
	r.IncTaskResult("UNIFY", ResultSuccess)
	r.AddCertsStored(10)
	r.AddChains(true, 2)
	r.ObserveValidation("openssl", time.Millisecond)
	r.AddDownloadBytes(1024)
	r.SetQuotaLeft(3)
}

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	var r Recorder = NewPrometheusRecorder(reg)

	r.ObserveTaskDuration("UNIFY", time.Second)
	r.IncTaskResult("UNIFY", ResultSuccess)
	r.IncTaskResult("ANALYSE", ResultFailure)
	r.AddCertsStored(5)
	r.AddChains(false, 3)
	r.AddChains(true, 1)
	r.ObserveValidation("openssl", 50*time.Millisecond)
	r.AddDownloadBytes(2048)
	r.SetQuotaLeft(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 7 {
		t.Fatalf("expected 7 metric families, got %d", len(families))
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"cevast_task_duration_seconds",
		"cevast_task_results_total",
		"cevast_certs_stored_total",
		"cevast_chains_total",
		"cevast_validation_duration_seconds",
		"cevast_download_bytes_total",
		"cevast_collector_quota_left",
	} {
		if !names[want] {
			t.Errorf("missing metric family %s", want)
		}
	}
}

func TestPrometheusRecorderNilSafe(t *testing.T) {
	var p *PrometheusRecorder
	p.ObserveTaskDuration("UNIFY", time.Second)
	p.IncTaskResult("UNIFY", ResultSuccess)
	p.AddCertsStored(1)
	p.AddChains(false, 1)
	p.ObserveValidation("openssl", time.Second)
	p.AddDownloadBytes(1)
	p.SetQuotaLeft(1)
}
