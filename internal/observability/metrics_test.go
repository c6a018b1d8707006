package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel/attribute"
)

func TestProtocolCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewProtocolCollector(reg)
	if err != nil {
		t.Fatalf("NewProtocolCollector: %v", err)
	}

	collector.Sent("rreq")
	collector.Sent("rreq")
	collector.Received("rrep")
	collector.Drop(DropLowEnergy)
	collector.Discovery(DiscoveryFailed)
	collector.RouteError()
	collector.ObserveSelection(3, 0.98)

	if got := testutil.ToFloat64(collector.ControlSent.WithLabelValues("rreq")); got != 2 {
		t.Fatalf("aodv_control_sent_total{type=rreq} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Drops.WithLabelValues(DropLowEnergy)); got != 1 {
		t.Fatalf("aodv_drops_total{reason=low_energy} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RouteErrors); got != 1 {
		t.Fatalf("aodv_route_errors_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "aodv_eocw_selected_score", nil); count != 1 {
		t.Fatalf("aodv_eocw_selected_score sample_count = %d, want 1", count)
	}
}

func TestProtocolCollectorRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewProtocolCollector(reg)
	if err != nil {
		t.Fatalf("first NewProtocolCollector: %v", err)
	}
	b, err := NewProtocolCollector(reg)
	if err != nil {
		t.Fatalf("second NewProtocolCollector: %v", err)
	}
	a.Sent("rerr")
	b.Sent("rerr")
	if got := testutil.ToFloat64(a.ControlSent.WithLabelValues("rerr")); got != 2 {
		t.Fatalf("shared counter = %v, want 2", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *ProtocolCollector
	c.Sent("rreq")
	c.Received("rreq")
	c.Drop(DropDuplicate)
	c.Discovery(DiscoveryStarted)
	c.RouteError()
	c.ObserveSelection(1, 1)

	var s *SchedulerCollector
	s.ObserveStep(1, 1, time.Second, time.Millisecond)
	if s.Gatherer() != nil {
		t.Fatalf("nil collector returned a gatherer")
	}
}

func TestMetricsHandlerExposesProtocolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewProtocolCollector(reg)
	if err != nil {
		t.Fatalf("NewProtocolCollector: %v", err)
	}
	sc, err := NewSchedulerCollector(reg)
	if err != nil {
		t.Fatalf("NewSchedulerCollector: %v", err)
	}
	collector.Sent("rreq")
	collector.Discovery(DiscoveryResolved)
	sc.ObserveStep(12, 3, 1500*time.Millisecond, time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"aodv_control_sent_total",
		"aodv_discoveries_total",
		"sim_events_run_total 12",
		"sim_events_pending 3",
		"sim_virtual_time_seconds 1.5",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestInitTracingDisabledAndStdout(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitTracing(ctx, TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}

	var buf bytes.Buffer
	shutdown, err = InitTracing(ctx, TracingConfig{
		Enabled:     true,
		ServiceName: "test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
		Attributes:  []attribute.KeyValue{attribute.String("aodv.scenario", "diamond")},
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing stdout: %v", err)
	}
	_, span := Tracer().Start(ctx, "eocw.select")
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)
	if !strings.Contains(buf.String(), "eocw.select") {
		t.Fatalf("stdout exporter did not write the span: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "aodv.scenario") {
		t.Fatalf("run attributes missing from the span resource: %s", buf.String())
	}

	if _, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected an error for an unsupported exporter")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("AODV_TRACING_ENABLED", "TRUE")
	t.Setenv("AODV_TRACING_EXPORTER", "OTLP")
	t.Setenv("AODV_TRACING_ENDPOINT", "collector:4317")
	t.Setenv("AODV_TRACING_SAMPLE_RATIO", "7")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio should fall back to 1, got %v", cfg.SampleRatio)
	}
	if cfg.ServiceName != "eocw-aodv" {
		t.Fatalf("ServiceName = %q", cfg.ServiceName)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
