package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordProviderRequest_CountsAndObservesLatency はプロバイダー呼び出しの記録を検証する。
func TestRecordProviderRequest_CountsAndObservesLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProviderRequest("google", "free_busy", 200, 150*time.Millisecond)
	c.RecordProviderRequest("google", "free_busy", 200, 50*time.Millisecond)
	c.RecordProviderRequest("microsoft", "create_event", 401, 10*time.Millisecond)

	mf := findMetric(t, reg, "recruitcal_provider_requests_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label sets, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		if labelValue(m, "provider") == "google" && m.GetCounter().GetValue() != 2 {
			t.Errorf("google free_busy = %v, want 2", m.GetCounter().GetValue())
		}
		if labelValue(m, "provider") == "microsoft" && labelValue(m, "status_code") != "401" {
			t.Errorf("status_code = %q, want 401", labelValue(m, "status_code"))
		}
	}

	latency := findMetric(t, reg, "recruitcal_provider_latency_seconds")
	for _, m := range latency.GetMetric() {
		if labelValue(m, "provider") == "google" && m.GetHistogram().GetSampleCount() != 2 {
			t.Errorf("sample count = %d, want 2", m.GetHistogram().GetSampleCount())
		}
	}
}

// TestRecordTokenRefresh_LabelsResult はトークン更新結果のラベルを検証する。
func TestRecordTokenRefresh_LabelsResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRefresh("google", true)
	c.RecordTokenRefresh("google", false)
	c.RecordTokenRefresh("google", false)

	mf := findMetric(t, reg, "recruitcal_token_refresh_total")
	for _, m := range mf.GetMetric() {
		want := 1.0
		if labelValue(m, "result") == "failure" {
			want = 2
		}
		if got := m.GetCounter().GetValue(); got != want {
			t.Errorf("%s = %v, want %v", labelValue(m, "result"), got, want)
		}
	}
}

// TestRecordBookingMetrics は予約関連のカウンタを検証する。
func TestRecordBookingMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBookingCreated("public_page")
	c.RecordBookingTransition("cancelled")
	c.RecordSlotConflict()
	c.RecordSlotConflict()

	if v := findMetric(t, reg, "recruitcal_bookings_created_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("bookings_created_total = %v, want 1", v)
	}
	if v := findMetric(t, reg, "recruitcal_booking_transitions_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("booking_transitions_total = %v, want 1", v)
	}
	if v := findMetric(t, reg, "recruitcal_slot_conflicts_total").GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("slot_conflicts_total = %v, want 2", v)
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はステータスコード別カウンタを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(409)

	mf := findMetric(t, reg, "recruitcal_http_status_total")
	if len(mf.GetMetric()) != 2 {
		t.Errorf("expected 2 status codes, got %d", len(mf.GetMetric()))
	}
}

// TestMultipleCollectors_IndependentRegistries は別レジストリへの登録が衝突しないことを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	NewCollector(reg1).RecordSlotConflict()
	NewCollector(reg2)

	if v := findMetric(t, reg1, "recruitcal_slot_conflicts_total").GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("reg1 slot_conflicts_total = %v, want 1", v)
	}
	if v := findMetric(t, reg2, "recruitcal_slot_conflicts_total").GetMetric()[0].GetCounter().GetValue(); v != 0 {
		t.Errorf("reg2 slot_conflicts_total = %v, want 0", v)
	}
}

func TestNop_ImplementsInterface(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordSlotConflict()
}
