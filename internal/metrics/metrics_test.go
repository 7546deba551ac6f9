package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue は指定メトリクスのうちラベルが一致する系列の値を返す。
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					matched = false
				}
			}
			if matched {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("%s %v metric not found", name, labels)
	return 0
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordCheckIn_IncrementsCounterWithLabels はチェックインカウンタが状態別に増加することを検証する。
func TestRecordCheckIn_IncrementsCounterWithLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCheckIn("valid", true)
	c.RecordCheckIn("valid", true)
	c.RecordCheckIn("valid", false)
	c.RecordCheckIn("manual_override", true)

	if v := counterValue(t, reg, "attendance_checkins_total", map[string]string{"status": "valid", "on_time": "true"}); v != 2 {
		t.Errorf("valid/on_time = %v, want 2", v)
	}
	if v := counterValue(t, reg, "attendance_checkins_total", map[string]string{"status": "valid", "on_time": "false"}); v != 1 {
		t.Errorf("valid/late = %v, want 1", v)
	}
	if v := counterValue(t, reg, "attendance_checkins_total", map[string]string{"status": "manual_override"}); v != 1 {
		t.Errorf("manual_override = %v, want 1", v)
	}
}

// TestRecordCheckInRejected_IncrementsCounter は拒否カウンタがコード別に増加することを検証する。
func TestRecordCheckInRejected_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCheckInRejected("OUTSIDE_GEOFENCE")
	c.RecordCheckInRejected("OUTSIDE_GEOFENCE")
	c.RecordCheckInRejected("MEETING_ENDED")

	if v := counterValue(t, reg, "attendance_checkin_rejections_total", map[string]string{"code": "OUTSIDE_GEOFENCE"}); v != 2 {
		t.Errorf("OUTSIDE_GEOFENCE = %v, want 2", v)
	}
}

// TestRecordBadgeCompleted_IncrementsCounter はバッジ終端カウンタが増加することを検証する。
func TestRecordBadgeCompleted_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBadgeCompleted("ready")
	c.RecordBadgeCompleted("error")
	c.RecordBadgeCompleted("ready")

	if v := counterValue(t, reg, "attendance_badges_completed_total", map[string]string{"status": "ready"}); v != 2 {
		t.Errorf("ready = %v, want 2", v)
	}
	if v := counterValue(t, reg, "attendance_badges_completed_total", map[string]string{"status": "error"}); v != 1 {
		t.Errorf("error = %v, want 1", v)
	}
}

// TestRecordGeneration_ObservesHistogram はレイテンシとバッチサイズが記録されることを検証する。
func TestRecordGeneration_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGenerationStatus(200)
	c.RecordGenerationLatency(1500 * time.Millisecond)
	c.RecordBatchSize(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	var latencyCount, batchCount uint64
	for _, mf := range families {
		switch mf.GetName() {
		case "attendance_generation_latency_seconds":
			latencyCount = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		case "attendance_badge_batch_size":
			batchCount = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	if latencyCount != 1 {
		t.Errorf("latency sample count = %d, want 1", latencyCount)
	}
	if batchCount != 1 {
		t.Errorf("batch sample count = %d, want 1", batchCount)
	}
	if v := counterValue(t, reg, "attendance_generation_http_status_total", map[string]string{"status_code": "200"}); v != 1 {
		t.Errorf("status 200 = %v, want 1", v)
	}
}

// TestHandler_ServesMetrics はスクレイプ用ハンドラーがメトリクスを返すことを検証する。
func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordBadgeCompleted("ready")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "attendance_badges_completed_total") {
		t.Error("response should contain attendance_badges_completed_total metric")
	}
}

// TestDuplicateRegistration_Panics は同一レジストリへの二重登録でpanicすることを検証する。
func TestDuplicateRegistration_Panics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	_ = NewCollector(reg)
}
