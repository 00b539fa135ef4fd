package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/mbclink/internal/testutil/testlog"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHandshake("external", "initiator", "accepted")
	RecordFrame("external", "send", "load", 96)
	RecordStep("external", 250*time.Microsecond)
	RecordClose("external", "last")

	body := scrape(t)
	for _, name := range []string{
		"mbclink_channel_handshakes_total",
		"mbclink_channel_frames_total",
		"mbclink_channel_payload_bytes_total",
		"mbclink_channel_step_duration_seconds",
		"mbclink_channel_sessions_closed_total",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics body missing %s", name)
		}
	}
}

func TestRecordFrameLabels(t *testing.T) {
	testlog.Start(t)
	RecordFrame("solver", "recv", "load", 24)
	body := scrape(t)
	if !strings.Contains(body, `mbclink_channel_frames_total{direction="recv",kind="load",side="solver"}`) {
		t.Fatalf("frames_total missing solver recv series")
	}
}
