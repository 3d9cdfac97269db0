package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	logs "github.com/danmuck/bridgectl/internal/logging"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("near-a", "GET", "/health", 200, 12*time.Millisecond)

	before := testutil.ToFloat64(messagesSent.WithLabelValues("refused"))
	RecordMessageSent(false)
	if got := testutil.ToFloat64(messagesSent.WithLabelValues("refused")); got != before+1 {
		t.Fatalf("refused counter got=%v want=%v", got, before+1)
	}

	SetPaired("near", 1)
	SetPaired("near", -1)
	if got := testutil.ToFloat64(paired.WithLabelValues("near")); got != 0 {
		t.Fatalf("paired gauge got=%v", got)
	}

	RecordMessageReceived()
	RecordListenerPanic()
	RecordOverlayTransition("shown")

	logs.Infof("observability/metrics: registration idempotent and recording paths executed")
}
