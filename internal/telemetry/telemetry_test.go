package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRecordedMetricsAreExported(t *testing.T) {
	ctx := context.Background()
	tel, handler, err := New(ctx, "flowlens-test")
	require.NoError(t, err)
	defer tel.Shutdown(ctx)

	require.NoError(t, tel.ObserveHistory(func() int { return 3 }))
	tel.RecordSnapshot(ctx, 2)
	tel.RecordAnalysis(ctx, "global")
	tel.RecordFinding(ctx, "blocked_cards", "critical")
	tel.RecordAICall(ctx, "simulation", false, 10*time.Millisecond)
	tel.RecordHTTP(ctx, "/v1/health", 200, time.Millisecond)

	body := scrape(t, handler)
	for _, name := range []string{
		"flowlens_snapshots_recorded_total",
		"flowlens_snapshots_pruned_total",
		"flowlens_analyses_total",
		"flowlens_findings_total",
		"flowlens_ai_calls_total",
		"flowlens_history_snapshots",
		"flowlens_http_requests_total",
	} {
		require.Contains(t, body, name)
	}
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry
	ctx := context.Background()
	tel.RecordSnapshot(ctx, 1)
	tel.RecordAnalysis(ctx, "full")
	tel.RecordAICall(ctx, "openai", true, time.Second)
	tel.RecordHTTP(ctx, "/", 500, time.Second)
	require.NoError(t, tel.ObserveHistory(func() int { return 0 }))
	require.NoError(t, tel.Shutdown(ctx))
}
