package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowlens/internal/config"
	"flowlens/internal/domain"
)

type capture struct {
	mu      sync.Mutex
	bodies  []Notification
	headers []http.Header
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		_ = json.NewDecoder(r.Body).Decode(&n)
		c.mu.Lock()
		c.bodies = append(c.bodies, n)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestNotifyRespectsMinSeverity(t *testing.T) {
	var got capture
	srv := httptest.NewServer(got.handler(http.StatusNoContent))
	defer srv.Close()

	n := New([]config.WebhookConfig{
		{URL: srv.URL, MinSeverity: "critical", Secret: "s3cret"},
		{URL: srv.URL},
	}, nil)
	require.True(t, n.Enabled())

	msg := Notification{
		ID:          "run-1",
		Kind:        "full",
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxSeverity: domain.SeverityHigh,
		Findings: FindingsOf(domain.Bottleneck{
			Type: domain.KindReviewBottleneck, TeamID: "t1", Severity: domain.SeverityHigh, Description: "Team Core has 6 cards in review",
		}),
	}
	require.NoError(t, n.Notify(context.Background(), msg))
	require.Len(t, got.bodies, 1)
	require.Equal(t, "run-1", got.bodies[0].ID)
	require.Equal(t, "Team Core has 6 cards in review", got.bodies[0].Findings[0].Description)
	require.Equal(t, EventAnalysis, got.headers[0].Get("X-Flowlens-Event"))
	require.Empty(t, got.headers[0].Get("X-Flowlens-Secret"))

	msg.MaxSeverity = domain.SeverityCritical
	require.NoError(t, n.Notify(context.Background(), msg))
	require.Len(t, got.bodies, 3)
}

func TestNotifySkipsDisabledAndReportsFailures(t *testing.T) {
	var got capture
	failing := httptest.NewServer(got.handler(http.StatusBadGateway))
	defer failing.Close()

	off := false
	n := New([]config.WebhookConfig{{URL: failing.URL, Enabled: &off}}, nil)
	require.False(t, n.Enabled())
	require.NoError(t, n.Notify(context.Background(), Notification{MaxSeverity: domain.SeverityCritical}))
	require.Empty(t, got.bodies)

	n = New([]config.WebhookConfig{{URL: failing.URL, MinSeverity: "info"}}, nil)
	err := n.Notify(context.Background(), Notification{ID: "x", MaxSeverity: domain.SeverityInfo})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 502")
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	require.False(t, n.Enabled())
	require.NoError(t, n.Notify(context.Background(), Notification{}))
}

func TestFindingsOf(t *testing.T) {
	out := FindingsOf(
		domain.SyncIssue{Type: domain.KindTeamSyncIssue, Severity: domain.SeverityMedium, Description: "drift"},
		domain.WorkloadRecommendation{Type: domain.KindRedistribute, Priority: domain.PriorityHigh, Description: "1 overloaded"},
	)
	require.Equal(t, []Finding{
		{Type: domain.KindTeamSyncIssue, Severity: domain.SeverityMedium, Description: "drift"},
		{Type: domain.KindRedistribute, Severity: domain.SeverityHigh, Description: "1 overloaded"},
	}, out)
}
