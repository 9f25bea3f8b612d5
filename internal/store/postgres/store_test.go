package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"flowlens/internal/domain"
	"flowlens/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	s, err := Open(context.Background(), dsn, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Open(context.Background(), "", nil)
	require.Error(t, err)
}

func TestSnapshotLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.NewString()
	snap := domain.Snapshot{
		ID:      id,
		Date:    base,
		Columns: map[domain.CardStatus][]domain.Item{domain.StatusReview: {{ID: "US-9", Title: "Pay", Type: domain.ItemUserStory}}},
		Blocked: 1,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.ListSnapshots(ctx, base)
	require.NoError(t, err)
	var found bool
	for _, g := range got {
		if g.ID == id {
			found = true
			require.True(t, g.Date.Equal(base))
			require.Equal(t, 1, g.Count(domain.StatusReview))
		}
	}
	require.True(t, found)

	n, err := s.PruneSnapshots(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))

	evts, err := s.LatestEvents(ctx, store.EventFilter{EntityID: id})
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	require.Equal(t, store.EventSnapshotRecorded, evts[0].Type)
}

func TestAnalysisRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := store.AnalysisRun{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
		Kind:        "global",
		Provider:    "simulation",
		MaxSeverity: domain.SeverityMedium,
		Payload:     []byte(`{"analysis": "ok"}`),
	}
	require.NoError(t, s.SaveAnalysis(ctx, run))
	got, err := s.GetAnalysis(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.Kind, got.Kind)
	require.True(t, run.CreatedAt.Equal(got.CreatedAt))
	require.JSONEq(t, string(run.Payload), string(got.Payload))

	_, err = s.GetAnalysis(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
