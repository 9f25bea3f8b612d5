package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"flowlens/internal/domain"
)

func TestEventFilterPageSize(t *testing.T) {
	require.Equal(t, 50, EventFilter{}.PageSize())
	require.Equal(t, 7, EventFilter{Limit: 7}.PageSize())
	require.Equal(t, 500, EventFilter{Limit: 10_000}.PageSize())
}

func TestDecodeSnapshotToleratesEmptyParts(t *testing.T) {
	var snap domain.Snapshot
	require.NoError(t, DecodeSnapshot(&snap, nil, []byte("null")))
	require.NotNil(t, snap.Columns)
	require.Nil(t, snap.WIP)

	src := domain.Snapshot{
		Columns: map[domain.CardStatus][]domain.Item{domain.StatusBlocked: {{ID: "EP-1", Type: domain.ItemEpic}}},
		WIP:     map[domain.CardStatus]domain.WIPReading{domain.StatusReview: {Current: 2, Limit: 2}},
	}
	cols, wip, err := EncodeSnapshot(src)
	require.NoError(t, err)
	var got domain.Snapshot
	require.NoError(t, DecodeSnapshot(&got, cols, wip))
	require.Equal(t, src.Columns, got.Columns)
	require.Equal(t, src.WIP, got.WIP)

	require.Error(t, DecodeSnapshot(&got, []byte("{"), nil))
}
