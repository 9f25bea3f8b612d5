package deps

import (
	"testing"

	"github.com/stretchr/testify/require"

	"flowlens/internal/domain"
)

func TestAcyclicGraph(t *testing.T) {
	cards := []domain.Card{
		{ID: "a", Status: domain.StatusReady, Dependencies: []string{"b", "c", "b"}},
		{ID: "b", Status: domain.StatusDone, Dependencies: []string{"c"}},
		{ID: "c", Status: domain.StatusInProgress},
	}
	g := Build(cards)
	require.Equal(t, []string{"b", "c"}, g.DependsOn("a"))
	require.False(t, g.HasCycle())

	s := Summarize(cards)
	require.Equal(t, 2, s.CardsWithDependencies)
	require.Equal(t, 3, s.Edges)
	require.Empty(t, s.Dangling)
	require.Empty(t, s.Cycles)
	require.Equal(t, 1, s.BlockedByOpenWork)
}

func TestCyclesAreDetectedNotTraversedForever(t *testing.T) {
	cards := []domain.Card{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"c"}},
		{ID: "c", Dependencies: []string{"a"}},
		{ID: "d", Dependencies: []string{"d"}},
		{ID: "e", Dependencies: []string{"a", "ghost"}},
	}
	g := Build(cards)
	require.True(t, g.HasCycle())
	require.Equal(t, [][]string{{"a", "b", "c"}, {"d"}}, g.Cycles())

	s := Summarize(cards)
	require.Equal(t, []DanglingRef{{CardID: "e", DependsOn: "ghost"}}, s.Dangling)
	require.Len(t, s.Cycles, 2)
}

func TestEmptyInput(t *testing.T) {
	s := Summarize(nil)
	require.Zero(t, s.CardsWithDependencies)
	require.NotNil(t, s.Cycles)
	require.NotNil(t, s.Dangling)
}
