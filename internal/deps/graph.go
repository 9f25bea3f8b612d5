// Package deps models card dependencies as a directed graph keyed by card id.
// Raw data may contain cycles; nothing here assumes otherwise.
package deps

import (
	"sort"

	"flowlens/internal/domain"
)

// Graph maps a card to the cards it depends on.
type Graph struct {
	nodes map[string]struct{}
	edges map[string][]string
}

type DanglingRef struct {
	CardID    string `json:"card_id"`
	DependsOn string `json:"depends_on"`
}

// Summary is the count-only view used by analyses.
type Summary struct {
	CardsWithDependencies int           `json:"cards_with_dependencies"`
	Edges                 int           `json:"edges"`
	Dangling              []DanglingRef `json:"dangling"`
	Cycles                [][]string    `json:"cycles"`
	BlockedByOpenWork     int           `json:"blocked_by_open_work"`
}

// Build indexes dependencies. Duplicate edges are collapsed.
func Build(cards []domain.Card) Graph {
	g := Graph{nodes: map[string]struct{}{}, edges: map[string][]string{}}
	for _, c := range cards {
		g.nodes[c.ID] = struct{}{}
	}
	for _, c := range cards {
		seen := map[string]bool{}
		for _, dep := range c.Dependencies {
			if dep == "" || seen[dep] {
				continue
			}
			seen[dep] = true
			g.edges[c.ID] = append(g.edges[c.ID], dep)
		}
	}
	return g
}

// DependsOn returns the direct dependencies of id.
func (g Graph) DependsOn(id string) []string {
	return g.edges[id]
}

// Cycles returns every strongly connected component that forms a cycle,
// including self-loops. Each cycle is sorted and the list is ordered by its
// first id.
func (g Graph) Cycles() [][]string {
	t := tarjan{
		g:       g,
		index:   map[string]int{},
		low:     map[string]int{},
		onStack: map[string]bool{},
	}
	for _, id := range g.sortedNodes() {
		if _, visited := t.index[id]; !visited {
			t.connect(id)
		}
	}
	sort.Slice(t.cycles, func(i, j int) bool { return t.cycles[i][0] < t.cycles[j][0] })
	return t.cycles
}

// HasCycle reports whether any dependency cycle exists.
func (g Graph) HasCycle() bool {
	return len(g.Cycles()) > 0
}

// Summarize counts dependencies, dangling references and cycles.
func Summarize(cards []domain.Card) Summary {
	g := Build(cards)
	status := make(map[string]domain.CardStatus, len(cards))
	for _, c := range cards {
		status[c.ID] = c.Status
	}
	s := Summary{Dangling: []DanglingRef{}, Cycles: g.Cycles()}
	if s.Cycles == nil {
		s.Cycles = [][]string{}
	}
	for _, c := range cards {
		deps := g.edges[c.ID]
		if len(deps) == 0 {
			continue
		}
		s.CardsWithDependencies++
		s.Edges += len(deps)
		waiting := false
		for _, dep := range deps {
			st, ok := status[dep]
			if !ok {
				s.Dangling = append(s.Dangling, DanglingRef{CardID: c.ID, DependsOn: dep})
				continue
			}
			if st != domain.StatusDone {
				waiting = true
			}
		}
		if waiting && c.Status != domain.StatusDone {
			s.BlockedByOpenWork++
		}
	}
	return s
}

func (g Graph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type tarjan struct {
	g       Graph
	counter int
	index   map[string]int
	low     map[string]int
	stack   []string
	onStack map[string]bool
	cycles  [][]string
}

func (t *tarjan) connect(v string) {
	t.index[v] = t.counter
	t.low[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	selfLoop := false
	for _, w := range t.g.edges[v] {
		if w == v {
			selfLoop = true
		}
		if _, known := t.g.nodes[w]; !known {
			continue
		}
		if _, visited := t.index[w]; !visited {
			t.connect(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.onStack[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] != t.index[v] {
		return
	}
	var comp []string
	for {
		n := len(t.stack) - 1
		w := t.stack[n]
		t.stack = t.stack[:n]
		t.onStack[w] = false
		comp = append(comp, w)
		if w == v {
			break
		}
	}
	if len(comp) > 1 || selfLoop {
		sort.Strings(comp)
		t.cycles = append(t.cycles, comp)
	}
}
