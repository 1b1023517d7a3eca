package impact

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/deplyx/deplyx/pkg/graph"
)

type direction int

const (
	dirOut direction = iota
	dirIn
)

type hopRule struct {
	dir  direction
	kind graph.EdgeKind
}

// expansions defines, per strategy and node kind, which edges the BFS
// follows. A kind with no entry is a leaf for that strategy.
var expansions = map[Strategy]map[graph.Kind][]hopRule{
	StrategyRuleScope: {
		graph.KindDevice:      {{dirOut, graph.EdgeHasRule}},
		graph.KindRule:        {{dirOut, graph.EdgeProtects}},
		graph.KindApplication: {{dirOut, graph.EdgeDependsOn}},
	},
	StrategyRuleScopeReverse: {
		graph.KindRule:        {{dirOut, graph.EdgeProtects}},
		graph.KindApplication: {{dirOut, graph.EdgeDependsOn}},
		graph.KindService:     {{dirOut, graph.EdgeDependsOn}},
	},
	StrategyVLANFanout: {
		graph.KindVLAN:      {{dirIn, graph.EdgeMemberOf}},
		graph.KindInterface: {{dirIn, graph.EdgeHasInterface}},
		graph.KindDevice:    {{dirIn, graph.EdgeDependsOn}},
		graph.KindService:   {{dirIn, graph.EdgeDependsOn}},
	},
	StrategyInterfaceFanout: {
		graph.KindInterface: {{dirIn, graph.EdgeHasInterface}},
		graph.KindPort:      {{dirOut, graph.EdgePartOf}},
		graph.KindDevice: {
			{dirOut, graph.EdgeConnectsTo}, {dirIn, graph.EdgeConnectsTo},
			{dirIn, graph.EdgeDependsOn},
		},
		graph.KindService: {{dirIn, graph.EdgeDependsOn}},
	},
	StrategyDeviceBlast: {
		graph.KindDevice: {
			{dirOut, graph.EdgeHasInterface}, {dirOut, graph.EdgeHasRule},
			{dirOut, graph.EdgeHasVLAN},
			{dirOut, graph.EdgeConnectsTo}, {dirIn, graph.EdgeConnectsTo},
			{dirIn, graph.EdgeDependsOn},
		},
		graph.KindRule:    {{dirOut, graph.EdgeProtects}},
		graph.KindService: {{dirIn, graph.EdgeDependsOn}},
	},
	StrategyCloudSGScope: {
		graph.KindRule:        {{dirOut, graph.EdgeProtects}},
		graph.KindApplication: {{dirOut, graph.EdgeDependsOn}},
		graph.KindDevice:      {{dirIn, graph.EdgeDependsOn}},
	},
}

// edgePriority orders edge kinds for the equal-length path tie-break.
func edgePriority(k graph.EdgeKind) int {
	switch k {
	case graph.EdgeDependsOn:
		return 4
	case graph.EdgeProtects:
		return 3
	case graph.EdgeConnectsTo:
		return 2
	case graph.EdgeHasInterface, graph.EdgeHasRule, graph.EdgeHasVLAN:
		return 1
	}
	return 0
}

// Analyzer computes impact snapshots against a fixed graph snapshot and
// memoizes the result per change until invalidated.
type Analyzer struct {
	depths Depths
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Snapshot
}

// NewAnalyzer builds an analyzer with the given per-strategy depth bounds.
func NewAnalyzer(depths Depths, logger *slog.Logger) *Analyzer {
	if depths == nil {
		depths = DefaultDepths()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{depths: depths, logger: logger, cache: map[string]*Snapshot{}}
}

// Cached returns the memoized snapshot for a change, or nil.
func (a *Analyzer) Cached(changeID string) *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache[changeID]
}

// Invalidate drops the memoized snapshot for a change.
func (a *Analyzer) Invalidate(changeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, changeID)
}

// Analyze runs the action-specific traversal against the given graph
// snapshot. The snapshot is pinned by the caller: concurrent graph syncs
// never affect a running analysis. ctx cancellation aborts the traversal.
func (a *Analyzer) Analyze(ctx context.Context, g *graph.Snapshot, req Request) (*Snapshot, error) {
	strategy := StrategyFor(req.Action)
	bound := a.depths.bound(strategy)

	var roots, unknown []string
	for _, id := range req.Targets {
		if id == "" {
			continue
		}
		if g.Has(id) {
			roots = append(roots, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	sort.Strings(roots)
	sort.Strings(unknown)
	if len(roots) == 0 {
		return nil, fmt.Errorf("change %s: %w", req.ChangeID, ErrEmptyTarget)
	}

	st, err := a.traverse(ctx, g, strategy, roots, bound)
	if err != nil {
		return nil, err
	}

	snap := a.assemble(g, strategy, roots, st)
	snap.GraphRevision = g.Revision
	snap.UnknownTargets = unknown

	a.mu.Lock()
	a.cache[req.ChangeID] = snap
	a.mu.Unlock()

	a.logger.Info("impact analysis complete",
		"change_id", req.ChangeID,
		"strategy", string(strategy),
		"direct", len(snap.DirectlyImpacted),
		"indirect", len(snap.IndirectlyImpacted),
		"max_criticality", snap.MaxCriticality,
		"graph_revision", snap.GraphRevision)
	return snap, nil
}

type bfsState struct {
	dist   map[string]int
	parent map[string]string
	pedge  map[string]graph.EdgeKind
}

func (a *Analyzer) traverse(ctx context.Context, g *graph.Snapshot, strategy Strategy, roots []string, bound int) (*bfsState, error) {
	st := &bfsState{
		dist:   map[string]int{},
		parent: map[string]string{},
		pedge:  map[string]graph.EdgeKind{},
	}
	queue := make([]string, 0, len(roots))
	for _, id := range roots {
		st.dist[id] = 0
		queue = append(queue, id)
		// A device target of a rule-centric strategy stands in for the
		// rules it hosts; seed them alongside the device.
		if strategy == StrategyRuleScopeReverse && g.Node(id).Kind == graph.KindDevice {
			for _, e := range g.OutKind(id, graph.EdgeHasRule) {
				if _, seen := st.dist[e.Target]; !seen {
					st.dist[e.Target] = 0
					queue = append(queue, e.Target)
				}
			}
		}
	}

	rules := expansions[strategy]
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("impact traversal canceled: %w", err)
		}
		cur := queue[0]
		queue = queue[1:]
		d := st.dist[cur]
		if d >= bound {
			continue
		}
		node := g.Node(cur)
		if node == nil {
			continue
		}
		for _, hr := range rules[node.Kind] {
			var edges []graph.Edge
			if hr.dir == dirOut {
				edges = g.OutKind(cur, hr.kind)
			} else {
				edges = g.InKind(cur, hr.kind)
			}
			for _, e := range edges {
				next := e.Target
				if hr.dir == dirIn {
					next = e.Source
				}
				nd, seen := st.dist[next]
				switch {
				case !seen:
					st.dist[next] = d + 1
					st.parent[next] = cur
					st.pedge[next] = e.Kind
					queue = append(queue, next)
				case nd == d+1 && edgePriority(e.Kind) > edgePriority(st.pedge[next]):
					// Equal length: keep the path with the stronger
					// final edge.
					st.parent[next] = cur
					st.pedge[next] = e.Kind
				}
			}
		}
	}
	return st, nil
}

func (a *Analyzer) assemble(g *graph.Snapshot, strategy Strategy, roots []string, st *bfsState) *Snapshot {
	directSet := map[string]bool{}
	// add_rule is additive: nothing existing is directly modified.
	if strategy != StrategyRuleScope {
		for _, id := range roots {
			directSet[id] = true
		}
	}

	visited := make([]string, 0, len(st.dist))
	for id := range st.dist {
		visited = append(visited, id)
	}
	sort.Strings(visited)

	snap := &Snapshot{TraversalStrategy: strategy}
	maxCrit := graph.CritLow

	ref := func(n *graph.Node) NodeRef {
		return NodeRef{
			ID:          n.ID,
			Kind:        string(n.Kind),
			Criticality: string(n.Criticality()),
			IsCore:      n.IsCore(),
		}
	}

	for _, id := range visited {
		n := g.Node(id)
		if n == nil {
			continue
		}
		maxCrit = graph.MaxCriticality(maxCrit, n.Criticality())
		if n.Kind == graph.KindRule && n.IsAnyAny() {
			snap.AnyAnyRuleInvolved = true
		}

		switch {
		case directSet[id]:
			snap.DirectlyImpacted = append(snap.DirectlyImpacted, ref(n))
		case strategy == StrategyRuleScope && n.Kind != graph.KindApplication && n.Kind != graph.KindService:
			// rule_scope reports only the newly reachable app/service set.
		default:
			snap.IndirectlyImpacted = append(snap.IndirectlyImpacted, ref(n))
		}

		switch n.Kind {
		case graph.KindApplication:
			r := ref(n)
			r.RedundancyAvailable = hasIndependentPath(g, id, directSet)
			snap.AffectedApplications = append(snap.AffectedApplications, r)
		case graph.KindService:
			r := ref(n)
			r.RedundancyAvailable = hasIndependentPath(g, id, directSet)
			snap.AffectedServices = append(snap.AffectedServices, r)
		case graph.KindVLAN:
			snap.AffectedVLANs = append(snap.AffectedVLANs, ref(n))
		}
	}

	snap.CriticalPaths = buildCriticalPaths(g, visited, st)
	snap.TotalDependencyCount = len(snap.DirectlyImpacted) + len(snap.IndirectlyImpacted)
	snap.MaxCriticality = string(maxCrit)
	return snap
}

// hasIndependentPath reports whether the node can reach any Device along
// DEPENDS_ON edges without touching a direct target.
func hasIndependentPath(g *graph.Snapshot, from string, avoid map[string]bool) bool {
	if avoid[from] {
		return false
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.OutKind(cur, graph.EdgeDependsOn) {
			if visited[e.Target] || avoid[e.Target] {
				continue
			}
			visited[e.Target] = true
			if n := g.Node(e.Target); n != nil && n.Kind == graph.KindDevice {
				return true
			}
			queue = append(queue, e.Target)
		}
	}
	return false
}

func buildCriticalPaths(g *graph.Snapshot, visited []string, st *bfsState) []CriticalPath {
	var paths []CriticalPath
	for _, id := range visited {
		if st.dist[id] == 0 {
			continue
		}
		n := g.Node(id)
		if n == nil || n.Criticality().Rank() < graph.CritHigh.Rank() {
			continue
		}

		var nodes []string
		var edges []string
		crit := graph.CritLow
		for cur := id; cur != ""; cur = st.parent[cur] {
			nodes = append(nodes, cur)
			if cn := g.Node(cur); cn != nil {
				crit = graph.MaxCriticality(crit, cn.Criticality())
			}
			if e, ok := st.pedge[cur]; ok && st.parent[cur] != "" {
				edges = append(edges, string(e))
			}
			if st.dist[cur] == 0 {
				break
			}
		}
		reverse(nodes)
		reverse(edges)
		paths = append(paths, CriticalPath{
			Criticality: string(crit),
			Hops:        st.dist[id],
			Nodes:       nodes,
			Edges:       edges,
		})
	}

	sort.Slice(paths, func(i, j int) bool {
		ci := graph.Criticality(paths[i].Criticality).Rank()
		cj := graph.Criticality(paths[j].Criticality).Rank()
		if ci != cj {
			return ci > cj
		}
		if paths[i].Hops != paths[j].Hops {
			return paths[i].Hops < paths[j].Hops
		}
		return paths[i].Nodes[len(paths[i].Nodes)-1] < paths[j].Nodes[len(paths[j].Nodes)-1]
	})
	return paths
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
