package graph

// recomputeCore rederives the is_core flag on every Device. A device is core
// when it lies on at least k distinct shortest dependency paths between
// critical Applications and the devices that ultimately serve them. Runs on
// the private copy during Apply, before the snapshot is published.
func recomputeCore(s *Snapshot, k int) {
	pathsThrough := map[string]int{}

	for id, n := range s.nodes {
		if n.Kind != KindApplication || n.Criticality() != CritCritical {
			continue
		}
		for _, dev := range servingDevices(s, id) {
			countShortestPaths(s, id, dev, pathsThrough)
		}
	}

	for id, n := range s.nodes {
		if n.Kind != KindDevice {
			continue
		}
		core := pathsThrough[id] >= k
		if n.IsCore() != core {
			if n.Props == nil {
				n.Props = map[string]any{}
			}
			n.Props["is_core"] = core
		}
	}
}

// servingDevices walks DEPENDS_ON transitively from an application and
// returns the Device endpoints of its dependency closure.
func servingDevices(s *Snapshot, appID string) []string {
	var devices []string
	visited := map[string]bool{appID: true}
	queue := []string{appID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range s.OutKind(cur, EdgeDependsOn) {
			if visited[e.Target] {
				continue
			}
			visited[e.Target] = true
			if n := s.Node(e.Target); n != nil && n.Kind == KindDevice {
				devices = append(devices, e.Target)
			}
			queue = append(queue, e.Target)
		}
	}
	return devices
}

// dependencyEdgeKinds are the edges considered when counting shortest paths
// between an application and a serving device.
var dependencyEdgeKinds = []EdgeKind{EdgeDependsOn, EdgeConnectsTo, EdgeRoutesTo}

// countShortestPaths adds, for every Device v on a shortest src->dst path
// (the serving endpoint included), the number of distinct shortest paths that
// pass through v. Uses the standard two-sided BFS path-counting identity: v
// is on a shortest path iff dist(src,v)+dist(v,dst) == dist(src,dst), and
// the count through v is sigma_src(v) * sigma_dst(v).
func countShortestPaths(s *Snapshot, src, dst string, acc map[string]int) {
	distSrc, sigSrc := bfsCount(s, src)
	total, ok := distSrc[dst]
	if !ok {
		return
	}
	distDst, sigDst := bfsCount(s, dst)

	acc[dst] += sigSrc[dst]

	for v, dv := range distSrc {
		if v == src || v == dst {
			continue
		}
		n := s.Node(v)
		if n == nil || n.Kind != KindDevice {
			continue
		}
		back, reach := distDst[v]
		if !reach || dv+back != total {
			continue
		}
		acc[v] += sigSrc[v] * sigDst[v]
	}
}

// bfsCount returns shortest-path distance and path multiplicity from root
// over the undirected view of the dependency edge kinds.
func bfsCount(s *Snapshot, root string) (map[string]int, map[string]int) {
	dist := map[string]int{root: 0}
	sigma := map[string]int{root: 1}
	queue := []string{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := dist[cur]
		for _, next := range dependencyNeighbors(s, cur) {
			nd, seen := dist[next]
			switch {
			case !seen:
				dist[next] = d + 1
				sigma[next] = sigma[cur]
				queue = append(queue, next)
			case nd == d+1:
				sigma[next] += sigma[cur]
			}
		}
	}
	return dist, sigma
}

func dependencyNeighbors(s *Snapshot, id string) []string {
	var out []string
	for _, e := range s.OutKind(id, dependencyEdgeKinds...) {
		out = append(out, e.Target)
	}
	for _, e := range s.InKind(id, dependencyEdgeKinds...) {
		out = append(out, e.Source)
	}
	return out
}
