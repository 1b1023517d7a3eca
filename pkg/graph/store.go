package graph

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the topology at one revision. Readers hold
// a snapshot for the duration of an analysis and are never invalidated by
// later writes.
type Snapshot struct {
	Revision uint64

	nodes  map[string]*Node
	out    map[string][]Edge
	in     map[string][]Edge
	byKind map[Kind][]string
}

// Node returns the node with the given id, or nil.
func (s *Snapshot) Node(id string) *Node { return s.nodes[id] }

// Has reports whether a node with the given id exists.
func (s *Snapshot) Has(id string) bool { _, ok := s.nodes[id]; return ok }

// Len returns the node count.
func (s *Snapshot) Len() int { return len(s.nodes) }

// NodeIDs returns all node ids in sorted order.
func (s *Snapshot) NodeIDs() []string {
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NodesByKind returns the ids of all nodes of one kind, sorted.
func (s *Snapshot) NodesByKind(k Kind) []string {
	ids := s.byKind[k]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Out returns the outgoing edges of a node.
func (s *Snapshot) Out(id string) []Edge { return s.out[id] }

// In returns the incoming edges of a node.
func (s *Snapshot) In(id string) []Edge { return s.in[id] }

// OutKind returns outgoing edges restricted to the given kinds.
func (s *Snapshot) OutKind(id string, kinds ...EdgeKind) []Edge {
	return filterEdges(s.out[id], kinds)
}

// InKind returns incoming edges restricted to the given kinds.
func (s *Snapshot) InKind(id string, kinds ...EdgeKind) []Edge {
	return filterEdges(s.in[id], kinds)
}

func filterEdges(edges []Edge, kinds []EdgeKind) []Edge {
	var out []Edge
	for _, e := range edges {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// lwwClaim records which connector last asserted a node and when.
type lwwClaim struct {
	connector  string
	observedAt time.Time
}

// Store is the process-wide topology store. Writes are serialized under mu
// and published as copy-on-write snapshots; readers load the current snapshot
// atomically and never block writers.
type Store struct {
	mu     sync.Mutex
	snap   atomic.Pointer[Snapshot]
	claims map[string]lwwClaim
	coreK  int
	logger *slog.Logger
}

// NewStore builds an empty store. coreK is the minimum number of distinct
// shortest dependency paths a device must sit on to be flagged is_core.
func NewStore(coreK int, logger *slog.Logger) *Store {
	if coreK <= 0 {
		coreK = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	st := &Store{
		claims: make(map[string]lwwClaim),
		coreK:  coreK,
		logger: logger,
	}
	st.snap.Store(&Snapshot{
		Revision: 0,
		nodes:    map[string]*Node{},
		out:      map[string][]Edge{},
		in:       map[string][]Edge{},
		byKind:   map[Kind][]string{},
	})
	return st
}

// Snapshot returns the current immutable view.
func (st *Store) Snapshot() *Snapshot { return st.snap.Load() }

// Apply validates and applies one batch atomically. On any invariant
// violation the whole batch is discarded and the published snapshot is
// unchanged. A batch that produces no effective difference leaves the
// revision untouched.
func (st *Store) Apply(batch Batch) error {
	for _, m := range batch.Mutations {
		if err := m.Validate(); err != nil {
			return &InvariantViolation{Rule: "mutation_shape", Detail: err.Error()}
		}
	}
	if len(batch.Mutations) == 0 {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	cur := st.snap.Load()
	next := cloneSnapshot(cur)
	claims := make(map[string]lwwClaim, len(st.claims))
	for k, v := range st.claims {
		claims[k] = v
	}

	changed := false
	for _, m := range batch.Mutations {
		switch m.Kind {
		case MutationUpsertNode:
			if c, ok := claims[m.Node.ID]; ok && c.connector != batch.ConnectorID && c.observedAt.After(batch.ObservedAt) {
				continue // a fresher assertion from another connector wins
			}
			if applyNodeUpsert(next, m.Node) {
				changed = true
			}
			claims[m.Node.ID] = lwwClaim{connector: batch.ConnectorID, observedAt: batch.ObservedAt}
		case MutationUpsertEdge:
			did, err := applyEdgeUpsert(next, m.Edge)
			if err != nil {
				return err
			}
			changed = changed || did
		case MutationTombstone:
			if c, ok := claims[m.Delete.ID]; ok && c.connector != batch.ConnectorID {
				continue // another connector still asserts this node
			}
			if removeNode(next, m.Delete.ID) {
				changed = true
				delete(claims, m.Delete.ID)
			}
		}
	}

	if err := checkInvariants(next); err != nil {
		return err
	}
	if !changed {
		return nil
	}

	next.Revision = cur.Revision + 1
	recomputeCore(next, st.coreK)
	rebuildKindIndex(next)
	st.claims = claims
	st.snap.Store(next)
	st.logger.Debug("graph batch applied",
		"connector", batch.ConnectorID,
		"mutations", len(batch.Mutations),
		"revision", next.Revision,
		"nodes", len(next.nodes))
	return nil
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	next := &Snapshot{
		Revision: s.Revision,
		nodes:    make(map[string]*Node, len(s.nodes)),
		out:      make(map[string][]Edge, len(s.out)),
		in:       make(map[string][]Edge, len(s.in)),
		byKind:   map[Kind][]string{},
	}
	for id, n := range s.nodes {
		next.nodes[id] = n.Clone()
	}
	for id, edges := range s.out {
		next.out[id] = append([]Edge(nil), edges...)
	}
	for id, edges := range s.in {
		next.in[id] = append([]Edge(nil), edges...)
	}
	return next
}

func applyNodeUpsert(s *Snapshot, u *NodeUpsert) bool {
	existing := s.nodes[u.ID]
	if existing != nil && existing.Kind != u.Kind {
		// A kind change is a replace: drop the stale node first.
		removeNode(s, u.ID)
		existing = nil
	}
	props := make(map[string]any, len(u.Props))
	for k, v := range u.Props {
		props[k] = v
	}
	if existing != nil {
		// Merge-style upsert: connector keys overwrite, derived flags like
		// is_core survive until the next recompute.
		same := true
		for k, v := range props {
			if !reflect.DeepEqual(existing.Props[k], v) {
				same = false
				break
			}
		}
		if same {
			return false
		}
		for k, v := range props {
			existing.Props[k] = v
		}
		return true
	}
	s.nodes[u.ID] = &Node{ID: u.ID, Kind: u.Kind, Props: props}
	return true
}

func applyEdgeUpsert(s *Snapshot, u *EdgeUpsert) (bool, error) {
	if !s.Has(u.Source) {
		return false, &InvariantViolation{Rule: "dangling_endpoint",
			Detail: fmt.Sprintf("edge %s %s->%s: source does not exist", u.Kind, u.Source, u.Target)}
	}
	if !s.Has(u.Target) {
		return false, &InvariantViolation{Rule: "dangling_endpoint",
			Detail: fmt.Sprintf("edge %s %s->%s: target does not exist", u.Kind, u.Source, u.Target)}
	}
	for _, e := range s.out[u.Source] {
		if e.Kind == u.Kind && e.Target == u.Target {
			return false, nil // identity is (kind, source, target); duplicates collapse
		}
	}
	props := make(map[string]any, len(u.Props))
	for k, v := range u.Props {
		props[k] = v
	}
	e := Edge{Kind: u.Kind, Source: u.Source, Target: u.Target, Props: props}
	s.out[u.Source] = append(s.out[u.Source], e)
	s.in[u.Target] = append(s.in[u.Target], e)
	return true, nil
}

func removeNode(s *Snapshot, id string) bool {
	if !s.Has(id) {
		return false
	}
	// Rules live and die with their owning device.
	if s.nodes[id].Kind == KindDevice {
		for _, e := range s.OutKind(id, EdgeHasRule) {
			removeNode(s, e.Target)
		}
	}
	delete(s.nodes, id)
	for _, e := range s.out[id] {
		s.in[e.Target] = dropEdge(s.in[e.Target], e)
	}
	for _, e := range s.in[id] {
		s.out[e.Source] = dropEdge(s.out[e.Source], e)
	}
	delete(s.out, id)
	delete(s.in, id)
	return true
}

func dropEdge(edges []Edge, victim Edge) []Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.Kind == victim.Kind && e.Source == victim.Source && e.Target == victim.Target {
			continue
		}
		out = append(out, e)
	}
	return out
}

func checkInvariants(s *Snapshot) error {
	vlanSeen := map[string]string{} // "env/vlan_id" -> node id
	for id, n := range s.nodes {
		switch n.Kind {
		case KindVLAN:
			key := fmt.Sprintf("%s/%v", n.Environment(), n.Props["vlan_id"])
			if prev, dup := vlanSeen[key]; dup {
				return &InvariantViolation{Rule: "vlan_unique_per_environment",
					Detail: fmt.Sprintf("%s and %s both claim vlan %s", prev, id, key)}
			}
			vlanSeen[key] = id
		case KindRule:
			if owners := len(s.InKind(id, EdgeHasRule)); owners != 1 {
				return &InvariantViolation{Rule: "rule_single_device",
					Detail: fmt.Sprintf("rule %s has %d owning devices, want 1", id, owners)}
			}
		case KindInterface:
			if owners := len(s.InKind(id, EdgeHasInterface)); owners > 1 {
				return &InvariantViolation{Rule: "interface_single_device",
					Detail: fmt.Sprintf("interface %s has %d owning devices", id, owners)}
			}
		}
	}
	return nil
}

func rebuildKindIndex(s *Snapshot) {
	s.byKind = map[Kind][]string{}
	for id, n := range s.nodes {
		s.byKind[n.Kind] = append(s.byKind[n.Kind], id)
	}
	for k := range s.byKind {
		sort.Strings(s.byKind[k])
	}
}
