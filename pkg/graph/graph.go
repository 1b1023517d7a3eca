package graph

// Kind is the semantic label of a topology node.
type Kind string

const (
	KindDevice      Kind = "Device"
	KindInterface   Kind = "Interface"
	KindPort        Kind = "Port"
	KindVLAN        Kind = "VLAN"
	KindIP          Kind = "IP"
	KindRule        Kind = "Rule"
	KindApplication Kind = "Application"
	KindService     Kind = "Service"
	KindDatacenter  Kind = "Datacenter"
	KindCable       Kind = "Cable"
)

// NodeKinds lists every recognized node kind. Mutations carrying any other
// kind are rejected at the boundary.
var NodeKinds = map[Kind]bool{
	KindDevice: true, KindInterface: true, KindPort: true, KindVLAN: true,
	KindIP: true, KindRule: true, KindApplication: true, KindService: true,
	KindDatacenter: true, KindCable: true,
}

// EdgeKind identifies a directed relationship between two nodes.
type EdgeKind string

const (
	EdgeConnectsTo   EdgeKind = "CONNECTS_TO"
	EdgeHasInterface EdgeKind = "HAS_INTERFACE"
	EdgeHasVLAN      EdgeKind = "HAS_VLAN"
	EdgeHasRule      EdgeKind = "HAS_RULE"
	EdgeProtects     EdgeKind = "PROTECTS"
	EdgeDependsOn    EdgeKind = "DEPENDS_ON"
	EdgeRoutesTo     EdgeKind = "ROUTES_TO"
	EdgeLocatedIn    EdgeKind = "LOCATED_IN"
	EdgePartOf       EdgeKind = "PART_OF"
	EdgeAssignedTo   EdgeKind = "ASSIGNED_TO"
	EdgeMemberOf     EdgeKind = "MEMBER_OF"
)

// EdgeKinds lists every recognized edge kind.
var EdgeKinds = map[EdgeKind]bool{
	EdgeConnectsTo: true, EdgeHasInterface: true, EdgeHasVLAN: true,
	EdgeHasRule: true, EdgeProtects: true, EdgeDependsOn: true,
	EdgeRoutesTo: true, EdgeLocatedIn: true, EdgePartOf: true,
	EdgeAssignedTo: true, EdgeMemberOf: true,
}

// Criticality grades business impact of a node.
type Criticality string

const (
	CritLow      Criticality = "low"
	CritMedium   Criticality = "medium"
	CritHigh     Criticality = "high"
	CritCritical Criticality = "critical"
)

// Rank orders criticalities for max() comparisons. Unknown values rank lowest.
func (c Criticality) Rank() int {
	switch c {
	case CritCritical:
		return 4
	case CritHigh:
		return 3
	case CritMedium:
		return 2
	case CritLow:
		return 1
	}
	return 0
}

// MaxCriticality returns the higher of two criticalities.
func MaxCriticality(a, b Criticality) Criticality {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Node is a topology entity. Nodes refer to each other by id only; the
// adjacency lives on the Snapshot, never on the node itself.
type Node struct {
	ID    string         `json:"id"`
	Kind  Kind           `json:"kind"`
	Props map[string]any `json:"properties,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (n *Node) Clone() *Node {
	props := make(map[string]any, len(n.Props))
	for k, v := range n.Props {
		props[k] = v
	}
	return &Node{ID: n.ID, Kind: n.Kind, Props: props}
}

func (n *Node) propString(key string) string {
	if n.Props == nil {
		return ""
	}
	if s, ok := n.Props[key].(string); ok {
		return s
	}
	return ""
}

// Criticality reads the node's criticality property, defaulting to low.
func (n *Node) Criticality() Criticality {
	c := Criticality(n.propString("criticality"))
	if c.Rank() == 0 {
		return CritLow
	}
	return c
}

// Environment reads the node's environment tag (Prod, Preprod, DC1, DC2).
func (n *Node) Environment() string {
	return n.propString("environment")
}

// IsCore reports whether the node is a core device. The flag is derived by
// Store.RecomputeCore, never set by connectors directly.
func (n *Node) IsCore() bool {
	if n.Props == nil {
		return false
	}
	b, _ := n.Props["is_core"].(bool)
	return b
}

// IsAnyAny reports whether a Rule node has unrestricted source and destination.
func (n *Node) IsAnyAny() bool {
	if n.Props == nil {
		return false
	}
	b, _ := n.Props["is_any_any"].(bool)
	return b
}

// DeviceKind reads the device subtype (firewall, router, switch, ...).
func (n *Node) DeviceKind() string {
	return n.propString("kind")
}

// Edge is a directed, typed relationship. Identity is (Kind, Source, Target).
type Edge struct {
	Kind   EdgeKind       `json:"kind"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Props  map[string]any `json:"properties,omitempty"`
}
