package graph

import (
	"fmt"
	"time"
)

// MutationKind discriminates the GraphMutation variants. The set is closed:
// anything else is rejected before it touches the store.
type MutationKind string

const (
	MutationUpsertNode MutationKind = "upsert_node"
	MutationUpsertEdge MutationKind = "upsert_edge"
	MutationTombstone  MutationKind = "tombstone"
)

// Mutation is a tagged record produced by connectors and the seed path.
// Exactly one of Node, Edge, Delete is populated, matching Kind.
type Mutation struct {
	Kind   MutationKind `json:"kind" yaml:"kind"`
	Node   *NodeUpsert  `json:"node,omitempty" yaml:"node,omitempty"`
	Edge   *EdgeUpsert  `json:"edge,omitempty" yaml:"edge,omitempty"`
	Delete *Tombstone   `json:"delete,omitempty" yaml:"delete,omitempty"`
}

type NodeUpsert struct {
	ID    string         `json:"id" yaml:"id"`
	Kind  Kind           `json:"kind" yaml:"kind"`
	Props map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type EdgeUpsert struct {
	Kind   EdgeKind       `json:"kind" yaml:"kind"`
	Source string         `json:"source" yaml:"source"`
	Target string         `json:"target" yaml:"target"`
	Props  map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type Tombstone struct {
	ID string `json:"id" yaml:"id"`
}

// Validate rejects malformed mutations before any graph state is touched.
func (m Mutation) Validate() error {
	switch m.Kind {
	case MutationUpsertNode:
		if m.Node == nil {
			return fmt.Errorf("upsert_node mutation missing node payload")
		}
		if m.Node.ID == "" {
			return fmt.Errorf("upsert_node with empty id")
		}
		if !NodeKinds[m.Node.Kind] {
			return fmt.Errorf("unknown node kind %q for node %s", m.Node.Kind, m.Node.ID)
		}
	case MutationUpsertEdge:
		if m.Edge == nil {
			return fmt.Errorf("upsert_edge mutation missing edge payload")
		}
		if !EdgeKinds[m.Edge.Kind] {
			return fmt.Errorf("unknown edge kind %q", m.Edge.Kind)
		}
		if m.Edge.Source == "" || m.Edge.Target == "" {
			return fmt.Errorf("upsert_edge %s with empty endpoint", m.Edge.Kind)
		}
	case MutationTombstone:
		if m.Delete == nil || m.Delete.ID == "" {
			return fmt.Errorf("tombstone with empty id")
		}
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}

// Batch is one connector sync cycle's worth of mutations, applied atomically.
// ConnectorID and ObservedAt drive last-writer-wins arbitration across
// connectors that assert the same node.
type Batch struct {
	ConnectorID string
	ObservedAt  time.Time
	Mutations   []Mutation
}

// InvariantViolation reports a batch that would leave the graph inconsistent.
// The batch is rejected whole and the graph is left untouched.
type InvariantViolation struct {
	Rule   string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("graph invariant violated (%s): %s", e.Rule, e.Detail)
}

// Helper constructors used by connectors and the seed path.

func UpsertNode(id string, kind Kind, props map[string]any) Mutation {
	return Mutation{Kind: MutationUpsertNode, Node: &NodeUpsert{ID: id, Kind: kind, Props: props}}
}

func UpsertEdge(kind EdgeKind, source, target string) Mutation {
	return Mutation{Kind: MutationUpsertEdge, Edge: &EdgeUpsert{Kind: kind, Source: source, Target: target}}
}

func DeleteNode(id string) Mutation {
	return Mutation{Kind: MutationTombstone, Delete: &Tombstone{ID: id}}
}
