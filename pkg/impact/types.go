package impact

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Strategy names the traversal applied for a change action.
type Strategy string

const (
	StrategyRuleScope        Strategy = "rule_scope"
	StrategyRuleScopeReverse Strategy = "rule_scope_reverse"
	StrategyVLANFanout       Strategy = "vlan_fanout"
	StrategyInterfaceFanout  Strategy = "interface_fanout"
	StrategyDeviceBlast      Strategy = "device_blast"
	StrategyCloudSGScope     Strategy = "cloud_sg_scope"
)

// strategyByAction maps change actions to their traversal strategy.
var strategyByAction = map[string]Strategy{
	"add_rule":           StrategyRuleScope,
	"remove_rule":        StrategyRuleScopeReverse,
	"disable_rule":       StrategyRuleScopeReverse,
	"modify_rule":        StrategyRuleScopeReverse,
	"delete_vlan":        StrategyVLANFanout,
	"modify_vlan":        StrategyVLANFanout,
	"change_vlan":        StrategyVLANFanout,
	"disable_port":       StrategyInterfaceFanout,
	"enable_port":        StrategyInterfaceFanout,
	"shutdown_interface": StrategyInterfaceFanout,
	"decommission":       StrategyDeviceBlast,
	"reboot_device":      StrategyDeviceBlast,
	"firmware_upgrade":   StrategyDeviceBlast,
	"config_change":      StrategyDeviceBlast,
	"modify_sg":          StrategyCloudSGScope,
	"delete_sg":          StrategyCloudSGScope,
}

// StrategyFor returns the traversal strategy for an action. Unmapped actions
// fall back to device_blast, the widest net.
func StrategyFor(action string) Strategy {
	if s, ok := strategyByAction[action]; ok {
		return s
	}
	return StrategyDeviceBlast
}

// Depths configures the BFS bound per strategy.
type Depths map[Strategy]int

// DefaultDepths returns the stock bounds: 3 for device_blast, 2 elsewhere.
func DefaultDepths() Depths {
	return Depths{
		StrategyRuleScope:        2,
		StrategyRuleScopeReverse: 2,
		StrategyVLANFanout:       2,
		StrategyInterfaceFanout:  2,
		StrategyDeviceBlast:      3,
		StrategyCloudSGScope:     2,
	}
}

func (d Depths) bound(s Strategy) int {
	if v, ok := d[s]; ok && v > 0 {
		return v
	}
	if s == StrategyDeviceBlast {
		return 3
	}
	return 2
}

// NodeRef is a node reference carried in a snapshot roll-up.
type NodeRef struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	Criticality         string `json:"criticality"`
	IsCore              bool   `json:"is_core,omitempty"`
	RedundancyAvailable bool   `json:"redundancy_available,omitempty"`
}

// CriticalPath is the BFS parent chain from a direct target to a high- or
// critical-severity node. Reasoning is best-effort decoration supplied by an
// external annotator; nothing downstream may depend on it.
type CriticalPath struct {
	Criticality string   `json:"criticality"`
	Hops        int      `json:"hops"`
	Nodes       []string `json:"nodes"`
	Edges       []string `json:"edges"`
	Reasoning   string   `json:"reasoning,omitempty"`
}

// Snapshot is the frozen result of one impact analysis. All slices are
// sorted so that analyzing the same graph revision twice yields the
// byte-identical canonical serialization.
type Snapshot struct {
	DirectlyImpacted     []NodeRef      `json:"directly_impacted"`
	IndirectlyImpacted   []NodeRef      `json:"indirectly_impacted"`
	AffectedApplications []NodeRef      `json:"affected_applications"`
	AffectedServices     []NodeRef      `json:"affected_services"`
	AffectedVLANs        []NodeRef      `json:"affected_vlans"`
	CriticalPaths        []CriticalPath `json:"critical_paths"`
	TotalDependencyCount int            `json:"total_dependency_count"`
	MaxCriticality       string         `json:"max_criticality"`
	TraversalStrategy    Strategy       `json:"traversal_strategy"`
	AnyAnyRuleInvolved   bool           `json:"any_any_rule_involved,omitempty"`
	GraphRevision        uint64         `json:"graph_revision"`
	UnknownTargets       []string       `json:"unknown_targets,omitempty"`
}

// MarshalCanonical returns the stable JSON form persisted on the change.
func (s *Snapshot) MarshalCanonical() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal impact snapshot: %w", err)
	}
	return b, nil
}

// HasCritical reports whether any affected application or service is
// critical.
func (s *Snapshot) HasCritical() bool {
	for _, r := range s.AffectedApplications {
		if r.Criticality == "critical" {
			return true
		}
	}
	for _, r := range s.AffectedServices {
		if r.Criticality == "critical" {
			return true
		}
	}
	return false
}

// ErrEmptyTarget is returned when no resolvable direct target remains.
var ErrEmptyTarget = errors.New("impact analysis requires at least one resolvable target")

// Request identifies what to analyze. Action is the change action verb.
type Request struct {
	ChangeID    string
	Action      string
	Targets     []string
	Environment string
}
