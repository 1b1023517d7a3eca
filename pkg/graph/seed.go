package graph

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedConnectorID marks batches produced by the administrative seed path.
const SeedConnectorID = "seed"

// SeedTopology returns the two-datacenter demo infrastructure used by the
// CLI seed command and the scenario tests: DC1 is the production site fronted
// by FW-DC1-01, DC2 is the preprod lab that still carries the legacy any-any
// rule RULE-DC2-06.
func SeedTopology(now time.Time) Batch {
	var ms []Mutation

	node := func(id string, kind Kind, props map[string]any) {
		ms = append(ms, UpsertNode(id, kind, props))
	}
	edge := func(kind EdgeKind, src, dst string) {
		ms = append(ms, UpsertEdge(kind, src, dst))
	}
	device := func(id, devKind, env, crit string) {
		node(id, KindDevice, map[string]any{
			"kind": devKind, "environment": env, "criticality": crit,
			"vendor": "synthetic", "model": "demo",
		})
	}

	node("DC1", KindDatacenter, map[string]any{"name": "Datacenter 1", "environment": "Prod"})
	node("DC2", KindDatacenter, map[string]any{"name": "Datacenter 2", "environment": "Preprod"})

	device("FW-DC1-01", "firewall", "Prod", "critical")
	device("FW-DC1-02", "firewall", "Prod", "high")
	device("SW-DC1-CORE", "switch", "Prod", "high")
	device("SW-DC1-ACC-01", "switch", "Prod", "medium")
	device("SW-DC1-ACC-02", "switch", "Prod", "medium")
	device("LB-DC1-01", "load_balancer", "Prod", "high")
	device("SRV-DC1-WEB-01", "server", "Prod", "high")
	device("SRV-DC1-DB-01", "server", "Prod", "critical")
	device("FW-DC2-01", "firewall", "Preprod", "low")
	device("SW-DC2-CORE", "switch", "Preprod", "low")
	device("SRV-DC2-LAB-01", "server", "Preprod", "low")

	for _, id := range []string{"FW-DC1-01", "FW-DC1-02", "SW-DC1-CORE", "SW-DC1-ACC-01", "SW-DC1-ACC-02", "LB-DC1-01", "SRV-DC1-WEB-01", "SRV-DC1-DB-01"} {
		edge(EdgeLocatedIn, id, "DC1")
	}
	for _, id := range []string{"FW-DC2-01", "SW-DC2-CORE", "SRV-DC2-LAB-01"} {
		edge(EdgeLocatedIn, id, "DC2")
	}

	edge(EdgeConnectsTo, "FW-DC1-01", "SW-DC1-CORE")
	edge(EdgeConnectsTo, "FW-DC1-02", "SW-DC1-CORE")
	edge(EdgeConnectsTo, "SW-DC1-CORE", "SW-DC1-ACC-01")
	edge(EdgeConnectsTo, "SW-DC1-CORE", "SW-DC1-ACC-02")
	edge(EdgeConnectsTo, "SW-DC1-CORE", "LB-DC1-01")
	edge(EdgeConnectsTo, "LB-DC1-01", "SRV-DC1-WEB-01")
	edge(EdgeConnectsTo, "SW-DC1-ACC-01", "SRV-DC1-DB-01")
	edge(EdgeConnectsTo, "FW-DC2-01", "SW-DC2-CORE")
	edge(EdgeConnectsTo, "SW-DC2-CORE", "SRV-DC2-LAB-01")
	edge(EdgeRoutesTo, "FW-DC1-01", "FW-DC2-01")

	// VLANs. VLAN-20 is the production application VLAN; its seven member
	// interfaces span the three DC1 switches.
	node("VLAN-10", KindVLAN, map[string]any{"vlan_id": 10, "name": "mgmt", "environment": "Prod"})
	node("VLAN-20", KindVLAN, map[string]any{"vlan_id": 20, "name": "prod-app", "environment": "Prod"})
	node("VLAN-30", KindVLAN, map[string]any{"vlan_id": 30, "name": "prod-db", "environment": "Prod"})
	node("VLAN-100", KindVLAN, map[string]any{"vlan_id": 100, "name": "lab", "environment": "Preprod"})
	node("VLAN-200", KindVLAN, map[string]any{"vlan_id": 200, "name": "dmz", "environment": "Preprod"})

	edge(EdgeHasVLAN, "SW-DC1-CORE", "VLAN-10")
	edge(EdgeHasVLAN, "SW-DC1-CORE", "VLAN-20")
	edge(EdgeHasVLAN, "SW-DC1-CORE", "VLAN-30")
	edge(EdgeHasVLAN, "SW-DC1-ACC-01", "VLAN-20")
	edge(EdgeHasVLAN, "SW-DC1-ACC-02", "VLAN-20")
	edge(EdgeHasVLAN, "SW-DC2-CORE", "VLAN-100")
	edge(EdgeHasVLAN, "FW-DC2-01", "VLAN-200")

	iface := func(id, owner string) {
		node(id, KindInterface, map[string]any{"environment": "Prod"})
		edge(EdgeHasInterface, owner, id)
	}
	iface("IF-SW-DC1-CORE-GI0-1", "SW-DC1-CORE")
	iface("IF-SW-DC1-CORE-GI0-2", "SW-DC1-CORE")
	iface("IF-SW-DC1-CORE-GI0-3", "SW-DC1-CORE")
	iface("IF-SW-DC1-ACC-01-GI0-1", "SW-DC1-ACC-01")
	iface("IF-SW-DC1-ACC-01-GI0-2", "SW-DC1-ACC-01")
	iface("IF-SW-DC1-ACC-02-GI0-1", "SW-DC1-ACC-02")
	iface("IF-SW-DC1-ACC-02-GI0-2", "SW-DC1-ACC-02")
	for _, id := range []string{
		"IF-SW-DC1-CORE-GI0-1", "IF-SW-DC1-CORE-GI0-2", "IF-SW-DC1-CORE-GI0-3",
		"IF-SW-DC1-ACC-01-GI0-1", "IF-SW-DC1-ACC-01-GI0-2",
		"IF-SW-DC1-ACC-02-GI0-1", "IF-SW-DC1-ACC-02-GI0-2",
	} {
		edge(EdgeMemberOf, id, "VLAN-20")
	}

	node("IP-10-1-20-11", KindIP, map[string]any{"address": "10.1.20.11"})
	edge(EdgeAssignedTo, "IP-10-1-20-11", "IF-SW-DC1-CORE-GI0-1")

	node("PORT-SW-DC1-CORE-01", KindPort, map[string]any{"slot": "1/0/1"})
	node("PORT-SW-DC1-ACC-01-01", KindPort, map[string]any{"slot": "1/0/1"})
	edge(EdgePartOf, "PORT-SW-DC1-CORE-01", "SW-DC1-CORE")
	edge(EdgePartOf, "PORT-SW-DC1-ACC-01-01", "SW-DC1-ACC-01")
	node("CABLE-DC1-0001", KindCable, map[string]any{"medium": "copper"})
	edge(EdgeConnectsTo, "CABLE-DC1-0001", "PORT-SW-DC1-CORE-01")
	edge(EdgeConnectsTo, "CABLE-DC1-0001", "PORT-SW-DC1-ACC-01-01")

	// Applications and services. The three critical applications all sit
	// behind FW-DC1-01 with no alternate device path.
	app := func(id, name, env, crit string) {
		node(id, KindApplication, map[string]any{"name": name, "environment": env, "criticality": crit})
	}
	svc := func(id, env, crit string) {
		node(id, KindService, map[string]any{"environment": env, "criticality": crit})
	}
	app("APP-WEB", "Customer Web", "Prod", "critical")
	app("APP-DB", "Order Database", "Prod", "critical")
	app("APP-DNS", "Internal DNS", "Prod", "critical")
	app("APP-CRM", "CRM", "Prod", "high")
	app("APP-MON", "Lab Monitoring", "Preprod", "low")
	svc("SVC-HTTP", "Prod", "high")
	svc("SVC-SQL", "Prod", "critical")
	svc("SVC-DNS", "Prod", "high")
	svc("SVC-METRICS", "Preprod", "low")

	edge(EdgeDependsOn, "APP-WEB", "SVC-HTTP")
	edge(EdgeDependsOn, "APP-WEB", "SVC-SQL")
	edge(EdgeDependsOn, "APP-DB", "SVC-SQL")
	edge(EdgeDependsOn, "APP-DNS", "SVC-DNS")
	edge(EdgeDependsOn, "APP-CRM", "SVC-HTTP")
	edge(EdgeDependsOn, "APP-MON", "SVC-METRICS")
	edge(EdgeDependsOn, "SVC-HTTP", "FW-DC1-01")
	edge(EdgeDependsOn, "SVC-SQL", "FW-DC1-01")
	edge(EdgeDependsOn, "SVC-DNS", "FW-DC1-01")
	edge(EdgeDependsOn, "SVC-METRICS", "SRV-DC2-LAB-01")

	// Firewall rules.
	rule := func(id, owner, name string, anyAny bool, protects ...string) {
		node(id, KindRule, map[string]any{
			"name": name, "is_any_any": anyAny,
			"environment": nodeEnv(ms, owner),
		})
		edge(EdgeHasRule, owner, id)
		for _, p := range protects {
			edge(EdgeProtects, id, p)
		}
	}
	rule("RULE-DC1-01", "FW-DC1-01", "allow-web-in", false, "APP-WEB")
	rule("RULE-DC1-02", "FW-DC1-01", "allow-web-api", false, "APP-WEB")
	rule("RULE-DC1-03", "FW-DC1-01", "allow-db-acl", false, "APP-DB")
	rule("RULE-DC1-04", "FW-DC1-01", "allow-dns", false, "APP-DNS")
	rule("RULE-DC1-05", "FW-DC1-01", "allow-crm", false, "APP-CRM")
	rule("RULE-DC2-06", "FW-DC2-01", "LEGACY-permit-any", true, "APP-MON")

	return Batch{ConnectorID: SeedConnectorID, ObservedAt: now, Mutations: ms}
}

func nodeEnv(ms []Mutation, id string) string {
	for _, m := range ms {
		if m.Kind == MutationUpsertNode && m.Node.ID == id {
			if s, ok := m.Node.Props["environment"].(string); ok {
				return s
			}
		}
	}
	return ""
}

// topologyFile is the YAML shape accepted by LoadTopologyFile.
type topologyFile struct {
	Nodes []NodeUpsert `yaml:"nodes"`
	Edges []EdgeUpsert `yaml:"edges"`
}

// LoadTopologyFile reads a YAML topology description and returns it as a
// seed batch. Node mutations are ordered before edge mutations so a file may
// list them in any order.
func LoadTopologyFile(path string, now time.Time) (Batch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("read topology file: %w", err)
	}
	var tf topologyFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return Batch{}, fmt.Errorf("parse topology file %s: %w", path, err)
	}
	ms := make([]Mutation, 0, len(tf.Nodes)+len(tf.Edges))
	for i := range tf.Nodes {
		n := tf.Nodes[i]
		ms = append(ms, Mutation{Kind: MutationUpsertNode, Node: &n})
	}
	for i := range tf.Edges {
		e := tf.Edges[i]
		ms = append(ms, Mutation{Kind: MutationUpsertEdge, Edge: &e})
	}
	return Batch{ConnectorID: SeedConnectorID, ObservedAt: now, Mutations: ms}, nil
}
