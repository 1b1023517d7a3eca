package risk

import (
	"time"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/impact"
)

// Config bounds the score and sets the incident lookback.
type Config struct {
	ClipMin          int
	ClipMax          int
	IncidentWindow   time.Duration
	MaintenanceGrace time.Duration
}

// DefaultConfig returns the stock clipping bounds and a 90-day incident
// lookback.
func DefaultConfig() Config {
	return Config{
		ClipMin:          0,
		ClipMax:          100,
		IncidentWindow:   90 * 24 * time.Hour,
		MaintenanceGrace: 0,
	}
}

// Input is everything the scorer reads. Evaluate is a pure function of this
// struct: same input, same result.
type Input struct {
	Change *change.Change
	Impact *impact.Snapshot
	// PriorIncidents is the count of incident_reported audit entries for
	// the targeted components inside the lookback window, resolved by the
	// caller against the journal.
	PriorIncidents int
	// Now is the clock value used for the maintenance-window check. It is
	// captured into the risk_calculated audit entry so a recompute can be
	// replayed bit for bit.
	Now time.Time
}

// Factor is one applied scoring rule.
type Factor struct {
	Name  string `json:"name"`
	Delta int    `json:"delta"`
}

// Result carries the clipped score, its qualitative level, and the factor
// trail that produced it.
type Result struct {
	Score   int              `json:"score"`
	Level   change.RiskLevel `json:"level"`
	Factors []Factor         `json:"factors"`
	Clock   time.Time        `json:"clock"`
}

// LevelFor maps a clipped score onto the qualitative scale.
func LevelFor(score int) change.RiskLevel {
	switch {
	case score <= 30:
		return change.RiskLow
	case score <= 55:
		return change.RiskMedium
	case score <= 75:
		return change.RiskHigh
	default:
		return change.RiskCritical
	}
}

// Evaluate scores a change against its impact snapshot.
func Evaluate(in Input, cfg Config) Result {
	var factors []Factor
	add := func(name string, delta int) {
		factors = append(factors, Factor{Name: name, Delta: delta})
	}

	c, snap := in.Change, in.Impact

	if c.Environment == "Prod" {
		add("prod_environment", 30)
	}
	for _, r := range snap.DirectlyImpacted {
		if r.IsCore {
			add("core_device_touched", 40)
			break
		}
	}
	if snap.TotalDependencyCount > 10 {
		add("dependency_fanout", 20)
	}
	if c.RollbackPlan == "" {
		add("no_rollback_plan", 25)
	}
	if !c.InWindow(in.Now, cfg.MaintenanceGrace) {
		add("outside_maintenance_window", 30)
	}
	if in.PriorIncidents > 0 {
		add("prior_incident_90d", 15)
	}
	if n := criticalApps(snap); n > 0 {
		delta := 20 * n
		if delta > 40 {
			delta = 40
		}
		add("critical_applications", delta)
	}
	if snap.AnyAnyRuleInvolved {
		add("any_any_rule", 25)
	}

	// Mitigating rules apply after the additive pass.
	if critSvcs, allRedundant := redundantCriticalServices(snap); critSvcs && allRedundant {
		add("redundant_critical_services", -10)
	}
	if c.Action == change.ActionAddRule && snap.MaxCriticality == "low" {
		add("additive_low_criticality", -5)
	}

	score := 0
	for _, f := range factors {
		score += f.Delta
	}
	if score < cfg.ClipMin {
		score = cfg.ClipMin
	}
	if score > cfg.ClipMax {
		score = cfg.ClipMax
	}

	return Result{Score: score, Level: LevelFor(score), Factors: factors, Clock: in.Now}
}

func criticalApps(snap *impact.Snapshot) int {
	n := 0
	for _, r := range snap.AffectedApplications {
		if r.Criticality == "critical" {
			n++
		}
	}
	return n
}

func redundantCriticalServices(snap *impact.Snapshot) (present, allRedundant bool) {
	allRedundant = true
	for _, r := range snap.AffectedServices {
		if r.Criticality != "critical" {
			continue
		}
		present = true
		if !r.RedundancyAvailable {
			allRedundant = false
		}
	}
	return present, allRedundant
}
