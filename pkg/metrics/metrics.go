package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
)

// KPI names.
const (
	KPITotalChanges          = "total_changes"
	KPIAutoApprovedPct       = "auto_approved_pct"
	KPIAvgValidationMinutes  = "avg_validation_minutes"
	KPIIncidentsPostChange   = "incidents_post_change_pct"
	KPIScoringPrecisionPct   = "scoring_precision_pct"
	KPICoreChangesDetected   = "core_changes_detected_pct"
	postChangeIncidentWindow = 7 * 24 * time.Hour
)

// Definitions describes each KPI for the dashboard and the API.
var Definitions = map[string]string{
	KPITotalChanges:         "number of changes ever created",
	KPIAutoApprovedPct:      "share of changes completed without a human decision",
	KPIAvgValidationMinutes: "mean minutes from submission to the first approval on completed changes",
	KPIIncidentsPostChange:  "share of finished changes with an incident inside seven days",
	KPIScoringPrecisionPct:  "share of finished changes whose risk level matched the outcome",
	KPICoreChangesDetected:  "share of completed changes that touched a core device",
}

// Report is one KPI computation pass over the stores.
type Report struct {
	TotalChanges         int     `json:"total_changes"`
	AutoApprovedPct      float64 `json:"auto_approved_pct"`
	AvgValidationMinutes float64 `json:"avg_validation_minutes"`
	IncidentsPostPct     float64 `json:"incidents_post_change_pct"`
	ScoringPrecisionPct  float64 `json:"scoring_precision_pct"`
	CoreChangesPct       float64 `json:"core_changes_detected_pct"`
}

// Calculator derives the KPI report from the change store and the journal.
type Calculator struct {
	changes *change.Store
	journal *audit.Journal
}

// NewCalculator wires a calculator.
func NewCalculator(changes *change.Store, journal *audit.Journal) *Calculator {
	return &Calculator{changes: changes, journal: journal}
}

// Compute runs one KPI pass.
func (k *Calculator) Compute() Report {
	all := k.changes.List(change.Filter{})

	var r Report
	r.TotalChanges = len(all)

	var (
		autoApproved        int
		validated           int
		validationTotal     time.Duration
		completed, finished int
		withIncident        int
		scoredRight         int
		coreTouched         int
	)

	for _, c := range all {
		if c.SubmittedAt == nil {
			continue
		}

		rows := k.changes.ApprovalsFor(c.ID)
		allAuto := len(rows) > 0
		var firstApproved *time.Time
		for _, row := range rows {
			if !row.AutoApproved {
				allAuto = false
			}
			if row.Status == change.ApprovalApproved && row.DecidedAt != nil &&
				(firstApproved == nil || row.DecidedAt.Before(*firstApproved)) {
				firstApproved = row.DecidedAt
			}
		}

		if c.Status == change.StatusCompleted {
			completed++
			if allAuto {
				autoApproved++
			}
			if firstApproved != nil {
				validated++
				validationTotal += firstApproved.Sub(*c.SubmittedAt)
			}
			if c.ImpactSnapshot != nil && touchesCore(c) {
				coreTouched++
			}
		}

		if c.Status == change.StatusCompleted || c.Status == change.StatusRolledBack {
			finished++
			incident := c.Status == change.StatusRolledBack
			if c.CompletedAt != nil &&
				k.journal.IncidentWithin(c.ID, *c.CompletedAt, postChangeIncidentWindow) {
				incident = true
			}
			if incident {
				withIncident++
			}
			if c.RiskLevel != nil && riskPredictedTrouble(*c.RiskLevel) == incident {
				scoredRight++
			}
		}
	}

	r.AutoApprovedPct = pct(autoApproved, r.TotalChanges)
	if validated > 0 {
		r.AvgValidationMinutes = validationTotal.Minutes() / float64(validated)
	}
	r.IncidentsPostPct = pct(withIncident, finished)
	r.ScoringPrecisionPct = pct(scoredRight, finished)
	r.CoreChangesPct = pct(coreTouched, completed)
	return r
}

func riskPredictedTrouble(level change.RiskLevel) bool {
	return level == change.RiskHigh || level == change.RiskCritical
}

func touchesCore(c *change.Change) bool {
	for _, ref := range c.ImpactSnapshot.DirectlyImpacted {
		if ref.IsCore {
			return true
		}
	}
	for _, ref := range c.ImpactSnapshot.IndirectlyImpacted {
		if ref.IsCore {
			return true
		}
	}
	return false
}

func pct(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * float64(part) / float64(whole)
}

// Exporter publishes the KPI report as Prometheus gauges.
type Exporter struct {
	calc *Calculator

	total     prometheus.Gauge
	kpiGauges *prometheus.GaugeVec
}

// NewExporter builds the exporter and registers its metrics.
func NewExporter(calc *Calculator, reg prometheus.Registerer) *Exporter {
	e := &Exporter{
		calc: calc,
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deplyx",
			Name:      "changes_total",
			Help:      Definitions[KPITotalChanges],
		}),
		kpiGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deplyx",
			Name:      "kpi",
			Help:      "change-management KPI values",
		}, []string{"name"}),
	}
	if reg != nil {
		reg.MustRegister(e.total, e.kpiGauges)
	}
	return e
}

// Refresh recomputes the KPIs and updates the gauges.
func (e *Exporter) Refresh() Report {
	r := e.calc.Compute()
	e.total.Set(float64(r.TotalChanges))
	e.kpiGauges.WithLabelValues(KPIAutoApprovedPct).Set(r.AutoApprovedPct)
	e.kpiGauges.WithLabelValues(KPIAvgValidationMinutes).Set(r.AvgValidationMinutes)
	e.kpiGauges.WithLabelValues(KPIIncidentsPostChange).Set(r.IncidentsPostPct)
	e.kpiGauges.WithLabelValues(KPIScoringPrecisionPct).Set(r.ScoringPrecisionPct)
	e.kpiGauges.WithLabelValues(KPICoreChangesDetected).Set(r.CoreChangesPct)
	return r
}
