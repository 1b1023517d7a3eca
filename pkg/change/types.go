package change

import (
	"time"

	"github.com/deplyx/deplyx/pkg/impact"
)

// Type classifies what part of the infrastructure a change touches.
type Type string

const (
	TypeFirewall Type = "Firewall"
	TypeSwitch   Type = "Switch"
	TypeVLAN     Type = "VLAN"
	TypePort     Type = "Port"
	TypeRack     Type = "Rack"
	TypeCloudSG  Type = "CloudSG"
)

// Action is the concrete operation a change performs. The allowed set is a
// function of the change type, see ActionsForType.
type Action string

const (
	ActionAddRule           Action = "add_rule"
	ActionRemoveRule        Action = "remove_rule"
	ActionModifyRule        Action = "modify_rule"
	ActionDisableRule       Action = "disable_rule"
	ActionConfigChange      Action = "config_change"
	ActionRebootDevice      Action = "reboot_device"
	ActionFirmwareUpgrade   Action = "firmware_upgrade"
	ActionDecommission      Action = "decommission"
	ActionDisablePort       Action = "disable_port"
	ActionEnablePort        Action = "enable_port"
	ActionShutdownInterface Action = "shutdown_interface"
	ActionChangeVLAN        Action = "change_vlan"
	ActionDeleteVLAN        Action = "delete_vlan"
	ActionModifyVLAN        Action = "modify_vlan"
	ActionModifySG          Action = "modify_sg"
	ActionDeleteSG          Action = "delete_sg"
)

var actionsByType = map[Type][]Action{
	TypeFirewall: {ActionAddRule, ActionRemoveRule, ActionModifyRule, ActionDisableRule,
		ActionConfigChange, ActionRebootDevice, ActionFirmwareUpgrade, ActionDecommission},
	TypeSwitch: {ActionDisablePort, ActionEnablePort, ActionShutdownInterface, ActionChangeVLAN,
		ActionConfigChange, ActionRebootDevice, ActionFirmwareUpgrade, ActionDecommission},
	TypeVLAN:    {ActionChangeVLAN, ActionDeleteVLAN, ActionModifyVLAN},
	TypePort:    {ActionDisablePort, ActionEnablePort, ActionShutdownInterface},
	TypeRack:    {ActionDecommission, ActionConfigChange},
	TypeCloudSG: {ActionModifySG, ActionDeleteSG},
}

// ActionsForType returns the actions a change type admits.
func ActionsForType(t Type) []Action {
	out := make([]Action, len(actionsByType[t]))
	copy(out, actionsByType[t])
	return out
}

// ActionAllowed reports whether the action is legal for the change type.
func ActionAllowed(t Type, a Action) bool {
	for _, allowed := range actionsByType[t] {
		if allowed == a {
			return true
		}
	}
	return false
}

// Status is a change's lifecycle state.
type Status string

const (
	StatusDraft      Status = "Draft"
	StatusPending    Status = "Pending"
	StatusAnalyzing  Status = "Analyzing"
	StatusApproved   Status = "Approved"
	StatusRejected   Status = "Rejected"
	StatusExecuting  Status = "Executing"
	StatusCompleted  Status = "Completed"
	StatusRolledBack Status = "RolledBack"
)

// legalTransitions encodes the lifecycle. Pending is the transient
// post-submit state; Analyzing is the post-submit window awaiting a human
// decision. Both are reachable only through submit.
var legalTransitions = map[Status][]Status{
	StatusDraft:     {StatusPending},
	StatusPending:   {StatusAnalyzing, StatusRejected},
	StatusAnalyzing: {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusRolledBack},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further field edits.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusRejected
}

// RiskLevel is the qualitative grade derived from the numeric score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Role names an approver population.
type Role string

const (
	RoleAdmin        Role = "Admin"
	RoleNetworkLead  Role = "NetworkLead"
	RoleSecurityLead Role = "SecurityLead"
	RoleDCManager    Role = "DCManager"
	RoleApprover     Role = "Approver"
)

// Rank orders roles by seniority, highest first, for "next-higher role" and
// "highest role present" derivations.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 5
	case RoleSecurityLead:
		return 4
	case RoleNetworkLead:
		return 3
	case RoleDCManager:
		return 2
	case RoleApprover:
		return 1
	}
	return 0
}

// Change is the record of one proposed infrastructure change.
type Change struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	ChangeType    Type   `json:"change_type"`
	Action        Action `json:"action"`
	Environment   string `json:"environment"`
	Description   string `json:"description"`
	ExecutionPlan string `json:"execution_plan"`
	RollbackPlan  string `json:"rollback_plan"`

	MaintenanceWindowStart *time.Time `json:"maintenance_window_start,omitempty"`
	MaintenanceWindowEnd   *time.Time `json:"maintenance_window_end,omitempty"`

	TargetComponents []string `json:"target_components"`

	Status       Status     `json:"status"`
	RiskScore    *int       `json:"risk_score,omitempty"`
	RiskLevel    *RiskLevel `json:"risk_level,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ImpactSnapshot is the frozen result of the last analysis; ImpactJSON
	// carries its canonical serialized form for byte-stable comparison.
	ImpactSnapshot *impact.Snapshot `json:"impact_snapshot,omitempty"`
	ImpactJSON     []byte           `json:"-"`
}

// InWindow reports whether t falls inside the maintenance window, with the
// given grace applied on both edges. A change without a window is never in
// one.
func (c *Change) InWindow(t time.Time, grace time.Duration) bool {
	if c.MaintenanceWindowStart == nil || c.MaintenanceWindowEnd == nil {
		return false
	}
	return !t.Before(c.MaintenanceWindowStart.Add(-grace)) &&
		!t.After(c.MaintenanceWindowEnd.Add(grace))
}

// Clone returns a deep copy of the record.
func (c *Change) Clone() *Change {
	cp := *c
	cp.TargetComponents = append([]string(nil), c.TargetComponents...)
	if c.RiskScore != nil {
		v := *c.RiskScore
		cp.RiskScore = &v
	}
	if c.RiskLevel != nil {
		v := *c.RiskLevel
		cp.RiskLevel = &v
	}
	cp.ImpactJSON = append([]byte(nil), c.ImpactJSON...)
	return &cp
}

// ApprovalStatus is the state of one approval row.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
	// ApprovalExpired counts as Rejected for quorum purposes.
	ApprovalExpired ApprovalStatus = "Expired"
)

// Approval is one role-targeted decision slot on a change.
type Approval struct {
	ID           int64          `json:"id"`
	ChangeID     string         `json:"change_id"`
	RoleRequired Role           `json:"role_required"`
	Status       ApprovalStatus `json:"status"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	ExpiresAt    time.Time      `json:"expires_at"`
	AutoApproved bool           `json:"auto_approved,omitempty"`
}
