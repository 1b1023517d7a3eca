package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Action verbs recorded by the journal.
const (
	ActionCreated            = "created"
	ActionSubmitted          = "submitted"
	ActionApproved           = "approved"
	ActionAutoApproved       = "auto_approved"
	ActionRejected           = "rejected"
	ActionExecuted           = "executed"
	ActionCompleted          = "completed"
	ActionRolledBack         = "rolled_back"
	ActionPolicyTriggered    = "policy_triggered"
	ActionRiskCalculated     = "risk_calculated"
	ActionApprovalExpired    = "approval_expired"
	ActionAnalysisSuperseded = "analysis_superseded"
	ActionOverrideWindow     = "override_window"
	ActionIncidentReported   = "incident_reported"
	ActionSyncCompleted      = "sync_completed"
	ActionSyncFailed         = "sync_failed"
)

// Entry is one immutable journal record.
type Entry struct {
	ID        int64          `json:"id"`
	ChangeID  string         `json:"change_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Journal is the append-only audit log. Ids are monotonic; timestamps are
// assigned at commit and strictly increase per change, so entries for one
// change are totally ordered. Past entries are never mutated.
type Journal struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
	lastTS  map[string]time.Time
	clock   func() time.Time
}

// NewJournal builds an empty journal. clock defaults to time.Now (UTC).
func NewJournal(clock func() time.Time) *Journal {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Journal{lastTS: map[string]time.Time{}, clock: clock}
}

// Append commits one entry and returns it.
func (j *Journal) Append(changeID, userID, action string, details map[string]any) Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	ts := j.clock()
	if last, ok := j.lastTS[changeID]; ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	j.lastTS[changeID] = ts

	j.nextID++
	detailsCopy := make(map[string]any, len(details))
	for k, v := range details {
		detailsCopy[k] = v
	}
	e := Entry{
		ID:        j.nextID,
		ChangeID:  changeID,
		UserID:    userID,
		Action:    action,
		Details:   detailsCopy,
		Timestamp: ts,
	}
	j.entries = append(j.entries, e)
	return e
}

// All returns every entry in commit order.
func (j *Journal) All() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]Entry(nil), j.entries...)
}

// ForChange returns the entries of one change in commit order.
func (j *Journal) ForChange(changeID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Entry
	for _, e := range j.entries {
		if e.ChangeID == changeID {
			out = append(out, e)
		}
	}
	return out
}

// CountAction returns how many entries carry the given action verb.
func (j *Journal) CountAction(action string) int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, e := range j.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// IncidentsSince counts incident_reported entries since the cutoff whose
// component detail matches any of the given node ids.
func (j *Journal) IncidentsSince(cutoff time.Time, components ...string) int {
	want := make(map[string]bool, len(components))
	for _, c := range components {
		want[c] = true
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, e := range j.entries {
		if e.Action != ActionIncidentReported || e.Timestamp.Before(cutoff) {
			continue
		}
		if comp, ok := e.Details["component"].(string); ok && want[comp] {
			n++
		}
	}
	return n
}

// IncidentWithin reports whether a change has an incident_reported entry in
// the window following its completion.
func (j *Journal) IncidentWithin(changeID string, completedAt time.Time, window time.Duration) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, e := range j.entries {
		if e.ChangeID != changeID || e.Action != ActionIncidentReported {
			continue
		}
		if !e.Timestamp.Before(completedAt) && e.Timestamp.Sub(completedAt) <= window {
			return true
		}
	}
	return false
}

// MarshalLines serializes the journal as JSON lines for blob export.
func (j *Journal) MarshalLines() ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var buf []byte
	for _, e := range j.entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal audit entry %d: %w", e.ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}
