package change

import (
	"math/rand"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Filter narrows List results. Zero-valued fields match everything.
type Filter struct {
	Status      Status
	Environment string
	ChangeType  Type
	CreatedBy   string
}

// Store keeps change records and their approval rows. Mutations to one
// change are serialized by a per-change lock; approval decisions are
// mutually exclusive per row.
type Store struct {
	mu        sync.RWMutex
	changes   map[string]*Change
	locks     map[string]*sync.Mutex
	approvals map[int64]*Approval
	byChange  map[string][]int64

	nextApproval int64
	entropy      *ulid.MonotonicEntropy
	clock        func() time.Time
}

// NewStore builds an empty store. clock defaults to time.Now (UTC).
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		changes:   map[string]*Change{},
		locks:     map[string]*sync.Mutex{},
		approvals: map[int64]*Approval{},
		byChange:  map[string][]int64{},
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		clock:     clock,
	}
}

// Create validates and persists a new draft.
func (s *Store) Create(draft *Change) (*Change, error) {
	if draft.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if _, ok := actionsByType[draft.ChangeType]; !ok {
		return nil, &ValidationError{Field: "change_type", Reason: "unknown change type " + string(draft.ChangeType)}
	}
	if !ActionAllowed(draft.ChangeType, draft.Action) {
		return nil, &ValidationError{Field: "action",
			Reason: string(draft.Action) + " is not allowed for change type " + string(draft.ChangeType)}
	}
	if draft.MaintenanceWindowStart != nil && draft.MaintenanceWindowEnd != nil &&
		!draft.MaintenanceWindowStart.Before(*draft.MaintenanceWindowEnd) {
		return nil, &ValidationError{Field: "maintenance_window", Reason: "start must precede end"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	c := draft.Clone()
	c.ID = ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	c.Status = StatusDraft
	c.CreatedAt = now
	c.UpdatedAt = now
	c.RiskScore, c.RiskLevel = nil, nil
	c.ImpactSnapshot, c.ImpactJSON = nil, nil
	s.changes[c.ID] = c
	s.locks[c.ID] = &sync.Mutex{}
	return c.Clone(), nil
}

// Get returns a copy of the change.
func (s *Store) Get(id string) (*Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.changes[id]
	if !ok {
		return nil, &NotFoundError{Kind: "change", ID: id}
	}
	return c.Clone(), nil
}

// Update applies fn to the change under its per-change lock. Completed and
// RolledBack records are immutable. An edit that alters the action or the
// target set drops the cached impact snapshot and risk result.
func (s *Store) Update(id string, fn func(*Change) error) (*Change, error) {
	s.mu.RLock()
	cur, ok := s.changes[id]
	lock := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Kind: "change", ID: id}
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur = s.changes[id]
	s.mu.RUnlock()

	if cur.Status == StatusCompleted || cur.Status == StatusRolledBack {
		return nil, &TransitionForbidden{From: cur.Status, To: cur.Status}
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Action != cur.Action || !reflect.DeepEqual(next.TargetComponents, cur.TargetComponents) {
		next.ImpactSnapshot, next.ImpactJSON = nil, nil
		next.RiskScore, next.RiskLevel = nil, nil
	}
	next.UpdatedAt = s.clock()

	s.mu.Lock()
	s.changes[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

// List returns matching changes ordered by creation time, then id.
func (s *Store) List(f Filter) []*Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Change
	for _, c := range s.changes {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Environment != "" && c.Environment != f.Environment {
			continue
		}
		if f.ChangeType != "" && c.ChangeType != f.ChangeType {
			continue
		}
		if f.CreatedBy != "" && c.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CreateApprovals materializes Pending approval rows for the given roles.
// Duplicate roles in the slice produce distinct rows (double approval).
func (s *Store) CreateApprovals(changeID string, roles []Role, expiresAt time.Time) ([]*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.changes[changeID]; !ok {
		return nil, &NotFoundError{Kind: "change", ID: changeID}
	}
	out := make([]*Approval, 0, len(roles))
	for _, role := range roles {
		s.nextApproval++
		a := &Approval{
			ID:           s.nextApproval,
			ChangeID:     changeID,
			RoleRequired: role,
			Status:       ApprovalPending,
			ExpiresAt:    expiresAt,
		}
		s.approvals[a.ID] = a
		s.byChange[changeID] = append(s.byChange[changeID], a.ID)
		out = append(out, cloneApproval(a))
	}
	return out, nil
}

// ApprovalsFor returns the approval rows of a change in creation order.
func (s *Store) ApprovalsFor(changeID string) []*Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byChange[changeID]
	out := make([]*Approval, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneApproval(s.approvals[id]))
	}
	return out
}

// GetApproval returns one approval row.
func (s *Store) GetApproval(id int64) (*Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, &NotFoundError{Kind: "approval", ID: strconv.FormatInt(id, 10)}
	}
	return cloneApproval(a), nil
}

// Decide records one decision on an approval row. Exactly one caller wins a
// concurrent race; losers get ErrApprovalAlreadyDecided. autoApproved marks
// the decision as made by the auto-approval path.
func (s *Store) Decide(approvalID int64, by string, approve, autoApproved bool, comment string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return nil, &NotFoundError{Kind: "approval", ID: strconv.FormatInt(approvalID, 10)}
	}
	if a.Status != ApprovalPending {
		return nil, ErrApprovalAlreadyDecided
	}
	now := s.clock()
	if approve {
		a.Status = ApprovalApproved
	} else {
		a.Status = ApprovalRejected
	}
	a.DecidedBy = by
	a.DecidedAt = &now
	a.Comment = comment
	a.AutoApproved = autoApproved
	return cloneApproval(a), nil
}

// ExpireDue marks every Pending approval strictly past its expires_at as
// Expired and returns the affected rows.
func (s *Store) ExpireDue(now time.Time) []*Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Approval
	for _, a := range s.approvals {
		if a.Status == ApprovalPending && now.After(a.ExpiresAt) {
			a.Status = ApprovalExpired
			out = append(out, cloneApproval(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneApproval(a *Approval) *Approval {
	cp := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		cp.DecidedAt = &t
	}
	return &cp
}
