package types

import (
	"fmt"
	"time"
)

// PlanStatus is the lifecycle state of a migration plan.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanApproved   PlanStatus = "approved"
	PlanDeployed   PlanStatus = "deployed"
	PlanRejected   PlanStatus = "rejected"
	PlanSuperseded PlanStatus = "superseded" // A newer plan for the same version pair replaced it
)

// IsValid checks if the status value is valid
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanPending, PlanApproved, PlanDeployed, PlanRejected, PlanSuperseded:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanDeployed, PlanRejected, PlanSuperseded:
		return true
	case PlanPending, PlanApproved:
		return false
	}
	return true
}

// CanTransitionTo reports whether moving from s to next is allowed.
// PENDING -> APPROVED | REJECTED, APPROVED -> DEPLOYED, and any
// non-terminal state -> SUPERSEDED.
func (s PlanStatus) CanTransitionTo(next PlanStatus) bool {
	if next == PlanSuperseded {
		return !s.IsTerminal()
	}
	switch s {
	case PlanPending:
		return next == PlanApproved || next == PlanRejected
	case PlanApproved:
		return next == PlanDeployed
	case PlanDeployed, PlanRejected, PlanSuperseded:
		return false
	}
	return false
}

// MigrationSummary is the operator-facing overview of a plan.
type MigrationSummary struct {
	ScenarioCounts   map[MigrationScenario]int `json:"scenario_counts"`
	AffectedSessions map[string]int            `json:"affected_sessions"` // Anchor hash -> estimated sessions
	TotalAffected    int                       `json:"total_affected"`
	DeletedNodes     int                       `json:"deleted_nodes"`
	NewNodes         int                       `json:"new_nodes"`
	AmbiguousAnchors int                       `json:"ambiguous_anchors"`
	Warnings         []string                  `json:"warnings,omitempty"`
	RequiredFields   []string                  `json:"required_fields,omitempty"` // Fields that gap fill may need to collect
}

// MigrationPlan is an operator-reviewable plan for moving sessions from one
// scenario version to the next.
type MigrationPlan struct {
	ID             string                            `json:"id"`
	TenantID       string                            `json:"tenant_id"`
	ScenarioID     string                            `json:"scenario_id"`
	FromVersion    int                               `json:"from_version"`
	ToVersion      int                               `json:"to_version"`
	FromChecksum   string                            `json:"from_checksum"`
	ToChecksum     string                            `json:"to_checksum"`
	Transformation *TransformationMap                `json:"transformation"`
	Policies       map[string]*AnchorMigrationPolicy `json:"policies"` // Keyed by anchor content hash
	Summary        MigrationSummary                  `json:"summary"`
	Status         PlanStatus                        `json:"status"`

	// Set when the operator approved despite ambiguous anchors.
	AmbiguityAcknowledged bool `json:"ambiguity_acknowledged,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	DeployedAt *time.Time `json:"deployed_at,omitempty"`
}

// IsExpired reports whether the plan may no longer be applied.
// A zero ExpiresAt never expires.
func (p *MigrationPlan) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// PolicyFor returns the policy for an anchor, falling back to the default.
func (p *MigrationPlan) PolicyFor(anchorHash string) *AnchorMigrationPolicy {
	if pol, ok := p.Policies[anchorHash]; ok && pol != nil {
		return pol
	}
	return DefaultPolicy(anchorHash)
}

// Transition moves the plan to next, or returns an error describing why it cannot.
func (p *MigrationPlan) Transition(next PlanStatus, now time.Time) error {
	if !next.IsValid() {
		return fmt.Errorf("invalid plan status: %s", next)
	}
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("plan %s: cannot move from %s to %s", p.ID, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = now
	switch next {
	case PlanApproved:
		p.ApprovedAt = &now
	case PlanDeployed:
		p.DeployedAt = &now
	case PlanPending, PlanRejected, PlanSuperseded:
	}
	return nil
}

// Validate checks the plan's structural invariants.
func (p *MigrationPlan) Validate() error {
	if p.ScenarioID == "" {
		return fmt.Errorf("scenario_id is required")
	}
	if p.FromVersion >= p.ToVersion {
		return fmt.Errorf("from_version (%d) must be less than to_version (%d)", p.FromVersion, p.ToVersion)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", p.Status)
	}
	for hash, pol := range p.Policies {
		if pol == nil {
			continue
		}
		if pol.ForceScenario != "" && !pol.ForceScenario.IsValid() {
			return fmt.Errorf("anchor %s: invalid forced scenario %q", hash, pol.ForceScenario)
		}
	}
	return nil
}
