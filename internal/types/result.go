package types

import "time"

// ReconciliationAction tells the turn pipeline what to do after reconciliation.
type ReconciliationAction string

const (
	ActionContinue      ReconciliationAction = "continue"       // Stay on the current step
	ActionTeleport      ReconciliationAction = "teleport"       // Move to TargetStepID silently
	ActionCollect       ReconciliationAction = "collect"        // Ask the customer for CollectFields
	ActionExecuteAction ReconciliationAction = "execute_action" // Run the target step's action
	ActionExitScenario  ReconciliationAction = "exit_scenario"  // Reset the conversation
)

// IsValid checks if the action value is valid
func (a ReconciliationAction) IsValid() bool {
	switch a {
	case ActionContinue, ActionTeleport, ActionCollect, ActionExecuteAction, ActionExitScenario:
		return true
	}
	return false
}

// ReconciliationResult is the executor's output for one session.
type ReconciliationResult struct {
	Action              ReconciliationAction `json:"action"`
	TargetStepID        string               `json:"target_step_id,omitempty"`
	CollectFields       []string             `json:"collect_fields,omitempty"`
	Message             string               `json:"message,omitempty"` // User-facing
	BlockedByCheckpoint bool                 `json:"blocked_by_checkpoint,omitempty"`
	CheckpointWarning   string               `json:"checkpoint_warning,omitempty"`

	// Bookkeeping for audit and callers; not consumed by the pipeline.
	Scenario    MigrationScenario `json:"scenario,omitempty"`
	PlanID      string            `json:"plan_id,omitempty"`
	AnchorHash  string            `json:"anchor_hash,omitempty"`
	FromVersion int               `json:"from_version,omitempty"`
	ToVersion   int               `json:"to_version,omitempty"`
	GapFills    []GapFillResult   `json:"gap_fills,omitempty"`
	Relocated   bool              `json:"relocated,omitempty"` // Resolved without a usable plan
}

// GapFillSource names where a recovered value came from.
type GapFillSource string

const (
	SourceProfile    GapFillSource = "profile"
	SourceSession    GapFillSource = "session"
	SourceExtraction GapFillSource = "extraction"
	SourceNotFound   GapFillSource = "not_found"
)

// IsValid checks if the source value is valid
func (s GapFillSource) IsValid() bool {
	switch s {
	case SourceProfile, SourceSession, SourceExtraction, SourceNotFound:
		return true
	}
	return false
}

// GapFillResult is the outcome of recovering one field.
type GapFillResult struct {
	FieldName         string        `json:"field_name"`
	Filled            bool          `json:"filled"`
	Value             string        `json:"value,omitempty"`
	Source            GapFillSource `json:"source"`
	Confidence        float64       `json:"confidence"`
	NeedsConfirmation bool          `json:"needs_confirmation,omitempty"`
	SourceQuote       string        `json:"source_quote,omitempty"`
}

// Resolved reports whether the value can be used without asking the customer.
func (r GapFillResult) Resolved() bool {
	return r.Filled && !r.NeedsConfirmation
}

// MigrationAuditRecord is persisted once per applied migration.
type MigrationAuditRecord struct {
	ID                  string                   `json:"id,omitempty"`
	SessionID           string                   `json:"session_id"`
	TenantID            string                   `json:"tenant_id,omitempty"`
	ScenarioID          string                   `json:"scenario_id"`
	PlanID              string                   `json:"plan_id,omitempty"`
	AnchorHash          string                   `json:"anchor_hash,omitempty"`
	Scenario            MigrationScenario        `json:"scenario,omitempty"`
	Action              ReconciliationAction     `json:"action"`
	FromVersion         int                      `json:"from_version"`
	ToVersion           int                      `json:"to_version"`
	TargetStepID        string                   `json:"target_step_id,omitempty"`
	GapFilled           map[string]GapFillSource `json:"gap_filled,omitempty"` // Field -> source
	BlockedByCheckpoint bool                     `json:"blocked_by_checkpoint,omitempty"`
	ErrorKind           string                   `json:"error_kind,omitempty"` // Recovered failure, if any
	Duration            time.Duration            `json:"duration"`
	CreatedAt           time.Time                `json:"created_at"`
}
