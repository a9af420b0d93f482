package types

import "time"

// StepVisit is one entry of a session's append-only step history.
type StepVisit struct {
	StepID                string    `json:"step_id"`
	StepName              string    `json:"step_name"`
	ContentHash           string    `json:"content_hash"` // Step hash at visit time
	IsCheckpoint          bool      `json:"is_checkpoint,omitempty"`
	CheckpointDescription string    `json:"checkpoint_description,omitempty"`
	TurnNumber            int       `json:"turn_number"`
	VisitedAt             time.Time `json:"visited_at"`
}

// PendingMigration is the Phase 1 marker written by the deployer.
// Its presence on a session means "reconcile before the next turn".
type PendingMigration struct {
	TargetVersion     int       `json:"target_version"`
	AnchorContentHash string    `json:"anchor_content_hash"`
	MigrationPlanID   string    `json:"migration_plan_id"`
	MarkedAt          time.Time `json:"marked_at"`
}

// Turn is one message in the conversation history.
type Turn struct {
	Number int    `json:"number"`
	Role   string `json:"role"` // "customer" or "agent"
	Text   string `json:"text"`
}

// Session is the migration-relevant slice of an externally owned session record.
type Session struct {
	ID                    string            `json:"id"`
	TenantID              string            `json:"tenant_id"`
	CustomerID            string            `json:"customer_id"`
	Channel               string            `json:"channel"` // webchat, email, sms, ...
	ActiveScenarioID      string            `json:"active_scenario_id"`
	ActiveScenarioVersion int               `json:"active_scenario_version"`
	ScenarioChecksum      string            `json:"scenario_checksum"` // Checksum of the version this session was last verified against
	CurrentStepID         string            `json:"current_step_id"`
	CurrentStepHash       string            `json:"current_step_hash"`
	PendingMigration      *PendingMigration `json:"pending_migration,omitempty"`
	StepHistory           []StepVisit       `json:"step_history,omitempty"`
	Variables             map[string]string `json:"variables,omitempty"` // Data collected so far
	Turns                 []Turn            `json:"turns,omitempty"`
	TurnCount             int               `json:"turn_count"`
	Revision              int64             `json:"revision"` // Bumped on every write; compare-and-set token
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Age returns how long ago the session was created, relative to now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// RecentTurns returns at most n of the latest conversation turns.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Clone returns a deep copy suitable for handing out of a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.PendingMigration != nil {
		pm := *s.PendingMigration
		c.PendingMigration = &pm
	}
	c.StepHistory = append([]StepVisit(nil), s.StepHistory...)
	c.Turns = append([]Turn(nil), s.Turns...)
	if s.Variables != nil {
		c.Variables = make(map[string]string, len(s.Variables))
		for k, v := range s.Variables {
			c.Variables[k] = v
		}
	}
	return &c
}

// SessionQuery selects live sessions positioned at a step.
// Used by the deployer and by plan impact estimates.
type SessionQuery struct {
	TenantID   string
	ScenarioID string
	StepHash   string
	StepName   string // Name of the step at StepHash, for step scope filters
	Version    int
	Scope      *ScopeFilter // nil = all sessions
	Now        time.Time    // Reference time for age filters; zero = time.Now()
}
