// Package protocol defines the entity types, enumerations, SQLite schema and
// typed errors shared by every rigd package. A rig owns five collections:
// beads, agents, mail, the review queue and the bead event ledger.
package protocol

import (
	"encoding/json"
	"time"
)

// --- Beads ---

// BeadType classifies a unit of work.
type BeadType string

// Bead type constants.
const (
	BeadIssue        BeadType = "issue"
	BeadMessage      BeadType = "message"
	BeadEscalation   BeadType = "escalation"
	BeadMergeRequest BeadType = "merge_request"
)

// Valid reports whether t is a known bead type.
func (t BeadType) Valid() bool {
	switch t {
	case BeadIssue, BeadMessage, BeadEscalation, BeadMergeRequest:
		return true
	default:
		return false
	}
}

// BeadStatus is the lifecycle state of a bead.
type BeadStatus string

// Bead status constants.
const (
	BeadOpen       BeadStatus = "open"
	BeadInProgress BeadStatus = "in_progress" // set by hook
	BeadClosed     BeadStatus = "closed"      // terminal; closed_at is set
	BeadFailed     BeadStatus = "failed"
)

// Valid reports whether s is a known bead status.
func (s BeadStatus) Valid() bool {
	switch s {
	case BeadOpen, BeadInProgress, BeadClosed, BeadFailed:
		return true
	default:
		return false
	}
}

// Priority orders beads for human attention.
type Priority string

// Priority constants.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Bead represents a row in the beads table.
type Bead struct {
	ID              string         `json:"id"`
	Type            BeadType       `json:"type"`
	Status          BeadStatus     `json:"status"`
	Title           string         `json:"title"`
	Body            string         `json:"body,omitempty"`
	Priority        Priority       `json:"priority"`
	Labels          []string       `json:"labels"`
	Metadata        map[string]any `json:"metadata"`
	AssigneeAgentID string         `json:"assignee_agent_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ClosedAt        *time.Time     `json:"closed_at,omitempty"`
}

// --- Agents ---

// AgentRole is the job an agent performs within the rig.
type AgentRole string

// Agent role constants.
const (
	RolePolecat  AgentRole = "polecat"
	RoleRefinery AgentRole = "refinery"
	RoleMayor    AgentRole = "mayor"
	RoleWitness  AgentRole = "witness"
)

// Valid reports whether r is a known agent role.
func (r AgentRole) Valid() bool {
	switch r {
	case RolePolecat, RoleRefinery, RoleMayor, RoleWitness:
		return true
	default:
		return false
	}
}

// AgentStatus is the liveness/work state of an agent.
type AgentStatus string

// Agent status constants. AgentStalled and AgentBlocked name the same
// degraded state; the store writes whichever label it is configured with.
const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentStalled AgentStatus = "stalled"
	AgentBlocked AgentStatus = "blocked"
	AgentDead    AgentStatus = "dead"
)

// DefaultDegradedLabel is the label written for the degraded state unless
// configured otherwise.
const DefaultDegradedLabel = AgentStalled

// IsDegraded reports whether s is either spelling of the degraded state.
func (s AgentStatus) IsDegraded() bool {
	return s == AgentStalled || s == AgentBlocked
}

// Valid reports whether s is a known agent status (either degraded
// spelling is accepted).
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentIdle, AgentWorking, AgentStalled, AgentBlocked, AgentDead:
		return true
	default:
		return false
	}
}

// Canonical maps s onto the canonical spelling, using label for the
// degraded state.
func (s AgentStatus) Canonical(label AgentStatus) AgentStatus {
	if s.IsDegraded() {
		if label.IsDegraded() {
			return label
		}
		return DefaultDegradedLabel
	}
	return s
}

// Agent represents a row in the agents table.
type Agent struct {
	ID                string          `json:"id"`
	Role              AgentRole       `json:"role"`
	Name              string          `json:"name"`
	Identity          string          `json:"identity"`
	Status            AgentStatus     `json:"status"`
	CurrentHookBeadID string          `json:"current_hook_bead_id,omitempty"`
	LastActivityAt    *time.Time      `json:"last_activity_at,omitempty"`
	Checkpoint        json.RawMessage `json:"checkpoint,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// --- Mail ---

// Mail represents a row in the mail table. Delivered never reverts once set.
type Mail struct {
	ID          string     `json:"id"`
	FromAgentID string     `json:"from_agent_id"`
	ToAgentID   string     `json:"to_agent_id"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
	Delivered   bool       `json:"delivered"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// --- Review queue ---

// ReviewStatus is the lifecycle state of a review queue entry.
type ReviewStatus string

// Review status constants. ReviewConflict is accepted as a reported merge
// outcome but entries themselves end in ReviewFailed when they conflict.
const (
	ReviewPending  ReviewStatus = "pending"
	ReviewRunning  ReviewStatus = "running"
	ReviewMerged   ReviewStatus = "merged"
	ReviewConflict ReviewStatus = "conflict"
	ReviewFailed   ReviewStatus = "failed"
)

// Valid reports whether s is a known review status.
func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewPending, ReviewRunning, ReviewMerged, ReviewConflict, ReviewFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s ends an entry's lifecycle.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewMerged || s == ReviewConflict || s == ReviewFailed
}

// ReviewEntry represents a row in the review_queue table.
type ReviewEntry struct {
	ID            string       `json:"id"`
	AgentID       string       `json:"agent_id"`
	BeadID        string       `json:"bead_id"`
	Branch        string       `json:"branch"`
	PRURL         string       `json:"pr_url,omitempty"`
	Summary       string       `json:"summary,omitempty"`
	Status        ReviewStatus `json:"status"`
	ResultMessage string       `json:"result_message,omitempty"`
	CommitSHA     string       `json:"commit_sha,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// ReviewResult is the outcome reported for a popped entry.
type ReviewResult struct {
	Status    ReviewStatus `json:"status"` // merged | conflict | failed
	Message   string       `json:"message,omitempty"`
	CommitSHA string       `json:"commit_sha,omitempty"`
}

// --- Event ledger ---

// EventType names a bead state transition recorded in the ledger.
type EventType string

// Event type constants.
const (
	EventCreated         EventType = "created"
	EventHooked          EventType = "hooked"
	EventUnhooked        EventType = "unhooked"
	EventStatusChanged   EventType = "status_changed"
	EventClosed          EventType = "closed"
	EventReviewSubmitted EventType = "review_submitted"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventHooked, EventUnhooked, EventStatusChanged, EventClosed, EventReviewSubmitted:
		return true
	default:
		return false
	}
}

// BeadEvent represents a row in the bead_events table. Rows are insert-only.
type BeadEvent struct {
	ID        int64          `json:"id"`
	BeadID    string         `json:"bead_id"`
	Type      EventType      `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	OldValue  string         `json:"old_value,omitempty"`
	NewValue  string         `json:"new_value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
