package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/platform/httpx"
)

// DecisionType enumerates the kinds of team decisions the ledger records.
type DecisionType string

const (
	DecisionPlacementLRE   DecisionType = "PLACEMENT_LRE"
	DecisionServicesChange DecisionType = "SERVICES_CHANGE"
	DecisionESY            DecisionType = "ESY_DECISION"
	DecisionEvaluation     DecisionType = "EVALUATION"
	DecisionGoalRevision   DecisionType = "GOAL_REVISION"
	DecisionAccommodations DecisionType = "ACCOMMODATIONS_CHANGE"
	DecisionExit           DecisionType = "EXIT_DECISION"
	DecisionOther          DecisionType = "OTHER"
)

// Valid reports whether the decision type is a known enum value.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionPlacementLRE, DecisionServicesChange, DecisionESY, DecisionEvaluation,
		DecisionGoalRevision, DecisionAccommodations, DecisionExit, DecisionOther:
		return true
	default:
		return false
	}
}

// EntryStatus enumerates ledger entry lifecycle values.
type EntryStatus string

const (
	EntryStatusActive EntryStatus = "ACTIVE"
	EntryStatusVoid   EntryStatus = "VOID"
)

// Entry is one recorded team decision. Entries are never deleted; voiding
// marks them VOID exactly once and keeps the original content intact.
type Entry struct {
	ID                uuid.UUID
	PlanInstanceID    uuid.UUID
	PlanVersionID     *uuid.UUID
	MeetingID         *uuid.UUID
	Type              DecisionType
	SectionKey        string
	Summary           string
	Rationale         string
	OptionsConsidered string
	Participants      []string
	DecidedAt         time.Time
	DecidedBy         uuid.UUID
	Status            EntryStatus
	VoidedAt          *time.Time
	VoidedBy          *uuid.UUID
	VoidReason        string
	CreatedAt         time.Time
}

// RecordInput groups fields required to record a decision.
type RecordInput struct {
	PlanInstanceID    uuid.UUID
	Type              DecisionType
	Summary           string
	Rationale         string
	DecidedBy         uuid.UUID
	SectionKey        string
	OptionsConsidered string
	Participants      []string
	MeetingID         *uuid.UUID
	PlanVersionID     *uuid.UUID
	DecidedAt         *time.Time
}

// Validate ensures record input meets minimum criteria.
func (in RecordInput) Validate() error {
	if in.PlanInstanceID == uuid.Nil {
		return fmt.Errorf("ledger: plan instance required: %w", httpx.ErrValidation)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("ledger: unknown decision type %q: %w", string(in.Type), httpx.ErrValidation)
	}
	if strings.TrimSpace(in.Summary) == "" {
		return fmt.Errorf("ledger: summary required: %w", httpx.ErrValidation)
	}
	if strings.TrimSpace(in.Rationale) == "" {
		return fmt.Errorf("ledger: rationale required: %w", httpx.ErrValidation)
	}
	if in.DecidedBy == uuid.Nil {
		return fmt.Errorf("ledger: deciding user required: %w", httpx.ErrValidation)
	}
	return nil
}

// VoidInput wraps parameters for voiding an entry.
type VoidInput struct {
	EntryID  uuid.UUID
	Reason   string
	VoidedBy uuid.UUID
}

// QueryFilter enumerates the supported ledger query filters explicitly.
type QueryFilter struct {
	Type       *DecisionType
	Status     *EntryStatus
	SectionKey *string
	Page       int
	PerPage    int
}

var (
	// ErrEntryNotFound indicates a missing ledger entry.
	ErrEntryNotFound = fmt.Errorf("ledger: decision %w", httpx.ErrNotFound)
	// ErrAlreadyVoided indicates the entry was voided before this call.
	ErrAlreadyVoided = fmt.Errorf("ledger: decision already voided: %w", httpx.ErrAlreadyVoided)
	// ErrVoidReasonRequired indicates a void without a reason.
	ErrVoidReasonRequired = fmt.Errorf("ledger: void reason required: %w", httpx.ErrValidation)
	// ErrPlanNotEligible indicates the plan type does not record team decisions.
	ErrPlanNotEligible = fmt.Errorf("ledger: plan type does not support team decisions: %w", httpx.ErrNotEligible)
	// ErrMeetingMismatch indicates the meeting belongs to a different plan.
	ErrMeetingMismatch = fmt.Errorf("ledger: meeting belongs to a different plan: %w", httpx.ErrValidation)
	// ErrVersionMismatch indicates the version belongs to a different plan.
	ErrVersionMismatch = fmt.Errorf("ledger: plan version belongs to a different plan: %w", httpx.ErrValidation)
)
