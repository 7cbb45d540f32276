// Package plans adapts the external authoring stores this core reads from.
// Plan instances and meetings are owned by the authoring application; the
// finalization core only ever takes consistent read-only snapshots of them.
package plans

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/platform/httpx"
)

// Snapshot is a consistent read of a plan instance at a point in time.
// Body is opaque to the core beyond PlanTypeCode; it carries field values,
// goals, and services exactly as authored.
type Snapshot struct {
	PlanInstanceID uuid.UUID
	PlanTypeCode   string
	Body           json.RawMessage
}

// Meeting carries the fields needed for cross-reference validation.
type Meeting struct {
	ID             uuid.UUID
	PlanInstanceID uuid.UUID
}

// Store reads plan snapshots from the authoring Plan Store.
type Store interface {
	GetPlanSnapshot(ctx context.Context, planInstanceID uuid.UUID) (Snapshot, error)
}

// MeetingStore reads meetings for cross-reference validation.
type MeetingStore interface {
	GetMeeting(ctx context.Context, meetingID uuid.UUID) (Meeting, error)
}

var (
	// ErrPlanNotFound indicates the plan instance does not exist.
	ErrPlanNotFound = fmt.Errorf("plans: plan instance %w", httpx.ErrNotFound)
	// ErrMeetingNotFound indicates the referenced meeting does not exist.
	ErrMeetingNotFound = fmt.Errorf("plans: meeting %w", httpx.ErrNotFound)
)
