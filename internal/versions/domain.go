package versions

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/platform/httpx"
)

// VersionStatus enumerates plan version lifecycle values.
type VersionStatus string

const (
	VersionStatusFinal       VersionStatus = "FINAL"
	VersionStatusDistributed VersionStatus = "DISTRIBUTED"
	VersionStatusSuperseded  VersionStatus = "SUPERSEDED"
)

// PlanVersion is an immutable snapshot of a plan taken at finalization
// time. Snapshot, VersionNumber, FinalizedAt and FinalizedBy never change
// after creation; only Status and the distribution fields move forward.
type PlanVersion struct {
	ID             uuid.UUID
	PlanInstanceID uuid.UUID
	VersionNumber  int
	Status         VersionStatus
	Snapshot       json.RawMessage
	VersionNotes   string
	FinalizedAt    time.Time
	FinalizedBy    uuid.UUID
	DistributedAt  *time.Time
	DistributedBy  *uuid.UUID
	CreatedAt      time.Time
}

// CreateVersionInput groups fields required to persist a new version.
type CreateVersionInput struct {
	PlanInstanceID uuid.UUID
	Snapshot       json.RawMessage
	FinalizedBy    uuid.UUID
	VersionNotes   string
}

// Validate ensures create input meets minimum criteria.
func (in CreateVersionInput) Validate() error {
	if in.PlanInstanceID == uuid.Nil {
		return fmt.Errorf("versions: plan instance required: %w", httpx.ErrValidation)
	}
	if in.FinalizedBy == uuid.Nil {
		return fmt.Errorf("versions: finalizing user required: %w", httpx.ErrValidation)
	}
	if len(in.Snapshot) == 0 || strings.TrimSpace(string(in.Snapshot)) == "" {
		return fmt.Errorf("versions: snapshot required: %w", httpx.ErrValidation)
	}
	return nil
}

var (
	// ErrVersionNotFound indicates a missing version.
	ErrVersionNotFound = fmt.Errorf("versions: plan version %w", httpx.ErrNotFound)
	// ErrVersionNumberConflict indicates a lost numbering race; retry the finalize.
	ErrVersionNumberConflict = fmt.Errorf("versions: version number already assigned: %w", httpx.ErrConflict)
	// ErrNotDistributable indicates the version is not in FINAL status.
	ErrNotDistributable = fmt.Errorf("versions: only FINAL versions can be distributed: %w", httpx.ErrInvalidState)
)
