package finalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/ledger"
	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/signatures"
	"github.com/sagepath/sagepath/internal/versions"
)

// DecisionInput is one team decision recorded as part of a finalize. The
// plan, version, and deciding user are attached by the orchestration.
type DecisionInput struct {
	Type              ledger.DecisionType
	Summary           string
	Rationale         string
	SectionKey        string
	OptionsConsidered string
	Participants      []string
	MeetingID         *uuid.UUID
	DecidedAt         *time.Time
}

// FinalizeInput groups everything one finalize call persists atomically:
// the new version, its ledger entries, and optionally a signature packet.
type FinalizeInput struct {
	PlanInstanceID uuid.UUID
	FinalizedBy    uuid.UUID
	VersionNotes   string
	Decisions      []DecisionInput

	CreateSignaturePacket  bool
	RequiredSignatureRoles []signatures.Role
	SignatureExpiresAt     *time.Time
	InitialSigners         []signatures.SignerInput

	// IdempotencyKey, when set, guards against replayed finalize requests.
	IdempotencyKey string
}

// Validate checks everything that can be checked before touching the
// database. Per-decision content rules are delegated to the ledger input.
func (in FinalizeInput) Validate() error {
	if in.PlanInstanceID == uuid.Nil {
		return fmt.Errorf("finalize: plan instance required: %w", httpx.ErrValidation)
	}
	if in.FinalizedBy == uuid.Nil {
		return fmt.Errorf("finalize: finalizing user required: %w", httpx.ErrValidation)
	}
	for idx, d := range in.Decisions {
		ri := ledger.RecordInput{
			PlanInstanceID:    in.PlanInstanceID,
			Type:              d.Type,
			Summary:           d.Summary,
			Rationale:         d.Rationale,
			DecidedBy:         in.FinalizedBy,
			SectionKey:        d.SectionKey,
			OptionsConsidered: d.OptionsConsidered,
			Participants:      d.Participants,
			MeetingID:         d.MeetingID,
			DecidedAt:         d.DecidedAt,
		}
		if err := ri.Validate(); err != nil {
			return fmt.Errorf("finalize: decision %d: %w", idx, err)
		}
	}
	if in.CreateSignaturePacket {
		if len(in.RequiredSignatureRoles) == 0 {
			return signatures.ErrRolesRequired
		}
		seen := make(map[signatures.Role]struct{}, len(in.RequiredSignatureRoles))
		for _, role := range in.RequiredSignatureRoles {
			if !role.Valid() {
				return fmt.Errorf("finalize: unknown signer role %q: %w", string(role), httpx.ErrValidation)
			}
			if _, dup := seen[role]; dup {
				return fmt.Errorf("finalize: duplicate signer role %q: %w", string(role), httpx.ErrValidation)
			}
			seen[role] = struct{}{}
		}
		for idx, signer := range in.InitialSigners {
			if !signer.Role.Valid() {
				return fmt.Errorf("finalize: signer %d has unknown role %q: %w", idx, string(signer.Role), httpx.ErrValidation)
			}
			if strings.TrimSpace(signer.SignerName) == "" {
				return fmt.Errorf("finalize: signer %d missing name: %w", idx, httpx.ErrValidation)
			}
		}
	} else if len(in.RequiredSignatureRoles) > 0 || len(in.InitialSigners) > 0 {
		return fmt.Errorf("finalize: signer fields set without requesting a packet: %w", httpx.ErrValidation)
	}
	return nil
}

// FinalizeResult reports everything one finalize call produced.
type FinalizeResult struct {
	Version    versions.PlanVersion
	Decisions  []ledger.Entry
	Packet     *signatures.SignaturePacket
	Records    []signatures.SignatureRecord
	Superseded int
}

// ErrDuplicateRequest indicates a finalize with an idempotency key that was
// already processed.
var ErrDuplicateRequest = fmt.Errorf("finalize: request already processed: %w", httpx.ErrConflict)
