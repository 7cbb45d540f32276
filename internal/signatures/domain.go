package signatures

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/platform/httpx"
)

// Role enumerates the signer roles a packet can require.
type Role string

const (
	RoleParentGuardian         Role = "PARENT_GUARDIAN"
	RoleCaseManager            Role = "CASE_MANAGER"
	RoleSpecialEdTeacher       Role = "SPECIAL_ED_TEACHER"
	RoleGeneralEdTeacher       Role = "GENERAL_ED_TEACHER"
	RoleAdministrator          Role = "ADMINISTRATOR"
	RoleRelatedServiceProvider Role = "RELATED_SERVICE_PROVIDER"
	RoleLEARepresentative      Role = "LEA_REPRESENTATIVE"
	RoleStudent                Role = "STUDENT"
)

// Valid reports whether the role is a known enum value.
func (r Role) Valid() bool {
	switch r {
	case RoleParentGuardian, RoleCaseManager, RoleSpecialEdTeacher, RoleGeneralEdTeacher,
		RoleAdministrator, RoleRelatedServiceProvider, RoleLEARepresentative, RoleStudent:
		return true
	default:
		return false
	}
}

// Method enumerates how a signature was captured.
type Method string

const (
	MethodElectronic    Method = "ELECTRONIC"
	MethodInPerson      Method = "IN_PERSON"
	MethodPaperReturned Method = "PAPER_RETURNED"
)

// Valid reports whether the method is a known enum value.
func (m Method) Valid() bool {
	switch m {
	case MethodElectronic, MethodInPerson, MethodPaperReturned:
		return true
	default:
		return false
	}
}

// PacketStatus enumerates signature packet lifecycle values.
type PacketStatus string

const (
	PacketStatusOpen     PacketStatus = "OPEN"
	PacketStatusComplete PacketStatus = "COMPLETE"
	PacketStatusExpired  PacketStatus = "EXPIRED"
)

// RecordStatus enumerates signature record lifecycle values.
type RecordStatus string

const (
	RecordStatusPending  RecordStatus = "PENDING"
	RecordStatusSigned   RecordStatus = "SIGNED"
	RecordStatusDeclined RecordStatus = "DECLINED"
)

// SignaturePacket is the set of signatures required to consider one plan
// version executed. RequiredRoles is fixed at creation; COMPLETE and
// EXPIRED are terminal.
type SignaturePacket struct {
	ID            uuid.UUID
	PlanVersionID uuid.UUID
	Status        PacketStatus
	RequiredRoles []Role
	ExpiresAt     *time.Time
	CompletedAt   *time.Time
	CreatedBy     uuid.UUID
	CreatedAt     time.Time
}

// Expired reports whether the packet's deadline has passed as of now.
func (p SignaturePacket) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// SignatureRecord is one signer's status within a packet. Status starts
// PENDING and transitions exactly once, to SIGNED or DECLINED.
type SignatureRecord struct {
	ID              uuid.UUID
	PacketID        uuid.UUID
	Role            Role
	SignerUserID    *uuid.UUID
	SignerName      string
	SignerEmail     string
	SignerTitle     string
	Method          *Method
	Status          RecordStatus
	SignedAt        *time.Time
	AttestationText string
	IPAddress       string
	DeclinedAt      *time.Time
	DeclineReason   string
	CreatedAt       time.Time
}

// SignerInput pre-populates a PENDING record when opening a packet.
type SignerInput struct {
	Role         Role
	SignerName   string
	SignerEmail  string
	SignerTitle  string
	SignerUserID *uuid.UUID
}

// OpenPacketInput groups fields required to open a packet.
type OpenPacketInput struct {
	PlanVersionID  uuid.UUID
	RequiredRoles  []Role
	ExpiresAt      *time.Time
	CreatedBy      uuid.UUID
	InitialSigners []SignerInput
}

// Validate ensures open input meets minimum criteria. Duplicate required
// roles are rejected rather than silently collapsed.
func (in OpenPacketInput) Validate() error {
	if in.PlanVersionID == uuid.Nil {
		return fmt.Errorf("signatures: plan version required: %w", httpx.ErrValidation)
	}
	if in.CreatedBy == uuid.Nil {
		return fmt.Errorf("signatures: creating user required: %w", httpx.ErrValidation)
	}
	if len(in.RequiredRoles) == 0 {
		return ErrRolesRequired
	}
	seen := make(map[Role]struct{}, len(in.RequiredRoles))
	for _, role := range in.RequiredRoles {
		if !role.Valid() {
			return fmt.Errorf("signatures: unknown role %q: %w", string(role), httpx.ErrValidation)
		}
		if _, dup := seen[role]; dup {
			return fmt.Errorf("signatures: duplicate required role %q: %w", string(role), httpx.ErrValidation)
		}
		seen[role] = struct{}{}
	}
	for idx, signer := range in.InitialSigners {
		if !signer.Role.Valid() {
			return fmt.Errorf("signatures: signer %d has unknown role %q: %w", idx, string(signer.Role), httpx.ErrValidation)
		}
		if strings.TrimSpace(signer.SignerName) == "" {
			return fmt.Errorf("signatures: signer %d missing name: %w", idx, httpx.ErrValidation)
		}
	}
	return nil
}

// SignInput wraps parameters for signing a record.
type SignInput struct {
	PacketID    uuid.UUID
	RecordID    uuid.UUID
	Method      Method
	SignerName  string
	Attestation bool
	IPAddress   string
}

// Validate ensures sign input meets minimum criteria.
func (in SignInput) Validate() error {
	if in.PacketID == uuid.Nil || in.RecordID == uuid.Nil {
		return fmt.Errorf("signatures: packet and record ids required: %w", httpx.ErrValidation)
	}
	if !in.Method.Valid() {
		return fmt.Errorf("signatures: unknown signature method %q: %w", string(in.Method), httpx.ErrValidation)
	}
	if !in.Attestation {
		return ErrAttestationRequired
	}
	return nil
}

// DeclineInput wraps parameters for declining a record.
type DeclineInput struct {
	PacketID uuid.UUID
	RecordID uuid.UUID
	Reason   string
}

// AddRecordInput appends an ad-hoc PENDING record to an open packet.
type AddRecordInput struct {
	PacketID     uuid.UUID
	Role         Role
	SignerName   string
	SignerEmail  string
	SignerTitle  string
	SignerUserID *uuid.UUID
}

// Validate ensures add-record input meets minimum criteria.
func (in AddRecordInput) Validate() error {
	if in.PacketID == uuid.Nil {
		return fmt.Errorf("signatures: packet id required: %w", httpx.ErrValidation)
	}
	if !in.Role.Valid() {
		return fmt.Errorf("signatures: unknown role %q: %w", string(in.Role), httpx.ErrValidation)
	}
	if strings.TrimSpace(in.SignerName) == "" {
		return fmt.Errorf("signatures: signer name required: %w", httpx.ErrValidation)
	}
	return nil
}

// RequiredRolesSatisfied reports whether a packet may complete: every
// required role must have at least one record, and every record held by a
// required role must be SIGNED. A PENDING or DECLINED record for a
// required role blocks completion; records for roles outside the required
// set never block.
func RequiredRolesSatisfied(required []Role, records []SignatureRecord) bool {
	for _, role := range required {
		signed := false
		for _, rec := range records {
			if rec.Role != role {
				continue
			}
			if rec.Status != RecordStatusSigned {
				return false
			}
			signed = true
		}
		if !signed {
			return false
		}
	}
	return true
}

var (
	// ErrPacketNotFound indicates a missing packet.
	ErrPacketNotFound = fmt.Errorf("signatures: packet %w", httpx.ErrNotFound)
	// ErrRecordNotFound indicates a missing record.
	ErrRecordNotFound = fmt.Errorf("signatures: record %w", httpx.ErrNotFound)
	// ErrVersionNotFound indicates the packet's plan version does not exist.
	ErrVersionNotFound = fmt.Errorf("signatures: plan version %w", httpx.ErrNotFound)
	// ErrPacketExists indicates a packet was already opened for the version.
	ErrPacketExists = fmt.Errorf("signatures: packet already exists for version: %w", httpx.ErrConflict)
	// ErrPacketNotOpen indicates the packet no longer accepts changes.
	ErrPacketNotOpen = fmt.Errorf("signatures: packet is not open: %w", httpx.ErrInvalidState)
	// ErrRecordNotPending indicates the record already transitioned.
	ErrRecordNotPending = fmt.Errorf("signatures: record is not pending: %w", httpx.ErrInvalidState)
	// ErrRolesRequired indicates an empty required-role set.
	ErrRolesRequired = fmt.Errorf("signatures: at least one required role: %w", httpx.ErrValidation)
	// ErrAttestationRequired indicates signing without attesting.
	ErrAttestationRequired = fmt.Errorf("signatures: attestation required to sign: %w", httpx.ErrValidation)
	// ErrDeclineReasonRequired indicates declining without a reason.
	ErrDeclineReasonRequired = fmt.Errorf("signatures: decline reason required: %w", httpx.ErrValidation)
)
