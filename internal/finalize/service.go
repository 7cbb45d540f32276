package finalize

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/ledger"
	"github.com/sagepath/sagepath/internal/plans"
	"github.com/sagepath/sagepath/internal/shared"
	"github.com/sagepath/sagepath/internal/signatures"
	"github.com/sagepath/sagepath/internal/versions"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// DecisionPolicy decides which plan types may record team decisions.
// Satisfied by the ledger service.
type DecisionPolicy interface {
	PlanTypeEligible(planTypeCode string) bool
}

// LatestInvalidator drops the cached latest version for a plan.
// Satisfied by the versions cache.
type LatestInvalidator interface {
	Invalidate(ctx context.Context, planInstanceID uuid.UUID) error
}

// IdempotencyGuard claims and releases request keys.
// Satisfied by the shared idempotency store.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

const idempotencyModule = "finalize"

// Service orchestrates plan finalization: one transaction that supersedes
// the prior version, snapshots the plan into a new FINAL version, records
// the accompanying decisions, and opens the signature packet.
type Service struct {
	repo     Repository
	plans    plans.Store
	meetings plans.MeetingStore
	policy   DecisionPolicy
	cache    LatestInvalidator
	audit    AuditPort
	idem     IdempotencyGuard
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, planStore plans.Store, meetings plans.MeetingStore, policy DecisionPolicy, cache LatestInvalidator, audit AuditPort, idem IdempotencyGuard) *Service {
	return &Service{repo: repo, plans: planStore, meetings: meetings, policy: policy, cache: cache, audit: audit, idem: idem, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Finalize snapshots the plan into a new version and persists every part
// of the request in one transaction. Any failure leaves no trace: no
// version, no ledger entries, no packet.
func (s *Service) Finalize(ctx context.Context, in FinalizeInput) (FinalizeResult, error) {
	if err := in.Validate(); err != nil {
		return FinalizeResult{}, err
	}
	snapshot, err := s.plans.GetPlanSnapshot(ctx, in.PlanInstanceID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if len(in.Decisions) > 0 && s.policy != nil && !s.policy.PlanTypeEligible(snapshot.PlanTypeCode) {
		return FinalizeResult{}, ledger.ErrPlanNotEligible
	}
	for _, d := range in.Decisions {
		if d.MeetingID == nil {
			continue
		}
		meeting, err := s.meetings.GetMeeting(ctx, *d.MeetingID)
		if err != nil {
			return FinalizeResult{}, err
		}
		if meeting.PlanInstanceID != in.PlanInstanceID {
			return FinalizeResult{}, ledger.ErrMeetingMismatch
		}
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return FinalizeResult{}, ErrDuplicateRequest
			}
			return FinalizeResult{}, err
		}
	}

	var result FinalizeResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxStores) error {
		planTypeCode, err := tx.Versions.LockPlan(ctx, in.PlanInstanceID)
		if err != nil {
			return err
		}
		// The snapshot read above ran outside the lock; the locked row is
		// authoritative for eligibility.
		if len(in.Decisions) > 0 && s.policy != nil && !s.policy.PlanTypeEligible(planTypeCode) {
			return ledger.ErrPlanNotEligible
		}
		superseded, err := tx.Versions.SupersedeActive(ctx, in.PlanInstanceID)
		if err != nil {
			return err
		}
		number, err := tx.Versions.NextVersionNumber(ctx, in.PlanInstanceID)
		if err != nil {
			return err
		}
		create := versions.CreateVersionInput{
			PlanInstanceID: in.PlanInstanceID,
			Snapshot:       snapshot.Body,
			FinalizedBy:    in.FinalizedBy,
			VersionNotes:   in.VersionNotes,
		}
		if err := create.Validate(); err != nil {
			return err
		}
		version, err := tx.Versions.InsertVersion(ctx, create, number)
		if err != nil {
			return err
		}
		result.Version = version
		result.Superseded = superseded

		for _, d := range in.Decisions {
			decidedAt := s.now()
			if d.DecidedAt != nil {
				decidedAt = *d.DecidedAt
			}
			entry, err := tx.Ledger.InsertEntry(ctx, ledger.RecordInput{
				PlanInstanceID:    in.PlanInstanceID,
				Type:              d.Type,
				Summary:           d.Summary,
				Rationale:         d.Rationale,
				DecidedBy:         in.FinalizedBy,
				SectionKey:        d.SectionKey,
				OptionsConsidered: d.OptionsConsidered,
				Participants:      d.Participants,
				MeetingID:         d.MeetingID,
				PlanVersionID:     &version.ID,
			}, decidedAt)
			if err != nil {
				return err
			}
			result.Decisions = append(result.Decisions, entry)
		}

		if in.CreateSignaturePacket {
			packet, err := tx.Signatures.InsertPacket(ctx, signatures.OpenPacketInput{
				PlanVersionID: version.ID,
				RequiredRoles: in.RequiredSignatureRoles,
				ExpiresAt:     in.SignatureExpiresAt,
				CreatedBy:     in.FinalizedBy,
			})
			if err != nil {
				return err
			}
			result.Packet = &packet
			for _, signer := range in.InitialSigners {
				record, err := tx.Signatures.InsertRecord(ctx, packet.ID, signer)
				if err != nil {
					return err
				}
				result.Records = append(result.Records, record)
			}
		}
		return nil
	})
	if err != nil {
		if key != "" && s.idem != nil {
			_ = s.idem.Delete(ctx, key)
		}
		return FinalizeResult{}, err
	}

	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, in.PlanInstanceID)
	}
	if s.audit != nil {
		meta := map[string]any{
			"plan_instance_id": in.PlanInstanceID.String(),
			"version_number":   result.Version.VersionNumber,
			"decisions":        len(result.Decisions),
			"superseded":       result.Superseded,
		}
		if result.Packet != nil {
			meta["packet_id"] = result.Packet.ID.String()
		}
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.FinalizedBy,
			Action:   "plan.finalize",
			Entity:   "plan_version",
			EntityID: result.Version.ID.String(),
			Meta:     meta,
			At:       s.now(),
		})
	}
	return result, nil
}
