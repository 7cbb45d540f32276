package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/plans"
	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/shared"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig carries the external configuration the ledger depends on.
type ServiceConfig struct {
	// DecisionPlanTypes lists the plan type codes allowed to record
	// team decisions. Empty means no plan type is eligible.
	DecisionPlanTypes []string
}

// Service implements the append-only decision ledger.
type Service struct {
	repo     Repository
	plans    plans.Store
	meetings plans.MeetingStore
	audit    AuditPort
	eligible map[string]struct{}
	now      func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, planStore plans.Store, meetings plans.MeetingStore, audit AuditPort, cfg ServiceConfig) *Service {
	eligible := make(map[string]struct{}, len(cfg.DecisionPlanTypes))
	for _, code := range cfg.DecisionPlanTypes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			eligible[code] = struct{}{}
		}
	}
	return &Service{repo: repo, plans: planStore, meetings: meetings, audit: audit, eligible: eligible, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PlanTypeEligible reports whether a plan type may record decisions.
func (s *Service) PlanTypeEligible(planTypeCode string) bool {
	_, ok := s.eligible[strings.ToUpper(strings.TrimSpace(planTypeCode))]
	return ok
}

// Record appends a decision to the ledger.
func (s *Service) Record(ctx context.Context, in RecordInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	snapshot, err := s.plans.GetPlanSnapshot(ctx, in.PlanInstanceID)
	if err != nil {
		return Entry{}, err
	}
	if !s.PlanTypeEligible(snapshot.PlanTypeCode) {
		return Entry{}, ErrPlanNotEligible
	}
	if in.MeetingID != nil {
		meeting, err := s.meetings.GetMeeting(ctx, *in.MeetingID)
		if err != nil {
			return Entry{}, err
		}
		if meeting.PlanInstanceID != in.PlanInstanceID {
			return Entry{}, ErrMeetingMismatch
		}
	}
	decidedAt := s.now()
	if in.DecidedAt != nil {
		decidedAt = *in.DecidedAt
	}
	var entry Entry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.PlanVersionID != nil {
			planID, err := tx.GetVersionPlan(ctx, *in.PlanVersionID)
			if err != nil {
				return err
			}
			if planID != in.PlanInstanceID {
				return ErrVersionMismatch
			}
		}
		var e error
		entry, e = tx.InsertEntry(ctx, in, decidedAt)
		return e
	})
	if err != nil {
		return Entry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.DecidedBy,
			Action:   "decision.record",
			Entity:   "decision_ledger_entry",
			EntityID: entry.ID.String(),
			Meta: map[string]any{
				"plan_instance_id": entry.PlanInstanceID.String(),
				"decision_type":    string(entry.Type),
			},
			At: s.now(),
		})
	}
	return entry, nil
}

// Void marks an entry VOID. Entries are never deleted; a voided entry
// keeps its content and records who voided it, when, and why.
func (s *Service) Void(ctx context.Context, in VoidInput) (Entry, error) {
	if in.EntryID == uuid.Nil {
		return Entry{}, fmt.Errorf("ledger: entry id required: %w", httpx.ErrValidation)
	}
	if strings.TrimSpace(in.Reason) == "" {
		return Entry{}, ErrVoidReasonRequired
	}
	if in.VoidedBy == uuid.Nil {
		return Entry{}, fmt.Errorf("ledger: voiding user required: %w", httpx.ErrValidation)
	}
	var entry Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetEntryForUpdate(ctx, in.EntryID)
		if err != nil {
			return err
		}
		if current.Status == EntryStatusVoid {
			return ErrAlreadyVoided
		}
		at := s.now()
		if err := tx.MarkVoid(ctx, in.EntryID, in.Reason, in.VoidedBy, at); err != nil {
			return err
		}
		entry = current
		entry.Status = EntryStatusVoid
		entry.VoidReason = in.Reason
		entry.VoidedBy = &in.VoidedBy
		entry.VoidedAt = &at
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.VoidedBy,
			Action:   "decision.void",
			Entity:   "decision_ledger_entry",
			EntityID: entry.ID.String(),
			Meta: map[string]any{
				"reason": in.Reason,
			},
			At: s.now(),
		})
	}
	return entry, nil
}

// Query returns ledger entries for a plan ordered by decidedAt descending.
func (s *Service) Query(ctx context.Context, planInstanceID uuid.UUID, filter QueryFilter) ([]Entry, shared.Pagination, error) {
	if planInstanceID == uuid.Nil {
		return nil, shared.Pagination{}, fmt.Errorf("ledger: plan instance required: %w", httpx.ErrValidation)
	}
	entries, total, err := s.repo.Query(ctx, planInstanceID, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return entries, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// GetEntry loads a single ledger entry.
func (s *Service) GetEntry(ctx context.Context, entryID uuid.UUID) (Entry, error) {
	return s.repo.GetEntry(ctx, entryID)
}
