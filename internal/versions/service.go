package versions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/shared"
)

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig carries tunables for the version service.
type ServiceConfig struct {
	// ExportKeyPrefix prefixes export artifact storage keys.
	ExportKeyPrefix string
}

// Service exposes read and distribution operations over plan versions.
// Version creation itself happens only inside the finalize transaction.
type Service struct {
	repo  Repository
	cache *Cache
	audit AuditPort
	cfg   ServiceConfig
	now   func() time.Time
}

// NewService constructs a Service instance.
func NewService(repo Repository, cache *Cache, audit AuditPort, cfg ServiceConfig) *Service {
	if cfg.ExportKeyPrefix == "" {
		cfg.ExportKeyPrefix = "plan-exports"
	}
	return &Service{repo: repo, cache: cache, audit: audit, cfg: cfg, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ListVersions returns all versions for a plan ordered by number ascending.
func (s *Service) ListVersions(ctx context.Context, planInstanceID uuid.UUID) ([]PlanVersion, error) {
	return s.repo.ListVersions(ctx, planInstanceID)
}

// GetVersion loads a single version.
func (s *Service) GetVersion(ctx context.Context, versionID uuid.UUID) (PlanVersion, error) {
	return s.repo.GetVersion(ctx, versionID)
}

// LatestVersion returns the highest-numbered version for a plan, served
// from cache when warm.
func (s *Service) LatestVersion(ctx context.Context, planInstanceID uuid.UUID) (PlanVersion, error) {
	return s.cache.FetchLatest(ctx, planInstanceID, func(ctx context.Context) (PlanVersion, error) {
		return s.repo.LatestVersion(ctx, planInstanceID)
	})
}

// NextVersionNumber reports the number the next finalize would assign.
// Informational only; the authoritative computation happens under the
// plan-row lock inside the finalize transaction.
func (s *Service) NextVersionNumber(ctx context.Context, planInstanceID uuid.UUID) (int, error) {
	return s.repo.NextVersionNumber(ctx, planInstanceID)
}

// MarkDistributed transitions a FINAL version to DISTRIBUTED.
func (s *Service) MarkDistributed(ctx context.Context, versionID, byUserID uuid.UUID) (PlanVersion, error) {
	if byUserID == uuid.Nil {
		return PlanVersion{}, fmt.Errorf("versions: distributing user required: %w", httpx.ErrValidation)
	}
	var version PlanVersion
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetVersionForUpdate(ctx, versionID)
		if err != nil {
			return err
		}
		if current.Status != VersionStatusFinal {
			return ErrNotDistributable
		}
		at := s.now()
		if err := tx.MarkDistributed(ctx, versionID, byUserID, at); err != nil {
			return err
		}
		version = current
		version.Status = VersionStatusDistributed
		version.DistributedAt = &at
		version.DistributedBy = &byUserID
		return nil
	})
	if err != nil {
		return PlanVersion{}, err
	}
	_ = s.cache.Invalidate(ctx, version.PlanInstanceID)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  byUserID,
			Action:   "version.distribute",
			Entity:   "plan_version",
			EntityID: version.ID.String(),
			Meta: map[string]any{
				"plan_instance_id": version.PlanInstanceID.String(),
				"version_number":   version.VersionNumber,
			},
			At: s.now(),
		})
	}
	return version, nil
}

// ExportRef describes where the rendered artifact for a version lives.
// Rendering and storage happen outside this core; the key is stable so
// downstream services can generate and fetch independently.
type ExportRef struct {
	VersionID   uuid.UUID
	StorageKey  string
	ContentType string
}

// ExportReference returns the export artifact reference for a version.
func (s *Service) ExportReference(ctx context.Context, versionID uuid.UUID) (ExportRef, error) {
	version, err := s.repo.GetVersion(ctx, versionID)
	if err != nil {
		return ExportRef{}, err
	}
	key := fmt.Sprintf("%s/%s/v%03d/%s.pdf", s.cfg.ExportKeyPrefix, version.PlanInstanceID, version.VersionNumber, version.ID)
	return ExportRef{VersionID: version.ID, StorageKey: key, ContentType: "application/pdf"}, nil
}
