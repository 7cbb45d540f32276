package versionshttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/shared"
	"github.com/sagepath/sagepath/internal/versions"
)

// VersionService defines the business contract for plan versions.
type VersionService interface {
	ListVersions(ctx context.Context, planInstanceID uuid.UUID) ([]versions.PlanVersion, error)
	GetVersion(ctx context.Context, versionID uuid.UUID) (versions.PlanVersion, error)
	LatestVersion(ctx context.Context, planInstanceID uuid.UUID) (versions.PlanVersion, error)
	MarkDistributed(ctx context.Context, versionID, byUserID uuid.UUID) (versions.PlanVersion, error)
	ExportReference(ctx context.Context, versionID uuid.UUID) (versions.ExportRef, error)
}

// Handler wires HTTP endpoints for plan versions.
type Handler struct {
	logger  *slog.Logger
	service VersionService
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service VersionService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers version routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/plans/{planID}/versions", h.handleList)
	r.Get("/plans/{planID}/versions/latest", h.handleLatest)
	r.Get("/versions/{versionID}", h.handleGet)
	r.Post("/versions/{versionID}/distribute", h.handleDistribute)
	r.Get("/versions/{versionID}/export", h.handleExport)
}

// VersionView is the API shape of a plan version.
type VersionView struct {
	ID             uuid.UUID  `json:"id"`
	PlanInstanceID uuid.UUID  `json:"plan_instance_id"`
	VersionNumber  int        `json:"version_number"`
	Status         string     `json:"status"`
	StatusLabel    string     `json:"status_label"`
	VersionNotes   string     `json:"version_notes,omitempty"`
	FinalizedAt    time.Time  `json:"finalized_at"`
	FinalizedBy    uuid.UUID  `json:"finalized_by"`
	DistributedAt  *time.Time `json:"distributed_at,omitempty"`
	DistributedBy  *uuid.UUID `json:"distributed_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewVersionView maps a domain version to its API shape.
func NewVersionView(v versions.PlanVersion) VersionView {
	return VersionView{
		ID:             v.ID,
		PlanInstanceID: v.PlanInstanceID,
		VersionNumber:  v.VersionNumber,
		Status:         string(v.Status),
		StatusLabel:    shared.Humanize(string(v.Status)),
		VersionNotes:   v.VersionNotes,
		FinalizedAt:    v.FinalizedAt,
		FinalizedBy:    v.FinalizedBy,
		DistributedAt:  v.DistributedAt,
		DistributedBy:  v.DistributedBy,
		CreatedAt:      v.CreatedAt,
	}
}

type versionDetail struct {
	VersionView
	Snapshot any `json:"snapshot"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "planID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed plan id")
		return
	}
	list, err := h.service.ListVersions(r.Context(), planID)
	if err != nil {
		h.logger.Error("list versions", slog.String("plan_id", planID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]VersionView, 0, len(list))
	for _, v := range list {
		views = append(views, NewVersionView(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"versions": views})
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "planID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed plan id")
		return
	}
	version, err := h.service.LatestVersion(r.Context(), planID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, versionDetail{VersionView: NewVersionView(version), Snapshot: version.Snapshot})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed version id")
		return
	}
	version, err := h.service.GetVersion(r.Context(), versionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, versionDetail{VersionView: NewVersionView(version), Snapshot: version.Snapshot})
}

func (h *Handler) handleDistribute(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed version id")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	version, err := h.service.MarkDistributed(r.Context(), versionID, actor.UserID)
	if err != nil {
		h.logger.Warn("distribute version", slog.String("version_id", versionID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewVersionView(version))
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed version id")
		return
	}
	ref, err := h.service.ExportReference(r.Context(), versionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"version_id":   ref.VersionID,
		"storage_key":  ref.StorageKey,
		"content_type": ref.ContentType,
	})
}
