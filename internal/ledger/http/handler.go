package ledgerhttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/ledger"
	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/shared"
)

// LedgerService defines the business contract for the decision ledger.
type LedgerService interface {
	Record(ctx context.Context, in ledger.RecordInput) (ledger.Entry, error)
	Void(ctx context.Context, in ledger.VoidInput) (ledger.Entry, error)
	Query(ctx context.Context, planInstanceID uuid.UUID, filter ledger.QueryFilter) ([]ledger.Entry, shared.Pagination, error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (ledger.Entry, error)
}

// Handler wires HTTP endpoints for the decision ledger.
type Handler struct {
	logger    *slog.Logger
	service   LedgerService
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service LedgerService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/plans/{planID}/decisions", h.handleRecord)
	r.Get("/plans/{planID}/decisions", h.handleQuery)
	r.Get("/decisions/{entryID}", h.handleGet)
	r.Post("/decisions/{entryID}/void", h.handleVoid)
}

// EntryView is the API shape of a ledger entry.
type EntryView struct {
	ID                uuid.UUID  `json:"id"`
	PlanInstanceID    uuid.UUID  `json:"plan_instance_id"`
	PlanVersionID     *uuid.UUID `json:"plan_version_id,omitempty"`
	MeetingID         *uuid.UUID `json:"meeting_id,omitempty"`
	Type              string     `json:"type"`
	TypeLabel         string     `json:"type_label"`
	SectionKey        string     `json:"section_key,omitempty"`
	Summary           string     `json:"summary"`
	Rationale         string     `json:"rationale"`
	OptionsConsidered string     `json:"options_considered,omitempty"`
	Participants      []string   `json:"participants,omitempty"`
	DecidedAt         time.Time  `json:"decided_at"`
	DecidedBy         uuid.UUID  `json:"decided_by"`
	Status            string     `json:"status"`
	StatusLabel       string     `json:"status_label"`
	VoidedAt          *time.Time `json:"voided_at,omitempty"`
	VoidedBy          *uuid.UUID `json:"voided_by,omitempty"`
	VoidReason        string     `json:"void_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// NewEntryView maps a domain entry to its API shape.
func NewEntryView(e ledger.Entry) EntryView {
	return EntryView{
		ID:                e.ID,
		PlanInstanceID:    e.PlanInstanceID,
		PlanVersionID:     e.PlanVersionID,
		MeetingID:         e.MeetingID,
		Type:              string(e.Type),
		TypeLabel:         shared.Humanize(string(e.Type)),
		SectionKey:        e.SectionKey,
		Summary:           e.Summary,
		Rationale:         e.Rationale,
		OptionsConsidered: e.OptionsConsidered,
		Participants:      e.Participants,
		DecidedAt:         e.DecidedAt,
		DecidedBy:         e.DecidedBy,
		Status:            string(e.Status),
		StatusLabel:       shared.Humanize(string(e.Status)),
		VoidedAt:          e.VoidedAt,
		VoidedBy:          e.VoidedBy,
		VoidReason:        e.VoidReason,
		CreatedAt:         e.CreatedAt,
	}
}

type recordDecisionRequest struct {
	Type              string     `json:"type" validate:"required"`
	Summary           string     `json:"summary" validate:"required"`
	Rationale         string     `json:"rationale" validate:"required"`
	SectionKey        string     `json:"section_key"`
	OptionsConsidered string     `json:"options_considered"`
	Participants      []string   `json:"participants"`
	MeetingID         *uuid.UUID `json:"meeting_id"`
	PlanVersionID     *uuid.UUID `json:"plan_version_id"`
	DecidedAt         *time.Time `json:"decided_at"`
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "planID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed plan id")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req recordDecisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.Record(r.Context(), ledger.RecordInput{
		PlanInstanceID:    planID,
		Type:              ledger.DecisionType(req.Type),
		Summary:           req.Summary,
		Rationale:         req.Rationale,
		DecidedBy:         actor.UserID,
		SectionKey:        req.SectionKey,
		OptionsConsidered: req.OptionsConsidered,
		Participants:      req.Participants,
		MeetingID:         req.MeetingID,
		PlanVersionID:     req.PlanVersionID,
		DecidedAt:         req.DecidedAt,
	})
	if err != nil {
		h.logger.Warn("record decision", slog.String("plan_id", planID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, NewEntryView(entry))
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(chi.URLParam(r, "planID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed plan id")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, pagination, err := h.service.Query(r.Context(), planID, filter)
	if err != nil {
		h.logger.Error("query decisions", slog.String("plan_id", planID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, NewEntryView(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"decisions": views,
		"pagination": map[string]int{
			"page":        pagination.Page,
			"per_page":    pagination.PerPage,
			"total":       pagination.Total,
			"total_pages": pagination.TotalPages,
		},
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed entry id")
		return
	}
	entry, err := h.service.GetEntry(r.Context(), entryID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewEntryView(entry))
}

type voidDecisionRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	entryID, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed entry id")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req voidDecisionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.Void(r.Context(), ledger.VoidInput{EntryID: entryID, Reason: req.Reason, VoidedBy: actor.UserID})
	if err != nil {
		h.logger.Warn("void decision", slog.String("entry_id", entryID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, NewEntryView(entry))
}

func parseFilter(r *http.Request) (ledger.QueryFilter, error) {
	var filter ledger.QueryFilter
	q := r.URL.Query()
	if raw := q.Get("type"); raw != "" {
		t := ledger.DecisionType(raw)
		filter.Type = &t
	}
	if raw := q.Get("status"); raw != "" {
		s := ledger.EntryStatus(raw)
		filter.Status = &s
	}
	if raw := q.Get("section_key"); raw != "" {
		filter.SectionKey = &raw
	}
	if raw := q.Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return filter, httpx.ErrValidation
		}
		filter.Page = page
	}
	if raw := q.Get("per_page"); raw != "" {
		perPage, err := strconv.Atoi(raw)
		if err != nil || perPage < 1 || perPage > 200 {
			return filter, httpx.ErrValidation
		}
		filter.PerPage = perPage
	}
	return filter, nil
}
