package finalizehttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/finalize"
	"github.com/sagepath/sagepath/internal/ledger"
	ledgerhttp "github.com/sagepath/sagepath/internal/ledger/http"
	"github.com/sagepath/sagepath/internal/observability"
	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/shared"
	"github.com/sagepath/sagepath/internal/signatures"
	signatureshttp "github.com/sagepath/sagepath/internal/signatures/http"
	versionshttp "github.com/sagepath/sagepath/internal/versions/http"
)

// HeaderIdempotencyKey guards finalize against request replays.
const HeaderIdempotencyKey = "Idempotency-Key"

// FinalizeService defines the business contract for plan finalization.
type FinalizeService interface {
	Finalize(ctx context.Context, in finalize.FinalizeInput) (finalize.FinalizeResult, error)
}

// Handler wires the finalize endpoint.
type Handler struct {
	logger    *slog.Logger
	service   FinalizeService
	metrics   *observability.Metrics
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service FinalizeService, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, metrics: metrics, validator: validator.New()}
}

// MountRoutes registers the finalize route on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/plans/{planID}/finalize", h.handleFinalize)
}

type decisionRequest struct {
	Type              string     `json:"type" validate:"required"`
	Summary           string     `json:"summary" validate:"required"`
	Rationale         string     `json:"rationale" validate:"required"`
	SectionKey        string     `json:"section_key"`
	OptionsConsidered string     `json:"options_considered"`
	Participants      []string   `json:"participants"`
	MeetingID         *uuid.UUID `json:"meeting_id"`
	DecidedAt         *time.Time `json:"decided_at"`
}

type signerRequest struct {
	Role         string     `json:"role" validate:"required"`
	SignerName   string     `json:"signer_name" validate:"required"`
	SignerEmail  string     `json:"signer_email" validate:"omitempty,email"`
	SignerTitle  string     `json:"signer_title"`
	SignerUserID *uuid.UUID `json:"signer_user_id"`
}

type packetRequest struct {
	RequiredRoles []string        `json:"required_roles" validate:"required,min=1"`
	ExpiresAt     *time.Time      `json:"expires_at"`
	Signers       []signerRequest `json:"signers" validate:"dive"`
}

type finalizeRequest struct {
	VersionNotes    string            `json:"version_notes"`
	Decisions       []decisionRequest `json:"decisions" validate:"dive"`
	SignaturePacket *packetRequest    `json:"signature_packet"`
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
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
	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
		return
	}

	in := finalize.FinalizeInput{
		PlanInstanceID: planID,
		FinalizedBy:    actor.UserID,
		VersionNotes:   req.VersionNotes,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	}
	for _, d := range req.Decisions {
		in.Decisions = append(in.Decisions, finalize.DecisionInput{
			Type:              ledger.DecisionType(d.Type),
			Summary:           d.Summary,
			Rationale:         d.Rationale,
			SectionKey:        d.SectionKey,
			OptionsConsidered: d.OptionsConsidered,
			Participants:      d.Participants,
			MeetingID:         d.MeetingID,
			DecidedAt:         d.DecidedAt,
		})
	}
	if req.SignaturePacket != nil {
		in.CreateSignaturePacket = true
		in.SignatureExpiresAt = req.SignaturePacket.ExpiresAt
		for _, role := range req.SignaturePacket.RequiredRoles {
			in.RequiredSignatureRoles = append(in.RequiredSignatureRoles, signatures.Role(role))
		}
		for _, signer := range req.SignaturePacket.Signers {
			in.InitialSigners = append(in.InitialSigners, signatures.SignerInput{
				Role:         signatures.Role(signer.Role),
				SignerName:   signer.SignerName,
				SignerEmail:  signer.SignerEmail,
				SignerTitle:  signer.SignerTitle,
				SignerUserID: signer.SignerUserID,
			})
		}
	}

	result, err := h.service.Finalize(r.Context(), in)
	if err != nil {
		if h.metrics != nil {
			h.metrics.FinalizationsTotal.WithLabelValues("failure").Inc()
		}
		h.logger.Warn("finalize plan", slog.String("plan_id", planID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.FinalizationsTotal.WithLabelValues("success").Inc()
	}

	decisions := make([]ledgerhttp.EntryView, 0, len(result.Decisions))
	for _, entry := range result.Decisions {
		decisions = append(decisions, ledgerhttp.NewEntryView(entry))
	}
	body := map[string]any{
		"version":    versionshttp.NewVersionView(result.Version),
		"decisions":  decisions,
		"superseded": result.Superseded,
	}
	if result.Packet != nil {
		records := make([]signatureshttp.RecordView, 0, len(result.Records))
		for _, rec := range result.Records {
			records = append(records, signatureshttp.NewRecordView(rec))
		}
		body["packet"] = signatureshttp.NewPacketView(*result.Packet)
		body["records"] = records
	}
	httpx.JSON(w, http.StatusCreated, body)
}
