package signatureshttp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/observability"
	"github.com/sagepath/sagepath/internal/platform/httpx"
	"github.com/sagepath/sagepath/internal/shared"
	"github.com/sagepath/sagepath/internal/signatures"
)

// SignatureService defines the business contract for the signature workflow.
type SignatureService interface {
	OpenPacket(ctx context.Context, in signatures.OpenPacketInput) (signatures.SignaturePacket, []signatures.SignatureRecord, error)
	GetPacket(ctx context.Context, packetID uuid.UUID) (signatures.SignaturePacket, []signatures.SignatureRecord, error)
	GetPacketForVersion(ctx context.Context, planVersionID uuid.UUID) (signatures.SignaturePacket, []signatures.SignatureRecord, error)
	Sign(ctx context.Context, in signatures.SignInput) (signatures.SignatureRecord, bool, error)
	Decline(ctx context.Context, in signatures.DeclineInput) (signatures.SignatureRecord, error)
	AddRecord(ctx context.Context, in signatures.AddRecordInput) (signatures.SignatureRecord, error)
	Expire(ctx context.Context, packetID uuid.UUID) (signatures.SignaturePacket, error)
}

// Handler wires HTTP endpoints for signature packets.
type Handler struct {
	logger    *slog.Logger
	service   SignatureService
	metrics   *observability.Metrics
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service SignatureService, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, metrics: metrics, validator: validator.New()}
}

// MountRoutes registers signature routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/versions/{versionID}/signature-packet", h.handleOpen)
	r.Get("/versions/{versionID}/signature-packet", h.handleGetForVersion)
	r.Get("/signature-packets/{packetID}", h.handleGet)
	r.Post("/signature-packets/{packetID}/records", h.handleAddRecord)
	r.Post("/signature-packets/{packetID}/records/{recordID}/sign", h.handleSign)
	r.Post("/signature-packets/{packetID}/records/{recordID}/decline", h.handleDecline)
	r.Post("/signature-packets/{packetID}/expire", h.handleExpire)
}

// PacketView is the API shape of a signature packet.
type PacketView struct {
	ID            uuid.UUID  `json:"id"`
	PlanVersionID uuid.UUID  `json:"plan_version_id"`
	Status        string     `json:"status"`
	StatusLabel   string     `json:"status_label"`
	RequiredRoles []string   `json:"required_roles"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedBy     uuid.UUID  `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewPacketView maps a domain packet to its API shape.
func NewPacketView(p signatures.SignaturePacket) PacketView {
	roles := make([]string, 0, len(p.RequiredRoles))
	for _, role := range p.RequiredRoles {
		roles = append(roles, string(role))
	}
	return PacketView{
		ID:            p.ID,
		PlanVersionID: p.PlanVersionID,
		Status:        string(p.Status),
		StatusLabel:   shared.Humanize(string(p.Status)),
		RequiredRoles: roles,
		ExpiresAt:     p.ExpiresAt,
		CompletedAt:   p.CompletedAt,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     p.CreatedAt,
	}
}

// RecordView is the API shape of a signature record.
type RecordView struct {
	ID            uuid.UUID  `json:"id"`
	PacketID      uuid.UUID  `json:"packet_id"`
	Role          string     `json:"role"`
	RoleLabel     string     `json:"role_label"`
	SignerUserID  *uuid.UUID `json:"signer_user_id,omitempty"`
	SignerName    string     `json:"signer_name"`
	SignerEmail   string     `json:"signer_email,omitempty"`
	SignerTitle   string     `json:"signer_title,omitempty"`
	Method        *string    `json:"method,omitempty"`
	Status        string     `json:"status"`
	StatusLabel   string     `json:"status_label"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	DeclinedAt    *time.Time `json:"declined_at,omitempty"`
	DeclineReason string     `json:"decline_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewRecordView maps a domain record to its API shape.
func NewRecordView(rec signatures.SignatureRecord) RecordView {
	var method *string
	if rec.Method != nil {
		m := string(*rec.Method)
		method = &m
	}
	return RecordView{
		ID:            rec.ID,
		PacketID:      rec.PacketID,
		Role:          string(rec.Role),
		RoleLabel:     shared.Humanize(string(rec.Role)),
		SignerUserID:  rec.SignerUserID,
		SignerName:    rec.SignerName,
		SignerEmail:   rec.SignerEmail,
		SignerTitle:   rec.SignerTitle,
		Method:        method,
		Status:        string(rec.Status),
		StatusLabel:   shared.Humanize(string(rec.Status)),
		SignedAt:      rec.SignedAt,
		DeclinedAt:    rec.DeclinedAt,
		DeclineReason: rec.DeclineReason,
		CreatedAt:     rec.CreatedAt,
	}
}

func packetResponse(packet signatures.SignaturePacket, records []signatures.SignatureRecord) map[string]any {
	views := make([]RecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, NewRecordView(rec))
	}
	return map[string]any{"packet": NewPacketView(packet), "records": views}
}

type signerRequest struct {
	Role         string     `json:"role" validate:"required"`
	SignerName   string     `json:"signer_name" validate:"required"`
	SignerEmail  string     `json:"signer_email" validate:"omitempty,email"`
	SignerTitle  string     `json:"signer_title"`
	SignerUserID *uuid.UUID `json:"signer_user_id"`
}

func (req signerRequest) toInput() signatures.SignerInput {
	return signatures.SignerInput{
		Role:         signatures.Role(req.Role),
		SignerName:   req.SignerName,
		SignerEmail:  req.SignerEmail,
		SignerTitle:  req.SignerTitle,
		SignerUserID: req.SignerUserID,
	}
}

type openPacketRequest struct {
	RequiredRoles []string        `json:"required_roles" validate:"required,min=1"`
	ExpiresAt     *time.Time      `json:"expires_at"`
	Signers       []signerRequest `json:"signers" validate:"dive"`
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
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
	var req openPacketRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
		return
	}
	roles := make([]signatures.Role, 0, len(req.RequiredRoles))
	for _, role := range req.RequiredRoles {
		roles = append(roles, signatures.Role(role))
	}
	signers := make([]signatures.SignerInput, 0, len(req.Signers))
	for _, signer := range req.Signers {
		signers = append(signers, signer.toInput())
	}
	packet, records, err := h.service.OpenPacket(r.Context(), signatures.OpenPacketInput{
		PlanVersionID:  versionID,
		RequiredRoles:  roles,
		ExpiresAt:      req.ExpiresAt,
		CreatedBy:      actor.UserID,
		InitialSigners: signers,
	})
	if err != nil {
		h.logger.Warn("open packet", slog.String("version_id", versionID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, packetResponse(packet, records))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	packetID, err := uuid.Parse(chi.URLParam(r, "packetID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed packet id")
		return
	}
	packet, records, err := h.service.GetPacket(r.Context(), packetID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, packetResponse(packet, records))
}

func (h *Handler) handleGetForVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed version id")
		return
	}
	packet, records, err := h.service.GetPacketForVersion(r.Context(), versionID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, packetResponse(packet, records))
}

func (h *Handler) handleAddRecord(w http.ResponseWriter, r *http.Request) {
	packetID, err := uuid.Parse(chi.URLParam(r, "packetID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed packet id")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req signerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
		return
	}
	record, err := h.service.AddRecord(r.Context(), signatures.AddRecordInput{
		PacketID:     packetID,
		Role:         signatures.Role(req.Role),
		SignerName:   req.SignerName,
		SignerEmail:  req.SignerEmail,
		SignerTitle:  req.SignerTitle,
		SignerUserID: req.SignerUserID,
	})
	if err != nil {
		h.logger.Warn("add signer", slog.String("packet_id", packetID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, NewRecordView(record))
}

type signRequest struct {
	Method      string `json:"method" validate:"required"`
	SignerName  string `json:"signer_name"`
	Attestation bool   `json:"attestation"`
}

func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	packetID, recordID, ok := packetRecordIDs(w, r)
	if !ok {
		return
	}
	var req signRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
		return
	}
	record, complete, err := h.service.Sign(r.Context(), signatures.SignInput{
		PacketID:    packetID,
		RecordID:    recordID,
		Method:      signatures.Method(req.Method),
		SignerName:  req.SignerName,
		Attestation: req.Attestation,
		IPAddress:   clientIP(r),
	})
	if err != nil {
		h.logger.Warn("sign record", slog.String("record_id", recordID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SignaturesTotal.WithLabelValues("signed").Inc()
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"record":          NewRecordView(record),
		"packet_complete": complete,
	})
}

type declineRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) handleDecline(w http.ResponseWriter, r *http.Request) {
	packetID, recordID, ok := packetRecordIDs(w, r)
	if !ok {
		return
	}
	var req declineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", err.Error())
		return
	}
	record, err := h.service.Decline(r.Context(), signatures.DeclineInput{
		PacketID: packetID,
		RecordID: recordID,
		Reason:   req.Reason,
	})
	if err != nil {
		h.logger.Warn("decline record", slog.String("record_id", recordID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SignaturesTotal.WithLabelValues("declined").Inc()
	}
	httpx.JSON(w, http.StatusOK, NewRecordView(record))
}

func (h *Handler) handleExpire(w http.ResponseWriter, r *http.Request) {
	packetID, err := uuid.Parse(chi.URLParam(r, "packetID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed packet id")
		return
	}
	actor := shared.ActorFromContext(r.Context())
	if !actor.Valid() {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	packet, err := h.service.Expire(r.Context(), packetID)
	if err != nil {
		h.logger.Warn("expire packet", slog.String("packet_id", packetID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.PacketsExpired.Inc()
	}
	httpx.JSON(w, http.StatusOK, NewPacketView(packet))
}

func packetRecordIDs(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	packetID, err := uuid.Parse(chi.URLParam(r, "packetID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed packet id")
		return uuid.Nil, uuid.Nil, false
	}
	recordID, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		httpx.ProblemCode(w, http.StatusBadRequest, "VALIDATION", "Validation Failed", "malformed record id")
		return uuid.Nil, uuid.Nil, false
	}
	return packetID, recordID, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
