package signatureshttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sagepath/sagepath/internal/observability"
	"github.com/sagepath/sagepath/internal/shared"
	"github.com/sagepath/sagepath/internal/signatures"
)

type stubSignatureService struct {
	openPacketFn          func(context.Context, signatures.OpenPacketInput) (signatures.SignaturePacket, []signatures.SignatureRecord, error)
	getPacketFn           func(context.Context, uuid.UUID) (signatures.SignaturePacket, []signatures.SignatureRecord, error)
	getPacketForVersionFn func(context.Context, uuid.UUID) (signatures.SignaturePacket, []signatures.SignatureRecord, error)
	signFn                func(context.Context, signatures.SignInput) (signatures.SignatureRecord, bool, error)
	declineFn             func(context.Context, signatures.DeclineInput) (signatures.SignatureRecord, error)
	addRecordFn           func(context.Context, signatures.AddRecordInput) (signatures.SignatureRecord, error)
	expireFn              func(context.Context, uuid.UUID) (signatures.SignaturePacket, error)
}

func (s *stubSignatureService) OpenPacket(ctx context.Context, in signatures.OpenPacketInput) (signatures.SignaturePacket, []signatures.SignatureRecord, error) {
	if s.openPacketFn != nil {
		return s.openPacketFn(ctx, in)
	}
	return signatures.SignaturePacket{}, nil, nil
}

func (s *stubSignatureService) GetPacket(ctx context.Context, packetID uuid.UUID) (signatures.SignaturePacket, []signatures.SignatureRecord, error) {
	if s.getPacketFn != nil {
		return s.getPacketFn(ctx, packetID)
	}
	return signatures.SignaturePacket{}, nil, nil
}

func (s *stubSignatureService) GetPacketForVersion(ctx context.Context, planVersionID uuid.UUID) (signatures.SignaturePacket, []signatures.SignatureRecord, error) {
	if s.getPacketForVersionFn != nil {
		return s.getPacketForVersionFn(ctx, planVersionID)
	}
	return signatures.SignaturePacket{}, nil, nil
}

func (s *stubSignatureService) Sign(ctx context.Context, in signatures.SignInput) (signatures.SignatureRecord, bool, error) {
	if s.signFn != nil {
		return s.signFn(ctx, in)
	}
	return signatures.SignatureRecord{}, false, nil
}

func (s *stubSignatureService) Decline(ctx context.Context, in signatures.DeclineInput) (signatures.SignatureRecord, error) {
	if s.declineFn != nil {
		return s.declineFn(ctx, in)
	}
	return signatures.SignatureRecord{}, nil
}

func (s *stubSignatureService) AddRecord(ctx context.Context, in signatures.AddRecordInput) (signatures.SignatureRecord, error) {
	if s.addRecordFn != nil {
		return s.addRecordFn(ctx, in)
	}
	return signatures.SignatureRecord{}, nil
}

func (s *stubSignatureService) Expire(ctx context.Context, packetID uuid.UUID) (signatures.SignaturePacket, error) {
	if s.expireFn != nil {
		return s.expireFn(ctx, packetID)
	}
	return signatures.SignaturePacket{}, nil
}

func newTestHandler(svc *stubSignatureService) (*Handler, *observability.Metrics) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()
	return NewHandler(logger, svc, metrics), metrics
}

func withRouteParams(req *http.Request, pairs ...string) *http.Request {
	routeCtx := chi.NewRouteContext()
	for i := 0; i+1 < len(pairs); i += 2 {
		routeCtx.URLParams.Add(pairs[i], pairs[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func withActor(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: userID, Role: "CASE_MANAGER"}))
}

func TestOpenPacketReturnsCreated(t *testing.T) {
	versionID := uuid.New()
	actorID := uuid.New()
	var captured signatures.OpenPacketInput
	svc := &stubSignatureService{
		openPacketFn: func(ctx context.Context, in signatures.OpenPacketInput) (signatures.SignaturePacket, []signatures.SignatureRecord, error) {
			captured = in
			packet := signatures.SignaturePacket{
				ID:            uuid.New(),
				PlanVersionID: in.PlanVersionID,
				Status:        signatures.PacketStatusOpen,
				RequiredRoles: in.RequiredRoles,
				CreatedBy:     in.CreatedBy,
			}
			return packet, []signatures.SignatureRecord{
				{ID: uuid.New(), PacketID: packet.ID, Role: signatures.RoleParentGuardian, SignerName: "Dana Johnson", Status: signatures.RecordStatusPending},
			}, nil
		},
	}
	handler, _ := newTestHandler(svc)

	body := `{"required_roles":["PARENT_GUARDIAN","CASE_MANAGER"],"signers":[{"role":"PARENT_GUARDIAN","signer_name":"Dana Johnson"}]}`
	req := httptest.NewRequest(http.MethodPost, "/versions/"+versionID.String()+"/signature-packet", strings.NewReader(body))
	req = withRouteParams(req, "versionID", versionID.String())
	req = withActor(req, actorID)

	rr := httptest.NewRecorder()
	handler.handleOpen(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PlanVersionID != versionID {
		t.Fatalf("expected version id %s, got %s", versionID, captured.PlanVersionID)
	}
	if captured.CreatedBy != actorID {
		t.Fatalf("expected created_by from actor, got %s", captured.CreatedBy)
	}
	if len(captured.RequiredRoles) != 2 || len(captured.InitialSigners) != 1 {
		t.Fatalf("unexpected captured input: %+v", captured)
	}
	var resp struct {
		Packet  PacketView   `json:"packet"`
		Records []RecordView `json:"records"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Packet.StatusLabel != "Open" {
		t.Fatalf("unexpected packet status label: %s", resp.Packet.StatusLabel)
	}
	if len(resp.Records) != 1 || resp.Records[0].RoleLabel != "Parent Guardian" {
		t.Fatalf("unexpected records in response: %+v", resp.Records)
	}
}

func TestOpenPacketRequiresActor(t *testing.T) {
	handler, _ := newTestHandler(&stubSignatureService{})
	versionID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/versions/"+versionID.String()+"/signature-packet", strings.NewReader(`{"required_roles":["PARENT_GUARDIAN"]}`))
	req = withRouteParams(req, "versionID", versionID.String())

	rr := httptest.NewRecorder()
	handler.handleOpen(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOpenPacketRejectsEmptyRoles(t *testing.T) {
	handler, _ := newTestHandler(&stubSignatureService{})
	versionID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/versions/"+versionID.String()+"/signature-packet", strings.NewReader(`{"required_roles":[]}`))
	req = withRouteParams(req, "versionID", versionID.String())
	req = withActor(req, uuid.New())

	rr := httptest.NewRecorder()
	handler.handleOpen(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSignRecordsMetricAndReportsCompletion(t *testing.T) {
	packetID := uuid.New()
	recordID := uuid.New()
	var captured signatures.SignInput
	svc := &stubSignatureService{
		signFn: func(ctx context.Context, in signatures.SignInput) (signatures.SignatureRecord, bool, error) {
			captured = in
			return signatures.SignatureRecord{ID: in.RecordID, PacketID: in.PacketID, Role: signatures.RoleParentGuardian, Status: signatures.RecordStatusSigned}, true, nil
		},
	}
	handler, metrics := newTestHandler(svc)

	body := `{"method":"ELECTRONIC","attestation":true}`
	req := httptest.NewRequest(http.MethodPost, "/signature-packets/"+packetID.String()+"/records/"+recordID.String()+"/sign", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:51234"
	req = withRouteParams(req, "packetID", packetID.String(), "recordID", recordID.String())

	rr := httptest.NewRecorder()
	handler.handleSign(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.IPAddress != "203.0.113.9" {
		t.Fatalf("expected client ip without port, got %q", captured.IPAddress)
	}
	var resp struct {
		Record         RecordView `json:"record"`
		PacketComplete bool       `json:"packet_complete"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.PacketComplete {
		t.Fatalf("expected packet_complete true")
	}
	if got := testutil.ToFloat64(metrics.SignaturesTotal.WithLabelValues("signed")); got != 1 {
		t.Fatalf("expected signed counter 1, got %v", got)
	}
}

func TestSignMapsInvalidStateOnClosedPacket(t *testing.T) {
	svc := &stubSignatureService{
		signFn: func(ctx context.Context, in signatures.SignInput) (signatures.SignatureRecord, bool, error) {
			return signatures.SignatureRecord{}, false, signatures.ErrPacketNotOpen
		},
	}
	handler, metrics := newTestHandler(svc)
	packetID := uuid.New()
	recordID := uuid.New()

	body := `{"method":"ELECTRONIC","attestation":true}`
	req := httptest.NewRequest(http.MethodPost, "/signature-packets/"+packetID.String()+"/records/"+recordID.String()+"/sign", strings.NewReader(body))
	req = withRouteParams(req, "packetID", packetID.String(), "recordID", recordID.String())

	rr := httptest.NewRecorder()
	handler.handleSign(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "INVALID_STATE") {
		t.Fatalf("expected INVALID_STATE code in body: %s", rr.Body.String())
	}
	if got := testutil.ToFloat64(metrics.SignaturesTotal.WithLabelValues("signed")); got != 0 {
		t.Fatalf("expected signed counter untouched, got %v", got)
	}
}

func TestDeclineRequiresReason(t *testing.T) {
	handler, _ := newTestHandler(&stubSignatureService{})
	packetID := uuid.New()
	recordID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/signature-packets/"+packetID.String()+"/records/"+recordID.String()+"/decline", strings.NewReader(`{}`))
	req = withRouteParams(req, "packetID", packetID.String(), "recordID", recordID.String())

	rr := httptest.NewRecorder()
	handler.handleDecline(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestDeclineRecordsMetric(t *testing.T) {
	packetID := uuid.New()
	recordID := uuid.New()
	svc := &stubSignatureService{
		declineFn: func(ctx context.Context, in signatures.DeclineInput) (signatures.SignatureRecord, error) {
			return signatures.SignatureRecord{ID: in.RecordID, PacketID: in.PacketID, Role: signatures.RoleParentGuardian, Status: signatures.RecordStatusDeclined, DeclineReason: in.Reason}, nil
		},
	}
	handler, metrics := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/signature-packets/"+packetID.String()+"/records/"+recordID.String()+"/decline", strings.NewReader(`{"reason":"disagree with services"}`))
	req = withRouteParams(req, "packetID", packetID.String(), "recordID", recordID.String())

	rr := httptest.NewRecorder()
	handler.handleDecline(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := testutil.ToFloat64(metrics.SignaturesTotal.WithLabelValues("declined")); got != 1 {
		t.Fatalf("expected declined counter 1, got %v", got)
	}
}

func TestAddRecordReturnsCreated(t *testing.T) {
	packetID := uuid.New()
	svc := &stubSignatureService{
		addRecordFn: func(ctx context.Context, in signatures.AddRecordInput) (signatures.SignatureRecord, error) {
			return signatures.SignatureRecord{ID: uuid.New(), PacketID: in.PacketID, Role: in.Role, SignerName: in.SignerName, Status: signatures.RecordStatusPending}, nil
		},
	}
	handler, _ := newTestHandler(svc)

	body := `{"role":"GENERAL_ED_TEACHER","signer_name":"Riley Park"}`
	req := httptest.NewRequest(http.MethodPost, "/signature-packets/"+packetID.String()+"/records", strings.NewReader(body))
	req = withRouteParams(req, "packetID", packetID.String())
	req = withActor(req, uuid.New())

	rr := httptest.NewRecorder()
	handler.handleAddRecord(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGetPacketMapsNotFound(t *testing.T) {
	svc := &stubSignatureService{
		getPacketFn: func(ctx context.Context, packetID uuid.UUID) (signatures.SignaturePacket, []signatures.SignatureRecord, error) {
			return signatures.SignaturePacket{}, nil, signatures.ErrPacketNotFound
		},
	}
	handler, _ := newTestHandler(svc)
	packetID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/signature-packets/"+packetID.String(), nil)
	req = withRouteParams(req, "packetID", packetID.String())

	rr := httptest.NewRecorder()
	handler.handleGet(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestExpireRecordsMetric(t *testing.T) {
	packetID := uuid.New()
	svc := &stubSignatureService{
		expireFn: func(ctx context.Context, id uuid.UUID) (signatures.SignaturePacket, error) {
			return signatures.SignaturePacket{ID: id, Status: signatures.PacketStatusExpired}, nil
		},
	}
	handler, metrics := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/signature-packets/"+packetID.String()+"/expire", nil)
	req = withRouteParams(req, "packetID", packetID.String())
	req = withActor(req, uuid.New())

	rr := httptest.NewRecorder()
	handler.handleExpire(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := testutil.ToFloat64(metrics.PacketsExpired); got != 1 {
		t.Fatalf("expected expired counter 1, got %v", got)
	}
}
