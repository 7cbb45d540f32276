package versionshttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sagepath/sagepath/internal/shared"
	"github.com/sagepath/sagepath/internal/versions"
)

type stubVersionService struct {
	listVersionsFn    func(context.Context, uuid.UUID) ([]versions.PlanVersion, error)
	getVersionFn      func(context.Context, uuid.UUID) (versions.PlanVersion, error)
	latestVersionFn   func(context.Context, uuid.UUID) (versions.PlanVersion, error)
	markDistributedFn func(context.Context, uuid.UUID, uuid.UUID) (versions.PlanVersion, error)
	exportReferenceFn func(context.Context, uuid.UUID) (versions.ExportRef, error)
}

func (s *stubVersionService) ListVersions(ctx context.Context, planInstanceID uuid.UUID) ([]versions.PlanVersion, error) {
	if s.listVersionsFn != nil {
		return s.listVersionsFn(ctx, planInstanceID)
	}
	return nil, nil
}

func (s *stubVersionService) GetVersion(ctx context.Context, versionID uuid.UUID) (versions.PlanVersion, error) {
	if s.getVersionFn != nil {
		return s.getVersionFn(ctx, versionID)
	}
	return versions.PlanVersion{}, nil
}

func (s *stubVersionService) LatestVersion(ctx context.Context, planInstanceID uuid.UUID) (versions.PlanVersion, error) {
	if s.latestVersionFn != nil {
		return s.latestVersionFn(ctx, planInstanceID)
	}
	return versions.PlanVersion{}, nil
}

func (s *stubVersionService) MarkDistributed(ctx context.Context, versionID, byUserID uuid.UUID) (versions.PlanVersion, error) {
	if s.markDistributedFn != nil {
		return s.markDistributedFn(ctx, versionID, byUserID)
	}
	return versions.PlanVersion{}, nil
}

func (s *stubVersionService) ExportReference(ctx context.Context, versionID uuid.UUID) (versions.ExportRef, error) {
	if s.exportReferenceFn != nil {
		return s.exportReferenceFn(ctx, versionID)
	}
	return versions.ExportRef{}, nil
}

func newTestHandler(svc *stubVersionService) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(logger, svc)
}

func withRouteParam(req *http.Request, key, value string) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func TestListVersionsReturnsViews(t *testing.T) {
	planID := uuid.New()
	svc := &stubVersionService{
		listVersionsFn: func(ctx context.Context, id uuid.UUID) ([]versions.PlanVersion, error) {
			if id != planID {
				t.Fatalf("expected plan id %s, got %s", planID, id)
			}
			return []versions.PlanVersion{
				{ID: uuid.New(), PlanInstanceID: id, VersionNumber: 2, Status: versions.VersionStatusFinal},
				{ID: uuid.New(), PlanInstanceID: id, VersionNumber: 1, Status: versions.VersionStatusSuperseded},
			}, nil
		},
	}
	handler := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/plans/"+planID.String()+"/versions", nil)
	req = withRouteParam(req, "planID", planID.String())

	rr := httptest.NewRecorder()
	handler.handleList(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp struct {
		Versions []VersionView `json:"versions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(resp.Versions))
	}
	if resp.Versions[1].StatusLabel != "Superseded" {
		t.Fatalf("unexpected status label: %s", resp.Versions[1].StatusLabel)
	}
}

func TestLatestVersionIncludesSnapshot(t *testing.T) {
	planID := uuid.New()
	svc := &stubVersionService{
		latestVersionFn: func(ctx context.Context, id uuid.UUID) (versions.PlanVersion, error) {
			return versions.PlanVersion{
				ID:             uuid.New(),
				PlanInstanceID: id,
				VersionNumber:  3,
				Status:         versions.VersionStatusFinal,
				Snapshot:       json.RawMessage(`{"goals":["reading fluency"]}`),
				FinalizedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
				FinalizedBy:    uuid.New(),
			}, nil
		},
	}
	handler := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/plans/"+planID.String()+"/versions/latest", nil)
	req = withRouteParam(req, "planID", planID.String())

	rr := httptest.NewRecorder()
	handler.handleLatest(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "reading fluency") {
		t.Fatalf("expected snapshot content in response: %s", rr.Body.String())
	}
}

func TestLatestVersionMapsNotFound(t *testing.T) {
	svc := &stubVersionService{
		latestVersionFn: func(ctx context.Context, id uuid.UUID) (versions.PlanVersion, error) {
			return versions.PlanVersion{}, versions.ErrVersionNotFound
		},
	}
	handler := newTestHandler(svc)
	planID := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/plans/"+planID.String()+"/versions/latest", nil)
	req = withRouteParam(req, "planID", planID.String())

	rr := httptest.NewRecorder()
	handler.handleLatest(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestDistributeRequiresActor(t *testing.T) {
	handler := newTestHandler(&stubVersionService{})
	versionID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/versions/"+versionID.String()+"/distribute", nil)
	req = withRouteParam(req, "versionID", versionID.String())

	rr := httptest.NewRecorder()
	handler.handleDistribute(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestDistributePassesActorAndReturnsView(t *testing.T) {
	versionID := uuid.New()
	actorID := uuid.New()
	distributedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc := &stubVersionService{
		markDistributedFn: func(ctx context.Context, id, byUserID uuid.UUID) (versions.PlanVersion, error) {
			if id != versionID {
				t.Fatalf("expected version id %s, got %s", versionID, id)
			}
			if byUserID != actorID {
				t.Fatalf("expected actor id %s, got %s", actorID, byUserID)
			}
			return versions.PlanVersion{
				ID:            id,
				VersionNumber: 1,
				Status:        versions.VersionStatusDistributed,
				DistributedAt: &distributedAt,
				DistributedBy: &byUserID,
			}, nil
		},
	}
	handler := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/versions/"+versionID.String()+"/distribute", nil)
	req = withRouteParam(req, "versionID", versionID.String())
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: actorID, Role: "CASE_MANAGER"}))

	rr := httptest.NewRecorder()
	handler.handleDistribute(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var view VersionView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Status != string(versions.VersionStatusDistributed) {
		t.Fatalf("unexpected status: %s", view.Status)
	}
	if view.DistributedAt == nil || !view.DistributedAt.Equal(distributedAt) {
		t.Fatalf("expected distributed_at in view, got %+v", view.DistributedAt)
	}
}

func TestDistributeMapsInvalidState(t *testing.T) {
	svc := &stubVersionService{
		markDistributedFn: func(ctx context.Context, id, byUserID uuid.UUID) (versions.PlanVersion, error) {
			return versions.PlanVersion{}, versions.ErrNotDistributable
		},
	}
	handler := newTestHandler(svc)
	versionID := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/versions/"+versionID.String()+"/distribute", nil)
	req = withRouteParam(req, "versionID", versionID.String())
	req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{UserID: uuid.New()}))

	rr := httptest.NewRecorder()
	handler.handleDistribute(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "INVALID_STATE") {
		t.Fatalf("expected INVALID_STATE code in body: %s", rr.Body.String())
	}
}

func TestExportReturnsStorageKey(t *testing.T) {
	versionID := uuid.New()
	svc := &stubVersionService{
		exportReferenceFn: func(ctx context.Context, id uuid.UUID) (versions.ExportRef, error) {
			return versions.ExportRef{
				VersionID:   id,
				StorageKey:  "plan-exports/abc/v003/" + id.String() + ".pdf",
				ContentType: "application/pdf",
			}, nil
		},
	}
	handler := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/versions/"+versionID.String()+"/export", nil)
	req = withRouteParam(req, "versionID", versionID.String())

	rr := httptest.NewRecorder()
	handler.handleExport(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "v003") {
		t.Fatalf("expected storage key in response: %s", rr.Body.String())
	}
}

func TestGetVersionRejectsMalformedID(t *testing.T) {
	handler := newTestHandler(&stubVersionService{})

	req := httptest.NewRequest(http.MethodGet, "/versions/nope", nil)
	req = withRouteParam(req, "versionID", "nope")

	rr := httptest.NewRecorder()
	handler.handleGet(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}
