package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/fieldscore/scoring-engine/internal/middleware"
	"github.com/fieldscore/scoring-engine/internal/model"
	"github.com/fieldscore/scoring-engine/internal/repository"
	"github.com/fieldscore/scoring-engine/internal/service"
)

type stubEngine struct {
	recordEntry *model.LedgerEntry
	recordErr   error
	recorded    []model.ActionType

	profileResp *model.Profile
	profileErr  error

	leaderboardResp []model.LeaderboardEntry
	leaderboardErr  error

	complianceResp *model.ComplianceSummary
	complianceErr  error

	badgesResp []model.BadgeSummary
	badgesErr  error

	rulesResp []model.PointRule
	rulesErr  error

	updateRuleErr error
}

func (s *stubEngine) RecordAction(ctx context.Context, tenantID int64, actionType model.ActionType, actorID int64, entityType string, entityID int64, isFirstAttempt bool) (*model.LedgerEntry, error) {
	s.recorded = append(s.recorded, actionType)
	return s.recordEntry, s.recordErr
}

func (s *stubEngine) GetProfile(ctx context.Context, tenantID, userID int64) (*model.Profile, error) {
	return s.profileResp, s.profileErr
}

func (s *stubEngine) BuildLeaderboard(ctx context.Context, tenantID int64, typ model.LeaderboardType, period model.Period, filters model.LeaderboardFilters) ([]model.LeaderboardEntry, error) {
	return s.leaderboardResp, s.leaderboardErr
}

func (s *stubEngine) GetStoreCompliance(ctx context.Context, tenantID, storeID int64) (*model.ComplianceSummary, error) {
	return s.complianceResp, s.complianceErr
}

func (s *stubEngine) ListBadges(ctx context.Context, tenantID, userID int64) ([]model.BadgeSummary, error) {
	return s.badgesResp, s.badgesErr
}

func (s *stubEngine) ListPointRules(ctx context.Context, tenantID int64) ([]model.PointRule, error) {
	return s.rulesResp, s.rulesErr
}

func (s *stubEngine) UpdatePointRule(ctx context.Context, tenantID int64, actionType model.ActionType, points int64, description string, actorID int64) error {
	return s.updateRuleErr
}

func newTestHandler(t *testing.T, e Engine) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewServiceAuth("test-secret")

	return NewHandler(e, logger, auth)
}

func authedRequest(h *Handler, method, target string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+h.auth.Token(1))
	return req
}

func TestRecordAction_Accepted(t *testing.T) {
	e := &stubEngine{
		recordEntry: &model.LedgerEntry{ID: 7, TenantID: 1, ActorID: 42, Points: 10},
	}
	h := newTestHandler(t, e)
	router := h.SetupRouter()

	body, _ := json.Marshal(recordActionRequest{
		ActionType: "TASK_COMPLETED",
		ActorID:    42,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodPost, "/api/engine/actions", body))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if len(e.recorded) != 1 || e.recorded[0] != "TASK_COMPLETED" {
		t.Fatalf("recorded actions = %v", e.recorded)
	}
}

func TestRecordAction_UnconfiguredActionIsOK(t *testing.T) {
	// Движок вернул nil без ошибки: событие без правила.
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	body, _ := json.Marshal(recordActionRequest{
		ActionType: "UNKNOWN_EVENT",
		ActorID:    42,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodPost, "/api/engine/actions", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRecordAction_BadRequestOnInvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{broken")},
		{"missing actor", mustJSON(t, recordActionRequest{ActionType: "TASK_COMPLETED"})},
		{"lowercase action", mustJSON(t, recordActionRequest{ActionType: "task_completed", ActorID: 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(h, http.MethodPost, "/api/engine/actions", tt.body))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestRecordAction_UnauthorizedWithoutToken(t *testing.T) {
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	body := mustJSON(t, recordActionRequest{ActionType: "TASK_COMPLETED", ActorID: 1})

	req := httptest.NewRequest(http.MethodPost, "/api/engine/actions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if e := h.engine.(*stubEngine); len(e.recorded) != 0 {
		t.Fatalf("engine called without auth: %v", e.recorded)
	}
}

func TestGetProfile_JSONResponse(t *testing.T) {
	e := &stubEngine{
		profileResp: &model.Profile{
			UserID:        42,
			TotalPoints:   300,
			WeeklyPoints:  40,
			MonthlyPoints: 120,
			Rank:          3,
		},
	}
	h := newTestHandler(t, e)
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/profile/42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}

	var got model.Profile
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.UserID != 42 || got.Rank != 3 {
		t.Fatalf("profile = %+v", got)
	}
}

func TestGetProfile_BadUserID(t *testing.T) {
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/profile/abc", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetLeaderboard_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubEngine{leaderboardResp: []model.LeaderboardEntry{}})
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/leaderboard?type=individual&period=weekly", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetLeaderboard_BadPeriod(t *testing.T) {
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/leaderboard?period=fortnight", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetLeaderboard_UnknownTypeFromEngine(t *testing.T) {
	h := newTestHandler(t, &stubEngine{leaderboardErr: service.ErrUnknownLeaderboardType})
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/leaderboard?type=individual", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetStoreCompliance_JSONResponse(t *testing.T) {
	e := &stubEngine{
		complianceResp: &model.ComplianceSummary{
			WeeklyRate:  92,
			MonthlyRate: 88,
		},
	}
	h := newTestHandler(t, e)
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/stores/10/compliance", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got model.ComplianceSummary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.WeeklyRate != 92 || got.MonthlyRate != 88 {
		t.Fatalf("summary = %+v", got)
	}
}

func TestListBadges_JSONResponse(t *testing.T) {
	e := &stubEngine{
		badgesResp: []model.BadgeSummary{
			{
				Badge: model.Badge{
					ID:   1,
					Name: "Задача недели",
					Criteria: model.BadgeCriteria{
						Kind:       model.CriteriaCount,
						ActionType: "TASK_COMPLETED",
						Threshold:  5,
					},
				},
				EarnedCount:  12,
				EarnedByUser: true,
			},
		},
	}
	h := newTestHandler(t, e)
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/badges?user=42", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got []badgeSummaryResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].EarnedCount != 12 || !got[0].EarnedByUser {
		t.Fatalf("badges = %+v", got)
	}
}

func TestListPointRules_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodGet, "/api/engine/rules", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestUpdatePointRule_NotFound(t *testing.T) {
	h := newTestHandler(t, &stubEngine{updateRuleErr: repository.ErrRuleNotFound})
	router := h.SetupRouter()

	body := mustJSON(t, updateRuleRequest{Points: 15, ActorID: 1})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodPut, "/api/engine/rules/TASK_COMPLETED", body))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestUpdatePointRule_OK(t *testing.T) {
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	body := mustJSON(t, updateRuleRequest{Points: 15, Description: "за задачу", ActorID: 1})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodPut, "/api/engine/rules/TASK_COMPLETED", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestUpdatePointRule_RejectsNegativePoints(t *testing.T) {
	h := newTestHandler(t, &stubEngine{})
	router := h.SetupRouter()

	body := mustJSON(t, updateRuleRequest{Points: -5, ActorID: 1})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(h, http.MethodPut, "/api/engine/rules/TASK_COMPLETED", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
