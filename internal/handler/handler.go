// Package handler содержит HTTP-обработчики API движка начисления баллов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fieldscore/scoring-engine/internal/middleware"
	"github.com/fieldscore/scoring-engine/internal/model"
	"github.com/fieldscore/scoring-engine/internal/repository"
	"github.com/fieldscore/scoring-engine/internal/service"
	"github.com/fieldscore/scoring-engine/internal/validation"

	"github.com/go-chi/chi/v5"
)

// Engine определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Engine interface {
	RecordAction(ctx context.Context, tenantID int64, actionType model.ActionType, actorID int64, entityType string, entityID int64, isFirstAttempt bool) (*model.LedgerEntry, error)
	GetProfile(ctx context.Context, tenantID, userID int64) (*model.Profile, error)
	BuildLeaderboard(ctx context.Context, tenantID int64, typ model.LeaderboardType, period model.Period, filters model.LeaderboardFilters) ([]model.LeaderboardEntry, error)
	GetStoreCompliance(ctx context.Context, tenantID, storeID int64) (*model.ComplianceSummary, error)
	ListBadges(ctx context.Context, tenantID, userID int64) ([]model.BadgeSummary, error)
	ListPointRules(ctx context.Context, tenantID int64) ([]model.PointRule, error)
	UpdatePointRule(ctx context.Context, tenantID int64, actionType model.ActionType, points int64, description string, actorID int64) error
}

// Handler реализует HTTP-обработчики API движка начисления баллов.
type Handler struct {
	engine Engine
	logger *zap.Logger
	auth   *middleware.ServiceAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(e Engine, logger *zap.Logger, auth *middleware.ServiceAuth) *Handler {
	return &Handler{
		engine: e,
		logger: logger,
		auth:   auth,
	}
}

type recordActionRequest struct {
	ActionType     string `json:"action_type"`
	ActorID        int64  `json:"actor_id"`
	EntityType     string `json:"entity_type,omitempty"`
	EntityID       int64  `json:"entity_id,omitempty"`
	IsFirstAttempt *bool  `json:"is_first_attempt,omitempty"`
}

// RecordAction принимает операционное событие от внешнего сервиса.
// Несконфигурированный тип события отвечает 200 без записи: молчаливый
// ноль баллов — документированное поведение, а не ошибка.
func (h *Handler) RecordAction(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req recordActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ActorID <= 0 || !validation.IsValidActionType(req.ActionType) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	isFirstAttempt := true
	if req.IsFirstAttempt != nil {
		isFirstAttempt = *req.IsFirstAttempt
	}

	entry, err := h.engine.RecordAction(r.Context(), tenantID,
		model.ActionType(req.ActionType), req.ActorID, req.EntityType, req.EntityID, isFirstAttempt)
	if err != nil {
		h.logger.Error("record action error",
			zap.Error(err), zap.Int64("actor", req.ActorID), zap.String("action", req.ActionType))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if entry == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// GetProfile возвращает сводку пользователя: баллы, ранг и значки.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	profile, err := h.engine.GetProfile(r.Context(), tenantID, userID)
	if err != nil {
		h.logger.Error("get profile error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, profile)
}

// GetLeaderboard возвращает рейтинг выбранного вида за окно с фильтрами.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()

	typ, ok := validation.ParseLeaderboardType(q.Get("type"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	period, ok := validation.ParsePeriod(q.Get("period"))
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	filters := model.LeaderboardFilters{
		Region: q.Get("region"),
		Role:   q.Get("role"),
		Tier:   q.Get("tier"),
	}
	if v := q.Get("store"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		filters.StoreID = id
	}
	if v := q.Get("department"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		filters.DepartmentID = id
	}

	entries, err := h.engine.BuildLeaderboard(r.Context(), tenantID, typ, period, filters)
	if err != nil {
		if errors.Is(err, service.ErrUnknownLeaderboardType) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("build leaderboard error", zap.Error(err), zap.String("type", string(typ)))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, entries)
}

// GetStoreCompliance возвращает последние проценты исполнения магазина.
func (h *Handler) GetStoreCompliance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	storeID, err := strconv.ParseInt(chi.URLParam(r, "storeID"), 10, 64)
	if err != nil || storeID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	summary, err := h.engine.GetStoreCompliance(r.Context(), tenantID, storeID)
	if err != nil {
		h.logger.Error("get store compliance error", zap.Error(err), zap.Int64("storeID", storeID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, summary)
}

type badgeSummaryResponse struct {
	BadgeID      int64  `json:"badge_id"`
	Name         string `json:"name"`
	CriteriaKind string `json:"criteria_kind"`
	ActionType   string `json:"action_type,omitempty"`
	Threshold    int64  `json:"threshold"`
	EarnedCount  int64  `json:"earned_count"`
	EarnedByUser bool   `json:"earned_by_user"`
}

// ListBadges возвращает каталог значков с количеством обладателей каждого.
func (h *Handler) ListBadges(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var userID int64
	if v := r.URL.Query().Get("user"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		userID = id
	}

	summaries, err := h.engine.ListBadges(r.Context(), tenantID, userID)
	if err != nil {
		h.logger.Error("list badges error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(summaries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]badgeSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, badgeSummaryResponse{
			BadgeID:      s.Badge.ID,
			Name:         s.Badge.Name,
			CriteriaKind: string(s.Badge.Criteria.Kind),
			ActionType:   string(s.Badge.Criteria.ActionType),
			Threshold:    s.Badge.Criteria.Threshold,
			EarnedCount:  s.EarnedCount,
			EarnedByUser: s.EarnedByUser,
		})
	}

	writeJSON(w, resp)
}

type pointRuleResponse struct {
	ActionType  string `json:"action_type"`
	Points      int64  `json:"points"`
	IsActive    bool   `json:"is_active"`
	Description string `json:"description"`
}

// ListPointRules возвращает правила начисления арендатора.
func (h *Handler) ListPointRules(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	rules, err := h.engine.ListPointRules(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list point rules error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(rules) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]pointRuleResponse, 0, len(rules))
	for _, p := range rules {
		resp = append(resp, pointRuleResponse{
			ActionType:  string(p.ActionType),
			Points:      p.Points,
			IsActive:    p.IsActive,
			Description: p.Description,
		})
	}

	writeJSON(w, resp)
}

type updateRuleRequest struct {
	Points      int64  `json:"points"`
	Description string `json:"description"`
	ActorID     int64  `json:"actor_id"`
}

// UpdatePointRule перезаписывает правило начисления от имени администратора.
func (h *Handler) UpdatePointRule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := middleware.GetTenantIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	actionType := chi.URLParam(r, "actionType")
	if !validation.IsValidActionType(actionType) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Points < 0 || req.ActorID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.engine.UpdatePointRule(r.Context(), tenantID,
		model.ActionType(actionType), req.Points, req.Description, req.ActorID)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("update point rule error", zap.Error(err), zap.String("action", actionType))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
