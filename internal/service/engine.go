// Package service реализует бизнес-логику движка начисления баллов.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldscore/scoring-engine/internal/model"
	"github.com/fieldscore/scoring-engine/internal/repository"
)

// ErrUnknownLeaderboardType возвращается при запросе рейтинга неизвестного вида.
var ErrUnknownLeaderboardType = errors.New("unknown leaderboard type")

// Repository описывает контракт доступа к данным, используемый движком.
type Repository interface {
	Close() error
	GetPointRule(ctx context.Context, tenantID int64, actionType model.ActionType) (*model.PointRule, error)
	ListPointRules(ctx context.Context, tenantID int64) ([]model.PointRule, error)
	UpdatePointRule(ctx context.Context, tenantID int64, actionType model.ActionType, points int64, description string, actorID int64) error
	InsertLedgerEntry(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, error)
	CountLedgerEntries(ctx context.Context, tenantID, userID int64, actionType model.ActionType) (int64, error)
	ListActionDays(ctx context.Context, tenantID, userID int64, actionType model.ActionType) ([]time.Time, error)
	IncrementUser(ctx context.Context, tenantID, userID, points int64) (*model.UserAggregate, error)
	IncrementStore(ctx context.Context, tenantID, storeID, points int64, employeeCount int) error
	IncrementDepartment(ctx context.Context, tenantID, storeID, departmentID, points int64, employeeCount int) error
	GetUserAggregate(ctx context.Context, tenantID, userID int64) (*model.UserAggregate, error)
	GetStoreAggregate(ctx context.Context, tenantID, storeID int64) (*model.StoreAggregate, error)
	GetEmployee(ctx context.Context, tenantID, userID int64) (*model.Employee, error)
	GetEmployeeCount(ctx context.Context, tenantID, storeID, departmentID int64) (int, error)
	ListEarnedBadgeIDs(ctx context.Context, tenantID, userID int64) (map[int64]bool, error)
	ListActiveBadges(ctx context.Context, tenantID int64) ([]model.Badge, error)
	InsertUserBadge(ctx context.Context, tenantID, userID, badgeID int64) (bool, error)
	ListUserBadges(ctx context.Context, tenantID, userID int64) ([]model.EarnedBadge, error)
	ListBadgesWithCounts(ctx context.Context, tenantID, userID int64) ([]model.BadgeSummary, error)
	QueryUserLeaderboard(ctx context.Context, tenantID int64, period model.Period, filters model.LeaderboardFilters, limit int) ([]model.LeaderboardEntry, error)
	QueryStoreLeaderboard(ctx context.Context, tenantID int64, period model.Period, filters model.LeaderboardFilters, limit int) ([]model.LeaderboardEntry, error)
	QueryDepartmentLeaderboard(ctx context.Context, tenantID int64, period model.Period, filters model.LeaderboardFilters, limit int) ([]model.LeaderboardEntry, error)
	GetUserRank(ctx context.Context, tenantID, userID int64) (int, error)
	CountComplianceFacts(ctx context.Context, tenantID, storeID int64, since time.Time) (*repository.ComplianceCounts, error)
	SetStoreComplianceRate(ctx context.Context, tenantID, storeID int64, period model.Period, rate float64) error
}

// Notifier описывает контракт доставки исходящих событий внешнему сервису уведомлений.
type Notifier interface {
	PublishPointsAwarded(ctx context.Context, tenantID int64, ev model.PointsAwardedEvent) error
	PublishBadgeEarned(ctx context.Context, tenantID int64, ev model.BadgeEarnedEvent) error
}

type evalRequest struct {
	tenantID int64
	userID   int64
}

// Engine содержит бизнес-логику начисления баллов, оценки значков,
// рейтингов и процента исполнения.
type Engine struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger

	evalCh chan evalRequest
	wg     sync.WaitGroup

	now func() time.Time
}

// NewEngine создаёт движок с указанным репозиторием и каналом уведомлений.
// Оценка значков работает в фоне: запустите её через StartBadgeWorker.
func NewEngine(repo Repository, notifier Notifier, logger *zap.Logger) *Engine {
	return &Engine{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		evalCh:   make(chan evalRequest, 256),
		now:      time.Now,
	}
}

// Close закрывает ресурсы движка и дожидается фоновой оценки значков.
func (e *Engine) Close() error {
	e.wg.Wait()
	if e.repo != nil {
		return e.repo.Close()
	}
	return nil
}

// StartBadgeWorker запускает фоновую оценку значков. Оценка никогда не
// блокирует RecordAction и завершается вместе с контекстом.
func (e *Engine) StartBadgeWorker(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case req := <-e.evalCh:
				e.runEvaluation(req)
			}
		}
	}()
}

// RecordAction засчитывает одно операционное событие: разрешает правило,
// применяет множитель качества, пишет запись журнала, инкрементирует агрегаты
// и ставит оценку значков в фоновую очередь.
//
// Неактивное или несконфигурированное правило — документированный no-op, а не
// ошибка: вызывающий молча зарабатывает ноль баллов. Ошибка вставки в журнал
// передаётся вызывающему; ошибки агрегатов логируются и проглатываются, так
// как запись журнала уже зафиксирована и служит якорем для сверки.
func (e *Engine) RecordAction(ctx context.Context, tenantID int64, actionType model.ActionType, actorID int64, entityType string, entityID int64, isFirstAttempt bool) (*model.LedgerEntry, error) {
	rule, err := e.repo.GetPointRule(ctx, tenantID, actionType)
	if err != nil {
		if errors.Is(err, repository.ErrRuleNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve point rule: %w", err)
	}
	if !rule.IsActive {
		return nil, nil
	}

	// Повторная сдача после отклонения оценивается в половину: иначе
	// недобросовестный исполнитель мог бы проваливать и пересдавать за
	// полный балл.
	multiplier := 1.0
	if !isFirstAttempt {
		multiplier = rule.ResubmissionMultiplier
		if multiplier <= 0 {
			multiplier = 0.5
		}
	}
	points := int64(math.Round(float64(rule.Points) * multiplier))

	entry, err := e.repo.InsertLedgerEntry(ctx, model.LedgerEntry{
		TenantID:          tenantID,
		ActorID:           actorID,
		ActionType:        actionType,
		Points:            points,
		EntityType:        entityType,
		EntityID:          entityID,
		IsFirstAttempt:    isFirstAttempt,
		QualityMultiplier: multiplier,
	})
	if err != nil {
		return nil, fmt.Errorf("record action: %w", err)
	}

	userAgg := e.applyIncrements(ctx, entry)

	e.enqueueEvaluation(tenantID, actorID)

	if e.notifier != nil && userAgg != nil {
		ev := model.PointsAwardedEvent{
			ActorID:           actorID,
			ActionType:        actionType,
			Points:            points,
			TotalPoints:       userAgg.TotalPoints,
			WeeklyPoints:      userAgg.WeeklyPoints,
			MonthlyPoints:     userAgg.MonthlyPoints,
			QualityMultiplier: multiplier,
		}
		if err := e.notifier.PublishPointsAwarded(ctx, tenantID, ev); err != nil {
			e.logger.Warn("publish points_awarded event",
				zap.Error(err), zap.Int64("actor", actorID), zap.String("action", string(actionType)))
		}
	}

	return entry, nil
}

// applyIncrements применяет инкременты агрегатов к строкам пользователя,
// магазина и отдела. Ошибки логируются с полным контекстом и не прерывают
// вызов: событие уже легитимно записано в журнал.
func (e *Engine) applyIncrements(ctx context.Context, entry *model.LedgerEntry) *model.UserAggregate {
	userAgg, err := e.repo.IncrementUser(ctx, entry.TenantID, entry.ActorID, entry.Points)
	if err != nil {
		e.logger.Error("increment user aggregate",
			zap.Error(err), zap.Int64("actor", entry.ActorID),
			zap.String("action", string(entry.ActionType)), zap.Int64("delta", entry.Points))
	}

	emp, err := e.repo.GetEmployee(ctx, entry.TenantID, entry.ActorID)
	if err != nil {
		// Актор без привязки к магазину получает только личные баллы.
		if !errors.Is(err, repository.ErrEmployeeNotFound) {
			e.logger.Error("resolve employee",
				zap.Error(err), zap.Int64("actor", entry.ActorID))
		}
		return userAgg
	}

	storeCount, err := e.repo.GetEmployeeCount(ctx, entry.TenantID, emp.StoreID, 0)
	if err != nil {
		e.logger.Error("count store employees",
			zap.Error(err), zap.Int64("store", emp.StoreID), zap.Int64("delta", entry.Points))
		return userAgg
	}

	if err := e.repo.IncrementStore(ctx, entry.TenantID, emp.StoreID, entry.Points, storeCount); err != nil {
		e.logger.Error("increment store aggregate",
			zap.Error(err), zap.Int64("store", emp.StoreID), zap.Int64("delta", entry.Points))
	}

	if emp.DepartmentID != 0 {
		deptCount, err := e.repo.GetEmployeeCount(ctx, entry.TenantID, emp.StoreID, emp.DepartmentID)
		if err != nil {
			e.logger.Error("count department employees",
				zap.Error(err), zap.Int64("store", emp.StoreID), zap.Int64("department", emp.DepartmentID))
			return userAgg
		}
		if err := e.repo.IncrementDepartment(ctx, entry.TenantID, emp.StoreID, emp.DepartmentID, entry.Points, deptCount); err != nil {
			e.logger.Error("increment department aggregate",
				zap.Error(err), zap.Int64("store", emp.StoreID),
				zap.Int64("department", emp.DepartmentID), zap.Int64("delta", entry.Points))
		}
	}

	return userAgg
}

func (e *Engine) enqueueEvaluation(tenantID, userID int64) {
	select {
	case e.evalCh <- evalRequest{tenantID: tenantID, userID: userID}:
	default:
		// Переполненная очередь — не повод блокировать запись баллов:
		// значки выдаются по принципу «как получится».
		e.logger.Warn("badge evaluation queue full, dropping request",
			zap.Int64("user", userID))
	}
}

func (e *Engine) runEvaluation(req evalRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	newly, err := e.EvaluateBadges(ctx, req.tenantID, req.userID)
	if err != nil {
		e.logger.Error("badge evaluation failed",
			zap.Error(err), zap.Int64("user", req.userID))
		return
	}

	if e.notifier == nil {
		return
	}

	for _, b := range newly {
		ev := model.BadgeEarnedEvent{ActorID: req.userID, BadgeID: b.ID, BadgeName: b.Name}
		if err := e.notifier.PublishBadgeEarned(ctx, req.tenantID, ev); err != nil {
			e.logger.Warn("publish badge_earned event",
				zap.Error(err), zap.Int64("user", req.userID), zap.Int64("badge", b.ID))
		}
	}
}

// GetProfile возвращает сводку пользователя: баллы по окнам, позицию в общем
// рейтинге и полученные значки.
func (e *Engine) GetProfile(ctx context.Context, tenantID, userID int64) (*model.Profile, error) {
	agg, err := e.repo.GetUserAggregate(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	rank, err := e.repo.GetUserRank(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	badges, err := e.repo.ListUserBadges(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	return &model.Profile{
		UserID:        userID,
		TotalPoints:   agg.TotalPoints,
		WeeklyPoints:  agg.WeeklyPoints,
		MonthlyPoints: agg.MonthlyPoints,
		Rank:          rank,
		Badges:        badges,
	}, nil
}

// GetStoreCompliance возвращает последние рассчитанные проценты исполнения магазина.
func (e *Engine) GetStoreCompliance(ctx context.Context, tenantID, storeID int64) (*model.ComplianceSummary, error) {
	agg, err := e.repo.GetStoreAggregate(ctx, tenantID, storeID)
	if err != nil {
		return nil, err
	}

	return &model.ComplianceSummary{
		WeeklyRate:  agg.WeeklyComplianceRate,
		MonthlyRate: agg.MonthlyComplianceRate,
	}, nil
}

// ListBadges возвращает каталог значков с количеством обладателей каждого.
func (e *Engine) ListBadges(ctx context.Context, tenantID, userID int64) ([]model.BadgeSummary, error) {
	return e.repo.ListBadgesWithCounts(ctx, tenantID, userID)
}

// ListPointRules возвращает правила начисления арендатора.
func (e *Engine) ListPointRules(ctx context.Context, tenantID int64) ([]model.PointRule, error) {
	return e.repo.ListPointRules(ctx, tenantID)
}

// UpdatePointRule перезаписывает правило начисления от имени администратора.
func (e *Engine) UpdatePointRule(ctx context.Context, tenantID int64, actionType model.ActionType, points int64, description string, actorID int64) error {
	if points < 0 {
		return errors.New("points must not be negative")
	}
	return e.repo.UpdatePointRule(ctx, tenantID, actionType, points, description, actorID)
}
