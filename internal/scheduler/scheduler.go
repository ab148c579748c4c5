// Package scheduler содержит плановые задачи сброса окон и пересчёта показателей.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fieldscore/scoring-engine/internal/model"
)

// Имена задач служат ключами аренды: пересекающийся запуск пропускается,
// а просроченная аренда перехватывается после падения.
const (
	jobWeeklyReset     = "weekly_reset"
	jobMonthlyReset    = "monthly_reset"
	jobDailyCompliance = "daily_compliance"
	jobDailyHeadcount  = "daily_headcount_sync"
)

// Repository описывает контракт доступа к данным, используемый планировщиком.
type Repository interface {
	AcquireJobLease(ctx context.Context, jobName, holder string, until time.Time) (bool, error)
	ReleaseJobLease(ctx context.Context, jobName, holder string) error
	ResetWeeklyCounters(ctx context.Context) error
	ResetMonthlyCounters(ctx context.Context) error
	ListActiveStores(ctx context.Context) ([]model.Store, error)
	ListActiveDepartments(ctx context.Context, tenantID, storeID int64) ([]int64, error)
	GetEmployeeCount(ctx context.Context, tenantID, storeID, departmentID int64) (int, error)
	SyncStoreHeadcount(ctx context.Context, tenantID, storeID int64, employeeCount int) error
	SyncDepartmentHeadcount(ctx context.Context, tenantID, storeID, departmentID int64, employeeCount int) error
	SetStoreTier(ctx context.Context, tenantID, storeID int64, tier string) error
}

// ComplianceCalculator пересчитывает процент исполнения магазина за окно.
type ComplianceCalculator interface {
	ComputeStoreCompliance(ctx context.Context, tenantID, storeID int64, period model.Period) (float64, error)
}

// TierRule — внешнее правило классификации размера магазина по численности.
type TierRule func(headcount int) string

// DefaultTierRule — классификация по умолчанию, применяемая, если внешний
// коллаборатор не передал свою.
func DefaultTierRule(headcount int) string {
	switch {
	case headcount < 15:
		return "SMALL"
	case headcount < 40:
		return "MEDIUM"
	default:
		return "LARGE"
	}
}

// Scheduler запускает четыре независимые периодические задачи: недельный и
// месячный сбросы счётчиков, ежедневный пересчёт процента исполнения и
// ежедневную синхронизацию численности с переклассификацией размера.
type Scheduler struct {
	repo     Repository
	calc     ComplianceCalculator
	tierRule TierRule
	logger   *zap.Logger
	tick     time.Duration
	holder   string

	now func() time.Time
}

// New создаёт планировщик. При нулевом tierRule используется DefaultTierRule.
func New(repo Repository, calc ComplianceCalculator, tierRule TierRule, logger *zap.Logger, tick time.Duration) *Scheduler {
	if tierRule == nil {
		tierRule = DefaultTierRule
	}

	host, _ := os.Hostname()

	return &Scheduler{
		repo:     repo,
		calc:     calc,
		tierRule: tierRule,
		logger:   logger,
		tick:     tick,
		holder:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:      time.Now,
	}
}

// Run выполняет задачи на каждом такте до отмены контекста. Аренда с
// истечением на границе окна гарантирует ровно один успешный запуск задачи
// на окно независимо от частоты тактов и числа экземпляров сервиса.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Scheduler) runAll(ctx context.Context) {
	now := s.now().UTC()

	s.runJob(ctx, jobWeeklyReset, nextWeekBoundary(now), s.runWeeklyReset)
	s.runJob(ctx, jobMonthlyReset, nextMonthBoundary(now), s.runMonthlyReset)
	s.runJob(ctx, jobDailyCompliance, nextDayBoundary(now), s.runComplianceRecompute)
	s.runJob(ctx, jobDailyHeadcount, nextDayBoundary(now), s.runHeadcountSync)
}

// runJob захватывает аренду задачи до границы её окна и выполняет её. Полный
// провал освобождает аренду, чтобы ближайший такт повторил запуск; частичный
// успех аренду сохраняет.
func (s *Scheduler) runJob(ctx context.Context, name string, until time.Time, fn func(ctx context.Context) error) {
	acquired, err := s.repo.AcquireJobLease(ctx, name, s.holder, until)
	if err != nil {
		s.logger.Error("acquire job lease", zap.Error(err), zap.String("job", name))
		return
	}
	if !acquired {
		return
	}

	if err := fn(ctx); err != nil {
		s.logger.Error("job failed", zap.Error(err), zap.String("job", name))
		if relErr := s.repo.ReleaseJobLease(ctx, name, s.holder); relErr != nil {
			s.logger.Error("release job lease", zap.Error(relErr), zap.String("job", name))
		}
		return
	}

	s.logger.Info("job finished", zap.String("job", name))
}

func (s *Scheduler) runWeeklyReset(ctx context.Context) error {
	return s.repo.ResetWeeklyCounters(ctx)
}

func (s *Scheduler) runMonthlyReset(ctx context.Context) error {
	return s.repo.ResetMonthlyCounters(ctx)
}

// runComplianceRecompute пересчитывает проценты исполнения каждого активного
// магазина за оба окна. Провал одного магазина не прерывает пакет: задача
// сообщает количество обработанных и провалившихся магазинов.
func (s *Scheduler) runComplianceRecompute(ctx context.Context) error {
	stores, err := s.repo.ListActiveStores(ctx)
	if err != nil {
		return fmt.Errorf("list active stores: %w", err)
	}

	var processed, failed int
	for _, st := range stores {
		ok := true
		for _, period := range []model.Period{model.PeriodWeekly, model.PeriodMonthly} {
			if _, err := s.calc.ComputeStoreCompliance(ctx, st.TenantID, st.StoreID, period); err != nil {
				s.logger.Error("recompute store compliance",
					zap.Error(err), zap.Int64("tenant", st.TenantID),
					zap.Int64("store", st.StoreID), zap.String("period", string(period)))
				ok = false
			}
		}
		if ok {
			processed++
		} else {
			failed++
		}
	}

	s.logger.Info("compliance recompute summary",
		zap.Int("processed", processed), zap.Int("failed", failed))

	if processed == 0 && failed > 0 {
		return fmt.Errorf("compliance recompute failed for all %d stores", failed)
	}
	return nil
}

// runHeadcountSync пересчитывает численность и подушевые показатели каждого
// активного магазина и его отделов и переклассифицирует размер магазина,
// если администратор не закрепил его вручную.
func (s *Scheduler) runHeadcountSync(ctx context.Context) error {
	stores, err := s.repo.ListActiveStores(ctx)
	if err != nil {
		return fmt.Errorf("list active stores: %w", err)
	}

	var processed, failed int
	for _, st := range stores {
		if err := s.syncStore(ctx, st); err != nil {
			s.logger.Error("sync store headcount",
				zap.Error(err), zap.Int64("tenant", st.TenantID), zap.Int64("store", st.StoreID))
			failed++
			continue
		}
		processed++
	}

	s.logger.Info("headcount sync summary",
		zap.Int("processed", processed), zap.Int("failed", failed))

	if processed == 0 && failed > 0 {
		return fmt.Errorf("headcount sync failed for all %d stores", failed)
	}
	return nil
}

func (s *Scheduler) syncStore(ctx context.Context, st model.Store) error {
	count, err := s.repo.GetEmployeeCount(ctx, st.TenantID, st.StoreID, 0)
	if err != nil {
		return fmt.Errorf("count employees: %w", err)
	}

	if err := s.repo.SyncStoreHeadcount(ctx, st.TenantID, st.StoreID, count); err != nil {
		return err
	}

	if !st.TierPinned {
		if err := s.repo.SetStoreTier(ctx, st.TenantID, st.StoreID, s.tierRule(count)); err != nil {
			return err
		}
	}

	departments, err := s.repo.ListActiveDepartments(ctx, st.TenantID, st.StoreID)
	if err != nil {
		return fmt.Errorf("list departments: %w", err)
	}

	for _, deptID := range departments {
		deptCount, err := s.repo.GetEmployeeCount(ctx, st.TenantID, st.StoreID, deptID)
		if err != nil {
			return fmt.Errorf("count department employees: %w", err)
		}
		if err := s.repo.SyncDepartmentHeadcount(ctx, st.TenantID, st.StoreID, deptID, deptCount); err != nil {
			return err
		}
	}

	return nil
}

func nextDayBoundary(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// Недельное окно начинается в воскресенье 00:00 UTC.
func nextWeekBoundary(now time.Time) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 7-int(now.Weekday()))
}

func nextMonthBoundary(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
