package service

import (
	"context"
	"math"
	"time"

	"github.com/fieldscore/scoring-engine/internal/model"
)

// windowStart возвращает начало окна: воскресенье 00:00 UTC для недельного
// окна, первое число месяца для месячного.
func windowStart(period model.Period, now time.Time) time.Time {
	now = now.UTC()

	if period == model.PeriodMonthly {
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, -int(now.Weekday()))
}

// ComputeStoreCompliance считает процент исполнения магазина за окно по трём
// парам (назначено, выполнено): задачи, чек-листы, аудиты — и записывает его
// в агрегат магазина. Магазин без назначенных работ тривиально исполнителен
// на сто процентов; это осознанное правило, а не значение по умолчанию.
func (e *Engine) ComputeStoreCompliance(ctx context.Context, tenantID, storeID int64, period model.Period) (float64, error) {
	counts, err := e.repo.CountComplianceFacts(ctx, tenantID, storeID, windowStart(period, e.now()))
	if err != nil {
		return 0, err
	}

	assigned := counts.TasksAssigned + counts.ChecklistsAssigned + counts.AuditsAssigned
	completed := counts.TasksCompleted + counts.ChecklistsCompleted + counts.AuditsCompleted

	rate := 100.0
	if assigned > 0 {
		rate = math.Round(float64(completed) / float64(assigned) * 100)
	}

	if err := e.repo.SetStoreComplianceRate(ctx, tenantID, storeID, period, rate); err != nil {
		return 0, err
	}

	return rate, nil
}
