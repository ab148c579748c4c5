package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldscore/scoring-engine/internal/model"
)

// Допустимый разрыв между соседними днями серии. Полтора дня прощают записи
// на границе часовых поясов.
const streakMaxGap = 36 * time.Hour

// EvaluateBadges проверяет каталог значков против истории пользователя и
// возвращает только новые значки. Каждый значок выдаётся не более одного
// раза: однократность обеспечивает уникальный ключ хранилища, поэтому
// параллельные оценки безопасны.
func (e *Engine) EvaluateBadges(ctx context.Context, tenantID, userID int64) ([]model.Badge, error) {
	earned, err := e.repo.ListEarnedBadgeIDs(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	catalog, err := e.repo.ListActiveBadges(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var newly []model.Badge
	for _, b := range catalog {
		if earned[b.ID] {
			continue
		}

		if !b.Criteria.Valid() {
			// Новые виды критериев не должны ронять оценку существующих.
			e.logger.Warn("skipping badge with unknown criteria kind",
				zap.Int64("badge", b.ID), zap.String("kind", string(b.Criteria.Kind)))
			continue
		}

		ok, err := e.meetsCriteria(ctx, tenantID, userID, b.Criteria)
		if err != nil {
			e.logger.Error("check badge criteria",
				zap.Error(err), zap.Int64("badge", b.ID), zap.Int64("user", userID))
			continue
		}
		if !ok {
			continue
		}

		inserted, err := e.repo.InsertUserBadge(ctx, tenantID, userID, b.ID)
		if err != nil {
			e.logger.Error("award badge",
				zap.Error(err), zap.Int64("badge", b.ID), zap.Int64("user", userID))
			continue
		}
		if inserted {
			newly = append(newly, b)
		}
	}

	return newly, nil
}

func (e *Engine) meetsCriteria(ctx context.Context, tenantID, userID int64, c model.BadgeCriteria) (bool, error) {
	switch c.Kind {
	case model.CriteriaCount:
		n, err := e.repo.CountLedgerEntries(ctx, tenantID, userID, c.ActionType)
		if err != nil {
			return false, err
		}
		return n >= c.Threshold, nil

	case model.CriteriaTotalPoints:
		agg, err := e.repo.GetUserAggregate(ctx, tenantID, userID)
		if err != nil {
			return false, err
		}
		return agg.TotalPoints >= c.Threshold, nil

	case model.CriteriaStreak:
		days, err := e.repo.ListActionDays(ctx, tenantID, userID, c.ActionType)
		if err != nil {
			return false, err
		}
		return int64(streakLength(days, e.now())) >= c.Threshold, nil
	}

	return false, nil
}

// streakLength считает длину живой серии по различным календарным дням UTC,
// отсортированным от новых к старым. Серия жива, только если последний день —
// сегодня или вчера; затем дни считаются назад, пока разрыв не превысит
// streakMaxGap.
func streakLength(days []time.Time, now time.Time) int {
	if len(days) == 0 {
		return 0
	}

	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	latest := days[0]
	if today.Sub(latest) > streakMaxGap {
		return 0
	}

	streak := 1
	for i := 1; i < len(days); i++ {
		if days[i-1].Sub(days[i]) > streakMaxGap {
			break
		}
		streak++
	}

	return streak
}
