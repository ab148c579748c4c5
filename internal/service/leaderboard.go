package service

import (
	"context"

	"github.com/fieldscore/scoring-engine/internal/model"
)

// Рейтинг отдаёт не больше ста строк независимо от фильтров.
const leaderboardLimit = 100

// BuildLeaderboard строит рейтинг выбранного вида за окно. Индивидуальный
// рейтинг упорядочен по сырым баллам; рейтинги магазинов и отделов — по
// подушевым баллам, чтобы крупные команды не выигрывали одной численностью.
// Ранг равен позиции в отсортированной выдаче, общие ранги при равенстве
// не присваиваются.
func (e *Engine) BuildLeaderboard(ctx context.Context, tenantID int64, typ model.LeaderboardType, period model.Period, filters model.LeaderboardFilters) ([]model.LeaderboardEntry, error) {
	var (
		entries []model.LeaderboardEntry
		err     error
	)

	switch typ {
	case model.LeaderboardIndividual:
		entries, err = e.repo.QueryUserLeaderboard(ctx, tenantID, period, filters, leaderboardLimit)
	case model.LeaderboardStore:
		entries, err = e.repo.QueryStoreLeaderboard(ctx, tenantID, period, filters, leaderboardLimit)
	case model.LeaderboardDepartment:
		entries, err = e.repo.QueryDepartmentLeaderboard(ctx, tenantID, period, filters, leaderboardLimit)
	default:
		return nil, ErrUnknownLeaderboardType
	}
	if err != nil {
		return nil, err
	}

	for i := range entries {
		entries[i].Rank = i + 1
	}

	return entries, nil
}
