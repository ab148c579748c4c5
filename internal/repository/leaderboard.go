package repository

import (
	"context"
	"fmt"

	"github.com/fieldscore/scoring-engine/internal/model"
)

func pointsColumn(period model.Period) string {
	switch period {
	case model.PeriodWeekly:
		return "weekly_points"
	case model.PeriodMonthly:
		return "monthly_points"
	default:
		return "total_points"
	}
}

func perCapitaColumn(period model.Period) string {
	switch period {
	case model.PeriodWeekly:
		return "per_capita_weekly"
	case model.PeriodMonthly:
		return "per_capita_monthly"
	default:
		return "per_capita_total"
	}
}

// QueryUserLeaderboard возвращает пользователей арендатора, упорядоченных по
// убыванию баллов выбранного окна. При равенстве баллов порядок детерминирован
// возрастанием userID.
func (r *PostgresRepository) QueryUserLeaderboard(ctx context.Context, tenantID int64, period model.Period, filters model.LeaderboardFilters, limit int) ([]model.LeaderboardEntry, error) {
	q := fmt.Sprintf(
		`SELECT ua.user_id, ua.%s
		 FROM user_aggregates ua
		 JOIN employees e ON e.tenant_id = ua.tenant_id AND e.user_id = ua.user_id AND e.is_active
		 LEFT JOIN stores s ON s.tenant_id = e.tenant_id AND s.store_id = e.store_id
		 WHERE ua.tenant_id = $1
		   AND ($2 = 0 OR e.store_id = $2)
		   AND ($3 = '' OR s.region = $3)
		   AND ($4 = '' OR e.role = $4)
		   AND ($5 = '' OR s.tier = $5)
		 ORDER BY 2 DESC, ua.user_id
		 LIMIT $6`,
		pointsColumn(period),
	)

	rows, err := r.pool.Query(ctx, q, tenantID, filters.StoreID, filters.Region, filters.Role, filters.Tier, limit)
	if err != nil {
		return nil, fmt.Errorf("select user leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var entry model.LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.Points); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		res = append(res, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// QueryStoreLeaderboard возвращает магазины, упорядоченные по убыванию
// подушевых баллов окна: ранжирование по сырым суммам всегда выигрывали бы
// крупные магазины. При равенстве порядок детерминирован возрастанием storeID.
func (r *PostgresRepository) QueryStoreLeaderboard(ctx context.Context, tenantID int64, period model.Period, filters model.LeaderboardFilters, limit int) ([]model.LeaderboardEntry, error) {
	q := fmt.Sprintf(
		`SELECT sa.store_id, sa.%s, sa.%s
		 FROM store_aggregates sa
		 JOIN stores s ON s.tenant_id = sa.tenant_id AND s.store_id = sa.store_id AND s.is_active
		 WHERE sa.tenant_id = $1
		   AND ($2 = '' OR s.region = $2)
		   AND ($3 = '' OR s.tier = $3)
		 ORDER BY 3 DESC, sa.store_id
		 LIMIT $4`,
		pointsColumn(period), perCapitaColumn(period),
	)

	rows, err := r.pool.Query(ctx, q, tenantID, filters.Region, filters.Tier, limit)
	if err != nil {
		return nil, fmt.Errorf("select store leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var entry model.LeaderboardEntry
		if err := rows.Scan(&entry.StoreID, &entry.Points, &entry.PerCapita); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		res = append(res, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// QueryDepartmentLeaderboard возвращает отделы магазинов, упорядоченные по
// убыванию подушевых баллов окна с тем же детерминированным порядком.
func (r *PostgresRepository) QueryDepartmentLeaderboard(ctx context.Context, tenantID int64, period model.Period, filters model.LeaderboardFilters, limit int) ([]model.LeaderboardEntry, error) {
	q := fmt.Sprintf(
		`SELECT da.store_id, da.department_id, da.%s, da.%s
		 FROM department_aggregates da
		 JOIN stores s ON s.tenant_id = da.tenant_id AND s.store_id = da.store_id AND s.is_active
		 WHERE da.tenant_id = $1
		   AND ($2 = 0 OR da.store_id = $2)
		   AND ($3 = 0 OR da.department_id = $3)
		   AND ($4 = '' OR s.region = $4)
		 ORDER BY 4 DESC, da.store_id, da.department_id
		 LIMIT $5`,
		pointsColumn(period), perCapitaColumn(period),
	)

	rows, err := r.pool.Query(ctx, q, tenantID, filters.StoreID, filters.DepartmentID, filters.Region, limit)
	if err != nil {
		return nil, fmt.Errorf("select department leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var entry model.LeaderboardEntry
		if err := rows.Scan(&entry.StoreID, &entry.DepartmentID, &entry.Points, &entry.PerCapita); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		res = append(res, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetUserRank возвращает позицию пользователя в общем рейтинге арендатора по
// суммарным баллам с тем же правилом разрешения равенств, что и в выдаче
// рейтинга.
func (r *PostgresRepository) GetUserRank(ctx context.Context, tenantID, userID int64) (int, error) {
	var rank int
	err := r.pool.QueryRow(ctx,
		`WITH me AS (
		   SELECT COALESCE(
		     (SELECT total_points FROM user_aggregates WHERE tenant_id = $1 AND user_id = $2), 0
		   ) AS total_points
		 )
		 SELECT COUNT(*) + 1
		 FROM user_aggregates a, me
		 WHERE a.tenant_id = $1
		   AND (a.total_points > me.total_points
		     OR (a.total_points = me.total_points AND a.user_id < $2))`,
		tenantID, userID,
	).Scan(&rank)
	if err != nil {
		return 0, fmt.Errorf("get user rank: %w", err)
	}
	return rank, nil
}
