package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldscore/scoring-engine/internal/model"
)

// ComplianceCounts содержит назначенные и выполненные работы магазина за окно
// по трём источникам фактов.
type ComplianceCounts struct {
	TasksAssigned        int64
	TasksCompleted       int64
	ChecklistsAssigned   int64
	ChecklistsCompleted  int64
	AuditsAssigned       int64
	AuditsCompleted      int64
}

// CountComplianceFacts считает назначенные и выполненные работы магазина
// начиная с указанного момента. Выполненной считается задача в статусе
// COMPLETED или VERIFIED, чек-лист и аудит — в статусе COMPLETED.
func (r *PostgresRepository) CountComplianceFacts(ctx context.Context, tenantID, storeID int64, since time.Time) (*ComplianceCounts, error) {
	var c ComplianceCounts
	err := r.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM task_assignments
		    WHERE tenant_id = $1 AND store_id = $2 AND assigned_at >= $3),
		   (SELECT COUNT(*) FROM task_assignments
		    WHERE tenant_id = $1 AND store_id = $2 AND assigned_at >= $3 AND status IN ('COMPLETED', 'VERIFIED')),
		   (SELECT COUNT(*) FROM checklist_submissions
		    WHERE tenant_id = $1 AND store_id = $2 AND assigned_at >= $3),
		   (SELECT COUNT(*) FROM checklist_submissions
		    WHERE tenant_id = $1 AND store_id = $2 AND assigned_at >= $3 AND status = 'COMPLETED'),
		   (SELECT COUNT(*) FROM audit_schedules
		    WHERE tenant_id = $1 AND store_id = $2 AND assigned_at >= $3),
		   (SELECT COUNT(*) FROM audit_schedules
		    WHERE tenant_id = $1 AND store_id = $2 AND assigned_at >= $3 AND status = 'COMPLETED')`,
		tenantID, storeID, since,
	).Scan(&c.TasksAssigned, &c.TasksCompleted, &c.ChecklistsAssigned, &c.ChecklistsCompleted, &c.AuditsAssigned, &c.AuditsCompleted)
	if err != nil {
		return nil, fmt.Errorf("count compliance facts: %w", err)
	}

	return &c, nil
}

// SetStoreComplianceRate записывает процент исполнения магазина за окно.
// Строка агрегата создаётся при необходимости: у магазина без начислений
// процент исполнения всё равно существует.
func (r *PostgresRepository) SetStoreComplianceRate(ctx context.Context, tenantID, storeID int64, period model.Period, rate float64) error {
	col := "weekly_compliance_rate"
	if period == model.PeriodMonthly {
		col = "monthly_compliance_rate"
	}

	q := fmt.Sprintf(
		`INSERT INTO store_aggregates (tenant_id, store_id, %s)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, store_id) DO UPDATE SET %s = EXCLUDED.%s`,
		col, col, col,
	)

	if _, err := r.pool.Exec(ctx, q, tenantID, storeID, rate); err != nil {
		return fmt.Errorf("set compliance rate: %w", err)
	}

	return nil
}

// ResetWeeklyCounters обнуляет недельные счётчики всех трёх агрегатных таблиц.
// Сброс — безусловная атомарная запись, а не чтение с последующей записью,
// поэтому он не конфликтует с параллельными инкрементами.
func (r *PostgresRepository) ResetWeeklyCounters(ctx context.Context) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `UPDATE user_aggregates SET weekly_points = 0`); err != nil {
			return fmt.Errorf("reset user weekly: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE store_aggregates SET weekly_points = 0, per_capita_weekly = 0, weekly_compliance_rate = 0`,
		); err != nil {
			return fmt.Errorf("reset store weekly: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE department_aggregates SET weekly_points = 0, per_capita_weekly = 0`,
		); err != nil {
			return fmt.Errorf("reset department weekly: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ResetMonthlyCounters обнуляет месячные счётчики всех трёх агрегатных таблиц.
func (r *PostgresRepository) ResetMonthlyCounters(ctx context.Context) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, `UPDATE user_aggregates SET monthly_points = 0`); err != nil {
			return fmt.Errorf("reset user monthly: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE store_aggregates SET monthly_points = 0, per_capita_monthly = 0, monthly_compliance_rate = 0`,
		); err != nil {
			return fmt.Errorf("reset store monthly: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE department_aggregates SET monthly_points = 0, per_capita_monthly = 0`,
		); err != nil {
			return fmt.Errorf("reset department monthly: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ListActiveStores возвращает активные магазины всех арендаторов для плановых задач.
func (r *PostgresRepository) ListActiveStores(ctx context.Context) ([]model.Store, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id, store_id, region, tier, tier_pinned
		 FROM stores
		 WHERE is_active
		 ORDER BY tenant_id, store_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select active stores: %w", err)
	}
	defer rows.Close()

	var res []model.Store
	for rows.Next() {
		s := model.Store{IsActive: true}
		if err := rows.Scan(&s.TenantID, &s.StoreID, &s.Region, &s.Tier, &s.TierPinned); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListActiveDepartments возвращает отделы магазина, в которых есть активные сотрудники.
func (r *PostgresRepository) ListActiveDepartments(ctx context.Context, tenantID, storeID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT department_id
		 FROM employees
		 WHERE tenant_id = $1 AND store_id = $2 AND is_active AND department_id IS NOT NULL
		 ORDER BY department_id`,
		tenantID, storeID,
	)
	if err != nil {
		return nil, fmt.Errorf("select active departments: %w", err)
	}
	defer rows.Close()

	var res []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan department id: %w", err)
		}
		res = append(res, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SyncStoreHeadcount записывает новую численность магазина и пересчитывает
// подушевые показатели от текущих сумм в одном атомарном операторе.
func (r *PostgresRepository) SyncStoreHeadcount(ctx context.Context, tenantID, storeID int64, employeeCount int) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx,
			`UPDATE store_aggregates SET
			   active_employee_count = $3,
			   per_capita_total = total_points::numeric / GREATEST($3, 1),
			   per_capita_weekly = weekly_points::numeric / GREATEST($3, 1),
			   per_capita_monthly = monthly_points::numeric / GREATEST($3, 1)
			 WHERE tenant_id = $1 AND store_id = $2`,
			tenantID, storeID, employeeCount,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("sync store headcount: %w", err)
	}

	return nil
}

// SyncDepartmentHeadcount — аналог SyncStoreHeadcount для агрегата отдела.
func (r *PostgresRepository) SyncDepartmentHeadcount(ctx context.Context, tenantID, storeID, departmentID int64, employeeCount int) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx,
			`UPDATE department_aggregates SET
			   active_employee_count = $4,
			   per_capita_total = total_points::numeric / GREATEST($4, 1),
			   per_capita_weekly = weekly_points::numeric / GREATEST($4, 1),
			   per_capita_monthly = monthly_points::numeric / GREATEST($4, 1)
			 WHERE tenant_id = $1 AND store_id = $2 AND department_id = $3`,
			tenantID, storeID, departmentID, employeeCount,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("sync department headcount: %w", err)
	}

	return nil
}

// SetStoreTier записывает классификацию размера магазина, если администратор
// не закрепил её вручную.
func (r *PostgresRepository) SetStoreTier(ctx context.Context, tenantID, storeID int64, tier string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE stores SET tier = $3
		 WHERE tenant_id = $1 AND store_id = $2 AND NOT tier_pinned`,
		tenantID, storeID, tier,
	)
	if err != nil {
		return fmt.Errorf("set store tier: %w", err)
	}

	return nil
}

// AcquireJobLease захватывает аренду задачи до указанного момента. Возвращает
// false, если аренда ещё удерживается: пересекающийся запуск пропускается, а
// не ставится в очередь. Просроченная аренда перехватывается, поэтому падение
// посреди запуска не блокирует задачу навсегда.
func (r *PostgresRepository) AcquireJobLease(ctx context.Context, jobName, holder string, until time.Time) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO job_leases (job_name, holder, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		 WHERE job_leases.expires_at <= now()`,
		jobName, holder, until,
	)
	if err != nil {
		return false, fmt.Errorf("acquire job lease: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// ReleaseJobLease досрочно освобождает аренду, если её всё ещё держит holder.
// Используется при полном провале запуска, чтобы ближайший такт мог повторить задачу.
func (r *PostgresRepository) ReleaseJobLease(ctx context.Context, jobName, holder string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM job_leases WHERE job_name = $1 AND holder = $2`,
		jobName, holder,
	)
	if err != nil {
		return fmt.Errorf("release job lease: %w", err)
	}

	return nil
}
