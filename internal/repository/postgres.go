// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/fieldscore/scoring-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRuleNotFound возвращается, если правило начисления не сконфигурировано.
var (
	ErrRuleNotFound = errors.New("point rule not found")
	// ErrEmployeeNotFound возвращается, если активный сотрудник не найден.
	ErrEmployeeNotFound = errors.New("employee not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetPointRule возвращает правило начисления для типа события.
func (r *PostgresRepository) GetPointRule(ctx context.Context, tenantID int64, actionType model.ActionType) (*model.PointRule, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT tenant_id, action_type, points, is_active, description, resubmission_multiplier, updated_at
		 FROM point_rules
		 WHERE tenant_id = $1 AND action_type = $2`,
		tenantID, string(actionType),
	)

	var p model.PointRule
	var at string
	err := row.Scan(&p.TenantID, &at, &p.Points, &p.IsActive, &p.Description, &p.ResubmissionMultiplier, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("get point rule: %w", err)
	}
	p.ActionType = model.ActionType(at)

	return &p, nil
}

// ListPointRules возвращает все правила начисления арендатора.
func (r *PostgresRepository) ListPointRules(ctx context.Context, tenantID int64) ([]model.PointRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tenant_id, action_type, points, is_active, description, resubmission_multiplier, updated_at
		 FROM point_rules
		 WHERE tenant_id = $1
		 ORDER BY action_type`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select point rules: %w", err)
	}
	defer rows.Close()

	var res []model.PointRule
	for rows.Next() {
		var p model.PointRule
		var at string
		if err := rows.Scan(&p.TenantID, &at, &p.Points, &p.IsActive, &p.Description, &p.ResubmissionMultiplier, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan point rule: %w", err)
		}
		p.ActionType = model.ActionType(at)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdatePointRule перезаписывает правило начисления и фиксирует старое и новое
// значение в журнале изменений. Несуществующее правило — ошибка валидации.
func (r *PostgresRepository) UpdatePointRule(ctx context.Context, tenantID int64, actionType model.ActionType, points int64, description string, actorID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var oldPoints int64
	err = tx.QueryRow(ctx,
		`SELECT points FROM point_rules WHERE tenant_id = $1 AND action_type = $2 FOR UPDATE`,
		tenantID, string(actionType),
	).Scan(&oldPoints)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("lock point rule: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE point_rules
		 SET points = $3, description = $4, is_active = TRUE, updated_at = now()
		 WHERE tenant_id = $1 AND action_type = $2`,
		tenantID, string(actionType), points, description,
	)
	if err != nil {
		return fmt.Errorf("update point rule: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO point_rule_audit (tenant_id, action_type, old_points, new_points, actor_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		tenantID, string(actionType), oldPoints, points, actorID,
	)
	if err != nil {
		return fmt.Errorf("insert rule audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// InsertLedgerEntry добавляет неизменяемую запись журнала и возвращает её
// с заполненными идентификатором и временем создания.
func (r *PostgresRepository) InsertLedgerEntry(ctx context.Context, e model.LedgerEntry) (*model.LedgerEntry, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO ledger_entries
		   (tenant_id, actor_id, action_type, points, entity_type, entity_id, is_first_attempt, quality_multiplier)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		e.TenantID, e.ActorID, string(e.ActionType), e.Points, e.EntityType, e.EntityID, e.IsFirstAttempt, e.QualityMultiplier,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	return &e, nil
}

// CountLedgerEntries возвращает количество записей журнала пользователя по типу события.
func (r *PostgresRepository) CountLedgerEntries(ctx context.Context, tenantID, userID int64, actionType model.ActionType) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ledger_entries
		 WHERE tenant_id = $1 AND actor_id = $2 AND action_type = $3`,
		tenantID, userID, string(actionType),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// ListActionDays возвращает различные календарные дни UTC с записями журнала
// пользователя по типу события, от новых к старым.
func (r *PostgresRepository) ListActionDays(ctx context.Context, tenantID, userID int64, actionType model.ActionType) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day
		 FROM ledger_entries
		 WHERE tenant_id = $1 AND actor_id = $2 AND action_type = $3
		 ORDER BY day DESC`,
		tenantID, userID, string(actionType),
	)
	if err != nil {
		return nil, fmt.Errorf("select action days: %w", err)
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan action day: %w", err)
		}
		days = append(days, d.UTC())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return days, nil
}

// IncrementUser атомарно добавляет баллы к агрегату пользователя, создавая
// строку при первом событии, и возвращает обновлённые счётчики.
func (r *PostgresRepository) IncrementUser(ctx context.Context, tenantID, userID, points int64) (*model.UserAggregate, error) {
	agg := model.UserAggregate{TenantID: tenantID, UserID: userID}

	err := r.withRetry(ctx, func() error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO user_aggregates (tenant_id, user_id, total_points, weekly_points, monthly_points)
			 VALUES ($1, $2, $3, $3, $3)
			 ON CONFLICT (tenant_id, user_id) DO UPDATE SET
			   total_points = user_aggregates.total_points + EXCLUDED.total_points,
			   weekly_points = user_aggregates.weekly_points + EXCLUDED.weekly_points,
			   monthly_points = user_aggregates.monthly_points + EXCLUDED.monthly_points
			 RETURNING total_points, weekly_points, monthly_points`,
			tenantID, userID, points,
		).Scan(&agg.TotalPoints, &agg.WeeklyPoints, &agg.MonthlyPoints)
	})
	if err != nil {
		return nil, fmt.Errorf("increment user aggregate: %w", err)
	}

	return &agg, nil
}

// IncrementStore атомарно добавляет баллы к агрегату магазина. Численность и
// подушевые показатели пересчитываются в том же операторе: отдельное
// чтение-запись потеряло бы инкременты при параллельных вызовах.
func (r *PostgresRepository) IncrementStore(ctx context.Context, tenantID, storeID, points int64, employeeCount int) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx,
			`INSERT INTO store_aggregates
			   (tenant_id, store_id, total_points, weekly_points, monthly_points, active_employee_count,
			    per_capita_total, per_capita_weekly, per_capita_monthly)
			 VALUES ($1, $2, $3, $3, $3, $4,
			         $3::numeric / GREATEST($4, 1), $3::numeric / GREATEST($4, 1), $3::numeric / GREATEST($4, 1))
			 ON CONFLICT (tenant_id, store_id) DO UPDATE SET
			   total_points = store_aggregates.total_points + EXCLUDED.total_points,
			   weekly_points = store_aggregates.weekly_points + EXCLUDED.weekly_points,
			   monthly_points = store_aggregates.monthly_points + EXCLUDED.monthly_points,
			   active_employee_count = EXCLUDED.active_employee_count,
			   per_capita_total = (store_aggregates.total_points + EXCLUDED.total_points)::numeric / GREATEST(EXCLUDED.active_employee_count, 1),
			   per_capita_weekly = (store_aggregates.weekly_points + EXCLUDED.weekly_points)::numeric / GREATEST(EXCLUDED.active_employee_count, 1),
			   per_capita_monthly = (store_aggregates.monthly_points + EXCLUDED.monthly_points)::numeric / GREATEST(EXCLUDED.active_employee_count, 1)`,
			tenantID, storeID, points, employeeCount,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("increment store aggregate: %w", err)
	}

	return nil
}

// IncrementDepartment атомарно добавляет баллы к агрегату отдела магазина.
func (r *PostgresRepository) IncrementDepartment(ctx context.Context, tenantID, storeID, departmentID, points int64, employeeCount int) error {
	err := r.withRetry(ctx, func() error {
		_, execErr := r.pool.Exec(ctx,
			`INSERT INTO department_aggregates
			   (tenant_id, store_id, department_id, total_points, weekly_points, monthly_points, active_employee_count,
			    per_capita_total, per_capita_weekly, per_capita_monthly)
			 VALUES ($1, $2, $3, $4, $4, $4, $5,
			         $4::numeric / GREATEST($5, 1), $4::numeric / GREATEST($5, 1), $4::numeric / GREATEST($5, 1))
			 ON CONFLICT (tenant_id, store_id, department_id) DO UPDATE SET
			   total_points = department_aggregates.total_points + EXCLUDED.total_points,
			   weekly_points = department_aggregates.weekly_points + EXCLUDED.weekly_points,
			   monthly_points = department_aggregates.monthly_points + EXCLUDED.monthly_points,
			   active_employee_count = EXCLUDED.active_employee_count,
			   per_capita_total = (department_aggregates.total_points + EXCLUDED.total_points)::numeric / GREATEST(EXCLUDED.active_employee_count, 1),
			   per_capita_weekly = (department_aggregates.weekly_points + EXCLUDED.weekly_points)::numeric / GREATEST(EXCLUDED.active_employee_count, 1),
			   per_capita_monthly = (department_aggregates.monthly_points + EXCLUDED.monthly_points)::numeric / GREATEST(EXCLUDED.active_employee_count, 1)`,
			tenantID, storeID, departmentID, points, employeeCount,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("increment department aggregate: %w", err)
	}

	return nil
}

// GetUserAggregate возвращает агрегат пользователя. Для пользователя без
// единого начисления возвращается нулевой агрегат: строки создаются лениво.
func (r *PostgresRepository) GetUserAggregate(ctx context.Context, tenantID, userID int64) (*model.UserAggregate, error) {
	agg := model.UserAggregate{TenantID: tenantID, UserID: userID}

	err := r.pool.QueryRow(ctx,
		`SELECT total_points, weekly_points, monthly_points
		 FROM user_aggregates
		 WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	).Scan(&agg.TotalPoints, &agg.WeeklyPoints, &agg.MonthlyPoints)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &agg, nil
		}
		return nil, fmt.Errorf("get user aggregate: %w", err)
	}

	return &agg, nil
}

// GetStoreAggregate возвращает агрегат магазина или нулевую строку, если
// магазин ещё не получал баллов.
func (r *PostgresRepository) GetStoreAggregate(ctx context.Context, tenantID, storeID int64) (*model.StoreAggregate, error) {
	agg := model.StoreAggregate{TenantID: tenantID, StoreID: storeID}

	err := r.pool.QueryRow(ctx,
		`SELECT total_points, weekly_points, monthly_points, active_employee_count,
		        per_capita_total, per_capita_weekly, per_capita_monthly,
		        weekly_compliance_rate, monthly_compliance_rate
		 FROM store_aggregates
		 WHERE tenant_id = $1 AND store_id = $2`,
		tenantID, storeID,
	).Scan(&agg.TotalPoints, &agg.WeeklyPoints, &agg.MonthlyPoints, &agg.ActiveEmployeeCount,
		&agg.PerCapitaTotal, &agg.PerCapitaWeekly, &agg.PerCapitaMonthly,
		&agg.WeeklyComplianceRate, &agg.MonthlyComplianceRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &agg, nil
		}
		return nil, fmt.Errorf("get store aggregate: %w", err)
	}

	return &agg, nil
}

// GetEmployee возвращает активного сотрудника с его магазином и отделом.
func (r *PostgresRepository) GetEmployee(ctx context.Context, tenantID, userID int64) (*model.Employee, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT store_id, COALESCE(department_id, 0), role
		 FROM employees
		 WHERE tenant_id = $1 AND user_id = $2 AND is_active`,
		tenantID, userID,
	)

	e := model.Employee{TenantID: tenantID, UserID: userID}
	err := row.Scan(&e.StoreID, &e.DepartmentID, &e.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmployeeNotFound
		}
		return nil, fmt.Errorf("get employee: %w", err)
	}

	return &e, nil
}

// GetEmployeeCount возвращает численность активных сотрудников магазина.
// При departmentID > 0 счёт ограничивается отделом.
func (r *PostgresRepository) GetEmployeeCount(ctx context.Context, tenantID, storeID, departmentID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM employees
		 WHERE tenant_id = $1 AND store_id = $2 AND is_active
		   AND ($3 = 0 OR department_id = $3)`,
		tenantID, storeID, departmentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count employees: %w", err)
	}
	return n, nil
}

// ListEarnedBadgeIDs возвращает множество идентификаторов значков пользователя.
func (r *PostgresRepository) ListEarnedBadgeIDs(ctx context.Context, tenantID, userID int64) (map[int64]bool, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT badge_id FROM user_badges WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select earned badges: %w", err)
	}
	defer rows.Close()

	earned := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan badge id: %w", err)
		}
		earned[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return earned, nil
}

// ListActiveBadges возвращает активный каталог значков арендатора.
func (r *PostgresRepository) ListActiveBadges(ctx context.Context, tenantID int64) ([]model.Badge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, criteria_kind, action_type, threshold
		 FROM badges
		 WHERE tenant_id = $1 AND is_active
		 ORDER BY id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("select badges: %w", err)
	}
	defer rows.Close()

	var res []model.Badge
	for rows.Next() {
		b := model.Badge{TenantID: tenantID, IsActive: true}
		var kind, at string
		if err := rows.Scan(&b.ID, &b.Name, &kind, &at, &b.Criteria.Threshold); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		b.Criteria.Kind = model.CriteriaKind(kind)
		b.Criteria.ActionType = model.ActionType(at)
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertUserBadge создаёт запись о полученном значке и сообщает, была ли она
// создана. Уникальность (userID, badgeID) гарантирует однократную выдачу при
// параллельных оценках.
func (r *PostgresRepository) InsertUserBadge(ctx context.Context, tenantID, userID, badgeID int64) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO user_badges (tenant_id, user_id, badge_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, user_id, badge_id) DO NOTHING`,
		tenantID, userID, badgeID,
	)
	if err != nil {
		return false, fmt.Errorf("insert user badge: %w", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// ListUserBadges возвращает значки пользователя с датами получения.
func (r *PostgresRepository) ListUserBadges(ctx context.Context, tenantID, userID int64) ([]model.EarnedBadge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ub.badge_id, b.name, ub.earned_at
		 FROM user_badges ub
		 JOIN badges b ON b.id = ub.badge_id
		 WHERE ub.tenant_id = $1 AND ub.user_id = $2
		 ORDER BY ub.earned_at`,
		tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select user badges: %w", err)
	}
	defer rows.Close()

	var res []model.EarnedBadge
	for rows.Next() {
		var eb model.EarnedBadge
		if err := rows.Scan(&eb.BadgeID, &eb.Name, &eb.EarnedAt); err != nil {
			return nil, fmt.Errorf("scan user badge: %w", err)
		}
		res = append(res, eb)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListBadgesWithCounts возвращает каталог значков с количеством обладателей.
// При userID > 0 дополнительно помечает значки, которые есть у пользователя.
func (r *PostgresRepository) ListBadgesWithCounts(ctx context.Context, tenantID, userID int64) ([]model.BadgeSummary, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT b.id, b.name, b.criteria_kind, b.action_type, b.threshold,
		        COUNT(ub.user_id), COALESCE(BOOL_OR(ub.user_id = $2), FALSE)
		 FROM badges b
		 LEFT JOIN user_badges ub ON ub.tenant_id = b.tenant_id AND ub.badge_id = b.id
		 WHERE b.tenant_id = $1 AND b.is_active
		 GROUP BY b.id, b.name, b.criteria_kind, b.action_type, b.threshold
		 ORDER BY b.id`,
		tenantID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select badge summaries: %w", err)
	}
	defer rows.Close()

	var res []model.BadgeSummary
	for rows.Next() {
		s := model.BadgeSummary{Badge: model.Badge{TenantID: tenantID, IsActive: true}}
		var kind, at string
		if err := rows.Scan(&s.Badge.ID, &s.Badge.Name, &kind, &at, &s.Badge.Criteria.Threshold, &s.EarnedCount, &s.EarnedByUser); err != nil {
			return nil, fmt.Errorf("scan badge summary: %w", err)
		}
		s.Badge.Criteria.Kind = model.CriteriaKind(kind)
		s.Badge.Criteria.ActionType = model.ActionType(at)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
