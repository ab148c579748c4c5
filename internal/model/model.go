// Package model содержит доменные сущности движка начисления баллов.
package model

import "time"

// ActionType описывает тип операционного события, за которое начисляются баллы.
type ActionType string

// Известные типы событий. Реестр правил допускает и другие значения:
// для несконфигурированных типов Resolve возвращает неактивное правило.
const (
	ActionTaskCompleted      ActionType = "TASK_COMPLETED"
	ActionTaskVerified       ActionType = "TASK_VERIFIED"
	ActionChecklistCompleted ActionType = "CHECKLIST_COMPLETED"
	ActionAuditPassed        ActionType = "AUDIT_PASSED"
	ActionIssueResolved      ActionType = "ISSUE_RESOLVED"
	ActionTrainingCompleted  ActionType = "TRAINING_COMPLETED"
	ActionReceivingConfirmed ActionType = "RECEIVING_CONFIRMED"
)

// PointRule задаёт количество баллов за тип события в рамках арендатора.
// Правила никогда не удаляются, только деактивируются.
type PointRule struct {
	TenantID               int64
	ActionType             ActionType
	Points                 int64
	IsActive               bool
	Description            string
	ResubmissionMultiplier float64
	UpdatedAt              time.Time
}

// LedgerEntry — неизменяемая запись журнала об одном засчитанном событии.
// Баллы в записи уже учитывают множитель качества.
type LedgerEntry struct {
	ID                int64
	TenantID          int64
	ActorID           int64
	ActionType        ActionType
	Points            int64
	EntityType        string
	EntityID          int64
	IsFirstAttempt    bool
	QualityMultiplier float64
	CreatedAt         time.Time
}

// UserAggregate содержит накопленные баллы пользователя по окнам.
type UserAggregate struct {
	TenantID      int64
	UserID        int64
	TotalPoints   int64
	WeeklyPoints  int64
	MonthlyPoints int64
}

// StoreAggregate содержит накопленные баллы магазина, подушевые показатели
// и проценты исполнения обязательных работ.
type StoreAggregate struct {
	TenantID              int64
	StoreID               int64
	TotalPoints           int64
	WeeklyPoints          int64
	MonthlyPoints         int64
	ActiveEmployeeCount   int
	PerCapitaTotal        float64
	PerCapitaWeekly       float64
	PerCapitaMonthly      float64
	WeeklyComplianceRate  float64
	MonthlyComplianceRate float64
}

// DepartmentAggregate — агрегат отдела внутри магазина, форма совпадает со StoreAggregate.
type DepartmentAggregate struct {
	TenantID            int64
	StoreID             int64
	DepartmentID        int64
	TotalPoints         int64
	WeeklyPoints        int64
	MonthlyPoints       int64
	ActiveEmployeeCount int
	PerCapitaTotal      float64
	PerCapitaWeekly     float64
	PerCapitaMonthly    float64
}

// CriteriaKind перечисляет закрытый набор видов критериев значка.
type CriteriaKind string

const (
	CriteriaCount       CriteriaKind = "COUNT"
	CriteriaTotalPoints CriteriaKind = "TOTAL_POINTS"
	CriteriaStreak      CriteriaKind = "STREAK"
)

// BadgeCriteria описывает условие получения значка. Смысл Threshold зависит
// от вида: количество событий, сумма баллов или длина серии в днях.
// ActionType заполняется только для COUNT и STREAK.
type BadgeCriteria struct {
	Kind       CriteriaKind
	ActionType ActionType
	Threshold  int64
}

// Valid сообщает, относится ли критерий к известному виду.
// Записи с неизвестным видом пропускаются при оценке, а не роняют её.
func (c BadgeCriteria) Valid() bool {
	switch c.Kind {
	case CriteriaCount, CriteriaTotalPoints, CriteriaStreak:
		return true
	}
	return false
}

// Badge — элемент каталога значков.
type Badge struct {
	ID       int64
	TenantID int64
	Name     string
	Criteria BadgeCriteria
	IsActive bool
}

// UserBadge фиксирует факт получения значка. Пара (userID, badgeID)
// уникальна на уровне хранилища.
type UserBadge struct {
	TenantID int64
	UserID   int64
	BadgeID  int64
	EarnedAt time.Time
}

// BadgeSummary — элемент каталога с количеством обладателей и признаком
// наличия значка у запрошенного пользователя.
type BadgeSummary struct {
	Badge        Badge
	EarnedCount  int64
	EarnedByUser bool
}

// Period задаёт временное окно для рейтингов и сбросов.
type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodAllTime Period = "allTime"
)

// LeaderboardType задаёт субъект ранжирования.
type LeaderboardType string

const (
	LeaderboardIndividual LeaderboardType = "individual"
	LeaderboardStore      LeaderboardType = "store"
	LeaderboardDepartment LeaderboardType = "department"
)

// LeaderboardFilters ограничивает выборку рейтинга. Нулевые значения
// означают отсутствие фильтра.
type LeaderboardFilters struct {
	StoreID      int64
	DepartmentID int64
	Region       string
	Role         string
	Tier         string
}

// LeaderboardEntry — одна строка рейтинга. Для индивидуального рейтинга
// заполнены UserID и Points; для магазинов и отделов дополнительно PerCapita,
// по которому и выполняется ранжирование.
type LeaderboardEntry struct {
	Rank         int     `json:"rank"`
	UserID       int64   `json:"user_id,omitempty"`
	StoreID      int64   `json:"store_id,omitempty"`
	DepartmentID int64   `json:"department_id,omitempty"`
	Points       int64   `json:"points"`
	PerCapita    float64 `json:"per_capita,omitempty"`
}

// EarnedBadge — значок в профиле пользователя.
type EarnedBadge struct {
	BadgeID  int64     `json:"badge_id"`
	Name     string    `json:"name"`
	EarnedAt time.Time `json:"earned_at"`
}

// Profile — сводка по пользователю для презентационного слоя.
type Profile struct {
	UserID        int64         `json:"user_id"`
	TotalPoints   int64         `json:"total_points"`
	WeeklyPoints  int64         `json:"weekly_points"`
	MonthlyPoints int64         `json:"monthly_points"`
	Rank          int           `json:"rank"`
	Badges        []EarnedBadge `json:"badges"`
}

// Employee описывает принадлежность активного сотрудника к магазину и отделу.
// DepartmentID равен нулю, если сотрудник не закреплён за отделом.
type Employee struct {
	TenantID     int64
	UserID       int64
	StoreID      int64
	DepartmentID int64
	Role         string
}

// Store — справочная запись магазина для фильтров рейтинга и плановых задач.
type Store struct {
	TenantID   int64
	StoreID    int64
	Region     string
	Tier       string
	TierPinned bool
	IsActive   bool
}

// ComplianceSummary — проценты исполнения магазина по обоим окнам.
type ComplianceSummary struct {
	WeeklyRate  float64 `json:"weekly_rate"`
	MonthlyRate float64 `json:"monthly_rate"`
}

// PointsAwardedEvent — исходящее событие о начислении баллов.
type PointsAwardedEvent struct {
	ActorID           int64      `json:"actor_id"`
	ActionType        ActionType `json:"action_type"`
	Points            int64      `json:"points"`
	TotalPoints       int64      `json:"total_points"`
	WeeklyPoints      int64      `json:"weekly_points"`
	MonthlyPoints     int64      `json:"monthly_points"`
	QualityMultiplier float64    `json:"quality_multiplier"`
}

// BadgeEarnedEvent — исходящее событие о полученном значке.
type BadgeEarnedEvent struct {
	ActorID   int64  `json:"actor_id"`
	BadgeID   int64  `json:"badge_id"`
	BadgeName string `json:"badge_name"`
}
