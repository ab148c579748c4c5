// Package validation содержит проверку входных параметров API движка.
package validation

import "github.com/fieldscore/scoring-engine/internal/model"

// ParsePeriod разбирает строковый параметр окна. Пустая строка означает
// окно по умолчанию allTime.
func ParsePeriod(s string) (model.Period, bool) {
	switch s {
	case "", string(model.PeriodAllTime):
		return model.PeriodAllTime, true
	case string(model.PeriodWeekly):
		return model.PeriodWeekly, true
	case string(model.PeriodMonthly):
		return model.PeriodMonthly, true
	}
	return "", false
}

// ParseLeaderboardType разбирает строковый параметр вида рейтинга. Пустая
// строка означает индивидуальный рейтинг.
func ParseLeaderboardType(s string) (model.LeaderboardType, bool) {
	switch s {
	case "", string(model.LeaderboardIndividual):
		return model.LeaderboardIndividual, true
	case string(model.LeaderboardStore):
		return model.LeaderboardStore, true
	case string(model.LeaderboardDepartment):
		return model.LeaderboardDepartment, true
	}
	return "", false
}

// IsValidActionType проверяет формат типа события: непустой идентификатор из
// прописных латинских букв, цифр и подчёркиваний. Неизвестные движку типы
// допустимы — для них реестр просто не находит активного правила.
func IsValidActionType(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}

	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}

	return true
}
