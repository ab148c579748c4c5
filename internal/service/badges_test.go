package service

import (
	"context"
	"testing"
	"time"

	"github.com/fieldscore/scoring-engine/internal/model"
)

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func TestStreakLength(t *testing.T) {
	now := time.Date(2025, 3, 12, 15, 30, 0, 0, time.UTC)
	today := day(now)

	tests := []struct {
		name string
		days []time.Time
		want int
	}{
		{
			name: "empty history",
			days: nil,
			want: 0,
		},
		{
			name: "three consecutive days ending today",
			days: []time.Time{today, today.AddDate(0, 0, -1), today.AddDate(0, 0, -2)},
			want: 3,
		},
		{
			name: "streak alive when latest day is yesterday",
			days: []time.Time{today.AddDate(0, 0, -1), today.AddDate(0, 0, -2)},
			want: 2,
		},
		{
			name: "one day gap breaks the chain",
			days: []time.Time{today, today.AddDate(0, 0, -1), today.AddDate(0, 0, -3)},
			want: 2,
		},
		{
			name: "stale streak is dead",
			days: []time.Time{today.AddDate(0, 0, -2), today.AddDate(0, 0, -3)},
			want: 0,
		},
		{
			name: "single entry today",
			days: []time.Time{today},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := streakLength(tt.days, now); got != tt.want {
				t.Fatalf("streakLength = %d, want %d", got, tt.want)
			}
		})
	}
}

func countBadge(id, threshold int64) model.Badge {
	return model.Badge{
		ID:       id,
		TenantID: 1,
		Name:     "Auditor",
		IsActive: true,
		Criteria: model.BadgeCriteria{
			Kind:       model.CriteriaCount,
			ActionType: model.ActionAuditPassed,
			Threshold:  threshold,
		},
	}
}

func TestEvaluateBadges_CountThresholdMet(t *testing.T) {
	repo := &stubRepo{
		badges:     []model.Badge{countBadge(1, 5)},
		entryCount: 5,
	}
	e := newTestEngine(repo, nil)

	newly, err := e.EvaluateBadges(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("EvaluateBadges error: %v", err)
	}
	if len(newly) != 1 || newly[0].ID != 1 {
		t.Fatalf("expected badge 1 earned, got %+v", newly)
	}
}

func TestEvaluateBadges_CountThresholdNotMet(t *testing.T) {
	repo := &stubRepo{
		badges:     []model.Badge{countBadge(1, 5)},
		entryCount: 4,
	}
	e := newTestEngine(repo, nil)

	newly, err := e.EvaluateBadges(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("EvaluateBadges error: %v", err)
	}
	if len(newly) != 0 {
		t.Fatalf("badge must not be earned with 4 of 5 entries")
	}
}

func TestEvaluateBadges_AlreadyEarnedExcluded(t *testing.T) {
	repo := &stubRepo{
		badges:     []model.Badge{countBadge(1, 5)},
		entryCount: 10,
		earnedIDs:  map[int64]bool{1: true},
	}
	e := newTestEngine(repo, nil)

	newly, err := e.EvaluateBadges(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("EvaluateBadges error: %v", err)
	}
	if len(newly) != 0 {
		t.Fatalf("already earned badge must be excluded")
	}
	if len(repo.awardedBadges) != 0 {
		t.Fatalf("no insert must happen for earned badge")
	}
}

func TestEvaluateBadges_ConcurrentAwardLosesQuietly(t *testing.T) {
	repo := &stubRepo{
		badges:          []model.Badge{countBadge(1, 5)},
		entryCount:      10,
		awardDuplicated: true,
	}
	e := newTestEngine(repo, nil)

	newly, err := e.EvaluateBadges(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("EvaluateBadges error: %v", err)
	}
	if len(newly) != 0 {
		t.Fatalf("lost insert race must not report the badge as newly earned")
	}
}

func TestEvaluateBadges_TotalPointsCriteria(t *testing.T) {
	repo := &stubRepo{
		badges: []model.Badge{{
			ID: 2, TenantID: 1, Name: "Centurion", IsActive: true,
			Criteria: model.BadgeCriteria{Kind: model.CriteriaTotalPoints, Threshold: 100},
		}},
		userAgg: &model.UserAggregate{TenantID: 1, UserID: 7, TotalPoints: 120},
	}
	e := newTestEngine(repo, nil)

	newly, err := e.EvaluateBadges(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("EvaluateBadges error: %v", err)
	}
	if len(newly) != 1 || newly[0].ID != 2 {
		t.Fatalf("expected total-points badge earned, got %+v", newly)
	}
}

func TestEvaluateBadges_StreakCriteria(t *testing.T) {
	now := time.Now().UTC()
	today := day(now)

	repo := &stubRepo{
		badges: []model.Badge{{
			ID: 3, TenantID: 1, Name: "Three in a row", IsActive: true,
			Criteria: model.BadgeCriteria{Kind: model.CriteriaStreak, ActionType: model.ActionTaskCompleted, Threshold: 3},
		}},
		actionDays: []time.Time{today, today.AddDate(0, 0, -1), today.AddDate(0, 0, -2)},
	}
	e := newTestEngine(repo, nil)

	newly, err := e.EvaluateBadges(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("EvaluateBadges error: %v", err)
	}
	if len(newly) != 1 || newly[0].ID != 3 {
		t.Fatalf("expected streak badge earned, got %+v", newly)
	}
}

func TestEvaluateBadges_UnknownKindSkipped(t *testing.T) {
	repo := &stubRepo{
		badges: []model.Badge{
			{
				ID: 4, TenantID: 1, Name: "Mystery", IsActive: true,
				Criteria: model.BadgeCriteria{Kind: "TOP_OF_WEEK", Threshold: 1},
			},
			countBadge(5, 1),
		},
		entryCount: 1,
	}
	e := newTestEngine(repo, nil)

	newly, err := e.EvaluateBadges(context.Background(), 1, 7)
	if err != nil {
		t.Fatalf("unknown criteria kind must not fail evaluation: %v", err)
	}
	if len(newly) != 1 || newly[0].ID != 5 {
		t.Fatalf("known badge must still be evaluated, got %+v", newly)
	}
}
