package service

import (
	"context"
	"testing"
	"time"

	"github.com/fieldscore/scoring-engine/internal/model"
	"github.com/fieldscore/scoring-engine/internal/repository"
)

func TestWindowStart(t *testing.T) {
	// Среда 10 июля 2024, 18:45 UTC
	now := time.Date(2024, 7, 10, 18, 45, 0, 0, time.UTC)

	weekly := windowStart(model.PeriodWeekly, now)
	if want := time.Date(2024, 7, 7, 0, 0, 0, 0, time.UTC); !weekly.Equal(want) {
		t.Fatalf("weekly window start = %v, want %v", weekly, want)
	}

	monthly := windowStart(model.PeriodMonthly, now)
	if want := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC); !monthly.Equal(want) {
		t.Fatalf("monthly window start = %v, want %v", monthly, want)
	}

	// Воскресенье — начало собственной недели
	sunday := time.Date(2024, 7, 7, 3, 0, 0, 0, time.UTC)
	if got := windowStart(model.PeriodWeekly, sunday); !got.Equal(time.Date(2024, 7, 7, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("sunday window start = %v", got)
	}
}

func TestComputeStoreCompliance_ZeroAssigned(t *testing.T) {
	repo := &stubRepo{complianceCounts: &repository.ComplianceCounts{}}
	e := newTestEngine(repo, nil)

	rate, err := e.ComputeStoreCompliance(context.Background(), 1, 3, model.PeriodWeekly)
	if err != nil {
		t.Fatalf("ComputeStoreCompliance error: %v", err)
	}
	if rate != 100 {
		t.Fatalf("rate = %v, want 100 for zero assigned work", rate)
	}
	if repo.setRates[model.PeriodWeekly] != 100 {
		t.Fatalf("persisted rate = %v, want 100", repo.setRates[model.PeriodWeekly])
	}
}

func TestComputeStoreCompliance_Rounding(t *testing.T) {
	repo := &stubRepo{complianceCounts: &repository.ComplianceCounts{
		TasksAssigned:       2,
		TasksCompleted:      1,
		ChecklistsAssigned:  1,
		ChecklistsCompleted: 1,
	}}
	e := newTestEngine(repo, nil)

	rate, err := e.ComputeStoreCompliance(context.Background(), 1, 3, model.PeriodMonthly)
	if err != nil {
		t.Fatalf("ComputeStoreCompliance error: %v", err)
	}
	// 2 из 3 = 66.66..., округляется до 67
	if rate != 67 {
		t.Fatalf("rate = %v, want 67", rate)
	}
}

func TestComputeStoreCompliance_AllSources(t *testing.T) {
	repo := &stubRepo{complianceCounts: &repository.ComplianceCounts{
		TasksAssigned:       4,
		TasksCompleted:      4,
		ChecklistsAssigned:  3,
		ChecklistsCompleted: 3,
		AuditsAssigned:      1,
		AuditsCompleted:     1,
	}}
	e := newTestEngine(repo, nil)

	rate, err := e.ComputeStoreCompliance(context.Background(), 1, 3, model.PeriodWeekly)
	if err != nil {
		t.Fatalf("ComputeStoreCompliance error: %v", err)
	}
	if rate != 100 {
		t.Fatalf("rate = %v, want 100", rate)
	}
}
