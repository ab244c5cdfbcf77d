package routine

import (
	"testing"
	"time"
)

func resolvedTask(status TaskStatus, completedAt *time.Time, readyDate time.Time) RoutineTask {
	return RoutineTask{
		RoutineID:     "routine-1",
		Status:        status,
		CompletedDate: completedAt,
		ReadyDate:     readyDate,
	}
}

func TestCompletionRatesOverall(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-24 * time.Hour)

	var tasks []RoutineTask
	for i := 0; i < 7; i++ {
		tasks = append(tasks, resolvedTask(TaskStatusCompleted, &recent, recent))
	}
	for i := 0; i < 2; i++ {
		tasks = append(tasks, resolvedTask(TaskStatusMissed, nil, recent))
	}
	tasks = append(tasks, resolvedTask(TaskStatusSkipped, nil, recent))

	rates := CompletionRates(tasks, now)
	if rates.Overall != 70 {
		t.Fatalf("expected overall rate 70, got %d", rates.Overall)
	}
	if rates.Month != 70 {
		t.Fatalf("expected monthly rate 70, got %d", rates.Month)
	}
}

func TestCompletionRatesDefaultToHundred(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rates := CompletionRates(nil, now)
	if rates.Overall != 100 || rates.Month != 100 {
		t.Fatalf("unstarted routine must not be penalized, got %+v", rates)
	}

	// Pending and deferred instances are unresolved and must not count.
	unresolved := []RoutineTask{
		{Status: TaskStatusPending, ReadyDate: now},
		{Status: TaskStatusDeferred, ReadyDate: now},
	}
	rates = CompletionRates(unresolved, now)
	if rates.Overall != 100 || rates.Month != 100 {
		t.Fatalf("unresolved instances must not affect rates, got %+v", rates)
	}
}

func TestCompletionRatesMonthlyWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-45 * 24 * time.Hour)
	recent := now.Add(-5 * 24 * time.Hour)

	tasks := []RoutineTask{
		// Outside the trailing window: counts overall only.
		resolvedTask(TaskStatusMissed, nil, old),
		resolvedTask(TaskStatusMissed, nil, old),
		// Inside the window.
		resolvedTask(TaskStatusCompleted, &recent, recent),
	}

	rates := CompletionRates(tasks, now)
	if rates.Overall != 33 {
		t.Fatalf("expected overall 33, got %d", rates.Overall)
	}
	if rates.Month != 100 {
		t.Fatalf("expected monthly 100, got %d", rates.Month)
	}
}

func TestCompletionRatesStayWithinBounds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)

	combos := [][]RoutineTask{
		{resolvedTask(TaskStatusCompleted, &recent, recent)},
		{resolvedTask(TaskStatusMissed, nil, recent)},
		{
			resolvedTask(TaskStatusCompleted, &recent, recent),
			resolvedTask(TaskStatusCompleted, &recent, recent),
			resolvedTask(TaskStatusSkipped, nil, recent),
		},
	}

	for _, tasks := range combos {
		rates := CompletionRates(tasks, now)
		if rates.Overall < 0 || rates.Overall > 100 {
			t.Fatalf("overall rate out of bounds: %d", rates.Overall)
		}
		if rates.Month < 0 || rates.Month > 100 {
			t.Fatalf("monthly rate out of bounds: %d", rates.Month)
		}
	}
}
