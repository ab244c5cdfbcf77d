package routine

import (
	"math"
	"time"
)

const trailingWindow = 30 * 24 * time.Hour

// Rates holds the two completion percentages maintained on a routine.
type Rates struct {
	Overall int
	Month   int
}

// CompletionRates derives the overall and trailing-30-day completion
// percentages from a routine's instance history. Both are integers in
// [0,100] and default to 100 when no resolved instance exists, so an
// unstarted routine is not penalized.
func CompletionRates(tasks []RoutineTask, now time.Time) Rates {
	windowStart := now.Add(-trailingWindow)

	overallCompleted, overallResolved := 0, 0
	monthCompleted, monthResolved := 0, 0

	for _, task := range tasks {
		if !task.Status.Resolved() {
			continue
		}
		overallResolved++
		if task.Status == TaskStatusCompleted {
			overallCompleted++
		}

		reference := task.ReadyDate
		if task.CompletedDate != nil {
			reference = *task.CompletedDate
		}
		if reference.Before(windowStart) {
			continue
		}
		monthResolved++
		if task.Status == TaskStatusCompleted {
			monthCompleted++
		}
	}

	return Rates{
		Overall: percentage(overallCompleted, overallResolved),
		Month:   percentage(monthCompleted, monthResolved),
	}
}

func percentage(completed, resolved int) int {
	if resolved == 0 {
		return 100
	}
	return int(math.Round(float64(completed) / float64(resolved) * 100))
}
