package delivery

import "time"

var DefaultRetrySchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	3 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// NextDelay returns the wait after the given (1-indexed) failed attempt.
// Attempts beyond the schedule reuse its last entry.
func NextDelay(attemptCount int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
