package engine

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultProgressRate is how many Progress events per second a task emits
// at most. Final progress is always delivered.
const DefaultProgressRate = 10

// NewProgressLimiter creates the limiter that throttles Progress events.
// perSecond <= 0 disables throttling.
func NewProgressLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(float64(time.Second)/perSecond)), 1)
}
