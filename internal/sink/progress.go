package sink

import "time"

// Estimate extrapolates the remaining time of a phase from its elapsed time.
type Estimate struct {
	start time.Time
	now   func() time.Time
}

func NewEstimate() *Estimate {
	return &Estimate{start: time.Now(), now: time.Now}
}

// Get returns the percentage done and the estimated time left. The ETA is
// negative while nothing has completed.
func (e *Estimate) Get(done, total int) (int, time.Duration) {
	if total <= 0 {
		return 100, 0
	}
	percent := 100 * done / total
	if done <= 0 {
		return percent, -1
	}
	elapsed := e.now().Sub(e.start)
	projected := time.Duration(float64(elapsed) * float64(total) / float64(done))
	remaining := projected - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return percent, remaining.Round(time.Second)
}
