package modem

import "time"

// RetryPolicy bounds a polling wait: either by wall-clock Timeout (WaitFor)
// or by MaxAttempts (Attempts), with a fixed sleep between checks. Tests
// inject zero intervals and timeouts to avoid real waiting.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
}

// WaitFor polls cond every Interval until it returns true or Timeout
// elapses. cond is always checked at least once.
func (p RetryPolicy) WaitFor(cond func() bool) bool {
	deadline := time.Now().Add(p.Timeout)
	for {
		if cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(p.Interval)
	}
}

// Attempts calls fn up to MaxAttempts times, sleeping Interval between
// tries, and reports whether any attempt succeeded.
func (p RetryPolicy) Attempts(fn func(attempt int) bool) bool {
	for i := 1; i <= p.MaxAttempts; i++ {
		if fn(i) {
			return true
		}
		if i < p.MaxAttempts {
			time.Sleep(p.Interval)
		}
	}
	return false
}
