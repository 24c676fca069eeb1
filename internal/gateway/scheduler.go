package gateway

import "time"

// Scheduler runs deferred work. The returned func cancels it and reports
// whether the call stopped the work from running.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}
