package blockwatch

import (
	"time"
)

// Clock abstracts the time source so ttl and backoff logic can be
// tested without real timers. Settings structs carry a Clock and
// default to the system clock.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

func SystemClock() Clock {
	return &systemClock{}
}

type systemClock struct{}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (self *systemClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}
