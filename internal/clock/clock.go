package clock

import "time"

// Clock is the time source used by queues, consumers and the storage retry
// wrapper.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After behaves like time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep behaves like time.Sleep.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns c, falling back to Real when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}
