package deskline

import "time"

// stopper is the part of *time.Timer the scheduled callbacks rely on.
type stopper interface {
	Stop() bool
}

// afterFunc schedules f to run once after d. Every timer in the package goes
// through it so tests can drive time by hand.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}
