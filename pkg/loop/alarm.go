package loop

import (
	"time"

	"github.com/raskyld/qsession/pkg/clock"
)

// Alarm is a re-armable one-shot timer whose callback runs on a Runner.
//
// Alarm methods must only be called from tasks of that Runner. A callback
// already posted when the alarm is cancelled or re-armed is dropped.
type Alarm struct {
	clock  clock.Clock
	runner *Runner
	fn     func()

	timer    clock.Timer
	gen      uint64
	armed    bool
	deadline time.Time
}

func NewAlarm(c clock.Clock, r *Runner, fn func()) *Alarm {
	return &Alarm{clock: c, runner: r, fn: fn}
}

// Set arms the alarm to fire after d, replacing any previous deadline.
func (a *Alarm) Set(d time.Duration) {
	a.Cancel()
	a.gen++
	gen := a.gen
	a.armed = true
	a.deadline = a.clock.Now().Add(d)
	a.timer = a.clock.AfterFunc(d, func() {
		a.runner.Post(func() {
			if a.gen != gen || !a.armed {
				return
			}
			a.armed = false
			a.timer = nil
			a.fn()
		})
	})
}

// Cancel disarms the alarm. It is a no-op on a disarmed alarm.
func (a *Alarm) Cancel() {
	if !a.armed {
		return
	}
	a.armed = false
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Alarm) IsSet() bool {
	return a.armed
}

// Deadline is only meaningful while IsSet.
func (a *Alarm) Deadline() time.Time {
	return a.deadline
}
