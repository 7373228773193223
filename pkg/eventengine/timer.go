package eventengine

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a monotonic one-shot timer driven by the event loop. The
// callback re-arms the timer itself when it wants to fire again. Fire
// may also be invoked directly by an engine to run the callback outside
// a timer expiry.
type Timer struct {
	ev   *Event
	fire func(*Timer)
}

// NewTimer creates a timerfd-backed timer and registers it. The timer
// starts disarmed.
func (e *Engine) NewTimer(name string, fire func(*Timer)) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC,
		unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("timerfd %s: %w", name, err)
	}

	t := &Timer{fire: fire}
	t.ev = &Event{Name: name, FD: fd, HandleEvent: func(ev *Event) {
		// Swallow the expiry counter before dispatch; overruns are
		// irrelevant for one-shots.
		var buf [8]byte
		unix.Read(ev.FD, buf[:])
		fire(t)
	}}

	if err := e.Register(t.ev); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

// Arm schedules the timer to fire once after d. A zero or negative
// duration fires on the next loop iteration.
func (t *Timer) Arm(d time.Duration) {
	if d <= 0 {
		d = time.Nanosecond
	}
	its := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	unix.TimerfdSettime(t.ev.FD, 0, &its, nil)
}

// Fire runs the callback immediately on the caller's goroutine.
func (t *Timer) Fire() { t.fire(t) }
