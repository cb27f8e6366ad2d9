package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDelay is returned when a delay is outside [1, MaxInterval].
	ErrInvalidDelay = errors.New("scheduler: delay must be in [1, MaxInterval]")
	// ErrTimerActive is returned when starting a timer that is already pending or firing.
	ErrTimerActive = errors.New("scheduler: timer already active")
	// ErrForeignTimer is returned when a timer is handed to a manager that does not own it.
	ErrForeignTimer = errors.New("scheduler: timer belongs to another manager")
)

// Callback is the scheduled-actor contract. It runs on the manager's driver and
// returns the next interval in milliseconds; a value <= 0 unregisters the timer.
type Callback func(t *Timer) int64

type timerState uint8

const (
	stateIdle timerState = iota
	statePending
	stateFiring
)

func (s timerState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateFiring:
		return "firing"
	default:
		return "idle"
	}
}

// Timer is a cancellable, reschedulable unit of deferred work owned by one Manager.
//
// Invariant: a timer is in exactly one of {idle, pending, firing}; once stopped it
// does not fire again until restarted.
type Timer struct {
	mgr  *Manager
	name string
	cb   Callback

	// Guarded by mgr.mu.
	state     timerState
	stopped   bool
	due       int64
	interval  int64
	seq       uint64
	index     int
	claimedBy uint64
	invoking  bool
}

// Start schedules the timer to fire delayMs after the manager's current time.
//
// Precondition: 1 <= delayMs <= MaxInterval.
// Postcondition: the timer is pending, or ErrTimerActive/ErrInvalidDelay is returned.
func (t *Timer) Start(delayMs int64) error {
	return t.mgr.ScheduleTimer(t, delayMs)
}

// Stop removes the timer from its manager's queue. Safe to call at any time and
// from any goroutine; stopping an idle timer is a no-op. A timer stopped while
// its callback runs is not rescheduled.
func (t *Timer) Stop() {
	t.mgr.CancelTimer(t)
}

// IsAlive reports whether the timer is pending or firing and has not been stopped.
func (t *Timer) IsAlive() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.state != stateIdle && !t.stopped
}

// Interval returns the interval most recently returned by the callback.
func (t *Timer) Interval() int64 {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return t.interval
}

// Due returns the absolute fire time, or -1 when the timer is not pending.
func (t *Timer) Due() int64 {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.state != statePending {
		return -1
	}
	return t.due
}

// TimeUntilElapsed returns the milliseconds left before the timer fires:
// -1 when idle, 0 when firing or overdue.
func (t *Timer) TimeUntilElapsed() int64 {
	t.mgr.mu.Lock()
	state, due := t.state, t.due
	t.mgr.mu.Unlock()
	switch state {
	case stateIdle:
		return -1
	case stateFiring:
		return 0
	}
	left := due - t.mgr.CurrentTime()
	if left < 0 {
		return 0
	}
	return left
}

// Name returns the diagnostic name given at creation.
func (t *Timer) Name() string { return t.name }

// Manager returns the owning manager.
func (t *Timer) Manager() *Manager { return t.mgr }

// String returns a short diagnostic description.
func (t *Timer) String() string {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	return fmt.Sprintf("timer %q state:%s due:%d interval:%d manager:%q",
		t.name, t.state, t.due, t.interval, t.mgr.name)
}
