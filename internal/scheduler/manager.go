package scheduler

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Default driver tuning, taken from the original region scheduler.
const (
	DefaultMaxIdleWait      = 4500 * time.Millisecond
	DefaultStopTimeout      = 3 * time.Second
	DefaultLagWarn          = 150 * time.Millisecond
	DefaultSlowCallbackWarn = 250 * time.Millisecond
	lagWarnCooldown         = 10 * time.Second
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// Clock supplies logical milliseconds. Defaults to SystemClock.
	Clock Clock
	// Logger receives driver diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
	// MaxIdleWait caps how long the driver sleeps with nothing due. It bounds how
	// stale CurrentTime can get on an idle but healthy manager.
	MaxIdleWait time.Duration
	// StopTimeout is how long Stop waits for the driver to reach a safe boundary
	// before abandoning it.
	StopTimeout time.Duration
	// LagWarn is the pass duration above which an out-of-sync warning is logged.
	LagWarn time.Duration
	// SlowCallbackWarn is the callback duration above which a warning is logged.
	SlowCallbackWarn time.Duration
	// ExternalDriver disables the internal goroutine; the owner calls Advance.
	ExternalDriver bool
}

// Activity describes what a manager's driver is doing right now.
type Activity struct {
	Timer string
	Since time.Time
}

// Snapshot is a lock-free diagnostic view of a Manager, recorded cooperatively
// by its driver.
type Snapshot struct {
	Name         string
	Running      bool
	CurrentTime  int64
	ThreadLoop   int64
	InvokedCount int64
	ActiveTimers int64
	Generation   uint64
	// Firing is nil when no callback is executing.
	Firing *Activity
}

// String renders the snapshot for logs.
func (s Snapshot) String() string {
	firing := "idle"
	if s.Firing != nil {
		firing = fmt.Sprintf("firing %q for %s", s.Firing.Timer, time.Since(s.Firing.Since).Truncate(time.Millisecond))
	}
	return fmt.Sprintf("manager:%q running:%v currentTime:%d loops:%d invoked:%d active:%d (%s)",
		s.Name, s.Running, s.CurrentTime, s.ThreadLoop, s.InvokedCount, s.ActiveTimers, firing)
}

// Manager owns a logical clock and the queue of pending timers for one or more
// regions. Callbacks for one manager never run concurrently with each other;
// scheduling and cancellation are safe from any goroutine.
//
// Re-entrant scheduling: a timer inserted while a pass is firing is never fired
// in that same pass, even when already due; it becomes eligible on the next pass.
//
// Invariant: CurrentTime is non-decreasing.
type Manager struct {
	name   string
	clock  Clock
	logger *zap.Logger
	opts   Options

	// ctlMu serialises Start and Stop.
	ctlMu    sync.Mutex
	loopDone chan struct{}

	// advanceMu serialises external Advance calls.
	advanceMu sync.Mutex

	// mu guards the queue, every Timer's scheduling fields, seq and inflight.
	// It is never held while a callback runs.
	mu       sync.Mutex
	queue    timerQueue
	seq      uint64
	inflight []*Timer

	running     atomic.Bool
	generation  atomic.Uint64
	currentTime atomic.Int64
	invoked     atomic.Int64
	active      atomic.Int64
	loops       atomic.Int64
	firing      atomic.Pointer[Activity]
	lastLagWarn atomic.Int64

	wake chan struct{}
}

// NewManager creates a stopped Manager whose CurrentTime starts at the clock's
// current reading.
//
// Precondition: name must be non-empty.
// Postcondition: Returns a non-nil Manager ready to Start().
func NewManager(name string, opts Options) *Manager {
	if name == "" {
		panic("scheduler.NewManager: name must not be empty")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxIdleWait <= 0 {
		opts.MaxIdleWait = DefaultMaxIdleWait
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.LagWarn <= 0 {
		opts.LagWarn = DefaultLagWarn
	}
	if opts.SlowCallbackWarn <= 0 {
		opts.SlowCallbackWarn = DefaultSlowCallbackWarn
	}
	m := &Manager{
		name:   name,
		clock:  opts.Clock,
		logger: opts.Logger.With(zap.String("manager", name)),
		opts:   opts,
		wake:   make(chan struct{}, 1),
	}
	m.currentTime.Store(opts.Clock.NowMillis())
	return m
}

// Name returns the manager name.
func (m *Manager) Name() string { return m.name }

// CurrentTime returns the logical time of the last driver pass. Lock-free.
func (m *Manager) CurrentTime() int64 { return m.currentTime.Load() }

// Running reports whether the manager accepts clock advancement.
func (m *Manager) Running() bool { return m.running.Load() }

// InvokedCount returns the number of callbacks fired since creation.
func (m *Manager) InvokedCount() int64 { return m.invoked.Load() }

// ActiveTimers returns the number of pending timers.
func (m *Manager) ActiveTimers() int64 { return m.active.Load() }

// ThreadLoop returns the number of completed driver passes.
func (m *Manager) ThreadLoop() int64 { return m.loops.Load() }

// NextTick returns the due time of the earliest pending timer, or MaxInterval.
func (m *Manager) NextTick() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if head := m.queue.peek(); head != nil {
		return head.due
	}
	return MaxInterval
}

// Snapshot returns the driver's diagnostic state without taking m.mu.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		Name:         m.name,
		Running:      m.running.Load(),
		CurrentTime:  m.currentTime.Load(),
		ThreadLoop:   m.loops.Load(),
		InvokedCount: m.invoked.Load(),
		ActiveTimers: m.active.Load(),
		Generation:   m.generation.Load(),
		Firing:       m.firing.Load(),
	}
}

// String returns a short description of the manager.
func (m *Manager) String() string {
	return fmt.Sprintf("time manager:%q running:%v currentTime:%d", m.name, m.running.Load(), m.currentTime.Load())
}

// NewTimer creates an idle timer owned by m.
//
// Precondition: cb must be non-nil.
func (m *Manager) NewTimer(name string, cb Callback) *Timer {
	if cb == nil {
		panic("scheduler.Manager.NewTimer: callback must not be nil")
	}
	return &Timer{mgr: m, name: name, cb: cb, index: -1}
}

// Schedule creates a timer for cb and starts it with delayMs.
//
// Postcondition: Returns the pending timer, or an error when delayMs is out of range.
func (m *Manager) Schedule(name string, cb Callback, delayMs int64) (*Timer, error) {
	t := m.NewTimer(name, cb)
	if err := m.ScheduleTimer(t, delayMs); err != nil {
		return nil, err
	}
	return t, nil
}

// ScheduleTimer inserts t keyed by delayMs after the later of CurrentTime and the
// clock's reading, so a timer started while the driver is stopped or stalled is
// not already overdue on restart. CurrentTime itself only moves in a pass. Safe
// from any goroutine, including from inside a callback; the manager need not be
// running.
//
// Precondition: t was created by m; 1 <= delayMs <= MaxInterval.
// Postcondition: t is pending, or an error is returned and t is unchanged.
func (m *Manager) ScheduleTimer(t *Timer, delayMs int64) error {
	if t == nil || t.mgr != m {
		return ErrForeignTimer
	}
	if delayMs < 1 || delayMs > MaxInterval {
		return fmt.Errorf("%w: got %d", ErrInvalidDelay, delayMs)
	}

	m.mu.Lock()
	if t.state != stateIdle {
		m.mu.Unlock()
		return ErrTimerActive
	}
	t.due = m.baseTime() + delayMs
	t.interval = delayMs
	t.stopped = false
	m.enqueueLocked(t)
	sooner := m.queue.peek() == t
	m.mu.Unlock()

	if sooner {
		m.signal()
	}
	return nil
}

// CancelTimer removes a pending timer. No-op when t is nil, idle, foreign or
// already cancelled. A firing timer is marked so that it is not rescheduled.
func (m *Manager) CancelTimer(t *Timer) {
	if t == nil || t.mgr != m {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch t.state {
	case statePending:
		if m.queue.remove(t) {
			m.active.Add(-1)
		}
		t.state = stateIdle
		t.stopped = true
	case stateFiring:
		t.stopped = true
	}
}

func (m *Manager) baseTime() int64 {
	cur := m.currentTime.Load()
	if now := m.clock.NowMillis(); now > cur {
		return now
	}
	return cur
}

// enqueueLocked assigns a fresh FIFO sequence and pushes t.
// Caller holds m.mu.
func (m *Manager) enqueueLocked(t *Timer) {
	m.seq++
	t.seq = m.seq
	t.state = statePending
	m.queue.insert(t)
	m.active.Add(1)
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start enables clock advancement and, unless ExternalDriver is set, launches the
// driver goroutine. Timers pending from before a Stop resume.
//
// Postcondition: Returns false when the manager was already running.
func (m *Manager) Start() bool {
	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()
	if m.running.Load() {
		return false
	}
	gen := m.generation.Add(1)
	m.bumpTime(m.clock.NowMillis())
	m.running.Store(true)

	if !m.opts.ExternalDriver {
		done := make(chan struct{})
		m.loopDone = done
		go m.loop(gen, done)
	}
	m.logger.Info("time manager started", zap.Uint64("generation", gen))
	return true
}

// Stop disables clock advancement. Idempotent; must not be called from one of
// m's own callbacks. The driver finishes the callback
// in progress and returns due-but-unfired timers to the queue. A driver that does
// not reach that boundary within StopTimeout is abandoned: its unfired batch is
// released and any later return from its stuck callback is ignored.
//
// Postcondition: Returns false when the manager was already stopped.
func (m *Manager) Stop() bool {
	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()
	if !m.running.CompareAndSwap(true, false) {
		return false
	}
	m.signal()

	done := m.loopDone
	m.loopDone = nil
	if done == nil {
		m.logger.Info("time manager stopped")
		return true
	}

	select {
	case <-done:
		m.logger.Info("time manager stopped")
	case <-time.After(m.opts.StopTimeout):
		snap := m.Snapshot()
		m.abandon()
		m.logger.Error("time manager driver did not stop in time, abandoning it",
			zap.Duration("timeout", m.opts.StopTimeout),
			zap.Stringer("snapshot", snap),
		)
	}
	return true
}

// abandon detaches a wedged driver generation. The timer stuck in its callback
// is released; the rest of the claimed batch goes back on the queue.
func (m *Manager) abandon() {
	old := m.generation.Add(1) - 1
	m.mu.Lock()
	var rest []*Timer
	for _, t := range m.inflight {
		if t.state != stateFiring || t.claimedBy != old {
			continue
		}
		if t.invoking {
			t.state = stateIdle
			continue
		}
		rest = append(rest, t)
	}
	m.requeueLocked(rest, old)
	m.inflight = nil
	m.mu.Unlock()
	m.firing.Store(nil)
}

func (m *Manager) bumpTime(now int64) int64 {
	for {
		cur := m.currentTime.Load()
		if now <= cur {
			return cur
		}
		if m.currentTime.CompareAndSwap(cur, now) {
			return now
		}
	}
}

// Advance runs one driver pass at logical time now: CurrentTime moves forward to
// now (never back), every timer due at or before it fires in (due, insertion)
// order, and positive intervals reschedule at due+interval. No-op while stopped
// or when the manager runs its own driver. Concurrent calls are serialised.
//
// Postcondition: Returns the number of callbacks fired.
func (m *Manager) Advance(now int64) int {
	if !m.opts.ExternalDriver {
		return 0
	}
	m.advanceMu.Lock()
	defer m.advanceMu.Unlock()
	if !m.running.Load() {
		return 0
	}
	return m.pass(now, m.generation.Load())
}

func (m *Manager) pass(now int64, gen uint64) int {
	cur := m.bumpTime(now)

	m.mu.Lock()
	var batch []*Timer
	for head := m.queue.peek(); head != nil && head.due <= cur; head = m.queue.peek() {
		t := m.queue.popMin()
		m.active.Add(-1)
		t.state = stateFiring
		t.claimedBy = gen
		batch = append(batch, t)
	}
	m.inflight = batch
	m.mu.Unlock()

	fired := 0
	for i, t := range batch {
		if m.generation.Load() != gen {
			// Stopped and restarted under us. Timers abandon() already
			// released are skipped by requeue.
			m.requeue(batch[i:], gen)
			return fired
		}
		if !m.running.Load() {
			m.requeue(batch[i:], gen)
			return fired
		}
		if m.fire(t, gen) {
			fired++
		}
	}

	m.mu.Lock()
	if m.generation.Load() == gen {
		m.inflight = nil
	}
	m.mu.Unlock()
	return fired
}

// requeue returns claimed but unfired timers to the queue with their original
// due time and order.
func (m *Manager) requeue(rest []*Timer, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeueLocked(rest, gen)
	if m.generation.Load() == gen {
		m.inflight = nil
	}
}

func (m *Manager) requeueLocked(rest []*Timer, gen uint64) {
	for _, t := range rest {
		if t.state != stateFiring || t.claimedBy != gen {
			continue
		}
		if t.stopped {
			t.state = stateIdle
			continue
		}
		t.state = statePending
		m.queue.insert(t)
		m.active.Add(1)
	}
}

// fire invokes one claimed timer and reschedules it when its callback asks to.
func (m *Manager) fire(t *Timer, gen uint64) bool {
	m.mu.Lock()
	if t.stopped || t.state != stateFiring || t.claimedBy != gen {
		if t.claimedBy == gen && t.state == stateFiring {
			t.state = stateIdle
		}
		m.mu.Unlock()
		return false
	}
	t.invoking = true
	m.mu.Unlock()

	start := time.Now()
	act := &Activity{Timer: t.name, Since: start}
	m.firing.Store(act)
	next, ok := m.invoke(t)
	// A driver abandoned mid-callback must not touch the newer generation's view.
	if m.firing.CompareAndSwap(act, nil) || m.generation.Load() == gen {
		m.invoked.Add(1)
	}

	if elapsed := time.Since(start); elapsed > m.opts.SlowCallbackWarn {
		m.logger.Warn("timer callback was slow",
			zap.String("timer", t.name),
			zap.Duration("elapsed", elapsed),
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.claimedBy == gen {
		t.invoking = false
	}
	if t.claimedBy != gen || t.state != stateFiring {
		// Released by abandon(); a newer generation owns it now.
		return true
	}
	if !ok || t.stopped || next <= 0 {
		t.state = stateIdle
		return true
	}
	if next > MaxInterval {
		next = MaxInterval
	}
	t.interval = next
	t.due += next
	m.enqueueLocked(t)
	return true
}

// invoke runs the callback, converting a panic into ok=false.
func (m *Manager) invoke(t *Timer) (next int64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("timer callback panicked; timer unregistered",
				zap.String("timer", t.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			next, ok = 0, false
		}
	}()
	return t.cb(t), true
}

// loop is the driver goroutine for one generation.
func (m *Manager) loop(gen uint64, done chan struct{}) {
	defer close(done)
	m.logger.Debug("driver started", zap.Uint64("generation", gen))

	sleep := time.NewTimer(m.opts.MaxIdleWait)
	sleep.Stop()
	defer sleep.Stop()

	for m.running.Load() && m.generation.Load() == gen {
		passStart := m.clock.NowMillis()
		m.safePass(passStart, gen)
		m.loops.Add(1)

		if lag := time.Duration(m.clock.NowMillis()-passStart) * time.Millisecond; lag > m.opts.LagWarn {
			m.warnLag(lag)
		}

		wait := m.nextWait()
		if wait <= 0 {
			continue
		}
		sleep.Reset(wait)
		select {
		case <-m.wake:
			sleep.Stop()
		case <-sleep.C:
		}
	}
	m.logger.Debug("driver exited", zap.Uint64("generation", gen))
}

// safePass keeps a fault outside any callback from killing the driver.
func (m *Manager) safePass(now int64, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("driver pass panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	m.pass(now, gen)
}

func (m *Manager) warnLag(lag time.Duration) {
	now := time.Now().UnixMilli()
	last := m.lastLagWarn.Load()
	if now-last < lagWarnCooldown.Milliseconds() || !m.lastLagWarn.CompareAndSwap(last, now) {
		return
	}
	m.logger.Warn("time manager out of sync", zap.Duration("lag", lag))
}

// nextWait returns how long the driver may sleep before the next due timer,
// capped at MaxIdleWait so CurrentTime keeps moving on an idle manager.
func (m *Manager) nextWait() time.Duration {
	m.mu.Lock()
	head := m.queue.peek()
	var due int64
	if head != nil {
		due = head.due
	}
	m.mu.Unlock()

	if head == nil {
		return m.opts.MaxIdleWait
	}
	wait := time.Duration(due-m.clock.NowMillis()) * time.Millisecond
	if wait < 0 {
		return 0
	}
	if wait > m.opts.MaxIdleWait {
		return m.opts.MaxIdleWait
	}
	return wait
}
