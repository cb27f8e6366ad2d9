package scheduler_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

func newExternal(t testing.TB, start int64) (*scheduler.Manager, *scheduler.ManualClock) {
	t.Helper()
	clk := scheduler.NewManualClock(start)
	m := scheduler.NewManager("test", scheduler.Options{Clock: clk, ExternalDriver: true})
	require.True(t, m.Start())
	return m, clk
}

func counter(n *atomic.Int64, next int64) scheduler.Callback {
	return func(*scheduler.Timer) int64 {
		n.Add(1)
		return next
	}
}

func TestManager_FiresExactlyOnceAtDueTime(t *testing.T) {
	m, _ := newExternal(t, 1000)
	var fired atomic.Int64
	_, err := m.Schedule("once", counter(&fired, 0), 500)
	require.NoError(t, err)

	assert.Equal(t, 0, m.Advance(1400))
	assert.Equal(t, int64(0), fired.Load())

	assert.Equal(t, 1, m.Advance(1500))
	assert.Equal(t, int64(1), fired.Load())

	m.Advance(5000)
	assert.Equal(t, int64(1), fired.Load())
	assert.Equal(t, int64(0), m.ActiveTimers())
	assert.Equal(t, int64(1), m.InvokedCount())
}

func TestManager_EqualDueTimesFireInInsertionOrder(t *testing.T) {
	m, _ := newExternal(t, 0)
	var order []string
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		_, err := m.Schedule(name, func(*scheduler.Timer) int64 {
			order = append(order, name)
			return 0
		}, 100)
		require.NoError(t, err)
	}
	m.Advance(100)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestManager_EarlierDueFiresFirst(t *testing.T) {
	m, _ := newExternal(t, 0)
	var order []string
	record := func(name string) scheduler.Callback {
		return func(*scheduler.Timer) int64 {
			order = append(order, name)
			return 0
		}
	}
	_, _ = m.Schedule("late", record("late"), 300)
	_, _ = m.Schedule("early", record("early"), 100)
	_, _ = m.Schedule("mid", record("mid"), 200)
	m.Advance(1000)
	assert.Equal(t, []string{"early", "mid", "late"}, order)
}

func TestManager_PositiveIntervalReschedulesFromFireTime(t *testing.T) {
	m, _ := newExternal(t, 0)
	var fired atomic.Int64
	tm, err := m.Schedule("periodic", counter(&fired, 100), 100)
	require.NoError(t, err)

	m.Advance(100)
	assert.Equal(t, int64(200), tm.Due())
	m.Advance(199)
	assert.Equal(t, int64(1), fired.Load())
	m.Advance(200)
	assert.Equal(t, int64(2), fired.Load())
	assert.Equal(t, int64(100), tm.Interval())
	assert.True(t, tm.IsAlive())
}

func TestManager_ReentrantSchedulingDeferredToNextPass(t *testing.T) {
	m, _ := newExternal(t, 0)
	var child atomic.Int64
	_, err := m.Schedule("parent", func(tm *scheduler.Timer) int64 {
		_, err := tm.Manager().Schedule("child", counter(&child, 0), 1)
		require.NoError(t, err)
		return 0
	}, 10)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Advance(10))
	assert.Equal(t, int64(0), child.Load())
	assert.Equal(t, 1, m.Advance(11))
	assert.Equal(t, int64(1), child.Load())
}

func TestManager_OverduePeriodicCatchesUpOnePerPass(t *testing.T) {
	m, _ := newExternal(t, 0)
	var fired atomic.Int64
	_, err := m.Schedule("periodic", counter(&fired, 100), 100)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Advance(1000))
	assert.Equal(t, 1, m.Advance(1000))
	assert.Equal(t, int64(2), fired.Load())
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	m, _ := newExternal(t, 0)
	var a, b atomic.Int64
	ta, err := m.Schedule("a", counter(&a, 0), 50)
	require.NoError(t, err)
	_, err = m.Schedule("b", counter(&b, 0), 50)
	require.NoError(t, err)

	m.CancelTimer(ta)
	m.CancelTimer(ta)
	ta.Stop()
	m.CancelTimer(nil)

	m.Advance(50)
	assert.Equal(t, int64(0), a.Load())
	assert.Equal(t, int64(1), b.Load())
	assert.False(t, ta.IsAlive())
	assert.Equal(t, int64(0), m.ActiveTimers())
}

func TestManager_CancelAfterFireIsNoop(t *testing.T) {
	m, _ := newExternal(t, 0)
	var a, b atomic.Int64
	ta, _ := m.Schedule("a", counter(&a, 0), 10)
	_, _ = m.Schedule("b", counter(&b, 0), 20)
	m.Advance(10)
	assert.NotPanics(t, func() { ta.Stop(); ta.Stop() })
	m.Advance(20)
	assert.Equal(t, int64(1), a.Load())
	assert.Equal(t, int64(1), b.Load())
}

func TestManager_CancelFromOtherTimerInSamePass(t *testing.T) {
	m, _ := newExternal(t, 0)
	var victim atomic.Int64
	tv := m.NewTimer("victim", counter(&victim, 0))
	_, err := m.Schedule("killer", func(*scheduler.Timer) int64 {
		tv.Stop()
		return 0
	}, 10)
	require.NoError(t, err)
	require.NoError(t, tv.Start(10))

	m.Advance(10)
	assert.Equal(t, int64(0), victim.Load())
	assert.False(t, tv.IsAlive())
	require.NoError(t, tv.Start(5), "stopped timer may be restarted")
}

func TestManager_StopInsideCallbackPreventsReschedule(t *testing.T) {
	m, _ := newExternal(t, 0)
	tm, err := m.Schedule("self", func(tm *scheduler.Timer) int64 {
		tm.Stop()
		return 100
	}, 10)
	require.NoError(t, err)
	m.Advance(10)
	assert.False(t, tm.IsAlive())
	assert.Equal(t, int64(-1), tm.Due())
}

func TestManager_PanickingCallbackIsContained(t *testing.T) {
	m, _ := newExternal(t, 0)
	var after atomic.Int64
	bad, err := m.Schedule("bad", func(*scheduler.Timer) int64 { panic("boom") }, 10)
	require.NoError(t, err)
	_, err = m.Schedule("good", counter(&after, 0), 10)
	require.NoError(t, err)

	assert.NotPanics(t, func() { m.Advance(10) })
	assert.Equal(t, int64(1), after.Load())
	assert.False(t, bad.IsAlive())
	assert.True(t, m.Running())
}

func TestManager_StartValidation(t *testing.T) {
	m, _ := newExternal(t, 0)
	other, _ := newExternal(t, 0)
	tm := m.NewTimer("t", func(*scheduler.Timer) int64 { return 0 })

	assert.ErrorIs(t, tm.Start(0), scheduler.ErrInvalidDelay)
	assert.ErrorIs(t, tm.Start(-5), scheduler.ErrInvalidDelay)
	require.NoError(t, tm.Start(10))
	assert.ErrorIs(t, tm.Start(10), scheduler.ErrTimerActive)
	assert.ErrorIs(t, other.ScheduleTimer(tm, 10), scheduler.ErrForeignTimer)
}

func TestManager_TimeUntilElapsed(t *testing.T) {
	m, _ := newExternal(t, 1000)
	tm := m.NewTimer("t", func(*scheduler.Timer) int64 { return 0 })
	assert.Equal(t, int64(-1), tm.TimeUntilElapsed())
	require.NoError(t, tm.Start(300))
	assert.Equal(t, int64(300), tm.TimeUntilElapsed())
	m.Advance(1100)
	assert.Equal(t, int64(200), tm.TimeUntilElapsed())
}

func TestManager_AdvanceIgnoredWhileStopped(t *testing.T) {
	m, _ := newExternal(t, 0)
	var fired atomic.Int64
	_, err := m.Schedule("t", counter(&fired, 0), 500)
	require.NoError(t, err)

	require.True(t, m.Stop())
	assert.False(t, m.Stop(), "second stop is a no-op")
	assert.Equal(t, 0, m.Advance(2000))
	assert.Equal(t, int64(0), fired.Load())
	assert.Equal(t, int64(1), m.ActiveTimers())

	require.True(t, m.Start())
	assert.False(t, m.Start())
	assert.Equal(t, 1, m.Advance(2000))
	assert.Equal(t, int64(1), fired.Load())
}

func TestManager_StopMidPassRequeuesUnfiredTimers(t *testing.T) {
	m, _ := newExternal(t, 0)
	var second atomic.Int64
	_, err := m.Schedule("stopper", func(*scheduler.Timer) int64 {
		go m.Stop()
		require.Eventually(t, func() bool { return !m.Running() }, time.Second, time.Millisecond)
		return 0
	}, 10)
	require.NoError(t, err)
	_, err = m.Schedule("second", counter(&second, 0), 10)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Advance(10))
	assert.Equal(t, int64(0), second.Load())
	assert.Equal(t, int64(1), m.ActiveTimers())

	require.True(t, m.Start())
	m.Advance(10)
	assert.Equal(t, int64(1), second.Load())
}

func TestManager_DriverFiresWithSystemClock(t *testing.T) {
	m := scheduler.NewManager("driver", scheduler.Options{MaxIdleWait: 20 * time.Millisecond})
	require.True(t, m.Start())
	defer m.Stop()

	done := make(chan struct{})
	_, err := m.Schedule("wake", func(*scheduler.Timer) int64 {
		close(done)
		return 0
	}, 30)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestManager_IdleDriverKeepsClockMoving(t *testing.T) {
	m := scheduler.NewManager("idle", scheduler.Options{MaxIdleWait: 10 * time.Millisecond})
	require.True(t, m.Start())
	defer m.Stop()

	before := m.CurrentTime()
	assert.Eventually(t, func() bool { return m.CurrentTime() > before }, time.Second, 5*time.Millisecond)
	assert.Greater(t, m.ThreadLoop(), int64(0))
}

func TestManager_DriverStopStartKeepsPendingTimers(t *testing.T) {
	m := scheduler.NewManager("restart", scheduler.Options{MaxIdleWait: 10 * time.Millisecond})
	require.True(t, m.Start())

	done := make(chan struct{})
	_, err := m.Schedule("survivor", func(*scheduler.Timer) int64 {
		close(done)
		return 0
	}, 40)
	require.NoError(t, err)
	require.True(t, m.Stop())

	time.Sleep(60 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("timer fired while stopped")
	default:
	}

	require.True(t, m.Start())
	defer m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer lost across stop/start")
	}
}

func TestManager_WedgedDriverIsAbandoned(t *testing.T) {
	m := scheduler.NewManager("wedged", scheduler.Options{
		MaxIdleWait: 10 * time.Millisecond,
		StopTimeout: 50 * time.Millisecond,
	})

	release := make(chan struct{})
	stuck, err := m.Schedule("stuck", func(*scheduler.Timer) int64 {
		<-release
		return 100
	}, 1)
	require.NoError(t, err)
	siblingDone := make(chan struct{})
	sibling, err := m.Schedule("sibling", func(*scheduler.Timer) int64 {
		close(siblingDone)
		return 0
	}, 1)
	require.NoError(t, err)
	require.True(t, m.Start())

	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Firing != nil && s.Firing.Timer == "stuck"
	}, time.Second, time.Millisecond)
	frozenAt := m.CurrentTime()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, frozenAt, m.CurrentTime(), "clock must not move while the driver is stuck")

	assert.True(t, m.Stop())
	assert.False(t, stuck.IsAlive(), "the stuck timer is released")
	assert.True(t, sibling.IsAlive(), "unfired timers of the abandoned pass go back on the queue")
	assert.Nil(t, m.Snapshot().Firing)

	require.True(t, m.Start())
	defer m.Stop()
	select {
	case <-siblingDone:
	case <-time.After(time.Second):
		t.Fatal("requeued timer did not fire after restart")
	}
	done := make(chan struct{})
	_, err = m.Schedule("fresh", func(*scheduler.Timer) int64 {
		close(done)
		return 0
	}, 1)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("restarted driver did not fire")
	}

	invoked := m.InvokedCount()
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, stuck.IsAlive(), "late return from abandoned driver must not reschedule")
	assert.Equal(t, invoked, m.InvokedCount(), "late return must not count against the new driver")
	assert.Nil(t, m.Snapshot().Firing)
}

func TestManager_RestartDuringPassKeepsUnfiredTimers(t *testing.T) {
	m, _ := newExternal(t, 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := m.Schedule("slow", func(*scheduler.Timer) int64 {
		close(entered)
		<-release
		return 0
	}, 10)
	require.NoError(t, err)
	var fired atomic.Int64
	later, err := m.Schedule("later", counter(&fired, 0), 10)
	require.NoError(t, err)

	passDone := make(chan int, 1)
	go func() { passDone <- m.Advance(10) }()
	<-entered
	require.True(t, m.Stop())
	require.True(t, m.Start())
	close(release)
	assert.Equal(t, 1, <-passDone)
	assert.True(t, later.IsAlive())
	assert.Nil(t, m.Snapshot().Firing)

	for now := int64(11); now <= 15; now++ {
		m.Advance(now)
	}
	assert.Equal(t, int64(1), fired.Load())
	assert.False(t, later.IsAlive())
	require.NoError(t, later.Start(5))
	assert.Equal(t, int64(1), m.ActiveTimers())
}

func TestManager_AdvanceIgnoredWithInternalDriver(t *testing.T) {
	m := scheduler.NewManager("driven", scheduler.Options{
		Clock:       scheduler.NewManualClock(0),
		MaxIdleWait: 10 * time.Millisecond,
	})
	var fired atomic.Int64
	_, err := m.Schedule("t", counter(&fired, 0), 100)
	require.NoError(t, err)
	require.True(t, m.Start())
	defer m.Stop()

	assert.Equal(t, 0, m.Advance(1000))
	assert.Equal(t, int64(0), fired.Load())
}

func TestManager_ConcurrentAdvanceNeverOverlapsCallbacks(t *testing.T) {
	m, _ := newExternal(t, 0)
	var inside, overlaps atomic.Int64
	cb := func(*scheduler.Timer) int64 {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(100 * time.Microsecond)
		inside.Add(-1)
		return 1
	}
	for i := 0; i < 20; i++ {
		_, err := m.Schedule("t", cb, 1)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for now := int64(1); now <= 50; now++ {
				m.Advance(now)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps.Load())
}

func TestManager_ConcurrentScheduleAndCancel(t *testing.T) {
	m := scheduler.NewManager("concurrent", scheduler.Options{MaxIdleWait: 5 * time.Millisecond})
	require.True(t, m.Start())
	defer m.Stop()

	var fired atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tm, err := m.Schedule("c", counter(&fired, 0), int64(1+i%5))
				if err != nil {
					t.Error(err)
					return
				}
				if i%2 == 0 {
					tm.Stop()
				}
			}
		}()
	}
	wg.Wait()
	assert.Eventually(t, func() bool { return m.ActiveTimers() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, fired.Load(), int64(800))
	assert.GreaterOrEqual(t, fired.Load(), int64(400))
}

func TestProperty_CurrentTimeIsMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m, _ := newExternal(t, 0)
		steps := rapid.SliceOfN(rapid.Int64Range(-1000, 100_000), 1, 50).Draw(rt, "steps")
		for _, now := range steps {
			if rapid.Bool().Draw(rt, "schedule") {
				_, _ = m.Schedule("p", func(*scheduler.Timer) int64 { return 7 }, rapid.Int64Range(1, 500).Draw(rt, "delay"))
			}
			before := m.CurrentTime()
			m.Advance(now)
			if m.CurrentTime() < before {
				rt.Fatalf("CurrentTime went backwards: %d -> %d", before, m.CurrentTime())
			}
		}
	})
}

func TestProperty_CancelledTimersNeverFire(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m, _ := newExternal(t, 0)
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		fired := make([]int, n)
		timers := make([]*scheduler.Timer, n)
		for i := 0; i < n; i++ {
			i := i
			tm, err := m.Schedule("t", func(*scheduler.Timer) int64 {
				fired[i]++
				return 0
			}, rapid.Int64Range(1, 1000).Draw(rt, "delay"))
			require.NoError(rt, err)
			timers[i] = tm
		}
		cancelled := make([]bool, n)
		for i := range timers {
			if rapid.Bool().Draw(rt, "cancel") {
				timers[i].Stop()
				if rapid.Bool().Draw(rt, "twice") {
					timers[i].Stop()
				}
				cancelled[i] = true
			}
		}
		m.Advance(1000)
		for i := range fired {
			want := 1
			if cancelled[i] {
				want = 0
			}
			if fired[i] != want {
				rt.Fatalf("timer %d fired %d times, want %d", i, fired[i], want)
			}
		}
	})
}

func TestProperty_NoTimerLostAcrossStopStart(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m, _ := newExternal(t, 0)
		delay := rapid.Int64Range(1, 10_000).Draw(rt, "delay")
		stopAt := rapid.Int64Range(0, delay-1).Draw(rt, "stopAt")
		var fired atomic.Int64
		_, err := m.Schedule("t", counter(&fired, 0), delay)
		require.NoError(rt, err)

		m.Advance(stopAt)
		m.Stop()
		m.Advance(delay * 2)
		m.Start()
		m.Advance(delay)
		if fired.Load() != 1 {
			rt.Fatalf("fired %d times, want 1", fired.Load())
		}
	})
}
