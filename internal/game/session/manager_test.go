package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/dolcore/internal/game/session"
	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

type recordingSaver struct {
	mu     sync.Mutex
	states []session.PlayerState
	err    error
}

func (s *recordingSaver) SaveState(_ context.Context, st session.PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.states = append(s.states, st)
	return nil
}

func newRegion(t testing.TB) (*world.Region, *scheduler.Manager) {
	t.Helper()
	mgr := scheduler.NewManager("test", scheduler.Options{
		Clock:          scheduler.NewManualClock(0),
		ExternalDriver: true,
	})
	require.True(t, mgr.Start())
	r, err := world.NewRegion(world.RegionDef{ID: 1, Name: "albion"}, mgr)
	require.NoError(t, err)
	return r, mgr
}

var stats = session.Stats{MaxHealth: 100, MaxPower: 50, MaxEndurance: 20}

func TestBridgeEntity_Push(t *testing.T) {
	e := session.NewBridgeEntity("test", 4)
	require.NoError(t, e.Push(session.Message{Text: "hello"}))

	msg := <-e.Events()
	assert.Equal(t, "hello", msg.Text)
}

func TestBridgeEntity_PushClosed(t *testing.T) {
	e := session.NewBridgeEntity("test", 4)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.True(t, e.IsClosed())
	assert.Error(t, e.Push(session.Message{Text: "fail"}))
}

func TestBridgeEntity_PushFull(t *testing.T) {
	e := session.NewBridgeEntity("test", 1)
	require.NoError(t, e.Push(session.Message{Text: "first"}))
	err := e.Push(session.Message{Text: "overflow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
}

func TestBridgeEntity_DrainAfterClose(t *testing.T) {
	e := session.NewBridgeEntity("test", 4)
	require.NoError(t, e.Push(session.Message{Text: "a"}))
	require.NoError(t, e.Push(session.Message{Kind: session.MessageDisconnect, Text: "b"}))
	require.NoError(t, e.Close())

	msgs := e.Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.MessageDisconnect, msgs[1].Kind)
	assert.Empty(t, e.Drain())
}

func TestManager_ConnectAndEnterWorld(t *testing.T) {
	r, _ := newRegion(t)
	m := session.NewManager(nil, nil)

	c, err := m.Connect("c1")
	require.NoError(t, err)
	assert.Equal(t, world.ClientConnecting, c.State())
	_, ok := c.Player()
	assert.False(t, ok)

	_, err = m.Connect("c1")
	assert.Error(t, err)

	p, err := m.EnterWorld("c1", "Alice", r, stats)
	require.NoError(t, err)
	assert.Equal(t, world.ClientPlaying, c.State())
	got, ok := c.Player()
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.Equal(t, 1, r.ObjectCount())

	_, err = m.EnterWorld("c1", "Alice", r, stats)
	assert.Error(t, err)
	_, err = m.EnterWorld("nobody", "Bob", r, stats)
	assert.Error(t, err)
}

func TestManager_RemoveClientQuitsPlayer(t *testing.T) {
	r, mgr := newRegion(t)
	m := session.NewManager(nil, nil)
	c, err := m.Connect("c1")
	require.NoError(t, err)
	p, err := m.EnterWorld("c1", "Alice", r, stats)
	require.NoError(t, err)
	p.TakeDamage(10)
	require.NoError(t, p.AddEffect("haste", 1000, nil))
	require.Greater(t, mgr.ActiveTimers(), int64(0))

	require.NoError(t, m.RemoveClient("c1"))
	assert.Error(t, m.RemoveClient("c1"))
	assert.Equal(t, world.ClientDisconnected, c.State())
	assert.True(t, c.Entity().IsClosed())
	assert.Equal(t, 0, r.ObjectCount())
	assert.Equal(t, int64(0), mgr.ActiveTimers())
	assert.Equal(t, 0, m.ClientCount())
}

func TestManager_ClientsSnapshotSorted(t *testing.T) {
	m := session.NewManager(nil, nil)
	for _, id := range []string{"c", "a", "b"} {
		_, err := m.Connect(id)
		require.NoError(t, err)
	}
	cs := m.Clients()
	require.Len(t, cs, 3)
	assert.Equal(t, "a", cs[0].ID())
	assert.Equal(t, "c", cs[2].ID())
}

func TestManager_SavePlayer(t *testing.T) {
	r, _ := newRegion(t)
	saver := &recordingSaver{}
	m := session.NewManager(saver, nil)
	_, err := m.Connect("c1")
	require.NoError(t, err)
	p, err := m.EnterWorld("c1", "Alice", r, stats)
	require.NoError(t, err)
	p.TakeDamage(30)
	p.SetRealm(2)
	assert.Equal(t, 2, p.Realm())

	require.NoError(t, m.SavePlayer(context.Background(), p))
	require.Len(t, saver.states, 1)
	assert.Equal(t, session.PlayerState{
		ID: "c1", Name: "Alice", Realm: 2, RegionID: 1, Health: 70, Power: 50, Endurance: 20,
	}, saver.states[0])

	saver.err = errors.New("db down")
	assert.ErrorContains(t, m.SavePlayer(context.Background(), p), "db down")
}

func TestPlayer_RegenerationStopsWhenFull(t *testing.T) {
	r, mgr := newRegion(t)
	p, err := session.NewPlayer("p1", "Alice", r, stats, session.NewBridgeEntity("p1", 4), nil)
	require.NoError(t, err)

	p.TakeDamage(25)
	assert.Equal(t, 75, p.Health())
	assert.Equal(t, [3]bool{true, false, false}, p.Regenerating())

	now := int64(0)
	for i := 0; i < 3; i++ {
		now += session.DefaultRegenInterval
		mgr.Advance(now)
	}
	assert.Equal(t, 100, p.Health())
	assert.Equal(t, [3]bool{false, false, false}, p.Regenerating())
}

func TestPlayer_RestartRegeneration(t *testing.T) {
	r, mgr := newRegion(t)
	p, err := session.NewPlayer("p1", "Alice", r, stats, session.NewBridgeEntity("p1", 4), nil)
	require.NoError(t, err)

	require.NoError(t, p.RestartRegeneration())
	assert.Equal(t, [3]bool{true, true, true}, p.Regenerating())
	require.NoError(t, p.RestartRegeneration(), "restart while running")
	assert.Equal(t, int64(3), mgr.ActiveTimers())

	mgr.Advance(session.DefaultRegenInterval)
	assert.Equal(t, [3]bool{false, false, false}, p.Regenerating(), "full pools stop on first tick")
}

func TestPlayer_EffectsExpireAndCancel(t *testing.T) {
	r, mgr := newRegion(t)
	p, err := session.NewPlayer("p1", "Alice", r, stats, session.NewBridgeEntity("p1", 4), nil)
	require.NoError(t, err)

	var expired []string
	onExpire := func(name string) func(*session.Player) {
		return func(*session.Player) { expired = append(expired, name) }
	}
	require.NoError(t, p.AddEffect("haste", 100, onExpire("haste")))
	require.NoError(t, p.AddEffect("shield", 500, onExpire("shield")))
	require.NoError(t, p.AddEffect("haste", 200, onExpire("haste2")))
	assert.Equal(t, []string{"haste", "shield"}, p.Effects())

	mgr.Advance(100)
	assert.Empty(t, expired, "replaced effect must not expire")
	mgr.Advance(200)
	assert.Equal(t, []string{"haste2"}, expired)
	assert.Equal(t, []string{"shield"}, p.Effects())

	assert.Equal(t, 1, p.CancelClockEffects())
	assert.Equal(t, 0, p.CancelClockEffects())
	mgr.Advance(1000)
	assert.Equal(t, []string{"haste2"}, expired)
	assert.Empty(t, p.Effects())

	assert.Error(t, p.AddEffect("bad", 0, nil))
	assert.Empty(t, p.Effects())
}

func TestPlayer_Invulnerability(t *testing.T) {
	r, _ := newRegion(t)
	p, err := session.NewPlayer("p1", "Alice", r, stats, session.NewBridgeEntity("p1", 4), nil)
	require.NoError(t, err)

	assert.False(t, p.IsInvulnerable())
	p.GrantInvulnerability(time.Hour)
	p.GrantInvulnerability(time.Millisecond)
	assert.True(t, p.IsInvulnerable())
	assert.False(t, p.TakeDamage(50))
	assert.Equal(t, 100, p.Health())
}

func TestPlayer_NotifyAndDisconnect(t *testing.T) {
	m := session.NewManager(nil, nil)
	c, err := m.Connect("c1")
	require.NoError(t, err)
	r, _ := newRegion(t)
	p, err := m.EnterWorld("c1", "Alice", r, stats)
	require.NoError(t, err)

	require.NoError(t, p.Notify("albion was restarted"))
	require.NoError(t, c.SendDisconnect("bye"))
	msgs := c.Entity().Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, session.Message{Kind: session.MessageSystem, Text: "albion was restarted"}, msgs[0])
	assert.Equal(t, session.MessageDisconnect, msgs[1].Kind)
}

func TestNewPlayer_Validation(t *testing.T) {
	r, _ := newRegion(t)
	e := session.NewBridgeEntity("p", 1)
	_, err := session.NewPlayer("", "A", r, stats, e, nil)
	assert.Error(t, err)
	_, err = session.NewPlayer("p", "A", nil, stats, e, nil)
	assert.Error(t, err)
	_, err = session.NewPlayer("p", "A", r, session.Stats{MaxHealth: 1}, e, nil)
	assert.Error(t, err)
}

func TestProperty_PoolsStayInRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r, mgr := newRegion(t)
		p, err := session.NewPlayer("p", "A", r, stats, session.NewBridgeEntity("p", 1), nil)
		require.NoError(rt, err)
		now := int64(0)
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			p.TakeDamage(rapid.IntRange(0, 150).Draw(rt, "dmg"))
			p.UsePower(rapid.IntRange(0, 60).Draw(rt, "power"))
			now += rapid.Int64Range(1, 10_000).Draw(rt, "dt")
			mgr.Advance(now)
			h, pw := p.Health(), p.Power()
			if h < 0 || h > 100 || pw < 0 || pw > 50 {
				rt.Fatalf("pool out of range: health=%d power=%d", h, pw)
			}
		}
	})
}

func TestManager_ConcurrentConnect(t *testing.T) {
	m := session.NewManager(nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = m.Connect(fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, m.ClientCount())
}
