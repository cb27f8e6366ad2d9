package watchdog_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/dolcore/internal/game/npc"
	"github.com/cory-johannsen/dolcore/internal/game/session"
	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/scheduler"
	"github.com/cory-johannsen/dolcore/internal/watchdog"
)

func TestIsFrozen_Boundary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		prev := rapid.Int64Range(0, 1<<40).Draw(rt, "prev")
		delta := rapid.Int64Range(0, 1<<20).Draw(rt, "delta")
		cur := prev + delta

		frozen := watchdog.IsFrozen(prev, cur)
		if delta > 0 {
			assert.False(rt, frozen, "progress from %d to %d is not a freeze", prev, cur)
		} else {
			assert.Equal(rt, prev != 0, frozen)
		}
	})
}

func TestDetector_Observe(t *testing.T) {
	clk := scheduler.NewManualClock(1000)
	mgr := scheduler.NewManager("RegionTime1", scheduler.Options{Clock: clk, ExternalDriver: true})
	require.True(t, mgr.Start())
	d := watchdog.NewDetector()

	assert.False(t, d.Observe(mgr), "first sample never freezes")
	mgr.Advance(1500)
	assert.False(t, d.Observe(mgr))
	assert.True(t, d.Observe(mgr))

	v, ok := d.Sample(mgr)
	require.True(t, ok)
	assert.Equal(t, int64(1500), v)

	d.Forget(mgr)
	_, ok = d.Sample(mgr)
	assert.False(t, ok)
	assert.False(t, d.Observe(mgr))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "healthy", watchdog.Healthy.String())
	assert.Equal(t, "frozen", watchdog.Frozen.String())
	assert.Equal(t, "recovering", watchdog.Recovering.String())
	assert.Equal(t, "State(9)", watchdog.State(9).String())
}

type recordingSaver struct {
	mu     sync.Mutex
	states []session.PlayerState
}

func (s *recordingSaver) SaveState(_ context.Context, st session.PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return nil
}

// failingBrain cannot be restarted.
type failingBrain struct{ stopped atomic.Bool }

func (b *failingBrain) Start() error   { return errors.New("brain refuses to start") }
func (b *failingBrain) Stop()          { b.stopped.Store(true) }
func (b *failingBrain) IsActive() bool { return false }

type fakeNPC struct {
	id     string
	region *world.Region
	mu     sync.Mutex
	brain  world.Brain
	died   atomic.Int32
}

func (n *fakeNPC) ObjectID() string { return n.id }
func (n *fakeNPC) Name() string     { return n.id }
func (n *fakeNPC) Brain() world.Brain {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.brain
}
func (n *fakeNPC) AttachBrain(b world.Brain) {
	n.mu.Lock()
	n.brain = b
	n.mu.Unlock()
}
func (n *fakeNPC) DetachBrain() world.Brain {
	n.mu.Lock()
	defer n.mu.Unlock()
	b := n.brain
	n.brain = nil
	return b
}
func (n *fakeNPC) Die() {
	n.died.Add(1)
	n.region.Remove(n.id)
}

// cursedPlayer panics during recovery.
type cursedPlayer struct{ id string }

func (p cursedPlayer) ObjectID() string                   { return p.id }
func (p cursedPlayer) Name() string                       { return p.id }
func (p cursedPlayer) CancelClockEffects() int            { panic("cursed") }
func (p cursedPlayer) RestartRegeneration() error         { return nil }
func (p cursedPlayer) GrantInvulnerability(time.Duration) {}
func (p cursedPlayer) Notify(string) error                { return nil }

type fixture struct {
	clk      *scheduler.ManualClock
	mgr      *scheduler.Manager
	other    *scheduler.Manager
	region   *world.Region
	world    *world.Manager
	sessions *session.Manager
	saver    *recordingSaver
	npcs     *npc.Manager
	resynch  *watchdog.Resynchronizer
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clk: scheduler.NewManualClock(1000), saver: &recordingSaver{}}
	opts := scheduler.Options{Clock: f.clk, ExternalDriver: true}
	f.mgr = scheduler.NewManager("RegionTime1", opts)
	f.other = scheduler.NewManager("RegionTime2", opts)
	require.True(t, f.mgr.Start())
	require.True(t, f.other.Start())

	w := world.NewManager()
	f.world = w
	var err error
	f.region, err = w.RegisterRegion(world.RegionDef{ID: 1, Name: "Camelot"}, f.mgr)
	require.NoError(t, err)
	_, err = w.RegisterRegion(world.RegionDef{ID: 2, Name: "Avalon"}, f.other)
	require.NoError(t, err)

	core, logs := observer.New(zap.InfoLevel)
	f.logs = logs
	f.sessions = session.NewManager(f.saver, nil)
	f.npcs = npc.NewManager(nil)
	f.resynch = watchdog.New([]*scheduler.Manager{f.mgr, f.other}, w, f.sessions, f.sessions, watchdog.Options{
		Period:          time.Hour,
		Invulnerability: time.Minute,
		Logger:          zap.New(core),
	})
	return f
}

// advance moves both managers' clocks forward by ms.
func (f *fixture) advance(ms int64) {
	now := f.clk.Add(ms)
	f.mgr.Advance(now)
	f.other.Advance(now)
}

func TestResynchronizer_HealthyManagersAreLeftAlone(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		assert.Empty(t, f.resynch.Check(context.Background()))
		f.advance(100)
	}
	assert.Equal(t, int64(0), f.resynch.Recoveries())
	assert.Equal(t, watchdog.Healthy, f.resynch.State(f.mgr))
}

func TestResynchronizer_StoppedManagerIsNotRestarted(t *testing.T) {
	f := newFixture(t)
	f.resynch.Check(context.Background())
	require.True(t, f.mgr.Stop())
	f.advance(100)
	f.resynch.Check(context.Background())
	f.advance(100)
	f.resynch.Check(context.Background())
	assert.False(t, f.mgr.Running())
	assert.Equal(t, int64(0), f.resynch.Recoveries())
}

func TestResynchronizer_RecoversFrozenManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Alice plays normally, with an effect and regeneration running.
	_, err := f.sessions.Connect("alice")
	require.NoError(t, err)
	alice, err := f.sessions.EnterWorld("alice", "Alice", f.region, session.Stats{MaxHealth: 100, MaxPower: 10, MaxEndurance: 10})
	require.NoError(t, err)
	alice.TakeDamage(40)
	require.NoError(t, alice.AddEffect("haste", 600_000, nil))
	aliceClient, _ := f.sessions.Client("alice")

	// Bob went linkdead.
	_, err = f.sessions.Connect("bob")
	require.NoError(t, err)
	_, err = f.sessions.EnterWorld("bob", "Bob", f.region, session.Stats{MaxHealth: 10, MaxPower: 10, MaxEndurance: 10})
	require.NoError(t, err)
	bobClient, _ := f.sessions.Client("bob")
	bobClient.MarkLinkdead()

	// A half-open connection claims to play without a player.
	ghost, err := f.sessions.Connect("ghost")
	require.NoError(t, err)
	ghost.SetState(world.ClientPlaying)

	// Still logging in; must be left alone.
	_, err = f.sessions.Connect("newbie")
	require.NoError(t, err)

	guard := &npc.Template{
		ID: "guard", Name: "Guard", Level: 10, MaxHP: 50, Region: 1,
		ThinkInterval: "1s", MoveInterval: "2s",
		Path: []npc.Waypoint{{X: 0, Y: 0}, {X: 5, Y: 0}, {X: 5, Y: 5}},
	}
	patrol, err := f.npcs.Spawn(guard, f.region)
	require.NoError(t, err)
	pet, err := f.npcs.SpawnPet(&npc.Template{ID: "wolf", Name: "Wolf", Level: 3, MaxHP: 5, Region: 1}, f.region, "alice")
	require.NoError(t, err)
	broken := &fakeNPC{id: "broken", region: f.region, brain: &failingBrain{}}
	require.True(t, f.region.Add(broken))
	require.True(t, f.region.Add(cursedPlayer{id: "cursed"}))

	// Let the patrol reach its second waypoint.
	f.advance(2000)
	require.Equal(t, 1, patrol.Waypoint())
	originalBrain := patrol.Brain()

	// The clock of RegionTime1 stops; RegionTime2 keeps going.
	assert.Empty(t, f.resynch.Check(ctx))
	f.other.Advance(f.clk.Add(100))
	recovered := f.resynch.Check(ctx)
	require.Equal(t, []*scheduler.Manager{f.mgr}, recovered)

	assert.True(t, f.mgr.Running())
	assert.Equal(t, watchdog.Healthy, f.resynch.State(f.mgr))
	assert.Equal(t, watchdog.Healthy, f.resynch.State(f.other))
	assert.Equal(t, int64(1), f.resynch.Recoveries())

	// Dead clients were saved, told and removed; live ones stay.
	_, ok := f.sessions.Client("bob")
	assert.False(t, ok)
	_, ok = f.sessions.Client("ghost")
	assert.False(t, ok)
	_, ok = f.sessions.Client("newbie")
	assert.True(t, ok)
	_, ok = f.sessions.Client("alice")
	assert.True(t, ok)
	require.Len(t, f.saver.states, 1)
	assert.Equal(t, "Bob", f.saver.states[0].Name)
	bobMsgs := bobClient.Entity().Drain()
	require.NotEmpty(t, bobMsgs)
	assert.Equal(t, session.MessageDisconnect, bobMsgs[len(bobMsgs)-1].Kind)
	_, ok = f.region.Object("bob")
	assert.False(t, ok)

	// Alice had her clock effects dropped, regeneration restarted, a grace
	// window and a notice naming the zone.
	assert.Empty(t, alice.Effects())
	assert.True(t, alice.Regenerating()[0])
	assert.True(t, alice.IsInvulnerable())
	var notices []string
	for _, m := range aliceClient.Entity().Drain() {
		notices = append(notices, m.Text)
	}
	assert.Contains(t, notices, watchdog.RestartNotice(f.region))
	assert.Contains(t, watchdog.RestartNotice(f.region), "Camelot")

	// The autonomous NPC kept its brain and resumed its path.
	assert.False(t, patrol.IsDead())
	assert.Same(t, originalBrain, patrol.Brain())
	assert.True(t, patrol.Brain().IsActive())
	assert.True(t, patrol.Moving())
	assert.Equal(t, 1, patrol.Waypoint())

	// The pet was torn down, the NPC whose brain would not restart was killed.
	assert.True(t, pet.IsDead())
	_, ok = f.npcs.Get(pet.ObjectID())
	assert.False(t, ok)
	assert.Equal(t, int32(1), broken.died.Load())
	_, ok = f.region.Object("broken")
	assert.False(t, ok)

	// The cursed player's panic was contained and logged.
	failures := f.logs.FilterMessage("recovering object").All()
	require.Len(t, failures, 2)
	recoveredLog := f.logs.FilterMessage("time manager recovered").All()
	require.Len(t, recoveredLog, 1)
	assert.Equal(t, int64(2), recoveredLog[0].ContextMap()["clients_removed"])
	assert.Equal(t, 1, f.logs.FilterMessage("time manager frozen").Len())

	// The restarted clock runs the rebuilt timers again.
	f.advance(2000)
	assert.Equal(t, 2, patrol.Waypoint())
	assert.Empty(t, f.resynch.Check(ctx))
}

// hauntedRegistry adds a client that panics whenever it is inspected.
type hauntedRegistry struct{ world.ClientRegistry }

func (h hauntedRegistry) Clients() []world.Client {
	return append(h.ClientRegistry.Clients(), poltergeist{})
}

type poltergeist struct{}

func (poltergeist) ID() string                   { return "poltergeist" }
func (poltergeist) State() world.ClientState     { panic("no state") }
func (poltergeist) Player() (world.Player, bool) { panic("no player") }
func (poltergeist) SendDisconnect(string) error  { return nil }

// collapsedRegistry cannot even list its clients.
type collapsedRegistry struct{}

func (collapsedRegistry) Clients() []world.Client   { panic("registry gone") }
func (collapsedRegistry) RemoveClient(string) error { return nil }

func TestResynchronizer_FaultyClientsDoNotStrandManager(t *testing.T) {
	cases := map[string]func(f *fixture) world.ClientRegistry{
		"client panics":   func(f *fixture) world.ClientRegistry { return hauntedRegistry{f.sessions} },
		"registry panics": func(*fixture) world.ClientRegistry { return collapsedRegistry{} },
	}
	for name, registry := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.sessions.Connect("bob")
			require.NoError(t, err)
			_, err = f.sessions.EnterWorld("bob", "Bob", f.region, session.Stats{MaxHealth: 10, MaxPower: 10, MaxEndurance: 10})
			require.NoError(t, err)

			core, logs := observer.New(zap.InfoLevel)
			r := watchdog.New([]*scheduler.Manager{f.mgr, f.other}, f.world, registry(f), f.sessions, watchdog.Options{
				Period: time.Hour,
				Logger: zap.New(core),
			})

			assert.Empty(t, r.Check(ctx))
			f.other.Advance(f.clk.Add(100))
			require.Equal(t, []*scheduler.Manager{f.mgr}, r.Check(ctx))

			assert.True(t, f.mgr.Running())
			assert.Equal(t, watchdog.Healthy, r.State(f.mgr))
			assert.Equal(t, int64(1), r.Recoveries())
			assert.Equal(t, 1, logs.FilterMessage("time manager recovered").Len())

			bob, ok := f.region.Object("bob")
			require.True(t, ok, "a healthy player survives the faulty sweep")
			assert.True(t, bob.(*session.Player).IsInvulnerable())

			for i := 0; i < 3; i++ {
				f.advance(100)
				assert.Empty(t, r.Check(ctx))
			}
			assert.True(t, f.mgr.Running())
			assert.True(t, f.other.Running())
		})
	}
}

func TestResynchronizer_StartStop(t *testing.T) {
	f := newFixture(t)
	r := watchdog.New([]*scheduler.Manager{f.mgr}, world.NewManager(), nil, nil, watchdog.Options{Period: 5 * time.Millisecond})

	require.NoError(t, r.Start(context.Background()))
	assert.Error(t, r.Start(context.Background()))

	// With the clock held still the loop recovers the manager on its own.
	require.Eventually(t, func() bool { return r.Recoveries() > 0 }, 2*time.Second, 5*time.Millisecond)
	r.Stop()
	r.Stop()
	assert.True(t, f.mgr.Running())

	n := r.Recoveries()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, r.Recoveries(), "no ticks after Stop")
}

func TestResynchronizer_StartStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.resynch.Start(ctx))
	cancel()
	f.resynch.Stop()
	require.NoError(t, f.resynch.Start(context.Background()))
	f.resynch.Stop()
}
