package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// DefaultRegenInterval is the period of each regeneration loop in milliseconds.
const DefaultRegenInterval int64 = 3000

type pool int

const (
	poolHealth pool = iota
	poolPower
	poolEndurance
	poolCount
)

func (p pool) String() string {
	switch p {
	case poolHealth:
		return "health"
	case poolPower:
		return "power"
	default:
		return "endurance"
	}
}

// Stats holds a player's pool maxima.
type Stats struct {
	MaxHealth    int
	MaxPower     int
	MaxEndurance int
}

// PlayerState is the persisted view of a player.
type PlayerState struct {
	ID        string
	Name      string
	Realm     int
	RegionID  uint16
	Health    int
	Power     int
	Endurance int
}

// Player is a live player in a region. Its regeneration loops and timed
// effects run as region actions on the region's time manager.
type Player struct {
	id     string
	name   string
	region *world.Region
	entity *BridgeEntity
	logger *zap.Logger
	now    func() time.Time

	regenInterval int64
	regen         [poolCount]*scheduler.RegionTimer[Player]

	mu                sync.Mutex
	realm             int
	max               [poolCount]int
	cur               [poolCount]int
	effects           map[string]*scheduler.RegionTimer[Player]
	invulnerableUntil time.Time
}

// NewPlayer creates a player at full pools in region. The player is not added
// to the region and no loop is running.
//
// Precondition: id and name must be non-empty; region and entity must be non-nil;
// every maximum in stats must be >= 1.
func NewPlayer(id, name string, region *world.Region, stats Stats, entity *BridgeEntity, logger *zap.Logger) (*Player, error) {
	if id == "" || name == "" {
		return nil, fmt.Errorf("session.NewPlayer: id and name must not be empty")
	}
	if region == nil || entity == nil {
		return nil, fmt.Errorf("session.NewPlayer: region and entity must not be nil")
	}
	if stats.MaxHealth < 1 || stats.MaxPower < 1 || stats.MaxEndurance < 1 {
		return nil, fmt.Errorf("session.NewPlayer: pool maxima must be >= 1, got %+v", stats)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Player{
		id:            id,
		name:          name,
		region:        region,
		entity:        entity,
		logger:        logger.With(zap.String("player", name), zap.Uint16("region", region.ID())),
		now:           time.Now,
		regenInterval: DefaultRegenInterval,
		effects:       make(map[string]*scheduler.RegionTimer[Player]),
	}
	p.max = [poolCount]int{stats.MaxHealth, stats.MaxPower, stats.MaxEndurance}
	p.cur = p.max
	for i := pool(0); i < poolCount; i++ {
		kind := i
		p.regen[i] = scheduler.NewRegionAction(region.Manager(), p,
			fmt.Sprintf("regen:%s:%s", kind, id),
			func(p *Player) int64 { return p.regenTick(kind) })
	}
	return p, nil
}

// ObjectID returns the player id.
func (p *Player) ObjectID() string { return p.id }

// Name returns the character name.
func (p *Player) Name() string { return p.name }

// Realm returns the player's realm; 0 until SetRealm is called.
func (p *Player) Realm() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realm
}

// SetRealm assigns the player's realm.
func (p *Player) SetRealm(realm int) {
	p.mu.Lock()
	p.realm = realm
	p.mu.Unlock()
}

// Region returns the region the player is in.
func (p *Player) Region() *world.Region { return p.region }

// Health returns the current health.
func (p *Player) Health() int { return p.get(poolHealth) }

// Power returns the current power.
func (p *Player) Power() int { return p.get(poolPower) }

// Endurance returns the current endurance.
func (p *Player) Endurance() int { return p.get(poolEndurance) }

func (p *Player) get(k pool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur[k]
}

// TakeDamage lowers health by n and starts health regeneration.
//
// Precondition: n >= 0.
// Postcondition: Returns false and leaves health unchanged while invulnerable.
func (p *Player) TakeDamage(n int) bool {
	if p.IsInvulnerable() {
		return false
	}
	p.spend(poolHealth, n)
	return true
}

// UsePower lowers power by n and starts power regeneration.
func (p *Player) UsePower(n int) { p.spend(poolPower, n) }

// UseEndurance lowers endurance by n and starts endurance regeneration.
func (p *Player) UseEndurance(n int) { p.spend(poolEndurance, n) }

func (p *Player) spend(k pool, n int) {
	p.mu.Lock()
	p.cur[k] -= n
	if p.cur[k] < 0 {
		p.cur[k] = 0
	}
	p.mu.Unlock()
	if !p.regen[k].IsAlive() {
		if err := p.regen[k].Start(p.regenInterval); err != nil && !errors.Is(err, scheduler.ErrTimerActive) {
			p.logger.Warn("starting regeneration", zap.Stringer("pool", k), zap.Error(err))
		}
	}
}

// regenTick restores a tenth of the pool and stops once it is full.
func (p *Player) regenTick(k pool) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := p.max[k] / 10
	if step < 1 {
		step = 1
	}
	p.cur[k] += step
	if p.cur[k] >= p.max[k] {
		p.cur[k] = p.max[k]
		return 0
	}
	return p.regenInterval
}

// StartRegeneration starts every regeneration loop that is not already running.
func (p *Player) StartRegeneration() error {
	var errs []error
	for k, t := range p.regen {
		if err := t.Start(p.regenInterval); err != nil && !errors.Is(err, scheduler.ErrTimerActive) {
			errs = append(errs, fmt.Errorf("%s regeneration: %w", pool(k), err))
		}
	}
	return errors.Join(errs...)
}

// StopRegeneration stops every regeneration loop.
func (p *Player) StopRegeneration() {
	for _, t := range p.regen {
		t.Stop()
	}
}

// RestartRegeneration stops and restarts the health, power and endurance loops.
// A loop whose pool is already full stops again on its first tick.
func (p *Player) RestartRegeneration() error {
	p.StopRegeneration()
	return p.StartRegeneration()
}

// Regenerating reports which loops are running, in health, power, endurance order.
func (p *Player) Regenerating() [3]bool {
	var out [3]bool
	for k, t := range p.regen {
		out[k] = t.IsAlive()
	}
	return out
}

// AddEffect applies a timed effect that expires after durationMs on the region
// clock. An effect with the same name is replaced without expiring.
//
// Precondition: durationMs >= 1.
// Postcondition: onExpire, if non-nil, runs on the region driver when the effect expires.
func (p *Player) AddEffect(name string, durationMs int64, onExpire func(p *Player)) error {
	var rt *scheduler.RegionTimer[Player]
	rt = scheduler.NewRegionAction(p.region.Manager(), p, "effect:"+name+":"+p.id, func(p *Player) int64 {
		p.mu.Lock()
		if p.effects[name] == rt {
			delete(p.effects, name)
		}
		p.mu.Unlock()
		if onExpire != nil {
			onExpire(p)
		}
		return 0
	})

	p.mu.Lock()
	old := p.effects[name]
	p.effects[name] = rt
	p.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	if err := rt.Start(durationMs); err != nil {
		p.mu.Lock()
		if p.effects[name] == rt {
			delete(p.effects, name)
		}
		p.mu.Unlock()
		return fmt.Errorf("adding effect %q: %w", name, err)
	}
	return nil
}

// Effects returns the names of the active timed effects, sorted.
func (p *Player) Effects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.effects))
	for name := range p.effects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CancelClockEffects stops every timed effect without running its expiry and
// returns how many were cancelled.
func (p *Player) CancelClockEffects() int {
	p.mu.Lock()
	effects := p.effects
	p.effects = make(map[string]*scheduler.RegionTimer[Player])
	p.mu.Unlock()

	for _, t := range effects {
		t.Stop()
	}
	return len(effects)
}

// GrantInvulnerability makes the player immune to damage for d of wall time.
// A shorter grant never shortens an existing window.
func (p *Player) GrantInvulnerability(d time.Duration) {
	until := p.now().Add(d)
	p.mu.Lock()
	defer p.mu.Unlock()
	if until.After(p.invulnerableUntil) {
		p.invulnerableUntil = until
	}
}

// IsInvulnerable reports whether an invulnerability window is open.
func (p *Player) IsInvulnerable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Before(p.invulnerableUntil)
}

// Notify queues a system message for the player's connection.
func (p *Player) Notify(msg string) error {
	return p.entity.Push(Message{Kind: MessageSystem, Text: msg})
}

// Snapshot returns the persisted view of the player.
func (p *Player) Snapshot() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlayerState{
		ID:        p.id,
		Name:      p.name,
		Realm:     p.realm,
		RegionID:  p.region.ID(),
		Health:    p.cur[poolHealth],
		Power:     p.cur[poolPower],
		Endurance: p.cur[poolEndurance],
	}
}

// Quit stops every player timer and takes the player out of its region.
func (p *Player) Quit() {
	p.StopRegeneration()
	p.CancelClockEffects()
	p.region.Remove(p.id)
}
