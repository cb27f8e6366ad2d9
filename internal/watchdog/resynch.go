package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// Defaults for Options.
const (
	DefaultPeriod          = 10 * time.Second
	DefaultInvulnerability = 5 * time.Second
	DefaultSaveTimeout     = 5 * time.Second
)

// DisconnectReason is sent to clients removed by the recovery sweep.
const DisconnectReason = "connection lost during zone recovery"

// Options configures a Resynchronizer. Zero values select the defaults.
type Options struct {
	// Period is the time between clock samples.
	Period time.Duration
	// Invulnerability is granted to every player of a recovered region.
	Invulnerability time.Duration
	// SaveTimeout bounds each forced save of a dead client's player.
	SaveTimeout time.Duration
	Logger      *zap.Logger
}

// Resynchronizer samples every time manager once per period. A manager whose
// clock did not move is stopped, the objects of its regions are put through
// recovery and the manager is restarted.
type Resynchronizer struct {
	managers []*scheduler.Manager
	world    *world.Manager
	clients  world.ClientRegistry
	saver    world.PlayerSaver
	detector *Detector
	opts     Options
	logger   *zap.Logger

	// checkMu keeps ticks from overlapping.
	checkMu sync.Mutex

	mu     sync.Mutex
	states map[*scheduler.Manager]State

	recoveries atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped Resynchronizer over managers and the regions of w.
// clients and saver may be nil, which skips the client sweep or the forced save.
//
// Precondition: w must be non-nil.
// Postcondition: Every manager starts Healthy.
func New(managers []*scheduler.Manager, w *world.Manager, clients world.ClientRegistry, saver world.PlayerSaver, opts Options) *Resynchronizer {
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	if opts.Invulnerability <= 0 {
		opts.Invulnerability = DefaultInvulnerability
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Resynchronizer{
		managers: append([]*scheduler.Manager(nil), managers...),
		world:    w,
		clients:  clients,
		saver:    saver,
		detector: NewDetector(),
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "watchdog")),
		states:   make(map[*scheduler.Manager]State, len(managers)),
	}
	for _, m := range managers {
		r.states[m] = Healthy
	}
	return r
}

// State returns the watchdog state of mgr. Unknown managers are Healthy.
func (r *Resynchronizer) State(mgr *scheduler.Manager) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[mgr]
}

func (r *Resynchronizer) setState(mgr *scheduler.Manager, s State) {
	r.mu.Lock()
	r.states[mgr] = s
	r.mu.Unlock()
}

// Recoveries returns how many recoveries have completed.
func (r *Resynchronizer) Recoveries() int64 { return r.recoveries.Load() }

// Detector exposes the sample table.
func (r *Resynchronizer) Detector() *Detector { return r.detector }

// Check runs one watchdog tick: every running manager is sampled and each
// frozen one is recovered. Stopped managers are not sampled, so a manager
// stopped on purpose is never restarted. A fault while handling one manager
// does not keep the others from being sampled.
//
// Postcondition: Returns the managers recovered during this tick.
func (r *Resynchronizer) Check(ctx context.Context) (recovered []*scheduler.Manager) {
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	for _, mgr := range r.managers {
		if r.checkManager(ctx, mgr) {
			recovered = append(recovered, mgr)
		}
	}
	return recovered
}

func (r *Resynchronizer) checkManager(ctx context.Context, mgr *scheduler.Manager) (recovered bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("watchdog check panicked",
				zap.String("manager", mgr.Name()),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()
	if !mgr.Running() {
		r.detector.Forget(mgr)
		return false
	}
	if !r.detector.Observe(mgr) {
		return false
	}
	r.setState(mgr, Frozen)
	r.logger.Error("time manager frozen",
		zap.String("manager", mgr.Name()),
		zap.Int64("current_time", mgr.CurrentTime()),
		zap.Stringer("snapshot", mgr.Snapshot()),
	)
	r.Recover(ctx, mgr)
	return true
}

// Recover stops mgr, removes dead clients, recovers every object of every
// region mgr drives and restarts mgr. Faults in the sweep or in any object are
// logged and never abort the recovery.
//
// Postcondition: mgr is running and Healthy; its sample is refreshed.
func (r *Resynchronizer) Recover(ctx context.Context, mgr *scheduler.Manager) {
	start := time.Now()
	r.setState(mgr, Recovering)
	mgr.Stop()

	var removed, players, npcs, failed int
	defer func() {
		mgr.Start()
		r.detector.Reset(mgr)
		r.setState(mgr, Healthy)
		r.recoveries.Add(1)
		r.logger.Info("time manager recovered",
			zap.String("manager", mgr.Name()),
			zap.Int("clients_removed", removed),
			zap.Int("players", players),
			zap.Int("npcs", npcs),
			zap.Int("failures", failed),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()

	removed = r.sweepClients(ctx)

	var regions []*world.Region
	if err := guard(func() { regions = r.world.RegionsDrivenBy(mgr) }); err != nil {
		failed++
		r.logger.Error("listing regions", zap.String("manager", mgr.Name()), zap.Error(err))
	}
	for _, region := range regions {
		var objects []world.GameObject
		if err := guard(func() { objects = region.Objects() }); err != nil {
			failed++
			r.logger.Error("listing region objects",
				zap.String("manager", mgr.Name()),
				zap.Uint16("region", region.ID()),
				zap.Error(err),
			)
			continue
		}
		for _, obj := range objects {
			var kind string
			var err error
			if perr := guard(func() { kind, err = r.recoverObject(region, obj) }); perr != nil {
				err = perr
			}
			switch kind {
			case "player":
				players++
			case "npc":
				npcs++
			}
			if err != nil {
				failed++
				r.logger.Warn("recovering object",
					zap.String("manager", mgr.Name()),
					zap.Uint16("region", region.ID()),
					zap.String("object", objectID(obj)),
					zap.Error(err),
				)
			}
		}
	}
}

// guard runs fn and converts a panic into an error.
func guard(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	fn()
	return nil
}

// objectID returns obj's id, or a placeholder when obj cannot report one.
func objectID(obj world.GameObject) (id string) {
	if err := guard(func() { id = obj.ObjectID() }); err != nil {
		return "<unknown>"
	}
	return id
}

func clientID(c world.Client) (id string) {
	if err := guard(func() { id = c.ID() }); err != nil {
		return "<unknown>"
	}
	return id
}

// isDead reports whether a client can no longer drive its player.
func isDead(c world.Client) bool {
	switch c.State() {
	case world.ClientLinkdead, world.ClientDisconnected:
		return true
	case world.ClientPlaying:
		_, ok := c.Player()
		return !ok
	default:
		return false
	}
}

func (r *Resynchronizer) sweepClients(ctx context.Context) int {
	if r.clients == nil {
		return 0
	}
	var clients []world.Client
	if err := guard(func() { clients = r.clients.Clients() }); err != nil {
		r.logger.Error("listing clients", zap.Error(err))
		return 0
	}
	removed := 0
	for _, c := range clients {
		var dead bool
		if err := guard(func() { dead = isDead(c) }); err != nil {
			r.logger.Warn("inspecting client", zap.String("client", clientID(c)), zap.Error(err))
			continue
		}
		if !dead {
			continue
		}
		removed++
		if err := r.dropClient(ctx, c); err != nil {
			r.logger.Warn("removing dead client", zap.String("client", clientID(c)), zap.Error(err))
		}
	}
	return removed
}

// dropClient saves, notifies and removes a dead client. Failures of the save
// and the notice are reported but do not keep the client attached.
func (r *Resynchronizer) dropClient(ctx context.Context, c world.Client) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	var errs []error
	if p, ok := c.Player(); ok && r.saver != nil {
		sctx, cancel := context.WithTimeout(ctx, r.opts.SaveTimeout)
		if err := r.saver.SavePlayer(sctx, p); err != nil {
			errs = append(errs, fmt.Errorf("saving %s: %w", p.Name(), err))
		}
		cancel()
	}
	if err := c.SendDisconnect(DisconnectReason); err != nil {
		errs = append(errs, fmt.Errorf("sending disconnect: %w", err))
	}
	if err := r.clients.RemoveClient(c.ID()); err != nil {
		errs = append(errs, fmt.Errorf("removing: %w", err))
	}
	r.logger.Info("dead client removed", zap.String("client", c.ID()), zap.Stringer("state", c.State()))
	return errors.Join(errs...)
}

// RestartNotice is the message players of a recovered region receive.
func RestartNotice(region *world.Region) string {
	return fmt.Sprintf("The zone %s has been restarted.", region.Name())
}

func (r *Resynchronizer) recoverObject(region *world.Region, obj world.GameObject) (kind string, err error) {
	switch o := obj.(type) {
	case world.Player:
		return "player", r.recoverPlayer(region, o)
	case world.NPC:
		if err := r.recoverNPC(o); err != nil {
			r.kill(o)
			return "npc", fmt.Errorf("npc killed after failed recovery: %w", err)
		}
		return "npc", nil
	default:
		return "", nil
	}
}

func (r *Resynchronizer) recoverPlayer(region *world.Region, p world.Player) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	p.CancelClockEffects()
	var errs []error
	if err := p.RestartRegeneration(); err != nil {
		errs = append(errs, fmt.Errorf("restarting regeneration: %w", err))
	}
	p.GrantInvulnerability(r.opts.Invulnerability)
	if err := p.Notify(RestartNotice(region)); err != nil {
		errs = append(errs, fmt.Errorf("notifying: %w", err))
	}
	return errors.Join(errs...)
}

// recoverNPC rebuilds an NPC's brain and movement. Controlled NPCs are killed
// since their owner may be gone.
func (r *Resynchronizer) recoverNPC(n world.NPC) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	brain := n.Brain()
	if _, controlled := brain.(world.ControlledBrain); controlled {
		n.Die()
		return nil
	}
	if brain != nil {
		brain.Stop()
		n.DetachBrain()
	}
	if pf, ok := n.(world.PathFollower); ok {
		if err := pf.ResumePath(); err != nil {
			return fmt.Errorf("resuming path: %w", err)
		}
	}
	if brain != nil {
		n.AttachBrain(brain)
		if err := brain.Start(); err != nil {
			return fmt.Errorf("starting brain: %w", err)
		}
	}
	return nil
}

func (r *Resynchronizer) kill(n world.NPC) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("npc teardown panicked", zap.String("npc", n.ObjectID()), zap.Any("panic", rec))
		}
	}()
	n.Die()
}

// Start launches the sampling loop. It runs until ctx is done or Stop is called.
//
// Postcondition: Returns an error when the loop is already running.
func (r *Resynchronizer) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.done != nil {
		return fmt.Errorf("watchdog already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.opts.Period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Check(ctx)
			}
		}
	}()
	r.logger.Info("watchdog started", zap.Duration("period", r.opts.Period), zap.Int("managers", len(r.managers)))
	return nil
}

// Stop ends the sampling loop and waits for it. Idempotent.
func (r *Resynchronizer) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("watchdog stopped")
}
