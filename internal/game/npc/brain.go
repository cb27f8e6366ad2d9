package npc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// ThinkFunc is one AI decision step for body.
type ThinkFunc func(body *Instance)

// StandardBrain runs a periodic think action on the body's region clock.
type StandardBrain struct {
	body     *Instance
	interval int64
	think    ThinkFunc
	timer    *scheduler.RegionTimer[StandardBrain]
	thinks   atomic.Int64
}

// NewStandardBrain creates an inactive brain for body.
//
// Precondition: body must be non-nil; intervalMs >= 1. think may be nil.
func NewStandardBrain(body *Instance, intervalMs int64, think ThinkFunc) *StandardBrain {
	b := &StandardBrain{body: body, interval: intervalMs, think: think}
	b.timer = scheduler.NewRegionAction(body.Region().Manager(), b, "brain:"+body.ObjectID(), (*StandardBrain).tick)
	return b
}

func (b *StandardBrain) tick() int64 {
	if b.body.IsDead() {
		return 0
	}
	b.thinks.Add(1)
	if b.think != nil {
		b.think(b.body)
	}
	return b.interval
}

// Start schedules the think action. Starting an active brain is a no-op.
func (b *StandardBrain) Start() error {
	if b.body.IsDead() {
		return ErrDead
	}
	if err := b.timer.Start(b.interval); err != nil && !errors.Is(err, scheduler.ErrTimerActive) {
		return fmt.Errorf("starting brain for %s: %w", b.body.ObjectID(), err)
	}
	return nil
}

// Stop cancels the think action.
func (b *StandardBrain) Stop() { b.timer.Stop() }

// IsActive reports whether the think action is scheduled.
func (b *StandardBrain) IsActive() bool { return b.timer.IsAlive() }

// Thinks returns how many think steps have run.
func (b *StandardBrain) Thinks() int64 { return b.thinks.Load() }

// Body returns the NPC the brain drives.
func (b *StandardBrain) Body() *Instance { return b.body }

// ControlledBrain is a brain owned by a player, such as a pet or charmed mob.
type ControlledBrain struct {
	*StandardBrain
	ownerID string
}

// NewControlledBrain creates an inactive brain for body owned by ownerID.
func NewControlledBrain(body *Instance, intervalMs int64, ownerID string, think ThinkFunc) *ControlledBrain {
	return &ControlledBrain{StandardBrain: NewStandardBrain(body, intervalMs, think), ownerID: ownerID}
}

// OwnerID returns the id of the controlling player.
func (b *ControlledBrain) OwnerID() string { return b.ownerID }
