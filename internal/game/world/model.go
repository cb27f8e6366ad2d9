// Package world provides the region model and the narrow entity contracts the
// region scheduler and watchdog drive.
package world

import (
	"context"
	"fmt"
	"time"
)

// GameObject is anything that lives in a region.
type GameObject interface {
	ObjectID() string
	Name() string
}

// Player is a player-controlled object.
type Player interface {
	GameObject
	// CancelClockEffects stops every timed effect bound to the region clock and
	// returns how many were cancelled.
	CancelClockEffects() int
	// RestartRegeneration stops and restarts the health, power and endurance loops.
	RestartRegeneration() error
	// GrantInvulnerability makes the player immune to damage for d.
	GrantInvulnerability(d time.Duration)
	// Notify delivers a system message to the player.
	Notify(msg string) error
}

// Brain is the AI decision component attached to an NPC.
type Brain interface {
	Start() error
	Stop()
	IsActive() bool
}

// ControlledBrain is a brain driven by a player, such as a pet or a charmed mob.
type ControlledBrain interface {
	Brain
	OwnerID() string
}

// NPC is a non-player object that may carry a brain.
type NPC interface {
	GameObject
	// Brain returns the attached brain, or nil.
	Brain() Brain
	// AttachBrain replaces the current brain without starting it.
	AttachBrain(b Brain)
	// DetachBrain removes and returns the current brain without stopping it.
	DetachBrain() Brain
	// Die tears the NPC down: brain and movement stopped, removed from its region.
	Die()
}

// PathFollower is an object moving along waypoints.
type PathFollower interface {
	// ResumePath restarts movement from the last waypoint reached.
	ResumePath() error
}

// ClientState is the connection state of a client.
type ClientState int

const (
	ClientConnecting ClientState = iota
	ClientPlaying
	ClientLinkdead
	ClientDisconnected
)

// String returns the lower-case state name.
func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "connecting"
	case ClientPlaying:
		return "playing"
	case ClientLinkdead:
		return "linkdead"
	case ClientDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ClientState(%d)", int(s))
	}
}

// Client is a network connection attached to the world.
type Client interface {
	ID() string
	State() ClientState
	// Player returns the client's live player, if any.
	Player() (Player, bool)
	// SendDisconnect queues a disconnect notice for the connection.
	SendDisconnect(reason string) error
}

// ClientRegistry enumerates and removes clients.
type ClientRegistry interface {
	Clients() []Client
	RemoveClient(id string) error
}

// PlayerSaver persists a player's state.
type PlayerSaver interface {
	SavePlayer(ctx context.Context, p Player) error
}
