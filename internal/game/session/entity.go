// Package session tracks connected clients and their players, and drives the
// player-side timers of the region scheduler.
package session

import (
	"fmt"
	"sync"
)

// MessageKind classifies an outbound message.
type MessageKind int

const (
	// MessageSystem is a system notice shown to the player.
	MessageSystem MessageKind = iota
	// MessageDisconnect tells the connection writer to close after sending.
	MessageDisconnect
)

// Message is one outbound notice queued for a connection.
type Message struct {
	Kind MessageKind
	Text string
}

// BridgeEntity routes pushed messages to a Go channel, bridging game logic
// running on region drivers to the connection writer.
type BridgeEntity struct {
	uid    string
	events chan Message
	mu     sync.Mutex
	closed bool
}

// NewBridgeEntity creates a BridgeEntity for the given client id.
//
// Precondition: uid must be non-empty.
// Postcondition: Returns a BridgeEntity with an open events channel.
func NewBridgeEntity(uid string, bufferSize int) *BridgeEntity {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &BridgeEntity{
		uid:    uid,
		events: make(chan Message, bufferSize),
	}
}

// UID returns the client id.
func (e *BridgeEntity) UID() string {
	return e.uid
}

// Push enqueues msg without blocking the caller, which is usually a region driver.
//
// Postcondition: msg is enqueued, or an error is returned if the entity is closed or full.
func (e *BridgeEntity) Push(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("entity %s is closed", e.uid)
	}
	select {
	case e.events <- msg:
		return nil
	default:
		return fmt.Errorf("entity %s event buffer full", e.uid)
	}
}

// Events returns the read-only events channel.
func (e *BridgeEntity) Events() <-chan Message {
	return e.events
}

// Drain returns every message currently buffered without blocking.
func (e *BridgeEntity) Drain() []Message {
	var out []Message
	for {
		select {
		case msg, ok := <-e.events:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// Close marks the entity as closed and closes the events channel.
// Messages already buffered remain readable.
//
// Postcondition: Further Push calls return an error.
func (e *BridgeEntity) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

// IsClosed reports whether the entity has been closed.
func (e *BridgeEntity) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
