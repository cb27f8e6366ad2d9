package session

import (
	"sync"
	"sync/atomic"

	"github.com/cory-johannsen/dolcore/internal/game/world"
)

// Client is one network connection and the player it controls, if any.
type Client struct {
	id     string
	entity *BridgeEntity
	state  atomic.Int32

	mu     sync.RWMutex
	player *Player
}

func newClient(id string, bufferSize int) *Client {
	return &Client{id: id, entity: NewBridgeEntity(id, bufferSize)}
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// State returns the connection state.
func (c *Client) State() world.ClientState { return world.ClientState(c.state.Load()) }

// SetState changes the connection state.
func (c *Client) SetState(s world.ClientState) { c.state.Store(int32(s)) }

// MarkLinkdead flags a connection that stopped responding while playing.
func (c *Client) MarkLinkdead() { c.SetState(world.ClientLinkdead) }

// Entity returns the outbound message bridge.
func (c *Client) Entity() *BridgeEntity { return c.entity }

// Player returns the client's live player, if any.
func (c *Client) Player() (world.Player, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.player == nil {
		return nil, false
	}
	return c.player, true
}

// GamePlayer returns the concrete player, or nil.
func (c *Client) GamePlayer() *Player {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.player
}

func (c *Client) setPlayer(p *Player) {
	c.mu.Lock()
	c.player = p
	c.mu.Unlock()
}

// SendDisconnect queues a disconnect notice for the connection.
func (c *Client) SendDisconnect(reason string) error {
	return c.entity.Push(Message{Kind: MessageDisconnect, Text: reason})
}
