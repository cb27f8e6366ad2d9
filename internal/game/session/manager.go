package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/world"
)

// Saver persists player state.
type Saver interface {
	SaveState(ctx context.Context, st PlayerState) error
}

// Manager tracks all connected clients.
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client // clientID → client

	saver      Saver
	logger     *zap.Logger
	bufferSize int
}

// NewManager creates an empty session Manager.
//
// Precondition: saver may be nil, in which case SavePlayer is a no-op.
func NewManager(saver Saver, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clients:    make(map[string]*Client),
		saver:      saver,
		logger:     logger,
		bufferSize: 64,
	}
}

// Connect registers a new client in the connecting state.
//
// Precondition: id must be non-empty.
// Postcondition: Returns the created Client, or an error if the id is already registered.
func (m *Manager) Connect(id string) (*Client, error) {
	if id == "" {
		return nil, fmt.Errorf("session.Manager.Connect: id must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clients[id]; exists {
		return nil, fmt.Errorf("client %q already connected", id)
	}
	c := newClient(id, m.bufferSize)
	m.clients[id] = c
	return c, nil
}

// EnterWorld creates a player for the client, places it in region and starts
// its regeneration loops.
//
// Precondition: clientID must identify a connected client without a player.
// Postcondition: The client is playing and the player is in region.
func (m *Manager) EnterWorld(clientID, name string, region *world.Region, stats Stats) (*Player, error) {
	c, ok := m.Client(clientID)
	if !ok {
		return nil, fmt.Errorf("client %q not found", clientID)
	}
	if c.GamePlayer() != nil {
		return nil, fmt.Errorf("client %q already has a player", clientID)
	}
	p, err := NewPlayer(clientID, name, region, stats, c.entity, m.logger)
	if err != nil {
		return nil, err
	}
	if !region.Add(p) {
		return nil, fmt.Errorf("player %q already in region %d", clientID, region.ID())
	}
	c.setPlayer(p)
	c.SetState(world.ClientPlaying)
	if err := p.StartRegeneration(); err != nil {
		m.logger.Warn("starting regeneration", zap.String("client", clientID), zap.Error(err))
	}
	return p, nil
}

// Client returns the client with the given id.
//
// Postcondition: Returns (client, true) if found, or (nil, false) otherwise.
func (m *Manager) Client(id string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok
}

// Clients returns a snapshot of all clients ordered by id.
func (m *Manager) Clients() []world.Client {
	m.mu.RLock()
	out := make([]world.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RemoveClient quits the client's player, closes the connection bridge and
// forgets the client.
//
// Postcondition: Returns an error if the client is not found.
func (m *Manager) RemoveClient(id string) error {
	m.mu.Lock()
	c, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %q not found", id)
	}

	if p := c.GamePlayer(); p != nil {
		p.Quit()
		c.setPlayer(nil)
	}
	c.SetState(world.ClientDisconnected)
	_ = c.entity.Close()
	return nil
}

// SavePlayer persists p through the configured Saver.
//
// Precondition: p must have been created by this package.
func (m *Manager) SavePlayer(ctx context.Context, p world.Player) error {
	gp, ok := p.(*Player)
	if !ok {
		return fmt.Errorf("session.Manager.SavePlayer: unsupported player type %T", p)
	}
	if m.saver == nil {
		return nil
	}
	if err := m.saver.SaveState(ctx, gp.Snapshot()); err != nil {
		return fmt.Errorf("saving player %q: %w", gp.ObjectID(), err)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
