package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/dolcore/internal/game/session"
)

// ErrPlayerNotFound is returned when a player lookup yields no results.
var ErrPlayerNotFound = errors.New("player not found")

// PlayerRepository persists player snapshots. It is a session.Saver.
type PlayerRepository struct {
	db *pgxpool.Pool
}

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// SaveState upserts st keyed by player id.
//
// Precondition: st.ID must be non-empty.
func (r *PlayerRepository) SaveState(ctx context.Context, st session.PlayerState) error {
	if st.ID == "" {
		return fmt.Errorf("saving player state: id must not be empty")
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO player_states (id, name, realm, region_id, health, power, endurance, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			realm = EXCLUDED.realm,
			region_id = EXCLUDED.region_id,
			health = EXCLUDED.health,
			power = EXCLUDED.power,
			endurance = EXCLUDED.endurance,
			saved_at = NOW()`,
		st.ID, st.Name, st.Realm, int32(st.RegionID), st.Health, st.Power, st.Endurance,
	)
	if err != nil {
		return fmt.Errorf("saving player %q: %w", st.ID, err)
	}
	return nil
}

// Load returns the last saved state of a player.
//
// Postcondition: Returns the state or ErrPlayerNotFound.
func (r *PlayerRepository) Load(ctx context.Context, id string) (session.PlayerState, error) {
	var st session.PlayerState
	var region int32
	err := r.db.QueryRow(ctx, `
		SELECT id, name, realm, region_id, health, power, endurance
		FROM player_states WHERE id = $1`,
		id,
	).Scan(&st.ID, &st.Name, &st.Realm, &region, &st.Health, &st.Power, &st.Endurance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.PlayerState{}, ErrPlayerNotFound
		}
		return session.PlayerState{}, fmt.Errorf("loading player %q: %w", id, err)
	}
	st.RegionID = uint16(region)
	return st, nil
}
