package roster

import (
	"context"
	"sync"

	"go.uber.org/zap"

	game "github.com/jharden12/dungeon-client/internal/types"
)

// API is the slice of the REST client the roster needs.
type API interface {
	Players(ctx context.Context) ([]game.Player, error)
	CreatePlayer(ctx context.Context, name string) (*game.Player, error)
	PlayerByID(ctx context.Context, id string) (*game.Player, error)
}

// Roster tracks the known characters and which one is active. The backend
// owns the players; this is a cached list plus a local selection.
type Roster struct {
	api API
	log *zap.Logger

	mu          sync.Mutex
	players     []game.Player
	selectedKey string
}

func New(api API, log *zap.Logger) *Roster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Roster{api: api, log: log}
}

// Refresh reloads the list. The current selection survives when the player
// still exists; otherwise the first player is selected.
func (r *Roster) Refresh(ctx context.Context) error {
	players, err := r.api.Players(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = players
	if r.selectedKey != "" {
		for i := range players {
			if players[i].Key() == r.selectedKey {
				return nil
			}
		}
	}
	if len(players) > 0 {
		r.selectedKey = players[0].Key()
	} else {
		r.selectedKey = ""
	}
	return nil
}

// RefreshSelected refetches just the active player and folds it into the
// list; used after combat ends, when HP/XP have changed server-side.
func (r *Roster) RefreshSelected(ctx context.Context) error {
	selected := r.Selected()
	if selected == nil || selected.ID == "" {
		return nil
	}
	fresh, err := r.api.PlayerByID(ctx, selected.ID)
	if err != nil {
		return err
	}
	if fresh != nil {
		r.Upsert(*fresh)
	}
	return nil
}

// Create registers a new character and selects it.
func (r *Roster) Create(ctx context.Context, name string) (*game.Player, error) {
	player, err := r.api.CreatePlayer(ctx, name)
	if err != nil {
		return nil, err
	}
	if player != nil {
		r.Upsert(*player)
	}
	return player, nil
}

// Upsert adds or replaces a player in the list and selects it. Combat pushes
// embed the player snapshot, so this keeps HP current mid-fight.
func (r *Roster) Upsert(player game.Player) {
	key := player.Key()
	if key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.players {
		if r.players[i].Key() == key {
			r.players[i] = player
			r.selectedKey = key
			return
		}
	}
	r.players = append(r.players, player)
	r.selectedKey = key
}

func (r *Roster) Select(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == "" {
		r.selectedKey = ""
		return true
	}
	for i := range r.players {
		if r.players[i].Key() == key {
			r.selectedKey = key
			return true
		}
	}
	return false
}

func (r *Roster) Selected() *game.Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selectedKey == "" {
		return nil
	}
	for i := range r.players {
		if r.players[i].Key() == r.selectedKey {
			copied := r.players[i]
			return &copied
		}
	}
	return nil
}

func (r *Roster) Players() []game.Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]game.Player, len(r.players))
	copy(out, r.players)
	return out
}
