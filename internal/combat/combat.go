package combat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jharden12/dungeon-client/internal/gamelog"
	"github.com/jharden12/dungeon-client/internal/transport"
	game "github.com/jharden12/dungeon-client/internal/types"
	"github.com/jharden12/dungeon-client/internal/wire"
)

var (
	ErrNoCombat   = errors.New("no combat is active")
	ErrNoTarget   = errors.New("no enemy selected")
	ErrTargetDown = errors.New("target is already defeated")
)

// Bus is the slice of the transport adapter the synchronizer needs.
type Bus interface {
	Publish(dest string, payload any) bool
	Subscribe(topic string, h transport.Handler) func()
	Connected() bool
}

// Stepper is the REST fallback for combat reads and actions.
type Stepper interface {
	CombatState(ctx context.Context, combatID string) (*game.Combat, error)
	CombatStep(ctx context.Context, combatID string, targetIdx *int) (*game.Combat, error)
}

// Hooks are invoked outside the synchronizer's lock; each may be nil.
type Hooks struct {
	// OnRemoved fires exactly once when a push reports the combat gone
	// server-side (combat: null).
	OnRemoved func(combatID string)
	// OnPlayer fires with the player snapshot embedded in combat payloads.
	OnPlayer func(p *game.Player)
	// OnSnapshot fires after every applied combat snapshot.
	OnSnapshot func(c game.Combat)
}

// Synchronizer tracks the single combat referenced by the session, if any.
// Combat snapshots are applied as full replacements; enemy liveness and the
// selected target are derived from the latest snapshot only.
type Synchronizer struct {
	bus   Bus
	rest  Stepper
	book  *gamelog.Book
	log   *zap.Logger
	hooks Hooks

	mu        sync.Mutex
	combatID  string
	combat    *game.Combat
	targetIdx int
	unsub     func()
	disposed  bool
	removed   bool

	// inFlight gates action requests: overlapping auto-advances (or a
	// mashed attack key) collapse to one outstanding request.
	inFlight atomic.Bool
}

func New(bus Bus, rest Stepper, book *gamelog.Book, log *zap.Logger, hooks Hooks) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		bus:       bus,
		rest:      rest,
		book:      book,
		log:       log,
		hooks:     hooks,
		targetIdx: -1,
	}
}

// SetActiveCombat switches the tracked combat id. The previous topic is
// unsubscribed; an empty id clears local combat state. A new id subscribes,
// requests a push sync, and fetches the current state over REST since no
// push may be in flight yet.
func (s *Synchronizer) SetActiveCombat(id string) {
	id = strings.TrimSpace(id)

	s.mu.Lock()
	if s.combatID == id && !s.disposed {
		s.mu.Unlock()
		return
	}
	prevUnsub := s.unsub
	s.unsub = nil
	s.combatID = id
	s.disposed = false
	s.removed = false
	if id == "" {
		s.combat = nil
		s.targetIdx = -1
	}
	s.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}
	if id == "" {
		return
	}

	unsub := s.bus.Subscribe(wire.CombatTopic(id), s.handleMessage)
	s.mu.Lock()
	if s.combatID != id {
		// Switched again while we were subscribing.
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsub = unsub
	s.mu.Unlock()

	s.bus.Publish(wire.CombatDest(id, wire.ActionSync), wire.SyncPayload{})
	go func() {
		if err := s.Refresh(context.Background()); err != nil {
			s.book.Appendf("Error refreshing combat (%s): %v", id, err)
		}
	}()
}

// Close drops the subscription and blocks late callbacks from mutating state.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.disposed = true
	s.combat = nil
	s.combatID = ""
	s.targetIdx = -1
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Combat returns a copy of the latest snapshot, nil when no combat is active.
func (s *Synchronizer) Combat() *game.Combat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.combat == nil {
		return nil
	}
	copied := *s.combat
	copied.Enemies = append([]game.Enemy(nil), s.combat.Enemies...)
	return &copied
}

// Target returns the selected enemy index, -1 when none.
func (s *Synchronizer) Target() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetIdx
}

// SelectTarget is a no-op unless index refers to a currently-alive enemy.
func (s *Synchronizer) SelectTarget(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 {
		s.targetIdx = -1
		return true
	}
	if !s.combat.EnemyAlive(index) {
		return false
	}
	s.targetIdx = index
	return true
}

// ApplySnapshot replaces combat state wholesale and re-derives the target:
// a still-living selection is kept, otherwise the first living enemy is
// picked, or the selection cleared when none remain.
func (s *Synchronizer) ApplySnapshot(next *game.Combat) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.combat = next
	if next == nil || len(next.Enemies) == 0 {
		s.targetIdx = -1
	} else if !next.EnemyAlive(s.targetIdx) {
		s.targetIdx = next.FirstAliveEnemy()
	}
	s.mu.Unlock()

	if next == nil {
		return
	}
	if s.hooks.OnPlayer != nil && next.Player != nil {
		s.hooks.OnPlayer(next.Player)
	}
	if s.hooks.OnSnapshot != nil {
		s.hooks.OnSnapshot(*next)
	}

	// The backend resolves enemy turns but waits for a client-initiated
	// step; fire one whenever the snapshot leaves us on the enemy turn.
	if !next.PlayerTurn && !next.CombatOver {
		go s.step(context.Background(), nil, true)
	}
}

// Refresh fetches combat state over REST and applies it as the new snapshot.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	id := s.combatID
	s.mu.Unlock()
	if id == "" {
		return nil
	}

	state, err := s.rest.CombatState(ctx, id)
	if err != nil {
		return err
	}
	if state == nil {
		s.mu.Lock()
		s.combat = nil
		s.targetIdx = -1
		s.mu.Unlock()
		s.book.Appendf("Combat data missing (id: %s).", id)
		return nil
	}
	s.ApplySnapshot(state)
	s.book.Appendf("Combat %s updated via REST (turn: %s).", id, turnLabel(state.PlayerTurn))
	return nil
}

// Attack validates the target and issues a player action. enemyIndex < 0
// means the currently selected target.
func (s *Synchronizer) Attack(ctx context.Context, enemyIndex int) error {
	s.mu.Lock()
	if enemyIndex < 0 {
		enemyIndex = s.targetIdx
	}
	combat := s.combat
	s.mu.Unlock()

	if enemyIndex < 0 {
		s.book.Append("No enemy selected for attack.")
		return ErrNoTarget
	}
	if combat == nil || enemyIndex >= len(combat.Enemies) {
		s.book.Appendf("Enemy index %d not found.", enemyIndex)
		return ErrNoTarget
	}
	if !combat.EnemyAlive(enemyIndex) {
		enemy := combat.Enemies[enemyIndex]
		s.book.Appendf("%s is already defeated.", enemyLabel(enemy, enemyIndex))
		return ErrTargetDown
	}
	return s.step(ctx, &enemyIndex, false)
}

// step publishes a player action over the websocket or, when disconnected,
// POSTs the REST equivalent and applies its response directly (no push will
// arrive for a REST step). targetIdx nil is an enemy-turn step.
func (s *Synchronizer) step(ctx context.Context, targetIdx *int, auto bool) error {
	s.mu.Lock()
	id := s.combatID
	s.mu.Unlock()
	if id == "" {
		if !auto {
			s.book.Append("No combat is active right now.")
		}
		return ErrNoCombat
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer s.inFlight.Store(false)

	payload := wire.ActionPayload{TargetIdx: targetIdx}
	if s.bus.Publish(wire.CombatDest(id, wire.ActionPlayerAction), payload) {
		if auto {
			s.book.Append("Enemy turn step sent via websocket.")
		} else {
			s.book.Appendf("Attack sent via websocket (target %d).", *targetIdx)
		}
		return nil
	}

	state, err := s.rest.CombatStep(ctx, id, targetIdx)
	if err != nil {
		s.book.Appendf("Combat action failed: %v", err)
		return err
	}
	if state != nil {
		s.ApplySnapshot(state)
		s.book.Appendf("Combat updated via REST (turn: %s).", turnLabel(state.PlayerTurn))
	}
	return nil
}

func (s *Synchronizer) handleMessage(body []byte) {
	var push wire.CombatPush
	if err := json.Unmarshal(body, &push); err != nil {
		s.log.Warn("drop malformed combat push", zap.Error(err))
		s.book.Appendf("Could not parse combat message: %v", err)
		return
	}

	s.mu.Lock()
	if s.disposed || (push.CombatID != "" && push.CombatID != s.combatID) {
		s.mu.Unlock()
		return
	}
	id := s.combatID
	s.mu.Unlock()

	if push.Combat == nil {
		s.mu.Lock()
		already := s.removed
		s.removed = true
		s.combat = nil
		s.targetIdx = -1
		s.mu.Unlock()
		if already {
			return
		}
		s.book.Appendf("Combat %s removed (server message).", id)
		if s.hooks.OnRemoved != nil {
			s.hooks.OnRemoved(id)
		}
		return
	}
	s.ApplySnapshot(push.Combat)
}

func turnLabel(playerTurn bool) string {
	if playerTurn {
		return "player"
	}
	return "enemies"
}

func enemyLabel(e game.Enemy, index int) string {
	if e.Name != "" {
		return e.Name
	}
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("Enemy %d", index+1)
}
