package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/jharden12/dungeon-client/internal/gamelog"
	"github.com/jharden12/dungeon-client/internal/transport"
	game "github.com/jharden12/dungeon-client/internal/types"
	"github.com/jharden12/dungeon-client/internal/wire"
)

// Bus is the slice of the transport adapter the synchronizer needs.
type Bus interface {
	Publish(dest string, payload any) bool
	Subscribe(topic string, h transport.Handler) func()
	OnStatus(fn func(connected bool)) func()
	Connected() bool
}

// Hooks are the synchronizer's outbound edges into the orchestration layer.
// Each hook may be nil. They are invoked outside the synchronizer's lock.
type Hooks struct {
	// OnDungeonSeen fires when an applied snapshot carries a dungeon id;
	// the orchestrator applies its ownership guard before adopting it.
	OnDungeonSeen func(dungeonID string)
	// OnCombatChange fires when the session's combat id actually changes
	// ("" when combat ended or no combat).
	OnCombatChange func(combatID string)
	// OnApplied fires after every applied snapshot with a copy of it.
	OnApplied func(s game.GameSession)
}

// Synchronizer holds the latest known session snapshot for one player and
// reconciles REST responses with websocket pushes. Every apply is a full
// replace; REST and push are never merged field-by-field.
type Synchronizer struct {
	bus   Bus
	book  *gamelog.Book
	log   *zap.Logger
	hooks Hooks

	mu       sync.Mutex
	playerID string
	session  *game.GameSession
	unsub    func()
	unwatch  func()
	disposed bool
}

func New(bus Bus, book *gamelog.Book, log *zap.Logger, hooks Hooks) *Synchronizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{bus: bus, book: book, log: log, hooks: hooks}
}

// Start subscribes to the player's personal topic and begins tracking the
// channel's connection state. Any previous player's subscription is dropped
// and the local snapshot cleared.
func (s *Synchronizer) Start(playerID string) {
	s.Stop()

	s.mu.Lock()
	s.playerID = playerID
	s.session = nil
	s.disposed = false
	s.mu.Unlock()

	if playerID == "" {
		return
	}

	unsub := s.bus.Subscribe(wire.DungeonTopic(playerID), s.handleMessage)
	unwatch := s.bus.OnStatus(s.handleStatus)

	s.mu.Lock()
	s.unsub = unsub
	s.unwatch = unwatch
	s.mu.Unlock()

	if s.bus.Connected() {
		s.RequestSync()
	}
}

// Stop unsubscribes and marks the synchronizer disposed so late callbacks
// from the transport cannot mutate state.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	unwatch := s.unwatch
	s.unsub = nil
	s.unwatch = nil
	s.disposed = true
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if unwatch != nil {
		unwatch()
	}
}

// Session returns a copy of the latest applied snapshot, nil when none.
func (s *Synchronizer) Session() *game.GameSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	copied := *s.session
	return &copied
}

// ApplySnapshot replaces the session wholesale and emits transition events:
// combat id absent->present logs "combat started", present->absent logs
// "combat ended". Reapplying an identical id emits nothing.
func (s *Synchronizer) ApplySnapshot(next *game.GameSession) {
	if next == nil {
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	var prevCombat string
	if s.session != nil {
		prevCombat = s.session.CurrentCombatID
	}
	copied := *next
	s.session = &copied
	s.mu.Unlock()

	if next.DungeonID != "" && s.hooks.OnDungeonSeen != nil {
		s.hooks.OnDungeonSeen(next.DungeonID)
	}

	switch {
	case next.CurrentCombatID != "" && next.CurrentCombatID != prevCombat:
		s.book.Appendf("Combat started (id: %s).", next.CurrentCombatID)
	case prevCombat != "" && next.CurrentCombatID == "":
		s.book.Append("Combat ended.")
	}

	if next.CurrentCombatID != prevCombat && s.hooks.OnCombatChange != nil {
		s.hooks.OnCombatChange(next.CurrentCombatID)
	}
	if s.hooks.OnApplied != nil {
		s.hooks.OnApplied(copied)
	}
}

// RequestSync asks the backend to push a fresh session snapshot. False means
// the channel is down and the caller must fall back to a REST fetch.
func (s *Synchronizer) RequestSync() bool {
	s.mu.Lock()
	playerID := s.playerID
	s.mu.Unlock()
	if playerID == "" {
		return false
	}
	return s.bus.Publish(wire.DungeonDest(playerID, wire.ActionSync), wire.SyncPayload{})
}

// SendMove publishes a move action; false when disconnected. There is no
// REST fallback for movement, callers reject the move instead.
func (s *Synchronizer) SendMove(dir game.Direction) bool {
	s.mu.Lock()
	playerID := s.playerID
	s.mu.Unlock()
	if playerID == "" {
		return false
	}
	return s.bus.Publish(wire.DungeonDest(playerID, wire.ActionMove), wire.MovePayload{Dir: dir})
}

func (s *Synchronizer) handleMessage(body []byte) {
	var next game.GameSession
	if err := json.Unmarshal(body, &next); err != nil {
		s.log.Warn("drop malformed dungeon push", zap.Error(err))
		s.book.Appendf("Could not parse dungeon message: %v", err)
		return
	}
	s.ApplySnapshot(&next)
}

func (s *Synchronizer) handleStatus(connected bool) {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return
	}

	if connected {
		s.book.Append("Websocket connected.")
		s.RequestSync()
		return
	}
	s.book.Append("Websocket disconnected.")
}
