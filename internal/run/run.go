package run

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jharden12/dungeon-client/internal/api"
	"github.com/jharden12/dungeon-client/internal/combat"
	"github.com/jharden12/dungeon-client/internal/gamelog"
	"github.com/jharden12/dungeon-client/internal/rooms"
	"github.com/jharden12/dungeon-client/internal/roster"
	"github.com/jharden12/dungeon-client/internal/session"
	game "github.com/jharden12/dungeon-client/internal/types"
)

var (
	ErrNoPlayer     = errors.New("no character selected")
	ErrInCombat     = errors.New("cannot move during combat")
	ErrDisconnected = errors.New("websocket not connected")
	ErrNoDoor       = errors.New("no door in that direction")
)

// Backend is the slice of the REST client the orchestrator drives directly.
type Backend interface {
	Dungeons(ctx context.Context, playerID string) ([]game.DungeonSummary, error)
	CreateDungeon(ctx context.Context, playerID string) (*game.DungeonSummary, error)
	DungeonDetail(ctx context.Context, id string) (*game.DungeonDetail, error)
	Session(ctx context.Context, playerID string) (*game.GameSession, error)
	StartSession(ctx context.Context, playerID, dungeonID string) (*game.GameSession, error)
	CreateCheckout(ctx context.Context, playerID string) (string, error)
	VerifyCheckout(ctx context.Context, sessionID string) (*api.CheckoutResult, error)
}

type Deps struct {
	Backend   Backend
	Bus       session.Bus
	CombatBus combat.Bus
	Stepper   combat.Stepper
	Book      *gamelog.Book
	Logger    *zap.Logger
	Roster    *roster.Roster
	Rooms     *rooms.Cache
}

// Runner sequences the run lifecycle: character selection, dungeon
// selection with ownership claims, start-or-resume, movement gating, and
// the fresh-dungeon restart after a defeat or a fully cleared map.
type Runner struct {
	backend Backend
	bus     session.Bus
	book    *gamelog.Book
	log     *zap.Logger
	roster  *roster.Roster
	rooms   *rooms.Cache

	sess *session.Synchronizer
	comb *combat.Synchronizer

	mu                sync.Mutex
	playerID          string
	dungeons          []game.DungeonSummary
	selectedDungeonID string
	detail            *game.DungeonDetail
	pendingDetailID   string
	currentTemplate   *game.RoomTemplate
	lastRoomID        string
	lastCombatID      string

	// owners records which player claimed which dungeon id; a claimed id
	// is never silently adopted by another player's local state.
	owners           map[string]string
	playerSelections map[string]string

	autoSelect     bool
	defeatHandled  bool
	clearedHandled bool
}

func New(d Deps) *Runner {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	r := &Runner{
		backend:          d.Backend,
		bus:              d.Bus,
		book:             d.Book,
		log:              d.Logger,
		roster:           d.Roster,
		rooms:            d.Rooms,
		owners:           make(map[string]string),
		playerSelections: make(map[string]string),
		autoSelect:       true,
	}
	r.sess = session.New(d.Bus, d.Book, d.Logger.Named("session"), session.Hooks{
		OnDungeonSeen:  r.adoptDungeon,
		OnCombatChange: r.combatChanged,
		OnApplied:      r.afterSession,
	})
	r.comb = combat.New(d.CombatBus, d.Stepper, d.Book, d.Logger.Named("combat"), combat.Hooks{
		OnPlayer:   r.playerSnapshot,
		OnSnapshot: r.checkDefeat,
	})
	return r
}

func (r *Runner) Session() *session.Synchronizer { return r.sess }
func (r *Runner) Combat() *combat.Synchronizer   { return r.comb }

// SelectPlayer switches the active character. Everything dungeon-scoped is
// torn down: the session subscription moves to the new player's topic, the
// combat channel clears, caches reset, and the log restarts. The previous
// player's dungeon selection is remembered and restored if they come back.
func (r *Runner) SelectPlayer(ctx context.Context, key string) {
	r.roster.Select(key)
	player := r.roster.Selected()
	newID := ""
	if player != nil {
		newID = strings.TrimSpace(player.Key())
	}

	r.mu.Lock()
	if newID == r.playerID {
		r.mu.Unlock()
		return
	}
	r.playerID = newID
	r.dungeons = nil
	r.selectedDungeonID = ""
	r.detail = nil
	r.pendingDetailID = ""
	r.currentTemplate = nil
	r.lastRoomID = ""
	r.lastCombatID = ""
	r.autoSelect = true
	r.defeatHandled = false
	r.clearedHandled = false
	cached := r.playerSelections[newID]
	r.mu.Unlock()

	r.comb.SetActiveCombat("")
	r.rooms.Reset()

	if newID == "" {
		r.sess.Stop()
		r.book.Reset("Select a character to begin.")
		return
	}

	r.book.Reset("Dungeon ready.")
	if cached != "" {
		r.selectDungeonForPlayer(cached)
	}
	r.sess.Start(newID)
	r.SyncSession(ctx)
	r.ReloadDungeons(ctx)
}

// selectDungeonForPlayer applies the ownership guard: a dungeon claimed by
// another player is not adopted; selecting claims the id for this player.
func (r *Runner) selectDungeonForPlayer(id string) {
	trimmed := strings.TrimSpace(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if trimmed == "" {
		r.selectedDungeonID = ""
		if r.playerID != "" && r.owners[r.playerSelections[r.playerID]] == r.playerID {
			delete(r.playerSelections, r.playerID)
		}
		return
	}
	if r.playerID == "" {
		r.selectedDungeonID = trimmed
		return
	}
	if owner, ok := r.owners[trimmed]; ok && owner != r.playerID {
		return
	}
	r.owners[trimmed] = r.playerID
	r.playerSelections[r.playerID] = trimmed
	r.selectedDungeonID = trimmed
}

// adoptDungeon runs when a session snapshot carries a dungeon id.
func (r *Runner) adoptDungeon(dungeonID string) {
	r.mu.Lock()
	same := r.selectedDungeonID == strings.TrimSpace(dungeonID)
	r.mu.Unlock()
	if !same {
		r.selectDungeonForPlayer(dungeonID)
	}
}

func (r *Runner) combatChanged(combatID string) {
	r.comb.SetActiveCombat(combatID)
	if combatID == "" {
		// HP/XP changed server-side; refetch the active character.
		go func() {
			if err := r.roster.RefreshSelected(context.Background()); err != nil {
				r.log.Warn("refresh player after combat", zap.Error(err))
			}
		}()
	}
}

func (r *Runner) playerSnapshot(p *game.Player) {
	if p != nil {
		r.roster.Upsert(*p)
	}
}

// afterSession runs on every applied session snapshot. It reloads the
// dungeon detail when the room changed or combat just ended (room state may
// have changed server-side), and resolves the current room's template.
func (r *Runner) afterSession(s game.GameSession) {
	r.mu.Lock()
	reload := s.DungeonID != "" &&
		(r.detail == nil || r.detail.ID != s.DungeonID ||
			s.CurrentRoomID != r.lastRoomID ||
			(r.lastCombatID != "" && s.CurrentCombatID == ""))
	r.lastRoomID = s.CurrentRoomID
	r.lastCombatID = s.CurrentCombatID
	r.mu.Unlock()

	if reload {
		r.loadDetail(context.Background(), s.DungeonID, false)
	}
	r.resolveRoomTemplate(context.Background(), s.CurrentRoomID)
}

// loadDetail fetches the dungeon detail; a stale response for a dungeon that
// is no longer the pending one is discarded.
func (r *Runner) loadDetail(ctx context.Context, id string, logIt bool) {
	trimmed := strings.TrimSpace(id)

	r.mu.Lock()
	r.pendingDetailID = trimmed
	r.mu.Unlock()
	if trimmed == "" {
		r.mu.Lock()
		r.detail = nil
		r.mu.Unlock()
		return
	}

	detail, err := r.backend.DungeonDetail(ctx, trimmed)

	r.mu.Lock()
	stale := r.pendingDetailID != trimmed
	if !stale && err == nil {
		r.detail = detail
	}
	r.mu.Unlock()

	if stale {
		return
	}
	if err != nil {
		r.book.Appendf("Error loading dungeon detail: %v", err)
		return
	}
	if detail != nil && logIt {
		r.book.Appendf("Dungeon %s loaded (%d rooms).", labelOrID(detail.Name, detail.ID), len(detail.Rooms))
	}
	r.checkCleared()
}

// LoadSelectedDungeon refetches the selected dungeon's detail on demand.
func (r *Runner) LoadSelectedDungeon(ctx context.Context) {
	r.mu.Lock()
	id := r.selectedDungeonID
	r.mu.Unlock()
	if id != "" {
		r.loadDetail(ctx, id, true)
	}
}

func (r *Runner) resolveRoomTemplate(ctx context.Context, roomID string) {
	if roomID == "" {
		r.mu.Lock()
		r.currentTemplate = nil
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	room := r.detail.Room(roomID)
	r.mu.Unlock()
	if room == nil {
		return
	}
	if room.RoomRefID == "" {
		r.mu.Lock()
		r.currentTemplate = nil
		r.mu.Unlock()
		r.book.Appendf("No room template linked to roomId %s.", roomID)
		return
	}

	template, fetched, err := r.rooms.Get(ctx, room.RoomRefID)
	if err != nil {
		r.book.Appendf("Error fetching room template (%s): %v", room.RoomRefID, err)
		return
	}
	r.mu.Lock()
	r.currentTemplate = template
	r.mu.Unlock()
	if template == nil {
		r.book.Appendf("No room template found (id: %s).", room.RoomRefID)
		return
	}
	if fetched {
		r.book.Appendf("Room %s loaded via REST.", labelOrID(template.Name, template.ID))
	}
}

// ReloadDungeons refreshes the dungeon list. An empty list for a selected
// player triggers one automatic create, then a re-list.
func (r *Runner) ReloadDungeons(ctx context.Context) {
	r.mu.Lock()
	playerID := r.playerID
	r.mu.Unlock()

	list, err := r.backend.Dungeons(ctx, playerID)
	if err != nil {
		r.book.Appendf("Error fetching dungeon list: %v", err)
		return
	}

	if len(list) == 0 {
		if playerID == "" {
			r.book.Append("No dungeons found and no character selected - pick a character to create one automatically.")
		} else {
			r.book.Append("No dungeons found - creating one automatically.")
			created, err := r.backend.CreateDungeon(ctx, playerID)
			if err != nil {
				r.book.Appendf("Error auto-creating dungeon: %v", err)
			} else if created == nil || created.ID == "" {
				r.book.Append("Automatic dungeon creation returned nothing.")
			} else {
				r.book.Appendf("Dungeon %s created automatically.", labelOrID(created.Name, created.ID))
				if relisted, err := r.backend.Dungeons(ctx, playerID); err == nil {
					list = relisted
				}
			}
		}
	}

	r.mu.Lock()
	r.dungeons = list
	r.mu.Unlock()
	r.book.Appendf("Dungeon list fetched (%d).", len(list))
	r.autoSelectDungeon()
}

// autoSelectDungeon fills an empty selection: the session's dungeon first,
// else the first listed one. Disabled while a fresh-dungeon restart runs.
func (r *Runner) autoSelectDungeon() {
	r.mu.Lock()
	if r.selectedDungeonID != "" || !r.autoSelect {
		r.mu.Unlock()
		return
	}
	candidate := ""
	if s := r.sess.Session(); s != nil && s.DungeonID != "" {
		candidate = s.DungeonID
	} else {
		for _, d := range r.dungeons {
			if strings.TrimSpace(d.ID) != "" {
				candidate = strings.TrimSpace(d.ID)
				break
			}
		}
	}
	r.mu.Unlock()

	if candidate != "" {
		r.selectDungeonForPlayer(candidate)
		r.LoadSelectedDungeon(context.Background())
	}
}

// StartOrResume creates a session on the selected dungeon, auto-creating a
// dungeon first when none is selected (or when the current selection is
// another player's claim).
func (r *Runner) StartOrResume(ctx context.Context) error {
	r.mu.Lock()
	playerID := r.playerID
	dungeonID := r.selectedDungeonID
	owned := dungeonID != "" && r.owners[dungeonID] == playerID
	r.mu.Unlock()

	if playerID == "" {
		r.book.Append("Select a character first.")
		return ErrNoPlayer
	}
	if !owned {
		r.selectDungeonForPlayer("")
		dungeonID = ""
	}

	if dungeonID == "" {
		r.book.Append("Creating a new dungeon for this character...")
		created, err := r.backend.CreateDungeon(ctx, playerID)
		if err != nil {
			r.book.Appendf("Error auto-creating dungeon: %v", err)
			return err
		}
		if created == nil || created.ID == "" {
			r.book.Append("Could not create a new dungeon automatically.")
			return errors.New("dungeon create returned nothing")
		}
		dungeonID = strings.TrimSpace(created.ID)
		r.addDungeon(*created)
		r.selectDungeonForPlayer(dungeonID)
	}

	next, err := r.backend.StartSession(ctx, playerID, dungeonID)
	if err != nil {
		r.book.Appendf("Error creating session: %v", err)
		return err
	}
	if next == nil {
		r.book.Append("Session POST returned no content.")
		return nil
	}
	r.book.Append("Session created/resumed.")
	r.sess.ApplySnapshot(next)

	if r.sess.RequestSync() {
		r.book.Append("Sync requested via websocket.")
	} else {
		r.book.Append("Sync via REST (websocket not connected).")
	}
	return nil
}

func (r *Runner) addDungeon(d game.DungeonSummary) {
	id := strings.TrimSpace(d.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	filtered := make([]game.DungeonSummary, 0, len(r.dungeons)+1)
	filtered = append(filtered, d)
	for _, existing := range r.dungeons {
		if strings.TrimSpace(existing.ID) != id {
			filtered = append(filtered, existing)
		}
	}
	r.dungeons = filtered
}

// SyncSession asks for a push sync, falling back to a REST fetch when the
// websocket is down.
func (r *Runner) SyncSession(ctx context.Context) {
	r.mu.Lock()
	playerID := r.playerID
	r.mu.Unlock()
	if playerID == "" {
		r.book.Append("Select a character before syncing.")
		return
	}

	if r.sess.RequestSync() {
		r.book.Append("Requested session sync via websocket.")
		return
	}

	next, err := r.backend.Session(ctx, playerID)
	if err != nil {
		r.book.Appendf("Error fetching session: %v", err)
		return
	}
	if next == nil {
		r.book.Append("No session found.")
		return
	}
	r.sess.ApplySnapshot(next)
	r.book.Append("Session updated via REST.")
}

// Move publishes a move. Rejected locally while combat is active, while the
// transport is down, and when the current room has no door that way.
func (r *Runner) Move(dir game.Direction) error {
	r.mu.Lock()
	playerID := r.playerID
	detail := r.detail
	r.mu.Unlock()

	if playerID == "" {
		r.book.Append("Select a character before moving.")
		return ErrNoPlayer
	}
	s := r.sess.Session()
	if s != nil && s.CurrentCombatID != "" {
		r.book.Append("Cannot move while combat is active.")
		return ErrInCombat
	}
	if !r.bus.Connected() {
		r.book.Append("Websocket not connected.")
		return ErrDisconnected
	}
	var room *game.RoomNode
	if s != nil {
		room = detail.Room(s.CurrentRoomID)
	}
	if !room.HasDoor(dir) {
		r.book.Appendf("No door to the %s here.", dir)
		return ErrNoDoor
	}

	if r.sess.SendMove(dir) {
		r.book.Appendf("Move sent (%s).", dir)
		return nil
	}
	r.book.Append("Websocket not connected.")
	return ErrDisconnected
}

// AvailableDirections lists the doors of the current room, empty when the
// room is unknown.
func (r *Runner) AvailableDirections() []game.Direction {
	s := r.sess.Session()
	if s == nil {
		return nil
	}
	r.mu.Lock()
	room := r.detail.Room(s.CurrentRoomID)
	r.mu.Unlock()
	if room == nil {
		return nil
	}
	out := make([]game.Direction, 0, len(room.DoorDirections))
	for _, d := range room.DoorDirections {
		if parsed, ok := game.ParseDirection(string(d)); ok {
			out = append(out, parsed)
		}
	}
	return out
}

// checkDefeat fires the death restart exactly once per terminal defeat:
// player HP <= 0 and combatOver. The latch re-arms whenever combat shows a
// living player or a non-terminal state again.
func (r *Runner) checkDefeat(c game.Combat) {
	r.mu.Lock()
	if c.Player == nil {
		r.mu.Unlock()
		return
	}
	if c.Player.HP > 0 {
		r.defeatHandled = false
		r.mu.Unlock()
		return
	}
	if !c.CombatOver || r.defeatHandled {
		r.mu.Unlock()
		return
	}
	r.defeatHandled = true
	r.mu.Unlock()

	go r.startFresh(context.Background(), "death")
}

// checkCleared fires the clearance restart when every loaded room is
// cleared and no combat is active, once per qualifying condition.
func (r *Runner) checkCleared() {
	r.mu.Lock()
	detail := r.detail
	if detail == nil || len(detail.Rooms) == 0 || !detail.AllCleared() {
		r.clearedHandled = false
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	s := r.sess.Session()
	if s != nil && s.CurrentCombatID != "" {
		return
	}

	r.mu.Lock()
	if r.clearedHandled {
		r.mu.Unlock()
		return
	}
	r.clearedHandled = true
	r.mu.Unlock()

	go r.startFresh(context.Background(), "cleared")
}

// startFresh ends the current run and starts a new one on a brand new
// dungeon. On failure the one-shot latches re-arm so a later state change
// can retry.
func (r *Runner) startFresh(ctx context.Context, reason string) {
	r.mu.Lock()
	playerID := r.playerID
	label := r.selectedDungeonID
	if r.detail != nil {
		label = labelOrID(r.detail.Name, r.detail.ID)
	}
	r.mu.Unlock()

	if playerID == "" {
		r.book.Append("Cannot start a new dungeon without a selected character.")
		return
	}
	if label == "" {
		label = "dungeon"
	}
	if reason == "death" {
		r.book.Appendf("The character fell in %s. Ending the run and creating a new dungeon...", label)
	} else {
		r.book.Appendf("Dungeon %s is cleared. Creating a new dungeon...", label)
	}

	r.mu.Lock()
	r.autoSelect = false
	r.detail = nil
	r.pendingDetailID = ""
	r.currentTemplate = nil
	r.mu.Unlock()
	r.selectDungeonForPlayer("")
	r.rooms.Reset()

	fail := func(format string, args ...any) {
		r.book.Appendf(format, args...)
		r.mu.Lock()
		r.autoSelect = true
		r.defeatHandled = false
		r.clearedHandled = false
		r.mu.Unlock()
	}

	created, err := r.backend.CreateDungeon(ctx, playerID)
	if err != nil {
		fail("Error restarting dungeon: %v", err)
		return
	}
	if created == nil || created.ID == "" {
		fail("Could not create a new dungeon automatically.")
		return
	}
	trimmedID := strings.TrimSpace(created.ID)
	r.addDungeon(*created)
	r.selectDungeonForPlayer(trimmedID)

	next, err := r.backend.StartSession(ctx, playerID, trimmedID)
	if err != nil {
		fail("Error restarting dungeon: %v", err)
		return
	}
	if next == nil {
		fail("Could not start the session for the new dungeon.")
		return
	}
	if reason == "death" {
		r.book.Appendf("New dungeon %s started. Good luck!", labelOrID(created.Name, trimmedID))
	} else {
		r.book.Appendf("New dungeon %s started after the last one was cleared.", labelOrID(created.Name, trimmedID))
	}
	r.sess.ApplySnapshot(next)

	if r.sess.RequestSync() {
		r.book.Append("Websocket sync requested for the new session.")
	} else {
		r.book.Append("Websocket not connected - session updated via REST.")
	}

	r.ReloadDungeons(ctx)

	r.mu.Lock()
	r.autoSelect = true
	r.defeatHandled = false
	r.clearedHandled = false
	r.mu.Unlock()
}

// BuyArmor starts the armor checkout and returns the hosted checkout URL.
func (r *Runner) BuyArmor(ctx context.Context) (string, error) {
	r.mu.Lock()
	playerID := r.playerID
	r.mu.Unlock()
	if playerID == "" {
		r.book.Append("Select a character before buying armor.")
		return "", ErrNoPlayer
	}
	url, err := r.backend.CreateCheckout(ctx, playerID)
	if err != nil {
		r.book.Appendf("Error starting checkout: %v", err)
		return "", err
	}
	r.book.Append("Checkout created - open the URL to pay.")
	return url, nil
}

// VerifyPurchase polls the verify endpoint after a checkout redirect.
func (r *Runner) VerifyPurchase(ctx context.Context, sessionID string) error {
	result, err := r.backend.VerifyCheckout(ctx, sessionID)
	if err != nil {
		r.book.Appendf("Error verifying purchase: %v", err)
		return err
	}
	switch {
	case result == nil || !result.OK:
		r.book.Append("Purchase not verified.")
	case result.AlreadyApplied:
		r.book.Append("Purchase already applied.")
	default:
		r.book.Appendf("Armor upgraded (+%d).", result.Armor)
		if err := r.roster.RefreshSelected(ctx); err != nil {
			r.log.Warn("refresh player after purchase", zap.Error(err))
		}
	}
	return nil
}

// View is the derived state the presentation layer renders from.
type View struct {
	PlayerID          string
	Dungeons          []game.DungeonSummary
	SelectedDungeonID string
	Detail            *game.DungeonDetail
	Session           *game.GameSession
	RoomLabel         string
	RoomTemplate      *game.RoomTemplate
	Directions        []game.Direction
	Combat            *game.Combat
	TargetIdx         int
	Connected         bool
}

func (r *Runner) View() View {
	s := r.sess.Session()

	r.mu.Lock()
	v := View{
		PlayerID:          r.playerID,
		Dungeons:          append([]game.DungeonSummary(nil), r.dungeons...),
		SelectedDungeonID: r.selectedDungeonID,
		Detail:            r.detail,
		RoomTemplate:      r.currentTemplate,
	}
	var room *game.RoomNode
	if s != nil {
		room = r.detail.Room(s.CurrentRoomID)
	}
	r.mu.Unlock()

	v.Session = s
	v.RoomLabel = room.Label()
	v.Combat = r.comb.Combat()
	v.TargetIdx = r.comb.Target()
	v.Connected = r.bus.Connected()
	v.Directions = r.AvailableDirections()
	return v
}

func labelOrID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
