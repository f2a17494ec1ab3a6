// Package backendtest is an in-memory stand-in for the dungeon backend:
// the REST surface under /api/v1 plus a STOMP-over-websocket broker on /ws.
// Tests drive it through the seed/push methods; cmd/devserver runs it as a
// local development backend.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	game "github.com/jharden12/dungeon-client/internal/types"
	"github.com/jharden12/dungeon-client/internal/wire"
)

type checkout struct {
	playerID string
	applied  bool
}

type Server struct {
	log    *zap.Logger
	broker *broker
	router chi.Router

	mu        sync.Mutex
	players   map[string]game.Player
	dungeons  map[string]*game.DungeonDetail
	sessions  map[string]*game.GameSession
	combats   map[string]*game.Combat
	templates map[string]*game.RoomTemplate
	checkouts map[string]*checkout
	nextID    int
}

func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:       log,
		players:   make(map[string]game.Player),
		dungeons:  make(map[string]*game.DungeonDetail),
		sessions:  make(map[string]*game.GameSession),
		combats:   make(map[string]*game.Combat),
		templates: make(map[string]*game.RoomTemplate),
		checkouts: make(map[string]*checkout),
	}
	s.broker = newBroker(log.Named("broker"), s.handleSend)
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.broker.serveHTTP)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/dungeon/getAll", s.handleDungeons)
		r.Post("/dungeon/create", s.handleCreateDungeon)
		r.Get("/dungeon/getById", s.handleDungeonByID)
		r.Get("/dungeon/session", s.handleGetSession)
		r.Post("/dungeon/session", s.handleStartSession)
		r.Get("/rooms/getById", s.handleRoomTemplate)
		r.Get("/combat/{id}", s.handleCombatState)
		r.Post("/combat/{id}/step", s.handleCombatStep)
		r.Delete("/combat/{id}", s.handleDeleteCombat)
		r.Get("/players/getAllPlayers", s.handlePlayers)
		r.Post("/players/createPlayer", s.handleCreatePlayer)
		r.Get("/players/getPlayerById", s.handlePlayerByID)
		r.Post("/billing/checkout", s.handleCheckout)
		r.Post("/billing/verify", s.handleVerify)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) genID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// --- REST handlers ---

func (s *Server) handleDungeons(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]game.DungeonSummary, 0, len(s.dungeons))
	for _, d := range s.dungeons {
		list = append(list, game.DungeonSummary{ID: d.ID, Name: d.Name})
	}
	writeJSON(w, list)
}

func (s *Server) handleCreateDungeon(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.URL.Query().Get("playerId")) == "" {
		http.Error(w, "playerId required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	d := s.generateDungeonLocked()
	s.mu.Unlock()
	writeJSON(w, game.DungeonSummary{ID: d.ID, Name: d.Name})
}

// generateDungeonLocked builds a small three-room map: start, an east room,
// and a boss room north of that one.
func (s *Server) generateDungeonLocked() *game.DungeonDetail {
	id := s.genID("dungeon")
	d := &game.DungeonDetail{
		ID:   id,
		Name: "Generated " + id,
		Rooms: []game.RoomNode{
			{
				RoomID:           id + "-r1",
				X:                0,
				Y:                0,
				Start:            true,
				Cleared:          true,
				DoorDirections:   []game.Direction{game.DirEast},
				ConnectedRoomIDs: []string{id + "-r2"},
			},
			{
				RoomID:           id + "-r2",
				X:                1,
				Y:                0,
				DoorDirections:   []game.Direction{game.DirWest, game.DirNorth},
				ConnectedRoomIDs: []string{id + "-r1", id + "-r3"},
			},
			{
				RoomID:           id + "-r3",
				X:                1,
				Y:                1,
				BossRoom:         true,
				DoorDirections:   []game.Direction{game.DirSouth},
				ConnectedRoomIDs: []string{id + "-r2"},
			},
		},
	}
	s.dungeons[id] = d
	return d
}

func (s *Server) handleDungeonByID(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	d := s.dungeons[r.URL.Query().Get("id")]
	s.mu.Unlock()
	if d == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, d)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.sessions[r.URL.Query().Get("playerId")]
	s.mu.Unlock()
	if sess == nil {
		writeJSON(w, nil)
		return
	}
	writeJSON(w, sess)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	playerID := strings.TrimSpace(r.URL.Query().Get("playerId"))
	dungeonID := strings.TrimSpace(r.URL.Query().Get("dungeonId"))
	if playerID == "" || dungeonID == "" {
		http.Error(w, "playerId and dungeonId required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	d := s.dungeons[dungeonID]
	if d == nil {
		s.mu.Unlock()
		http.Error(w, "dungeon not found", http.StatusNotFound)
		return
	}
	startRoom := ""
	for i := range d.Rooms {
		if d.Rooms[i].Start {
			startRoom = d.Rooms[i].RoomID
			break
		}
	}
	if startRoom == "" && len(d.Rooms) > 0 {
		startRoom = d.Rooms[0].RoomID
	}
	sess := &game.GameSession{
		PlayerID:      playerID,
		DungeonID:     dungeonID,
		CurrentRoomID: startRoom,
	}
	s.sessions[playerID] = sess
	copied := *sess
	s.mu.Unlock()

	writeJSON(w, copied)
}

func (s *Server) handleRoomTemplate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	t := s.templates[r.URL.Query().Get("id")]
	s.mu.Unlock()
	if t == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, t)
}

func (s *Server) handleCombatState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c := s.combats[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if c == nil {
		writeJSON(w, nil)
		return
	}
	writeJSON(w, c)
}

func (s *Server) handleCombatStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var target *int
	if raw := r.URL.Query().Get("targetIdx"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			target = &parsed
		}
	}

	s.mu.Lock()
	c := s.combats[id]
	if c == nil {
		s.mu.Unlock()
		http.Error(w, "combat not found", http.StatusNotFound)
		return
	}
	s.stepCombatLocked(id, c, target)
	copied := *c
	s.mu.Unlock()

	writeJSON(w, copied)
}

func (s *Server) handleDeleteCombat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	delete(s.combats, id)
	for _, sess := range s.sessions {
		if sess.CurrentCombatID == id {
			sess.CurrentCombatID = ""
		}
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]game.Player, 0, len(s.players))
	for _, p := range s.players {
		list = append(list, p)
	}
	s.mu.Unlock()
	writeJSON(w, list)
}

func (s *Server) handleCreatePlayer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	p := game.Player{
		ID:     s.genID("player"),
		Name:   body.Name,
		HP:     20,
		MaxHP:  20,
		Armor:  1,
		Level:  1,
		Damage: 5,
	}
	s.players[p.ID] = p
	s.mu.Unlock()
	writeJSON(w, p)
}

func (s *Server) handlePlayerByID(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	p, ok := s.players[r.URL.Query().Get("id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, p)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	playerID := strings.TrimSpace(r.URL.Query().Get("playerId"))
	if playerID == "" {
		http.Error(w, "playerId required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	id := s.genID("checkout")
	s.checkouts[id] = &checkout{playerID: playerID}
	s.mu.Unlock()
	writeJSON(w, map[string]string{"url": "https://checkout.example/" + id})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("sessionId"))

	s.mu.Lock()
	defer s.mu.Unlock()
	co := s.checkouts[id]
	if co == nil {
		writeJSON(w, map[string]bool{"ok": false})
		return
	}
	if co.applied {
		writeJSON(w, map[string]any{"ok": true, "alreadyApplied": true})
		return
	}
	co.applied = true
	p, ok := s.players[co.playerID]
	if ok {
		p.Armor += 2
		s.players[co.playerID] = p
	}
	writeJSON(w, map[string]any{"ok": true, "armor": 2})
}

// --- STOMP routing ---

func (s *Server) handleSend(dest string, body []byte) {
	kind, id, action, ok := splitAppDest(dest)
	if !ok {
		s.log.Debug("unroutable send", zap.String("destination", dest))
		return
	}
	switch {
	case kind == "dungeon" && action == wire.ActionSync:
		s.pushSessionFor(id)
	case kind == "dungeon" && action == wire.ActionMove:
		var payload wire.MovePayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return
		}
		s.applyMove(id, payload.Dir)
	case kind == "combat" && action == wire.ActionSync:
		s.pushCombatFor(id)
	case kind == "combat" && action == wire.ActionPlayerAction:
		var payload wire.ActionPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			return
		}
		s.mu.Lock()
		c := s.combats[id]
		if c != nil {
			s.stepCombatLocked(id, c, payload.TargetIdx)
		}
		s.mu.Unlock()
		s.pushCombatFor(id)
	}
}

func (s *Server) applyMove(playerID string, dir game.Direction) {
	s.mu.Lock()
	sess := s.sessions[playerID]
	if sess == nil {
		s.mu.Unlock()
		return
	}
	result := &game.MoveResult{
		RequestedDir: dir,
		FromRoomID:   sess.CurrentRoomID,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	d := s.dungeons[sess.DungeonID]
	room := d.Room(sess.CurrentRoomID)
	next := ""
	if room != nil {
		for i, door := range room.DoorDirections {
			if door == dir && i < len(room.ConnectedRoomIDs) {
				next = room.ConnectedRoomIDs[i]
				break
			}
		}
	}
	if sess.CurrentCombatID != "" {
		result.Reason = "combat active"
	} else if next == "" {
		result.Reason = "no door"
	} else {
		result.Allowed = true
		result.ToRoomID = next
		sess.CurrentRoomID = next
	}
	sess.LastMoveResult = result
	s.mu.Unlock()

	s.pushSessionFor(playerID)
}

// stepCombatLocked runs one combat step: a targeted player attack, or an
// enemy-turn step when target is nil.
func (s *Server) stepCombatLocked(id string, c *game.Combat, target *int) {
	if c.CombatOver {
		return
	}
	if target != nil {
		i := *target
		if i >= 0 && i < len(c.Enemies) && c.Enemies[i].Alive && c.Player != nil {
			dmg := c.Player.Damage - c.Enemies[i].Armor
			if dmg < 1 {
				dmg = 1
			}
			c.Enemies[i].HP -= dmg
			if c.Enemies[i].HP <= 0 {
				c.Enemies[i].HP = 0
				c.Enemies[i].Alive = false
			}
		}
		c.PlayerTurn = false
	} else {
		for i := range c.Enemies {
			if !c.Enemies[i].Alive {
				continue
			}
			if c.Player != nil {
				dmg := c.Enemies[i].Damage - c.Player.Armor
				if dmg < 1 {
					dmg = 1
				}
				c.Player.HP -= dmg
			}
			break
		}
		c.PlayerTurn = true
	}

	allDown := true
	for i := range c.Enemies {
		if c.Enemies[i].Alive {
			allDown = false
			break
		}
	}
	if allDown || (c.Player != nil && c.Player.HP <= 0) {
		c.CombatOver = true
		for _, sess := range s.sessions {
			if sess.CurrentCombatID == id {
				sess.CurrentCombatID = ""
			}
		}
	}
}

func (s *Server) pushSessionFor(playerID string) {
	s.mu.Lock()
	sess := s.sessions[playerID]
	var copied *game.GameSession
	if sess != nil {
		c := *sess
		copied = &c
	}
	s.mu.Unlock()
	if copied == nil {
		return
	}
	s.publish(wire.DungeonTopic(playerID), copied)
}

func (s *Server) pushCombatFor(combatID string) {
	s.mu.Lock()
	c := s.combats[combatID]
	var copied *game.Combat
	if c != nil {
		cc := *c
		copied = &cc
	}
	s.mu.Unlock()
	s.publish(wire.CombatTopic(combatID), wire.CombatPush{CombatID: combatID, Combat: copied})
}

func (s *Server) publish(topic string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal push", zap.Error(err))
		return
	}
	s.broker.publish(topic, body)
}

// --- test controls ---

func (s *Server) SeedPlayer(p game.Player) {
	s.mu.Lock()
	s.players[p.ID] = p
	s.mu.Unlock()
}

func (s *Server) SeedDungeon(d *game.DungeonDetail) {
	s.mu.Lock()
	s.dungeons[d.ID] = d
	s.mu.Unlock()
}

func (s *Server) SeedTemplate(t *game.RoomTemplate) {
	s.mu.Lock()
	s.templates[t.ID] = t
	s.mu.Unlock()
}

func (s *Server) SetSession(sess *game.GameSession) {
	s.mu.Lock()
	if sess == nil {
		s.sessions = make(map[string]*game.GameSession)
	} else {
		c := *sess
		s.sessions[sess.PlayerID] = &c
	}
	s.mu.Unlock()
}

// PushSession stores the session and pushes it on the player's topic.
func (s *Server) PushSession(sess *game.GameSession) {
	s.SetSession(sess)
	if sess != nil {
		s.pushSessionFor(sess.PlayerID)
	}
}

// StartCombat attaches a combat to the player's session and pushes both the
// session and the combat snapshot.
func (s *Server) StartCombat(playerID, combatID string, c *game.Combat) {
	s.mu.Lock()
	s.combats[combatID] = c
	if sess := s.sessions[playerID]; sess != nil {
		sess.CurrentCombatID = combatID
	}
	s.mu.Unlock()
	s.pushSessionFor(playerID)
	s.pushCombatFor(combatID)
}

// PushCombat publishes a combat snapshot; nil announces the combat removed.
func (s *Server) PushCombat(combatID string, c *game.Combat) {
	s.mu.Lock()
	if c == nil {
		delete(s.combats, combatID)
	} else {
		s.combats[combatID] = c
	}
	s.mu.Unlock()
	s.publish(wire.CombatTopic(combatID), wire.CombatPush{CombatID: combatID, Combat: c})
}

// MarkRoomCleared flips a room's cleared flag without touching sessions.
func (s *Server) MarkRoomCleared(dungeonID, roomID string) {
	s.mu.Lock()
	if d := s.dungeons[dungeonID]; d != nil {
		if room := d.Room(roomID); room != nil {
			room.Cleared = true
		}
	}
	s.mu.Unlock()
}

// SubscriberCount exposes the broker's live subscription count on a topic.
func (s *Server) SubscriberCount(topic string) int {
	return s.broker.subscriberCount(topic)
}

// DropConnections severs every live websocket, as a backend restart would.
// Subscriptions and sessions survive; clients are expected to reconnect.
func (s *Server) DropConnections() {
	s.broker.dropAll()
}
