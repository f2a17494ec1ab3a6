package session

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/jharden12/dungeon-client/internal/gamelog"
	"github.com/jharden12/dungeon-client/internal/transport"
	game "github.com/jharden12/dungeon-client/internal/types"
)

// fakeBus is an in-memory Bus: handlers are invoked synchronously and every
// publish is recorded.
type fakeBus struct {
	mu        sync.Mutex
	connected bool
	publishOK bool
	published []publishRec
	handlers  map[string]transport.Handler
	statusFns []func(bool)
}

type publishRec struct {
	dest    string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{connected: true, publishOK: true, handlers: make(map[string]transport.Handler)}
}

func (b *fakeBus) Publish(dest string, payload any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.publishOK {
		return false
	}
	b.published = append(b.published, publishRec{dest: dest, payload: payload})
	return true
}

func (b *fakeBus) Subscribe(topic string, h transport.Handler) func() {
	b.mu.Lock()
	b.handlers[topic] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, topic)
		b.mu.Unlock()
	}
}

func (b *fakeBus) OnStatus(fn func(bool)) func() {
	b.mu.Lock()
	b.statusFns = append(b.statusFns, fn)
	b.mu.Unlock()
	return func() {}
}

func (b *fakeBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) push(t *testing.T, topic string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	b.pushRaw(t, topic, body)
}

func (b *fakeBus) pushRaw(t *testing.T, topic string, body []byte) {
	t.Helper()
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler on %s", topic)
	}
	h(body)
}

func (b *fakeBus) sentTo(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.published {
		if p.dest == dest {
			n++
		}
	}
	return n
}

func countMessages(book *gamelog.Book, substr string) int {
	n := 0
	for _, e := range book.Entries() {
		if strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}

func TestStart_SubscribesAndSyncsWhenConnected(t *testing.T) {
	bus := newFakeBus()
	book := gamelog.New("ready")
	s := New(bus, book, nil, Hooks{})

	s.Start("p1")

	bus.mu.Lock()
	_, subscribed := bus.handlers["/topic/dungeon/p1"]
	bus.mu.Unlock()
	if !subscribed {
		t.Fatalf("expected a subscription on the player's topic")
	}
	if got := bus.sentTo("/app/dungeon/p1/sync"); got != 1 {
		t.Fatalf("expected one sync publish, got %d", got)
	}
}

func TestApplySnapshot_FullReplace(t *testing.T) {
	bus := newFakeBus()
	book := gamelog.New("ready")
	s := New(bus, book, nil, Hooks{})
	s.Start("p1")

	s.ApplySnapshot(&game.GameSession{
		PlayerID:       "p1",
		DungeonID:      "d1",
		CurrentRoomID:  "r1",
		LastMoveResult: &game.MoveResult{Allowed: true, ToRoomID: "r1"},
	})
	s.ApplySnapshot(&game.GameSession{PlayerID: "p1", DungeonID: "d1", CurrentRoomID: "r2"})

	got := s.Session()
	if got.CurrentRoomID != "r2" {
		t.Fatalf("room = %q, want r2", got.CurrentRoomID)
	}
	if got.LastMoveResult != nil {
		t.Fatalf("snapshot replace must not merge: LastMoveResult survived")
	}
}

func TestApplySnapshot_CombatTransitionsLogOnce(t *testing.T) {
	bus := newFakeBus()
	book := gamelog.New("ready")
	var changes []string
	s := New(bus, book, nil, Hooks{
		OnCombatChange: func(id string) { changes = append(changes, id) },
	})
	s.Start("p1")

	base := game.GameSession{PlayerID: "p1", DungeonID: "d1", CurrentRoomID: "r1"}

	noCombat := base
	s.ApplySnapshot(&noCombat)

	inCombat := base
	inCombat.CurrentCombatID = "c1"
	s.ApplySnapshot(&inCombat)
	repeat := inCombat
	s.ApplySnapshot(&repeat)

	ended := base
	s.ApplySnapshot(&ended)
	endedAgain := base
	s.ApplySnapshot(&endedAgain)

	if got := countMessages(book, "Combat started (id: c1)."); got != 1 {
		t.Fatalf("combat started logged %d times, want 1", got)
	}
	if got := countMessages(book, "Combat ended."); got != 1 {
		t.Fatalf("combat ended logged %d times, want 1", got)
	}
	if len(changes) != 2 || changes[0] != "c1" || changes[1] != "" {
		t.Fatalf("OnCombatChange calls = %v", changes)
	}
}

func TestHandleMessage_MalformedPushIsDropped(t *testing.T) {
	bus := newFakeBus()
	book := gamelog.New("ready")
	s := New(bus, book, nil, Hooks{})
	s.Start("p1")

	s.ApplySnapshot(&game.GameSession{PlayerID: "p1", CurrentRoomID: "r1"})
	bus.pushRaw(t, "/topic/dungeon/p1", []byte("{not json"))

	if got := s.Session(); got == nil || got.CurrentRoomID != "r1" {
		t.Fatalf("malformed push must not clobber state, got %+v", got)
	}
	if countMessages(book, "Could not parse dungeon message") != 1 {
		t.Fatalf("expected a parse failure log entry")
	}
}

func TestPush_AppliesSnapshot(t *testing.T) {
	bus := newFakeBus()
	book := gamelog.New("ready")
	s := New(bus, book, nil, Hooks{})
	s.Start("p1")

	bus.push(t, "/topic/dungeon/p1", game.GameSession{PlayerID: "p1", DungeonID: "d1", CurrentRoomID: "r7"})
	if got := s.Session(); got == nil || got.CurrentRoomID != "r7" {
		t.Fatalf("push not applied: %+v", got)
	}
}

func TestStatus_ReconnectTriggersSync(t *testing.T) {
	bus := newFakeBus()
	bus.connected = false
	book := gamelog.New("ready")
	s := New(bus, book, nil, Hooks{})
	s.Start("p1")

	if got := bus.sentTo("/app/dungeon/p1/sync"); got != 0 {
		t.Fatalf("no sync should be sent while disconnected, got %d", got)
	}

	bus.mu.Lock()
	fns := append([]func(bool){}, bus.statusFns...)
	bus.connected = true
	bus.mu.Unlock()
	for _, fn := range fns {
		fn(true)
	}

	if got := bus.sentTo("/app/dungeon/p1/sync"); got != 1 {
		t.Fatalf("reconnect should trigger one sync, got %d", got)
	}
	if countMessages(book, "Websocket connected.") != 1 {
		t.Fatalf("expected a connected log entry")
	}
}

func TestSendMove_PublishReflectsConnection(t *testing.T) {
	bus := newFakeBus()
	book := gamelog.New("ready")
	s := New(bus, book, nil, Hooks{})
	s.Start("p1")

	if !s.SendMove(game.DirNorth) {
		t.Fatalf("move publish should succeed")
	}
	if got := bus.sentTo("/app/dungeon/p1/move"); got != 1 {
		t.Fatalf("move published %d times, want 1", got)
	}

	bus.mu.Lock()
	bus.publishOK = false
	bus.mu.Unlock()
	if s.SendMove(game.DirNorth) {
		t.Fatalf("move publish should report failure when the channel is down")
	}
}

func TestStop_BlocksLateCallbacks(t *testing.T) {
	bus := newFakeBus()
	book := gamelog.New("ready")
	s := New(bus, book, nil, Hooks{})
	s.Start("p1")
	s.ApplySnapshot(&game.GameSession{PlayerID: "p1", CurrentRoomID: "r1"})

	s.Stop()
	s.ApplySnapshot(&game.GameSession{PlayerID: "p1", CurrentRoomID: "r9"})

	if got := s.Session(); got != nil && got.CurrentRoomID == "r9" {
		t.Fatalf("snapshot applied after Stop")
	}
}
