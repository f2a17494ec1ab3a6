package backendtest_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jharden12/dungeon-client/internal/backendtest"
	"github.com/jharden12/dungeon-client/internal/transport"
	game "github.com/jharden12/dungeon-client/internal/types"
	"github.com/jharden12/dungeon-client/internal/wire"
)

func dial(t *testing.T) (*backendtest.Server, *transport.Adapter) {
	t.Helper()
	srv := backendtest.New(nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	a := transport.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil,
		transport.WithReconnectDelay(100*time.Millisecond))
	t.Cleanup(a.Close)
	return srv, a
}

func waitSubscribed(t *testing.T, srv *backendtest.Server, topic string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.SubscriberCount(topic) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("never subscribed on %s", topic)
}

func recvSession(t *testing.T, ch <-chan []byte) game.GameSession {
	t.Helper()
	select {
	case body := <-ch:
		var s game.GameSession
		require.NoError(t, json.Unmarshal(body, &s))
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a session push")
		return game.GameSession{}
	}
}

func TestMoveRouting(t *testing.T) {
	srv, a := dial(t)
	d := &game.DungeonDetail{
		ID: "d1",
		Rooms: []game.RoomNode{
			{RoomID: "r1", Start: true, DoorDirections: []game.Direction{game.DirEast}, ConnectedRoomIDs: []string{"r2"}},
			{RoomID: "r2", DoorDirections: []game.Direction{game.DirWest}, ConnectedRoomIDs: []string{"r1"}},
		},
	}
	srv.SeedDungeon(d)
	srv.SetSession(&game.GameSession{PlayerID: "p1", DungeonID: "d1", CurrentRoomID: "r1"})

	pushes := make(chan []byte, 4)
	a.Subscribe(wire.DungeonTopic("p1"), func(body []byte) { pushes <- body })
	waitSubscribed(t, srv, wire.DungeonTopic("p1"))

	// A legal move relocates the session and reports the transition.
	require.True(t, a.Publish(wire.DungeonDest("p1", wire.ActionMove), wire.MovePayload{Dir: game.DirEast}))
	moved := recvSession(t, pushes)
	require.Equal(t, "r2", moved.CurrentRoomID)
	require.NotNil(t, moved.LastMoveResult)
	require.True(t, moved.LastMoveResult.Allowed)
	require.Equal(t, "r1", moved.LastMoveResult.FromRoomID)

	// A move without a door is refused but still pushed back.
	require.True(t, a.Publish(wire.DungeonDest("p1", wire.ActionMove), wire.MovePayload{Dir: game.DirNorth}))
	refused := recvSession(t, pushes)
	require.Equal(t, "r2", refused.CurrentRoomID)
	require.False(t, refused.LastMoveResult.Allowed)
	require.Equal(t, "no door", refused.LastMoveResult.Reason)
}

func TestCombatActionRouting(t *testing.T) {
	srv, a := dial(t)
	srv.SetSession(&game.GameSession{PlayerID: "p1", DungeonID: "d1", CurrentRoomID: "r1"})
	srv.StartCombat("p1", "c1", &game.Combat{
		Player:     &game.Player{ID: "p1", Name: "Hero", HP: 10, Damage: 5},
		Enemies:    []game.Enemy{{Name: "rat", HP: 4, MaxHP: 4, Alive: true}},
		PlayerTurn: true,
	})

	pushes := make(chan []byte, 4)
	a.Subscribe(wire.CombatTopic("c1"), func(body []byte) { pushes <- body })
	waitSubscribed(t, srv, wire.CombatTopic("c1"))

	target := 0
	require.True(t, a.Publish(wire.CombatDest("c1", wire.ActionPlayerAction), wire.ActionPayload{TargetIdx: &target}))

	select {
	case body := <-pushes:
		var push wire.CombatPush
		require.NoError(t, json.Unmarshal(body, &push))
		require.Equal(t, "c1", push.CombatID)
		require.NotNil(t, push.Combat)
		require.False(t, push.Combat.Enemies[0].Alive)
		require.True(t, push.Combat.CombatOver)
	case <-time.After(3 * time.Second):
		t.Fatal("no combat push received")
	}
}

func TestCombatSyncRouting(t *testing.T) {
	srv, a := dial(t)
	srv.PushCombat("c1", &game.Combat{
		Player:     &game.Player{ID: "p1", HP: 10},
		Enemies:    []game.Enemy{{Name: "rat", HP: 4, Alive: true}},
		PlayerTurn: true,
	})

	pushes := make(chan []byte, 4)
	a.Subscribe(wire.CombatTopic("c1"), func(body []byte) { pushes <- body })
	waitSubscribed(t, srv, wire.CombatTopic("c1"))

	require.True(t, a.Publish(wire.CombatDest("c1", wire.ActionSync), wire.SyncPayload{}))

	select {
	case body := <-pushes:
		var push wire.CombatPush
		require.NoError(t, json.Unmarshal(body, &push))
		require.True(t, push.Combat.PlayerTurn)
	case <-time.After(3 * time.Second):
		t.Fatal("no combat push received")
	}
}
