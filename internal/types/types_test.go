package types

import (
	"encoding/json"
	"testing"
)

func TestParseDirection(t *testing.T) {
	cases := []struct {
		in   string
		want Direction
		ok   bool
	}{
		{"N", DirNorth, true},
		{"n", DirNorth, true},
		{" e ", DirEast, true},
		{"S", DirSouth, true},
		{"w", DirWest, true},
		{"northish", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseDirection(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseDirection(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPlayerUnmarshal_HPFieldVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"hp only", `{"name":"A","hp":7}`, 7},
		{"currentHp only", `{"name":"A","currentHp":5}`, 5},
		{"hp wins over currentHp", `{"name":"A","hp":7,"currentHp":5}`, 7},
		{"hp zero still wins", `{"name":"A","hp":0,"currentHp":5}`, 0},
		{"neither", `{"name":"A"}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p Player
			if err := json.Unmarshal([]byte(tc.body), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if p.HP != tc.want {
				t.Fatalf("hp = %d, want %d", p.HP, tc.want)
			}
		})
	}
}

func TestEnemyUnmarshal_AliveDerivation(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		wantHP    int
		wantAlive bool
	}{
		{"explicit alive true beats zero hp", `{"name":"rat","hp":0,"alive":true}`, 0, true},
		{"explicit alive false beats positive hp", `{"name":"rat","hp":4,"alive":false}`, 4, false},
		{"no flag, hp positive", `{"name":"rat","hp":4}`, 4, true},
		{"no flag, hp zero", `{"name":"rat","hp":0}`, 0, false},
		{"no flag, currentHp positive", `{"name":"rat","currentHp":3}`, 3, true},
		{"no fields at all", `{"name":"rat"}`, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var e Enemy
			if err := json.Unmarshal([]byte(tc.body), &e); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if e.HP != tc.wantHP || e.Alive != tc.wantAlive {
				t.Fatalf("got hp=%d alive=%v, want hp=%d alive=%v", e.HP, e.Alive, tc.wantHP, tc.wantAlive)
			}
		})
	}
}

func TestCombatUnmarshal_MonstersAlias(t *testing.T) {
	var c Combat
	body := `{"playerTurn":true,"monsters":[{"name":"ghoul","hp":9}]}`
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Enemies) != 1 || c.Enemies[0].Name != "ghoul" {
		t.Fatalf("monsters alias not applied: %+v", c.Enemies)
	}

	// "enemies" wins when both are present.
	both := `{"enemies":[{"name":"real","hp":1}],"monsters":[{"name":"alias","hp":1}]}`
	if err := json.Unmarshal([]byte(both), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Enemies) != 1 || c.Enemies[0].Name != "real" {
		t.Fatalf("enemies should win over monsters: %+v", c.Enemies)
	}
}

func TestCombatHelpers(t *testing.T) {
	c := &Combat{Enemies: []Enemy{
		{Name: "a", Alive: false},
		{Name: "b", Alive: true},
		{Name: "c", Alive: true},
	}}
	if c.EnemyAlive(0) {
		t.Fatalf("enemy 0 should be dead")
	}
	if !c.EnemyAlive(1) {
		t.Fatalf("enemy 1 should be alive")
	}
	if c.EnemyAlive(-1) || c.EnemyAlive(9) {
		t.Fatalf("out of range indexes must count as dead")
	}
	if got := c.FirstAliveEnemy(); got != 1 {
		t.Fatalf("FirstAliveEnemy = %d, want 1", got)
	}
	var nilCombat *Combat
	if nilCombat.FirstAliveEnemy() != -1 || nilCombat.EnemyAlive(0) {
		t.Fatalf("nil combat helpers must be safe")
	}
}

func TestDungeonDetailHelpers(t *testing.T) {
	var empty *DungeonDetail
	if empty.AllCleared() {
		t.Fatalf("nil detail is never cleared")
	}
	if (&DungeonDetail{}).AllCleared() {
		t.Fatalf("detail without rooms is never cleared")
	}

	d := &DungeonDetail{Rooms: []RoomNode{
		{RoomID: "r1", Cleared: true},
		{RoomID: "r2", Cleared: true},
	}}
	if !d.AllCleared() {
		t.Fatalf("all rooms cleared should report true")
	}
	d.Rooms[1].Cleared = false
	if d.AllCleared() {
		t.Fatalf("one uncleared room should report false")
	}
	if d.Room("r2") == nil || d.Room("missing") != nil {
		t.Fatalf("Room lookup broken")
	}
}

func TestRoomNodeHelpers(t *testing.T) {
	var nilRoom *RoomNode
	if nilRoom.HasDoor(DirNorth) {
		t.Fatalf("nil room has no doors")
	}
	if nilRoom.Label() != "unknown room" {
		t.Fatalf("nil room label = %q", nilRoom.Label())
	}
	r := &RoomNode{RoomID: "r1", DoorDirections: []Direction{DirNorth, DirEast}, BossRoom: true}
	if !r.HasDoor(DirNorth) || r.HasDoor(DirSouth) {
		t.Fatalf("HasDoor broken")
	}
	if r.Label() != "r1 (boss)" {
		t.Fatalf("Label = %q", r.Label())
	}
}

func TestPlayerKey(t *testing.T) {
	if (&Player{ID: "p1", Name: "A"}).Key() != "p1" {
		t.Fatalf("id should win")
	}
	if (&Player{Name: "A"}).Key() != "A" {
		t.Fatalf("name is the fallback key")
	}
	var nilPlayer *Player
	if nilPlayer.Key() != "" {
		t.Fatalf("nil player key must be empty")
	}
}
