package types

import "strings"

type Direction string

const (
	DirNorth Direction = "N"
	DirEast  Direction = "E"
	DirSouth Direction = "S"
	DirWest  Direction = "W"
)

var Directions = []Direction{DirNorth, DirEast, DirSouth, DirWest}

func ParseDirection(value string) (Direction, bool) {
	switch Direction(strings.ToUpper(strings.TrimSpace(value))) {
	case DirNorth:
		return DirNorth, true
	case DirEast:
		return DirEast, true
	case DirSouth:
		return DirSouth, true
	case DirWest:
		return DirWest, true
	default:
		return "", false
	}
}

// GameSession is the backend's association between a player and their current
// dungeon/room/combat. The client only ever holds the latest received copy;
// every REST response or push replaces it wholesale.
type GameSession struct {
	PlayerID        string      `json:"playerId"`
	DungeonID       string      `json:"dungeonId"`
	CurrentRoomID   string      `json:"currentRoomId"`
	CurrentCombatID string      `json:"currentCombatId,omitempty"`
	LastMoveResult  *MoveResult `json:"lastMoveResult,omitempty"`
}

type MoveResult struct {
	Allowed      bool      `json:"allowed"`
	RequestedDir Direction `json:"requestedDir"`
	FromRoomID   string    `json:"fromRoomId"`
	ToRoomID     string    `json:"toRoomId"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    string    `json:"timestamp"`
}

type DungeonSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Difficulty  string `json:"difficulty,omitempty"`
}

type RoomNode struct {
	RoomID           string      `json:"roomId"`
	RoomRefID        string      `json:"roomRefId,omitempty"`
	X                int         `json:"x"`
	Y                int         `json:"y"`
	DoorDirections   []Direction `json:"doorDirections,omitempty"`
	ConnectedRoomIDs []string    `json:"connectedRoomIds,omitempty"`
	FromDirection    Direction   `json:"fromDirection,omitempty"`
	Start            bool        `json:"start,omitempty"`
	BossRoom         bool        `json:"bossRoom,omitempty"`
	Cleared          bool        `json:"cleared,omitempty"`
}

func (r *RoomNode) HasDoor(dir Direction) bool {
	if r == nil {
		return false
	}
	for _, d := range r.DoorDirections {
		if d == dir {
			return true
		}
	}
	return false
}

// Label renders a short human-readable tag for the log and the map header.
func (r *RoomNode) Label() string {
	if r == nil {
		return "unknown room"
	}
	var tags []string
	if r.Start {
		tags = append(tags, "start")
	}
	if r.BossRoom {
		tags = append(tags, "boss")
	}
	if r.Cleared {
		tags = append(tags, "cleared")
	}
	if len(tags) == 0 {
		return r.RoomID
	}
	return r.RoomID + " (" + strings.Join(tags, ", ") + ")"
}

// DungeonDetail is immutable for a given id on the backend; the client
// refetches it wholesale after anything that could change room state.
type DungeonDetail struct {
	ID    string     `json:"id"`
	Name  string     `json:"name,omitempty"`
	Rooms []RoomNode `json:"rooms,omitempty"`
}

func (d *DungeonDetail) Room(roomID string) *RoomNode {
	if d == nil {
		return nil
	}
	for i := range d.Rooms {
		if d.Rooms[i].RoomID == roomID {
			return &d.Rooms[i]
		}
	}
	return nil
}

func (d *DungeonDetail) AllCleared() bool {
	if d == nil || len(d.Rooms) == 0 {
		return false
	}
	for i := range d.Rooms {
		if !d.Rooms[i].Cleared {
			return false
		}
	}
	return true
}

type RoomEnemySummary struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	HP          int    `json:"hp,omitempty"`
	MaxHP       int    `json:"maxHp,omitempty"`
	Armor       int    `json:"armor,omitempty"`
	Damage      int    `json:"damage,omitempty"`
}

// RoomTemplate is static reference data, cached client-side by id for the
// lifetime of the process and never invalidated.
type RoomTemplate struct {
	ID          string             `json:"id"`
	Name        string             `json:"name,omitempty"`
	Description string             `json:"description,omitempty"`
	Enemies     []RoomEnemySummary `json:"enemies,omitempty"`
}

type Player struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	HP     int    `json:"hp"`
	MaxHP  int    `json:"maxHp"`
	Armor  int    `json:"armor"`
	Level  int    `json:"level"`
	Damage int    `json:"damage"`
	XP     int    `json:"xp"`
}

// Key identifies a player in the roster; the backend has been seen returning
// players without ids, so the name doubles as the key.
func (p *Player) Key() string {
	if p == nil {
		return ""
	}
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}

type Enemy struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	HP      int    `json:"hp"`
	MaxHP   int    `json:"maxHp"`
	Armor   int    `json:"armor"`
	Damage  int    `json:"damage"`
	XPValue int    `json:"xpValue,omitempty"`
	Alive   bool   `json:"alive"`
}

type Combat struct {
	Player         *Player `json:"player"`
	Enemies        []Enemy `json:"enemies"`
	PlayerTurn     bool    `json:"playerTurn"`
	CombatOver     bool    `json:"combatOver"`
	EnemiesXPValue int     `json:"enemiesXpValue,omitempty"`
}

// EnemyAlive reports whether enemy i exists and is still up. Out-of-range
// indexes count as dead.
func (c *Combat) EnemyAlive(i int) bool {
	if c == nil || i < 0 || i >= len(c.Enemies) {
		return false
	}
	return c.Enemies[i].Alive
}

// FirstAliveEnemy returns the lowest index of a living enemy, or -1.
func (c *Combat) FirstAliveEnemy() int {
	if c == nil {
		return -1
	}
	for i := range c.Enemies {
		if c.Enemies[i].Alive {
			return i
		}
	}
	return -1
}
