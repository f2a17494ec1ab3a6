package wire

import (
	game "github.com/jharden12/dungeon-client/internal/types"
)

// Wire contract with the dungeon backend.
//
// Server -> Client (push topics):
//
//	/topic/dungeon/{playerId}  body: GameSession (full snapshot)
//	/topic/combat/{combatId}   body: CombatPush; combat == null means the
//	                           combat no longer exists server-side
//
// Client -> Server (publish destinations):
//
//	/app/dungeon/{playerId}/sync        body: {}
//	/app/dungeon/{playerId}/move        body: MovePayload
//	/app/combat/{combatId}/sync         body: {}
//	/app/combat/{combatId}/playerAction body: ActionPayload; omitting
//	                                    targetIdx triggers an enemy-turn step

type CombatPush struct {
	CombatID string       `json:"combatId"`
	Combat   *game.Combat `json:"combat"`
}

type MovePayload struct {
	Dir game.Direction `json:"dir"`
}

type ActionPayload struct {
	TargetIdx *int `json:"targetIdx,omitempty"`
}

// SyncPayload is an empty body; the backend keys everything off the topic.
type SyncPayload struct{}
