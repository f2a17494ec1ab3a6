package wire

// Topic and destination builders for the backend's STOMP namespace.

func DungeonTopic(playerID string) string {
	return "/topic/dungeon/" + playerID
}

func CombatTopic(combatID string) string {
	return "/topic/combat/" + combatID
}

func DungeonDest(playerID, action string) string {
	return "/app/dungeon/" + playerID + "/" + action
}

func CombatDest(combatID, action string) string {
	return "/app/combat/" + combatID + "/" + action
}

const (
	ActionSync         = "sync"
	ActionMove         = "move"
	ActionPlayerAction = "playerAction"
)
