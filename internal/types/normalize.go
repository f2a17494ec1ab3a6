package types

import "encoding/json"

// The backend's payloads are loosely typed and have shipped the same concept
// under different field names across iterations. All of that sniffing lives
// here, on the unmarshal path, so nothing downstream ever re-checks variants.
//
// Priority order:
//   - hit points:    "hp", then "currentHp"
//   - enemy liveness: explicit "alive" flag, then hp > 0
//   - enemy list:    "enemies", then "monsters"

type rawPlayer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	HP        *int   `json:"hp"`
	CurrentHP *int   `json:"currentHp"`
	MaxHP     int    `json:"maxHp"`
	Armor     int    `json:"armor"`
	Level     int    `json:"level"`
	Damage    int    `json:"damage"`
	XP        int    `json:"xp"`
}

func (p *Player) UnmarshalJSON(data []byte) error {
	var raw rawPlayer
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	hp := 0
	if raw.HP != nil {
		hp = *raw.HP
	} else if raw.CurrentHP != nil {
		hp = *raw.CurrentHP
	}
	*p = Player{
		ID:     raw.ID,
		Name:   raw.Name,
		HP:     hp,
		MaxHP:  raw.MaxHP,
		Armor:  raw.Armor,
		Level:  raw.Level,
		Damage: raw.Damage,
		XP:     raw.XP,
	}
	return nil
}

type rawEnemy struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	HP        *int   `json:"hp"`
	CurrentHP *int   `json:"currentHp"`
	MaxHP     int    `json:"maxHp"`
	Armor     int    `json:"armor"`
	Damage    int    `json:"damage"`
	XPValue   int    `json:"xpValue"`
	Alive     *bool  `json:"alive"`
}

func (e *Enemy) UnmarshalJSON(data []byte) error {
	var raw rawEnemy
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	hp := 0
	if raw.HP != nil {
		hp = *raw.HP
	} else if raw.CurrentHP != nil {
		hp = *raw.CurrentHP
	}
	alive := hp > 0
	if raw.Alive != nil {
		alive = *raw.Alive
	}
	*e = Enemy{
		ID:      raw.ID,
		Name:    raw.Name,
		HP:      hp,
		MaxHP:   raw.MaxHP,
		Armor:   raw.Armor,
		Damage:  raw.Damage,
		XPValue: raw.XPValue,
		Alive:   alive,
	}
	return nil
}

type rawCombat struct {
	Player         *Player `json:"player"`
	Enemies        []Enemy `json:"enemies"`
	Monsters       []Enemy `json:"monsters"`
	PlayerTurn     bool    `json:"playerTurn"`
	CombatOver     bool    `json:"combatOver"`
	EnemiesXPValue int     `json:"enemiesXpValue"`
}

func (c *Combat) UnmarshalJSON(data []byte) error {
	var raw rawCombat
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	enemies := raw.Enemies
	if enemies == nil {
		enemies = raw.Monsters
	}
	*c = Combat{
		Player:         raw.Player,
		Enemies:        enemies,
		PlayerTurn:     raw.PlayerTurn,
		CombatOver:     raw.CombatOver,
		EnemiesXPValue: raw.EnemiesXPValue,
	}
	return nil
}
