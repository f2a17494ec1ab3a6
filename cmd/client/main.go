package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eiannone/keyboard"
	"go.uber.org/zap"

	"github.com/jharden12/dungeon-client/internal/api"
	"github.com/jharden12/dungeon-client/internal/config"
	"github.com/jharden12/dungeon-client/internal/gamelog"
	"github.com/jharden12/dungeon-client/internal/rooms"
	"github.com/jharden12/dungeon-client/internal/roster"
	"github.com/jharden12/dungeon-client/internal/run"
	"github.com/jharden12/dungeon-client/internal/transport"
	game "github.com/jharden12/dungeon-client/internal/types"
)

const (
	clear     = "\033[2J\033[H"
	bold      = "\033[1m"
	dim       = "\033[2m"
	red       = "\033[31m"
	green     = "\033[32m"
	yellow    = "\033[33m"
	cyan      = "\033[36m"
	colorsOff = "\033[0m"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := zap.NewNop()
	if cfg.Debug {
		// The terminal is owned by the renderer; debug logs go to a file.
		zcfg := zap.NewDevelopmentConfig()
		zcfg.OutputPaths = []string{"dungeon-client.log"}
		zcfg.ErrorOutputPaths = []string{"dungeon-client.log"}
		if built, err := zcfg.Build(); err == nil {
			log = built
		}
	}
	defer log.Sync()

	rest, err := api.New(cfg.APIBaseURL, log.Named("api"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}

	sessionBus := transport.Dial(cfg.WSURL, log.Named("ws.session"), transport.WithReconnectDelay(cfg.ReconnectDelay))
	combatBus := transport.Dial(cfg.WSURL, log.Named("ws.combat"), transport.WithReconnectDelay(cfg.ReconnectDelay))
	defer sessionBus.Close()
	defer combatBus.Close()

	book := gamelog.New("Dungeon ready.")
	people := roster.New(rest, log.Named("roster"))
	cache := rooms.New(rest.RoomTemplate)
	runner := run.New(run.Deps{
		Backend:   rest,
		Bus:       sessionBus,
		CombatBus: combatBus,
		Stepper:   rest,
		Book:      book,
		Logger:    log,
		Roster:    people,
		Rooms:     cache,
	})

	ctx := context.Background()
	if err := people.Refresh(ctx); err != nil {
		book.Appendf("Error fetching characters: %v", err)
	}
	if len(people.Players()) == 0 {
		if created, err := people.Create(ctx, "Hero"); err == nil {
			book.Appendf("Character %s created.", created.Name)
		} else {
			book.Appendf("Error creating character: %v", err)
		}
	}
	if selected := people.Selected(); selected != nil {
		runner.SelectPlayer(ctx, selected.Key())
	}

	if err := keyboard.Open(); err != nil {
		fmt.Fprintln(os.Stderr, "keyboard:", err)
		os.Exit(1)
	}
	defer keyboard.Close()

	redraw := make(chan struct{}, 1)
	nudge := func() {
		select {
		case redraw <- struct{}{}:
		default:
		}
	}
	book.OnAppend(func(gamelog.Entry) { nudge() })

	type keyEvent struct {
		ch  rune
		key keyboard.Key
	}
	keys := make(chan keyEvent)
	go func() {
		for {
			ch, key, err := keyboard.GetKey()
			if err != nil {
				close(keys)
				return
			}
			keys <- keyEvent{ch: ch, key: key}
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	render(runner, people, book)
	for {
		select {
		case <-redraw:
		case <-ticker.C:
		case ev, ok := <-keys:
			if !ok {
				return
			}
			if quit := handleKey(ctx, runner, people, book, ev.ch, ev.key); quit {
				fmt.Print(clear)
				return
			}
		}
		render(runner, people, book)
	}
}

func handleKey(ctx context.Context, runner *run.Runner, people *roster.Roster, book *gamelog.Book, ch rune, key keyboard.Key) bool {
	switch {
	case key == keyboard.KeyEsc || key == keyboard.KeyCtrlC || ch == 'q':
		return true
	case key == keyboard.KeyArrowUp || ch == 'w':
		_ = runner.Move(game.DirNorth)
	case key == keyboard.KeyArrowDown || ch == 's':
		_ = runner.Move(game.DirSouth)
	case key == keyboard.KeyArrowLeft || ch == 'a':
		_ = runner.Move(game.DirWest)
	case key == keyboard.KeyArrowRight || ch == 'd':
		_ = runner.Move(game.DirEast)
	case ch >= '1' && ch <= '9':
		runner.Combat().SelectTarget(int(ch - '1'))
	case key == keyboard.KeyEnter || key == keyboard.KeySpace:
		go func() { _ = runner.Combat().Attack(ctx, -1) }()
	case ch == 'r':
		go runner.SyncSession(ctx)
	case ch == 'n':
		go func() { _ = runner.StartOrResume(ctx) }()
	case ch == 'l':
		go runner.ReloadDungeons(ctx)
	case ch == 'b':
		go func() {
			if url, err := runner.BuyArmor(ctx); err == nil {
				book.Appendf("Open to pay: %s", url)
			}
		}()
	case key == keyboard.KeyTab:
		cyclePlayer(ctx, runner, people)
	}
	return false
}

func cyclePlayer(ctx context.Context, runner *run.Runner, people *roster.Roster) {
	players := people.Players()
	if len(players) == 0 {
		return
	}
	current := ""
	if selected := people.Selected(); selected != nil {
		current = selected.Key()
	}
	next := 0
	for i := range players {
		if players[i].Key() == current {
			next = (i + 1) % len(players)
			break
		}
	}
	runner.SelectPlayer(ctx, players[next].Key())
}

func render(runner *run.Runner, people *roster.Roster, book *gamelog.Book) {
	v := runner.View()
	var b strings.Builder
	b.WriteString(clear)

	status := red + "offline" + colorsOff
	if v.Connected {
		status = green + "online" + colorsOff
	}
	b.WriteString(bold + "DUNGEON CRAWLER" + colorsOff + "  [" + status + "]\n\n")

	if p := people.Selected(); p != nil {
		fmt.Fprintf(&b, "%s%s%s  HP %d/%d  Armor %d  Lv %d  XP %d\n",
			cyan, p.Name, colorsOff, p.HP, p.MaxHP, p.Armor, p.Level, p.XP)
	} else {
		b.WriteString(dim + "No character selected (Tab to cycle)." + colorsOff + "\n")
	}

	if v.Detail != nil {
		fmt.Fprintf(&b, "Dungeon: %s   Room: %s\n", v.Detail.Name, v.RoomLabel)
		b.WriteString(renderMap(v))
	} else {
		b.WriteString(dim + "No dungeon loaded (press n to start)." + colorsOff + "\n")
	}
	if v.RoomTemplate != nil && v.RoomTemplate.Description != "" {
		b.WriteString(dim + v.RoomTemplate.Description + colorsOff + "\n")
	}
	if len(v.Directions) > 0 {
		labels := make([]string, len(v.Directions))
		for i, d := range v.Directions {
			labels[i] = string(d)
		}
		fmt.Fprintf(&b, "Doors: %s\n", strings.Join(labels, " "))
	}

	if v.Combat != nil {
		b.WriteString("\n" + bold + red + "-- COMBAT --" + colorsOff + "\n")
		for i, e := range v.Combat.Enemies {
			marker := "  "
			if i == v.TargetIdx {
				marker = yellow + "> " + colorsOff
			}
			state := fmt.Sprintf("%d/%d hp", e.HP, e.MaxHP)
			if !e.Alive {
				state = dim + "down" + colorsOff
			}
			fmt.Fprintf(&b, "%s[%d] %s  %s\n", marker, i+1, e.Name, state)
		}
		turn := "enemy turn"
		if v.Combat.PlayerTurn {
			turn = green + "your turn" + colorsOff
		}
		if v.Combat.CombatOver {
			turn = "combat over"
		}
		b.WriteString(turn + "  (1-9 target, Enter attack)\n")
	}

	b.WriteString("\n" + dim + strings.Repeat("-", 60) + colorsOff + "\n")
	for _, entry := range book.Tail(8) {
		fmt.Fprintf(&b, "%s %s\n", dim+entry.Timestamp.Format("15:04:05")+colorsOff, entry.Message)
	}
	b.WriteString(dim + "\nWASD/arrows move  r sync  n new run  l list  b buy armor  Tab character  q quit" + colorsOff + "\n")

	fmt.Print(b.String())
}

// renderMap draws the room grid from the loaded detail, marking the current
// room and cleared rooms.
func renderMap(v run.View) string {
	if v.Detail == nil || len(v.Detail.Rooms) == 0 {
		return ""
	}
	minX, minY := v.Detail.Rooms[0].X, v.Detail.Rooms[0].Y
	maxX, maxY := minX, minY
	byPos := make(map[[2]int]*game.RoomNode, len(v.Detail.Rooms))
	for i := range v.Detail.Rooms {
		r := &v.Detail.Rooms[i]
		byPos[[2]int{r.X, r.Y}] = r
		if r.X < minX {
			minX = r.X
		}
		if r.X > maxX {
			maxX = r.X
		}
		if r.Y < minY {
			minY = r.Y
		}
		if r.Y > maxY {
			maxY = r.Y
		}
	}

	current := ""
	if v.Session != nil {
		current = v.Session.CurrentRoomID
	}
	var b strings.Builder
	for y := maxY; y >= minY; y-- {
		for x := minX; x <= maxX; x++ {
			room, ok := byPos[[2]int{x, y}]
			switch {
			case !ok:
				b.WriteString("   ")
			case room.RoomID == current:
				b.WriteString(yellow + "[@]" + colorsOff)
			case room.BossRoom:
				b.WriteString(red + "[B]" + colorsOff)
			case room.Cleared:
				b.WriteString(green + "[x]" + colorsOff)
			default:
				b.WriteString("[ ]")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
