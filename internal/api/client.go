package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jharden12/dungeon-client/internal/types"
)

// Client is a thin REST client over the backend's JSON API. Every call is
// per-request: a failure is logged by the caller and the operation simply
// counts as not applied.
type Client struct {
	base *url.URL
	http *http.Client
	log  *zap.Logger
}

func New(baseURL string, log *zap.Logger) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}, nil
}

func (c *Client) endpoint(path string, params url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String()
}

// do runs one request and decodes the response into out (which may be nil).
// A JSON null or empty body leaves out untouched, so pointer targets stay nil.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode body: %w", method, path, err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	target := c.endpoint(path, params)
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%s %s -> %d", method, path, res.StatusCode)
	}
	if out == nil {
		return nil
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Client) post(ctx context.Context, path string, params url.Values, body, out any) error {
	return c.do(ctx, http.MethodPost, path, params, body, out)
}

// Dungeons lists dungeons, optionally scoped to a player.
func (c *Client) Dungeons(ctx context.Context, playerID string) ([]types.DungeonSummary, error) {
	params := url.Values{}
	if trimmed := strings.TrimSpace(playerID); trimmed != "" {
		params.Set("playerId", trimmed)
	}
	var list []types.DungeonSummary
	if err := c.get(ctx, "dungeon/getAll", params, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) CreateDungeon(ctx context.Context, playerID string) (*types.DungeonSummary, error) {
	trimmed := strings.TrimSpace(playerID)
	if trimmed == "" {
		return nil, fmt.Errorf("create dungeon: player id is required")
	}
	var created *types.DungeonSummary
	if err := c.post(ctx, "dungeon/create", url.Values{"playerId": {trimmed}}, nil, &created); err != nil {
		return nil, err
	}
	return created, nil
}

func (c *Client) DungeonDetail(ctx context.Context, id string) (*types.DungeonDetail, error) {
	var detail *types.DungeonDetail
	if err := c.get(ctx, "dungeon/getById", url.Values{"id": {id}}, &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// Session fetches the player's current session, nil when none exists.
func (c *Client) Session(ctx context.Context, playerID string) (*types.GameSession, error) {
	var session *types.GameSession
	if err := c.get(ctx, "dungeon/session", url.Values{"playerId": {playerID}}, &session); err != nil {
		return nil, err
	}
	return session, nil
}

// StartSession creates or resumes a session on the given dungeon.
func (c *Client) StartSession(ctx context.Context, playerID, dungeonID string) (*types.GameSession, error) {
	params := url.Values{"playerId": {playerID}, "dungeonId": {dungeonID}}
	var session *types.GameSession
	if err := c.post(ctx, "dungeon/session", params, nil, &session); err != nil {
		return nil, err
	}
	return session, nil
}

func (c *Client) RoomTemplate(ctx context.Context, refID string) (*types.RoomTemplate, error) {
	if strings.TrimSpace(refID) == "" {
		return nil, nil
	}
	var template *types.RoomTemplate
	if err := c.get(ctx, "rooms/getById", url.Values{"id": {refID}}, &template); err != nil {
		return nil, err
	}
	return template, nil
}

func (c *Client) CombatState(ctx context.Context, combatID string) (*types.Combat, error) {
	if strings.TrimSpace(combatID) == "" {
		return nil, nil
	}
	var combat *types.Combat
	if err := c.get(ctx, "combat/"+combatID, nil, &combat); err != nil {
		return nil, err
	}
	return combat, nil
}

// CombatStep is the REST fallback for combat actions when the websocket is
// down; targetIdx nil means an enemy-turn step.
func (c *Client) CombatStep(ctx context.Context, combatID string, targetIdx *int) (*types.Combat, error) {
	params := url.Values{}
	if targetIdx != nil {
		params.Set("targetIdx", strconv.Itoa(*targetIdx))
	}
	var combat *types.Combat
	if err := c.post(ctx, "combat/"+combatID+"/step", params, nil, &combat); err != nil {
		return nil, err
	}
	return combat, nil
}

func (c *Client) DeleteCombat(ctx context.Context, combatID string) error {
	return c.do(ctx, http.MethodDelete, "combat/"+combatID, nil, nil, nil)
}

func (c *Client) Players(ctx context.Context) ([]types.Player, error) {
	var players []types.Player
	if err := c.get(ctx, "players/getAllPlayers", nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

func (c *Client) CreatePlayer(ctx context.Context, name string) (*types.Player, error) {
	var player *types.Player
	body := map[string]string{"name": name}
	if err := c.post(ctx, "players/createPlayer", nil, body, &player); err != nil {
		return nil, err
	}
	return player, nil
}

func (c *Client) PlayerByID(ctx context.Context, id string) (*types.Player, error) {
	var player *types.Player
	if err := c.get(ctx, "players/getPlayerById", url.Values{"id": {id}}, &player); err != nil {
		return nil, err
	}
	return player, nil
}

// CreateCheckout returns the hosted checkout URL for the armor upsell.
func (c *Client) CreateCheckout(ctx context.Context, playerID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.post(ctx, "billing/checkout", url.Values{"playerId": {playerID}}, nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

type CheckoutResult struct {
	OK             bool `json:"ok"`
	Armor          int  `json:"armor,omitempty"`
	AlreadyApplied bool `json:"alreadyApplied,omitempty"`
}

func (c *Client) VerifyCheckout(ctx context.Context, sessionID string) (*CheckoutResult, error) {
	var out *CheckoutResult
	if err := c.post(ctx, "billing/verify", url.Values{"sessionId": {sessionID}}, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
