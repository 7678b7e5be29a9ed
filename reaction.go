// Quickdraw Reaction Game
//
// An admin adds players and starts a round. After a short countdown, every
// player races to tap their button; the slowest reaction loses the round.
//
// Features:
// - Single authoritative session shared by every connection to /ws
// - Full-state snapshot broadcast to all clients after every mutation
// - Snapshot sent to each new connection before any of its commands run
// - Optimistic joins confirmed or rejected per requestId, targeted to the
//   issuing connection only
// - Countdown driven by an injectable clock (jonboulle/clockwork)
// - Malformed or unknown messages silently discarded
// - In-browser QR button to share the player page, backed by go-qrcode

package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/quickdraw/protocol"
)

// Client is one live websocket connection.
type Client struct {
	conn *websocket.Conn
	send chan any
}

type command struct {
	client *Client
	cmd    protocol.Command
}

// Hub owns the session state. All mutation funnels through run, so commands
// and countdown ticks never interleave.
type Hub struct {
	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	commands chan command
	ticks    chan struct{}

	mu sync.Mutex

	players      []protocol.Player
	nextPlayerID int

	countdownRunning bool
	gameActive       bool
	countdownDisplay string
	statusMessage    string
	loserText        string

	countdownValue int
	roundStart     time.Time
	tickStop       chan struct{}

	clock clockwork.Clock
	cfg   *Config
}

func newHub(cfg *Config, clock clockwork.Clock) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		register:         make(chan *Client),
		unreg:            make(chan *Client),
		commands:         make(chan command),
		ticks:            make(chan struct{}),
		nextPlayerID:     1,
		countdownDisplay: protocol.ReadyText,
		loserText:        protocol.WaitingText,
		clock:            clock,
		cfg:              cfg,
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.sendLocked(c, protocol.State{
				Type:  protocol.TypeState,
				State: h.snapshotLocked(),
			})
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case cmd := <-h.commands:
			h.handleCommand(cmd.client, cmd.cmd)

		case <-h.ticks:
			h.handleCountdownTick()
		}
	}
}

func (h *Hub) handleCommand(c *Client, cmd protocol.Command) {
	switch cmd := cmd.(type) {
	case protocol.AddPlayer:
		h.handleAddPlayer(c, cmd)
	case protocol.StartCountdown:
		h.handleStartCountdown()
	case protocol.PlayerReaction:
		h.handlePlayerReaction(cmd.PlayerID)
	case protocol.ResetGame:
		h.handleResetGame()
	}
}

// snapshotLocked returns a deep copy safe to hand to any client.
func (h *Hub) snapshotLocked() protocol.GameState {
	return protocol.GameState{
		Players:          h.players,
		CountdownRunning: h.countdownRunning,
		GameActive:       h.gameActive,
		CountdownDisplay: h.countdownDisplay,
		StatusMessage:    h.statusMessage,
		LoserText:        h.loserText,
	}.Clone()
}

// sendLocked queues msg for one client, dropping the client if its buffer
// is full.
func (h *Hub) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) broadcastStateLocked() {
	msg := protocol.State{
		Type:  protocol.TypeState,
		State: h.snapshotLocked(),
	}

	for client := range h.clients {
		h.sendLocked(client, msg)
	}
}

func (h *Hub) setStatusLocked(message string) {
	h.statusMessage = message
	h.broadcastStateLocked()
}

func (h *Hub) clearReactionsLocked() {
	for i := range h.players {
		h.players[i].ReactionTime = nil
	}
}

func (h *Hub) handleAddPlayer(c *Client, cmd protocol.AddPlayer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	trimmed := strings.TrimSpace(cmd.Name)
	if trimmed == "" {
		h.rejectJoinLocked(c, cmd.RequestID, "Please enter a name before adding.")
		return
	}

	if h.gameActive || h.countdownRunning {
		h.rejectJoinLocked(c, cmd.RequestID, "Wait for the round to finish before adding players.")
		return
	}

	player := protocol.Player{
		ID:   h.nextPlayerID,
		Name: trimmed,
	}
	h.nextPlayerID++
	h.players = append(h.players, player)

	logf(h.cfg, "GAMES: Player %q joined as id %d", player.Name, player.ID)

	h.statusMessage = ""
	h.broadcastStateLocked()

	if c != nil {
		h.sendLocked(c, protocol.PlayerAdded{
			Type:      protocol.TypePlayerAdded,
			Player:    player,
			RequestID: cmd.RequestID,
		})
	}
}

// rejectJoinLocked surfaces the reason in the shared status message, and
// additionally targets the requester when it supplied a correlation id.
func (h *Hub) rejectJoinLocked(c *Client, requestID, reason string) {
	h.setStatusLocked(reason)

	if c != nil && requestID != "" {
		h.sendLocked(c, protocol.PlayerAddRejected{
			Type:      protocol.TypePlayerAddRejected,
			RequestID: requestID,
			Reason:    reason,
		})
	}
}

func (h *Hub) handleStartCountdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.players) < 2 {
		h.setStatusLocked("Add at least two players to start.")
		return
	}

	if h.gameActive || h.countdownRunning {
		h.setStatusLocked("A round is already running.")
		return
	}

	h.stopCountdownTimerLocked()
	h.clearReactionsLocked()

	h.countdownRunning = true
	h.gameActive = false
	h.countdownValue = h.cfg.countdownStart
	h.countdownDisplay = strconv.Itoa(h.countdownValue)
	h.statusMessage = ""
	h.loserText = protocol.WaitingText

	h.startCountdownTimerLocked()
	h.broadcastStateLocked()
}

func (h *Hub) handleCountdownTick() {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A tick queued just before a reset stopped the timer is stale.
	if !h.countdownRunning {
		return
	}

	h.countdownValue--

	if h.countdownValue > 0 {
		h.countdownDisplay = strconv.Itoa(h.countdownValue)
		h.broadcastStateLocked()
		return
	}

	h.stopCountdownTimerLocked()
	h.countdownRunning = false
	h.gameActive = true
	h.countdownDisplay = "Go!"
	h.statusMessage = "Tap your button as fast as you can!"
	h.roundStart = h.clock.Now()
	h.broadcastStateLocked()
}

func (h *Hub) handlePlayerReaction(playerID int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.gameActive || h.roundStart.IsZero() {
		return
	}

	var player *protocol.Player
	for i := range h.players {
		if h.players[i].ID == playerID {
			player = &h.players[i]
			break
		}
	}
	if player == nil || player.ReactionTime != nil {
		return
	}

	elapsed := h.clock.Now().Sub(h.roundStart).Milliseconds()
	player.ReactionTime = &elapsed
	h.statusMessage = ""

	logf(h.cfg, "GAMES: Player %q reacted in %dms", player.Name, elapsed)

	for _, p := range h.players {
		if p.ReactionTime == nil {
			h.broadcastStateLocked()
			return
		}
	}

	h.gameActive = false
	h.statusMessage = "Round complete. Reset or play again!"
	h.loserText = h.loserTextLocked()
	h.broadcastStateLocked()
}

func (h *Hub) handleResetGame() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopCountdownTimerLocked()
	h.gameActive = false
	h.countdownRunning = false
	h.countdownDisplay = protocol.ReadyText
	h.statusMessage = ""
	h.loserText = protocol.WaitingText
	h.roundStart = time.Time{}
	h.clearReactionsLocked()
	h.broadcastStateLocked()
}

// loserTextLocked names the slowest player(s) of the completed round.
func (h *Hub) loserTextLocked() string {
	slowest := int64(-1)
	for _, p := range h.players {
		if p.ReactionTime != nil && *p.ReactionTime > slowest {
			slowest = *p.ReactionTime
		}
	}

	if slowest < 0 {
		return protocol.WaitingText
	}

	names := make([]string, 0, len(h.players))
	for _, p := range h.players {
		if p.ReactionTime != nil && *p.ReactionTime == slowest {
			names = append(names, p.Name)
		}
	}

	seconds := float64(slowest) / 1000

	if len(names) == 1 {
		return fmt.Sprintf("%s lost with %.2fs.", names[0], seconds)
	}

	return fmt.Sprintf("%s tied for last at %.2fs.", strings.Join(names, ", "), seconds)
}

// startCountdownTimerLocked forwards ticks from the clock into the run loop
// until stopped. At most one forwarding goroutine exists per session,
// guarded by countdownRunning.
func (h *Hub) startCountdownTimerLocked() {
	stop := make(chan struct{})
	h.tickStop = stop

	interval := h.cfg.countdownInterval
	go func() {
		ticker := h.clock.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				select {
				case h.ticks <- struct{}{}:
				case <-stop:
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (h *Hub) stopCountdownTimerLocked() {
	if h.tickStop != nil {
		close(h.tickStop)
		h.tickStop = nil
	}
	h.countdownValue = 0
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, h *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: websocket upgrade failed: %v", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		logf(cfg, "GAMES: Connection opened from %s", realIP(r))

		h.register <- client

		go client.writePump()
		client.readPump(h)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		h.unreg <- c
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			// Malformed or unknown messages are dropped, not echoed back.
			continue
		}

		h.commands <- command{
			client: c,
			cmd:    cmd,
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler generates a PNG QR code pointing at the player page, so a phone
// can join by scanning the admin's screen.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/player"

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerReactionGame wires the session hub and its routes:
//   - $prefix/ws — the shared session websocket
//   - $prefix/qr — PNG QR code for the player page
func registerReactionGame(cfg *Config, mux *httprouter.Router) *Hub {
	hub := newHub(cfg, clockwork.NewRealClock())
	go hub.run()

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, hub))
	mux.GET(cfg.prefix+"/qr", qrHandler(cfg))

	return hub
}
