// Package client implements the synchronization side of a quickdraw client:
// it applies server snapshots, reconciles optimistic join requests against
// the authoritative roster, and re-establishes lost connections on a fixed
// delay. The server remains the single source of truth; nothing here mutates
// game state locally beyond the provisional pending join.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Seednode/quickdraw/protocol"
)

// DefaultReconnectDelay is the fixed wait between reconnection attempts.
const DefaultReconnectDelay = 2 * time.Second

var (
	ErrNotConnected  = errors.New("not connected to the server")
	ErrJoinInFlight  = errors.New("a join request is already outstanding")
	ErrEmptyName     = errors.New("name is empty")
	ErrNoSelection   = errors.New("no player selected for this device")
	ErrAlreadyActed  = errors.New("selected player already reacted this round")
	ErrRoundInactive = errors.New("no active round to react to")
)

// wsConn is the slice of *websocket.Conn the client uses, narrowed so tests
// can substitute their own connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	Close() error
}

// PendingJoin is one outstanding optimistic join request.
type PendingJoin struct {
	RequestID   string
	Name        string
	SubmittedAt time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock substitutes the clock used for reconnect delays and join
// timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithStore substitutes the persistence backend for the selected player id.
func WithStore(store Store) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithReconnectDelay overrides the fixed reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

// Client mirrors the authoritative session state for one device.
type Client struct {
	url            string
	dialer         *websocket.Dialer
	clock          clockwork.Clock
	store          Store
	reconnectDelay time.Duration

	mu         sync.Mutex
	conn       wsConn
	connected  bool
	state      protocol.GameState
	pending    *PendingJoin
	selectedID int
	joinStatus string
	joinFailed bool
	connStatus string
	onUpdate   func()
}

// New returns a client for the websocket endpoint at url. The previously
// selected player id, if any, is loaded from the store immediately.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:            url,
		dialer:         websocket.DefaultDialer,
		clock:          clockwork.NewRealClock(),
		store:          NewMemoryStore(),
		reconnectDelay: DefaultReconnectDelay,
		connStatus:     "Connecting to server...",
		state: protocol.GameState{
			CountdownDisplay: protocol.ReadyText,
			LoserText:        protocol.WaitingText,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if id, ok := c.store.Load(); ok {
		c.selectedID = id
	}

	return c
}

// OnUpdate registers a callback invoked after every state change. The
// callback runs without the client lock held.
func (c *Client) OnUpdate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onUpdate = fn
}

// Run dials the server and keeps the connection alive until ctx is done,
// waiting the fixed reconnect delay after every failure. State is never
// replayed from the client side; each new connection starts from the
// server's immediate post-connect snapshot.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			c.handleDisconnect("Connection error. Reconnecting...")
		} else {
			c.handleOpen(conn)
			c.readLoop(conn)
			c.handleDisconnect("Disconnected from server. Reconnecting...")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.reconnectDelay):
		}
	}
}

func (c *Client) readLoop(conn wsConn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		c.handleMessage(data)
	}
}

// handleOpen marks the connection usable. Any join issued on a previous
// connection is forfeited; the user must retry.
func (c *Client) handleOpen(conn wsConn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connStatus = ""
	c.pending = nil
	c.joinStatus = ""
	c.joinFailed = false
	c.mu.Unlock()

	c.notifyUpdate()
}

func (c *Client) handleDisconnect(status string) {
	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.connStatus = status
	c.pending = nil
	c.joinStatus = "Connection lost. Waiting to reconnect..."
	c.joinFailed = true
	c.mu.Unlock()

	c.notifyUpdate()
}

// handleMessage applies one inbound server message. Malformed or unknown
// messages are discarded silently.
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		return
	}

	c.mu.Lock()
	switch msg := msg.(type) {
	case protocol.State:
		c.applyStateLocked(msg.State)
	case protocol.PlayerAdded:
		c.completePendingJoinLocked(msg.Player, msg.RequestID, false)
	case protocol.PlayerAddRejected:
		c.rejectPendingJoinLocked(msg.RequestID, msg.Reason)
	}
	c.mu.Unlock()

	c.notifyUpdate()
}

// applyStateLocked adopts a snapshot, reconciles any pending join against
// newly appeared roster entries, and invalidates the device selection when
// the chosen id is no longer present.
func (c *Client) applyStateLocked(next protocol.GameState) {
	previous := c.state.Players
	c.state = next

	if c.pending != nil {
		seen := make(map[int]bool, len(previous))
		for _, p := range previous {
			seen[p.ID] = true
		}

		for _, p := range next.Players {
			if seen[p.ID] {
				continue
			}
			if c.completePendingJoinLocked(p, "", true) {
				break
			}
		}
	}

	if c.selectedID != 0 {
		found := false
		for _, p := range next.Players {
			if p.ID == c.selectedID {
				found = true
				break
			}
		}
		if !found {
			c.selectedID = 0
			c.store.Clear()
		}
	}
}

// completePendingJoinLocked resolves the pending join to player. When
// requestID is non-empty it must match; when matchName is set the player's
// name must equal the pending name.
func (c *Client) completePendingJoinLocked(player protocol.Player, requestID string, matchName bool) bool {
	if c.pending == nil {
		return false
	}
	if requestID != "" && c.pending.RequestID != requestID {
		return false
	}
	if matchName && c.pending.Name != player.Name {
		return false
	}

	c.selectedID = player.ID
	c.store.Save(player.ID)
	c.pending = nil
	c.joinStatus = fmt.Sprintf("You're in as %s.", player.Name)
	c.joinFailed = false

	return true
}

func (c *Client) rejectPendingJoinLocked(requestID, reason string) {
	if c.pending == nil {
		return
	}
	if requestID != "" && c.pending.RequestID != requestID {
		return
	}

	c.pending = nil
	if reason == "" {
		reason = "Unable to join right now."
	}
	c.joinStatus = reason
	c.joinFailed = true
}

func (c *Client) notifyUpdate() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Join sends an optimistic addPlayer command with a fresh correlation id.
// Only one join may be outstanding at a time.
func (c *Client) Join(name string) error {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	if name == "" {
		c.mu.Unlock()
		return ErrEmptyName
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.pending != nil {
		c.mu.Unlock()
		return ErrJoinInFlight
	}

	pending := &PendingJoin{
		RequestID:   uuid.NewString(),
		Name:        name,
		SubmittedAt: c.clock.Now(),
	}
	c.pending = pending
	c.joinStatus = "Adding you to the game..."
	c.joinFailed = false
	conn := c.conn
	c.mu.Unlock()

	err := conn.WriteJSON(protocol.AddPlayer{
		Type:      protocol.TypeAddPlayer,
		Name:      name,
		RequestID: pending.RequestID,
	})
	if err != nil {
		c.mu.Lock()
		if c.pending == pending {
			c.pending = nil
		}
		c.mu.Unlock()
		return err
	}

	return nil
}

// React sends a reaction for the selected player. It refuses locally when
// there is nothing sensible to send; the server would ignore it anyway.
func (c *Client) React() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if !c.state.GameActive {
		c.mu.Unlock()
		return ErrRoundInactive
	}

	var me *protocol.Player
	for i := range c.state.Players {
		if c.state.Players[i].ID == c.selectedID {
			me = &c.state.Players[i]
			break
		}
	}
	if c.selectedID == 0 || me == nil {
		c.mu.Unlock()
		return ErrNoSelection
	}
	if me.ReactionTime != nil {
		c.mu.Unlock()
		return ErrAlreadyActed
	}

	conn := c.conn
	id := me.ID
	c.mu.Unlock()

	return conn.WriteJSON(protocol.PlayerReaction{
		Type:     protocol.TypePlayerReaction,
		PlayerID: id,
	})
}

// StartCountdown asks the server to begin a round.
func (c *Client) StartCountdown() error {
	return c.sendSimple(protocol.StartCountdown{Type: protocol.TypeStartCountdown})
}

// Reset asks the server to return the session to idle.
func (c *Client) Reset() error {
	return c.sendSimple(protocol.ResetGame{Type: protocol.TypeResetGame})
}

func (c *Client) sendSimple(cmd protocol.Command) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	return conn.WriteJSON(cmd)
}

// Select pins this device to a roster player id. Passing 0 clears the
// selection.
func (c *Client) Select(id int) {
	c.mu.Lock()
	c.selectedID = id
	if id == 0 {
		c.store.Clear()
	} else {
		c.store.Save(id)
	}
	c.mu.Unlock()

	c.notifyUpdate()
}

// State returns a deep copy of the last applied snapshot.
func (c *Client) State() protocol.GameState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.Clone()
}

// Connected reports whether the connection is currently usable.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// ConnectionStatus returns the text shown in place of ordinary status while
// the connection is down, or "" when connected.
func (c *Client) ConnectionStatus() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connStatus
}

// Pending returns a copy of the outstanding join request, if any.
func (c *Client) Pending() (PendingJoin, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return PendingJoin{}, false
	}
	return *c.pending, true
}

// SelectedPlayer returns the roster entry this device is pinned to.
func (c *Client) SelectedPlayer() (protocol.Player, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.state.Players {
		if p.ID == c.selectedID && c.selectedID != 0 {
			return p, true
		}
	}
	return protocol.Player{}, false
}

// JoinStatus returns the last join feedback text and whether it was an
// error.
func (c *Client) JoinStatus() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.joinStatus, c.joinFailed
}
