package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/quickdraw/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []any
	writeErr error
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, io.EOF
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, v)
	return nil
}

func (f *fakeConn) Close() error {
	return nil
}

func (f *fakeConn) sent() []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]any(nil), f.written...)
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func stateMessage(t *testing.T, players ...protocol.Player) []byte {
	t.Helper()

	return marshal(t, protocol.State{
		Type: protocol.TypeState,
		State: protocol.GameState{
			Players:          players,
			CountdownDisplay: protocol.ReadyText,
			LoserText:        protocol.WaitingText,
		},
	})
}

// newJoinedClient returns a client with an open fake connection and an
// outstanding join for "Ana".
func newJoinedClient(t *testing.T) (*Client, *fakeConn, PendingJoin) {
	t.Helper()

	conn := &fakeConn{}
	c := New("ws://example.test/ws")
	c.handleOpen(conn)

	require.NoError(t, c.Join("Ana"))
	pending, ok := c.Pending()
	require.True(t, ok)
	require.Equal(t, "Ana", pending.Name)
	require.NotEmpty(t, pending.RequestID)

	return c, conn, pending
}

func TestJoinSendsCommandWithCorrelationID(t *testing.T) {
	_, conn, pending := newJoinedClient(t)

	sent := conn.sent()
	require.Len(t, sent, 1)

	cmd, ok := sent[0].(protocol.AddPlayer)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeAddPlayer, cmd.Type)
	assert.Equal(t, "Ana", cmd.Name)
	assert.Equal(t, pending.RequestID, cmd.RequestID)
}

func TestJoinGuards(t *testing.T) {
	c := New("ws://example.test/ws")

	assert.ErrorIs(t, c.Join("Ana"), ErrNotConnected)

	conn := &fakeConn{}
	c.handleOpen(conn)

	assert.ErrorIs(t, c.Join("   "), ErrEmptyName)

	require.NoError(t, c.Join("Ana"))
	assert.ErrorIs(t, c.Join("Ben"), ErrJoinInFlight)
}

func TestJoinClearedWhenWriteFails(t *testing.T) {
	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	c := New("ws://example.test/ws")
	c.handleOpen(conn)

	assert.Error(t, c.Join("Ana"))

	_, ok := c.Pending()
	assert.False(t, ok, "failed sends must not leave a pending join behind")
}

func TestExplicitConfirmationAdoptsPlayer(t *testing.T) {
	c, _, pending := newJoinedClient(t)

	c.handleMessage(marshal(t, protocol.PlayerAdded{
		Type:      protocol.TypePlayerAdded,
		Player:    protocol.Player{ID: 7, Name: "Ana"},
		RequestID: pending.RequestID,
	}))

	_, stillPending := c.Pending()
	assert.False(t, stillPending)

	// The snapshot carrying the new roster usually arrives separately.
	c.handleMessage(stateMessage(t, protocol.Player{ID: 7, Name: "Ana"}))

	me, ok := c.SelectedPlayer()
	require.True(t, ok)
	assert.Equal(t, 7, me.ID)

	status, failed := c.JoinStatus()
	assert.Equal(t, "You're in as Ana.", status)
	assert.False(t, failed)
}

func TestConfirmationWithMismatchedRequestIDIgnored(t *testing.T) {
	c, _, _ := newJoinedClient(t)

	c.handleMessage(marshal(t, protocol.PlayerAdded{
		Type:      protocol.TypePlayerAdded,
		Player:    protocol.Player{ID: 7, Name: "Ana"},
		RequestID: "someone-elses-request",
	}))

	_, stillPending := c.Pending()
	assert.True(t, stillPending)
}

func TestExplicitRejectionSurfacesReason(t *testing.T) {
	c, _, pending := newJoinedClient(t)

	c.handleMessage(marshal(t, protocol.PlayerAddRejected{
		Type:      protocol.TypePlayerAddRejected,
		RequestID: pending.RequestID,
		Reason:    "Wait for the round to finish before adding players.",
	}))

	_, stillPending := c.Pending()
	assert.False(t, stillPending)

	status, failed := c.JoinStatus()
	assert.Equal(t, "Wait for the round to finish before adding players.", status)
	assert.True(t, failed)
}

func TestRejectionWithMismatchedRequestIDIgnored(t *testing.T) {
	c, _, _ := newJoinedClient(t)

	c.handleMessage(marshal(t, protocol.PlayerAddRejected{
		Type:      protocol.TypePlayerAddRejected,
		RequestID: "someone-elses-request",
		Reason:    "nope",
	}))

	_, stillPending := c.Pending()
	assert.True(t, stillPending)
}

func TestSnapshotReconcilesPendingJoinByName(t *testing.T) {
	c, _, _ := newJoinedClient(t)

	// No explicit confirmation ever arrives; the roster update alone must
	// resolve the pending join. A newcomer with a different name is skipped.
	c.handleMessage(stateMessage(t,
		protocol.Player{ID: 4, Name: "Zed"},
		protocol.Player{ID: 5, Name: "Ana"},
	))

	_, stillPending := c.Pending()
	assert.False(t, stillPending)

	me, ok := c.SelectedPlayer()
	require.True(t, ok)
	assert.Equal(t, 5, me.ID)
	assert.Equal(t, "Ana", me.Name)
}

func TestSnapshotReconciliationRequiresNewcomer(t *testing.T) {
	conn := &fakeConn{}
	c := New("ws://example.test/ws")
	c.handleOpen(conn)

	// "Ana" was already on the roster before the join was issued, so her
	// entry cannot satisfy the pending join.
	c.handleMessage(stateMessage(t, protocol.Player{ID: 2, Name: "Ana"}))

	require.NoError(t, c.Join("Ana"))

	c.handleMessage(stateMessage(t, protocol.Player{ID: 2, Name: "Ana"}))

	_, stillPending := c.Pending()
	assert.True(t, stillPending)
}

func TestPendingJoinClearedOnDisconnect(t *testing.T) {
	c, _, _ := newJoinedClient(t)

	c.handleDisconnect("Disconnected from server. Reconnecting...")

	_, stillPending := c.Pending()
	assert.False(t, stillPending)
	assert.False(t, c.Connected())
	assert.Equal(t, "Disconnected from server. Reconnecting...", c.ConnectionStatus())
}

func TestPendingJoinClearedOnReconnect(t *testing.T) {
	c, _, _ := newJoinedClient(t)

	// A fresh connection forfeits the join issued on the previous one; the
	// first snapshot after reconnect must not resolve it.
	c.handleOpen(&fakeConn{})

	_, stillPending := c.Pending()
	assert.False(t, stillPending)

	c.handleMessage(stateMessage(t, protocol.Player{ID: 9, Name: "Ana"}))

	_, ok := c.SelectedPlayer()
	assert.False(t, ok)
}

func TestSelectionPersistsAndInvalidates(t *testing.T) {
	store := NewMemoryStore()
	conn := &fakeConn{}
	c := New("ws://example.test/ws", WithStore(store))
	c.handleOpen(conn)

	c.handleMessage(stateMessage(t, protocol.Player{ID: 3, Name: "Ana"}))
	c.Select(3)

	id, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, 3, id)

	// Selection survives snapshot churn while the id remains present.
	c.handleMessage(stateMessage(t,
		protocol.Player{ID: 3, Name: "Ana"},
		protocol.Player{ID: 4, Name: "Ben"},
	))
	me, ok := c.SelectedPlayer()
	require.True(t, ok)
	assert.Equal(t, 3, me.ID)

	// The id vanishing from the roster invalidates the association.
	c.handleMessage(stateMessage(t, protocol.Player{ID: 4, Name: "Ben"}))
	_, ok = c.SelectedPlayer()
	assert.False(t, ok)
	_, ok = store.Load()
	assert.False(t, ok)
}

func TestSelectionLoadedFromStore(t *testing.T) {
	store := NewMemoryStore()
	store.Save(6)

	c := New("ws://example.test/ws", WithStore(store))
	c.handleOpen(&fakeConn{})
	c.handleMessage(stateMessage(t, protocol.Player{ID: 6, Name: "Ana"}))

	me, ok := c.SelectedPlayer()
	require.True(t, ok)
	assert.Equal(t, 6, me.ID)
}

func TestMalformedMessagesDiscarded(t *testing.T) {
	c, _, _ := newJoinedClient(t)

	c.handleMessage([]byte(`not json`))
	c.handleMessage([]byte(`{"name":"no type"}`))
	c.handleMessage([]byte(`{"type":"confetti"}`))

	_, stillPending := c.Pending()
	assert.True(t, stillPending, "garbage must not disturb the pending join")
	assert.True(t, c.Connected())
}

func TestReactGuards(t *testing.T) {
	conn := &fakeConn{}
	c := New("ws://example.test/ws")

	assert.ErrorIs(t, c.React(), ErrNotConnected)

	c.handleOpen(conn)
	assert.ErrorIs(t, c.React(), ErrRoundInactive)

	rt := int64(120)
	activeState := func(mine *int64) []byte {
		return marshal(t, protocol.State{
			Type: protocol.TypeState,
			State: protocol.GameState{
				Players: []protocol.Player{
					{ID: 1, Name: "Ana", ReactionTime: mine},
					{ID: 2, Name: "Ben"},
				},
				GameActive:       true,
				CountdownDisplay: "Go!",
				LoserText:        protocol.WaitingText,
			},
		})
	}

	c.handleMessage(activeState(nil))
	assert.ErrorIs(t, c.React(), ErrNoSelection)

	c.Select(1)
	require.NoError(t, c.React())

	sent := conn.sent()
	require.Len(t, sent, 1)
	reaction, ok := sent[0].(protocol.PlayerReaction)
	require.True(t, ok)
	assert.Equal(t, 1, reaction.PlayerID)

	c.handleMessage(activeState(&rt))
	assert.ErrorIs(t, c.React(), ErrAlreadyActed)
}

func TestAdminCommands(t *testing.T) {
	conn := &fakeConn{}
	c := New("ws://example.test/ws")

	assert.ErrorIs(t, c.StartCountdown(), ErrNotConnected)
	assert.ErrorIs(t, c.Reset(), ErrNotConnected)

	c.handleOpen(conn)
	require.NoError(t, c.StartCountdown())
	require.NoError(t, c.Reset())

	sent := conn.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.StartCountdown{Type: protocol.TypeStartCountdown}, sent[0])
	assert.Equal(t, protocol.ResetGame{Type: protocol.TypeResetGame}, sent[1])
}

func TestStateReturnsDeepCopy(t *testing.T) {
	c := New("ws://example.test/ws")
	c.handleOpen(&fakeConn{})
	c.handleMessage(stateMessage(t, protocol.Player{ID: 1, Name: "Ana"}))

	snapshot := c.State()
	snapshot.Players[0].Name = "changed"

	assert.Equal(t, "Ana", c.State().Players[0].Name)
}

func TestRunRetriesOnFixedDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()

	// Nothing listens here, so every dial fails immediately.
	c := New("ws://127.0.0.1:1/ws", WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()

	// After the failed dial, exactly one retry is scheduled on the clock.
	clock.BlockUntil(1)
	assert.False(t, c.Connected())
	assert.Equal(t, "Connection error. Reconnecting...", c.ConnectionStatus())

	clock.Advance(DefaultReconnectDelay)
	clock.BlockUntil(1)

	cancel()
	clock.Advance(DefaultReconnectDelay)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
