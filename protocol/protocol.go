// Package protocol defines the JSON messages exchanged between the quickdraw
// server and its clients, shared so both sides decode the same wire format.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Display sentinels shared by server and clients.
const (
	WaitingText = "Waiting for a round"
	ReadyText   = "Ready"
)

// Message type discriminators.
const (
	TypeAddPlayer      = "addPlayer"
	TypeStartCountdown = "startCountdown"
	TypePlayerReaction = "playerReaction"
	TypeResetGame      = "resetGame"

	TypeState             = "state"
	TypePlayerAdded       = "playerAdded"
	TypePlayerAddRejected = "playerAddRejected"
)

var errMissingType = errors.New("message has no type")

// Player is one roster entry. ReactionTime is nil until the player reacts
// during an active round, and holds whole milliseconds once set.
type Player struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	ReactionTime *int64 `json:"reactionTime"`
}

// GameState is the full state snapshot broadcast after every mutation.
type GameState struct {
	Players          []Player `json:"players"`
	CountdownRunning bool     `json:"countdownRunning"`
	GameActive       bool     `json:"gameActive"`
	CountdownDisplay string   `json:"countdownDisplay"`
	StatusMessage    string   `json:"statusMessage"`
	LoserText        string   `json:"loserText"`
}

// Clone returns a deep copy, so a snapshot handed to one client can never be
// mutated through another.
func (s GameState) Clone() GameState {
	out := s
	out.Players = make([]Player, len(s.Players))
	for i, p := range s.Players {
		out.Players[i] = p
		if p.ReactionTime != nil {
			rt := *p.ReactionTime
			out.Players[i].ReactionTime = &rt
		}
	}
	return out
}

// Command is a client-to-server message.
type Command interface {
	isCommand()
}

// AddPlayer asks the server to append a new roster entry. RequestID is an
// opaque correlation token chosen by the client; the server echoes it back in
// the matching confirmation or rejection.
type AddPlayer struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	RequestID string `json:"requestId,omitempty"`
}

// StartCountdown begins a round.
type StartCountdown struct {
	Type string `json:"type"`
}

// PlayerReaction records a reaction for the given player.
type PlayerReaction struct {
	Type     string `json:"type"`
	PlayerID int    `json:"playerId"`
}

// ResetGame returns the session to idle, preserving the roster.
type ResetGame struct {
	Type string `json:"type"`
}

func (AddPlayer) isCommand()      {}
func (StartCountdown) isCommand() {}
func (PlayerReaction) isCommand() {}
func (ResetGame) isCommand()      {}

// ServerMessage is a server-to-client message.
type ServerMessage interface {
	isServerMessage()
}

// State carries a full snapshot. Sent on connect and after every mutation.
type State struct {
	Type  string    `json:"type"`
	State GameState `json:"state"`
}

// PlayerAdded confirms a join to the connection that requested it.
type PlayerAdded struct {
	Type      string `json:"type"`
	Player    Player `json:"player"`
	RequestID string `json:"requestId,omitempty"`
}

// PlayerAddRejected tells the requesting connection why its join was refused.
type PlayerAddRejected struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Reason    string `json:"reason"`
}

func (State) isServerMessage()             {}
func (PlayerAdded) isServerMessage()       {}
func (PlayerAddRejected) isServerMessage() {}

func messageType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	if probe.Type == "" {
		return "", errMissingType
	}
	return probe.Type, nil
}

// DecodeCommand parses a client-to-server message. Callers are expected to
// discard the message silently when an error is returned.
func DecodeCommand(data []byte) (Command, error) {
	kind, err := messageType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypeAddPlayer:
		var cmd AddPlayer
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case TypeStartCountdown:
		var cmd StartCountdown
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case TypePlayerReaction:
		var cmd PlayerReaction
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case TypeResetGame:
		var cmd ResetGame
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", kind)
	}
}

// DecodeServerMessage parses a server-to-client message. Callers are expected
// to discard the message silently when an error is returned.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	kind, err := messageType(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case TypeState:
		var msg State
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePlayerAdded:
		var msg PlayerAdded
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePlayerAddRejected:
		var msg PlayerAddRejected
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("unknown server message type %q", kind)
	}
}
