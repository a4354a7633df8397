// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_calls

import (
	"time"

	internal_ports "github.com/rapidaai/voicebridge/internal/ports"
	internal_resources "github.com/rapidaai/voicebridge/internal/resources"
)

// State is a call's lifecycle state.
type State int

const (
	// StateIdle is the zero value before the first platform event applies.
	StateIdle State = iota
	StateRinging
	StateAnswered
	StateMediaActive
	StateEnding
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateAnswered:
		return "answered"
	case StateMediaActive:
		return "media_active"
	case StateEnding:
		return "ending"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CallSession is the single source of truth for one active call. The session
// owns references to everything the call holds — port lease, resource set,
// external record ids — so cleanup never has to consult parallel maps.
type CallSession struct {
	CallID    string
	ChannelID string

	// ExternalMediaID is the UnicastRTP channel carrying raw audio; SnoopID
	// is the monitoring leg, when one exists.
	ExternalMediaID string
	SnoopID         string
	BridgeID        string

	State State
	Ports internal_ports.PortPair

	ConversationID string
	PatientID      string
	CallerNumber   string

	Resources *internal_resources.Set

	CreatedAt time.Time
}

// Summary is the read-only view served by the operational endpoints.
type Summary struct {
	CallID         string    `json:"call_id"`
	ChannelID      string    `json:"channel_id"`
	State          string    `json:"state"`
	ReadPort       int       `json:"read_port,omitempty"`
	WritePort      int       `json:"write_port,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CallerNumber   string    `json:"caller_number,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (c *CallSession) summary() Summary {
	return Summary{
		CallID:         c.CallID,
		ChannelID:      c.ChannelID,
		State:          c.State.String(),
		ReadPort:       c.Ports.Read,
		WritePort:      c.Ports.Write,
		ConversationID: c.ConversationID,
		CallerNumber:   c.CallerNumber,
		CreatedAt:      c.CreatedAt,
	}
}
