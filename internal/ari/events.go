// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ari

import "encoding/json"

// Event types the orchestrator reacts to. Everything else on the stream is
// logged at debug and dropped.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelDestroyed     = "ChannelDestroyed"
	EventChannelHangupRequest = "ChannelHangupRequest"
)

// CallerID identifies the remote party of a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// Channel is the subset of the Asterisk channel resource the bridge uses.
type Channel struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        string            `json:"state"`
	Caller       CallerID          `json:"caller"`
	ChannelVars  map[string]string `json:"channelvars,omitempty"`
	CreationTime string            `json:"creationtime,omitempty"`
}

// Bridge is the subset of the Asterisk bridge resource the bridge uses.
type Bridge struct {
	ID       string   `json:"id"`
	Type     string   `json:"bridge_type"`
	Channels []string `json:"channels"`
}

// Playback is the handle returned when media is played on a channel.
type Playback struct {
	ID       string `json:"id"`
	MediaURI string `json:"media_uri"`
	State    string `json:"state"`
}

// Event is the envelope of the application event stream. Only fields the
// orchestrator consumes are decoded; Raw keeps the rest for diagnostics.
type Event struct {
	Type        string   `json:"type"`
	Application string   `json:"application"`
	Timestamp   string   `json:"timestamp"`
	Args        []string `json:"args,omitempty"`
	Channel     *Channel `json:"channel,omitempty"`
	Cause       int      `json:"cause,omitempty"`
	CauseTxt    string   `json:"cause_txt,omitempty"`

	Raw json.RawMessage `json:"-"`
}
