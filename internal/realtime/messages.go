// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_realtime

// Wire messages of the realtime speech endpoint. The session speaks JSON in
// both directions: client events configure the session and push audio/text,
// server events deliver session state, audio deltas, and transcripts.

// Client event types.
const (
	clientSessionUpdate  = "session.update"
	clientAudioAppend    = "input_audio_buffer.append"
	clientAudioCommit    = "input_audio_buffer.commit"
	clientItemCreate     = "conversation.item.create"
	clientResponseCreate = "response.create"
)

// Server event types.
const (
	serverSessionCreated      = "session.created"
	serverSessionUpdated      = "session.updated"
	serverAudioDelta          = "response.audio.delta"
	serverAudioTranscriptDone = "response.audio_transcript.done"
	serverInputTranscriptDone = "conversation.item.input_audio_transcription.completed"
	serverResponseDone        = "response.done"
	serverError               = "error"
)

type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
	InputAudioTranscription *audioTranscription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMs int    `json:"silence_duration_ms,omitempty"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16
}

type audioCommitEvent struct {
	Type string `json:"type"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// serverEvent is the inbound envelope. Only the fields the bridge reacts to
// are decoded.
type serverEvent struct {
	Type       string           `json:"type"`
	Delta      string           `json:"delta,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
	Error      *serverErrorBody `json:"error,omitempty"`
}

type serverErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
