// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_orchestrator

import (
	"net"

	internal_audio "github.com/rapidaai/voicebridge/internal/audio"
	internal_rtp "github.com/rapidaai/voicebridge/internal/rtp"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// MediaListener receives caller audio on a leased port.
type MediaListener interface {
	Start(port int) error
	Stop()
}

// MediaSender carries assistant audio back to the telephony side.
type MediaSender interface {
	Start(port int) error
	SetDestination(addr *net.UDPAddr)
	Send(pcm []byte)
	Stop()
}

// MediaFactory builds the per-call media endpoints.
type MediaFactory interface {
	NewListener(callID string, onAudio internal_rtp.AudioHandler, onPeer internal_rtp.PeerHandler) MediaListener
	NewSender(callID string) MediaSender
}

type rtpMediaFactory struct {
	logger    commons.Logger
	resampler internal_audio.Resampler
}

// NewMediaFactory builds RTP-backed media endpoints sharing one resampler.
func NewMediaFactory(logger commons.Logger) MediaFactory {
	return &rtpMediaFactory{
		logger:    logger,
		resampler: internal_audio.NewResampler(),
	}
}

func (f *rtpMediaFactory) NewListener(callID string, onAudio internal_rtp.AudioHandler, onPeer internal_rtp.PeerHandler) MediaListener {
	return internal_rtp.NewListener(f.logger, callID, f.resampler, onAudio, onPeer)
}

func (f *rtpMediaFactory) NewSender(callID string) MediaSender {
	return internal_rtp.NewSender(f.logger, callID, f.resampler)
}
