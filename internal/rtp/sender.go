// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_rtp

import (
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/pion/rtp"

	internal_audio "github.com/rapidaai/voicebridge/internal/audio"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

const payloadTypePCMU = 0

// Sender transmits AI-generated audio back to the telephony platform's media
// relay. It accepts PCM16 24 kHz chunks, downsamples to 8 kHz, encodes µ-law,
// and writes 20 ms RTP frames from the call's leased write port.
type Sender struct {
	logger    commons.Logger
	callID    string
	resampler internal_audio.Resampler

	mu      sync.Mutex
	conn    *net.UDPConn
	dest    *net.UDPAddr
	seq     uint16
	ts      uint32
	ssrc    uint32
	first   bool
	pending []byte // sub-frame µ-law remainder kept for alignment
}

// NewSender creates a sender for one call.
func NewSender(logger commons.Logger, callID string, resampler internal_audio.Resampler) *Sender {
	return &Sender{
		logger:    logger,
		callID:    callID,
		resampler: resampler,
		seq:       uint16(rand.Intn(1 << 16)),
		ssrc:      rand.Uint32(),
		first:     true,
	}
}

// Start binds the write port.
func (s *Sender) Start(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("failed to bind rtp write port %d: %w", port, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Debugw("rtp sender started", "call_id", s.callID, "port", port)
	return nil
}

// SetDestination points the sender at the media relay address. Until this is
// set, outbound audio is dropped.
func (s *Sender) SetDestination(addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dest = addr
}

// Send relays one PCM16 24 kHz chunk to the platform. Failures are non-fatal:
// the chunk is dropped and logged.
func (s *Sender) Send(pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	downsampled, err := s.resampler.Resample(pcm,
		internal_audio.AudioConfig{SampleRate: internal_audio.RealtimeRate, Channels: 1},
		internal_audio.AudioConfig{SampleRate: internal_audio.TelephonyRate, Channels: 1},
	)
	if err != nil {
		s.logger.Warnw("dropping outbound chunk, resample failed", "call_id", s.callID, "error", err)
		return
	}
	ulaw := internal_audio.EncodeUlaw(downsampled)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil || s.dest == nil {
		s.logger.Debugw("dropping outbound chunk, no media destination yet", "call_id", s.callID)
		return
	}

	data := append(s.pending, ulaw...)
	for len(data) >= internal_audio.TelephonyFrame {
		frame := data[:internal_audio.TelephonyFrame]
		data = data[internal_audio.TelephonyFrame:]
		if err := s.writeFrame(frame); err != nil {
			s.logger.Warnw("rtp write failed", "call_id", s.callID, "error", err)
			s.pending = nil
			return
		}
	}
	s.pending = append([]byte(nil), data...)
}

// writeFrame marshals and transmits one 20 ms frame. Caller holds the mutex.
func (s *Sender) writeFrame(payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         s.first,
			PayloadType:    payloadTypePCMU,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.first = false
	s.seq++
	s.ts += internal_audio.TimestampPerFrame

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(raw, s.dest)
	return err
}

// Stop closes the socket. Idempotent.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.logger.Debugw("rtp sender stopped", "call_id", s.callID)
	}
}
