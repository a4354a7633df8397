// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_rtp

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"

	internal_audio "github.com/rapidaai/voicebridge/internal/audio"
	"github.com/rapidaai/voicebridge/pkg/commons"
)

// AudioHandler receives inbound caller audio as PCM16 24 kHz chunks.
type AudioHandler func(callID string, pcm []byte)

// PeerHandler is invoked once when the media relay's source address is
// learned from the first inbound packet.
type PeerHandler func(addr *net.UDPAddr)

// Listener binds a call's leased read port and relays inbound RTP audio to
// the AI bridge. Frames are forwarded in arrival order; there is no jitter
// buffer, reordering, or loss recovery — undecodable frames are dropped and
// logged.
type Listener struct {
	logger    commons.Logger
	callID    string
	resampler internal_audio.Resampler
	onAudio   AudioHandler
	onPeer    PeerHandler

	mu   sync.Mutex
	conn *net.UDPConn
	peer *net.UDPAddr

	stopOnce sync.Once
	done     chan struct{}
}

// NewListener creates a listener for one call.
func NewListener(logger commons.Logger, callID string, resampler internal_audio.Resampler, onAudio AudioHandler, onPeer PeerHandler) *Listener {
	return &Listener{
		logger:    logger,
		callID:    callID,
		resampler: resampler,
		onAudio:   onAudio,
		onPeer:    onPeer,
		done:      make(chan struct{}),
	}
}

// Start binds the read port and begins the receive loop.
func (l *Listener) Start(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("failed to bind rtp read port %d: %w", port, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.logger.Debugw("rtp listener started", "call_id", l.callID, "port", port)
	go l.readLoop(conn)
	return nil
}

func (l *Listener) readLoop(conn *net.UDPConn) {
	defer close(l.done)

	buf := make([]byte, 1500)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnw("rtp read error", "call_id", l.callID, "error", err)
			return
		}

		l.learnPeer(addr)

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.logger.Debugw("dropping malformed rtp packet", "call_id", l.callID, "error", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		pcm := internal_audio.DecodeUlaw(pkt.Payload)
		resampled, err := l.resampler.Resample(pcm,
			internal_audio.AudioConfig{SampleRate: internal_audio.TelephonyRate, Channels: 1},
			internal_audio.AudioConfig{SampleRate: internal_audio.RealtimeRate, Channels: 1},
		)
		if err != nil {
			l.logger.Warnw("dropping frame, resample failed", "call_id", l.callID, "error", err)
			continue
		}

		l.onAudio(l.callID, resampled)
	}
}

// learnPeer records the media relay's address from the first inbound packet
// and notifies the sender side.
func (l *Listener) learnPeer(addr *net.UDPAddr) {
	l.mu.Lock()
	known := l.peer != nil
	if !known {
		l.peer = addr
	}
	l.mu.Unlock()

	if !known {
		l.logger.Debugw("learned rtp peer address", "call_id", l.callID, "peer", addr.String())
		if l.onPeer != nil {
			l.onPeer(addr)
		}
	}
}

// Peer returns the learned media relay address, or nil.
func (l *Listener) Peer() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

// Stop closes the socket and waits for the receive loop to exit. Idempotent.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
			<-l.done
		} else {
			close(l.done)
		}
		l.logger.Debugw("rtp listener stopped", "call_id", l.callID)
	})
}
