// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rapidaai/voicebridge/pkg/commons"
)

// ErrPoolExhausted is returned when no port pair is available.
var ErrPoolExhausted = errors.New("rtp port pool exhausted")

// PortPair is one call's leased UDP ports: Read receives audio from the
// telephony platform, Write transmits audio back. Ports are even-numbered per
// RTP convention (RTCP would use the next odd port).
type PortPair struct {
	Read  int
	Write int
}

// Manager hands out unique port pairs from a bounded range. It is safe for
// concurrent use across calls; allocation and release for a single call are
// serialized by the orchestrator.
type Manager struct {
	logger commons.Logger

	mu     sync.Mutex
	free   []PortPair
	leased map[string]PortPair // callID -> pair
	byPort map[int]string      // read port -> callID
}

// NewManager builds the pool from [start, end). Each pair consumes four ports
// (two even RTP ports and their odd RTCP slots).
func NewManager(logger commons.Logger, start, end int) (*Manager, error) {
	if start%2 != 0 {
		start++
	}
	var free []PortPair
	for p := start; p+2 < end; p += 4 {
		free = append(free, PortPair{Read: p, Write: p + 2})
	}
	if len(free) == 0 {
		return nil, fmt.Errorf("no usable rtp ports in range %d-%d", start, end)
	}
	return &Manager{
		logger: logger,
		free:   free,
		leased: make(map[string]PortPair),
		byPort: make(map[int]string),
	}, nil
}

// Allocate leases a port pair for callID. A call that already holds a lease
// gets its existing pair back.
func (m *Manager) Allocate(callID string) (PortPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pair, ok := m.leased[callID]; ok {
		m.logger.Warnw("call already holds a port lease, returning existing pair",
			"call_id", callID, "read_port", pair.Read)
		return pair, nil
	}
	if len(m.free) == 0 {
		return PortPair{}, fmt.Errorf("%w: %d pairs leased", ErrPoolExhausted, len(m.leased))
	}

	pair := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]
	m.leased[callID] = pair
	m.byPort[pair.Read] = callID

	m.logger.Debugw("allocated rtp port pair",
		"call_id", callID, "read_port", pair.Read, "write_port", pair.Write)
	return pair, nil
}

// Release returns callID's pair to the pool. Releasing an identifier with no
// active lease is a no-op.
func (m *Manager) Release(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.leased[callID]
	if !ok {
		return
	}
	delete(m.leased, callID)
	delete(m.byPort, pair.Read)
	m.free = append(m.free, pair)

	m.logger.Debugw("released rtp port pair",
		"call_id", callID, "read_port", pair.Read, "write_port", pair.Write)
}

// Owner returns the call holding the given read port.
func (m *Manager) Owner(readPort int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byPort[readPort]
	return callID, ok
}

// InUse returns the number of leased pairs.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leased)
}

// Available returns the number of free pairs.
func (m *Manager) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}
