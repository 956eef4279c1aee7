// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package statemachine executes hash-chained state transitions for a single
// device identity. The machine is single-writer: at most one
// ExecuteTransition commits at a time, and the head is only replaced after
// the candidate state is fully sealed.
package statemachine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/log"
	"github.com/zeebo/blake3"

	"github.com/luxfi/dsm/config"
	"github.com/luxfi/dsm/types"
)

var (
	ErrNoCurrentState     = errors.New("no current state")
	ErrInvariantViolation = errors.New("state machine invariant violation")
	ErrAlreadyInitialized = errors.New("machine already has a state")
	ErrOperationTooLarge  = types.ErrOperationTooLarge
)

// Machine owns a single linear chain of states. The chain is created by
// Genesis (or installed via SetState during recovery), extended by
// ExecuteTransition, and destroyed with the machine.
type Machine struct {
	mu    sync.RWMutex
	chain []*types.State

	log        log.Logger
	maxOpBytes int
}

// New returns an empty machine with no state set.
func New(logger log.Logger) *Machine {
	return NewWithConfig(logger, config.DefaultConfig())
}

// NewWithConfig returns an empty machine honoring cfg's operation cap.
func NewWithConfig(logger log.Logger, cfg config.Config) *Machine {
	return &Machine{
		log:        logger,
		maxOpBytes: cfg.MaxOperationBytes,
	}
}

// NewGenesisState builds the chain root from recovery entropy and a device
// binding. The entropy is taken verbatim; prev-hash is all zeros.
func NewGenesisState(entropy []byte, device types.DeviceInfo) (*types.State, error) {
	s := &types.State{
		Index:     0,
		PrevHash:  types.ZeroHash,
		Operation: types.NewGenesisOperation(),
		Device:    device,
		Entropy:   entropy,
	}
	if err := s.SealHash(); err != nil {
		return nil, err
	}
	return s, nil
}

// Genesis creates the chain root and installs it as the head. Fails if the
// machine already has a state.
func (m *Machine) Genesis(entropy []byte, device types.DeviceInfo) (*types.State, error) {
	genesis, err := NewGenesisState(entropy, device)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.chain) != 0 {
		return nil, ErrAlreadyInitialized
	}
	m.chain = append(m.chain, genesis)

	m.log.Info("genesis state created",
		"deviceID", device.DeviceID,
		"hash", fmt.Sprintf("%x", genesis.Hash[:8]),
	)
	return genesis, nil
}

// SetState installs a state as the current head, discarding any in-memory
// history. Used by recovery and tests. Fails with ErrInvariantViolation if
// the stored hash does not match recomputation.
func (m *Machine) SetState(s *types.State) error {
	recomputed, err := s.ComputeHash()
	if err != nil {
		return err
	}
	if recomputed != s.Hash {
		return fmt.Errorf("%w: state %d hash mismatch", ErrInvariantViolation, s.Index)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = []*types.State{s}
	return nil
}

// CurrentState returns the head state, or false if the machine is empty.
func (m *Machine) CurrentState() (*types.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.chain) == 0 {
		return nil, false
	}
	return m.chain[len(m.chain)-1], true
}

// StateAt returns the in-memory state with the given chain index.
func (m *Machine) StateAt(index uint64) (*types.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateAtLocked(index)
}

func (m *Machine) stateAtLocked(index uint64) (*types.State, bool) {
	if len(m.chain) == 0 {
		return nil, false
	}
	base := m.chain[0].Index
	if index < base || index-base >= uint64(len(m.chain)) {
		return nil, false
	}
	return m.chain[index-base], true
}

// Height returns the head index, or false if the machine is empty.
func (m *Machine) Height() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.chain) == 0 {
		return 0, false
	}
	return m.chain[len(m.chain)-1].Index, true
}

// ExecuteTransition applies op to the current head and returns the new
// head. The transition is synchronous and never suspends; the head swap is
// the commit point.
func (m *Machine) ExecuteTransition(op types.Operation) (*types.State, error) {
	opBytes, err := op.Bytes()
	if err != nil {
		return nil, err
	}
	if len(opBytes) > m.maxOpBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrOperationTooLarge, len(opBytes), m.maxOpBytes)
	}
	opHash := blake3.Sum256(opBytes)

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.chain) == 0 {
		return nil, ErrNoCurrentState
	}
	current := m.chain[len(m.chain)-1]

	candidate := &types.State{
		Index:     current.Index + 1,
		PrevHash:  current.Hash,
		Operation: op,
		Device:    current.Device,
		Entropy:   nextEntropy(current.Entropy, opHash),
		Payload:   op.DerivePayload(),
	}
	if err := candidate.SealHash(); err != nil {
		return nil, err
	}

	m.chain = append(m.chain, candidate)
	return candidate, nil
}

// nextEntropy derives per-state entropy for the successor state:
// BLAKE3(current entropy || operation hash).
func nextEntropy(entropy []byte, opHash [32]byte) []byte {
	buf := make([]byte, 0, len(entropy)+len(opHash))
	buf = append(buf, entropy...)
	buf = append(buf, opHash[:]...)
	next := blake3.Sum256(buf)
	return next[:]
}
