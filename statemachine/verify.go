// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package statemachine

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/luxfi/dsm/types"
)

// ChainCorruptError reports the first index at which chain verification
// failed. It unwraps to ErrInvariantViolation.
type ChainCorruptError struct {
	Index  uint64
	Reason string
}

func (e *ChainCorruptError) Error() string {
	return fmt.Sprintf("chain corrupt at index %d: %s", e.Index, e.Reason)
}

func (*ChainCorruptError) Unwrap() error {
	return ErrInvariantViolation
}

// VerifyChain walks states from..to inclusive, checking every chain
// invariant: contiguous indices, prev-hash links, hash recomputation,
// device constancy, and the entropy derivation. Both endpoints must be in
// the machine's in-memory history.
func (m *Machine) VerifyChain(from, to uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if from > to {
		return fmt.Errorf("%w: inverted range [%d, %d]", ErrInvariantViolation, from, to)
	}

	prev, ok := m.stateAtLocked(from)
	if !ok {
		return fmt.Errorf("%w: no state at index %d", ErrNoCurrentState, from)
	}
	if err := verifyStateHash(prev); err != nil {
		return err
	}
	if prev.Index == 0 && prev.PrevHash != types.ZeroHash {
		return &ChainCorruptError{Index: 0, Reason: "genesis prev-hash is not zero"}
	}

	for index := from + 1; index <= to; index++ {
		s, ok := m.stateAtLocked(index)
		if !ok {
			return fmt.Errorf("%w: no state at index %d", ErrNoCurrentState, index)
		}

		switch {
		case s.Index != prev.Index+1:
			return &ChainCorruptError{Index: index, Reason: fmt.Sprintf(
				"index gap: %d follows %d", s.Index, prev.Index)}
		case s.PrevHash != prev.Hash:
			return &ChainCorruptError{Index: index, Reason: "prev-hash does not match predecessor"}
		case !s.Device.Equal(&prev.Device):
			return &ChainCorruptError{Index: index, Reason: "device binding changed mid-chain"}
		}

		if err := verifyStateHash(s); err != nil {
			return err
		}

		opBytes, err := s.Operation.Bytes()
		if err != nil {
			return &ChainCorruptError{Index: index, Reason: fmt.Sprintf("unencodable operation: %v", err)}
		}
		expected := nextEntropy(prev.Entropy, blake3.Sum256(opBytes))
		if !bytes.Equal(s.Entropy, expected) {
			return &ChainCorruptError{Index: index, Reason: "entropy does not follow derivation chain"}
		}

		prev = s
	}
	return nil
}

func verifyStateHash(s *types.State) error {
	recomputed, err := s.ComputeHash()
	if err != nil {
		return &ChainCorruptError{Index: s.Index, Reason: fmt.Sprintf("unencodable state: %v", err)}
	}
	if recomputed != s.Hash {
		return &ChainCorruptError{Index: s.Index, Reason: "stored hash does not match recomputation"}
	}
	return nil
}
