// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the DSM data model: operations, device bindings,
// and hash-chained states, together with their canonical byte encoding.
//
// Canonical encoding rules: fixed field order, fixed-width little-endian
// integers, 4-byte little-endian length prefixes on byte strings, and
// single-byte variant tags. Two values encode to the same bytes iff they
// are semantically equal.
package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/luxfi/dsm/utils/wrappers"
)

// HashLen is the length of every chain hash.
const HashLen = 32

// MaxStateSize caps the canonical encoding of a full state.
const MaxStateSize = MaxOperationSize + (1 << 20)

var (
	// ZeroHash is the prev-hash of every genesis state.
	ZeroHash = [HashLen]byte{}

	ErrHashMismatch = errors.New("stored hash does not match recomputation")
)

// State is a node in the hash chain. States are immutable once committed;
// Hash is a pure function of the remaining fields.
type State struct {
	// Index is the position in the chain. 0 is genesis.
	Index uint64

	// PrevHash is the hash of the prior state's canonical encoding.
	// All-zeros for genesis.
	PrevHash [HashLen]byte

	// Operation applied to produce this state. Genesis carries the
	// sentinel genesis operation.
	Operation Operation

	// Device is the identity bound to the chain, constant along it.
	Device DeviceInfo

	// Entropy is mixed into the hash. Genesis takes it from the recovery
	// entropy; later states derive it from the predecessor.
	Entropy []byte

	// Payload is opaque application data.
	Payload []byte

	// Hash is BLAKE3 over the canonical encoding of the preceding fields.
	Hash [HashLen]byte
}

// packUnsigned appends all fields except Hash in canonical order.
func (s *State) packUnsigned(p *wrappers.Packer) {
	p.PackLong(s.Index)
	p.PackFixedBytes(s.PrevHash[:])
	s.Operation.pack(p)
	s.Device.pack(p)
	p.PackBytes(s.Entropy)
	p.PackBytes(s.Payload)
}

// UnsignedBytes returns the canonical encoding of every field except Hash.
// This is the hashing preimage.
func (s *State) UnsignedBytes() ([]byte, error) {
	p := wrappers.Packer{MaxSize: MaxStateSize}
	s.packUnsigned(&p)
	if p.Errored() {
		return nil, fmt.Errorf("failed to encode state %d: %w", s.Index, p.Err)
	}
	return p.Bytes, nil
}

// Bytes returns the full canonical encoding, Hash included.
func (s *State) Bytes() ([]byte, error) {
	p := wrappers.Packer{MaxSize: MaxStateSize}
	s.packUnsigned(&p)
	p.PackFixedBytes(s.Hash[:])
	if p.Errored() {
		return nil, fmt.Errorf("failed to encode state %d: %w", s.Index, p.Err)
	}
	return p.Bytes, nil
}

// ParseState decodes a full canonical state encoding and verifies that the
// stored hash matches recomputation over the decoded fields.
func ParseState(b []byte) (*State, error) {
	p := wrappers.Packer{Bytes: b}
	s := &State{
		Index: p.UnpackLong(),
	}
	copy(s.PrevHash[:], p.UnpackFixedBytes(HashLen))
	s.Operation = unpackOperation(&p)
	s.Device = unpackDeviceInfo(&p)
	s.Entropy = p.UnpackLimitedBytes(MaxStateSize)
	s.Payload = p.UnpackLimitedBytes(MaxStateSize)
	copy(s.Hash[:], p.UnpackFixedBytes(HashLen))
	if p.Errored() {
		return nil, fmt.Errorf("failed to parse state: %w", p.Err)
	}
	if p.Offset != len(b) {
		return nil, fmt.Errorf("failed to parse state: %d trailing bytes", len(b)-p.Offset)
	}

	recomputed, err := s.ComputeHash()
	if err != nil {
		return nil, err
	}
	if recomputed != s.Hash {
		return nil, fmt.Errorf("%w: state %d", ErrHashMismatch, s.Index)
	}
	return s, nil
}

// ComputeHash returns BLAKE3 over the unsigned canonical encoding.
func (s *State) ComputeHash() ([HashLen]byte, error) {
	unsigned, err := s.UnsignedBytes()
	if err != nil {
		return [HashLen]byte{}, err
	}
	return blake3.Sum256(unsigned), nil
}

// SealHash recomputes and installs Hash. Any mutation of a state under
// construction must reseal before the state is shared.
func (s *State) SealHash() error {
	h, err := s.ComputeHash()
	if err != nil {
		return err
	}
	s.Hash = h
	return nil
}

// IsGenesis reports whether s is a chain root.
func (s *State) IsGenesis() bool {
	return s.Index == 0 && s.PrevHash == ZeroHash && s.Operation.IsGenesis()
}

// Equal reports byte equality of the canonical encodings, Hash included.
func (s *State) Equal(other *State) bool {
	a, errA := s.Bytes()
	b, errB := other.Bytes()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
