// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"crypto/rand"
	"fmt"
)

var _ Suite = (*mockSuite)(nil)

// mockSuite swaps the lattice primitives for cheap hash-backed stand-ins.
// Hashing, XOF, and AEAD are the real algorithms so that chain hashes and
// wire frames are identical to production; only KEM and signatures differ.
// Not secure. Test use only.
type mockSuite struct {
	defaultSuite
}

// NewMockSuite returns a hash-backed suite double for tests. Key generation
// and encapsulation draw fresh random bytes; everything derived from them
// (public keys, shared secrets, signatures) is deterministic.
func NewMockSuite() Suite {
	return &mockSuite{}
}

func (s *mockSuite) KEMGenerate() ([]byte, []byte, error) {
	sk := make([]byte, 32)
	if _, err := rand.Read(sk); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	pk := s.mockKEMPublic(sk)
	return pk, sk, nil
}

func (s *mockSuite) KEMEncapsulate(pk []byte) ([]byte, []byte, error) {
	if len(pk) != HashLen {
		return nil, nil, fmt.Errorf("%w: mock KEM public key must be %d bytes, got %d",
			ErrInvalidKeyLength, HashLen, len(pk))
	}
	ct := make([]byte, 32)
	if _, err := rand.Read(ct); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return ct, s.mockSharedSecret(pk, ct), nil
}

func (s *mockSuite) KEMDecapsulate(sk, ct []byte) ([]byte, error) {
	if len(sk) != 32 {
		return nil, fmt.Errorf("%w: mock KEM private key must be 32 bytes, got %d",
			ErrInvalidKeyLength, len(sk))
	}
	if len(ct) != 32 {
		return nil, fmt.Errorf("%w: mock KEM ciphertext must be 32 bytes, got %d",
			ErrInvalidCiphertext, len(ct))
	}
	return s.mockSharedSecret(s.mockKEMPublic(sk), ct), nil
}

func (s *mockSuite) SignGenerate() ([]byte, []byte, error) {
	sk := make([]byte, 32)
	if _, err := rand.Read(sk); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	pk := s.mockSigPublic(sk)
	return pk, sk, nil
}

func (s *mockSuite) Sign(sk, msg []byte) ([]byte, error) {
	if len(sk) != 32 {
		return nil, fmt.Errorf("%w: mock signing key must be 32 bytes, got %d",
			ErrInvalidKeyLength, len(sk))
	}
	return s.mockSignature(s.mockSigPublic(sk), msg), nil
}

func (s *mockSuite) Verify(pk, msg, sig []byte) bool {
	if len(pk) != HashLen {
		return false
	}
	return EqualConstantTime(sig, s.mockSignature(pk, msg))
}

func (s *mockSuite) mockKEMPublic(sk []byte) []byte {
	h := s.Hash(append(append([]byte{}, sk...), []byte("mock_kem_pk")...))
	return h[:]
}

func (s *mockSuite) mockSharedSecret(pk, ct []byte) []byte {
	h := s.Hash(append(append([]byte{}, pk...), ct...))
	return h[:]
}

func (s *mockSuite) mockSigPublic(sk []byte) []byte {
	h := s.Hash(append(append([]byte{}, sk...), []byte("mock_sig_pk")...))
	return h[:]
}

func (s *mockSuite) mockSignature(pk, msg []byte) []byte {
	h := s.Hash(append(append([]byte{}, pk...), msg...))
	return h[:]
}
