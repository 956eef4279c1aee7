// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package crypto exposes the primitive suite used by the state machine and
// the secure UDP transport: BLAKE3 hashing, SHAKE256 key derivation,
// ChaCha20-Poly1305 authenticated encryption, ML-KEM-768 key encapsulation,
// and SLH-DSA (SPHINCS+) signatures.
package crypto

import (
	"crypto/subtle"
	"errors"
)

const (
	// HashLen is the output length of the chain hash function
	HashLen = 32

	// AEADKeyLen is the ChaCha20-Poly1305 key length
	AEADKeyLen = 32
	// AEADNonceLen is the ChaCha20-Poly1305 nonce length
	AEADNonceLen = 12
	// AEADTagLen is the Poly1305 authentication tag length
	AEADTagLen = 16

	// SharedSecretLen is the ML-KEM shared secret length
	SharedSecretLen = 32

	// KEMPublicKeyLen is the ML-KEM-768 public key length per FIPS 203
	KEMPublicKeyLen = 1184
	// KEMCiphertextLen is the ML-KEM-768 ciphertext length
	KEMCiphertextLen = 1088
)

var (
	ErrAuthFailure       = errors.New("authenticated decryption failed")
	ErrInvalidKeyLength  = errors.New("invalid key length")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrKeyGeneration     = errors.New("key generation failed")
	ErrInvalidSignature  = errors.New("invalid signature encoding")
)

// Suite is the capability surface over the primitive set. The production
// suite is returned by NewSuite; NewMockSuite returns a hash-backed double
// for tests that do not need real lattice operations.
type Suite interface {
	// Hash computes the 32-byte BLAKE3 digest of data.
	Hash(data []byte) [HashLen]byte

	// XOF reads n bytes of SHAKE256 output over data.
	XOF(data []byte, n int) []byte

	// AEADSeal encrypts and authenticates plaintext, binding aad. The
	// 16-byte tag is appended to the returned ciphertext.
	AEADSeal(key, nonce, plaintext, aad []byte) ([]byte, error)

	// AEADOpen reverses AEADSeal. Returns ErrAuthFailure on any tag or aad
	// mismatch.
	AEADOpen(key, nonce, ciphertext, aad []byte) ([]byte, error)

	// KEMGenerate returns a fresh encapsulation keypair.
	KEMGenerate() (pk, sk []byte, err error)

	// KEMEncapsulate encapsulates a 32-byte shared secret to pk.
	KEMEncapsulate(pk []byte) (ct, ss []byte, err error)

	// KEMDecapsulate recovers the shared secret from ct.
	KEMDecapsulate(sk, ct []byte) (ss []byte, err error)

	// SignGenerate returns a fresh signing keypair.
	SignGenerate() (pk, sk []byte, err error)

	// Sign signs msg with sk.
	Sign(sk, msg []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature of msg under pk.
	Verify(pk, msg, sig []byte) bool
}

// EqualConstantTime compares two secret-derived byte slices without leaking
// timing about the position of a mismatch.
func EqualConstantTime(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe zeroes a secret-bearing buffer. Callers retire shared secrets, okm,
// and decapsulation keys through this on every exit path.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
