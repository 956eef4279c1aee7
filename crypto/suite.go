// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/luxfi/crypto/slhdsa"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

var _ Suite = (*defaultSuite)(nil)

// defaultSuite is the production primitive set: BLAKE3, SHAKE256,
// ChaCha20-Poly1305, ML-KEM-768, and SLH-DSA (SPHINCS+) SHA2-128s.
type defaultSuite struct {
	kemScheme kem.Scheme
	sigMode   slhdsa.Mode
}

// NewSuite returns the production suite.
func NewSuite() Suite {
	return &defaultSuite{
		kemScheme: mlkem768.Scheme(),
		sigMode:   slhdsa.SHA2_128s,
	}
}

func (*defaultSuite) Hash(data []byte) [HashLen]byte {
	return blake3.Sum256(data)
}

func (*defaultSuite) XOF(data []byte, n int) []byte {
	out := make([]byte, n)
	shake := sha3.NewShake256()
	shake.Write(data)
	shake.Read(out)
	return out
}

func (*defaultSuite) AEADSeal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(key) != AEADKeyLen {
		return nil, fmt.Errorf("%w: aead key must be %d bytes, got %d", ErrInvalidKeyLength, AEADKeyLen, len(key))
	}
	if len(nonce) != AEADNonceLen {
		return nil, fmt.Errorf("%w: aead nonce must be %d bytes, got %d", ErrInvalidKeyLength, AEADNonceLen, len(nonce))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func (*defaultSuite) AEADOpen(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != AEADKeyLen {
		return nil, fmt.Errorf("%w: aead key must be %d bytes, got %d", ErrInvalidKeyLength, AEADKeyLen, len(key))
	}
	if len(nonce) != AEADNonceLen {
		return nil, fmt.Errorf("%w: aead nonce must be %d bytes, got %d", ErrInvalidKeyLength, AEADNonceLen, len(nonce))
	}
	if len(ciphertext) < AEADTagLen {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrInvalidCiphertext)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

func (s *defaultSuite) KEMGenerate() ([]byte, []byte, error) {
	pub, priv, err := s.kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}

	pk, err := pub.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal KEM public key: %w", err)
	}
	sk, err := priv.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal KEM private key: %w", err)
	}
	return pk, sk, nil
}

func (s *defaultSuite) KEMEncapsulate(pk []byte) ([]byte, []byte, error) {
	if len(pk) != s.kemScheme.PublicKeySize() {
		return nil, nil, fmt.Errorf("%w: KEM public key must be %d bytes, got %d",
			ErrInvalidKeyLength, s.kemScheme.PublicKeySize(), len(pk))
	}

	pub, err := s.kemScheme.UnmarshalBinaryPublicKey(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal KEM public key: %w", err)
	}
	ct, ss, err := s.kemScheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("KEM encapsulation failed: %w", err)
	}
	return ct, ss, nil
}

func (s *defaultSuite) KEMDecapsulate(sk, ct []byte) ([]byte, error) {
	if len(ct) != s.kemScheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: KEM ciphertext must be %d bytes, got %d",
			ErrInvalidCiphertext, s.kemScheme.CiphertextSize(), len(ct))
	}

	priv, err := s.kemScheme.UnmarshalBinaryPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal KEM private key: %w", err)
	}
	ss, err := s.kemScheme.Decapsulate(priv, ct)
	if err != nil {
		return nil, fmt.Errorf("KEM decapsulation failed: %w", err)
	}
	return ss, nil
}

func (s *defaultSuite) SignGenerate() ([]byte, []byte, error) {
	priv, err := slhdsa.GenerateKey(rand.Reader, s.sigMode)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrKeyGeneration, err)
	}
	return priv.PublicKey.Bytes(), priv.Bytes(), nil
}

func (s *defaultSuite) Sign(sk, msg []byte) ([]byte, error) {
	priv, err := slhdsa.PrivateKeyFromBytes(s.sigMode, sk)
	if err != nil {
		return nil, fmt.Errorf("failed to restore signing private key: %w", err)
	}
	return priv.Sign(rand.Reader, msg, nil)
}

func (s *defaultSuite) Verify(pk, msg, sig []byte) bool {
	pub, err := slhdsa.PublicKeyFromBytes(pk, s.sigMode)
	if err != nil {
		return false
	}
	return pub.Verify(msg, sig, nil)
}
