// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/luxfi/dsm/crypto"
	"github.com/luxfi/dsm/utils/wrappers"
)

// Message types carried in the frame header.
const (
	msgHandshake     uint8 = 0
	msgHandshakeResp uint8 = 1
	msgData          uint8 = 2
	msgKeepAlive     uint8 = 3
	msgClose         uint8 = 4
)

const (
	// HeaderLen is the fixed frame header length: 8-byte connection id plus
	// 1-byte message type.
	HeaderLen = 9

	// MaxUDPPayload is the largest UDP datagram payload we emit.
	MaxUDPPayload = 65507

	// MaxDataPayload is the largest DATA plaintext: the datagram budget
	// minus header and AEAD tag.
	MaxDataPayload = MaxUDPPayload - HeaderLen - crypto.AEADTagLen

	// HandshakeVersion is the only protocol version this implementation
	// speaks.
	HandshakeVersion = 1

	// handshakeNonceLen is the random nonce carried by HS and HS_RESP.
	handshakeNonceLen = 32

	// maxHandshakeField caps variable-length handshake payload fields.
	maxHandshakeField = 1 << 16

	// timestampSkewSecs is the allowed |now - peer timestamp| during a
	// handshake.
	timestampSkewSecs = 30
)

// frameHeader returns the 9-byte header for a frame.
func frameHeader(connID uint64, msgType uint8) []byte {
	header := make([]byte, HeaderLen)
	binary.BigEndian.PutUint64(header[:8], connID)
	header[8] = msgType
	return header
}

// parseHeader splits a datagram into header fields and payload. ok is false
// for datagrams shorter than the header.
func parseHeader(datagram []byte) (connID uint64, msgType uint8, payload []byte, ok bool) {
	if len(datagram) < HeaderLen {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint64(datagram[:8]), datagram[8], datagram[HeaderLen:], true
}

// dataNonce expands a send counter into the 12-byte AEAD nonce: the counter
// big-endian in the first 8 bytes, right-padded with zeros.
func dataNonce(counter uint64) [crypto.AEADNonceLen]byte {
	var nonce [crypto.AEADNonceLen]byte
	binary.BigEndian.PutUint64(nonce[:8], counter)
	return nonce
}

// handshakePayload is the body of HS and HS_RESP frames. KEMCiphertext is
// present only in HS_RESP: the responder encapsulates against the
// initiator's public key and returns the ciphertext. IdentityKey and
// Signature are empty unless the sender carries an identity keypair.
type handshakePayload struct {
	Version       uint32
	Timestamp     uint64
	Nonce         [handshakeNonceLen]byte
	KEMPublicKey  []byte
	KEMCiphertext []byte
	IdentityKey   []byte
	Signature     []byte
}

func (h *handshakePayload) bytes() ([]byte, error) {
	p := wrappers.Packer{MaxSize: MaxUDPPayload}
	p.PackInt(h.Version)
	p.PackLong(h.Timestamp)
	p.PackFixedBytes(h.Nonce[:])
	p.PackBytes(h.KEMPublicKey)
	p.PackBytes(h.KEMCiphertext)
	p.PackBytes(h.IdentityKey)
	p.PackBytes(h.Signature)
	if p.Errored() {
		return nil, fmt.Errorf("failed to encode handshake payload: %w", p.Err)
	}
	return p.Bytes, nil
}

func parseHandshakePayload(b []byte) (*handshakePayload, error) {
	p := wrappers.Packer{Bytes: b}
	h := &handshakePayload{
		Version:   p.UnpackInt(),
		Timestamp: p.UnpackLong(),
	}
	copy(h.Nonce[:], p.UnpackFixedBytes(handshakeNonceLen))
	h.KEMPublicKey = p.UnpackLimitedBytes(maxHandshakeField)
	h.KEMCiphertext = p.UnpackLimitedBytes(maxHandshakeField)
	h.IdentityKey = p.UnpackLimitedBytes(maxHandshakeField)
	h.Signature = p.UnpackLimitedBytes(maxHandshakeField)
	if p.Errored() {
		return nil, fmt.Errorf("%w: malformed payload: %w", ErrHandshakeFailure, p.Err)
	}
	if p.Offset != len(b) {
		return nil, fmt.Errorf("%w: %d trailing payload bytes", ErrHandshakeFailure, len(b)-p.Offset)
	}
	return h, nil
}

// deriveSessionKeys runs the SHAKE256 KDF over the agreed secret and the
// handshake transcript. Both endpoints concatenate in initiator-first order
// regardless of local role. The okm and shared secret are wiped before
// returning.
func deriveSessionKeys(
	suite crypto.Suite,
	sharedSecret []byte,
	nonceInitiator, nonceResponder [handshakeNonceLen]byte,
	pkInitiator, pkResponder []byte,
) (encKey, macKey [crypto.AEADKeyLen]byte) {
	ikm := make([]byte, 0,
		len(sharedSecret)+2*handshakeNonceLen+len(pkInitiator)+len(pkResponder))
	ikm = append(ikm, sharedSecret...)
	ikm = append(ikm, nonceInitiator[:]...)
	ikm = append(ikm, nonceResponder[:]...)
	ikm = append(ikm, pkInitiator...)
	ikm = append(ikm, pkResponder...)

	okm := suite.XOF(ikm, 2*crypto.AEADKeyLen)
	copy(encKey[:], okm[:crypto.AEADKeyLen])
	copy(macKey[:], okm[crypto.AEADKeyLen:])

	crypto.Wipe(okm)
	crypto.Wipe(ikm)
	crypto.Wipe(sharedSecret)
	return encKey, macKey
}

// timestampFresh reports whether a peer timestamp is within the allowed
// skew of now. Both values are unix seconds.
func timestampFresh(now, peer uint64) bool {
	var diff uint64
	if now > peer {
		diff = now - peer
	} else {
		diff = peer - now
	}
	return diff <= timestampSkewSecs
}
