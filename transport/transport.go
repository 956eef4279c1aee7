// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport implements the secure UDP channel between DSM peers: a
// post-quantum key agreement (ML-KEM-768) followed by ChaCha20-Poly1305
// framing with per-connection nonce discipline and replay suppression.
//
// Frame layout on the wire:
//
//	0  : 8 : connection id (big-endian u64)
//	8  : 1 : message type (0=HS, 1=HS_RESP, 2=DATA, 3=KA, 4=CLOSE)
//	9  : * : payload
//
// DATA payloads are AEAD ciphertext with the 9-byte header as associated
// data. Handshake payloads use the canonical little-endian encoding shared
// with the state codec; the header itself stays big-endian for wire
// readability.
package transport

import (
	"errors"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/dsm/config"
	"github.com/luxfi/dsm/crypto"
	"github.com/luxfi/dsm/utils/timer/mockable"
)

var (
	ErrNetwork          = errors.New("network failure")
	ErrHandshakeFailure = errors.New("handshake failure")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrReceiveTimeout   = errors.New("receive timed out")
	ErrConnectionClosed = errors.New("connection closed")
	ErrMessageTooLarge  = errors.New("message exceeds maximum payload")
	ErrListenerClosed   = errors.New("listener closed")
)

// Identity is an optional long-lived SLH-DSA keypair used to authenticate
// handshakes. When present, HS and HS_RESP frames carry a signature over
// the sender's ephemeral KEM material.
type Identity struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Options configures a dialed connection or a listener.
type Options struct {
	// Config supplies timeouts and caps; the zero value means defaults.
	Config config.Config

	// Suite selects the primitive set; nil means the production suite.
	Suite crypto.Suite

	// Log receives debug records for silently dropped frames; nil means no
	// logging.
	Log log.Logger

	// Registerer receives the transport drop counters; nil disables
	// metric registration.
	Registerer prometheus.Registerer

	// Identity, when set, signs our outgoing handshakes.
	Identity *Identity

	// RemoteIdentityKey, when set, pins the peer: incoming handshakes must
	// carry a valid signature under this key.
	RemoteIdentityKey []byte

	// Clock is shared with tests that fake time. Nil means wall clock.
	Clock *mockable.Clock
}

func (o Options) withDefaults() Options {
	if o.Suite == nil {
		o.Suite = crypto.NewSuite()
	}
	if o.Log == nil {
		o.Log = log.NoLog{}
	}
	if o.Clock == nil {
		o.Clock = &mockable.Clock{}
	}
	if o.Config == (config.Config{}) {
		o.Config = config.DefaultConfig()
	}
	return o
}
