// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/dsm/config"
	"github.com/luxfi/dsm/crypto"
	"github.com/luxfi/dsm/utils/timer/mockable"
)

// inboundBacklog bounds datagrams buffered per connection between the
// socket read loop and Receive callers. Overflow is dropped, matching UDP
// semantics.
const inboundBacklog = 128

// Conn is one end of an established secure UDP session. It is safe to use
// from multiple goroutines; Send interleaves by nonce order and Receive
// delivers each accepted frame exactly once.
type Conn struct {
	connID uint64
	local  *net.UDPAddr
	remote *net.UDPAddr

	suite   crypto.Suite
	log     log.Logger
	metrics *metrics
	cfg     config.Config
	clock   *mockable.Clock

	encKey [crypto.AEADKeyLen]byte
	// macKey is derived alongside encKey and reserved for a future
	// channel-binding exchange; AEAD authentication is intrinsic to
	// ChaCha20-Poly1305.
	macKey [crypto.AEADKeyLen]byte

	sendNonce atomic.Uint64

	mu           sync.Mutex
	recvWindow   replayWindow
	lastActivity time.Time

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	sendRaw func([]byte) error
	onClose func()
}

func newConn(
	connID uint64,
	local, remote *net.UDPAddr,
	encKey, macKey [crypto.AEADKeyLen]byte,
	o Options,
	m *metrics,
	sendRaw func([]byte) error,
	onClose func(),
) *Conn {
	c := &Conn{
		connID:  connID,
		local:   local,
		remote:  remote,
		suite:   o.Suite,
		log:     o.Log,
		metrics: m,
		cfg:     o.Config,
		clock:   o.Clock,
		encKey:  encKey,
		macKey:  macKey,
		inbound: make(chan []byte, inboundBacklog),
		closed:  make(chan struct{}),
		sendRaw: sendRaw,
		onClose: onClose,
	}
	c.lastActivity = o.Clock.Time()
	return c
}

// ConnectionID returns the 64-bit id shared by both endpoints.
func (c *Conn) ConnectionID() uint64 {
	return c.connID
}

// LocalAddr returns the local UDP address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.local
}

// RemoteAddr returns the peer's UDP address.
func (c *Conn) RemoteAddr() *net.UDPAddr {
	return c.remote
}

// LastActivity returns the time of the last send or accepted receive.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Send encrypts data under the next send nonce and writes one DATA frame.
func (c *Conn) Send(data []byte) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	if len(data) > c.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(data), c.cfg.MaxPayloadBytes)
	}

	counter := c.sendNonce.Add(1) - 1
	header := frameHeader(c.connID, msgData)
	nonce := dataNonce(counter)

	ciphertext, err := c.suite.AEADSeal(c.encKey[:], nonce[:], data, header)
	if err != nil {
		return err
	}
	if err := c.sendRaw(append(header, ciphertext...)); err != nil {
		return fmt.Errorf("%w: send to %s: %w", ErrNetwork, c.remote, err)
	}
	c.touch()
	return nil
}

// SendKeepAlive writes an empty KA frame to refresh the peer's activity
// clock.
func (c *Conn) SendKeepAlive() error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	if err := c.sendRaw(frameHeader(c.connID, msgKeepAlive)); err != nil {
		return fmt.Errorf("%w: keep-alive to %s: %w", ErrNetwork, c.remote, err)
	}
	c.touch()
	return nil
}

// Receive blocks until a DATA frame is accepted, the receive timeout
// expires, ctx is cancelled, or the connection closes. Frames failing
// authentication, replay, or demux checks are dropped silently: they are
// counted and logged at debug, never surfaced as errors.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(c.cfg.ReceiveTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrConnectionClosed
		case <-timer.C:
			return nil, fmt.Errorf("%w: no data within %s", ErrReceiveTimeout, c.cfg.ReceiveTimeout)
		case datagram := <-c.inbound:
			if payload, deliver := c.processDatagram(datagram); deliver {
				return payload, nil
			}
		}
	}
}

// Close sends a best-effort CLOSE frame and tears down local state.
// Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.sendRaw(frameHeader(c.connID, msgClose))
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// closeLocal tears down without notifying the peer. Used when the peer
// already sent CLOSE, when an unaccepted pending connection expires, and
// when the accept backlog is full.
func (c *Conn) closeLocal() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// enqueue hands a raw datagram from a socket read loop to Receive.
// Overflow beyond the backlog is dropped.
func (c *Conn) enqueue(datagram []byte) {
	select {
	case c.inbound <- datagram:
	default:
		c.log.Debug("inbound backlog full, dropping datagram", "connID", c.connID)
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = c.clock.Time()
	c.mu.Unlock()
}

// processDatagram validates and dispatches one datagram. deliver is true
// only for an accepted DATA frame, in which case payload carries the
// plaintext.
func (c *Conn) processDatagram(datagram []byte) (payload []byte, deliver bool) {
	connID, msgType, body, ok := parseHeader(datagram)
	if !ok {
		c.metrics.droppedMalformed.Inc()
		return nil, false
	}
	if connID != c.connID {
		c.metrics.droppedBadSource.Inc()
		c.log.Debug("dropping frame with mismatched connection id",
			"want", c.connID,
			"got", connID,
		)
		return nil, false
	}

	switch msgType {
	case msgData:
		return c.openData(datagram[:HeaderLen], body)
	case msgKeepAlive:
		c.touch()
		return nil, false
	case msgClose:
		c.log.Debug("peer closed connection", "connID", c.connID)
		c.closeLocal()
		return nil, false
	case msgHandshake, msgHandshakeResp:
		// Late or duplicate handshake traffic on an established session.
		c.metrics.droppedUnknownType.Inc()
		return nil, false
	default:
		c.metrics.droppedUnknownType.Inc()
		c.log.Debug("dropping frame with unknown message type", "type", msgType)
		return nil, false
	}
}

// openData trial-decrypts a DATA frame against the replay window's
// candidate counters. The counter is not on the wire, so decryption itself
// identifies it: exactly one nonce authenticates for an honest frame.
func (c *Conn) openData(header, ciphertext []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, counter := range c.recvWindow.candidates() {
		nonce := dataNonce(counter)
		plaintext, err := c.suite.AEADOpen(c.encKey[:], nonce[:], ciphertext, header)
		if err != nil {
			continue
		}
		if c.recvWindow.seen(counter) {
			c.metrics.droppedReplay.Inc()
			c.log.Debug("dropping replayed frame", "connID", c.connID, "counter", counter)
			return nil, false
		}
		c.recvWindow.mark(counter)
		c.lastActivity = c.clock.Time()
		return plaintext, true
	}

	c.metrics.droppedAuthFailure.Inc()
	c.log.Debug("dropping unauthenticated frame", "connID", c.connID)
	return nil, false
}
