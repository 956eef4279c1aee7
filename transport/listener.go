// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/luxfi/dsm/crypto"
)

// acceptBacklog bounds handshaken connections awaiting Accept.
const acceptBacklog = 64

// pendingConn is a handshaken connection that has not been accepted yet.
// Entries expire after the handshake timeout and are reaped on each accept
// pass.
type pendingConn struct {
	conn    *Conn
	created time.Time
}

// Listener accepts secure UDP connections on a shared socket. Accepted
// connections multiplex over the listener's socket; the socket lives as
// long as its longest holder.
type Listener struct {
	opts    Options
	metrics *metrics
	socket  *net.UDPConn

	mu      sync.RWMutex
	active  map[string]*Conn
	pending map[uint64]*pendingConn

	acceptQueue chan *Conn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds addr and starts serving handshakes.
func Listen(addr *net.UDPAddr, opts Options) (*Listener, error) {
	o := opts.withDefaults()
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, err
	}

	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %w", ErrNetwork, addr, err)
	}

	l := &Listener{
		opts:        o,
		metrics:     m,
		socket:      socket,
		active:      make(map[string]*Conn),
		pending:     make(map[uint64]*pendingConn),
		acceptQueue: make(chan *Conn, acceptBacklog),
		closed:      make(chan struct{}),
	}

	l.wg.Add(2)
	go l.readLoop()
	go l.reapLoop()
	return l, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.socket.LocalAddr().(*net.UDPAddr)
}

// Accept returns the next newly handshaken connection. Expired pending
// entries are reaped on each pass.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		l.reapPending()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.closed:
			return nil, ErrListenerClosed
		case conn := <-l.acceptQueue:
			l.mu.Lock()
			_, live := l.pending[conn.connID]
			delete(l.pending, conn.connID)
			l.mu.Unlock()

			if !live || conn.isClosed() {
				continue
			}
			return conn, nil
		}
	}
}

// Close tears down the listener, every connection it produced, and the
// background loops. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)

		l.mu.Lock()
		conns := make([]*Conn, 0, len(l.active))
		for _, c := range l.active {
			conns = append(conns, c)
		}
		l.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		_ = l.socket.Close()
	})
	l.wg.Wait()
	return nil
}

// NumActive returns the size of the active-connection table.
func (l *Listener) NumActive() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.active)
}

// readLoop demultiplexes datagrams: frames for active connections are
// enqueued on them, handshakes from unknown addresses are answered, and
// everything else is dropped.
func (l *Listener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, MaxUDPPayload)
	for {
		n, src, err := l.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		connID, msgType, body, ok := parseHeader(datagram)
		if !ok {
			l.metrics.droppedMalformed.Inc()
			continue
		}

		l.mu.RLock()
		conn := l.active[src.String()]
		l.mu.RUnlock()

		if conn != nil {
			if msgType == msgHandshake {
				// Handshakes from addresses already in the active table are
				// ignored.
				l.opts.Log.Debug("ignoring handshake from active address", "src", src.String())
				continue
			}
			conn.enqueue(datagram)
			continue
		}

		if msgType != msgHandshake {
			l.metrics.droppedBadSource.Inc()
			l.opts.Log.Debug("dropping non-handshake frame from unknown source", "src", src.String())
			continue
		}
		l.handleHandshake(connID, src, body)
	}
}

// handleHandshake validates an HS frame, answers with HS_RESP, and installs
// the resulting connection. Invalid handshakes are counted and dropped
// without a response.
func (l *Listener) handleHandshake(connID uint64, src *net.UDPAddr, body []byte) {
	o := l.opts

	hello, err := parseHandshakePayload(body)
	if err != nil {
		l.metrics.handshakesRejected.Inc()
		o.Log.Debug("rejecting malformed handshake", "src", src.String(), "error", err)
		return
	}
	if err := validateHandshake(hello, o.Clock.Unix()); err != nil {
		l.metrics.handshakesRejected.Inc()
		o.Log.Debug("rejecting handshake", "src", src.String(), "error", err)
		return
	}
	if len(o.RemoteIdentityKey) != 0 {
		if !crypto.EqualConstantTime(hello.IdentityKey, o.RemoteIdentityKey) ||
			!o.Suite.Verify(o.RemoteIdentityKey, hello.KEMPublicKey, hello.Signature) {
			l.metrics.handshakesRejected.Inc()
			o.Log.Debug("rejecting handshake with bad identity", "src", src.String())
			return
		}
	}

	l.mu.RLock()
	_, duplicate := l.pending[connID]
	l.mu.RUnlock()
	if duplicate {
		return
	}

	// Responder nonce must differ from the initiator's; regenerate on the
	// (astronomically unlikely) collision.
	var nonceR [handshakeNonceLen]byte
	for {
		if _, err := rand.Read(nonceR[:]); err != nil {
			l.metrics.handshakesRejected.Inc()
			o.Log.Error("failed to generate handshake nonce", "error", err)
			return
		}
		if nonceR != hello.Nonce {
			break
		}
	}

	kemPK, kemSK, err := o.Suite.KEMGenerate()
	if err != nil {
		l.metrics.handshakesRejected.Inc()
		o.Log.Error("failed to generate handshake keypair", "error", err)
		return
	}
	defer crypto.Wipe(kemSK)

	ct, ss, err := o.Suite.KEMEncapsulate(hello.KEMPublicKey)
	if err != nil {
		l.metrics.handshakesRejected.Inc()
		o.Log.Debug("rejecting handshake with bad KEM key", "src", src.String(), "error", err)
		return
	}
	defer crypto.Wipe(ss)

	resp := &handshakePayload{
		Version:       HandshakeVersion,
		Timestamp:     o.Clock.Unix(),
		Nonce:         nonceR,
		KEMPublicKey:  kemPK,
		KEMCiphertext: ct,
	}
	if o.Identity != nil {
		signed := append(append([]byte{}, kemPK...), ct...)
		sig, err := o.Suite.Sign(o.Identity.PrivateKey, signed)
		if err != nil {
			l.metrics.handshakesRejected.Inc()
			o.Log.Error("failed to sign handshake", "error", err)
			return
		}
		resp.IdentityKey = o.Identity.PublicKey
		resp.Signature = sig
	}
	respBytes, err := resp.bytes()
	if err != nil {
		l.metrics.handshakesRejected.Inc()
		return
	}

	frame := append(frameHeader(connID, msgHandshakeResp), respBytes...)
	if _, err := l.socket.WriteToUDP(frame, src); err != nil {
		l.metrics.handshakesRejected.Inc()
		o.Log.Debug("failed to send handshake response", "src", src.String(), "error", err)
		return
	}

	encKey, macKey := deriveSessionKeys(o.Suite, ss, hello.Nonce, nonceR, hello.KEMPublicKey, kemPK)

	addrKey := src.String()
	conn := newConn(connID, l.Addr(), src, encKey, macKey, o, l.metrics,
		func(pkt []byte) error {
			_, err := l.socket.WriteToUDP(pkt, src)
			return err
		},
		func() {
			l.mu.Lock()
			delete(l.active, addrKey)
			l.mu.Unlock()
		},
	)

	l.mu.Lock()
	l.active[addrKey] = conn
	l.pending[connID] = &pendingConn{conn: conn, created: o.Clock.Time()}
	l.mu.Unlock()

	select {
	case l.acceptQueue <- conn:
		l.metrics.handshakesCompleted.Inc()
		o.Log.Info("connection established",
			"connID", connID,
			"remote", addrKey,
		)
	default:
		// Accept backlog full: drop the connection outright so the peer
		// retries against fresh listener state.
		l.mu.Lock()
		delete(l.pending, connID)
		l.mu.Unlock()
		conn.closeLocal()
		l.metrics.handshakesRejected.Inc()
	}
}

// reapPending expires handshaken connections that were never accepted.
func (l *Listener) reapPending() {
	cutoff := l.opts.Clock.Time().Add(-l.opts.Config.HandshakeTimeout)

	l.mu.Lock()
	var expired []*Conn
	for id, p := range l.pending {
		if p.created.Before(cutoff) {
			expired = append(expired, p.conn)
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()

	for _, c := range expired {
		c.closeLocal()
	}
}

// reapLoop evicts connections idle longer than the configured TTL.
func (l *Listener) reapLoop() {
	defer l.wg.Done()

	interval := l.opts.Config.IdleEviction / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			l.reapPending()

			cutoff := l.opts.Clock.Time().Add(-l.opts.Config.IdleEviction)
			l.mu.RLock()
			var idle []*Conn
			for _, c := range l.active {
				if c.LastActivity().Before(cutoff) {
					idle = append(idle, c)
				}
			}
			l.mu.RUnlock()

			for _, c := range idle {
				l.opts.Log.Debug("evicting idle connection", "connID", c.connID)
				_ = c.Close()
			}
		}
	}
}
