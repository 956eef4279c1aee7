// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/luxfi/dsm/crypto"
)

// Dial performs the initiator side of the handshake against remote and
// returns the established connection. The connection owns its socket.
func Dial(ctx context.Context, remote *net.UDPAddr, opts Options) (*Conn, error) {
	o := opts.withDefaults()
	if err := o.Config.Validate(); err != nil {
		return nil, err
	}
	m, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, err
	}

	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: bind: %w", ErrNetwork, err)
	}

	conn, err := dial(ctx, socket, remote, o, m)
	if err != nil {
		_ = socket.Close()
		return nil, err
	}
	return conn, nil
}

func dial(ctx context.Context, socket *net.UDPConn, remote *net.UDPAddr, o Options, m *metrics) (*Conn, error) {
	connID, err := randomConnID()
	if err != nil {
		return nil, err
	}

	kemPK, kemSK, err := o.Suite.KEMGenerate()
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(kemSK)

	var nonceI [handshakeNonceLen]byte
	if _, err := rand.Read(nonceI[:]); err != nil {
		return nil, fmt.Errorf("failed to generate handshake nonce: %w", err)
	}

	hello := &handshakePayload{
		Version:      HandshakeVersion,
		Timestamp:    o.Clock.Unix(),
		Nonce:        nonceI,
		KEMPublicKey: kemPK,
	}
	if o.Identity != nil {
		sig, err := o.Suite.Sign(o.Identity.PrivateKey, kemPK)
		if err != nil {
			return nil, fmt.Errorf("%w: identity signing: %w", ErrHandshakeFailure, err)
		}
		hello.IdentityKey = o.Identity.PublicKey
		hello.Signature = sig
	}
	helloBytes, err := hello.bytes()
	if err != nil {
		return nil, err
	}

	frame := append(frameHeader(connID, msgHandshake), helloBytes...)
	if _, err := socket.WriteToUDP(frame, remote); err != nil {
		return nil, fmt.Errorf("%w: handshake send to %s: %w", ErrNetwork, remote, err)
	}

	resp, err := awaitHandshakeResp(ctx, socket, remote, connID, o)
	if err != nil {
		return nil, err
	}

	if err := validateHandshake(resp, o.Clock.Unix()); err != nil {
		return nil, err
	}
	if resp.Nonce == nonceI {
		return nil, fmt.Errorf("%w: responder echoed our nonce", ErrHandshakeFailure)
	}
	if len(o.RemoteIdentityKey) != 0 {
		signed := append(append([]byte{}, resp.KEMPublicKey...), resp.KEMCiphertext...)
		if !crypto.EqualConstantTime(resp.IdentityKey, o.RemoteIdentityKey) ||
			!o.Suite.Verify(o.RemoteIdentityKey, signed, resp.Signature) {
			return nil, fmt.Errorf("%w: responder identity verification failed", ErrHandshakeFailure)
		}
	}

	ss, err := o.Suite.KEMDecapsulate(kemSK, resp.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeFailure, err)
	}
	encKey, macKey := deriveSessionKeys(o.Suite, ss, nonceI, resp.Nonce, kemPK, resp.KEMPublicKey)
	crypto.Wipe(ss)

	local := socket.LocalAddr().(*net.UDPAddr)
	conn := newConn(connID, local, remote, encKey, macKey, o, m,
		func(pkt []byte) error {
			_, err := socket.WriteToUDP(pkt, remote)
			return err
		},
		func() {
			_ = socket.Close()
		},
	)
	m.handshakesCompleted.Inc()
	o.Log.Info("connection established",
		"connID", connID,
		"remote", remote.String(),
	)

	go conn.readLoop(socket)
	return conn, nil
}

// awaitHandshakeResp reads datagrams until a well-addressed HS_RESP for
// connID arrives or the handshake deadline passes. Unrelated traffic is
// skipped, not fatal.
func awaitHandshakeResp(ctx context.Context, socket *net.UDPConn, remote *net.UDPAddr, connID uint64, o Options) (*handshakePayload, error) {
	deadline := time.Now().Add(o.Config.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := socket.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer socket.SetReadDeadline(time.Time{})

	// Unblock the read when the caller cancels.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = socket.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	buf := make([]byte, MaxUDPPayload)
	for {
		n, src, err := socket.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, fmt.Errorf("%w: no response from %s within %s",
					ErrHandshakeTimeout, remote, o.Config.HandshakeTimeout)
			}
			return nil, fmt.Errorf("%w: handshake read: %w", ErrNetwork, err)
		}
		if !udpAddrEqual(src, remote) {
			continue
		}

		gotID, msgType, body, ok := parseHeader(buf[:n])
		if !ok || gotID != connID || msgType != msgHandshakeResp {
			continue
		}
		return parseHandshakePayload(body)
	}
}

// validateHandshake applies the checks shared by both roles: version and
// timestamp freshness.
func validateHandshake(h *handshakePayload, now uint64) error {
	if h.Version != HandshakeVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrHandshakeFailure, h.Version)
	}
	if !timestampFresh(now, h.Timestamp) {
		return fmt.Errorf("%w: timestamp outside %ds window", ErrHandshakeFailure, timestampSkewSecs)
	}
	return nil
}

// readLoop pumps datagrams from a connection-owned socket into the inbound
// queue, filtering on source address. It exits when the socket closes.
func (c *Conn) readLoop(socket *net.UDPConn) {
	buf := make([]byte, MaxUDPPayload)
	for {
		n, src, err := socket.ReadFromUDP(buf)
		if err != nil {
			if c.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if !udpAddrEqual(src, c.remote) {
			c.metrics.droppedBadSource.Inc()
			c.log.Debug("dropping datagram from unexpected source", "src", src.String())
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		c.enqueue(datagram)
	}
}

func randomConnID() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("failed to generate connection id: %w", err)
		}
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id, nil
		}
	}
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
