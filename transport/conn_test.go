// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dsm/config"
	"github.com/luxfi/dsm/crypto"
	"github.com/luxfi/dsm/utils/timer/mockable"
)

func testOptions(suite crypto.Suite) Options {
	cfg := config.DefaultConfig()
	cfg.HandshakeTimeout = time.Second
	cfg.ReceiveTimeout = 250 * time.Millisecond
	return Options{
		Config: cfg,
		Suite:  suite,
		Log:    log.NoLog{},
	}
}

func loopbackAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

// newTestPair establishes a client/server connection pair over loopback.
func newTestPair(t *testing.T, clientOpts, serverOpts Options) (*Conn, *Conn, *Listener) {
	t.Helper()
	require := require.New(t)

	l, err := Listen(loopbackAddr(), serverOpts)
	require.NoError(err)
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type dialResult struct {
		conn *Conn
		err  error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		conn, err := Dial(ctx, l.Addr(), clientOpts)
		dialed <- dialResult{conn, err}
	}()

	server, err := l.Accept(ctx)
	require.NoError(err)

	res := <-dialed
	require.NoError(res.err)
	t.Cleanup(func() { _ = res.conn.Close() })

	return res.conn, server, l
}

func TestHandshakeAndData(t *testing.T) {
	require := require.New(t)

	client, server, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	require.Equal(client.ConnectionID(), server.ConnectionID())

	ctx := context.Background()
	require.NoError(client.Send([]byte("hello")))
	got, err := server.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), got)

	require.NoError(server.Send([]byte("world")))
	got, err = client.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("world"), got)
}

// Both sides of a real ML-KEM handshake derive identical session keys, and
// a DATA frame round-trips.
func TestHandshakeRealSuite(t *testing.T) {
	require := require.New(t)

	client, server, _ := newTestPair(t, testOptions(crypto.NewSuite()), testOptions(crypto.NewSuite()))

	require.Equal(client.encKey, server.encKey)
	require.Equal(client.macKey, server.macKey)
	require.NotEqual(client.encKey, client.macKey)

	require.NoError(client.Send([]byte("hello")))
	got, err := server.Receive(context.Background())
	require.NoError(err)
	require.Equal([]byte("hello"), got)
}

// Replaying a captured DATA datagram must not surface a second payload.
func TestReplayRejection(t *testing.T) {
	require := require.New(t)

	suite := crypto.NewMockSuite()
	client, server, _ := newTestPair(t, testOptions(suite), testOptions(suite))

	ctx := context.Background()
	require.NoError(client.Send([]byte("hello")))
	got, err := server.Receive(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), got)

	// Rebuild the exact datagram that carried counter 0 and replay it from
	// the same source address.
	header := frameHeader(client.connID, msgData)
	nonce := dataNonce(0)
	ct, err := suite.AEADSeal(client.encKey[:], nonce[:], []byte("hello"), header)
	require.NoError(err)
	require.NoError(client.sendRaw(append(header, ct...)))

	_, err = server.Receive(ctx)
	require.ErrorIs(err, ErrReceiveTimeout)
	require.Equal(float64(1), testutil.ToFloat64(server.metrics.droppedReplay))
}

// Wire nonces are strictly increasing within a connection.
func TestNonceMonotonicity(t *testing.T) {
	require := require.New(t)

	client, server, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	payloads := [][]byte{{0}, {1}, {2}}
	for _, p := range payloads {
		require.NoError(client.Send(p))
	}
	require.Equal(uint64(3), client.sendNonce.Load())

	ctx := context.Background()
	for _, want := range payloads {
		got, err := server.Receive(ctx)
		require.NoError(err)
		require.Equal(want, got)
	}
	require.Equal(uint64(2), server.recvWindow.maxSeen)
}

func TestReceiveTimeout(t *testing.T) {
	require := require.New(t)

	_, server, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	start := time.Now()
	_, err := server.Receive(context.Background())
	require.ErrorIs(err, ErrReceiveTimeout)
	require.GreaterOrEqual(time.Since(start), 200*time.Millisecond)
}

func TestReceiveCancellation(t *testing.T) {
	require := require.New(t)

	_, server, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := server.Receive(ctx)
	require.ErrorIs(err, context.Canceled)
}

func TestPeerClose(t *testing.T) {
	require := require.New(t)

	client, server, l := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	require.NoError(client.Close())
	// Close is idempotent
	require.NoError(client.Close())

	_, err := server.Receive(context.Background())
	require.ErrorIs(err, ErrConnectionClosed)
	require.ErrorIs(server.Send([]byte("x")), ErrConnectionClosed)
	require.Equal(0, l.NumActive())

	require.ErrorIs(client.Send([]byte("x")), ErrConnectionClosed)
}

func TestMessageTooLarge(t *testing.T) {
	require := require.New(t)

	client, _, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	err := client.Send(make([]byte, MaxDataPayload+1))
	require.ErrorIs(err, ErrMessageTooLarge)
}

func TestKeepAliveRefreshesActivity(t *testing.T) {
	require := require.New(t)

	client, server, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	before := server.LastActivity()
	time.Sleep(10 * time.Millisecond)
	require.NoError(client.SendKeepAlive())

	// The KA is consumed inside Receive, which then times out with no data.
	_, err := server.Receive(context.Background())
	require.ErrorIs(err, ErrReceiveTimeout)
	require.True(server.LastActivity().After(before))
}

func TestIdleEviction(t *testing.T) {
	require := require.New(t)

	serverOpts := testOptions(crypto.NewMockSuite())
	serverOpts.Config.IdleEviction = 75 * time.Millisecond

	client, _, l := newTestPair(t, testOptions(crypto.NewMockSuite()), serverOpts)
	require.Equal(1, l.NumActive())

	require.Eventually(func() bool {
		return l.NumActive() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// The reaper's CLOSE frame shuts the client side down too.
	_, err := client.Receive(context.Background())
	require.ErrorIs(err, ErrConnectionClosed)
}

func TestWrongConnIDDropped(t *testing.T) {
	require := require.New(t)

	client, server, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	require.NoError(client.sendRaw(frameHeader(client.connID+1, msgKeepAlive)))

	_, err := server.Receive(context.Background())
	require.ErrorIs(err, ErrReceiveTimeout)
	require.Equal(float64(1), testutil.ToFloat64(server.metrics.droppedBadSource))
}

func TestGarbageCiphertextDroppedSilently(t *testing.T) {
	require := require.New(t)

	client, server, _ := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	header := frameHeader(client.connID, msgData)
	garbage := append(header, make([]byte, 64)...)
	require.NoError(client.sendRaw(garbage))

	_, err := server.Receive(context.Background())
	require.ErrorIs(err, ErrReceiveTimeout)
	require.Equal(float64(1), testutil.ToFloat64(server.metrics.droppedAuthFailure))
}

func TestHandshakeFromActiveAddressIgnored(t *testing.T) {
	require := require.New(t)

	client, server, l := newTestPair(t, testOptions(crypto.NewMockSuite()), testOptions(crypto.NewMockSuite()))

	hello := &handshakePayload{
		Version:      HandshakeVersion,
		Timestamp:    uint64(time.Now().Unix()),
		KEMPublicKey: []byte("junk"),
	}
	payload, err := hello.bytes()
	require.NoError(err)
	require.NoError(client.sendRaw(append(frameHeader(client.connID, msgHandshake), payload...)))

	time.Sleep(50 * time.Millisecond)
	require.Equal(1, l.NumActive())

	// The session remains usable.
	require.NoError(client.Send([]byte("still here")))
	got, err := server.Receive(context.Background())
	require.NoError(err)
	require.Equal([]byte("still here"), got)
}

// A handshake whose timestamp falls outside the 30 second window is
// rejected.
func TestTimestampSkewRejected(t *testing.T) {
	require := require.New(t)

	suite := crypto.NewMockSuite()
	serverOpts := testOptions(suite)
	clk := &mockable.Clock{}
	clk.Set(time.Now().Add(2 * time.Minute))
	serverOpts.Clock = clk

	l, err := Listen(loopbackAddr(), serverOpts)
	require.NoError(err)
	defer l.Close()

	clientOpts := testOptions(suite)
	clientOpts.Config.HandshakeTimeout = 300 * time.Millisecond

	_, err = Dial(context.Background(), l.Addr(), clientOpts)
	require.ErrorIs(err, ErrHandshakeTimeout)
	require.Equal(float64(1), testutil.ToFloat64(l.metrics.handshakesRejected))
}

func TestDialTimeout(t *testing.T) {
	require := require.New(t)

	opts := testOptions(crypto.NewMockSuite())
	opts.Config.HandshakeTimeout = 200 * time.Millisecond

	// Nothing listens here.
	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	_, err := Dial(context.Background(), dead, opts)
	require.ErrorIs(err, ErrHandshakeTimeout)
}

func TestDialCancellation(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	_, err := Dial(ctx, dead, testOptions(crypto.NewMockSuite()))
	require.ErrorIs(err, context.Canceled)
}

func TestIdentityPinning(t *testing.T) {
	require := require.New(t)

	suite := crypto.NewMockSuite()
	pk, sk, err := suite.SignGenerate()
	require.NoError(err)

	serverOpts := testOptions(suite)
	serverOpts.Identity = &Identity{PublicKey: pk, PrivateKey: sk}

	clientOpts := testOptions(suite)
	clientOpts.RemoteIdentityKey = pk

	client, server, _ := newTestPair(t, clientOpts, serverOpts)
	require.NoError(client.Send([]byte("authenticated")))
	got, err := server.Receive(context.Background())
	require.NoError(err)
	require.Equal([]byte("authenticated"), got)
}

func TestIdentityPinningRejectsImpostor(t *testing.T) {
	require := require.New(t)

	suite := crypto.NewMockSuite()
	realPK, realSK, err := suite.SignGenerate()
	require.NoError(err)
	otherPK, _, err := suite.SignGenerate()
	require.NoError(err)

	serverOpts := testOptions(suite)
	serverOpts.Identity = &Identity{PublicKey: realPK, PrivateKey: realSK}

	l, err := Listen(loopbackAddr(), serverOpts)
	require.NoError(err)
	defer l.Close()

	clientOpts := testOptions(suite)
	clientOpts.Config.HandshakeTimeout = 500 * time.Millisecond
	clientOpts.RemoteIdentityKey = otherPK

	_, err = Dial(context.Background(), l.Addr(), clientOpts)
	require.ErrorIs(err, ErrHandshakeFailure)
}

func TestListenerRejectsUnsignedHandshake(t *testing.T) {
	require := require.New(t)

	suite := crypto.NewMockSuite()
	pk, _, err := suite.SignGenerate()
	require.NoError(err)

	serverOpts := testOptions(suite)
	serverOpts.RemoteIdentityKey = pk

	l, err := Listen(loopbackAddr(), serverOpts)
	require.NoError(err)
	defer l.Close()

	clientOpts := testOptions(suite)
	clientOpts.Config.HandshakeTimeout = 300 * time.Millisecond

	_, err = Dial(context.Background(), l.Addr(), clientOpts)
	require.ErrorIs(err, ErrHandshakeTimeout)
	require.Equal(float64(1), testutil.ToFloat64(l.metrics.handshakesRejected))
}

func TestListenerClose(t *testing.T) {
	require := require.New(t)

	l, err := Listen(loopbackAddr(), testOptions(crypto.NewMockSuite()))
	require.NoError(err)

	require.NoError(l.Close())
	require.NoError(l.Close())

	_, err = l.Accept(context.Background())
	require.ErrorIs(err, ErrListenerClosed)
}

func TestAcceptCancellation(t *testing.T) {
	require := require.New(t)

	l, err := Listen(loopbackAddr(), testOptions(crypto.NewMockSuite()))
	require.NoError(err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Accept(ctx)
	require.ErrorIs(err, context.DeadlineExceeded)
}
