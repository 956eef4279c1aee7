// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds the runtime options recognized by the DSM core. The
// host supplies values; the core performs no environment, file, or flag
// parsing.
package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultReceiveTimeout   = 2 * time.Second
	DefaultIdleEviction     = 5 * time.Minute

	// DefaultMaxPayloadBytes is the largest plaintext a single DATA frame
	// can carry: max UDP payload minus the 9-byte header and 16-byte tag.
	DefaultMaxPayloadBytes = 65482

	// DefaultMaxOperationBytes caps a canonical operation encoding.
	DefaultMaxOperationBytes = 1 << 20

	DefaultRecoveryThreshold = 1
)

var (
	errNonPositiveTimeout   = errors.New("timeouts must be positive")
	errNonPositiveCap       = errors.New("size caps must be positive")
	errPayloadCapTooLarge   = errors.New("max payload exceeds UDP frame budget")
	errThresholdBelowOne    = errors.New("recovery threshold must be >= 1")
)

// Config contains the DSM core configuration.
type Config struct {
	// HandshakeTimeout bounds a pending transport handshake.
	HandshakeTimeout time.Duration `json:"handshakeTimeoutMs"`

	// ReceiveTimeout bounds a single Receive call.
	ReceiveTimeout time.Duration `json:"receiveTimeoutMs"`

	// IdleEviction is the TTL after which idle connections are reaped.
	IdleEviction time.Duration `json:"idleEvictionSecs"`

	// MaxPayloadBytes caps a DATA frame plaintext.
	MaxPayloadBytes int `json:"maxPayloadBytes"`

	// MaxOperationBytes caps a canonical operation encoding.
	MaxOperationBytes int `json:"maxOperationBytes"`

	// RecoveryThreshold gates emergency recovery flows.
	RecoveryThreshold uint32 `json:"recoveryThreshold"`
}

// DefaultConfig returns the default core configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  DefaultHandshakeTimeout,
		ReceiveTimeout:    DefaultReceiveTimeout,
		IdleEviction:      DefaultIdleEviction,
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		MaxOperationBytes: DefaultMaxOperationBytes,
		RecoveryThreshold: DefaultRecoveryThreshold,
	}
}

// Validate returns an error if the configuration is unusable.
func (c *Config) Validate() error {
	switch {
	case c.HandshakeTimeout <= 0 || c.ReceiveTimeout <= 0 || c.IdleEviction <= 0:
		return errNonPositiveTimeout
	case c.MaxPayloadBytes <= 0 || c.MaxOperationBytes <= 0:
		return errNonPositiveCap
	case c.MaxPayloadBytes > DefaultMaxPayloadBytes:
		return fmt.Errorf("%w: %d > %d", errPayloadCapTooLarge, c.MaxPayloadBytes, DefaultMaxPayloadBytes)
	case c.RecoveryThreshold < 1:
		return errThresholdBelowOne
	}
	return nil
}
