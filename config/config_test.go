// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConfig()
	require.NoError(cfg.Validate())
	require.Equal(5*time.Second, cfg.HandshakeTimeout)
	require.Equal(2*time.Second, cfg.ReceiveTimeout)
	require.Equal(5*time.Minute, cfg.IdleEviction)
	require.Equal(65482, cfg.MaxPayloadBytes)
	require.Equal(1<<20, cfg.MaxOperationBytes)
	require.Equal(uint32(1), cfg.RecoveryThreshold)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero handshake timeout", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"negative receive timeout", func(c *Config) { c.ReceiveTimeout = -time.Second }},
		{"zero idle eviction", func(c *Config) { c.IdleEviction = 0 }},
		{"zero payload cap", func(c *Config) { c.MaxPayloadBytes = 0 }},
		{"oversized payload cap", func(c *Config) { c.MaxPayloadBytes = DefaultMaxPayloadBytes + 1 }},
		{"zero operation cap", func(c *Config) { c.MaxOperationBytes = 0 }},
		{"zero recovery threshold", func(c *Config) { c.RecoveryThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
