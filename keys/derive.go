// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package keys derives master and device key material from recovery
// entropy. All derivations are deterministic: for a given entropy and
// device index the outputs are bit-identical across runs and platforms.
package keys

import (
	"encoding/binary"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

const (
	// MasterKeyLen is the derived master key length
	MasterKeyLen = 32
	// DeviceKeyLen is the derived device key length
	DeviceKeyLen = 32
	// EntropyLen is the entropy produced from a seed phrase
	EntropyLen = 32
)

// Domain separation labels mixed into the derivation hashes. Changing
// either breaks every existing identity.
var (
	masterKeyLabel = []byte("master_key")
	deviceKeyLabel = []byte("device_key")
)

// EntropyFromSeed maps a recovery phrase to raw entropy. The phrase is
// whitespace-normalized, then expanded through SHAKE256.
func EntropyFromSeed(phrase string) []byte {
	normalized := strings.Join(strings.Fields(phrase), " ")

	out := make([]byte, EntropyLen)
	shake := sha3.NewShake256()
	shake.Write([]byte(normalized))
	shake.Read(out)
	return out
}

// DeriveMasterKey derives the master key and its 32-bit fingerprint from
// recovery entropy.
//
//	master      = BLAKE3(entropy || "master_key")
//	fingerprint = big-endian uint32 of BLAKE3(master)[0:4]
func DeriveMasterKey(entropy []byte) ([MasterKeyLen]byte, uint32) {
	buf := make([]byte, 0, len(entropy)+len(masterKeyLabel))
	buf = append(buf, entropy...)
	buf = append(buf, masterKeyLabel...)
	master := blake3.Sum256(buf)

	digest := blake3.Sum256(master[:])
	fingerprint := binary.BigEndian.Uint32(digest[:4])
	return master, fingerprint
}

// DeriveDeviceKey derives the public device key for deviceIndex.
//
//	device = BLAKE3(master || index_le || "device_key")
func DeriveDeviceKey(master [MasterKeyLen]byte, deviceIndex uint32) [DeviceKeyLen]byte {
	buf := make([]byte, 0, MasterKeyLen+4+len(deviceKeyLabel))
	buf = append(buf, master[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, deviceIndex)
	buf = append(buf, deviceKeyLabel...)
	return blake3.Sum256(buf)
}
