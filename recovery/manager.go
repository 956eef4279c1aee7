// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package recovery reconstructs a state machine from recovery entropy and a
// replay log of operations. Normal reconstruction needs only the entropy;
// emergency replay is gated behind a multi-party approval threshold.
package recovery

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/luxfi/log"
	"github.com/zeebo/blake3"

	"github.com/luxfi/dsm/crypto"
	"github.com/luxfi/dsm/keys"
	"github.com/luxfi/dsm/statemachine"
	"github.com/luxfi/dsm/types"
)

var (
	ErrInvalidThreshold = errors.New("recovery threshold must be >= 1")
	ErrThresholdNotMet  = errors.New("not enough distinct approvals for emergency recovery")
	ErrHeadMismatch     = errors.New("reconstructed head does not match expected hash")
)

// emergencyLabel is the domain separator for emergency approval signatures.
var emergencyLabel = []byte("dsm_emergency")

// RecoveryError reports the operation index at which replay failed. No
// partial machine is returned alongside it.
type RecoveryError struct {
	Index int
	Cause error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed at operation %d: %v", e.Index, e.Cause)
}

func (e *RecoveryError) Unwrap() error {
	return e.Cause
}

// Approval is one party's consent to an emergency replay: an SLH-DSA
// signature over the emergency message by the named approver key.
type Approval struct {
	ApproverKey []byte
	Signature   []byte
}

// Manager rebuilds chains from seed entropy.
type Manager struct {
	log       log.Logger
	suite     crypto.Suite
	threshold uint32
}

// NewManager returns a manager whose emergency flows require threshold
// distinct approvals.
func NewManager(logger log.Logger, suite crypto.Suite, threshold uint32) (*Manager, error) {
	if threshold < 1 {
		return nil, ErrInvalidThreshold
	}
	return &Manager{
		log:       logger,
		suite:     suite,
		threshold: threshold,
	}, nil
}

// Threshold returns the emergency approval threshold.
func (m *Manager) Threshold() uint32 {
	return m.threshold
}

// Reconstruct derives the device identity from entropy, seeds a genesis,
// and replays ops in order. Reconstruction is deterministic: two runs over
// the same inputs produce byte-identical head states.
func (m *Manager) Reconstruct(entropy []byte, deviceIndex uint32, ops []types.Operation) (*statemachine.Machine, error) {
	master, fingerprint := keys.DeriveMasterKey(entropy)
	deviceKey := keys.DeriveDeviceKey(master, deviceIndex)

	device := types.DeviceInfo{
		DeviceID:  "device_" + hex.EncodeToString(deviceKey[:4]),
		DeviceKey: deviceKey[:],
	}

	machine := statemachine.New(m.log)
	if _, err := machine.Genesis(deviceKey[4:20], device); err != nil {
		return nil, &RecoveryError{Index: 0, Cause: err}
	}

	for i, op := range ops {
		if _, err := machine.ExecuteTransition(op); err != nil {
			return nil, &RecoveryError{Index: i, Cause: err}
		}
	}

	m.log.Info("chain reconstructed",
		"deviceID", device.DeviceID,
		"fingerprint", fingerprint,
		"operations", len(ops),
	)
	return machine, nil
}

// VerifyAgainst checks a reconstructed machine's head hash against an
// externally known value.
func (m *Manager) VerifyAgainst(machine *statemachine.Machine, expectedHeadHash [types.HashLen]byte) error {
	head, ok := machine.CurrentState()
	if !ok {
		return statemachine.ErrNoCurrentState
	}
	if head.Hash != expectedHeadHash {
		return fmt.Errorf("%w: got %x, want %x", ErrHeadMismatch, head.Hash[:8], expectedHeadHash[:8])
	}
	return nil
}

// EmergencyMessage is the preimage every emergency approval must sign:
// BLAKE3("dsm_emergency" || big-endian master fingerprint).
func EmergencyMessage(entropy []byte) [32]byte {
	_, fingerprint := keys.DeriveMasterKey(entropy)

	buf := make([]byte, 0, len(emergencyLabel)+4)
	buf = append(buf, emergencyLabel...)
	buf = binary.BigEndian.AppendUint32(buf, fingerprint)
	return blake3.Sum256(buf)
}

// EmergencyReconstruct replays a chain under the emergency flow. It
// requires at least the configured threshold of approvals from distinct
// approver keys, each a valid signature over EmergencyMessage(entropy).
func (m *Manager) EmergencyReconstruct(
	entropy []byte,
	deviceIndex uint32,
	ops []types.Operation,
	approvals []Approval,
) (*statemachine.Machine, error) {
	msg := EmergencyMessage(entropy)

	seen := make(map[string]struct{}, len(approvals))
	for _, approval := range approvals {
		key := string(approval.ApproverKey)
		if _, dup := seen[key]; dup {
			continue
		}
		if !m.suite.Verify(approval.ApproverKey, msg[:], approval.Signature) {
			m.log.Warn("rejecting invalid emergency approval",
				"approver", hex.EncodeToString(approval.ApproverKey[:min(8, len(approval.ApproverKey))]),
			)
			continue
		}
		seen[key] = struct{}{}
	}

	if uint32(len(seen)) < m.threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrThresholdNotMet, len(seen), m.threshold)
	}
	return m.Reconstruct(entropy, deviceIndex, ops)
}
