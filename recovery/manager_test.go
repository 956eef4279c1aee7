// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package recovery

import (
	"encoding/hex"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/dsm/crypto"
	"github.com/luxfi/dsm/keys"
	"github.com/luxfi/dsm/statemachine"
	"github.com/luxfi/dsm/types"
)

func newTestManager(t *testing.T, threshold uint32) *Manager {
	t.Helper()

	m, err := NewManager(log.NoLog{}, crypto.NewMockSuite(), threshold)
	require.NoError(t, err)
	return m
}

func TestNewManagerRejectsZeroThreshold(t *testing.T) {
	require := require.New(t)

	_, err := NewManager(log.NoLog{}, crypto.NewMockSuite(), 0)
	require.ErrorIs(err, ErrInvalidThreshold)
}

func TestReconstructDeterminism(t *testing.T) {
	require := require.New(t)

	entropy := []byte("recovery entropy")
	ops := []types.Operation{
		types.NewGenericOperation("t", []byte{0}, ""),
		types.NewGenericOperation("t", []byte{1}, "second"),
	}

	mgr := newTestManager(t, 1)
	a, err := mgr.Reconstruct(entropy, 0, ops)
	require.NoError(err)
	b, err := mgr.Reconstruct(entropy, 0, ops)
	require.NoError(err)

	headA, ok := a.CurrentState()
	require.True(ok)
	headB, ok := b.CurrentState()
	require.True(ok)
	require.True(headA.Equal(headB))
	require.Equal(uint64(len(ops)), headA.Index)
}

// A machine built manually from the same derivation path must match a
// reconstructed one byte for byte.
func TestReconstructEquivalence(t *testing.T) {
	require := require.New(t)

	entropy := []byte("recovery entropy")
	opA := types.NewGenericOperation("a", []byte{1}, "")
	opB := types.NewGenericOperation("b", []byte{2}, "")

	mgr := newTestManager(t, 1)
	recovered, err := mgr.Reconstruct(entropy, 0, []types.Operation{opA, opB})
	require.NoError(err)

	master, _ := keys.DeriveMasterKey(entropy)
	deviceKey := keys.DeriveDeviceKey(master, 0)
	manual := statemachine.New(log.NoLog{})
	_, err = manual.Genesis(deviceKey[4:20], types.DeviceInfo{
		DeviceID:  "device_" + hex.EncodeToString(deviceKey[:4]),
		DeviceKey: deviceKey[:],
	})
	require.NoError(err)
	_, err = manual.ExecuteTransition(opA)
	require.NoError(err)
	_, err = manual.ExecuteTransition(opB)
	require.NoError(err)

	recoveredHead, ok := recovered.CurrentState()
	require.True(ok)
	manualHead, ok := manual.CurrentState()
	require.True(ok)
	require.True(recoveredHead.Equal(manualHead))
}

func TestReconstructDistinctDeviceIndexes(t *testing.T) {
	require := require.New(t)

	entropy := []byte("recovery entropy")
	mgr := newTestManager(t, 1)

	d0, err := mgr.Reconstruct(entropy, 0, nil)
	require.NoError(err)
	d1, err := mgr.Reconstruct(entropy, 1, nil)
	require.NoError(err)

	h0, _ := d0.CurrentState()
	h1, _ := d1.CurrentState()
	require.NotEqual(h0.Hash, h1.Hash)
	require.NotEqual(h0.Device.DeviceID, h1.Device.DeviceID)
}

func TestReconstructFailsAtOperation(t *testing.T) {
	require := require.New(t)

	ops := []types.Operation{
		types.NewGenericOperation("ok", nil, ""),
		{Tag: 0x7f}, // unencodable
	}

	mgr := newTestManager(t, 1)
	_, err := mgr.Reconstruct([]byte("e"), 0, ops)

	var recErr *RecoveryError
	require.ErrorAs(err, &recErr)
	require.Equal(1, recErr.Index)
	require.ErrorIs(err, types.ErrUnknownOperationTag)
}

func TestVerifyAgainst(t *testing.T) {
	require := require.New(t)

	mgr := newTestManager(t, 1)
	machine, err := mgr.Reconstruct([]byte("e"), 0, nil)
	require.NoError(err)

	head, ok := machine.CurrentState()
	require.True(ok)
	require.NoError(mgr.VerifyAgainst(machine, head.Hash))

	var wrong [types.HashLen]byte
	wrong[0] = 0xff
	require.ErrorIs(mgr.VerifyAgainst(machine, wrong), ErrHeadMismatch)
}

func TestEmergencyReconstructThreshold(t *testing.T) {
	require := require.New(t)

	suite := crypto.NewMockSuite()
	mgr, err := NewManager(log.NoLog{}, suite, 2)
	require.NoError(err)

	entropy := []byte("emergency entropy")
	msg := EmergencyMessage(entropy)

	approve := func() Approval {
		pk, sk, err := suite.SignGenerate()
		require.NoError(err)
		sig, err := suite.Sign(sk, msg[:])
		require.NoError(err)
		return Approval{ApproverKey: pk, Signature: sig}
	}

	one := approve()

	// Below threshold
	_, err = mgr.EmergencyReconstruct(entropy, 0, nil, []Approval{one})
	require.ErrorIs(err, ErrThresholdNotMet)

	// Duplicate approver does not count twice
	_, err = mgr.EmergencyReconstruct(entropy, 0, nil, []Approval{one, one})
	require.ErrorIs(err, ErrThresholdNotMet)

	// Invalid signature does not count
	bad := approve()
	bad.Signature = []byte("garbage")
	_, err = mgr.EmergencyReconstruct(entropy, 0, nil, []Approval{one, bad})
	require.ErrorIs(err, ErrThresholdNotMet)

	// Two distinct valid approvals meet the threshold
	machine, err := mgr.EmergencyReconstruct(entropy, 0, nil, []Approval{one, approve()})
	require.NoError(err)
	_, ok := machine.CurrentState()
	require.True(ok)
}
