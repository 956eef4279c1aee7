// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/luxfi/dsm/utils/wrappers"
)

// Operation variant tags. The tag is the first byte of every canonical
// operation encoding and must never be reordered.
const (
	OpGenesis  uint8 = 0
	OpGeneric  uint8 = 1
	OpTransfer uint8 = 2
	OpMint     uint8 = 3
	OpBurn     uint8 = 4
)

const (
	// MaxOperationSize caps the canonical encoding of a single operation.
	MaxOperationSize = 1 << 20

	// genesisOperationType is the sentinel type carried by the chain root.
	genesisOperationType = "genesis"
)

var (
	ErrUnknownOperationTag = errors.New("unknown operation tag")
	ErrOperationTooLarge   = errors.New("operation exceeds maximum encoded size")
)

// Operation is an atomic intent to mutate state. Tag selects the variant;
// Generic carries a free-form type, data payload, and message. The
// Transfer, Mint, and Burn tags are reserved for application-defined typed
// payloads and round-trip through the codec as opaque bytes.
type Operation struct {
	Tag uint8

	// Generic fields. Message is required in the canonical encoding and may
	// be empty.
	OperationType string
	Data          []byte
	Message       string

	// Reserved-variant payload (Transfer, Mint, Burn).
	Payload []byte
}

// NewGenesisOperation returns the sentinel operation carried by state 0.
func NewGenesisOperation() Operation {
	return Operation{
		Tag:           OpGenesis,
		OperationType: genesisOperationType,
	}
}

// NewGenericOperation builds a Generic operation.
func NewGenericOperation(operationType string, data []byte, message string) Operation {
	return Operation{
		Tag:           OpGeneric,
		OperationType: operationType,
		Data:          data,
		Message:       message,
	}
}

// IsGenesis reports whether op is the chain-root sentinel.
func (op *Operation) IsGenesis() bool {
	return op.Tag == OpGenesis
}

// DerivePayload produces the application payload recorded on the state
// created by this operation. Empty for every current variant.
func (op *Operation) DerivePayload() []byte {
	return nil
}

// pack appends the canonical encoding of op. The encoding is
// self-delimiting: the tag determines the field set and every
// variable-length field carries its own length prefix.
func (op *Operation) pack(p *wrappers.Packer) {
	p.PackByte(op.Tag)
	switch op.Tag {
	case OpGenesis:
		p.PackStr(op.OperationType)
	case OpGeneric:
		p.PackStr(op.OperationType)
		p.PackBytes(op.Data)
		p.PackStr(op.Message)
	case OpTransfer, OpMint, OpBurn:
		p.PackBytes(op.Payload)
	default:
		p.Add(fmt.Errorf("%w: %d", ErrUnknownOperationTag, op.Tag))
	}
}

// unpackOperation reads a canonical operation encoding at the packer's
// offset.
func unpackOperation(p *wrappers.Packer) Operation {
	op := Operation{Tag: p.UnpackByte()}
	switch op.Tag {
	case OpGenesis:
		op.OperationType = p.UnpackLimitedStr(MaxOperationSize)
	case OpGeneric:
		op.OperationType = p.UnpackLimitedStr(MaxOperationSize)
		op.Data = p.UnpackLimitedBytes(MaxOperationSize)
		op.Message = p.UnpackLimitedStr(MaxOperationSize)
	case OpTransfer, OpMint, OpBurn:
		op.Payload = p.UnpackLimitedBytes(MaxOperationSize)
	default:
		if !p.Errored() {
			p.Add(fmt.Errorf("%w: %d", ErrUnknownOperationTag, op.Tag))
		}
	}
	return op
}

// Bytes returns the canonical encoding of op. Two operations encode to the
// same bytes iff they are semantically equal.
func (op *Operation) Bytes() ([]byte, error) {
	p := wrappers.Packer{MaxSize: MaxOperationSize}
	op.pack(&p)
	if p.Errored() {
		if errors.Is(p.Err, wrappers.ErrInsufficientLength) {
			return nil, fmt.Errorf("%w: encoding larger than %d bytes", ErrOperationTooLarge, MaxOperationSize)
		}
		return nil, p.Err
	}
	return p.Bytes, nil
}

// ParseOperation decodes a canonical operation encoding. Trailing bytes are
// rejected.
func ParseOperation(b []byte) (Operation, error) {
	p := wrappers.Packer{Bytes: b}
	op := unpackOperation(&p)
	if p.Errored() {
		return Operation{}, fmt.Errorf("failed to parse operation: %w", p.Err)
	}
	if p.Offset != len(b) {
		return Operation{}, fmt.Errorf("failed to parse operation: %d trailing bytes", len(b)-p.Offset)
	}
	return op, nil
}

// OperationHash returns BLAKE3 of the canonical encoding of op.
func (op *Operation) OperationHash() ([32]byte, error) {
	b, err := op.Bytes()
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(b), nil
}

// Equal reports semantic equality, defined as equality of canonical
// encodings.
func (op *Operation) Equal(other *Operation) bool {
	a, errA := op.Bytes()
	b, errB := other.Bytes()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
