// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"bytes"

	"github.com/luxfi/dsm/utils/wrappers"
)

// DeviceInfo binds a chain to a device identity. DeviceKey is a derived
// public identifier, never the secret; DeviceID is a human-readable label.
type DeviceInfo struct {
	DeviceID  string
	DeviceKey []byte
}

func (d *DeviceInfo) pack(p *wrappers.Packer) {
	p.PackStr(d.DeviceID)
	p.PackBytes(d.DeviceKey)
}

func unpackDeviceInfo(p *wrappers.Packer) DeviceInfo {
	return DeviceInfo{
		DeviceID:  p.UnpackLimitedStr(MaxOperationSize),
		DeviceKey: p.UnpackLimitedBytes(MaxOperationSize),
	}
}

// Equal reports whether two device bindings are identical.
func (d *DeviceInfo) Equal(other *DeviceInfo) bool {
	return d.DeviceID == other.DeviceID && bytes.Equal(d.DeviceKey, other.DeviceKey)
}
