// Package ble describes the radio capability the sync core consumes: device
// identity, bonding, scanning, GATT client writes and the GATT server that
// receives writes while advertising.
package ble

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// GATT layout shared by both sides of a link.
var (
	ServiceUUID    = uuid.MustParse("2fde19cb-3a12-4297-83ac-b997ce17754b")
	WriteCharUUID  = uuid.MustParse("70b19d64-0da0-4dbf-bb04-68b1c5a0f804")
	NotifyCharUUID = uuid.MustParse("1049bce6-8ee2-44e0-8c28-d97c6a1c461c")
	DescriptorUUID = uuid.MustParse("33fa70b4-adb1-423e-a91b-99f03aa9b444")
)

// ScanTimeout bounds every scan. The radio stops scanning on its own once it expires.
const ScanTimeout = 10 * time.Second

// DefaultSplitWriteNum is the largest value a single characteristic write
// may carry at the default ATT MTU (23 - 3 byte ATT header).
const DefaultSplitWriteNum = 20

var (
	// ErrPermissionDenied is returned when the process lacks a radio permission.
	ErrPermissionDenied = errors.New("ble: permission denied")
	// ErrLinkFailure wraps transport-level failures (connect, write, disconnect).
	ErrLinkFailure = errors.New("ble: link failure")
	// ErrNotConnected is returned when writing to a device with no open link.
	ErrNotConnected = errors.New("ble: not connected")
)

// Device is a remote radio endpoint. Address is the identity.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// String returns "name (address)".
func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name + " (" + d.Address + ")"
}

// BondState is the radio-level pairing state of a device.
type BondState int

const (
	BondNone BondState = iota
	Bonding
	Bonded
)

func (s BondState) String() string {
	switch s {
	case Bonding:
		return "bonding"
	case Bonded:
		return "bonded"
	default:
		return "none"
	}
}

// ScanCallback receives scan progress. Calls may arrive on any goroutine.
type ScanCallback interface {
	OnScanStarted(success bool)
	OnScanning(dev Device)
	OnScanFinished(results []Device)
}

// GattCallback receives the outcome of a client connection.
type GattCallback interface {
	OnConnectSuccess(dev Device)
	OnConnectFail(dev Device, err error)
	OnDisconnected(dev Device)
}

// BondCallback receives bond state transitions for any device.
type BondCallback func(dev Device, state BondState)

// ServerCallback receives writes made by remote clients to the local GATT server.
type ServerCallback interface {
	OnCharacteristicWrite(dev Device, char uuid.UUID, value []byte)
}

// Adapter is the client side of the radio.
type Adapter interface {
	Scan(timeout time.Duration, cb ScanCallback) error
	Connect(address string, cb GattCallback) error
	Disconnect(address string) error
	DisconnectAll()
	CreateBond(address string) error
	BondState(address string) BondState
	// BondedDevices lists devices bonded at the radio. Returns
	// ErrPermissionDenied when the bond list may not be queried.
	BondedDevices() ([]Device, error)
	SetBondCallback(cb BondCallback)
	Write(address string, service, char uuid.UUID, value []byte) error
}

// Advertiser opens the local GATT server and makes the device discoverable.
// Start and Stop are idempotent.
type Advertiser interface {
	StartAdvertising(cb ServerCallback) error
	StopAdvertising() error
	IsAdvertising() bool
}
