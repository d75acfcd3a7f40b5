package wire

import "time"

// ConnectionRole represents the role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated connection
)

// BLE timing constants, applied when latency simulation is enabled
const (
	// Connection establishment takes time in real BLE
	MinConnectionDelay = 30 * time.Millisecond
	MaxConnectionDelay = 100 * time.Millisecond

	// Connection interval affects message delivery latency
	MinConnectionInterval = 8 * time.Millisecond  // 7.5ms rounded up
	MaxConnectionInterval = 50 * time.Millisecond // Using 50ms as typical

	// Pairing exchanges several packets before the bond is stored
	MinBondDelay = 50 * time.Millisecond
	MaxBondDelay = 200 * time.Millisecond
)

// MTU limits. The simulator never negotiates above the default.
const (
	DefaultMTU   = 23 // BLE 4.0 default: 23 bytes total, 20 bytes data + 3 byte header
	ATTHeaderLen = 3
)

// WriteTimeout bounds the wait for a write response.
const WriteTimeout = 2 * time.Second

// ATT opcodes used on the simulated link
const (
	opErrorResponse byte = 0x01
	opWriteRequest  byte = 0x12
	opWriteResponse byte = 0x13
)

// ATT error codes
const (
	errAttributeNotFound byte = 0x0A
	errUnlikely          byte = 0x0E
)
