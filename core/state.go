package core

import (
	"fmt"
	"strings"
)

// ScanState tracks the scan lifecycle.
type ScanState int32

const (
	ScanUninitialized ScanState = iota
	ScanScanning
	ScanScanned
)

func (s ScanState) String() string {
	switch s {
	case ScanScanning:
		return "scanning"
	case ScanScanned:
		return "scanned"
	default:
		return "uninitialized"
	}
}

// WorkMode selects whether this device also receives notifications.
type WorkMode int

const (
	// WorkModeSendOnly relays local notifications and never advertises.
	WorkModeSendOnly WorkMode = iota
	// WorkModeSendAndReceive also advertises and accepts relayed notifications.
	WorkModeSendAndReceive
)

func (m WorkMode) String() string {
	if m == WorkModeSendAndReceive {
		return "send_and_receive"
	}
	return "send_only"
}

// ParseWorkMode accepts "send_only" and "send_and_receive".
func ParseWorkMode(s string) (WorkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "send_only", "send-only":
		return WorkModeSendOnly, nil
	case "send_and_receive", "send-and-receive":
		return WorkModeSendAndReceive, nil
	}
	return WorkModeSendOnly, fmt.Errorf("core: unknown work mode %q", s)
}
