package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/core"
	"github.com/user/notisync/notify"
	"github.com/user/notisync/registry"
)

// request is one JSON line read from stdin.
type request struct {
	Op           string               `json:"op"`
	Address      string               `json:"address,omitempty"`
	Enabled      bool                 `json:"enabled,omitempty"`
	Mode         string               `json:"mode,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
}

// syncControl is the control surface of the sync service.
type syncControl interface {
	ScanDevices()
	ConnectDevice(address string)
	DisconnectDevice(address string)
	BondDevice(address string)
	SetSyncState(address string, enabled bool)
	RemoveSyncDevice(address string)
	StartAdvertising()
	StopAdvertising()
	SetWorkMode(mode core.WorkMode)
	GetBondedDevices() []registry.PeerDevice
	GetConnectedDevices() []ble.Device
}

// listenerLink feeds host notification events towards the sync service.
type listenerLink interface {
	OnNotificationPosted(n notify.Notification)
	OnNotificationRemoved(n notify.Notification)
	OnListenerConnected()
	OnListenerDisconnected()
}

type daemon struct {
	sync     syncControl
	listener listenerLink
	inv      *inventory
	out      *eventWriter
}

func (d *daemon) dispatch(req request) error {
	switch req.Op {
	case "post", "remove":
		if req.Notification == nil {
			return fmt.Errorf("%s: notification is required", req.Op)
		}
		n := *req.Notification
		if req.Op == "post" {
			d.inv.posted(n)
			d.listener.OnNotificationPosted(n)
		} else {
			d.inv.removed(n)
			d.listener.OnNotificationRemoved(n)
		}
	case "listener_connected":
		d.listener.OnListenerConnected()
	case "listener_disconnected":
		d.listener.OnListenerDisconnected()
	case "scan":
		d.sync.ScanDevices()
	case "connect", "disconnect", "bond", "sync", "forget":
		if req.Address == "" {
			return fmt.Errorf("%s: address is required", req.Op)
		}
		switch req.Op {
		case "connect":
			d.sync.ConnectDevice(req.Address)
		case "disconnect":
			d.sync.DisconnectDevice(req.Address)
		case "bond":
			d.sync.BondDevice(req.Address)
		case "sync":
			d.sync.SetSyncState(req.Address, req.Enabled)
		case "forget":
			d.sync.RemoveSyncDevice(req.Address)
		}
	case "advertise":
		d.sync.StartAdvertising()
	case "stop_advertise":
		d.sync.StopAdvertising()
	case "work_mode":
		mode, err := core.ParseWorkMode(req.Mode)
		if err != nil {
			return err
		}
		d.sync.SetWorkMode(mode)
	case "devices":
		return d.out.emit(event{
			Event:   "devices",
			Peers:   d.sync.GetBondedDevices(),
			Devices: d.sync.GetConnectedDevices(),
		})
	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
	return nil
}

// serve handles requests from r until it is exhausted or ctx is done. Bad
// requests are reported as error events and do not stop the loop.
func (d *daemon) serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		err := json.Unmarshal(line, &req)
		if err == nil {
			err = d.dispatch(req)
		}
		if err != nil {
			if emitErr := d.out.emit(event{Event: "error", Error: err.Error()}); emitErr != nil {
				return emitErr
			}
		}
	}
	return scanner.Err()
}
