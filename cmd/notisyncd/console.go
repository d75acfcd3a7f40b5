package main

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"sync"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/core"
	"github.com/user/notisync/notify"
	"github.com/user/notisync/registry"
	"github.com/user/notisync/relay"
)

// event is one JSON line written to stdout.
type event struct {
	Event        string                `json:"event"`
	Device       *ble.Device           `json:"device,omitempty"`
	Devices      []ble.Device          `json:"devices,omitempty"`
	Peers        []registry.PeerDevice `json:"peers,omitempty"`
	Success      *bool                 `json:"success,omitempty"`
	Notification *relay.Incoming       `json:"notification,omitempty"`
	Key          string                `json:"key,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// eventWriter serializes events from many goroutines onto one stream.
type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventWriter(w io.Writer) *eventWriter {
	return &eventWriter{enc: json.NewEncoder(w)}
}

func (w *eventWriter) emit(ev event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ev)
}

// consoleHost displays notifications received from peers as events.
type consoleHost struct {
	out *eventWriter
}

func (h consoleHost) Display(ctx context.Context, n relay.Incoming) error {
	return h.out.emit(event{Event: "display", Notification: &n})
}

func (h consoleHost) Withdraw(ctx context.Context, key string) error {
	return h.out.emit(event{Event: "withdraw", Key: key})
}

// consoleListener reports sync service events.
type consoleListener struct {
	out *eventWriter
}

var _ core.Listener = (*consoleListener)(nil)

func (l *consoleListener) device(name string, dev ble.Device) error {
	return l.out.emit(event{Event: name, Device: &dev})
}

func (l *consoleListener) OnStartScan(success bool) error {
	return l.out.emit(event{Event: "scan_started", Success: &success})
}

func (l *consoleListener) OnScanning(dev ble.Device) error { return l.device("scanning", dev) }

func (l *consoleListener) OnScanned(devs []ble.Device) error {
	return l.out.emit(event{Event: "scanned", Devices: devs})
}

func (l *consoleListener) OnDeviceConnected(devs []ble.Device) error {
	return l.out.emit(event{Event: "connected", Devices: devs})
}

func (l *consoleListener) OnDeviceDisconnected(dev ble.Device) error {
	return l.device("disconnected", dev)
}

func (l *consoleListener) OnDeviceConnectFailure(dev ble.Device) error {
	return l.device("connect_failed", dev)
}

func (l *consoleListener) OnDeviceBonding(dev ble.Device) error  { return l.device("bonding", dev) }
func (l *consoleListener) OnDeviceBonded(dev ble.Device) error   { return l.device("bonded", dev) }
func (l *consoleListener) OnDeviceUnbonded(dev ble.Device) error { return l.device("unbonded", dev) }
func (l *consoleListener) OnDeviceRemoved(dev ble.Device) error  { return l.device("removed", dev) }

// inventory tracks the notifications the host currently shows, so a
// reattached listener can push all of them again.
type inventory struct {
	mu     sync.Mutex
	active map[inventoryKey]notify.Notification
}

type inventoryKey struct {
	pkg string
	id  int32
}

func newInventory() *inventory {
	return &inventory{active: make(map[inventoryKey]notify.Notification)}
}

func (inv *inventory) posted(n notify.Notification) {
	inv.mu.Lock()
	inv.active[inventoryKey{n.Pkg, n.ID}] = n
	inv.mu.Unlock()
}

func (inv *inventory) removed(n notify.Notification) {
	inv.mu.Lock()
	delete(inv.active, inventoryKey{n.Pkg, n.ID})
	inv.mu.Unlock()
}

// ActiveNotifications returns the shown notifications ordered by package and id.
func (inv *inventory) ActiveNotifications(ctx context.Context) ([]notify.Notification, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	out := make([]notify.Notification, 0, len(inv.active))
	for _, n := range inv.active {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pkg != out[j].Pkg {
			return out[i].Pkg < out[j].Pkg
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
