// Package registry is the shared model of known peers: bonded devices and
// their sync flags, the connected set, the last scan results and the set of
// filtered apps. Every method is safe for concurrent use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/store"
)

// Store is the persistence the registry needs.
type Store interface {
	BondedDevices(ctx context.Context) ([]store.BondedDevice, error)
	InsertBondedDevice(ctx context.Context, d store.BondedDevice) (store.BondedDevice, error)
	UpdateBondedDevices(ctx context.Context, devices ...store.BondedDevice) error
	DeleteBondedDevices(ctx context.Context, devices ...store.BondedDevice) error
	FilteredApps(ctx context.Context) ([]store.FilteredApp, error)
}

// BondLister reports which devices the radio has bonded.
type BondLister interface {
	BondedDevices() ([]ble.Device, error)
}

// PeerDevice is a bonded device as seen by the control surface.
type PeerDevice struct {
	Device    ble.Device `json:"device"`
	Synced    bool       `json:"synced"`
	Connected bool       `json:"connected"`
}

// Registry is the in-memory view of peers backed by Store.
type Registry struct {
	mu        sync.Mutex
	store     Store
	bonded    map[string]store.BondedDevice
	connected map[string]ble.Device
	scanning  map[string]ble.Device
	scanOrder []string
	filtered  map[string]struct{}
	log       zerolog.Logger
}

// New returns an empty registry. Call Load before use.
func New(s Store) *Registry {
	return &Registry{
		store:     s,
		bonded:    make(map[string]store.BondedDevice),
		connected: make(map[string]ble.Device),
		scanning:  make(map[string]ble.Device),
		filtered:  make(map[string]struct{}),
		log:       logger.New("registry"),
	}
}

// Load reads persisted peers and filtered apps, reconciling peers with the
// radio's bond list. Peers the radio no longer has bonded are deleted and
// renamed peers are updated. When the bond list cannot be queried the
// persisted peers are loaded unchanged.
func (r *Registry) Load(ctx context.Context, radio BondLister) error {
	local, err := r.store.BondedDevices(ctx)
	if err != nil {
		return err
	}
	apps, err := r.store.FilteredApps(ctx)
	if err != nil {
		return err
	}

	keep := local
	remote, err := radio.BondedDevices()
	switch {
	case errors.Is(err, ble.ErrPermissionDenied):
		r.log.Debug().Msg("bond list not readable, skipping reconciliation")
	case err != nil:
		return fmt.Errorf("list radio bonds: %w", err)
	default:
		keep, err = r.reconcile(ctx, local, remote)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bonded = make(map[string]store.BondedDevice, len(keep))
	for _, d := range keep {
		r.bonded[d.Address] = d
	}
	r.filtered = toSet(apps)
	r.log.Info().Int("bonded", len(r.bonded)).Int("filtered", len(r.filtered)).Msg("registry loaded")
	return nil
}

func (r *Registry) reconcile(ctx context.Context, local []store.BondedDevice, remote []ble.Device) ([]store.BondedDevice, error) {
	names := make(map[string]string, len(remote))
	for _, d := range remote {
		names[d.Address] = d.Name
	}

	var keep, stale, renamed []store.BondedDevice
	for _, d := range local {
		name, ok := names[d.Address]
		if !ok {
			stale = append(stale, d)
			continue
		}
		if name != "" && name != d.Name {
			d.Name = name
			renamed = append(renamed, d)
		}
		keep = append(keep, d)
	}

	if len(stale) > 0 {
		if err := r.store.DeleteBondedDevices(ctx, stale...); err != nil {
			return nil, err
		}
		r.log.Info().Int("count", len(stale)).Msg("removed peers no longer bonded")
	}
	if len(renamed) > 0 {
		if err := r.store.UpdateBondedDevices(ctx, renamed...); err != nil {
			return nil, err
		}
	}
	return keep, nil
}

// AddOrGetBonded returns the persisted record for dev, inserting it with sync
// enabled the first time the address is seen.
func (r *Registry) AddOrGetBonded(ctx context.Context, dev ble.Device) (store.BondedDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addOrGetBondedLocked(ctx, dev)
}

func (r *Registry) addOrGetBondedLocked(ctx context.Context, dev ble.Device) (store.BondedDevice, error) {
	if d, ok := r.bonded[dev.Address]; ok {
		return d, nil
	}
	d, err := r.store.InsertBondedDevice(ctx, store.BondedDevice{
		Name:    dev.Name,
		Address: dev.Address,
		SyncOn:  true,
	})
	if err != nil {
		return store.BondedDevice{}, err
	}
	r.bonded[d.Address] = d
	r.log.Info().Str("address", d.Address).Str("name", d.Name).Msg("peer bonded")
	return d, nil
}

// SetSync changes the sync flag of a bonded peer. Unknown addresses are ignored.
func (r *Registry) SetSync(ctx context.Context, address string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.bonded[address]
	if !ok || d.SyncOn == enabled {
		return nil
	}
	d.SyncOn = enabled
	if err := r.store.UpdateBondedDevices(ctx, d); err != nil {
		return err
	}
	r.bonded[address] = d
	return nil
}

// Remove forgets a bonded peer and drops it from the connected set. Returns
// the removed device and whether it was known.
func (r *Registry) Remove(ctx context.Context, address string) (ble.Device, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.bonded[address]
	if !ok {
		return ble.Device{Address: address}, false, nil
	}
	if err := r.store.DeleteBondedDevices(ctx, d); err != nil {
		return ble.Device{}, false, err
	}
	delete(r.bonded, address)
	delete(r.connected, address)
	return ble.Device{Address: d.Address, Name: d.Name}, true, nil
}

// MarkConnected records dev as connected, bonding it first if needed.
func (r *Registry) MarkConnected(ctx context.Context, dev ble.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.addOrGetBondedLocked(ctx, dev); err != nil {
		return err
	}
	r.connected[dev.Address] = dev
	return nil
}

// MarkDisconnected removes address from the connected set.
func (r *Registry) MarkDisconnected(address string) (ble.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.connected[address]
	delete(r.connected, address)
	return dev, ok
}

// RecordScanSighting adds dev to the current scan results. Bonded devices are
// never scan results. Returns true when dev is new to this scan.
func (r *Registry) RecordScanSighting(dev ble.Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordLocked(dev)
}

func (r *Registry) recordLocked(dev ble.Device) bool {
	if _, ok := r.bonded[dev.Address]; ok {
		return false
	}
	if _, ok := r.scanning[dev.Address]; ok {
		return false
	}
	r.scanning[dev.Address] = dev
	r.scanOrder = append(r.scanOrder, dev.Address)
	return true
}

// ReplaceScanResults swaps the scan results for devs.
func (r *Registry) ReplaceScanResults(devs []ble.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearScanLocked()
	for _, d := range devs {
		r.recordLocked(d)
	}
}

// ClearScanResults empties the scan results.
func (r *Registry) ClearScanResults() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearScanLocked()
}

func (r *Registry) clearScanLocked() {
	r.scanning = make(map[string]ble.Device)
	r.scanOrder = nil
}

// ScanningDevices returns the scan results in sighting order.
func (r *Registry) ScanningDevices() []ble.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ble.Device, 0, len(r.scanOrder))
	for _, addr := range r.scanOrder {
		out = append(out, r.scanning[addr])
	}
	return out
}

// BondedDevices returns every bonded peer ordered by bond time.
func (r *Registry) BondedDevices() []PeerDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]store.BondedDevice, 0, len(r.bonded))
	for _, d := range r.bonded {
		records = append(records, d)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UID < records[j].UID })

	out := make([]PeerDevice, 0, len(records))
	for _, d := range records {
		_, connected := r.connected[d.Address]
		out = append(out, PeerDevice{
			Device:    ble.Device{Address: d.Address, Name: d.Name},
			Synced:    d.SyncOn,
			Connected: connected,
		})
	}
	return out
}

// ConnectedDevices returns the connected peers ordered by address.
func (r *Registry) ConnectedDevices() []ble.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked(false)
}

// SyncedConnectedDevices returns the connected peers with sync enabled.
func (r *Registry) SyncedConnectedDevices() []ble.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedLocked(true)
}

func (r *Registry) connectedLocked(syncedOnly bool) []ble.Device {
	out := make([]ble.Device, 0, len(r.connected))
	for addr, dev := range r.connected {
		if syncedOnly {
			if d, ok := r.bonded[addr]; !ok || !d.SyncOn {
				continue
			}
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// IsBonded reports whether address is a known peer.
func (r *Registry) IsBonded(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bonded[address]
	return ok
}

// IsConnected reports whether address is in the connected set.
func (r *Registry) IsConnected(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.connected[address]
	return ok
}

// Lookup returns the peer with address.
func (r *Registry) Lookup(address string) (PeerDevice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.bonded[address]
	if !ok {
		return PeerDevice{}, false
	}
	_, connected := r.connected[address]
	return PeerDevice{
		Device:    ble.Device{Address: d.Address, Name: d.Name},
		Synced:    d.SyncOn,
		Connected: connected,
	}, true
}
