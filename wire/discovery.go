package wire

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/util"
)

// Scan watches the advert directory for devices offering the sync service.
// Results are reported through cb until timeout expires or the radio closes.
func (w *Wire) Scan(timeout time.Duration, cb ble.ScanCallback) error {
	if !w.scanning.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: scan already running", ble.ErrLinkFailure)
	}

	dir := util.GetAdvertDir(w.opts.DataDir)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.scanning.Store(false)
		return fmt.Errorf("%w: watch adverts: %v", ble.ErrLinkFailure, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		w.scanning.Store(false)
		return fmt.Errorf("%w: watch %s: %v", ble.ErrLinkFailure, dir, err)
	}
	if !w.spawn() {
		watcher.Close()
		w.scanning.Store(false)
		return fmt.Errorf("%w: radio closed", ble.ErrLinkFailure)
	}

	go w.scan(timeout, watcher, dir, cb)
	return nil
}

func (w *Wire) scan(timeout time.Duration, watcher *fsnotify.Watcher, dir string, cb ble.ScanCallback) {
	defer w.wg.Done()

	cb.OnScanStarted(true)
	w.log.Debug().Dur("timeout", timeout).Msg("scan started")

	seen := make(map[string]bool)
	var results []ble.Device
	collect := func() {
		adverts, err := readAdverts(dir)
		if err != nil {
			w.log.Warn().Err(err).Msg("read adverts")
			return
		}
		for _, a := range adverts {
			if a.Address == w.opts.Address || seen[a.Address] || !a.offers(ble.ServiceUUID) {
				continue
			}
			seen[a.Address] = true
			dev := ble.Device{Address: a.Address, Name: a.Name}
			results = append(results, dev)
			cb.OnScanning(dev)
		}
	}
	collect()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

loop:
	for {
		select {
		case <-w.ctx.Done():
			break loop
		case <-timer.C:
			break loop
		case ev, ok := <-watcher.Events:
			if !ok {
				break loop
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				collect()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				break loop
			}
			w.log.Warn().Err(err).Msg("advert watcher")
		}
	}

	watcher.Close()
	w.scanning.Store(false)
	w.log.Debug().Int("found", len(results)).Msg("scan finished")
	cb.OnScanFinished(results)
}

// SetBondCallback registers the receiver of bond state transitions.
func (w *Wire) SetBondCallback(cb ble.BondCallback) {
	w.callbackMu.Lock()
	w.bondCb = cb
	w.callbackMu.Unlock()
}

func (w *Wire) emitBond(dev ble.Device, state ble.BondState) {
	w.callbackMu.RLock()
	cb := w.bondCb
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(dev, state)
	}
}

// peerInfo finds address among open links and published adverts.
func (w *Wire) peerInfo(address string) (ble.Device, bool) {
	w.mu.RLock()
	for _, links := range []map[string]*connection{w.central, w.peripheral} {
		if c, ok := links[address]; ok {
			w.mu.RUnlock()
			return c.peer, true
		}
	}
	w.mu.RUnlock()

	if a, ok := lookupAdvert(util.GetAdvertDir(w.opts.DataDir), address); ok {
		return ble.Device{Address: a.Address, Name: a.Name}, true
	}
	return ble.Device{}, false
}

// CreateBond pairs with address in the background. The peer must be
// advertising or linked. Progress is reported to the bond callback.
func (w *Wire) CreateBond(address string) error {
	peer, ok := w.peerInfo(address)
	if !ok {
		return fmt.Errorf("%w: %s is not in range", ble.ErrLinkFailure, address)
	}
	if w.bonds.contains(address) {
		w.emitBond(peer, ble.Bonded)
		return nil
	}

	w.mu.Lock()
	if _, ok := w.bonding[address]; ok {
		w.mu.Unlock()
		return nil
	}
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("%w: radio closed", ble.ErrLinkFailure)
	}
	w.bonding[address] = struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()

	go w.bond(peer)
	return nil
}

func (w *Wire) bond(peer ble.Device) {
	defer w.wg.Done()

	w.emitBond(peer, ble.Bonding)
	w.sleep(MinBondDelay, MaxBondDelay)

	err := w.bonds.add(peer)
	if err == nil {
		self := ble.Device{Address: w.opts.Address, Name: w.opts.Name}
		err = addBond(bondPath(w.opts.DataDir, peer.Address), self)
	}

	w.mu.Lock()
	delete(w.bonding, peer.Address)
	w.mu.Unlock()

	if err != nil {
		w.log.Warn().Str("peer", peer.Address).Err(err).Msg("bonding failed")
		w.emitBond(peer, ble.BondNone)
		return
	}
	w.log.Info().Str("peer", peer.Address).Msg("bonded")
	w.emitBond(peer, ble.Bonded)
}

// BondState returns the pairing state of address.
func (w *Wire) BondState(address string) ble.BondState {
	w.mu.RLock()
	_, inProgress := w.bonding[address]
	w.mu.RUnlock()
	if inProgress {
		return ble.Bonding
	}
	if w.bonds.contains(address) {
		return ble.Bonded
	}
	return ble.BondNone
}

// BondedDevices lists the persisted bonds.
func (w *Wire) BondedDevices() ([]ble.Device, error) {
	if w.opts.Permissions != nil && !w.opts.Permissions.CanQueryBonds() {
		return nil, ble.ErrPermissionDenied
	}
	return w.bonds.list()
}
