package core

import (
	"context"

	"github.com/user/notisync/ble"
)

type cmdKind int

const (
	cmdStartScan cmdKind = iota
	cmdScanStarted
	cmdScanningSighting
	cmdScanFinished
	cmdRegisterListener
	cmdUnregisterListener
	cmdConnect
	cmdDisconnect
	cmdConnectSucceeded
	cmdConnectFailed
	cmdDisconnected
	cmdSetSync
	cmdRemoveDevice
	cmdBondStateChanged
	cmdCreateBond
	cmdStartAdvertise
	cmdStopAdvertise
	cmdStartupReconnectAll
	cmdSetWorkMode
	cmdFlush
	cmdShutdown
)

var cmdNames = map[cmdKind]string{
	cmdStartScan:           "StartScan",
	cmdScanStarted:         "ScanStarted",
	cmdScanningSighting:    "ScanningSighting",
	cmdScanFinished:        "ScanFinished",
	cmdRegisterListener:    "RegisterListener",
	cmdUnregisterListener:  "UnregisterListener",
	cmdConnect:             "Connect",
	cmdDisconnect:          "Disconnect",
	cmdConnectSucceeded:    "ConnectSucceeded",
	cmdConnectFailed:       "ConnectFailed",
	cmdDisconnected:        "Disconnected",
	cmdSetSync:             "SetSync",
	cmdRemoveDevice:        "RemoveDevice",
	cmdBondStateChanged:    "BondStateChanged",
	cmdCreateBond:          "CreateBond",
	cmdStartAdvertise:      "StartAdvertise",
	cmdStopAdvertise:       "StopAdvertise",
	cmdStartupReconnectAll: "StartupReconnectAll",
	cmdSetWorkMode:         "SetWorkMode",
	cmdFlush:               "Flush",
	cmdShutdown:            "Shutdown",
}

func (k cmdKind) String() string { return cmdNames[k] }

type command struct {
	kind     cmdKind
	address  string
	device   ble.Device
	devices  []ble.Device
	enabled  bool
	bond     ble.BondState
	listener Listener
	mode     WorkMode
	err      error
	done     chan struct{}
}

func (s *Service) handle(ctx context.Context, c command) {
	addr := c.address
	if addr == "" {
		addr = c.device.Address
	}
	s.log.Trace().Stringer("cmd", c.kind).Str("address", addr).Msg("handle")

	switch c.kind {
	case cmdStartScan:
		s.startScan()
	case cmdScanStarted:
		s.scanStarted(c.enabled)
	case cmdScanningSighting:
		s.scanSighting(c.device)
	case cmdScanFinished:
		s.scanFinished(c.devices)
	case cmdRegisterListener:
		s.register(c.listener)
	case cmdUnregisterListener:
		if s.removeListener(c.listener) {
			s.log.Debug().Msg("listener unregistered")
		}
	case cmdConnect:
		s.connect(c.address)
	case cmdDisconnect:
		s.disconnect(c.address)
	case cmdConnectSucceeded:
		s.connectSucceeded(ctx, c.device)
	case cmdConnectFailed:
		delete(s.pending, c.device.Address)
		s.log.Warn().Str("address", c.device.Address).Err(c.err).Msg("connect failed")
		s.broadcast("OnDeviceConnectFailure", func(l Listener) error { return l.OnDeviceConnectFailure(c.device) })
	case cmdDisconnected:
		s.disconnected(c.device)
	case cmdSetSync:
		s.setSync(ctx, c.address, c.enabled)
	case cmdRemoveDevice:
		s.removeDevice(ctx, c.address)
	case cmdBondStateChanged:
		s.bondStateChanged(c.device, c.bond)
	case cmdCreateBond:
		s.createBond(c.address)
	case cmdStartAdvertise:
		s.startAdvertise()
	case cmdStopAdvertise:
		s.stopAdvertise()
	case cmdStartupReconnectAll:
		for _, p := range s.registry.BondedDevices() {
			if p.Synced && !p.Connected {
				s.post(command{kind: cmdConnect, address: p.Device.Address})
			}
		}
	case cmdSetWorkMode:
		s.setWorkMode(c.mode)
	case cmdFlush:
		close(c.done)
	case cmdShutdown:
		s.shutdown()
		close(c.done)
	}
}

func (s *Service) startScan() {
	if s.scanState == ScanScanning {
		s.log.Debug().Msg("scan already running")
		return
	}
	if !s.perms.CanConnect() {
		s.log.Debug().Msg("scan skipped: connect permission missing")
		return
	}

	s.registry.ClearScanResults()
	s.setScanState(ScanScanning)
	if err := s.radio.Scan(s.timeout, scanCallback{s}); err != nil {
		s.log.Warn().Err(err).Msg("scan could not start")
		s.setScanState(ScanScanned)
		s.broadcast("OnStartScan", func(l Listener) error { return l.OnStartScan(false) })
	}
}

func (s *Service) scanStarted(success bool) {
	if !success {
		s.setScanState(ScanScanned)
	}
	s.log.Info().Bool("success", success).Msg("scan started")
	s.broadcast("OnStartScan", func(l Listener) error { return l.OnStartScan(success) })
}

func (s *Service) scanSighting(dev ble.Device) {
	if s.scanState != ScanScanning {
		return
	}
	if s.registry.RecordScanSighting(dev) {
		s.broadcast("OnScanning", func(l Listener) error { return l.OnScanning(dev) })
	}
}

func (s *Service) scanFinished(devs []ble.Device) {
	s.registry.ReplaceScanResults(devs)
	s.setScanState(ScanScanned)
	results := s.registry.ScanningDevices()
	s.log.Info().Int("found", len(results)).Msg("scan finished")
	s.broadcast("OnScanned", func(l Listener) error { return l.OnScanned(results) })
}

// register replays the current state to the new listener only.
func (s *Service) register(l Listener) {
	id, added := s.addListener(l)
	if !added {
		return
	}
	s.log.Debug().Str("listener", id).Stringer("scan", s.scanState).Msg("listener registered")

	r := registration{id: id, listener: l}
	switch s.scanState {
	case ScanScanning:
		s.invoke(r, "OnStartScan", func(l Listener) error { return l.OnStartScan(true) })
		for _, dev := range s.registry.ScanningDevices() {
			dev := dev
			s.invoke(r, "OnScanning", func(l Listener) error { return l.OnScanning(dev) })
		}
	case ScanScanned:
		results := s.registry.ScanningDevices()
		s.invoke(r, "OnScanned", func(l Listener) error { return l.OnScanned(results) })
	}
	connected := s.registry.ConnectedDevices()
	s.invoke(r, "OnDeviceConnected", func(l Listener) error { return l.OnDeviceConnected(connected) })
}

func (s *Service) connect(address string) {
	if !s.perms.CanConnect() {
		s.log.Debug().Str("address", address).Msg("connect skipped: permission missing")
		return
	}
	if s.registry.IsConnected(address) {
		s.log.Debug().Str("address", address).Msg("already connected")
		return
	}
	if _, ok := s.pending[address]; ok {
		s.log.Debug().Str("address", address).Msg("connect already in progress")
		return
	}
	if st := s.radio.BondState(address); st != ble.Bonded {
		s.log.Warn().Str("address", address).Stringer("bond", st).Msg("connect rejected: device not bonded")
		return
	}

	s.pending[address] = struct{}{}
	s.log.Info().Str("address", address).Msg("connecting")
	if err := s.radio.Connect(address, gattCallback{s}); err != nil {
		delete(s.pending, address)
		dev := s.deviceFor(address)
		s.log.Warn().Str("address", address).Err(err).Msg("connect failed")
		s.broadcast("OnDeviceConnectFailure", func(l Listener) error { return l.OnDeviceConnectFailure(dev) })
	}
}

func (s *Service) disconnect(address string) {
	if !s.perms.CanConnect() {
		s.log.Debug().Str("address", address).Msg("disconnect skipped: permission missing")
		return
	}
	delete(s.pending, address)
	if err := s.radio.Disconnect(address); err != nil {
		s.log.Debug().Str("address", address).Err(err).Msg("disconnect")
	}
}

func (s *Service) connectSucceeded(ctx context.Context, dev ble.Device) {
	_, wasPending := s.pending[dev.Address]
	delete(s.pending, dev.Address)

	// Removed or never requested: drop the link rather than resurrect the peer.
	if !wasPending && !s.registry.IsBonded(dev.Address) {
		s.log.Warn().Str("address", dev.Address).Msg("unexpected connection dropped")
		if err := s.radio.Disconnect(dev.Address); err != nil {
			s.log.Debug().Str("address", dev.Address).Err(err).Msg("disconnect")
		}
		return
	}

	if err := s.registry.MarkConnected(ctx, dev); err != nil {
		s.log.Error().Str("address", dev.Address).Err(err).Msg("could not record connection")
		if err := s.radio.Disconnect(dev.Address); err != nil {
			s.log.Debug().Str("address", dev.Address).Err(err).Msg("disconnect")
		}
		return
	}
	s.log.Info().Str("address", dev.Address).Str("name", dev.Name).Msg("connected")
	devs := []ble.Device{dev}
	s.broadcast("OnDeviceConnected", func(l Listener) error { return l.OnDeviceConnected(devs) })
}

func (s *Service) disconnected(dev ble.Device) {
	delete(s.pending, dev.Address)
	if known, ok := s.registry.MarkDisconnected(dev.Address); ok && dev.Name == "" {
		dev = known
	}
	if s.relay != nil {
		s.relay.PeerDisconnected(dev.Address)
	}
	s.log.Info().Str("address", dev.Address).Msg("disconnected")
	s.broadcast("OnDeviceDisconnected", func(l Listener) error { return l.OnDeviceDisconnected(dev) })
}

func (s *Service) setSync(ctx context.Context, address string, enabled bool) {
	if !s.registry.IsBonded(address) {
		s.log.Debug().Str("address", address).Msg("set sync on unknown device ignored")
		return
	}
	if err := s.registry.SetSync(ctx, address, enabled); err != nil {
		s.log.Error().Str("address", address).Err(err).Msg("could not store sync flag")
		return
	}
	if enabled {
		s.post(command{kind: cmdConnect, address: address})
	} else {
		s.post(command{kind: cmdDisconnect, address: address})
	}
}

func (s *Service) removeDevice(ctx context.Context, address string) {
	dev, known, err := s.registry.Remove(ctx, address)
	if err != nil {
		s.log.Error().Str("address", address).Err(err).Msg("could not remove device")
		return
	}
	if !known {
		s.log.Debug().Str("address", address).Msg("remove of unknown device ignored")
		return
	}
	delete(s.pending, address)
	s.post(command{kind: cmdDisconnect, address: address})
	s.log.Info().Str("address", address).Msg("device removed")
	s.broadcast("OnDeviceRemoved", func(l Listener) error { return l.OnDeviceRemoved(dev) })
}

func (s *Service) bondStateChanged(dev ble.Device, state ble.BondState) {
	s.log.Info().Str("address", dev.Address).Stringer("bond", state).Msg("bond state changed")
	switch state {
	case ble.Bonding:
		s.broadcast("OnDeviceBonding", func(l Listener) error { return l.OnDeviceBonding(dev) })
	case ble.Bonded:
		s.broadcast("OnDeviceBonded", func(l Listener) error { return l.OnDeviceBonded(dev) })
	default:
		s.broadcast("OnDeviceUnbonded", func(l Listener) error { return l.OnDeviceUnbonded(dev) })
	}
}

func (s *Service) createBond(address string) {
	if !s.perms.CanConnect() {
		s.log.Debug().Str("address", address).Msg("bond skipped: permission missing")
		return
	}
	if err := s.radio.CreateBond(address); err != nil {
		s.log.Warn().Str("address", address).Err(err).Msg("bond request failed")
	}
}

func (s *Service) canAdvertise() bool {
	if s.advertiser == nil {
		return false
	}
	if !s.perms.CanConnect() || !s.perms.CanAdvertise() {
		s.log.Debug().Msg("advertising skipped: permission missing")
		return false
	}
	return true
}

func (s *Service) startAdvertise() {
	if !s.canAdvertise() {
		return
	}
	if err := s.advertiser.StartAdvertising(s.server); err != nil {
		s.log.Warn().Err(err).Msg("advertising failed to start")
		return
	}
	s.log.Info().Msg("advertising")
}

func (s *Service) stopAdvertise() {
	if !s.canAdvertise() {
		return
	}
	if err := s.advertiser.StopAdvertising(); err != nil {
		s.log.Warn().Err(err).Msg("advertising failed to stop")
		return
	}
	s.log.Info().Msg("advertising stopped")
}

func (s *Service) setWorkMode(mode WorkMode) {
	if mode == s.workMode {
		return
	}
	s.workMode = mode
	s.log.Info().Stringer("work_mode", mode).Msg("work mode changed")
	if mode == WorkModeSendAndReceive {
		s.post(command{kind: cmdStartAdvertise})
	} else {
		s.post(command{kind: cmdStopAdvertise})
	}
}

// deviceFor returns the best known identity for address.
func (s *Service) deviceFor(address string) ble.Device {
	if p, ok := s.registry.Lookup(address); ok {
		return p.Device
	}
	for _, d := range s.registry.ScanningDevices() {
		if d.Address == address {
			return d
		}
	}
	return ble.Device{Address: address}
}

// scanCallback re-posts radio scan events onto the actor.
type scanCallback struct{ s *Service }

func (c scanCallback) OnScanStarted(success bool) {
	c.s.post(command{kind: cmdScanStarted, enabled: success})
}

func (c scanCallback) OnScanning(dev ble.Device) {
	c.s.post(command{kind: cmdScanningSighting, device: dev})
}

func (c scanCallback) OnScanFinished(results []ble.Device) {
	c.s.post(command{kind: cmdScanFinished, devices: results})
}

// gattCallback re-posts connection events onto the actor.
type gattCallback struct{ s *Service }

func (c gattCallback) OnConnectSuccess(dev ble.Device) {
	c.s.post(command{kind: cmdConnectSucceeded, device: dev})
}

func (c gattCallback) OnConnectFail(dev ble.Device, err error) {
	c.s.post(command{kind: cmdConnectFailed, device: dev, err: err})
}

func (c gattCallback) OnDisconnected(dev ble.Device) {
	c.s.post(command{kind: cmdDisconnected, device: dev})
}
