// Package core is the sync actor: one goroutine that owns scan, connection,
// bonding and advertising state, applies every request in arrival order and
// reports the outcome to registered listeners.
package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/mailbox"
	"github.com/user/notisync/notify"
	"github.com/user/notisync/registry"
)

// ErrStopped is returned by calls made after the service stopped.
var ErrStopped = errors.New("core: service stopped")

// Relay is the notification pipeline the service feeds.
type Relay interface {
	Post(n notify.Notification)
	Remove(n notify.Notification)
	PeerDisconnected(address string)
}

// Config wires a Service to its collaborators.
type Config struct {
	Radio       ble.Adapter
	Advertiser  ble.Advertiser
	Permissions ble.Permissions
	Registry    *registry.Registry
	Relay       Relay
	// Server receives writes to the local GATT server while advertising.
	Server ble.ServerCallback

	ScanTimeout time.Duration
	WorkMode    WorkMode
}

// Service is the sync actor.
type Service struct {
	radio      ble.Adapter
	advertiser ble.Advertiser
	perms      ble.Permissions
	registry   *registry.Registry
	relay      Relay
	server     ble.ServerCallback
	timeout    time.Duration

	cmds     *mailbox.Mailbox[command]
	stopped  atomic.Bool
	scanView atomic.Int32
	log      zerolog.Logger

	// owned by the actor goroutine
	scanState ScanState
	workMode  WorkMode
	listeners []registration
	pending   map[string]struct{}
}

// New creates a service. Call Run to start it.
func New(cfg Config) *Service {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = ble.ScanTimeout
	}
	s := &Service{
		radio:      cfg.Radio,
		advertiser: cfg.Advertiser,
		perms:      cfg.Permissions,
		registry:   cfg.Registry,
		relay:      cfg.Relay,
		server:     cfg.Server,
		timeout:    cfg.ScanTimeout,
		cmds:       mailbox.New[command](),
		log:        logger.New("core"),
		workMode:   cfg.WorkMode,
		pending:    make(map[string]struct{}),
	}
	s.radio.SetBondCallback(func(dev ble.Device, state ble.BondState) {
		s.post(command{kind: cmdBondStateChanged, device: dev, bond: state})
	})
	return s
}

// Run reconnects synced peers, starts advertising when receiving is enabled
// and processes commands until ctx is done or Shutdown is called.
func (s *Service) Run(ctx context.Context) {
	s.post(command{kind: cmdStartupReconnectAll})
	if s.workMode == WorkModeSendAndReceive {
		s.post(command{kind: cmdStartAdvertise})
	}

	s.log.Info().Stringer("work_mode", s.workMode).Msg("sync service started")
	s.cmds.Run(ctx, func(c command) { s.handle(ctx, c) })

	if !s.stopped.Load() {
		s.shutdown()
	}
}

func (s *Service) post(c command) bool {
	if s.stopped.Load() {
		return false
	}
	return s.cmds.Push(c)
}

// ScanState returns the last scan state published by the actor.
func (s *Service) ScanState() ScanState {
	return ScanState(s.scanView.Load())
}

func (s *Service) setScanState(st ScanState) {
	s.scanState = st
	s.scanView.Store(int32(st))
}

// ScanDevices starts a scan unless one is running.
func (s *Service) ScanDevices() { s.post(command{kind: cmdStartScan}) }

// ConnectDevice connects to a bonded device.
func (s *Service) ConnectDevice(address string) {
	s.post(command{kind: cmdConnect, address: address})
}

// DisconnectDevice drops the link to a device.
func (s *Service) DisconnectDevice(address string) {
	s.post(command{kind: cmdDisconnect, address: address})
}

// SetSyncState enables or disables relaying to a peer, connecting or
// disconnecting it accordingly.
func (s *Service) SetSyncState(address string, enabled bool) {
	s.post(command{kind: cmdSetSync, address: address, enabled: enabled})
}

// RemoveSyncDevice forgets a peer and disconnects it.
func (s *Service) RemoveSyncDevice(address string) {
	s.post(command{kind: cmdRemoveDevice, address: address})
}

// BondDevice asks the radio to pair with a device.
func (s *Service) BondDevice(address string) {
	s.post(command{kind: cmdCreateBond, address: address})
}

// StartAdvertising opens the GATT server and advertises.
func (s *Service) StartAdvertising() { s.post(command{kind: cmdStartAdvertise}) }

// StopAdvertising closes the GATT server.
func (s *Service) StopAdvertising() { s.post(command{kind: cmdStopAdvertise}) }

// SetWorkMode switches between send-only and send-and-receive.
func (s *Service) SetWorkMode(mode WorkMode) {
	s.post(command{kind: cmdSetWorkMode, mode: mode})
}

// RegisterListener adds l and replays the current scan and connection state to it.
func (s *Service) RegisterListener(l Listener) {
	s.post(command{kind: cmdRegisterListener, listener: l})
}

// UnregisterListener removes l.
func (s *Service) UnregisterListener(l Listener) {
	s.post(command{kind: cmdUnregisterListener, listener: l})
}

// GetBondedDevices returns every peer with its sync and connection state.
func (s *Service) GetBondedDevices() []registry.PeerDevice {
	return s.registry.BondedDevices()
}

// GetConnectedDevices returns the connected peers.
func (s *Service) GetConnectedDevices() []ble.Device {
	return s.registry.ConnectedDevices()
}

// OnNotificationPosted relays a host notification.
func (s *Service) OnNotificationPosted(ctx context.Context, n notify.Notification) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	s.relay.Post(n)
	return nil
}

// OnNotificationRemoved relays a host removal.
func (s *Service) OnNotificationRemoved(ctx context.Context, n notify.Notification) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	s.relay.Remove(n)
	return nil
}

// Ping reports whether the service still accepts calls.
func (s *Service) Ping(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	return ctx.Err()
}

// Flush waits until every command queued before the call has been handled,
// including follow-up commands those handlers queued.
func (s *Service) Flush(ctx context.Context) error {
	for {
		done := make(chan struct{})
		if !s.post(command{kind: cmdFlush, done: done}) {
			return ErrStopped
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.cmds.Len() == 0 {
			return nil
		}
	}
}

// Shutdown stops advertising, disconnects every peer and stops the actor.
// Commands queued before Shutdown are still handled.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	if !s.post(command{kind: cmdShutdown, done: done}) {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) shutdown() {
	s.stopped.Store(true)
	if s.advertiser != nil && s.advertiser.IsAdvertising() {
		if err := s.advertiser.StopAdvertising(); err != nil {
			s.log.Warn().Err(err).Msg("stop advertising")
		}
	}
	s.radio.DisconnectAll()
	s.cmds.Close()
	s.log.Info().Msg("sync service stopped")
}
