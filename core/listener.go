package core

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/user/notisync/ble"
)

// Listener receives sync events. Listeners are identified by value, so
// implementations should be pointers. A returned error is logged and does not
// affect other listeners.
type Listener interface {
	OnStartScan(success bool) error
	OnScanning(dev ble.Device) error
	OnScanned(devs []ble.Device) error
	OnDeviceConnected(devs []ble.Device) error
	OnDeviceDisconnected(dev ble.Device) error
	OnDeviceConnectFailure(dev ble.Device) error
	OnDeviceBonding(dev ble.Device) error
	OnDeviceBonded(dev ble.Device) error
	OnDeviceUnbonded(dev ble.Device) error
	OnDeviceRemoved(dev ble.Device) error
}

// BaseListener ignores every event. Embed it to implement only some methods.
type BaseListener struct{}

func (BaseListener) OnStartScan(bool) error                  { return nil }
func (BaseListener) OnScanning(ble.Device) error             { return nil }
func (BaseListener) OnScanned([]ble.Device) error            { return nil }
func (BaseListener) OnDeviceConnected([]ble.Device) error    { return nil }
func (BaseListener) OnDeviceDisconnected(ble.Device) error   { return nil }
func (BaseListener) OnDeviceConnectFailure(ble.Device) error { return nil }
func (BaseListener) OnDeviceBonding(ble.Device) error        { return nil }
func (BaseListener) OnDeviceBonded(ble.Device) error         { return nil }
func (BaseListener) OnDeviceUnbonded(ble.Device) error       { return nil }
func (BaseListener) OnDeviceRemoved(ble.Device) error        { return nil }

type registration struct {
	id       string
	listener Listener
}

func (s *Service) addListener(l Listener) (string, bool) {
	for _, r := range s.listeners {
		if r.listener == l {
			return r.id, false
		}
	}
	id := uuid.NewString()
	s.listeners = append(s.listeners, registration{id: id, listener: l})
	return id, true
}

func (s *Service) removeListener(l Listener) bool {
	for i, r := range s.listeners {
		if r.listener == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// broadcast delivers an event to every listener. Runs on the actor.
func (s *Service) broadcast(event string, fn func(Listener) error) {
	for _, r := range s.listeners {
		s.invoke(r, event, fn)
	}
}

func (s *Service) invoke(r registration, event string, fn func(Listener) error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Str("listener", r.id).Str("event", event).
				Err(fmt.Errorf("panic: %v", p)).Msg("listener failed")
		}
	}()
	if err := fn(r.listener); err != nil {
		s.log.Warn().Str("listener", r.id).Str("event", event).Err(err).Msg("listener failed")
	}
}
