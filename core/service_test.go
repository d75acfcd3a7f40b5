package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/notify"
	"github.com/user/notisync/registry"
	"github.com/user/notisync/store"
)

func init() {
	logger.Discard()
}

var (
	devA = ble.Device{Address: "AA:00:00:00:00:01", Name: "alpha"}
	devB = ble.Device{Address: "BB:00:00:00:00:02", Name: "bravo"}
	devC = ble.Device{Address: "CC:00:00:00:00:03", Name: "charlie"}
)

type fakeRadio struct {
	mu          sync.Mutex
	bonds       map[string]ble.BondState
	scans       int
	scanCb      ble.ScanCallback
	connects    []string
	gattCb      ble.GattCallback
	disconnects []string
	bondCb      ble.BondCallback
	bondReqs    []string
	autoConnect bool
	disconnAll  int
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{bonds: make(map[string]ble.BondState)}
}

func (r *fakeRadio) Scan(timeout time.Duration, cb ble.ScanCallback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans++
	r.scanCb = cb
	return nil
}

func (r *fakeRadio) Connect(address string, cb ble.GattCallback) error {
	r.mu.Lock()
	r.connects = append(r.connects, address)
	r.gattCb = cb
	auto := r.autoConnect
	r.mu.Unlock()
	if auto {
		cb.OnConnectSuccess(ble.Device{Address: address, Name: "dev-" + address[:2]})
	}
	return nil
}

func (r *fakeRadio) Disconnect(address string) error {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, address)
	cb := r.gattCb
	r.mu.Unlock()
	if cb != nil {
		cb.OnDisconnected(ble.Device{Address: address})
	}
	return nil
}

func (r *fakeRadio) DisconnectAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnAll++
}

func (r *fakeRadio) CreateBond(address string) error {
	r.mu.Lock()
	r.bondReqs = append(r.bondReqs, address)
	r.bonds[address] = ble.Bonded
	cb := r.bondCb
	r.mu.Unlock()
	if cb != nil {
		cb(ble.Device{Address: address}, ble.Bonding)
		cb(ble.Device{Address: address}, ble.Bonded)
	}
	return nil
}

func (r *fakeRadio) setBond(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bonds[address] = ble.Bonded
}

func (r *fakeRadio) setAutoConnect(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoConnect = v
}

func (r *fakeRadio) BondState(address string) ble.BondState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bonds[address]
}

func (r *fakeRadio) BondedDevices() ([]ble.Device, error) { return nil, ble.ErrPermissionDenied }

func (r *fakeRadio) SetBondCallback(cb ble.BondCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bondCb = cb
}

func (r *fakeRadio) Write(address string, service, char uuid.UUID, value []byte) error {
	return nil
}

func (r *fakeRadio) snapshot() (connects, disconnects []string, scans int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.connects...), append([]string(nil), r.disconnects...), r.scans
}

func (r *fakeRadio) scanCallback() ble.ScanCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanCb
}

func (r *fakeRadio) gattCallback() ble.GattCallback {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gattCb
}

type fakeAdvertiser struct {
	mu     sync.Mutex
	active bool
	starts int
}

func (a *fakeAdvertiser) StartAdvertising(cb ble.ServerCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = true
	a.starts++
	return nil
}

func (a *fakeAdvertiser) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = false
	return nil
}

func (a *fakeAdvertiser) IsAdvertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

type fakeRelay struct {
	mu      sync.Mutex
	posted  []notify.Notification
	removed []notify.Notification
	gone    []string
}

func (f *fakeRelay) Post(n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, n)
}

func (f *fakeRelay) Remove(n notify.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, n)
}

func (f *fakeRelay) PeerDisconnected(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = append(f.gone, address)
}

// recorder turns listener calls into strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	return nil
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func addrs(devs []ble.Device) string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Address[:2]
	}
	return strings.Join(out, ",")
}

func (r *recorder) OnStartScan(ok bool) error               { return r.add("start:%v", ok) }
func (r *recorder) OnScanning(d ble.Device) error           { return r.add("scanning:%s", d.Address[:2]) }
func (r *recorder) OnScanned(ds []ble.Device) error         { return r.add("scanned:%s", addrs(ds)) }
func (r *recorder) OnDeviceConnected(ds []ble.Device) error { return r.add("connected:%s", addrs(ds)) }
func (r *recorder) OnDeviceDisconnected(d ble.Device) error {
	return r.add("disconnected:%s", d.Address[:2])
}
func (r *recorder) OnDeviceConnectFailure(d ble.Device) error { return r.add("failed:%s", d.Address[:2]) }
func (r *recorder) OnDeviceBonding(d ble.Device) error        { return r.add("bonding:%s", d.Address[:2]) }
func (r *recorder) OnDeviceBonded(d ble.Device) error         { return r.add("bonded:%s", d.Address[:2]) }
func (r *recorder) OnDeviceUnbonded(d ble.Device) error       { return r.add("unbonded:%s", d.Address[:2]) }
func (r *recorder) OnDeviceRemoved(d ble.Device) error        { return r.add("removed:%s", d.Address[:2]) }

type harness struct {
	svc   *Service
	radio *fakeRadio
	adv   *fakeAdvertiser
	relay *fakeRelay
	reg   *registry.Registry
	db    *store.Store
	perms *ble.StaticPermissions
}

type harnessOption func(*Config)

func newHarness(t *testing.T, seed func(ctx context.Context, db *store.Store), opts ...harnessOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	if seed != nil {
		seed(ctx, db)
	}

	radio := newFakeRadio()
	reg := registry.New(db)
	require.NoError(t, reg.Load(ctx, radio))

	h := &harness{
		radio: radio,
		adv:   &fakeAdvertiser{},
		relay: &fakeRelay{},
		reg:   reg,
		db:    db,
		perms: ble.AllPermissions(),
	}
	cfg := Config{
		Radio:       radio,
		Advertiser:  h.adv,
		Permissions: h.perms,
		Registry:    reg,
		Relay:       h.relay,
	}
	for _, o := range opts {
		o(&cfg)
	}
	h.svc = New(cfg)
	go h.svc.Run(ctx)
	h.flush(t)
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Flush(ctx))
}

func TestScanLifecycleAndMidScanRegistration(t *testing.T) {
	h := newHarness(t, nil)
	early := &recorder{}
	h.svc.RegisterListener(early)
	h.flush(t)
	assert.Equal(t, ScanUninitialized, h.svc.ScanState())

	h.svc.ScanDevices()
	h.flush(t)
	assert.Equal(t, ScanScanning, h.svc.ScanState())

	cb := h.radio.scanCallback()
	require.NotNil(t, cb)
	cb.OnScanStarted(true)
	cb.OnScanning(devA)
	h.flush(t)

	// Second scan request while scanning is ignored
	h.svc.ScanDevices()
	h.flush(t)
	_, _, scans := h.radio.snapshot()
	assert.Equal(t, 1, scans)

	mid := &recorder{}
	h.svc.RegisterListener(mid)
	h.flush(t)

	cb.OnScanning(devB)
	cb.OnScanning(devB)
	cb.OnScanFinished([]ble.Device{devA, devB})
	h.flush(t)
	assert.Equal(t, ScanScanned, h.svc.ScanState())

	late := &recorder{}
	h.svc.RegisterListener(late)
	h.flush(t)

	assert.Equal(t, []string{"connected:", "start:true", "scanning:AA", "scanning:BB", "scanned:AA,BB"}, early.Events())
	assert.Equal(t, []string{"start:true", "scanning:AA", "connected:", "scanning:BB", "scanned:AA,BB"}, mid.Events())
	assert.Equal(t, []string{"scanned:AA,BB", "connected:"}, late.Events())
}

func TestScanStartFailureEndsInScanned(t *testing.T) {
	h := newHarness(t, nil)
	l := &recorder{}
	h.svc.RegisterListener(l)
	h.svc.ScanDevices()
	h.flush(t)

	h.radio.scanCallback().OnScanStarted(false)
	h.flush(t)
	assert.Equal(t, ScanScanned, h.svc.ScanState())
	assert.Equal(t, []string{"connected:", "start:false"}, l.Events())

	// A new scan may start again
	h.svc.ScanDevices()
	h.flush(t)
	_, _, scans := h.radio.snapshot()
	assert.Equal(t, 2, scans)
}

func TestConnectRequiresBond(t *testing.T) {
	h := newHarness(t, nil)
	l := &recorder{}
	h.svc.RegisterListener(l)

	h.svc.ConnectDevice(devA.Address)
	h.flush(t)
	connects, _, _ := h.radio.snapshot()
	assert.Empty(t, connects)

	h.radio.setBond(devA.Address)
	h.svc.ConnectDevice(devA.Address)
	h.flush(t)
	connects, _, _ = h.radio.snapshot()
	assert.Equal(t, []string{devA.Address}, connects)

	h.radio.gattCallback().OnConnectSuccess(devA)
	h.flush(t)

	assert.Equal(t, []ble.Device{devA}, h.svc.GetConnectedDevices())
	peers := h.svc.GetBondedDevices()
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Synced)
	assert.True(t, peers[0].Connected)
	assert.Equal(t, []string{"connected:", "connected:AA"}, l.Events())
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	l := &recorder{}
	h.svc.RegisterListener(l)
	h.radio.setBond(devA.Address)

	h.svc.ConnectDevice(devA.Address)
	h.flush(t)
	h.radio.gattCallback().OnConnectFail(devA, ble.ErrLinkFailure)
	h.flush(t)

	assert.Empty(t, h.svc.GetConnectedDevices())
	assert.Equal(t, []string{"connected:", "failed:AA"}, l.Events())
}

func TestSetSyncConnectsAndDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	h.radio.setBond(devA.Address)
	h.radio.setAutoConnect(true)

	h.svc.ConnectDevice(devA.Address)
	h.flush(t)
	require.Len(t, h.svc.GetConnectedDevices(), 1)

	h.svc.SetSyncState(devA.Address, false)
	h.flush(t)
	_, disconnects, _ := h.radio.snapshot()
	assert.Equal(t, []string{devA.Address}, disconnects)
	assert.Empty(t, h.svc.GetConnectedDevices())

	p, ok := h.reg.Lookup(devA.Address)
	require.True(t, ok)
	assert.False(t, p.Synced)

	h.svc.SetSyncState(devA.Address, true)
	h.flush(t)
	connects, _, _ := h.radio.snapshot()
	assert.Len(t, connects, 2)
	assert.Len(t, h.svc.GetConnectedDevices(), 1)

	assert.Equal(t, []string{devA.Address}, h.relay.gone)
}

func TestRemoveDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.radio.setBond(devA.Address)
	h.radio.setAutoConnect(true)
	l := &recorder{}
	h.svc.RegisterListener(l)

	h.svc.ConnectDevice(devA.Address)
	h.flush(t)
	h.svc.RemoveSyncDevice(devA.Address)
	h.flush(t)

	assert.Empty(t, h.svc.GetBondedDevices())
	assert.Empty(t, h.svc.GetConnectedDevices())
	_, disconnects, _ := h.radio.snapshot()
	assert.Equal(t, []string{devA.Address}, disconnects)

	events := l.Events()
	assert.Contains(t, events, "removed:AA")
	assert.Contains(t, events, "disconnected:AA")

	_, err := h.db.BondedDevice(context.Background(), devA.Address)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Unknown device: nothing happens
	h.svc.RemoveSyncDevice(devC.Address)
	h.flush(t)
	_, disconnects, _ = h.radio.snapshot()
	assert.Len(t, disconnects, 1)
}

func TestConnectCompletingAfterRemovalIsDropped(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, db *store.Store) {
		_, err := db.InsertBondedDevice(ctx, store.BondedDevice{Name: devA.Name, Address: devA.Address, SyncOn: true})
		require.NoError(t, err)
	})
	h.radio.setBond(devA.Address)

	h.svc.ConnectDevice(devA.Address)
	h.svc.RemoveSyncDevice(devA.Address)
	h.flush(t)

	h.radio.gattCallback().OnConnectSuccess(devA)
	h.flush(t)

	assert.Empty(t, h.svc.GetConnectedDevices())
	assert.Empty(t, h.svc.GetBondedDevices())
	_, disconnects, _ := h.radio.snapshot()
	assert.Equal(t, []string{devA.Address, devA.Address}, disconnects)
}

func TestStartupReconnectsSyncedPeers(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, db *store.Store) {
		_, err := db.InsertBondedDevice(ctx, store.BondedDevice{Name: devA.Name, Address: devA.Address, SyncOn: true})
		require.NoError(t, err)
		_, err = db.InsertBondedDevice(ctx, store.BondedDevice{Name: devB.Name, Address: devB.Address, SyncOn: false})
		require.NoError(t, err)
	}, func(cfg *Config) {
		r := cfg.Radio.(*fakeRadio)
		r.bonds[devA.Address] = ble.Bonded
		r.bonds[devB.Address] = ble.Bonded
	})

	connects, _, _ := h.radio.snapshot()
	assert.Equal(t, []string{devA.Address}, connects)
}

func TestPermissionsSilentlySkip(t *testing.T) {
	h := newHarness(t, nil)
	h.perms.SetConnect(false)
	h.radio.setBond(devA.Address)
	l := &recorder{}
	h.svc.RegisterListener(l)

	h.svc.ConnectDevice(devA.Address)
	h.svc.ScanDevices()
	h.svc.StartAdvertising()
	h.svc.BondDevice(devB.Address)
	h.flush(t)

	connects, _, scans := h.radio.snapshot()
	assert.Empty(t, connects)
	assert.Zero(t, scans)
	assert.False(t, h.adv.IsAdvertising())
	assert.Empty(t, h.radio.bondReqs)
	assert.Equal(t, []string{"connected:"}, l.Events())
}

func TestBondEvents(t *testing.T) {
	h := newHarness(t, nil)
	l := &recorder{}
	h.svc.RegisterListener(l)

	h.svc.BondDevice(devB.Address)
	h.flush(t)
	assert.Equal(t, []string{"connected:", "bonding:BB", "bonded:BB"}, l.Events())
	assert.Equal(t, ble.Bonded, h.radio.BondState(devB.Address))
}

func TestWorkModeDrivesAdvertising(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) { cfg.WorkMode = WorkModeSendAndReceive })
	assert.True(t, h.adv.IsAdvertising())

	h.svc.SetWorkMode(WorkModeSendOnly)
	h.flush(t)
	assert.False(t, h.adv.IsAdvertising())

	h.perms.SetAdvertise(false)
	h.svc.SetWorkMode(WorkModeSendAndReceive)
	h.flush(t)
	assert.False(t, h.adv.IsAdvertising())
}

type panickyListener struct{ BaseListener }

func (panickyListener) OnDeviceBonded(ble.Device) error { panic("listener crashed") }

type failingListener struct{ BaseListener }

func (*failingListener) OnDeviceBonded(ble.Device) error { return errors.New("remote gone") }

func TestListenerFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, nil)
	good := &recorder{}
	h.svc.RegisterListener(&panickyListener{})
	h.svc.RegisterListener(&failingListener{})
	h.svc.RegisterListener(good)

	h.svc.BondDevice(devA.Address)
	h.flush(t)
	assert.Contains(t, good.Events(), "bonded:AA")

	h.svc.UnregisterListener(good)
	h.svc.BondDevice(devB.Address)
	h.flush(t)
	assert.NotContains(t, good.Events(), "bonded:BB")
}

func TestHostSurfaceAndShutdown(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) { cfg.WorkMode = WorkModeSendAndReceive })
	ctx := context.Background()

	n := notify.Notification{Pkg: "chat", ID: 1, Title: "hi"}
	require.NoError(t, h.svc.OnNotificationPosted(ctx, n))
	require.NoError(t, h.svc.OnNotificationRemoved(ctx, n))
	assert.Equal(t, []notify.Notification{n}, h.relay.posted)
	assert.Equal(t, []notify.Notification{n}, h.relay.removed)
	require.NoError(t, h.svc.Ping(ctx))

	require.NoError(t, h.svc.Shutdown(ctx))
	assert.False(t, h.adv.IsAdvertising())
	assert.Equal(t, 1, h.radio.disconnAll)
	assert.ErrorIs(t, h.svc.Ping(ctx), ErrStopped)
	assert.ErrorIs(t, h.svc.OnNotificationPosted(ctx, n), ErrStopped)
}
