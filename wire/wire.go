package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/util"
)

// Real BLE behavior is approximated with local resources: advertising data
// is a JSON file per device, a GATT link is a Unix domain socket and the bond
// list is a JSON file in each device directory.

// Options configures a Wire.
type Options struct {
	Address string
	Name    string
	DataDir string
	// Permissions gates the bond list query. Nil grants everything.
	Permissions ble.Permissions
	// SimulateLatency adds connection, interval and pairing delays.
	SimulateLatency bool
}

// connection is one GATT link to a peer
type connection struct {
	conn      net.Conn
	peer      ble.Device
	role      ConnectionRole
	mtu       int
	sendMu    sync.Mutex // Protects writes to conn
	requestMu sync.Mutex // One outstanding write request, as in ATT
	responses chan packet
	closed    chan struct{}
	gattCb    ble.GattCallback // central links only
}

func newConnection(conn net.Conn, peer ble.Device, role ConnectionRole) *connection {
	return &connection{
		conn:      conn,
		peer:      peer,
		role:      role,
		mtu:       DefaultMTU,
		responses: make(chan packet, 1),
		closed:    make(chan struct{}),
	}
}

func (c *connection) send(p packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writePacket(c.conn, p)
}

// Wire is a simulated radio. It implements ble.Adapter and ble.Advertiser.
type Wire struct {
	opts  Options
	log   zerolog.Logger
	bonds *bondBook

	mu         sync.RWMutex
	central    map[string]*connection // links we initiated, by peer address
	peripheral map[string]*connection // links peers initiated
	connecting map[string]struct{}
	bonding    map[string]struct{}
	listener   net.Listener
	server     ble.ServerCallback
	closed     bool

	callbackMu sync.RWMutex
	bondCb     ble.BondCallback

	scanning atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var (
	_ ble.Adapter    = (*Wire)(nil)
	_ ble.Advertiser = (*Wire)(nil)
)

// New creates a radio for the device with opts.Address.
func New(opts Options) (*Wire, error) {
	if opts.Address == "" {
		return nil, errors.New("wire: address required")
	}
	if opts.Name == "" {
		opts.Name = opts.Address
	}
	if opts.DataDir == "" {
		opts.DataDir = util.GetDataDir()
	}
	for _, dir := range []string{
		util.GetSocketDir(opts.DataDir),
		util.GetAdvertDir(opts.DataDir),
		util.GetDeviceDir(opts.DataDir, opts.Address),
	} {
		if err := util.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("wire: create %s: %w", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Wire{
		opts:       opts,
		log:        logger.New("wire").With().Str("device", shortHash(opts.Address)).Logger(),
		bonds:      newBondBook(opts.DataDir, opts.Address),
		central:    make(map[string]*connection),
		peripheral: make(map[string]*connection),
		connecting: make(map[string]struct{}),
		bonding:    make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Address returns the local device address.
func (w *Wire) Address() string { return w.opts.Address }

// Name returns the local device name.
func (w *Wire) Name() string { return w.opts.Name }

// Close stops advertising, drops every link and waits for background work.
// Safe to call more than once.
func (w *Wire) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	err := w.StopAdvertising()
	w.DisconnectAll()
	w.wg.Wait()
	return err
}

// spawn reserves a background goroutine slot. False once closed.
func (w *Wire) spawn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.wg.Add(1)
	return true
}

// StartAdvertising opens the GATT server socket and publishes the advert.
// Writes from connected clients go to cb.
func (w *Wire) StartAdvertising(cb ble.ServerCallback) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("%w: radio closed", ble.ErrLinkFailure)
	}
	if w.listener != nil {
		w.server = cb
		w.mu.Unlock()
		return nil
	}

	path := util.SocketPath(w.opts.DataDir, w.opts.Address)
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: listen on %s: %v", ble.ErrLinkFailure, path, err)
	}
	w.listener = ln
	w.server = cb
	w.wg.Add(1)
	w.mu.Unlock()

	go w.acceptConnections(ln)

	err = publishAdvert(util.GetAdvertDir(w.opts.DataDir), advert{
		Address:      w.opts.Address,
		Name:         w.opts.Name,
		ServiceUUIDs: []string{ble.ServiceUUID.String()},
	})
	if err != nil {
		w.StopAdvertising()
		return fmt.Errorf("%w: publish advert: %v", ble.ErrLinkFailure, err)
	}
	w.log.Info().Str("socket", path).Msg("advertising")
	return nil
}

// StopAdvertising closes the GATT server and drops links peers initiated.
func (w *Wire) StopAdvertising() error {
	w.mu.Lock()
	ln := w.listener
	w.listener = nil
	w.server = nil
	conns := make([]*connection, 0, len(w.peripheral))
	for _, c := range w.peripheral {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	if ln == nil {
		return nil
	}
	ln.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	os.Remove(util.SocketPath(w.opts.DataDir, w.opts.Address))
	w.log.Info().Msg("advertising stopped")
	return withdrawAdvert(util.GetAdvertDir(w.opts.DataDir), w.opts.Address)
}

// IsAdvertising reports whether the GATT server is open.
func (w *Wire) IsAdvertising() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.listener != nil
}

func (w *Wire) acceptConnections(ln net.Listener) {
	defer w.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		if !w.spawn() {
			conn.Close()
			return
		}
		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection processes a new incoming connection (we become Peripheral)
func (w *Wire) handleIncomingConnection(conn net.Conn) {
	defer w.wg.Done()

	w.sleep(MinConnectionDelay, MaxConnectionDelay)

	conn.SetDeadline(time.Now().Add(WriteTimeout))
	address, name, err := readHandshake(conn)
	if err == nil {
		err = writeHandshake(conn, w.opts.Address, w.opts.Name)
	}
	if err != nil {
		w.log.Debug().Err(err).Msg("inbound handshake failed")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	c := newConnection(conn, ble.Device{Address: address, Name: name}, RolePeripheral)
	w.mu.Lock()
	if w.listener == nil {
		w.mu.Unlock()
		conn.Close()
		return
	}
	if old := w.peripheral[address]; old != nil {
		old.conn.Close()
	}
	w.peripheral[address] = c
	w.mu.Unlock()

	w.log.Info().Str("peer", address).Str("role", string(RolePeripheral)).Msg("link up")
	w.readMessages(c)
}

// Connect opens a link to address in the background. The outcome is
// reported to cb.
func (w *Wire) Connect(address string, cb ble.GattCallback) error {
	w.mu.Lock()
	if _, ok := w.central[address]; ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: already connected to %s", ble.ErrLinkFailure, address)
	}
	if _, ok := w.connecting[address]; ok {
		w.mu.Unlock()
		return nil
	}
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("%w: radio closed", ble.ErrLinkFailure)
	}
	w.connecting[address] = struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()

	go w.connect(address, cb)
	return nil
}

func (w *Wire) connect(address string, cb ble.GattCallback) {
	defer w.wg.Done()

	dev := ble.Device{Address: address}
	if a, ok := lookupAdvert(util.GetAdvertDir(w.opts.DataDir), address); ok {
		dev.Name = a.Name
	}
	fail := func(err error) {
		w.mu.Lock()
		delete(w.connecting, address)
		w.mu.Unlock()
		w.log.Debug().Str("peer", address).Err(err).Msg("connect failed")
		cb.OnConnectFail(dev, fmt.Errorf("%w: %v", ble.ErrLinkFailure, err))
	}

	w.sleep(MinConnectionDelay, MaxConnectionDelay)

	dialer := net.Dialer{Timeout: WriteTimeout}
	conn, err := dialer.DialContext(w.ctx, "unix", util.SocketPath(w.opts.DataDir, address))
	if err != nil {
		fail(err)
		return
	}

	conn.SetDeadline(time.Now().Add(WriteTimeout))
	err = writeHandshake(conn, w.opts.Address, w.opts.Name)
	var peerAddr, peerName string
	if err == nil {
		peerAddr, peerName, err = readHandshake(conn)
	}
	if err == nil && peerAddr != address {
		err = fmt.Errorf("handshake from %s, expected %s", peerAddr, address)
	}
	if err != nil {
		conn.Close()
		fail(err)
		return
	}
	conn.SetDeadline(time.Time{})
	dev.Name = peerName

	c := newConnection(conn, dev, RoleCentral)
	c.gattCb = cb

	w.mu.Lock()
	delete(w.connecting, address)
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		cb.OnConnectFail(dev, fmt.Errorf("%w: radio closed", ble.ErrLinkFailure))
		return
	}
	w.central[address] = c
	w.mu.Unlock()

	w.log.Info().Str("peer", address).Str("role", string(RoleCentral)).Msg("link up")
	cb.OnConnectSuccess(dev)
	w.readMessages(c)
}

// readMessages continuously reads packets from a connection until it closes
func (w *Wire) readMessages(c *connection) {
	defer func() {
		w.mu.Lock()
		links := w.peripheral
		if c.role == RoleCentral {
			links = w.central
		}
		if links[c.peer.Address] == c {
			delete(links, c.peer.Address)
		}
		w.mu.Unlock()

		c.conn.Close()
		close(c.closed)
		w.log.Info().Str("peer", c.peer.Address).Str("role", string(c.role)).Msg("link down")
		if c.gattCb != nil {
			c.gattCb.OnDisconnected(c.peer)
		}
	}()

	for {
		p, err := readPacket(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				w.log.Debug().Str("peer", c.peer.Address).Err(err).Msg("read failed")
			}
			return
		}

		switch p.op {
		case opWriteRequest:
			w.handleWrite(c, p)
		case opWriteResponse, opErrorResponse:
			select {
			case c.responses <- p:
			default:
				w.log.Warn().Str("peer", c.peer.Address).Msg("unsolicited write response dropped")
			}
		}
	}
}

// handleWrite serves a write request on the local GATT server.
func (w *Wire) handleWrite(c *connection, p packet) {
	w.mu.RLock()
	cb := w.server
	w.mu.RUnlock()

	reply := packet{op: opWriteResponse}
	switch {
	case cb == nil:
		reply = packet{op: opErrorResponse, code: errUnlikely}
	case p.service != ble.ServiceUUID:
		reply = packet{op: opErrorResponse, code: errAttributeNotFound}
	case len(p.value) > c.mtu-ATTHeaderLen:
		reply = packet{op: opErrorResponse, code: errUnlikely}
	default:
		cb.OnCharacteristicWrite(c.peer, p.char, p.value)
	}

	if err := c.send(reply); err != nil {
		w.log.Debug().Str("peer", c.peer.Address).Err(err).Msg("write response failed")
	}
}

// Write performs one acknowledged characteristic write on a link we
// initiated. Values longer than the ATT payload limit are rejected.
func (w *Wire) Write(address string, service, char uuid.UUID, value []byte) error {
	w.mu.RLock()
	c := w.central[address]
	w.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ble.ErrNotConnected, address)
	}
	if limit := c.mtu - ATTHeaderLen; len(value) > limit {
		return fmt.Errorf("%w: %d byte value exceeds %d byte limit", ble.ErrLinkFailure, len(value), limit)
	}

	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	w.sleep(MinConnectionInterval, MaxConnectionInterval)
	req := packet{op: opWriteRequest, service: service, char: char, value: value}
	if err := c.send(req); err != nil {
		return fmt.Errorf("%w: write to %s: %v", ble.ErrLinkFailure, address, err)
	}

	timer := time.NewTimer(WriteTimeout)
	defer timer.Stop()
	select {
	case resp := <-c.responses:
		if resp.op == opErrorResponse {
			return fmt.Errorf("%w: write to %s rejected with 0x%02X", ble.ErrLinkFailure, address, resp.code)
		}
		return nil
	case <-c.closed:
		return fmt.Errorf("%w: %s disconnected during write", ble.ErrLinkFailure, address)
	case <-timer.C:
		return fmt.Errorf("%w: write to %s timed out", ble.ErrLinkFailure, address)
	}
}

// Disconnect closes the link we opened to address. The GATT callback sees
// OnDisconnected once the read loop exits.
func (w *Wire) Disconnect(address string) error {
	w.mu.RLock()
	c := w.central[address]
	w.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ble.ErrNotConnected, address)
	}
	return c.conn.Close()
}

// DisconnectAll closes every link we opened.
func (w *Wire) DisconnectAll() {
	w.mu.RLock()
	conns := make([]*connection, 0, len(w.central))
	for _, c := range w.central {
		conns = append(conns, c)
	}
	w.mu.RUnlock()

	for _, c := range conns {
		c.conn.Close()
	}
}

// IsConnected reports whether a link we opened to address is up.
func (w *Wire) IsConnected(address string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.central[address]
	return ok
}

// ConnectedPeers returns the peers that opened a link to us.
func (w *Wire) ConnectedPeers() []ble.Device {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]ble.Device, 0, len(w.peripheral))
	for _, c := range w.peripheral {
		out = append(out, c.peer)
	}
	return out
}
