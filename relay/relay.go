// Package relay moves notifications between the host and peers. Outbound
// host events are filtered, encoded and written to every eligible peer;
// inbound frames are reassembled and handed to the host for display.
package relay

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/channel"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/mailbox"
	"github.com/user/notisync/notify"
	"github.com/user/notisync/proto"
)

// Devices is the view of peers the relay needs.
type Devices interface {
	ConnectedDevices() []ble.Device
	SyncedConnectedDevices() []ble.Device
	IsFiltered(pkg string) bool
}

// Incoming is a notification received from a peer, ready for display.
type Incoming struct {
	Key         string     `json:"key"`
	ChannelKey  string     `json:"channel_key"`
	ChannelName string     `json:"channel_name"`
	Peer        ble.Device `json:"peer"`
	Pkg         string     `json:"pkg"`
	ID          int32      `json:"id"`
	Title       string     `json:"title,omitempty"`
	BigTitle    string     `json:"big_title,omitempty"`
	Text        string     `json:"text,omitempty"`
	SubText     string     `json:"sub_text,omitempty"`
	Priority    int32      `json:"priority,omitempty"`
	Visibility  int32      `json:"visibility,omitempty"`
}

// Host displays and withdraws notifications received from peers.
type Host interface {
	Display(ctx context.Context, n Incoming) error
	Withdraw(ctx context.Context, key string) error
}

type jobKind int

const (
	jobPost jobKind = iota
	jobRemove
	jobInbound
	jobPeerGone
	jobFlush
)

type job struct {
	kind  jobKind
	n     notify.Notification
	peer  ble.Device
	chunk []byte
	done  chan struct{}
}

// Options tunes a Relay.
type Options struct {
	// SplitWriteNum is the largest single write a peer accepts.
	SplitWriteNum int
	// SyncOnRemoval propagates host removals to peers.
	SyncOnRemoval bool
}

// Relay is a single-worker pipeline. All state changes happen on the worker.
type Relay struct {
	devices       Devices
	writer        channel.ChunkWriter
	host          Host
	ch            *channel.Channel
	splitWriteNum int
	syncRemoval   atomic.Bool
	jobs          *mailbox.Mailbox[job]
	log           zerolog.Logger
}

// New creates a relay. Call Run to start the worker.
func New(devices Devices, writer channel.ChunkWriter, host Host, opts Options) *Relay {
	if opts.SplitWriteNum <= 0 {
		opts.SplitWriteNum = ble.DefaultSplitWriteNum
	}
	r := &Relay{
		devices:       devices,
		writer:        writer,
		host:          host,
		ch:            channel.New(),
		splitWriteNum: opts.SplitWriteNum,
		jobs:          mailbox.New[job](),
		log:           logger.New("relay"),
	}
	r.syncRemoval.Store(opts.SyncOnRemoval)
	return r
}

// Run processes jobs until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	r.jobs.Run(ctx, func(j job) { r.handle(ctx, j) })
}

// Post relays a host notification to connected peers with sync enabled.
func (r *Relay) Post(n notify.Notification) {
	r.jobs.Push(job{kind: jobPost, n: n})
}

// Remove relays a host removal to every connected peer.
func (r *Relay) Remove(n notify.Notification) {
	r.jobs.Push(job{kind: jobRemove, n: n})
}

// SetSyncOnRemoval turns removal propagation on or off.
func (r *Relay) SetSyncOnRemoval(enabled bool) {
	r.syncRemoval.Store(enabled)
}

// SyncOnRemoval reports whether removals are propagated.
func (r *Relay) SyncOnRemoval() bool {
	return r.syncRemoval.Load()
}

// OnCharacteristicWrite receives raw frames written to the local GATT server.
func (r *Relay) OnCharacteristicWrite(dev ble.Device, char uuid.UUID, value []byte) {
	if char != ble.WriteCharUUID {
		r.log.Debug().Str("peer", dev.Address).Stringer("char", char).Msg("write to unknown characteristic ignored")
		return
	}
	chunk := make([]byte, len(value))
	copy(chunk, value)
	r.jobs.Push(job{kind: jobInbound, peer: dev, chunk: chunk})
}

// PeerDisconnected drops any partial message from address.
func (r *Relay) PeerDisconnected(address string) {
	r.jobs.Push(job{kind: jobPeerGone, peer: ble.Device{Address: address}})
}

// Flush waits until every job queued before the call has been processed.
func (r *Relay) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !r.jobs.Push(job{kind: jobFlush, done: done}) {
		return fmt.Errorf("relay: stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) handle(ctx context.Context, j job) {
	switch j.kind {
	case jobPost:
		r.sendPost(ctx, j.n)
	case jobRemove:
		r.sendRemove(ctx, j.n)
	case jobInbound:
		r.receive(ctx, j.peer, j.chunk)
	case jobPeerGone:
		r.ch.Reset(j.peer.Address)
	case jobFlush:
		close(j.done)
	}
}

func (r *Relay) sendPost(ctx context.Context, n notify.Notification) {
	if r.devices.IsFiltered(n.Pkg) {
		r.log.Debug().Str("pkg", n.Pkg).Msg("filtered app, not relaying post")
		return
	}
	r.broadcast(ctx, r.devices.SyncedConnectedDevices(), n.PostMessage())
}

func (r *Relay) sendRemove(ctx context.Context, n notify.Notification) {
	if r.devices.IsFiltered(n.Pkg) {
		r.log.Debug().Str("pkg", n.Pkg).Msg("filtered app, not relaying removal")
		return
	}
	if !r.syncRemoval.Load() {
		return
	}
	r.broadcast(ctx, r.devices.ConnectedDevices(), n.RemoveMessage())
}

func (r *Relay) broadcast(ctx context.Context, peers []ble.Device, msg *proto.BleMessage) {
	for _, peer := range peers {
		if err := channel.Write(ctx, r.writer, peer.Address, msg, r.splitWriteNum); err != nil {
			r.log.Warn().Str("peer", peer.Address).Stringer("type", msg.Type).Err(err).Msg("relay write failed")
			continue
		}
		r.log.Debug().Str("peer", peer.Address).Stringer("type", msg.Type).
			Str("pkg", msg.Notification.Pkg).Int32("id", msg.Notification.ID).Msg("relayed")
	}
}

func (r *Relay) receive(ctx context.Context, peer ble.Device, chunk []byte) {
	msg, err := r.ch.Read(peer, chunk)
	if err != nil || msg == nil {
		// channel has already logged the problem
		return
	}
	if msg.Notification == nil {
		r.log.Warn().Str("peer", peer.Address).Stringer("type", msg.Type).Msg("message without notification dropped")
		return
	}

	switch msg.Type {
	case proto.MsgTypePostNotification:
		in := Inbound(peer, msg.Notification)
		if err := r.host.Display(ctx, in); err != nil {
			r.log.Error().Str("key", in.Key).Err(err).Msg("display failed")
		}
	case proto.MsgTypeRemoveNotification:
		key := NotificationKey(peer.Address, msg.Notification.Pkg, msg.Notification.ID)
		if err := r.host.Withdraw(ctx, key); err != nil {
			r.log.Error().Str("key", key).Err(err).Msg("withdraw failed")
		}
	default:
		r.log.Warn().Str("peer", peer.Address).Int32("type", int32(msg.Type)).Msg("unknown message type dropped")
	}
}
