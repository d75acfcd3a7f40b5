// Package channel carries BleMessages over a link that accepts only tiny
// writes. Outbound messages are serialized and split into frames; inbound
// frames are reassembled per peer.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/notisync/ble"
	"github.com/user/notisync/logger"
	"github.com/user/notisync/proto"
	"github.com/user/notisync/wire/frame"
)

var (
	// ErrProtocol is returned for frames that cannot belong to any message in progress.
	ErrProtocol = errors.New("channel: protocol error")
	// ErrMalformedMessage is returned when a reassembled payload does not decode.
	ErrMalformedMessage = errors.New("channel: malformed message")
)

// ChunkWriter writes one raw frame to a peer and returns once the radio has
// accepted it.
type ChunkWriter interface {
	Write(address string, service, char uuid.UUID, value []byte) error
}

// assembly is the in-progress message of one peer.
type assembly struct {
	count  uint16
	next   uint16
	buffer []byte
}

// Channel holds at most one partial message per peer.
type Channel struct {
	mu      sync.Mutex
	partial map[string]*assembly
	log     zerolog.Logger
}

// New creates an idle channel.
func New() *Channel {
	return &Channel{
		partial: make(map[string]*assembly),
		log:     logger.New("channel"),
	}
}

// Read consumes one raw frame from peer. It returns the decoded message when
// the frame completes one, or nil while a message is still being assembled.
//
// Frame 0 always starts a new message and discards whatever partial message
// the peer had. Any other frame must continue the peer's current message in
// order, otherwise ErrProtocol is returned and the partial message is dropped.
func (c *Channel) Read(peer ble.Device, chunk []byte) (*proto.BleMessage, error) {
	f, err := frame.Decode(chunk)
	if err != nil {
		c.log.Warn().Str("peer", peer.Address).Err(err).Msg("dropping short frame")
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	payload, done, err := c.accept(peer.Address, f)
	c.mu.Unlock()
	if err != nil || !done {
		return nil, err
	}

	msg, err := proto.Unmarshal(payload)
	if err != nil {
		c.log.Warn().Str("peer", peer.Address).Int("bytes", len(payload)).Err(err).Msg("could not decode message")
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	c.log.Debug().Str("peer", peer.Address).Stringer("type", msg.Type).Msg("message received")
	return msg, nil
}

// accept must be called with c.mu held.
func (c *Channel) accept(address string, f frame.Frame) ([]byte, bool, error) {
	a, assembling := c.partial[address]

	if f.IsFirst() {
		if assembling {
			c.log.Warn().Str("peer", address).
				Uint16("received", a.next).Uint16("expected", a.count).
				Msg("discarding partial message, new message started")
		}
		if f.Count == 0 {
			delete(c.partial, address)
			return nil, false, fmt.Errorf("%w: frame count is zero", ErrProtocol)
		}
		a = &assembly{count: f.Count}
		c.partial[address] = a
	} else {
		if !assembling {
			c.log.Warn().Str("peer", address).Uint16("index", f.Index).Msg("frame without a message in progress")
			return nil, false, fmt.Errorf("%w: frame %d/%d while idle", ErrProtocol, f.Index, f.Count)
		}
		if f.Index != a.next || f.Count != a.count {
			c.log.Warn().Str("peer", address).
				Uint16("index", f.Index).Uint16("expected", a.next).
				Msg("out of order frame, dropping partial message")
			delete(c.partial, address)
			return nil, false, fmt.Errorf("%w: frame %d/%d, expected %d/%d", ErrProtocol, f.Index, f.Count, a.next, a.count)
		}
	}

	c.log.Trace().Str("peer", address).Uint16("index", f.Index).Uint16("count", f.Count).Int("len", len(f.Payload)).Msg("frame")
	a.buffer = append(a.buffer, f.Payload...)
	a.next++

	if !f.IsLast() {
		return nil, false, nil
	}
	delete(c.partial, address)
	return a.buffer, true, nil
}

// Assembling reports whether a message from address is in progress.
func (c *Channel) Assembling(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.partial[address]
	return ok
}

// Reset drops the partial message of address, if any.
func (c *Channel) Reset(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.partial, address)
}

// Encode serializes msg into raw frames no longer than splitWriteNum bytes each.
func Encode(msg *proto.BleMessage, splitWriteNum int) ([][]byte, error) {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return nil, err
	}
	frames, err := frame.Split(payload, frame.ChunkPayloadSize(splitWriteNum))
	if err != nil {
		return nil, err
	}
	chunks := make([][]byte, len(frames))
	for i, f := range frames {
		chunks[i] = f.Encode()
	}
	return chunks, nil
}

// Write sends msg to peer one frame at a time, waiting for each write to be
// accepted before sending the next. It stops at the first failed write.
func Write(ctx context.Context, w ChunkWriter, address string, msg *proto.BleMessage, splitWriteNum int) error {
	chunks, err := Encode(msg, splitWriteNum)
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Write(address, ble.ServiceUUID, ble.WriteCharUUID, chunk); err != nil {
			return fmt.Errorf("write frame %d/%d to %s: %w", i, len(chunks), address, err)
		}
	}
	return nil
}
