// Package supervisor keeps the host notification listener attached to the
// sync core. It forwards notification events while the link is up, queues
// them while it is down, and rebinds after a fixed delay.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/notisync/logger"
	"github.com/user/notisync/mailbox"
	"github.com/user/notisync/notify"
)

// ErrLinkLost marks a failed call over the core link.
var ErrLinkLost = errors.New("supervisor: core link lost")

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// CoreLink is the sync core as seen from the listener side.
type CoreLink interface {
	OnNotificationPosted(ctx context.Context, n notify.Notification) error
	OnNotificationRemoved(ctx context.Context, n notify.Notification) error
	Ping(ctx context.Context) error
}

// Binder establishes a CoreLink.
type Binder interface {
	Bind(ctx context.Context) (CoreLink, error)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(ctx context.Context) (CoreLink, error)

func (f BinderFunc) Bind(ctx context.Context) (CoreLink, error) { return f(ctx) }

// Source lists the notifications currently shown by the host.
type Source interface {
	ActiveNotifications(ctx context.Context) ([]notify.Notification, error)
}

// State of the core link.
type State int32

const (
	Disconnected State = iota
	Reconnecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Action is the kind of a pending notification event.
type Action int

const (
	ActionPosted Action = iota
	ActionRemoved
)

// Options tunes a Supervisor.
type Options struct {
	// SelfPackage is the package whose own notifications are never relayed.
	SelfPackage       string
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
}

type cmdKind int

const (
	cmdBind cmdKind = iota
	cmdPosted
	cmdRemoved
	cmdListenerConnected
	cmdListenerDisconnected
	cmdHeartbeat
	cmdFlush
)

// pendingKey identifies a queued event. Ids are only unique per app.
type pendingKey struct {
	pkg string
	id  int32
}

type command struct {
	kind cmdKind
	n    notify.Notification
	done chan struct{}
}

// Supervisor is a single-worker actor.
type Supervisor struct {
	binder Binder
	source Source
	opts   Options
	cmds   *mailbox.Mailbox[command]
	log    zerolog.Logger

	stateView   atomic.Int32
	pendingView atomic.Int32

	// owned by the worker
	link           CoreLink
	pending        map[Action]map[pendingKey]notify.Notification
	reconnectTimer *time.Timer
	listenerUp     bool
}

// New creates a supervisor. Call Run to start it.
func New(binder Binder, source Source, opts Options) *Supervisor {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	s := &Supervisor{
		binder: binder,
		source: source,
		opts:   opts,
		cmds:   mailbox.New[command](),
		log:    logger.New("supervisor"),
		pending: map[Action]map[pendingKey]notify.Notification{
			ActionPosted:  {},
			ActionRemoved: {},
		},
	}
	// The first bind is queued ahead of any host event.
	s.cmds.Push(command{kind: cmdBind})
	return s
}

// Run binds to the core and processes events until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cmds.Push(command{kind: cmdHeartbeat})
			}
		}
	}()

	s.cmds.Run(ctx, func(c command) { s.handle(ctx, c) })

	s.cmds.Close()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
}

// OnNotificationPosted forwards a host post.
func (s *Supervisor) OnNotificationPosted(n notify.Notification) {
	s.cmds.Push(command{kind: cmdPosted, n: n})
}

// OnNotificationRemoved forwards a host removal.
func (s *Supervisor) OnNotificationRemoved(n notify.Notification) {
	s.cmds.Push(command{kind: cmdRemoved, n: n})
}

// OnListenerConnected pushes the full inventory of active notifications.
func (s *Supervisor) OnListenerConnected() {
	s.cmds.Push(command{kind: cmdListenerConnected})
}

// OnListenerDisconnected records that the host stopped delivering events.
func (s *Supervisor) OnListenerDisconnected() {
	s.cmds.Push(command{kind: cmdListenerDisconnected})
}

// State returns the link state.
func (s *Supervisor) State() State { return State(s.stateView.Load()) }

// Pending returns how many events wait for the link.
func (s *Supervisor) Pending() int { return int(s.pendingView.Load()) }

// Flush waits until every event queued before the call has been handled.
func (s *Supervisor) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !s.cmds.Push(command{kind: cmdFlush, done: done}) {
		return fmt.Errorf("supervisor: stopped")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) handle(ctx context.Context, c command) {
	switch c.kind {
	case cmdBind:
		s.bind(ctx)
	case cmdPosted:
		if c.n.Relayable(s.opts.SelfPackage) {
			s.deliver(ctx, ActionPosted, c.n)
		}
	case cmdRemoved:
		if c.n.Pkg != s.opts.SelfPackage && !c.n.IsGroupSummary() {
			s.deliver(ctx, ActionRemoved, c.n)
		}
	case cmdListenerConnected:
		s.listenerUp = true
		s.refresh(ctx)
	case cmdListenerDisconnected:
		s.listenerUp = false
		s.log.Info().Msg("notification listener detached")
	case cmdHeartbeat:
		if s.link == nil {
			return
		}
		if err := s.link.Ping(ctx); err != nil {
			s.linkLost(err)
		}
	case cmdFlush:
		close(c.done)
	}
}

func (s *Supervisor) setState(st State) {
	s.stateView.Store(int32(st))
}

func (s *Supervisor) bind(ctx context.Context) {
	s.reconnectTimer = nil
	if s.link != nil {
		return
	}

	s.setState(Reconnecting)
	link, err := s.binder.Bind(ctx)
	if err != nil {
		s.log.Warn().Err(err).Dur("retry_in", s.opts.ReconnectDelay).Msg("bind to core failed")
		s.setState(Disconnected)
		s.scheduleReconnect()
		return
	}

	s.link = link
	s.setState(Connected)
	s.log.Info().Int("pending", s.pendingCount()).Msg("bound to core")
	s.drain(ctx)
}

// scheduleReconnect arms the reconnect timer unless it is already armed.
func (s *Supervisor) scheduleReconnect() {
	if s.reconnectTimer != nil {
		return
	}
	s.reconnectTimer = time.AfterFunc(s.opts.ReconnectDelay, func() {
		s.cmds.Push(command{kind: cmdBind})
	})
}

func (s *Supervisor) linkLost(err error) {
	s.log.Warn().Err(fmt.Errorf("%w: %v", ErrLinkLost, err)).Msg("core link down")
	s.link = nil
	s.setState(Disconnected)
	s.scheduleReconnect()
}

// deliver pushes one event, or queues it while the link is down. Queued
// events coalesce per app and id: a later post or removal replaces an earlier one.
func (s *Supervisor) deliver(ctx context.Context, action Action, n notify.Notification) {
	if s.link != nil {
		err := s.push(ctx, action, n)
		if err == nil {
			return
		}
		s.linkLost(err)
	}
	s.enqueue(action, n)
}

func (s *Supervisor) push(ctx context.Context, action Action, n notify.Notification) error {
	if action == ActionRemoved {
		return s.link.OnNotificationRemoved(ctx, n)
	}
	return s.link.OnNotificationPosted(ctx, n)
}

func (s *Supervisor) enqueue(action Action, n notify.Notification) {
	other := ActionRemoved
	if action == ActionRemoved {
		other = ActionPosted
	}
	key := pendingKey{pkg: n.Pkg, id: n.ID}
	delete(s.pending[other], key)
	s.pending[action][key] = n
	s.pendingView.Store(int32(s.pendingCount()))
}

func (s *Supervisor) pendingCount() int {
	return len(s.pending[ActionPosted]) + len(s.pending[ActionRemoved])
}

// drain sends everything queued during the outage in one pass. Events that
// cannot be sent stay queued for the next bind.
func (s *Supervisor) drain(ctx context.Context) {
	defer func() { s.pendingView.Store(int32(s.pendingCount())) }()

	for _, action := range []Action{ActionPosted, ActionRemoved} {
		queue := s.pending[action]
		keys := make([]pendingKey, 0, len(queue))
		for k := range queue {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].pkg != keys[j].pkg {
				return keys[i].pkg < keys[j].pkg
			}
			return keys[i].id < keys[j].id
		})

		for _, k := range keys {
			if err := s.push(ctx, action, queue[k]); err != nil {
				s.linkLost(err)
				return
			}
			delete(queue, k)
		}
	}
}

// refresh pushes every active notification once.
func (s *Supervisor) refresh(ctx context.Context) {
	active, err := s.source.ActiveNotifications(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not list active notifications")
		return
	}
	sent := 0
	for _, n := range active {
		if !n.Relayable(s.opts.SelfPackage) {
			continue
		}
		s.deliver(ctx, ActionPosted, n)
		sent++
	}
	s.log.Info().Int("count", sent).Msg("pushed active notifications")
}
