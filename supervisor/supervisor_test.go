package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/notisync/logger"
	"github.com/user/notisync/notify"
)

var errDown = errors.New("core unreachable")

type fakeLink struct {
	mu       sync.Mutex
	posted   []notify.Notification
	removed  []notify.Notification
	fail     bool
	pingFail int
	pings    int
}

func (l *fakeLink) OnNotificationPosted(ctx context.Context, n notify.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errDown
	}
	l.posted = append(l.posted, n)
	return nil
}

func (l *fakeLink) OnNotificationRemoved(ctx context.Context, n notify.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return errDown
	}
	l.removed = append(l.removed, n)
	return nil
}

func (l *fakeLink) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pings++
	if l.pingFail > 0 {
		l.pingFail--
		return errDown
	}
	return nil
}

func (l *fakeLink) setFail(v bool) {
	l.mu.Lock()
	l.fail = v
	l.mu.Unlock()
}

func (l *fakeLink) snapshot() (posted, removed []notify.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notify.Notification(nil), l.posted...), append([]notify.Notification(nil), l.removed...)
}

type fakeBinder struct {
	mu       sync.Mutex
	link     *fakeLink
	failures int
	binds    int
}

func (b *fakeBinder) Bind(ctx context.Context) (CoreLink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds++
	if b.failures > 0 {
		b.failures--
		return nil, errDown
	}
	return b.link, nil
}

func (b *fakeBinder) setFailures(n int) {
	b.mu.Lock()
	b.failures = n
	b.mu.Unlock()
}

func (b *fakeBinder) bindCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds
}

type staticSource []notify.Notification

func (s staticSource) ActiveNotifications(ctx context.Context) ([]notify.Notification, error) {
	return s, nil
}

const selfPkg = "com.example.notisync"

func note(pkg string, id int32, title string) notify.Notification {
	return notify.Notification{Pkg: pkg, ID: id, Title: title, AppName: "App"}
}

func start(t *testing.T, b *fakeBinder, src Source, opts Options) *Supervisor {
	t.Helper()
	logger.Discard()

	opts.SelfPackage = selfPkg
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 20 * time.Millisecond
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	if src == nil {
		src = staticSource(nil)
	}
	s := New(b, src, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func flush(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Flush(ctx))
}

func TestForwardsWhileConnected(t *testing.T) {
	link := &fakeLink{}
	s := start(t, &fakeBinder{link: link}, nil, Options{})

	s.OnNotificationPosted(note("com.chat", 1, "hello"))
	s.OnNotificationRemoved(note("com.chat", 1, "hello"))
	flush(t, s)

	assert.Equal(t, Connected, s.State())
	posted, removed := link.snapshot()
	require.Len(t, posted, 1)
	require.Len(t, removed, 1)
	assert.Equal(t, "hello", posted[0].Title)
	assert.Zero(t, s.Pending())
}

func TestBindsBeforeFirstHostEvent(t *testing.T) {
	link := &fakeLink{}
	binder := &fakeBinder{link: link}
	logger.Discard()
	s := New(binder, staticSource(nil), Options{SelfPackage: selfPkg, HeartbeatInterval: time.Hour})

	// Events arriving before Run starts still go out directly, not through the queue.
	s.OnNotificationPosted(note("com.chat", 1, "early"))
	s.OnNotificationRemoved(note("com.chat", 1, "early"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	flush(t, s)

	posted, removed := link.snapshot()
	require.Len(t, posted, 1)
	require.Len(t, removed, 1)
	assert.Equal(t, 1, binder.bindCount())
}

func TestFiltersUnrelayableNotifications(t *testing.T) {
	link := &fakeLink{}
	s := start(t, &fakeBinder{link: link}, nil, Options{})

	s.OnNotificationPosted(note(selfPkg, 1, "own"))
	s.OnNotificationPosted(notify.Notification{Pkg: "com.chat", ID: 2, Title: "3 new", Flags: notify.FlagGroupSummary})
	s.OnNotificationPosted(notify.Notification{Pkg: "com.chat", ID: 3})
	s.OnNotificationRemoved(note(selfPkg, 1, "own"))
	s.OnNotificationPosted(note("com.chat", 4, "kept"))
	flush(t, s)

	posted, removed := link.snapshot()
	require.Len(t, posted, 1)
	assert.Equal(t, int32(4), posted[0].ID)
	assert.Empty(t, removed)
}

func TestQueuesAndCoalescesWhileDisconnected(t *testing.T) {
	link := &fakeLink{}
	binder := &fakeBinder{link: link, failures: 1 << 30}
	s := start(t, binder, nil, Options{})

	s.OnNotificationPosted(note("com.chat", 1, "first"))
	s.OnNotificationPosted(note("com.chat", 1, "second"))
	s.OnNotificationRemoved(note("com.mail", 2, "bye"))
	s.OnNotificationPosted(note("com.news", 3, "headline"))
	flush(t, s)

	assert.NotEqual(t, Connected, s.State())
	assert.Equal(t, 3, s.Pending())

	binder.setFailures(0)
	require.Eventually(t, func() bool {
		return s.State() == Connected && s.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)

	posted, removed := link.snapshot()
	require.Len(t, posted, 2)
	assert.Equal(t, "second", posted[0].Title)
	assert.Equal(t, int32(3), posted[1].ID)
	require.Len(t, removed, 1)
	assert.Equal(t, int32(2), removed[0].ID)
}

func TestLaterActionReplacesEarlierForSameID(t *testing.T) {
	link := &fakeLink{}
	binder := &fakeBinder{link: link, failures: 1 << 30}
	s := start(t, binder, nil, Options{})

	s.OnNotificationPosted(note("com.chat", 7, "transient"))
	s.OnNotificationRemoved(note("com.chat", 7, "transient"))
	flush(t, s)
	assert.Equal(t, 1, s.Pending())

	binder.setFailures(0)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	posted, removed := link.snapshot()
	assert.Empty(t, posted)
	require.Len(t, removed, 1)
}

func TestPostAfterRemovalForSameIDIsKept(t *testing.T) {
	link := &fakeLink{}
	binder := &fakeBinder{link: link, failures: 1 << 30}
	s := start(t, binder, nil, Options{})

	s.OnNotificationRemoved(note("com.chat", 7, "old"))
	s.OnNotificationPosted(note("com.chat", 7, "new"))
	flush(t, s)
	assert.Equal(t, 1, s.Pending())

	binder.setFailures(0)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	posted, removed := link.snapshot()
	assert.Empty(t, removed)
	require.Len(t, posted, 1)
	assert.Equal(t, "new", posted[0].Title)
}

func TestSameIDFromDifferentAppsQueuesSeparately(t *testing.T) {
	link := &fakeLink{}
	binder := &fakeBinder{link: link, failures: 1 << 30}
	s := start(t, binder, nil, Options{})

	s.OnNotificationPosted(note("com.b", 1, "from b"))
	s.OnNotificationPosted(note("com.a", 1, "from a"))
	s.OnNotificationRemoved(note("com.c", 1, "from c"))
	flush(t, s)
	assert.Equal(t, 3, s.Pending())

	binder.setFailures(0)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)

	posted, removed := link.snapshot()
	require.Len(t, posted, 2)
	assert.Equal(t, "com.a", posted[0].Pkg)
	assert.Equal(t, "com.b", posted[1].Pkg)
	require.Len(t, removed, 1)
	assert.Equal(t, "com.c", removed[0].Pkg)
}

func TestLinkLossDuringDeliveryRequeues(t *testing.T) {
	link := &fakeLink{}
	binder := &fakeBinder{link: link}
	s := start(t, binder, nil, Options{ReconnectDelay: 200 * time.Millisecond})
	flush(t, s)
	require.Equal(t, Connected, s.State())

	link.setFail(true)
	s.OnNotificationPosted(note("com.chat", 1, "lost in transit"))
	flush(t, s)
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 1, s.Pending())

	link.setFail(false)
	require.Eventually(t, func() bool {
		return s.State() == Connected && s.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)

	posted, _ := link.snapshot()
	require.Len(t, posted, 1)
	assert.Equal(t, "lost in transit", posted[0].Title)
	assert.GreaterOrEqual(t, binder.bindCount(), 2)
}

func TestRetriesBindUntilItSucceeds(t *testing.T) {
	binder := &fakeBinder{link: &fakeLink{}, failures: 2}
	s := start(t, binder, nil, Options{})

	require.Eventually(t, func() bool { return s.State() == Connected }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, binder.bindCount())
}

func TestHeartbeatFailureTriggersRebind(t *testing.T) {
	link := &fakeLink{pingFail: 1}
	binder := &fakeBinder{link: link}
	s := start(t, binder, nil, Options{HeartbeatInterval: 10 * time.Millisecond})

	require.Eventually(t, func() bool {
		return binder.bindCount() >= 2 && s.State() == Connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenerConnectedPushesInventory(t *testing.T) {
	link := &fakeLink{}
	src := staticSource{
		note("com.chat", 1, "one"),
		note(selfPkg, 2, "own"),
		note("com.mail", 3, "three"),
	}
	s := start(t, &fakeBinder{link: link}, src, Options{})

	s.OnListenerConnected()
	flush(t, s)

	posted, _ := link.snapshot()
	require.Len(t, posted, 2)
	assert.Equal(t, int32(1), posted[0].ID)
	assert.Equal(t, int32(3), posted[1].ID)

	s.OnListenerDisconnected()
	flush(t, s)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "disconnected", Disconnected.String())
}
