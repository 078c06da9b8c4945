package redistree

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/chatsync/pkg/tree"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newBackend(t *testing.T) (*miniredis.Miniredis, *Backend, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	b, err := New(cli, Settings{LeaseTTL: 10 * time.Second, Heartbeat: time.Hour, MachineID: 3}, nil)
	require.NoError(t, err)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	b.clock = clock.Now
	return mr, b, clock
}

func dial(t *testing.T, b *Backend) *Conn {
	t.Helper()
	c, err := b.Dial(context.Background())
	require.NoError(t, err)
	return c
}

// crash stops the connection without releasing its lease.
func crash(c *Conn) {
	c.shutdown()
	c.wg.Wait()
}

func next(t *testing.T, sub *tree.Subscription) tree.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return tree.Snapshot{}
	}
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.WithDefaults()
	assert.Equal(t, 6379, s.Port)
	assert.Equal(t, "tree", s.Prefix)
	assert.Equal(t, 30*time.Second, s.LeaseTTL)
	assert.Equal(t, 10*time.Second, s.Heartbeat)

	_, err := NewClient(Settings{})
	assert.Error(t, err)
}

func TestLayout(t *testing.T) {
	ctx := context.Background()
	mr, b, _ := newBackend(t)
	c := dial(t, b)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "/conversations/10042/typing", "100"))
	assert.Equal(t, `"100"`, mr.HGet("tree:n:/conversations/10042", "typing"))

	key, err := c.Push(ctx, "/conversations/10042", map[string]string{"text": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, mr.HGet("tree:n:/conversations/10042", key))

	snap, err := c.Get(ctx, "/conversations/10042")
	require.NoError(t, err)
	require.Len(t, snap.Children, 2)
	assert.Nil(t, snap.Value)

	require.NoError(t, c.Remove(ctx, "/conversations/10042/typing"))
	assert.Equal(t, "", mr.HGet("tree:n:/conversations/10042", "typing"))
}

func TestServerTimestampUsesBackendClock(t *testing.T) {
	ctx := context.Background()
	_, b, _ := newBackend(t)
	c := dial(t, b)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "/presence/1", map[string]any{"state": "online", "last_changed": tree.ServerTimestamp}))
	snap, err := c.Get(ctx, "/presence/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"online","last_changed":1700000000000}`, string(snap.Value))
}

func TestSubscribeFollowsWrites(t *testing.T) {
	ctx := context.Background()
	_, b, _ := newBackend(t)
	reader := dial(t, b)
	writer := dial(t, b)
	defer reader.Close()
	defer writer.Close()

	sub, err := reader.Subscribe(ctx, "/conversations/x")
	require.NoError(t, err)
	defer sub.Close()
	assert.False(t, next(t, sub).Exists())

	_, err = writer.Push(ctx, "/conversations/x", "hi")
	require.NoError(t, err)
	snap := next(t, sub)
	require.Len(t, snap.Children, 1)
	assert.JSONEq(t, `"hi"`, string(snap.Children[0].Value))
}

func TestCloseFiresArmedWrites(t *testing.T) {
	ctx := context.Background()
	mr, b, _ := newBackend(t)
	c := dial(t, b)
	observer := dial(t, b)
	defer observer.Close()

	require.NoError(t, c.OnDisconnect(ctx, "/presence/9", map[string]any{"state": "offline", "last_changed": tree.ServerTimestamp}))
	require.NoError(t, c.Set(ctx, "/presence/9", map[string]any{"state": "online"}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	snap, err := observer.Get(ctx, "/presence/9")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"offline","last_changed":1700000000000}`, string(snap.Value))
	assert.False(t, mr.Exists("tree:od:"+c.ID()))
	assert.ErrorIs(t, c.Set(ctx, "/presence/9", "x"), tree.ErrClosed)
}

func TestReaperFiresExpiredLeases(t *testing.T) {
	ctx := context.Background()
	_, b, clock := newBackend(t)
	lost := dial(t, b)
	alive := dial(t, b)
	defer alive.Close()

	require.NoError(t, lost.OnDisconnect(ctx, "/presence/5", map[string]string{"state": "offline"}))
	require.NoError(t, lost.Set(ctx, "/presence/5", map[string]string{"state": "online"}))
	require.NoError(t, lost.OnDisconnect(ctx, "/presence/6", "x"))
	require.NoError(t, lost.CancelOnDisconnect(ctx, "/presence/6"))
	crash(lost)

	r := NewReaper(b, nil, ReaperOptions{})
	var fired []string
	r.OnFired = func(id string, n int) {
		fired = append(fired, id)
		assert.Equal(t, 1, n)
	}

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease not yet expired")

	clock.Advance(11 * time.Second)
	require.NoError(t, alive.renew(ctx, true))

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{lost.ID()}, fired)

	snap, err := alive.Get(ctx, "/presence/5")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"offline"}`, string(snap.Value))
	snap, err = alive.Get(ctx, "/presence/6")
	require.NoError(t, err)
	assert.False(t, snap.Exists())

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRenewAfterReapReportsClosed(t *testing.T) {
	ctx := context.Background()
	_, b, clock := newBackend(t)
	c := dial(t, b)
	clock.Advance(time.Minute)

	_, err := NewReaper(b, nil, ReaperOptions{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, c.renew(ctx, true), tree.ErrClosed)
}

func TestRenewWithUnchangedClock(t *testing.T) {
	ctx := context.Background()
	_, b, _ := newBackend(t)
	c := dial(t, b)
	defer c.Close()
	assert.NoError(t, c.renew(ctx, true))
}

func TestSubscriptionFailsWhenReadsKeepFailing(t *testing.T) {
	ctx := context.Background()
	mr, b, _ := newBackend(t)
	c := dial(t, b)
	defer func() {
		mr.SetError("")
		_ = c.Close()
	}()

	sub, err := c.Subscribe(ctx, "/conversations/x")
	require.NoError(t, err)
	next(t, sub)

	mr.SetError("LOADING dataset in memory")
	for i := 0; i < maxReadFailures; i++ {
		mr.Publish(b.channelKey("/conversations/x"), "changed")
	}
	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription still open")
	}
	assert.ErrorContains(t, sub.Err(), "LOADING")
}
