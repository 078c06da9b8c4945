package memtree

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/chatsync/pkg/tree"
)

func next(t *testing.T, sub *tree.Subscription) tree.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return tree.Snapshot{}
	}
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	c := New().Connect("a")

	require.NoError(t, c.Set(ctx, "/profiles/profile_1", map[string]string{"name": "Ana"}))
	snap, err := c.Get(ctx, "profiles/profile_1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ana"}`, string(snap.Value))

	parent, err := c.Get(ctx, "/profiles")
	require.NoError(t, err)
	require.Len(t, parent.Children, 1)
	assert.Equal(t, "profile_1", parent.Children[0].Key)

	require.NoError(t, c.Remove(ctx, "/profiles/profile_1"))
	snap, err = c.Get(ctx, "/profiles/profile_1")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestPushKeysAreOrdered(t *testing.T) {
	ctx := context.Background()
	c := New().Connect("")

	var keys []string
	for i := 0; i < 20; i++ {
		k, err := c.Push(ctx, "/conversations/x", i)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	snap, err := c.Get(ctx, "/conversations/x")
	require.NoError(t, err)
	require.Len(t, snap.Children, 20)
	for i, ch := range snap.Children {
		assert.Equal(t, keys[i], ch.Key)
		var n int
		require.NoError(t, json.Unmarshal(ch.Value, &n))
		assert.Equal(t, i, n)
	}
}

func TestSubscribeEmitsFullSnapshots(t *testing.T) {
	ctx := context.Background()
	tr := New()
	writer := tr.Connect("w")
	reader := tr.Connect("r")

	sub, err := reader.Subscribe(ctx, "/conversations/x")
	require.NoError(t, err)
	defer sub.Close()

	initial := next(t, sub)
	assert.False(t, initial.Exists())

	_, err = writer.Push(ctx, "/conversations/x", "one")
	require.NoError(t, err)
	snap := next(t, sub)
	require.Len(t, snap.Children, 1)

	require.NoError(t, writer.Set(ctx, "/conversations/x/typing", "1"))
	snap = next(t, sub)
	require.Len(t, snap.Children, 2)
}

func TestCloseStopsSubscriptions(t *testing.T) {
	ctx := context.Background()
	tr := New()
	c := tr.Connect("c")
	sub, err := c.Subscribe(ctx, "/presence/1")
	require.NoError(t, err)
	next(t, sub)

	require.NoError(t, c.Close())
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.ErrorIs(t, c.Set(ctx, "/presence/1", "x"), tree.ErrClosed)
}

func TestDropFiresArmedWrites(t *testing.T) {
	ctx := context.Background()
	tr := New()
	tr.now = func() time.Time { return time.UnixMilli(5000) }
	client := tr.Connect("client")
	observer := tr.Connect("observer")

	require.NoError(t, client.OnDisconnect(ctx, "/presence/7", map[string]any{"state": "offline", "last_changed": tree.ServerTimestamp}))
	require.NoError(t, client.Set(ctx, "/presence/7", map[string]any{"state": "online", "last_changed": tree.ServerTimestamp}))
	require.NoError(t, client.OnDisconnect(ctx, "/presence/8", "x"))
	require.NoError(t, client.CancelOnDisconnect(ctx, "/presence/8"))

	select {
	case <-client.Done():
		t.Fatal("done before drop")
	default:
	}
	tr.Drop("client")
	<-client.Done()

	snap, err := observer.Get(ctx, "/presence/7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"offline","last_changed":5000}`, string(snap.Value))

	snap, err = observer.Get(ctx, "/presence/8")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestFailWrites(t *testing.T) {
	ctx := context.Background()
	tr := New()
	c := tr.Connect("c")
	boom := errors.New("denied")

	tr.FailWrites("/conversations", boom)
	_, err := c.Push(ctx, "/conversations/x", "m")
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, c.Set(ctx, "/presence/1", "ok"))

	tr.FailWrites("/conversations", nil)
	_, err = c.Push(ctx, "/conversations/x", "m")
	assert.NoError(t, err)
}
