package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree/memtree"
)

func recv(t *testing.T, c <-chan chat.PresenceRecord) chat.PresenceRecord {
	t.Helper()
	select {
	case rec, ok := <-c:
		require.True(t, ok, "stream closed")
		return rec
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence")
		return chat.PresenceRecord{}
	}
}

func TestOnlineThenDropGoesOffline(t *testing.T) {
	ctx := context.Background()
	tr := memtree.New()
	client := tr.Connect("client")
	watcher := NewTracker(tr.Connect("watcher"), nil, Options{})

	st, err := watcher.Subscribe(ctx, "42")
	require.NoError(t, err)
	defer st.Close()
	first := recv(t, st.C())
	assert.False(t, first.Online())
	assert.Zero(t, first.LastChanged)

	NewTracker(client, nil, Options{}).SetOnline(ctx, "42")
	rec := recv(t, st.C())
	assert.True(t, rec.Online())
	assert.NotZero(t, rec.LastChanged)
	assert.True(t, watcher.IsOnline(ctx, "42"))

	tr.Drop("client")
	rec = recv(t, st.C())
	assert.Equal(t, chat.Offline, rec.State)
	assert.NotZero(t, rec.LastChanged)
	assert.False(t, watcher.IsOnline(ctx, "42"))
}

func TestSetOfflineKeepsArmedWrite(t *testing.T) {
	ctx := context.Background()
	tr := memtree.New()
	client := tr.Connect("client")
	observer := NewTracker(tr.Connect("observer"), nil, Options{})
	p := NewTracker(client, nil, Options{})

	p.SetOnline(ctx, "7")
	p.SetOffline(ctx, "7")
	assert.False(t, observer.IsOnline(ctx, "7"))

	// a later sign-in on the same connection re-arms and goes online again
	p.SetOnline(ctx, "7")
	assert.True(t, observer.IsOnline(ctx, "7"))
	tr.Drop("client")
	assert.False(t, observer.IsOnline(ctx, "7"))
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	tr := memtree.New()
	tr.FailWrites(Root, errors.New("offline"))
	p := NewTracker(tr.Connect("c"), nil, Options{WriteTimeout: time.Second})

	assert.NotPanics(t, func() {
		p.SetOnline(ctx, "1")
		p.SetOffline(ctx, "1")
	})
	assert.False(t, p.IsOnline(ctx, "1"))
}
