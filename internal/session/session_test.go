package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/chatsync/internal/blob"
	"yuim/chatsync/internal/conversation"
	"yuim/chatsync/internal/device"
	"yuim/chatsync/internal/presence"
	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree"
	"yuim/chatsync/pkg/tree/memtree"
)

var fixedNow = time.Date(2024, 5, 6, 6, 8, 9, 123_000_000, time.UTC)

type harness struct {
	tree   *memtree.Tree
	conn   *memtree.Conn
	store  *conversation.Store
	blobs  *blob.MemoryStore
	s      *Session
	mu     sync.Mutex
	alerts []Alert
}

func (h *harness) Alerts() []Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Alert(nil), h.alerts...)
}

func open(t *testing.T, self, peer string, edit func(*Config)) *harness {
	t.Helper()
	h := &harness{tree: memtree.New(), blobs: blob.NewMemoryStore("http://files")}
	h.conn = h.tree.Connect(self)
	h.store = conversation.NewStore(h.conn, nil)
	cfg := Config{
		Self:     self,
		Peer:     peer,
		Store:    h.store,
		Presence: presence.NewTracker(h.conn, nil, presence.Options{}),
		Blobs:    h.blobs,
		Locator:  device.FixedLocator{Latitude: 36.8, Longitude: 10.18},
		Gallery:  device.StaticSource{Photo: device.Photo{Data: []byte("gallery"), ContentType: "image/png"}},
		Camera:   device.StaticSource{Photo: device.Photo{Data: []byte("camera"), ContentType: "image/jpeg"}},
		Now:      func() time.Time { return fixedNow },
		OnAlert: func(a Alert) {
			h.mu.Lock()
			h.alerts = append(h.alerts, a)
			h.mu.Unlock()
		},
	}
	if edit != nil {
		edit(&cfg)
	}
	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	h.s = s
	return h
}

func (h *harness) stored(t *testing.T) []tree.Child {
	t.Helper()
	snap, err := h.conn.Get(context.Background(), tree.Join(conversation.Root, h.s.ConversationID()))
	require.NoError(t, err)
	var out []tree.Child
	for _, ch := range snap.Children {
		if ch.Key != "typing" {
			out = append(out, ch)
		}
	}
	return out
}

func (h *harness) typing(t *testing.T) string {
	t.Helper()
	snap, err := h.conn.Get(context.Background(), tree.Join(conversation.Root, h.s.ConversationID(), "typing"))
	require.NoError(t, err)
	var uid string
	_, err = snap.Decode(&uid)
	require.NoError(t, err)
	return uid
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestSendTextScenario(t *testing.T) {
	ctx := context.Background()
	h := open(t, "100", "42", nil)
	assert.Equal(t, "10042", h.s.ConversationID())

	h.s.OnTextChanged(ctx, "hello ")
	assert.Equal(t, "100", h.typing(t))
	assert.Equal(t, Composing, h.s.View().State)

	require.NoError(t, h.s.Send(ctx))

	children := h.stored(t)
	require.Len(t, children, 1)
	want := fmt.Sprintf(`{"id":"%d","text":"hello","sender":"100","receiver":"42","date":"2024-05-06T06:08:09.123Z","location":null,"file":null}`, fixedNow.UnixMilli())
	assert.JSONEq(t, want, string(children[0].Value))

	v := h.s.View()
	assert.Equal(t, "", v.Draft)
	assert.Equal(t, Idle, v.State)
	assert.Equal(t, "", h.typing(t))
	eventually(t, func() bool { return len(h.s.View().Messages) == 1 })
	assert.Empty(t, h.Alerts())
}

func TestEmptySendIsNoop(t *testing.T) {
	ctx := context.Background()
	h := open(t, "1", "2", nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		h.s.OnTextChanged(ctx, text)
		before := h.s.View()
		require.NoError(t, h.s.Send(ctx))
		assert.Equal(t, before, h.s.View())
	}
	assert.Empty(t, h.stored(t))
}

func TestFailedSendKeepsDraft(t *testing.T) {
	ctx := context.Background()
	h := open(t, "100", "42", nil)
	h.s.OnTextChanged(ctx, "hello")

	h.tree.FailWrites(conversation.Root, errors.New("permission_denied"))
	err := h.s.Send(ctx)
	require.ErrorIs(t, err, chat.ErrWrite)

	v := h.s.View()
	assert.Equal(t, "hello", v.Draft)
	assert.Equal(t, SendFailed, v.State)
	assert.Empty(t, v.Messages)
	alerts := h.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "send: message not sent, try again", alerts[0].Message())

	h.tree.FailWrites(conversation.Root, nil)
	h.s.OnTextChanged(ctx, "hello")
	assert.Equal(t, Composing, h.s.View().State)
	require.NoError(t, h.s.Send(ctx))
	assert.Len(t, h.stored(t), 1)
}

func TestRenderedListFollowsLastSnapshot(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var views []View
	h := open(t, "1", "2", func(c *Config) {
		c.OnRender = func(v View) {
			mu.Lock()
			views = append(views, v)
			mu.Unlock()
		}
	})

	const n = 25
	for i := 0; i < n; i++ {
		_, err := h.store.AppendMessage(ctx, h.s.ConversationID(), chat.Message{ID: fmt.Sprint(i), Text: fmt.Sprint("m", i), Sender: "2", Receiver: "1"})
		require.NoError(t, err)
	}

	eventually(t, func() bool { return len(h.s.View().Messages) == n })
	msgs := h.s.View().Messages
	seen := map[string]bool{}
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprint(n-1-i), m.ID)
		assert.False(t, seen[m.Key], "duplicate %s", m.Key)
		seen[m.Key] = true
	}

	mu.Lock()
	defer mu.Unlock()
	last := 0
	for _, v := range views {
		assert.GreaterOrEqual(t, len(v.Messages), last, "rendered views went backwards")
		last = len(v.Messages)
	}
}

func TestAttachFileSendsImmediately(t *testing.T) {
	ctx := context.Background()
	h := open(t, "100", "42", nil)

	require.NoError(t, h.s.AttachFile(ctx, device.Photo{Data: []byte("img"), ContentType: "image/png"}))

	children := h.stored(t)
	require.Len(t, children, 1)
	var m chat.Message
	require.NoError(t, json.Unmarshal(children[0].Value, &m))
	require.NotNil(t, m.File)
	assert.Equal(t, "http://files/files/100", *m.File)
	assert.Equal(t, "", m.Text)
	assert.Nil(t, m.Location)
	data, _, err := h.blobs.Get(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)
}

func TestAttachLeavesDraftAlone(t *testing.T) {
	ctx := context.Background()
	h := open(t, "100", "42", nil)
	h.s.OnTextChanged(ctx, "pending text")

	require.NoError(t, h.s.AttachLocation(ctx))

	children := h.stored(t)
	require.Len(t, children, 1)
	var m chat.Message
	require.NoError(t, json.Unmarshal(children[0].Value, &m))
	assert.Equal(t, &chat.Location{Latitude: 36.8, Longitude: 10.18}, m.Location)
	assert.Equal(t, "", m.Text)

	v := h.s.View()
	assert.Equal(t, "pending text", v.Draft)
	assert.Equal(t, Composing, v.State)
	assert.Equal(t, "100", h.typing(t))
}

func TestCameraAndGalleryKeys(t *testing.T) {
	ctx := context.Background()
	h := open(t, "7", "", nil)
	assert.Equal(t, chat.GroupConversationID, h.s.ConversationID())

	require.NoError(t, h.s.AttachFromCamera(ctx))
	require.NoError(t, h.s.AttachFromGallery(ctx))

	cam, _, err := h.blobs.Get(ctx, "7-camera")
	require.NoError(t, err)
	assert.Equal(t, []byte("camera"), cam)
	gal, _, err := h.blobs.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, []byte("gallery"), gal)

	children := h.stored(t)
	require.Len(t, children, 2)
	var m chat.Message
	require.NoError(t, json.Unmarshal(children[0].Value, &m))
	assert.Equal(t, "", m.Receiver)
	assert.NotContains(t, string(children[0].Value), "receiver")
}

func TestDeviceErrors(t *testing.T) {
	ctx := context.Background()
	h := open(t, "1", "2", func(c *Config) {
		c.Locator = device.DeniedLocator{}
		c.Gallery = device.StaticSource{Err: chat.ErrSelectionCancelled}
	})

	err := h.s.AttachLocation(ctx)
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)
	assert.NoError(t, h.s.AttachFromGallery(ctx))

	alerts := h.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "location: permission denied", alerts[0].Message())
	assert.Empty(t, h.stored(t))
}

func TestFailedAttachIsRetriedBySend(t *testing.T) {
	ctx := context.Background()
	h := open(t, "1", "2", nil)

	h.tree.FailWrites(conversation.Root, errors.New("offline"))
	assert.ErrorIs(t, h.s.AttachLocation(ctx), chat.ErrWrite)
	assert.Empty(t, h.stored(t))

	h.tree.FailWrites(conversation.Root, nil)
	require.NoError(t, h.s.Send(ctx))
	children := h.stored(t)
	require.Len(t, children, 1)
	var m chat.Message
	require.NoError(t, json.Unmarshal(children[0].Value, &m))
	assert.NotNil(t, m.Location)

	require.NoError(t, h.s.Send(ctx))
	assert.Len(t, h.stored(t), 1)
}

func TestPeerTypingAndPresence(t *testing.T) {
	ctx := context.Background()
	h := open(t, "1", "2", nil)

	require.NoError(t, h.store.SetTyping(ctx, h.s.ConversationID(), "1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, h.s.View().PeerTyping)

	require.NoError(t, h.store.SetTyping(ctx, h.s.ConversationID(), "2"))
	eventually(t, func() bool { return h.s.View().PeerTyping })

	peer := h.tree.Connect("peer")
	presence.NewTracker(peer, nil, presence.Options{}).SetOnline(ctx, "2")
	eventually(t, func() bool { return h.s.View().PeerOnline })
	h.tree.Drop("peer")
	eventually(t, func() bool { return !h.s.View().PeerOnline })
}

type gatedLocator struct {
	started chan struct{}
	release chan struct{}
}

func (g gatedLocator) CurrentLocation(ctx context.Context) (chat.Location, error) {
	close(g.started)
	<-g.release
	return chat.Location{Latitude: 1, Longitude: 2}, nil
}

func TestDisposeDropsLateAttachment(t *testing.T) {
	ctx := context.Background()
	loc := gatedLocator{started: make(chan struct{}), release: make(chan struct{})}
	h := open(t, "1", "2", func(c *Config) { c.Locator = loc })

	errc := make(chan error, 1)
	go func() { errc <- h.s.AttachLocation(ctx) }()
	<-loc.started
	h.s.Dispose()
	close(loc.release)

	require.NoError(t, <-errc)
	assert.Empty(t, h.stored(t))

	h.s.OnTextChanged(ctx, "late")
	assert.NoError(t, h.s.Send(ctx))
	assert.Empty(t, h.stored(t))
}

func TestViewJSONRoundTrip(t *testing.T) {
	for _, st := range []State{Idle, Composing, Sending, SendFailed} {
		in := View{ConversationID: "10042", Messages: []chat.Message{{Text: "hi", Sender: "100"}}, Draft: "x", State: st}
		b, err := json.Marshal(in)
		require.NoError(t, err)
		var out View
		require.NoError(t, json.Unmarshal(b, &out), string(b))
		assert.Equal(t, st, out.State)
		assert.Equal(t, in.Messages[0].Text, out.Messages[0].Text)
	}

	var st State
	assert.Error(t, st.UnmarshalText([]byte("dancing")))
}

func TestClearingInputClearsTyping(t *testing.T) {
	ctx := context.Background()
	h := open(t, "100", "42", nil)

	h.s.OnTextChanged(ctx, "hi")
	assert.Equal(t, "100", h.typing(t))
	assert.Equal(t, Composing, h.s.View().State)

	h.s.OnTextChanged(ctx, "")
	assert.Equal(t, "", h.typing(t))
	assert.Equal(t, Idle, h.s.View().State)
}
