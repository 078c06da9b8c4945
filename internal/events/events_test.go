package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/chatsync/pkg/chat"
)

type fakePublisher struct {
	mu   sync.Mutex
	got  []*Event
	gate chan struct{}
}

func (f *fakePublisher) Publish(_ context.Context, evt *Event) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.got = append(f.got, evt)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) events() []*Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Event(nil), f.got...)
}

func TestSinkBuildsEvent(t *testing.T) {
	pub := &fakePublisher{}
	s := NewSink(pub)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	m := chat.Message{Key: "k1", ID: "1", Text: "hi", Sender: "100", Receiver: "42"}
	require.NoError(t, s.MessageAppended(context.Background(), "10042", m))
	require.NoError(t, s.MessageAppended(context.Background(), chat.GroupConversationID, m))

	got := pub.events()
	require.Len(t, got, 2)
	assert.Equal(t, &Event{Event: MessageAppended, TS: 1700000000, ConvID: "10042", Key: "k1", Msg: m}, got[0])
	assert.True(t, got[1].Group)
}

func TestRocketMQMessage(t *testing.T) {
	r := &RocketMQProducer{cfg: RocketMQSettings{Topic: "chat-events", Tag: "append"}}
	m, err := r.message(&Event{Event: MessageAppended, ConvID: "10042", Key: "k1"})
	require.NoError(t, err)

	assert.Equal(t, "chat-events", m.Topic)
	assert.Equal(t, "append", m.GetTags())
	assert.Equal(t, "10042", m.GetShardingKey())
	var evt Event
	require.NoError(t, json.Unmarshal(m.Body, &evt))
	assert.Equal(t, "k1", evt.Key)
}

func TestNewRocketMQValidates(t *testing.T) {
	for _, cfg := range []RocketMQSettings{
		{},
		{NameServer: "127.0.0.1:9876"},
		{NameServer: "127.0.0.1:9876", Group: "chat"},
	} {
		_, err := NewRocketMQ(cfg)
		assert.Error(t, err)
	}
}

func TestAsyncQueuesAndDrains(t *testing.T) {
	pub := &fakePublisher{gate: make(chan struct{})}
	a := NewAsync(pub, nil, AsyncOptions{QueueSize: 2})
	a.Start()

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, &Event{Key: "1"}))
	// the worker holds the first event at the gate
	require.Eventually(t, func() bool { return len(a.q) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Publish(ctx, &Event{Key: "2"}))
	require.NoError(t, a.Publish(ctx, &Event{Key: "3"}))
	assert.ErrorIs(t, a.Publish(ctx, &Event{Key: "4"}), ErrQueueFull)

	close(pub.gate)
	a.Stop()
	var keys []string
	for _, e := range pub.events() {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"1", "2", "3"}, keys)
}
