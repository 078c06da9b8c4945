// Package conversation keeps the messages and typing indicator of each
// conversation in the realtime tree.
package conversation

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"yuim/chatsync/internal/metrics"
	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree"
)

const (
	Root       = "/conversations"
	typingLeaf = "typing"
)

// Snapshot is the complete message set of a conversation, oldest first.
type Snapshot struct {
	ConversationID string
	Messages       []chat.Message
}

// Sink observes messages after they were appended. Sink errors are logged and
// never fail the append.
type Sink interface {
	MessageAppended(ctx context.Context, conversationID string, m chat.Message) error
}

// Store reads and writes conversations.
//
// Every subscription emission carries the full message set, so cost grows
// with conversation length. There is no paging.
type Store struct {
	tree  tree.Store
	log   *zap.Logger
	sinks map[string]Sink
}

func NewStore(ts tree.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{tree: ts, log: log, sinks: make(map[string]Sink)}
}

// AddSink registers a sink under name, which labels its failures.
func (s *Store) AddSink(name string, sink Sink) {
	s.sinks[name] = sink
}

func path(conversationID string) string {
	return tree.Join(Root, conversationID)
}

// Subscribe streams the message set of conversationID. The typing field is not
// a message and is left out.
func (s *Store) Subscribe(ctx context.Context, conversationID string) (*tree.Stream[Snapshot], error) {
	sub, err := s.tree.Subscribe(ctx, path(conversationID))
	if err != nil {
		return nil, err
	}
	metrics.ActiveSubscriptions.WithLabelValues("messages").Inc()
	go func() {
		<-sub.Done()
		metrics.ActiveSubscriptions.WithLabelValues("messages").Dec()
	}()
	return tree.Watch(sub, func(snap tree.Snapshot) (Snapshot, bool) {
		return s.decode(conversationID, snap), true
	}), nil
}

func (s *Store) decode(conversationID string, snap tree.Snapshot) Snapshot {
	out := Snapshot{ConversationID: conversationID, Messages: make([]chat.Message, 0, len(snap.Children))}
	for _, ch := range snap.Children {
		if ch.Key == typingLeaf {
			continue
		}
		var m chat.Message
		if err := json.Unmarshal(ch.Value, &m); err != nil {
			s.log.Warn("skip malformed message", zap.String("conv", conversationID), zap.String("key", ch.Key), zap.Error(err))
			continue
		}
		m.Key = ch.Key
		out.Messages = append(out.Messages, m)
	}
	return out
}

// SubscribeTyping streams who is typing in conversationID; "" means nobody.
func (s *Store) SubscribeTyping(ctx context.Context, conversationID string) (*tree.Stream[string], error) {
	p := tree.Join(Root, conversationID, typingLeaf)
	sub, err := s.tree.Subscribe(ctx, p)
	if err != nil {
		return nil, err
	}
	metrics.ActiveSubscriptions.WithLabelValues("typing").Inc()
	go func() {
		<-sub.Done()
		metrics.ActiveSubscriptions.WithLabelValues("typing").Dec()
	}()
	return tree.Watch(sub, func(snap tree.Snapshot) (string, bool) {
		var uid string
		if _, err := snap.Decode(&uid); err != nil {
			s.log.Warn("malformed typing field", zap.String("conv", conversationID), zap.Error(err))
			return "", true
		}
		return uid, true
	}), nil
}

// AppendMessage writes m under a new store-generated key and returns the key.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, m chat.Message) (string, error) {
	p := path(conversationID)
	key, err := s.tree.Push(ctx, p, m)
	if err != nil {
		metrics.WriteFailures.WithLabelValues("append").Inc()
		return "", &chat.WriteError{Path: p, Err: err}
	}
	m.Key = key
	metrics.MessagesAppended.WithLabelValues(kind(m)).Inc()

	for name, sink := range s.sinks {
		if err := sink.MessageAppended(ctx, conversationID, m); err != nil {
			metrics.SinkFailures.WithLabelValues(name).Inc()
			s.log.Warn("sink failed", zap.String("sink", name), zap.String("conv", conversationID), zap.String("key", key), zap.Error(err))
		}
	}
	return key, nil
}

// SetTyping marks userID as typing in conversationID. An empty userID clears the field.
func (s *Store) SetTyping(ctx context.Context, conversationID, userID string) error {
	p := tree.Join(Root, conversationID, typingLeaf)
	var v any
	if userID != "" {
		v = userID
	}
	if err := s.tree.Set(ctx, p, v); err != nil {
		metrics.WriteFailures.WithLabelValues("typing").Inc()
		return &chat.WriteError{Path: p, Err: err}
	}
	return nil
}

func kind(m chat.Message) string {
	switch {
	case m.Location != nil:
		return "location"
	case m.File != nil:
		return "file"
	default:
		return "text"
	}
}
