// Package events announces appended messages on a message queue so other
// services (push, search, moderation) can react without reading the tree.
package events

import (
	"context"
	"time"

	"yuim/chatsync/pkg/chat"
)

const MessageAppended = "message.appended"

// Event is the queue envelope. Treat it as a contract and version it on breaking changes.
type Event struct {
	Event  string       `json:"event"`
	TS     int64        `json:"ts"` // unix seconds
	ConvID string       `json:"conv_id"`
	Key    string       `json:"key"`
	Group  bool         `json:"group"`
	Msg    chat.Message `json:"msg"`
}

type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
}

// Sink turns appended messages into events.
type Sink struct {
	pub Publisher
	now func() time.Time
}

func NewSink(pub Publisher) *Sink {
	return &Sink{pub: pub, now: time.Now}
}

func (s *Sink) MessageAppended(ctx context.Context, conversationID string, m chat.Message) error {
	return s.pub.Publish(ctx, &Event{
		Event:  MessageAppended,
		TS:     s.now().Unix(),
		ConvID: conversationID,
		Key:    m.Key,
		Group:  conversationID == chat.GroupConversationID,
		Msg:    m,
	})
}
