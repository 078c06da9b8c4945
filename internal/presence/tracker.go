// Package presence publishes and observes whether users are connected.
package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"yuim/chatsync/internal/metrics"
	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree"
)

const Root = "/presence"

type Options struct {
	// WriteTimeout bounds each fire-and-forget write.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Tracker writes presence records. Writes never report failure to the caller:
// they are logged and counted, and not retried.
type Tracker struct {
	tree tree.Store
	log  *zap.Logger
	opt  Options
}

func NewTracker(ts tree.Store, log *zap.Logger, opt Options) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{tree: ts, log: log, opt: opt.withDefaults()}
}

func path(userID string) string { return tree.Join(Root, userID) }

func record(state chat.PresenceState) map[string]any {
	return map[string]any{"state": state, "last_changed": tree.ServerTimestamp}
}

// SetOnline arms the offline write on disconnect, then marks userID online.
func (t *Tracker) SetOnline(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, t.opt.WriteTimeout)
	defer cancel()

	p := path(userID)
	if err := t.tree.OnDisconnect(ctx, p, record(chat.Offline)); err != nil {
		metrics.PresenceWrites.WithLabelValues("arm", "error").Inc()
		t.log.Warn("arm offline on disconnect failed", zap.String("uid", userID), zap.Error(err))
	}
	t.write(ctx, userID, chat.Online)
}

// SetOffline marks userID offline. The armed disconnect write stays in place.
func (t *Tracker) SetOffline(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(ctx, t.opt.WriteTimeout)
	defer cancel()
	t.write(ctx, userID, chat.Offline)
}

func (t *Tracker) write(ctx context.Context, userID string, state chat.PresenceState) {
	if err := t.tree.Set(ctx, path(userID), record(state)); err != nil {
		metrics.PresenceWrites.WithLabelValues(string(state), "error").Inc()
		t.log.Warn("presence write failed", zap.String("uid", userID), zap.String("state", string(state)), zap.Error(err))
		return
	}
	metrics.PresenceWrites.WithLabelValues(string(state), "ok").Inc()
}

// Subscribe streams the presence record of userID. Users that never connected
// appear offline with LastChanged 0.
func (t *Tracker) Subscribe(ctx context.Context, userID string) (*tree.Stream[chat.PresenceRecord], error) {
	sub, err := t.tree.Subscribe(ctx, path(userID))
	if err != nil {
		return nil, err
	}
	metrics.ActiveSubscriptions.WithLabelValues("presence").Inc()
	go func() {
		<-sub.Done()
		metrics.ActiveSubscriptions.WithLabelValues("presence").Dec()
	}()
	return tree.Watch(sub, func(snap tree.Snapshot) (chat.PresenceRecord, bool) {
		return t.decode(userID, snap), true
	}), nil
}

// IsOnline reads the current record of userID. Read errors count as offline.
func (t *Tracker) IsOnline(ctx context.Context, userID string) bool {
	snap, err := t.tree.Get(ctx, path(userID))
	if err != nil {
		t.log.Warn("presence read failed", zap.String("uid", userID), zap.Error(err))
		return false
	}
	return t.decode(userID, snap).Online()
}

func (t *Tracker) decode(userID string, snap tree.Snapshot) chat.PresenceRecord {
	rec := chat.PresenceRecord{State: chat.Offline}
	if _, err := snap.Decode(&rec); err != nil {
		t.log.Warn("malformed presence record", zap.String("uid", userID), zap.Error(err))
		return chat.PresenceRecord{State: chat.Offline}
	}
	return rec
}
