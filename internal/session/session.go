// Package session drives one open conversation: it renders the live message
// list and typing indicator and turns user actions into writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"yuim/chatsync/internal/blob"
	"yuim/chatsync/internal/conversation"
	"yuim/chatsync/internal/device"
	"yuim/chatsync/internal/metrics"
	"yuim/chatsync/internal/presence"
	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree"
)

type State int

const (
	Idle State = iota
	Composing
	Sending
	SendFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Composing:
		return "composing"
	case Sending:
		return "sending"
	case SendFailed:
		return "send_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "composing":
		*s = Composing
	case "sending":
		*s = Sending
	case "send_failed":
		*s = SendFailed
	default:
		return fmt.Errorf("session: unknown state %q", b)
	}
	return nil
}

// View is what the conversation screen shows.
type View struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []chat.Message `json:"messages"` // newest first
	PeerTyping     bool           `json:"peer_typing"`
	PeerOnline     bool           `json:"peer_online"`
	Draft          string         `json:"draft"`
	State          State          `json:"state"`
}

// Alert is a user-visible failure. Cancelled selections never produce one.
type Alert struct {
	Action string
	Err    error
}

func (a Alert) Message() string {
	switch {
	case errors.Is(a.Err, chat.ErrPermissionDenied):
		return a.Action + ": permission denied"
	case errors.Is(a.Err, chat.ErrWrite):
		return a.Action + ": message not sent, try again"
	default:
		return a.Action + ": " + a.Err.Error()
	}
}

type Config struct {
	Self string
	// Peer is the other participant; empty opens the group conversation.
	Peer string

	Store    *conversation.Store
	Presence *presence.Tracker // optional, drives View.PeerOnline
	Blobs    blob.Store
	Locator  device.Locator
	Gallery  device.PhotoSource
	Camera   device.PhotoSource
	Log      *zap.Logger

	// OnRender receives every new view, in order, from a single goroutine.
	OnRender func(View)
	OnAlert  func(Alert)
	Now      func() time.Time
}

type Session struct {
	cfg    Config
	convID string
	log    *zap.Logger

	messages *tree.Stream[conversation.Snapshot]
	typing   *tree.Stream[string]
	peer     *tree.Stream[chat.PresenceRecord]

	changed chan struct{}
	stop    chan struct{}
	done    chan struct{}

	sendMu sync.Mutex // serializes writes of messages

	mu          sync.Mutex
	disposed    bool
	state       State
	draft       string
	pendingLoc  *chat.Location
	pendingFile *string
	rendered    []chat.Message
	typingUser  string
	peerOnline  bool
}

// Open subscribes to the conversation between cfg.Self and cfg.Peer.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Self == "" {
		return nil, errors.New("session: missing self id")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: missing conversation store")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	convID := chat.GroupConversationID
	if cfg.Peer != "" {
		convID = chat.ConversationID(cfg.Self, cfg.Peer)
	}
	s := &Session{
		cfg:      cfg,
		convID:   convID,
		log:      cfg.Log.With(zap.String("conv", convID), zap.String("uid", cfg.Self)),
		changed:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		rendered: []chat.Message{},
	}

	var err error
	if s.messages, err = cfg.Store.Subscribe(ctx, convID); err != nil {
		return nil, err
	}
	if s.typing, err = cfg.Store.SubscribeTyping(ctx, convID); err != nil {
		s.messages.Close()
		return nil, err
	}
	if cfg.Presence != nil && cfg.Peer != "" {
		if s.peer, err = cfg.Presence.Subscribe(ctx, cfg.Peer); err != nil {
			s.messages.Close()
			s.typing.Close()
			return nil, err
		}
	}
	go s.run()
	return s, nil
}

func (s *Session) ConversationID() string { return s.convID }

func (s *Session) run() {
	defer close(s.done)
	var peer <-chan chat.PresenceRecord
	if s.peer != nil {
		peer = s.peer.C()
	}
	msgs, typing := s.messages.C(), s.typing.C()
	for {
		select {
		case <-s.stop:
			return
		case snap, ok := <-msgs:
			if !ok {
				msgs = nil
				s.streamEnded("messages", s.messages.Err())
				continue
			}
			s.mu.Lock()
			s.rendered = newestFirst(snap.Messages)
			s.mu.Unlock()
		case uid, ok := <-typing:
			if !ok {
				typing = nil
				s.streamEnded("typing", s.typing.Err())
				continue
			}
			s.mu.Lock()
			s.typingUser = uid
			s.mu.Unlock()
		case rec, ok := <-peer:
			if !ok {
				peer = nil
				s.streamEnded("peer presence", s.peer.Err())
				continue
			}
			s.mu.Lock()
			s.peerOnline = rec.Online()
			s.mu.Unlock()
		case <-s.changed:
		}
		if s.cfg.OnRender != nil {
			s.cfg.OnRender(s.View())
		}
	}
}

func (s *Session) streamEnded(name string, err error) {
	if err != nil {
		s.log.Warn("stream ended", zap.String("stream", name), zap.Error(err))
	}
}

func newestFirst(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}

func (s *Session) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// View returns the current view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]chat.Message, len(s.rendered))
	copy(msgs, s.rendered)
	return View{
		ConversationID: s.convID,
		Messages:       msgs,
		PeerTyping:     s.typingUser != "" && s.typingUser != s.cfg.Self,
		PeerOnline:     s.peerOnline,
		Draft:          s.draft,
		State:          s.state,
	}
}

func (s *Session) alert(action string, err error) {
	s.log.Warn("action failed", zap.String("action", action), zap.Error(err))
	if s.cfg.OnAlert != nil {
		s.cfg.OnAlert(Alert{Action: action, Err: err})
	}
}

// OnTextChanged records the draft and publishes the typing indicator.
func (s *Session) OnTextChanged(ctx context.Context, text string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.draft = text
	if s.state != Sending {
		if text == "" {
			s.state = Idle
		} else {
			s.state = Composing
		}
	}
	s.mu.Unlock()
	s.notify()

	typing := s.cfg.Self
	if text == "" {
		typing = ""
	}
	if err := s.cfg.Store.SetTyping(ctx, s.convID, typing); err != nil {
		s.log.Warn("typing update failed", zap.Error(err))
	}
}

// Send writes the draft together with any attachment whose immediate send
// failed earlier. Nothing is written when all of them are empty.
func (s *Session) Send(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	sent := s.draft
	m := s.newMessage(strings.TrimSpace(sent), s.pendingLoc, s.pendingFile)
	if m.Empty() {
		s.mu.Unlock()
		return nil
	}
	s.state = Sending
	s.mu.Unlock()
	s.notify()

	_, err := s.cfg.Store.AppendMessage(ctx, s.convID, m)

	s.mu.Lock()
	if err != nil {
		s.state = SendFailed
		s.mu.Unlock()
		s.notify()
		s.alert("send", err)
		return err
	}
	s.pendingLoc, s.pendingFile = nil, nil
	s.state = Idle
	// text typed while the write was in flight survives
	if s.draft == sent {
		s.draft = ""
	} else if s.draft != "" {
		s.state = Composing
	}
	s.mu.Unlock()
	s.notify()

	if err := s.cfg.Store.SetTyping(ctx, s.convID, ""); err != nil {
		s.log.Warn("typing clear failed", zap.Error(err))
	}
	return nil
}

// newMessage builds a message stamped now. Callers hold s.mu.
func (s *Session) newMessage(text string, loc *chat.Location, file *string) chat.Message {
	now := s.cfg.Now()
	return chat.Message{
		ID:       chat.NewMessageID(now),
		Text:     text,
		Sender:   s.cfg.Self,
		Receiver: s.cfg.Peer,
		Date:     chat.FormatDate(now),
		Location: loc,
		File:     file,
	}
}

// AttachLocation sends the current position as its own message.
func (s *Session) AttachLocation(ctx context.Context) error {
	if s.cfg.Locator == nil {
		return s.acquireFailed("location", chat.ErrPermissionDenied)
	}
	loc, err := s.cfg.Locator.CurrentLocation(ctx)
	if err != nil {
		return s.acquireFailed("location", err)
	}
	return s.sendAttachment(ctx, "location", &loc, nil)
}

// AttachFile uploads photo under the user's id and sends its URL as its own message.
func (s *Session) AttachFile(ctx context.Context, photo device.Photo) error {
	return s.attachPhoto(ctx, "photo", s.cfg.Self, photo)
}

// AttachFromGallery picks a photo from the library and attaches it.
func (s *Session) AttachFromGallery(ctx context.Context) error {
	return s.pickAndAttach(ctx, "gallery", s.cfg.Gallery, s.cfg.Self)
}

// AttachFromCamera captures a photo and attaches it under a camera-specific key.
func (s *Session) AttachFromCamera(ctx context.Context) error {
	return s.pickAndAttach(ctx, "camera", s.cfg.Camera, s.cfg.Self+"-camera")
}

func (s *Session) pickAndAttach(ctx context.Context, action string, src device.PhotoSource, key string) error {
	if src == nil {
		return s.acquireFailed(action, chat.ErrPermissionDenied)
	}
	photo, err := src.Pick(ctx)
	if err != nil {
		return s.acquireFailed(action, err)
	}
	return s.attachPhoto(ctx, action, key, photo)
}

func (s *Session) attachPhoto(ctx context.Context, action, key string, photo device.Photo) error {
	if s.cfg.Blobs == nil {
		return s.acquireFailed(action, errors.New("no file storage configured"))
	}
	if s.isDisposed() {
		return nil
	}
	u, err := blob.Upload(ctx, s.cfg.Blobs, key, photo.Data, photo.ContentType)
	if err != nil {
		metrics.Uploads.WithLabelValues("error").Inc()
		return s.acquireFailed(action, err)
	}
	metrics.Uploads.WithLabelValues("ok").Inc()
	return s.sendAttachment(ctx, action, nil, &u)
}

// acquireFailed handles a device or upload failure. A cancelled selection is not reported.
func (s *Session) acquireFailed(action string, err error) error {
	if errors.Is(err, chat.ErrSelectionCancelled) {
		return nil
	}
	if s.isDisposed() {
		return nil
	}
	s.alert(action, err)
	return err
}

func (s *Session) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// sendAttachment writes a message carrying only loc or file. The draft is not
// touched. On failure the attachment stays pending for the next Send.
func (s *Session) sendAttachment(ctx context.Context, action string, loc *chat.Location, file *string) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	if loc != nil {
		s.pendingLoc = loc
	}
	if file != nil {
		s.pendingFile = file
	}
	m := s.newMessage("", loc, file)
	s.state = Sending
	s.mu.Unlock()
	s.notify()

	_, err := s.cfg.Store.AppendMessage(ctx, s.convID, m)

	s.mu.Lock()
	if err != nil {
		s.state = SendFailed
		s.mu.Unlock()
		s.notify()
		s.alert(action, err)
		return err
	}
	if loc != nil {
		s.pendingLoc = nil
	}
	if file != nil {
		s.pendingFile = nil
	}
	s.state = Idle
	if s.draft != "" {
		s.state = Composing
	}
	clearTyping := s.draft == ""
	s.mu.Unlock()
	s.notify()

	if clearTyping {
		if err := s.cfg.Store.SetTyping(ctx, s.convID, ""); err != nil {
			s.log.Warn("typing clear failed", zap.Error(err))
		}
	}
	return nil
}

// Dispose stops both subscriptions. Writes that complete their device or upload
// step afterwards are dropped. It must not be called from OnRender.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.messages.Close()
	s.typing.Close()
	if s.peer != nil {
		s.peer.Close()
	}
	close(s.stop)
	<-s.done
}
