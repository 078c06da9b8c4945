// Package gateway serves chat sessions over websockets. Each socket gets its
// own tree connection, so closing or losing the socket fires that
// connection's armed writes and takes the user offline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yuim/chatsync/internal/blob"
	"yuim/chatsync/internal/conversation"
	"yuim/chatsync/internal/metrics"
	"yuim/chatsync/internal/presence"
	"yuim/chatsync/internal/session"
	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree"
)

// Dialer opens a backend connection for one socket.
type Dialer func(ctx context.Context) (tree.Conn, error)

// History pages archived messages, newest first.
type History interface {
	History(ctx context.Context, conversationID, beforeKey string, limit int) ([]chat.Message, error)
}

type Options struct {
	WriteTimeout time.Duration
	OutQueue     int
	DialTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.OutQueue <= 0 {
		o.OutQueue = 64
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	return o
}

type Server struct {
	dial  Dialer
	blobs blob.Store
	sinks map[string]conversation.Sink
	log   *zap.Logger
	opt   Options
	hub   *Hub
	hist  History

	upgrader websocket.Upgrader
}

func New(dial Dialer, blobs blob.Store, log *zap.Logger, opt Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		dial:  dial,
		blobs: blobs,
		sinks: make(map[string]conversation.Sink),
		log:   log,
		opt:   opt.withDefaults(),
		hub:   NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// AddSink registers a sink on every conversation store the server creates.
func (s *Server) AddSink(name string, sink conversation.Sink) {
	s.sinks[name] = sink
}

// SetHistory enables GET /history. Call before Handler.
func (s *Server) SetHistory(h History) { s.hist = h }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		blobOK := blob.Healthy(s.blobs)
		w.Header().Set("Content-Type", "application/json")
		if !blobOK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": blobOK, "blob": blobOK, "conns": s.hub.Len()})
	})
	if rd, ok := s.blobs.(blob.Reader); ok {
		mux.HandleFunc("/files/", s.serveFile(rd))
	}
	if s.hist != nil {
		mux.HandleFunc("/history", s.serveHistory)
	}
	// WS: /ws?uid=100&peer=42 or /ws?uid=100&group=1. Authentication happens upstream.
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

func (s *Server) serveFile(rd blob.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/files/")
		if key == "" {
			http.NotFound(w, r)
			return
		}
		data, info, err := rd.Get(r.Context(), key)
		if errors.Is(err, blob.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.log.Warn("file read failed", zap.String("key", key), zap.Error(err))
			http.Error(w, "storage error", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", info.ContentType)
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	}
}

// GET /history?conv=10042&before=<key>&limit=50
func (s *Server) serveHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conv := q.Get("conv")
	if conv == "" {
		http.Error(w, "missing conv", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	switch {
	case limit <= 0:
		limit = 50
	case limit > 200:
		limit = 200
	}
	msgs, err := s.hist.History(r.Context(), conv, q.Get("before"), limit)
	if err != nil {
		s.log.Warn("history read failed", zap.String("conv", conv), zap.Error(err))
		http.Error(w, "history unavailable", http.StatusBadGateway)
		return
	}
	next := ""
	if len(msgs) == limit {
		next = msgs[len(msgs)-1].Key
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"conversation_id": conv, "messages": msgs, "next_before": next})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uid := strings.TrimSpace(q.Get("uid"))
	peer := strings.TrimSpace(q.Get("peer"))
	group := q.Get("group") == "1" || q.Get("group") == "true"
	if uid == "" {
		http.Error(w, "missing uid", http.StatusBadRequest)
		return
	}
	if peer == "" && !group {
		http.Error(w, "missing peer (or group=1)", http.StatusBadRequest)
		return
	}
	if group {
		peer = ""
	}

	dctx, cancel := context.WithTimeout(r.Context(), s.opt.DialTimeout)
	conn, err := s.dial(dctx)
	cancel()
	if err != nil {
		s.log.Error("backend dial failed", zap.Error(err))
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = conn.Close()
		return
	}
	c := newClient(conn.ID(), uid, ws, s.opt.OutQueue, s.opt.WriteTimeout)
	s.run(c, conn, peer)
}

// run owns the socket until it closes.
func (s *Server) run(c *Client, conn tree.Conn, peer string) {
	log := s.log.With(zap.String("uid", c.UID), zap.String("conn", c.ID))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := conversation.NewStore(conn, log)
	for name, sink := range s.sinks {
		store.AddSink(name, sink)
	}
	tracker := presence.NewTracker(conn, log, presence.Options{WriteTimeout: s.opt.WriteTimeout})
	dev := &frameDevice{}

	convID := chat.GroupConversationID
	if peer != "" {
		convID = chat.ConversationID(c.UID, peer)
	}
	go c.writeLoop()
	s.push(c, ReadyFrame{Type: "ready", ConversationID: convID, ConnID: c.ID})

	sess, err := session.Open(ctx, session.Config{
		Self:     c.UID,
		Peer:     peer,
		Store:    store,
		Presence: tracker,
		Blobs:    s.blobs,
		Locator:  dev,
		Gallery:  dev,
		Camera:   dev,
		Log:      log,
		OnRender: func(v session.View) {
			s.push(c, ViewFrame{Type: "view", View: v})
		},
		OnAlert: func(a session.Alert) {
			s.push(c, AlertFrame{Type: "alert", Action: a.Action, Message: a.Message()})
		},
	})
	if err != nil {
		log.Error("open session failed", zap.Error(err))
		c.Close(websocket.CloseInternalServerErr, "session unavailable")
		_ = conn.Close()
		return
	}

	c.markOnline = func() { tracker.SetOnline(ctx, c.UID) }
	s.hub.Set(c)
	metrics.OnlineConns.Set(float64(s.hub.Len()))
	tracker.SetOnline(ctx, c.UID)

	go func() {
		select {
		case <-conn.Done():
			log.Warn("backend connection lost")
			c.Close(websocket.CloseTryAgainLater, "backend connection lost")
		case <-c.Done():
		}
	}()

	defer func() {
		c.Close(websocket.CloseNormalClosure, "")
		sess.Dispose()
		if err := conn.Close(); err != nil {
			log.Warn("backend close failed", zap.Error(err))
		}
		s.hub.Del(c.ID)
		metrics.OnlineConns.Set(float64(s.hub.Len()))
		// the closed connection's armed write took the user offline; a remaining
		// socket of the same user puts the record back
		if others := s.hub.ByUser(c.UID); len(others) > 0 {
			others[0].markOnline()
		}
	}()

	c.prepareRead()
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("socket closed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var in Inbound
		if err := json.Unmarshal(b, &in); err != nil {
			s.push(c, AlertFrame{Type: "alert", Action: "frame", Message: errBadFrame.Error() + ": " + err.Error()})
			continue
		}
		if err := dispatch(ctx, sess, dev, in); err != nil && errors.Is(err, errBadFrame) {
			s.push(c, AlertFrame{Type: "alert", Action: in.Type, Message: err.Error()})
		}
	}
}

func (s *Server) push(c *Client, frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		s.log.Error("encode frame failed", zap.Error(err))
		return
	}
	_ = c.Send(b)
}
