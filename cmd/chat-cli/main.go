package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"yuim/chatsync/internal/blob"
	"yuim/chatsync/internal/config"
	"yuim/chatsync/internal/conversation"
	"yuim/chatsync/internal/device"
	"yuim/chatsync/internal/presence"
	"yuim/chatsync/internal/profile"
	"yuim/chatsync/internal/session"
	"yuim/chatsync/pkg/chat"
	"yuim/chatsync/pkg/tree"
	"yuim/chatsync/pkg/tree/memtree"
	"yuim/chatsync/pkg/tree/redistree"
)

const usage = `commands:
  <text>                       type and send
  /draft <text>                type without sending
  /send                        send the draft and pending attachments
  /loc [lat,lon]               attach the current location
  /photo <path>                attach a photo from disk
  /camera <path>               attach a photo as the camera would
  /who                         list profiles with online state
  /find <query>                search profiles
  /profile name|handle|phone [avatar path]
  /quit`

func main() {
	var (
		cfgPaths string
		uid      string
		peer     string
		lat, lon float64
		verbose  bool
	)
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.StringVar(&uid, "uid", "", "your user id")
	flag.StringVar(&peer, "peer", "", "peer user id; empty opens the group conversation")
	flag.Float64Var(&lat, "lat", 0, "device latitude")
	flag.Float64Var(&lon, "lon", 0, "device longitude")
	flag.BoolVar(&verbose, "v", false, "log to stderr")
	flag.Parse()

	log := zap.NewNop()
	if verbose {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()

	if uid == "" {
		fmt.Fprintln(os.Stderr, "-uid required")
		os.Exit(2)
	}
	cfg, err := config.Load(cfgPaths)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, closeTree, err := dialTree(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tree:", err)
		os.Exit(1)
	}
	defer closeTree()

	blobs, err := openBlobs(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "blob:", err)
		os.Exit(1)
	}

	tracker := presence.NewTracker(conn, log, presence.Options{WriteTimeout: cfg.WriteTimeout})
	dir := profile.NewDirectory(conn, blobs, tracker, log)

	loc := &cliLocator{}
	if lat != 0 || lon != 0 {
		loc.def = &chat.Location{Latitude: lat, Longitude: lon}
	}
	gallery, camera := &pathPrompt{}, &pathPrompt{}
	out := &printer{seen: make(map[string]bool), self: uid}

	sess, err := session.Open(ctx, session.Config{
		Self:     uid,
		Peer:     peer,
		Store:    conversation.NewStore(conn, log),
		Presence: tracker,
		Blobs:    blobs,
		Locator:  loc,
		Gallery:  device.FileSource{Prompt: gallery.take},
		Camera:   device.FileSource{Prompt: camera.take},
		Log:      log,
		OnRender: out.render,
		OnAlert: func(a session.Alert) {
			out.println("! " + a.Message())
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	tracker.SetOnline(ctx, uid)
	out.println("joined " + sess.View().ConversationID + " as " + uid + " (/help for commands)")

	sc := bufio.NewScanner(os.Stdin)
loop:
	for sc.Scan() {
		line := sc.Text()
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case "":
		case "/help":
			out.println(usage)
		case "/quit":
			break loop
		case "/draft":
			sess.OnTextChanged(ctx, arg)
		case "/send":
			_ = sess.Send(ctx)
		case "/loc":
			if arg != "" {
				l, err := parseLatLon(arg)
				if err != nil {
					out.println("! " + err.Error())
					continue
				}
				loc.set(l)
			}
			_ = sess.AttachLocation(ctx)
		case "/photo":
			gallery.set(arg)
			_ = sess.AttachFromGallery(ctx)
		case "/camera":
			camera.set(arg)
			_ = sess.AttachFromCamera(ctx)
		case "/who":
			ls, err := dir.List(ctx, uid)
			if err != nil {
				out.println("! " + err.Error())
				continue
			}
			out.listings(ls)
		case "/find":
			ls, err := dir.List(ctx, uid)
			if err != nil {
				out.println("! " + err.Error())
				continue
			}
			out.listings(profile.Search(ls, arg))
		case "/profile":
			saveProfile(ctx, dir, uid, arg, out)
		default:
			sess.OnTextChanged(ctx, line)
			_ = sess.Send(ctx)
		}
	}
	sess.Dispose()
	dir.SignOut(ctx, uid)
}

func dialTree(ctx context.Context, cfg *config.Config, log *zap.Logger) (tree.Conn, func(), error) {
	if cfg.Tree.Driver == "memory" {
		c := memtree.New().Connect("")
		return c, func() { _ = c.Close() }, nil
	}
	cli, err := redistree.NewClient(cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	b, err := redistree.New(cli, cfg.Redis, log)
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	c, err := b.Dial(ctx)
	if err != nil {
		_ = cli.Close()
		return nil, nil, err
	}
	return c, func() {
		_ = c.Close()
		_ = cli.Close()
	}, nil
}

func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Driver {
	case "http":
		return blob.Guard(blob.NewHTTPStore(cfg.Blob.BaseURL, cfg.Blob.Bucket, cfg.Blob.APIKey, cfg.Blob.Timeout), cfg.Blob.Breaker), nil
	case "jetstream":
		s, err := blob.NewJetStreamStore(cfg.Blob.NATSURL, cfg.Blob.Bucket, cfg.HTTP.PublicURL)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return blob.Guard(s, cfg.Blob.Breaker), nil
	default:
		return blob.NewMemoryStore(cfg.HTTP.PublicURL), nil
	}
}

func saveProfile(ctx context.Context, dir *profile.Directory, uid, arg string, out *printer) {
	fields, avatarPath, _ := strings.Cut(arg, " ")
	parts := strings.Split(fields, "|")
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	var avatar *device.Photo
	if avatarPath = strings.TrimSpace(avatarPath); avatarPath != "" {
		ph, err := device.ReadPhoto(avatarPath)
		if err != nil {
			out.println("! avatar: " + err.Error())
			return
		}
		avatar = &ph
	}
	p, err := dir.Save(ctx, chat.Profile{ID: uid, Name: parts[0], Handle: parts[1], Phone: parts[2]}, avatar)
	if err != nil {
		out.println("! profile: " + err.Error())
		return
	}
	out.println(fmt.Sprintf("profile saved: %s @%s %s %s", p.Name, p.Handle, p.Phone, p.AvatarURL))
}

func parseLatLon(s string) (chat.Location, error) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return chat.Location{}, fmt.Errorf("want lat,lon: %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return chat.Location{}, err
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return chat.Location{}, err
	}
	return chat.Location{Latitude: lat, Longitude: lon}, nil
}

// cliLocator reports the -lat/-lon position, or a one-shot /loc override.
// Without either, location access counts as denied.
type cliLocator struct {
	mu   sync.Mutex
	def  *chat.Location
	next *chat.Location
}

func (l *cliLocator) set(loc chat.Location) {
	l.mu.Lock()
	l.next = &loc
	l.mu.Unlock()
}

func (l *cliLocator) CurrentLocation(context.Context) (chat.Location, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.next != nil {
		loc := *l.next
		l.next = nil
		return loc, nil
	}
	if l.def == nil {
		return chat.Location{}, chat.ErrPermissionDenied
	}
	return *l.def, nil
}

// pathPrompt answers a FileSource prompt with the path given on the command line.
type pathPrompt struct {
	mu   sync.Mutex
	path string
}

func (p *pathPrompt) set(path string) {
	p.mu.Lock()
	p.path = path
	p.mu.Unlock()
}

func (p *pathPrompt) take(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := p.path
	p.path = ""
	return path, nil
}

type printer struct {
	mu     sync.Mutex
	self   string
	seen   map[string]bool
	typing bool
	online bool
}

func (p *printer) println(s string) {
	p.mu.Lock()
	fmt.Println(s)
	p.mu.Unlock()
}

// render prints messages not shown before, oldest first, and typing or
// presence transitions of the peer.
func (p *printer) render(v session.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(v.Messages) - 1; i >= 0; i-- {
		m := v.Messages[i]
		if p.seen[m.Key] {
			continue
		}
		p.seen[m.Key] = true
		fmt.Println(formatMessage(m, p.self))
	}
	if v.PeerTyping != p.typing {
		p.typing = v.PeerTyping
		if p.typing {
			fmt.Println("  ... typing")
		}
	}
	if v.PeerOnline != p.online {
		p.online = v.PeerOnline
		if p.online {
			fmt.Println("  * peer online")
		} else {
			fmt.Println("  * peer offline")
		}
	}
}

func (p *printer) listings(ls []profile.Listing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(ls) == 0 {
		fmt.Println("  (none)")
	}
	for _, l := range ls {
		mark := " "
		if l.Online {
			mark = "*"
		}
		fmt.Printf("  %s %-12s %-16s @%s\n", mark, l.ID, l.Name, l.Handle)
	}
}

func formatMessage(m chat.Message, self string) string {
	who := m.Sender
	if who == self {
		who = "me"
	}
	ts := ""
	if t := m.Time(); !t.IsZero() {
		ts = t.Local().Format(time.Kitchen)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s:", ts, who)
	if m.Text != "" {
		b.WriteString(" " + m.Text)
	}
	if m.Location != nil {
		fmt.Fprintf(&b, " (location %.5f,%.5f)", m.Location.Latitude, m.Location.Longitude)
	}
	if m.File != nil {
		b.WriteString(" (file " + *m.File + ")")
	}
	return b.String()
}
