package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"yuim/chatsync/internal/archive"
	"yuim/chatsync/internal/blob"
	"yuim/chatsync/internal/config"
	"yuim/chatsync/internal/events"
	"yuim/chatsync/internal/gateway"
	"yuim/chatsync/internal/metrics"
	"yuim/chatsync/pkg/tree"
	"yuim/chatsync/pkg/tree/memtree"
	"yuim/chatsync/pkg/tree/redistree"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var (
		cfgPaths   string
		reaperOnly bool
	)
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.BoolVar(&reaperOnly, "reaper-only", false, "run only the lease reaper (redis tree driver)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("chat-gateway starting",
		zap.String("version", Version),
		zap.String("env", cfg.Env),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("tree", cfg.Tree.Driver),
		zap.String("blob", cfg.Blob.Driver),
	)

	metrics.Register()

	var (
		dial   gateway.Dialer
		reaper *redistree.Reaper
	)
	switch cfg.Tree.Driver {
	case "redis":
		cli, err := redistree.NewClient(cfg.Redis)
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer cli.Close()
		backend, err := redistree.New(cli, cfg.Redis, log)
		if err != nil {
			log.Fatal("tree backend init failed", zap.Error(err))
		}
		dial = func(ctx context.Context) (tree.Conn, error) { return backend.Dial(ctx) }

		reaper = redistree.NewReaper(backend, log, redistree.ReaperOptions{Tick: cfg.Reaper.Tick, Batch: cfg.Reaper.Batch})
		reaper.OnFired = func(connID string, writes int) {
			metrics.LeasesReaped.Inc()
			metrics.ArmedWritesFired.Add(float64(writes))
			log.Info("lease reaped", zap.String("conn", connID), zap.Int("writes", writes))
		}
		reaper.Start()
		defer reaper.Stop()
	case "memory":
		if reaperOnly {
			log.Fatal("-reaper-only needs tree.driver=redis")
		}
		tr := memtree.New()
		dial = func(context.Context) (tree.Conn, error) { return tr.Connect(""), nil }
	}

	if reaperOnly {
		log.Info("reaper running", zap.Duration("tick", cfg.Reaper.Tick))
		waitSignal()
		log.Info("chat-gateway stopped")
		return
	}

	blobs, closeBlobs := openBlobs(cfg, log)
	defer closeBlobs()

	srv := gateway.New(dial, blobs, log, gateway.Options{
		WriteTimeout: cfg.WriteTimeout,
		OutQueue:     cfg.OutQueue,
	})

	if cfg.RocketMQ.Enabled {
		p, err := events.NewRocketMQ(cfg.RocketMQ)
		if err != nil {
			log.Fatal("rocketmq producer init failed", zap.Error(err))
		}
		async := events.NewAsync(p, log, events.AsyncOptions{QueueSize: cfg.Events.QueueSize})
		async.Start()
		defer func() {
			async.Stop()
			_ = p.Close()
		}()
		srv.AddSink("events", events.NewSink(async))
		log.Info("event sink enabled", zap.String("topic", cfg.RocketMQ.Topic))
	}

	if cfg.Archive.Enabled {
		db, err := archive.Open(cfg.Archive.Options)
		if err != nil {
			log.Fatal("archive db init failed", zap.Error(err))
		}
		defer db.Close()
		repo := archive.NewRepo(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = repo.Migrate(ctx)
		cancel()
		if err != nil {
			log.Fatal("archive migrate failed", zap.Error(err))
		}
		srv.AddSink("archive", repo)
		srv.SetHistory(repo)
		log.Info("archive sink enabled")
	}

	hs := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
	}
	go func() {
		log.Info("chat-gateway listening", zap.String("addr", cfg.HTTP.Addr))
		if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	waitSignal()
	log.Info("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = hs.Shutdown(ctx)
	// hijacked sockets are not tracked by Shutdown
	srv.Hub().CloseAll()
	for srv.Hub().Len() > 0 && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	log.Info("chat-gateway stopped")
}

func openBlobs(cfg *config.Config, log *zap.Logger) (blob.Store, func()) {
	switch cfg.Blob.Driver {
	case "http":
		s := blob.NewHTTPStore(cfg.Blob.BaseURL, cfg.Blob.Bucket, cfg.Blob.APIKey, cfg.Blob.Timeout)
		return blob.Guard(s, cfg.Blob.Breaker), func() {}
	case "jetstream":
		s, err := blob.NewJetStreamStore(cfg.Blob.NATSURL, cfg.Blob.Bucket, cfg.HTTP.PublicURL)
		if err != nil {
			log.Fatal("nats connect failed", zap.Error(err))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Init(ctx); err != nil {
			log.Fatal("object store init failed", zap.Error(err))
		}
		return blob.Guard(s, cfg.Blob.Breaker), func() { _ = s.Close() }
	default:
		return blob.NewMemoryStore(cfg.HTTP.PublicURL), func() {}
	}
}

func waitSignal() {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
