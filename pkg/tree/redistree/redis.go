// Package redistree stores the realtime tree in Redis.
//
// Keys (prefix defaults to "tree"):
//   - {prefix}:n:{path}    HASH child -> JSON value of every leaf directly under path
//   - {prefix}:c:{path}    pub/sub channel, published for path and each ancestor on write
//   - {prefix}:leases      ZSET connID -> lease expiry (ms, Redis clock)
//   - {prefix}:od:{connID} HASH path -> JSON armed to be written when connID ends
//
// A connection keeps its lease alive with a heartbeat. Close fires its armed
// writes; when a process dies instead, the Reaper fires them once the lease expires.
package redistree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yuim/chatsync/pkg/tree"
)

type Settings struct {
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Database int           `yaml:"database" json:"database"`
	Password string        `yaml:"password" json:"password"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
	PoolSize int           `yaml:"pool-size" json:"poolSize"`

	Prefix    string        `yaml:"prefix" json:"prefix"`
	LeaseTTL  time.Duration `yaml:"lease-ttl" json:"leaseTtl"`
	Heartbeat time.Duration `yaml:"heartbeat" json:"heartbeat"`
	MachineID uint16        `yaml:"machine-id" json:"machineId"`
}

func (s Settings) WithDefaults() Settings {
	o := s
	if o.Port == 0 {
		o.Port = 6379
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Prefix == "" {
		o.Prefix = "tree"
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.Heartbeat <= 0 || o.Heartbeat >= o.LeaseTTL {
		o.Heartbeat = o.LeaseTTL / 3
	}
	return o
}

// NewClient builds a go-redis client from settings.
func NewClient(cfg Settings) (*redis.Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opts), nil
}

// Backend is shared by every connection of one process.
type Backend struct {
	cli    *redis.Client
	log    *zap.Logger
	prefix string
	keys   *tree.KeyGen

	leaseTTL  time.Duration
	heartbeat time.Duration

	// clock returns backend time; it defaults to the Redis server clock so every
	// node agrees on lease expiry and server timestamps.
	clock func(ctx context.Context) (time.Time, error)
}

func New(cli *redis.Client, cfg Settings, log *zap.Logger) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	machineID := cfg.MachineID
	if machineID == 0 {
		machineID = tree.RandomMachineID()
	}
	keys, err := tree.NewKeyGen(machineID)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		cli:       cli,
		log:       log,
		prefix:    cfg.Prefix,
		keys:      keys,
		leaseTTL:  cfg.LeaseTTL,
		heartbeat: cfg.Heartbeat,
	}
	b.clock = func(ctx context.Context) (time.Time, error) { return b.cli.Time(ctx).Result() }
	return b, nil
}

func (b *Backend) nodeKey(p string) string    { return b.prefix + ":n:" + p }
func (b *Backend) channelKey(p string) string { return b.prefix + ":c:" + p }
func (b *Backend) leasesKey() string          { return b.prefix + ":leases" }
func (b *Backend) armedKey(connID string) string {
	return b.prefix + ":od:" + connID
}

var svMarker = []byte(`".sv"`)

func (b *Backend) resolve(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	if raw == nil || !bytes.Contains(raw, svMarker) {
		return raw, nil
	}
	now, err := b.clock(ctx)
	if err != nil {
		return nil, err
	}
	return tree.ResolveServerValues(raw, now)
}

// write stores raw at p (nil removes it) and notifies p and its ancestors in one transaction.
func (b *Backend) write(ctx context.Context, p string, raw json.RawMessage) error {
	parent, leaf, err := tree.Split(p)
	if err != nil {
		return err
	}
	raw, err = b.resolve(ctx, raw)
	if err != nil {
		return err
	}
	_, err = b.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if raw == nil {
			pipe.HDel(ctx, b.nodeKey(parent), leaf)
		} else {
			pipe.HSet(ctx, b.nodeKey(parent), leaf, string(raw))
		}
		for _, a := range tree.Ancestors(p) {
			pipe.Publish(ctx, b.channelKey(a), p)
		}
		return nil
	})
	return err
}

func (b *Backend) snapshot(ctx context.Context, p string) (tree.Snapshot, error) {
	snap := tree.Snapshot{Path: p}
	pipe := b.cli.Pipeline()
	var value *redis.StringCmd
	if parent, leaf, err := tree.Split(p); err == nil {
		value = pipe.HGet(ctx, b.nodeKey(parent), leaf)
	}
	children := pipe.HGetAll(ctx, b.nodeKey(p))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return snap, err
	}
	if value != nil {
		v, err := value.Result()
		if err != nil && err != redis.Nil {
			return snap, err
		}
		if err == nil {
			snap.Value = json.RawMessage(v)
		}
	}
	m, err := children.Result()
	if err != nil {
		return snap, err
	}
	for k, v := range m {
		snap.Children = append(snap.Children, tree.Child{Key: k, Value: json.RawMessage(v)})
	}
	tree.SortChildren(snap.Children)
	return snap, nil
}

// fireArmed applies and clears the armed writes of connID. Callers must own the
// lease, which Close and the Reaper establish by removing it from the lease set.
func (b *Backend) fireArmed(ctx context.Context, connID string) (int, error) {
	armed, err := b.cli.HGetAll(ctx, b.armedKey(connID)).Result()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	n := 0
	for p, v := range armed {
		raw, _ := tree.Encode(json.RawMessage(v))
		if err := b.write(ctx, p, raw); err != nil {
			b.log.Warn("armed write failed", zap.String("conn", connID), zap.String("path", p), zap.Error(err))
			continue
		}
		n++
	}
	if err := b.cli.Del(ctx, b.armedKey(connID)).Err(); err != nil {
		return n, err
	}
	return n, nil
}
