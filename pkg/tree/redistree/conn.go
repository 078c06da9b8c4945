package redistree

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yuim/chatsync/pkg/tree"
)

var _ tree.Conn = (*Conn)(nil)

// Conn is one client connection with its own lease.
type Conn struct {
	b  *Backend
	id string

	mu     sync.Mutex
	closed bool
	subs   map[*tree.Subscription]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// Dial registers a lease for a new connection and starts its heartbeat.
func (b *Backend) Dial(ctx context.Context) (*Conn, error) {
	c := &Conn{
		b:    b,
		id:   uuid.NewString(),
		subs: make(map[*tree.Subscription]struct{}),
		stop: make(chan struct{}),
	}
	if err := c.renew(ctx, false); err != nil {
		return nil, err
	}
	c.wg.Add(1)
	go c.heartbeatLoop()
	return c, nil
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Done() <-chan struct{} { return c.stop }

func (c *Conn) renew(ctx context.Context, existing bool) error {
	now, err := c.b.clock(ctx)
	if err != nil {
		return err
	}
	z := redis.Z{Score: float64(now.Add(c.b.leaseTTL).UnixMilli()), Member: c.id}
	if !existing {
		return c.b.cli.ZAdd(ctx, c.b.leasesKey(), z).Err()
	}
	n, err := c.b.cli.ZAddArgs(ctx, c.b.leasesKey(), redis.ZAddArgs{XX: true, Ch: true, Members: []redis.Z{z}}).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// unchanged score also reports 0; only a missing member means the lease is gone
	if err := c.b.cli.ZScore(ctx, c.b.leasesKey(), c.id).Err(); err != nil {
		if err == redis.Nil {
			return tree.ErrClosed
		}
		return err
	}
	return nil
}

func (c *Conn) heartbeatLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.b.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.b.heartbeat)
		err := c.renew(ctx, true)
		cancel()
		if err == tree.ErrClosed {
			// the lease expired and was reaped; armed writes have already fired
			c.b.log.Warn("lease lost", zap.String("conn", c.id))
			c.shutdown()
			return
		}
		if err != nil {
			c.b.log.Warn("lease renew failed", zap.String("conn", c.id), zap.Error(err))
		}
	}
}

func (c *Conn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return tree.ErrClosed
	}
	return nil
}

func (c *Conn) Get(ctx context.Context, path string) (tree.Snapshot, error) {
	if err := c.check(ctx); err != nil {
		return tree.Snapshot{}, err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return tree.Snapshot{}, err
	}
	return c.b.snapshot(ctx, p)
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return err
	}
	raw, err := tree.Encode(value)
	if err != nil {
		return err
	}
	return c.b.write(ctx, p, raw)
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.Set(ctx, path, nil)
}

func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return "", err
	}
	raw, err := tree.Encode(value)
	if err != nil {
		return "", err
	}
	key, err := c.b.keys.Next()
	if err != nil {
		return "", err
	}
	if err := c.b.write(ctx, tree.Join(p, key), raw); err != nil {
		return "", err
	}
	return key, nil
}

// Subscribe holds one Redis pub/sub connection per subscription. The channel is
// confirmed before the initial read so no change between the two is missed.
func (c *Conn) Subscribe(ctx context.Context, path string) (*tree.Subscription, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return nil, err
	}

	ps := c.b.cli.Subscribe(ctx, c.b.channelKey(p))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	snap, err := c.b.snapshot(ctx, p)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	var sub *tree.Subscription
	sub = tree.NewSubscription(func() {
		_ = ps.Close()
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
	})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return nil, tree.ErrClosed
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	sub.Publish(snap)
	go c.follow(p, ps, sub)
	return sub, nil
}

// follow gives up on the subscription after this many snapshot reads fail in a row.
const maxReadFailures = 3

var errChannelClosed = errors.New("redistree: notification channel closed")

func (c *Conn) follow(p string, ps *redis.PubSub, sub *tree.Subscription) {
	msgs := ps.Channel()
	failures := 0
	for {
		select {
		case <-sub.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				select {
				case <-sub.Done():
				default:
					sub.Fail(errChannelClosed)
				}
				return
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.b.heartbeat)
		snap, err := c.b.snapshot(ctx, p)
		cancel()
		if err != nil {
			failures++
			c.b.log.Warn("snapshot read failed", zap.String("path", p), zap.Int("failures", failures), zap.Error(err))
			if failures >= maxReadFailures {
				sub.Fail(err)
				return
			}
			continue
		}
		failures = 0
		sub.Publish(snap)
	}
}

func (c *Conn) OnDisconnect(ctx context.Context, path string, value any) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return err
	}
	raw, err := tree.Encode(value)
	if err != nil {
		return err
	}
	if raw == nil {
		raw = []byte("null")
	}
	return c.b.cli.HSet(ctx, c.b.armedKey(c.id), p, string(raw)).Err()
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return err
	}
	return c.b.cli.HDel(ctx, c.b.armedKey(c.id), p).Err()
}

// Close releases the lease and fires the armed writes.
func (c *Conn) Close() error {
	if !c.shutdown() {
		return nil
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	claimed, err := c.b.cli.ZRem(ctx, c.b.leasesKey(), c.id).Result()
	if err != nil {
		return err
	}
	if claimed == 0 {
		// already reaped
		return nil
	}
	_, err = c.b.fireArmed(ctx, c.id)
	return err
}

// shutdown marks the connection closed and closes its subscriptions. It reports
// whether this call did the transition.
func (c *Conn) shutdown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	close(c.stop)
	subs := make([]*tree.Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return true
}
