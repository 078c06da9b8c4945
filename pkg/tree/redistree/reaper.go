package redistree

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reaper fires the armed writes of connections whose lease expired, which is
// how a client that vanished without closing is taken offline. Any number of
// reapers may run; a lease is claimed by whichever removes it first.
type Reaper struct {
	b   *Backend
	log *zap.Logger

	tick  time.Duration
	batch int
	stop  chan struct{}

	// OnFired observes every reaped connection. Optional.
	OnFired func(connID string, writes int)
}

type ReaperOptions struct {
	Tick  time.Duration
	Batch int
}

func (o ReaperOptions) withDefaults() ReaperOptions {
	if o.Tick <= 0 {
		o.Tick = 1 * time.Second
	}
	if o.Batch <= 0 {
		o.Batch = 200
	}
	return o
}

func NewReaper(b *Backend, log *zap.Logger, opt ReaperOptions) *Reaper {
	opt = opt.withDefaults()
	if log == nil {
		log = b.log
	}
	return &Reaper{
		b:     b,
		log:   log,
		tick:  opt.Tick,
		batch: opt.Batch,
		stop:  make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	go func() {
		t := time.NewTicker(r.tick)
		defer t.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if _, err := r.RunOnce(ctx); err != nil {
					r.log.Warn("reaper pass failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

func (r *Reaper) Stop() { close(r.stop) }

// RunOnce reaps up to one batch of expired leases and returns how many it claimed.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	now, err := r.b.clock(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := r.b.cli.ZRangeByScore(ctx, r.b.leasesKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(r.batch),
	}).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		claimed, err := r.b.cli.ZRem(ctx, r.b.leasesKey(), id).Result()
		if err != nil {
			return reaped, err
		}
		if claimed == 0 {
			continue
		}
		reaped++
		n, err := r.b.fireArmed(ctx, id)
		if err != nil {
			r.log.Warn("fire armed writes failed", zap.String("conn", id), zap.Error(err))
		}
		r.log.Info("lease expired", zap.String("conn", id), zap.Int("writes", n))
		if r.OnFired != nil {
			r.OnFired(id, n)
		}
	}
	return reaped, nil
}
