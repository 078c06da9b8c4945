package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrUnavailable = errors.New("blob: store unavailable")

// BreakerOptions: when Threshold uploads fail within Window, uploads are
// refused for OpenFor. A success resets the count.
type BreakerOptions struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	OpenFor   time.Duration `yaml:"open_for"`
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.Threshold <= 0 {
		o.Threshold = 5
	}
	if o.Window <= 0 {
		o.Window = 10 * time.Second
	}
	if o.OpenFor <= 0 {
		o.OpenFor = 5 * time.Second
	}
	return o
}

// Guarded fails uploads fast while the backing store keeps failing, so a
// dead storage endpoint does not hold every attachment for a full timeout.
type Guarded struct {
	Store
	opt BreakerOptions
	now func() time.Time

	mu        sync.Mutex
	failCount int
	firstFail time.Time
	openUntil time.Time
}

type guardedReader struct {
	*Guarded
	rd Reader
}

func (g guardedReader) Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	return g.rd.Get(ctx, key)
}

// Guard wraps s. Stores that implement Reader still do after wrapping.
func Guard(s Store, opt BreakerOptions) Store {
	g := &Guarded{Store: s, opt: opt.withDefaults(), now: time.Now}
	if rd, ok := s.(Reader); ok {
		return guardedReader{Guarded: g, rd: rd}
	}
	return g
}

func (g *Guarded) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if !g.allow() {
		return fmt.Errorf("upload %s: %w", key, ErrUnavailable)
	}
	err := g.Store.Upload(ctx, key, data, contentType)
	switch {
	case err == nil:
		g.success()
	case errors.Is(err, context.Canceled):
		// caller went away; says nothing about the store
	default:
		g.failure()
	}
	return err
}

// Open reports whether uploads are currently refused.
func (g *Guarded) Open() bool { return !g.allow() }

// Healthy is false while the breaker is open or the backing store reports
// itself disconnected.
func (g *Guarded) Healthy() bool {
	if g.Open() {
		return false
	}
	return Healthy(g.Store)
}

func (g *Guarded) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openUntil.IsZero() || !g.now().Before(g.openUntil)
}

func (g *Guarded) success() {
	g.mu.Lock()
	g.failCount = 0
	g.firstFail = time.Time{}
	g.openUntil = time.Time{}
	g.mu.Unlock()
}

func (g *Guarded) failure() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCount == 0 || now.Sub(g.firstFail) > g.opt.Window {
		g.failCount = 1
		g.firstFail = now
		g.openUntil = time.Time{}
		if g.opt.Threshold > 1 {
			return
		}
	} else {
		g.failCount++
	}
	if g.failCount >= g.opt.Threshold {
		g.openUntil = now.Add(g.opt.OpenFor)
	}
}
