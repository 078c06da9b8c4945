package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("events: queue full")

type AsyncOptions struct {
	QueueSize      int
	PublishTimeout time.Duration
}

func (o AsyncOptions) withDefaults() AsyncOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 3 * time.Second
	}
	return o
}

// Async decouples publishing from the append path with a bounded queue drained
// by one worker. Events that do not fit are rejected, never blocked on.
type Async struct {
	pub Publisher
	log *zap.Logger
	opt AsyncOptions

	q    chan *Event
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewAsync(pub Publisher, log *zap.Logger, opt AsyncOptions) *Async {
	opt = opt.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{pub: pub, log: log, opt: opt, q: make(chan *Event, opt.QueueSize), stop: make(chan struct{})}
}

func (a *Async) Publish(_ context.Context, evt *Event) error {
	select {
	case a.q <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.stop:
				a.drain()
				return
			case evt := <-a.q:
				a.publish(evt)
			}
		}
	}()
}

// Stop publishes what is still queued and returns.
func (a *Async) Stop() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *Async) drain() {
	for {
		select {
		case evt := <-a.q:
			a.publish(evt)
		default:
			return
		}
	}
}

func (a *Async) publish(evt *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.opt.PublishTimeout)
	defer cancel()
	if err := a.pub.Publish(ctx, evt); err != nil {
		a.log.Warn("event publish failed", zap.String("conv", evt.ConvID), zap.String("key", evt.Key), zap.Error(err))
	}
}
