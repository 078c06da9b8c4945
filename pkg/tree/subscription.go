package tree

import "sync"

// Subscription delivers full snapshots of one path. Because every snapshot
// replaces the previous one, a consumer that falls behind only sees the most
// recent snapshot; snapshots are never reordered.
type Subscription struct {
	c    chan Snapshot
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending *Snapshot
	err     error

	once    sync.Once
	release func()
}

// NewSubscription is used by backends. release runs once when the subscription closes.
func NewSubscription(release func()) *Subscription {
	s := &Subscription{
		c:       make(chan Snapshot),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		release: release,
	}
	go s.pump()
	return s
}

// C is closed after Close or Fail.
func (s *Subscription) C() <-chan Snapshot { return s.c }

// Publish replaces the pending snapshot.
func (s *Subscription) Publish(snap Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Fail closes the subscription with a backend error.
func (s *Subscription) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

// Err returns the error passed to Fail, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops emissions and releases the backend listener.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) pump() {
	defer close(s.c)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		snap := s.pending
		s.pending = nil
		s.mu.Unlock()
		if snap == nil {
			continue
		}
		select {
		case <-s.done:
			return
		case s.c <- *snap:
		}
	}
}

// Stream is a typed view over a Subscription.
type Stream[T any] struct {
	c   chan T
	sub *Subscription
}

// Watch decodes every snapshot of sub. Snapshots for which decode reports false are skipped.
func Watch[T any](sub *Subscription, decode func(Snapshot) (T, bool)) *Stream[T] {
	st := &Stream[T]{c: make(chan T), sub: sub}
	go func() {
		defer close(st.c)
		for snap := range sub.C() {
			v, ok := decode(snap)
			if !ok {
				continue
			}
			select {
			case st.c <- v:
			case <-sub.done:
				return
			}
		}
	}()
	return st
}

func (st *Stream[T]) C() <-chan T { return st.c }

func (st *Stream[T]) Close() { st.sub.Close() }

func (st *Stream[T]) Err() error { return st.sub.Err() }
