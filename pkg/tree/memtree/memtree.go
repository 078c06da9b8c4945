// Package memtree is an in-process tree backend. It serves single-node
// deployments and tests, and can simulate a connection that disappears
// without closing.
package memtree

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"yuim/chatsync/pkg/tree"
)

type Tree struct {
	mu       sync.Mutex
	nodes    map[string]map[string]json.RawMessage
	watchers map[string]map[*tree.Subscription]struct{}
	conns    map[string]*Conn
	faults   map[string]error

	keys *tree.KeyGen
	now  func() time.Time
}

func New() *Tree {
	keys, err := tree.NewKeyGen(tree.RandomMachineID())
	if err != nil {
		panic(err)
	}
	return &Tree{
		nodes:    make(map[string]map[string]json.RawMessage),
		watchers: make(map[string]map[*tree.Subscription]struct{}),
		conns:    make(map[string]*Conn),
		faults:   make(map[string]error),
		keys:     keys,
		now:      time.Now,
	}
}

// Connect opens a client connection. An empty id gets a random one.
func (t *Tree) Connect(id string) *Conn {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Conn{
		t:     t,
		id:    id,
		armed: make(map[string]json.RawMessage),
		subs:  make(map[*tree.Subscription]struct{}),
		done:  make(chan struct{}),
	}
	t.mu.Lock()
	t.conns[id] = c
	t.mu.Unlock()
	return c
}

// Drop ends the connection as if the client vanished: armed writes fire and the
// connection becomes unusable.
func (t *Tree) Drop(id string) {
	t.mu.Lock()
	c := t.conns[id]
	t.mu.Unlock()
	if c != nil {
		c.end()
	}
}

// FailWrites makes every write at or below prefix fail with err. A nil err clears the fault.
func (t *Tree) FailWrites(prefix string, err error) {
	p, _ := tree.Clean(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.faults, p)
		return
	}
	t.faults[p] = err
}

func (t *Tree) fault(p string) error {
	for prefix, err := range t.faults {
		if p == prefix || prefix == "/" || strings.HasPrefix(p, prefix+"/") {
			return err
		}
	}
	return nil
}

func (t *Tree) snapshot(p string) tree.Snapshot {
	snap := tree.Snapshot{Path: p}
	if parent, leaf, err := tree.Split(p); err == nil {
		snap.Value = t.nodes[parent][leaf]
	}
	for k, v := range t.nodes[p] {
		snap.Children = append(snap.Children, tree.Child{Key: k, Value: v})
	}
	tree.SortChildren(snap.Children)
	return snap
}

// write applies raw at p and notifies every watcher of p and its ancestors. Callers hold t.mu.
func (t *Tree) write(p string, raw json.RawMessage) error {
	parent, leaf, err := tree.Split(p)
	if err != nil {
		return err
	}
	if err := t.fault(p); err != nil {
		return err
	}
	raw, err = tree.ResolveServerValues(raw, t.now())
	if err != nil {
		return err
	}
	if raw == nil {
		delete(t.nodes[parent], leaf)
		if len(t.nodes[parent]) == 0 {
			delete(t.nodes, parent)
		}
	} else {
		if t.nodes[parent] == nil {
			t.nodes[parent] = make(map[string]json.RawMessage)
		}
		t.nodes[parent][leaf] = raw
	}
	for _, a := range tree.Ancestors(p) {
		ws := t.watchers[a]
		if len(ws) == 0 {
			continue
		}
		snap := t.snapshot(a)
		for sub := range ws {
			sub.Publish(snap)
		}
	}
	return nil
}

var _ tree.Conn = (*Conn)(nil)

type Conn struct {
	t  *Tree
	id string

	mu     sync.Mutex
	closed bool
	armed  map[string]json.RawMessage
	subs   map[*tree.Subscription]struct{}
	done   chan struct{}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Done() <-chan struct{} { return c.done }

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
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.snapshot(p), nil
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
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.write(p, raw)
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
	key, err := c.t.keys.Next()
	if err != nil {
		return "", err
	}
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if err := c.t.write(tree.Join(p, key), raw); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Conn) Subscribe(ctx context.Context, path string) (*tree.Subscription, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return nil, err
	}

	var sub *tree.Subscription
	sub = tree.NewSubscription(func() {
		c.t.mu.Lock()
		delete(c.t.watchers[p], sub)
		if len(c.t.watchers[p]) == 0 {
			delete(c.t.watchers, p)
		}
		c.t.mu.Unlock()
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

	c.t.mu.Lock()
	if c.t.watchers[p] == nil {
		c.t.watchers[p] = make(map[*tree.Subscription]struct{})
	}
	c.t.watchers[p][sub] = struct{}{}
	sub.Publish(c.t.snapshot(p))
	c.t.mu.Unlock()
	return sub, nil
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
	c.mu.Lock()
	c.armed[p] = raw
	c.mu.Unlock()
	return nil
}

func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	p, err := tree.Clean(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.armed, p)
	c.mu.Unlock()
	return nil
}

// Close ends the connection; armed writes are applied.
func (c *Conn) Close() error {
	c.end()
	return nil
}

func (c *Conn) end() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	armed := c.armed
	c.armed = nil
	subs := make([]*tree.Subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}

	c.t.mu.Lock()
	delete(c.t.conns, c.id)
	for p, raw := range armed {
		// armed writes run with backend privileges; injected faults do not apply
		c.t.applyArmed(p, raw)
	}
	c.t.mu.Unlock()
}

func (t *Tree) applyArmed(p string, raw json.RawMessage) {
	faults := t.faults
	t.faults = nil
	_ = t.write(p, raw)
	t.faults = faults
}
