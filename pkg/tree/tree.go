// Package tree defines the realtime tree backend used by the chat components:
// a hierarchy of JSON values addressed by slash-separated paths, with point
// reads and writes, server-generated push keys, whole-node subscriptions that
// re-send the full node on every change, and writes armed to run when the
// client connection goes away.
//
// A node is either a leaf holding one JSON value or an interior node whose
// children are leaves. Writes always target a leaf; subscribing to a path
// observes that leaf's value and its direct children.
package tree

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

var (
	ErrInvalidPath = errors.New("tree: invalid path")
	ErrClosed      = errors.New("tree: connection closed")
)

// Store is one client connection to the tree.
type Store interface {
	// Get reads the value stored at path together with its children.
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set overwrites the leaf at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	// Push writes value under a new child of path and returns the child key.
	// Keys sort lexically in the order they were generated.
	Push(ctx context.Context, path string, value any) (string, error)
	// Subscribe emits the current snapshot of path, then a full snapshot after every
	// change below it, until the subscription is closed.
	Subscribe(ctx context.Context, path string) (*Subscription, error)
	// OnDisconnect arms a write the backend performs when this connection ends,
	// whether closed or lost. Arming the same path again replaces the previous value.
	OnDisconnect(ctx context.Context, path string, value any) error
	CancelOnDisconnect(ctx context.Context, path string) error
}

// Conn is a Store bound to a backend connection with its own lifetime.
type Conn interface {
	Store
	ID() string
	// Done is closed once the connection ended, by Close or because the backend
	// dropped it.
	Done() <-chan struct{}
	// Close ends the connection; armed on-disconnect writes are applied.
	Close() error
}

type Child struct {
	Key   string
	Value json.RawMessage
}

type Snapshot struct {
	Path string
	// Value is nil when no leaf is stored at Path.
	Value    json.RawMessage
	Children []Child
}

func (s Snapshot) Exists() bool { return s.Value != nil || len(s.Children) > 0 }

// Decode unmarshals Value into v. It reports false when there is no value.
func (s Snapshot) Decode(v any) (bool, error) {
	if s.Value == nil {
		return false, nil
	}
	if err := json.Unmarshal(s.Value, v); err != nil {
		return false, err
	}
	return true, nil
}

// SortChildren orders children by key, the order snapshots are delivered in.
func SortChildren(children []Child) {
	sort.Slice(children, func(i, j int) bool { return children[i].Key < children[j].Key })
}

// Clean normalizes p to "/a/b" form. The root is "/".
func Clean(p string) (string, error) {
	parts := make([]string, 0, 4)
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
		parts = append(parts, seg)
	}
	return "/" + strings.Join(parts, "/"), nil
}

// Split returns the parent of a cleaned path and its last segment.
// The root has no parent and is rejected.
func Split(p string) (parent, leaf string, err error) {
	p, err = Clean(p)
	if err != nil {
		return "", "", err
	}
	if p == "/" {
		return "", "", ErrInvalidPath
	}
	i := strings.LastIndexByte(p, '/')
	parent, leaf = p[:i], p[i+1:]
	if parent == "" {
		parent = "/"
	}
	return parent, leaf, nil
}

// Join builds a cleaned path from segments.
func Join(segments ...string) string {
	p, _ := Clean(strings.Join(segments, "/"))
	return p
}

// Ancestors returns p followed by each of its ancestors up to the root.
func Ancestors(p string) []string {
	out := []string{p}
	for p != "/" {
		i := strings.LastIndexByte(p, '/')
		p = p[:i]
		if p == "" {
			p = "/"
		}
		out = append(out, p)
	}
	return out
}

// Encode marshals a value for storage. A nil value encodes to nil.
func Encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if v == nil || string(v) == "null" {
			return nil, nil
		}
		return v, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
