package blob

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in process; it backs local mode and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	objects    map[string]memObject
	publicBase string
}

type memObject struct {
	data []byte
	info ObjectInfo
}

func NewMemoryStore(publicBase string) *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject), publicBase: strings.TrimRight(publicBase, "/")}
}

func (s *MemoryStore) Upload(_ context.Context, key string, data []byte, contentType string) error {
	b := append([]byte(nil), data...)
	s.mu.Lock()
	s.objects[key] = memObject{data: b, info: ObjectInfo{
		Name:        key,
		Size:        uint64(len(b)),
		ContentType: contentType,
		ModTime:     time.Now(),
	}}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PublicURL(key string) string {
	return s.publicBase + "/files/" + url.PathEscape(key)
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, *ObjectInfo, error) {
	s.mu.RLock()
	o, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	info := o.info
	return o.data, &info, nil
}
