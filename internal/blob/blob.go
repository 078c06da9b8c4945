// Package blob stores uploaded files (avatars, photo messages) and hands out
// public URLs for them.
package blob

import (
	"context"
	"errors"
	"time"
)

// Store uploads with overwrite: a second upload under the same key replaces the first.
type Store interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

// Reader is implemented by stores that can serve their objects directly.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error)
}

type ObjectInfo struct {
	Name        string
	Size        uint64
	ContentType string
	ModTime     time.Time
}

var ErrNotFound = errors.New("blob: not found")

// Healthy reports whether s can take uploads. Stores with no notion of
// health are always healthy.
func Healthy(s Store) bool {
	switch v := s.(type) {
	case interface{ Healthy() bool }:
		return v.Healthy()
	case interface{ IsConnected() bool }:
		return v.IsConnected()
	default:
		return true
	}
}

// Upload stores data under key and returns its public URL.
func Upload(ctx context.Context, s Store, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", errors.New("blob: empty key")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.Upload(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return s.PublicURL(key), nil
}
