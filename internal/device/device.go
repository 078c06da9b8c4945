// Package device declares the device capabilities a chat session uses and
// a few providers for headless clients.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"yuim/chatsync/pkg/chat"
)

// Photo is an encoded image ready for upload.
type Photo struct {
	Data        []byte
	ContentType string
}

// Locator returns the current position. Denied access yields chat.ErrPermissionDenied.
type Locator interface {
	CurrentLocation(ctx context.Context) (chat.Location, error)
}

// PhotoSource yields one photo from the library or the camera. Denied access
// yields chat.ErrPermissionDenied; a dismissed picker yields chat.ErrSelectionCancelled.
type PhotoSource interface {
	Pick(ctx context.Context) (Photo, error)
}

// FixedLocator always reports the same position.
type FixedLocator chat.Location

func (l FixedLocator) CurrentLocation(context.Context) (chat.Location, error) {
	return chat.Location(l), nil
}

// DeniedLocator models a device where location access was refused.
type DeniedLocator struct{}

func (DeniedLocator) CurrentLocation(context.Context) (chat.Location, error) {
	return chat.Location{}, chat.ErrPermissionDenied
}

// FileSource picks photos from the local filesystem. The prompt callback asks
// for a path; an empty answer cancels the selection.
type FileSource struct {
	Prompt func(ctx context.Context) (string, error)
}

func (s FileSource) Pick(ctx context.Context) (Photo, error) {
	if s.Prompt == nil {
		return Photo{}, chat.ErrPermissionDenied
	}
	p, err := s.Prompt(ctx)
	if err != nil {
		return Photo{}, err
	}
	p = strings.TrimSpace(p)
	if p == "" {
		return Photo{}, chat.ErrSelectionCancelled
	}
	return ReadPhoto(p)
}

// ReadPhoto loads an image file and sniffs its content type.
func ReadPhoto(path string) (Photo, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrPermission) {
		return Photo{}, fmt.Errorf("%s: %w", path, chat.ErrPermissionDenied)
	}
	if err != nil {
		return Photo{}, err
	}
	ct := http.DetectContentType(b)
	if !strings.HasPrefix(ct, "image/") {
		return Photo{}, fmt.Errorf("%s: not an image (%s)", path, ct)
	}
	return Photo{Data: b, ContentType: ct}, nil
}

// StaticSource returns the same photo every time, or Err when set.
type StaticSource struct {
	Photo Photo
	Err   error
}

func (s StaticSource) Pick(context.Context) (Photo, error) {
	if s.Err != nil {
		return Photo{}, s.Err
	}
	return s.Photo, nil
}
