package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yuim/chatsync/pkg/chat"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(img, pngHeader, 0o600))
	txt := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(txt, []byte("hello"), 0o600))

	answer := func(s string) FileSource {
		return FileSource{Prompt: func(context.Context) (string, error) { return s, nil }}
	}
	ctx := context.Background()

	p, err := answer(img).Pick(ctx)
	require.NoError(t, err)
	assert.Equal(t, "image/png", p.ContentType)

	_, err = answer("  ").Pick(ctx)
	assert.ErrorIs(t, err, chat.ErrSelectionCancelled)

	_, err = answer(txt).Pick(ctx)
	assert.Error(t, err)

	_, err = FileSource{}.Pick(ctx)
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)
}

func TestLocators(t *testing.T) {
	ctx := context.Background()
	loc, err := FixedLocator{Latitude: 1.5, Longitude: -2}.CurrentLocation(ctx)
	require.NoError(t, err)
	assert.Equal(t, chat.Location{Latitude: 1.5, Longitude: -2}, loc)

	_, err = DeniedLocator{}.CurrentLocation(ctx)
	assert.ErrorIs(t, err, chat.ErrPermissionDenied)
}
