package client

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	uri, err := s.Upload(ctx, "jobs/abc/0.jpg", strings.NewReader("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))
	assert.True(t, strings.HasSuffix(uri, "jobs/abc/0.jpg"))

	data, err := s.Download(ctx, "jobs/abc/0.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	require.NoError(t, s.Delete(ctx, "jobs/abc/0.jpg"))
	_, err = s.Download(ctx, "jobs/abc/0.jpg")
	assert.True(t, errors.Is(err, ErrBlobNotFound))

	// deleting twice is fine
	assert.NoError(t, s.Delete(ctx, "jobs/abc/0.jpg"))
}

func TestLocalStorage_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../outside", "/etc/passwd", "a/../../b"} {
		_, err := s.Upload(ctx, key, strings.NewReader("x"), "text/plain")
		assert.Error(t, err, key)
	}
}
