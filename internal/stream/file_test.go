package stream

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileMetadata(t *testing.T) {
	store := newFakeStore(testFileData(950), 100)
	f, err := NewFile(store, "deadbeef", 0, SchedConfig{}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "deadbeef", f.TorrentID())
	assert.Equal(t, 0, f.FileIndex())
	assert.Equal(t, "show/episode-01.mkv", f.Name())
	assert.Equal(t, "video/x-matroska", f.MIMEType())
	assert.EqualValues(t, 950, f.Size())
	assert.Equal(t, 9, f.LastPiece())
}

func TestNewFileBadIndex(t *testing.T) {
	store := newFakeStore(testFileData(100), 100)
	_, err := NewFile(store, "deadbeef", 7, SchedConfig{}, zerolog.Nop())
	require.Error(t, err)
}

func TestFileReadRejectsBadBounds(t *testing.T) {
	store := newFakeStore(testFileData(1000), 100)
	f := newTestFile(t, store, SchedConfig{})
	sink := newFakeSink()

	assert.Panics(t, func() { f.Read(context.Background(), -1, 10, sink) })
	assert.Panics(t, func() { f.Read(context.Background(), 0, 0, sink) })
	assert.Panics(t, func() { f.Read(context.Background(), 990, 20, sink) })
}

func TestFileCloseCancelsCursors(t *testing.T) {
	store := newFakeStore(testFileData(1000), 100)
	for p := 0; p <= 9; p++ {
		store.missing[p] = true
	}
	f := newTestFile(t, store, SchedConfig{})
	sink := newFakeSink()

	c := f.Read(context.Background(), 0, 1000, sink)
	require.Eventually(t, func() bool {
		return len(store.deadlineCalls()) > 0
	}, time.Second, 5*time.Millisecond)

	f.Close()
	waitDone(t, c)
	assert.Equal(t, CursorCancelled, c.State())
}

func TestFileReadAfterClose(t *testing.T) {
	store := newFakeStore(testFileData(1000), 100)
	f := newTestFile(t, store, SchedConfig{})
	f.Close()

	sink := newFakeSink()
	c := f.Read(context.Background(), 0, 100, sink)
	waitDone(t, c)
	assert.Equal(t, CursorCancelled, c.State())
}
