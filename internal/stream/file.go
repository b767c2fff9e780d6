package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"torrentcast/internal/piecestore"
	"torrentcast/internal/utils"
)

// File is one playable file inside one torrent. Its metadata is computed
// once at construction and never changes while serving: torrent metadata is
// immutable for the lifetime of the session entry.
type File struct {
	store piecestore.Store
	cfg   SchedConfig
	log   zerolog.Logger

	torrentID   string
	fileIndex   int
	name        string
	mimeType    string
	size        int64
	pieceLength int64
	lastPiece   int

	mu      sync.Mutex
	cursors map[*Cursor]struct{}
	closed  bool
}

// NewFile derives the file's metadata from the store.
func NewFile(store piecestore.Store, torrentID string, fileIndex int, cfg SchedConfig, log zerolog.Logger) (*File, error) {
	size, err := store.FileSize(fileIndex)
	if err != nil {
		return nil, fmt.Errorf("stream: file size: %w", err)
	}
	name, err := store.FileName(fileIndex)
	if err != nil {
		return nil, fmt.Errorf("stream: file name: %w", err)
	}
	lastPiece, err := store.LastFilePiece(fileIndex)
	if err != nil {
		return nil, fmt.Errorf("stream: last piece: %w", err)
	}

	return &File{
		store:       store,
		cfg:         cfg.withDefaults(),
		log:         log.With().Str("torrent", torrentID).Int("file", fileIndex).Logger(),
		torrentID:   torrentID,
		fileIndex:   fileIndex,
		name:        name,
		mimeType:    utils.MIMEType(name),
		size:        size,
		pieceLength: store.PieceLength(),
		lastPiece:   lastPiece,
		cursors:     make(map[*Cursor]struct{}),
	}, nil
}

func (f *File) TorrentID() string  { return f.torrentID }
func (f *File) FileIndex() int     { return f.fileIndex }
func (f *File) Name() string       { return f.name }
func (f *File) MIMEType() string   { return f.mimeType }
func (f *File) Size() int64        { return f.size }
func (f *File) PieceLength() int64 { return f.pieceLength }
func (f *File) LastPiece() int     { return f.lastPiece }

// Read starts a cursor delivering length bytes from position into sink.
// The returned cursor is owned by the caller; Cancel must be called (or the
// ctx cancelled) if the response is abandoned before completion. Callers
// must clamp position and length with a validated Range first: violating the
// bounds is a programming error.
func (f *File) Read(ctx context.Context, position, length int64, sink Sink) *Cursor {
	if position < 0 || length <= 0 || position+length > f.size {
		panic(fmt.Sprintf("stream: read [%d,+%d) out of bounds for file of %d bytes", position, length, f.size))
	}

	c := newCursor(ctx, f, position, length, sink)

	f.mu.Lock()
	if f.closed {
		c.Cancel()
	} else {
		f.cursors[c] = struct{}{}
	}
	f.mu.Unlock()

	go c.run()
	return c
}

// Close force-cancels every live cursor. Called when the owning torrent is
// removed mid-stream; in-flight responses close rather than hang.
func (f *File) Close() {
	f.mu.Lock()
	f.closed = true
	cursors := make([]*Cursor, 0, len(f.cursors))
	for c := range f.cursors {
		cursors = append(cursors, c)
	}
	f.mu.Unlock()

	for _, c := range cursors {
		c.Cancel()
	}
}

func (f *File) forget(c *Cursor) {
	f.mu.Lock()
	delete(f.cursors, c)
	f.mu.Unlock()
}
