package piecestore

import (
	"errors"
	"time"
)

// ErrFileIndex is returned for a file index outside the torrent's file list.
var ErrFileIndex = errors.New("piecestore: file index out of range")

// Extent locates the bytes of one read step inside a single piece.
// A step never crosses a piece boundary; longer reads repeat steps.
type Extent struct {
	Piece  int
	Start  int64 // offset within the piece
	Length int64 // byte count, bounded by the piece end
}

// Result is the completion of an asynchronous piece request. Data holds the
// whole piece; consumers slice out the extent they asked for.
type Result struct {
	Piece int
	Data  []byte
	Err   error
}

// Store is the piece-oriented download engine surface the streaming core
// consumes. Production code wraps an anacrolix torrent; tests substitute a
// scripted fake. Deadlines are urgency hints relative to other pending
// requests, not hard timeouts, and piece priority is shared with ordinary
// swarm downloading: the store only ever raises or releases it on request.
type Store interface {
	PieceLength() int64
	FileSize(fileIndex int) (int64, error)
	FileName(fileIndex int) (string, error)
	// LastFilePiece is the index of the last piece overlapping the file.
	LastFilePiece(fileIndex int) (int, error)
	// MapFile translates a file-relative byte span into a piece extent.
	MapFile(fileIndex int, offset, length int64) Extent
	HavePiece(piece int) bool
	// ReadPiece reads an already-available piece. The result is delivered
	// exactly once on the returned channel.
	ReadPiece(piece int) <-chan Result
	// SetPieceDeadline raises the piece's download urgency. When critical is
	// true the piece is also read once available and delivered on the
	// returned channel; otherwise the hint is fire-and-forget and the
	// returned channel is nil.
	SetPieceDeadline(piece int, deadline time.Duration, critical bool) <-chan Result
	// ResetPieceDeadline releases elevated urgency, returning the piece to
	// normal swarm scheduling.
	ResetPieceDeadline(piece int)
}

// mapExtent computes the piece extent for length bytes at the given absolute
// (torrent-wide) offset. Length is clamped so the extent never crosses into
// the next piece.
func mapExtent(absOffset, length, pieceLength int64) Extent {
	piece := absOffset / pieceLength
	start := absOffset % pieceLength
	if rest := pieceLength - start; length > rest {
		length = rest
	}
	if length < 0 {
		length = 0
	}
	return Extent{Piece: int(piece), Start: start, Length: length}
}
