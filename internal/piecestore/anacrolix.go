package piecestore

import (
	"fmt"
	"io"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/types"
	"github.com/rs/zerolog"

	"torrentcast/internal/metrics"
)

// Deadlines at or below this are mapped to the engine's high priority band;
// anything slower becomes readahead. Twice the cursor's maximum step
// deadline, so every step request lands in the high band.
const highPriorityDeadline = 640 * time.Millisecond

// TorrentStore adapts an anacrolix torrent to the Store interface. Deadline
// hints are mapped onto the engine's piece priority bands, and piece reads go
// through a torrent-global reader, which blocks until the piece is available.
type TorrentStore struct {
	t   *torrent.Torrent
	log zerolog.Logger
}

func NewTorrentStore(t *torrent.Torrent, log zerolog.Logger) *TorrentStore {
	return &TorrentStore{
		t:   t,
		log: log.With().Str("infoHash", t.InfoHash().String()).Logger(),
	}
}

func (s *TorrentStore) PieceLength() int64 {
	return s.t.Info().PieceLength
}

func (s *TorrentStore) FileSize(fileIndex int) (int64, error) {
	f, err := s.file(fileIndex)
	if err != nil {
		return 0, err
	}
	return f.Length(), nil
}

func (s *TorrentStore) FileName(fileIndex int) (string, error) {
	f, err := s.file(fileIndex)
	if err != nil {
		return "", err
	}
	return f.DisplayPath(), nil
}

func (s *TorrentStore) LastFilePiece(fileIndex int) (int, error) {
	f, err := s.file(fileIndex)
	if err != nil {
		return 0, err
	}
	if f.Length() == 0 {
		return int(f.Offset() / s.PieceLength()), nil
	}
	return int((f.Offset() + f.Length() - 1) / s.PieceLength()), nil
}

func (s *TorrentStore) MapFile(fileIndex int, offset, length int64) Extent {
	f, err := s.file(fileIndex)
	if err != nil {
		return Extent{Piece: -1}
	}
	return mapExtent(f.Offset()+offset, length, s.PieceLength())
}

func (s *TorrentStore) HavePiece(piece int) bool {
	return s.t.PieceState(piece).Complete
}

func (s *TorrentStore) ReadPiece(piece int) <-chan Result {
	metrics.PieceRequestsTotal.WithLabelValues("read").Inc()
	ch := make(chan Result, 1)
	go s.readPiece(piece, ch)
	return ch
}

func (s *TorrentStore) SetPieceDeadline(piece int, deadline time.Duration, critical bool) <-chan Result {
	metrics.PieceRequestsTotal.WithLabelValues("deadline").Inc()
	s.t.Piece(piece).SetPriority(priorityFor(deadline, critical))
	if !critical {
		return nil
	}
	ch := make(chan Result, 1)
	go s.readPiece(piece, ch)
	return ch
}

func (s *TorrentStore) ResetPieceDeadline(piece int) {
	metrics.PieceDeadlineResetsTotal.Inc()
	s.t.Piece(piece).SetPriority(torrent.PiecePriorityNormal)
}

func (s *TorrentStore) file(fileIndex int) (*torrent.File, error) {
	files := s.t.Files()
	if fileIndex < 0 || fileIndex >= len(files) {
		return nil, fmt.Errorf("%w: %d", ErrFileIndex, fileIndex)
	}
	return files[fileIndex], nil
}

// readPiece reads one whole piece and delivers it on ch. The reader blocks
// until the engine has the requested bytes, which gives deadline-elevated
// pieces their asynchronous completion.
func (s *TorrentStore) readPiece(piece int, ch chan<- Result) {
	pieceLength := s.PieceLength()
	off := int64(piece) * pieceLength
	size := pieceLength
	if rest := s.t.Length() - off; size > rest {
		size = rest
	}
	if size <= 0 {
		ch <- Result{Piece: piece, Err: fmt.Errorf("piecestore: piece %d out of range", piece)}
		return
	}

	r := s.t.NewReader()
	defer r.Close()
	// The cursor manages its own lookahead; the reader should not add one.
	r.SetReadahead(0)

	if _, err := r.Seek(off, io.SeekStart); err != nil {
		ch <- Result{Piece: piece, Err: err}
		return
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		s.log.Debug().Err(err).Int("piece", piece).Msg("piece read failed")
		ch <- Result{Piece: piece, Err: err}
		return
	}
	ch <- Result{Piece: piece, Data: buf}
}

func priorityFor(deadline time.Duration, critical bool) types.PiecePriority {
	switch {
	case critical:
		return torrent.PiecePriorityNow
	case deadline <= highPriorityDeadline:
		return torrent.PiecePriorityHigh
	default:
		return torrent.PiecePriorityReadahead
	}
}
