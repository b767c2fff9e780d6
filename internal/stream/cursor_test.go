package stream

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentcast/internal/piecestore"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type deadlineCall struct {
	piece    int
	deadline time.Duration
	critical bool
}

// fakeStore serves a byte slice split into fixed pieces. Pieces can be
// marked missing; critical requests for them complete when markAvailable is
// called. Every deadline and reset call is recorded for assertions.
type fakeStore struct {
	mu       sync.Mutex
	data     []byte
	pieceLen int64
	name     string

	missing   map[int]bool
	failing   map[int]error
	waiters   map[int][]chan piecestore.Result
	deadlines []deadlineCall
	resets    map[int]int
	reads     int
}

func newFakeStore(data []byte, pieceLen int64) *fakeStore {
	return &fakeStore{
		data:     data,
		pieceLen: pieceLen,
		name:     "show/episode-01.mkv",
		missing:  make(map[int]bool),
		failing:  make(map[int]error),
		waiters:  make(map[int][]chan piecestore.Result),
		resets:   make(map[int]int),
	}
}

func (s *fakeStore) PieceLength() int64 { return s.pieceLen }

func (s *fakeStore) FileSize(fileIndex int) (int64, error) {
	if fileIndex != 0 {
		return 0, piecestore.ErrFileIndex
	}
	return int64(len(s.data)), nil
}

func (s *fakeStore) FileName(fileIndex int) (string, error) {
	if fileIndex != 0 {
		return "", piecestore.ErrFileIndex
	}
	return s.name, nil
}

func (s *fakeStore) LastFilePiece(fileIndex int) (int, error) {
	if fileIndex != 0 {
		return 0, piecestore.ErrFileIndex
	}
	return int((int64(len(s.data)) - 1) / s.pieceLen), nil
}

func (s *fakeStore) MapFile(fileIndex int, offset, length int64) piecestore.Extent {
	piece := offset / s.pieceLen
	start := offset % s.pieceLen
	if rest := s.pieceLen - start; length > rest {
		length = rest
	}
	return piecestore.Extent{Piece: int(piece), Start: start, Length: length}
}

func (s *fakeStore) HavePiece(piece int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.missing[piece]
}

func (s *fakeStore) ReadPiece(piece int) <-chan piecestore.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	ch := make(chan piecestore.Result, 1)
	ch <- s.resultLocked(piece)
	return ch
}

func (s *fakeStore) SetPieceDeadline(piece int, deadline time.Duration, critical bool) <-chan piecestore.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines = append(s.deadlines, deadlineCall{piece: piece, deadline: deadline, critical: critical})
	if !critical {
		return nil
	}
	s.reads++
	ch := make(chan piecestore.Result, 1)
	if s.missing[piece] {
		s.waiters[piece] = append(s.waiters[piece], ch)
	} else {
		ch <- s.resultLocked(piece)
	}
	return ch
}

func (s *fakeStore) ResetPieceDeadline(piece int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[piece]++
}

func (s *fakeStore) markAvailable(piece int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missing, piece)
	for _, ch := range s.waiters[piece] {
		ch <- s.resultLocked(piece)
	}
	delete(s.waiters, piece)
}

func (s *fakeStore) resultLocked(piece int) piecestore.Result {
	if err := s.failing[piece]; err != nil {
		return piecestore.Result{Piece: piece, Err: err}
	}
	start := int64(piece) * s.pieceLen
	end := start + s.pieceLen
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	buf := make([]byte, end-start)
	copy(buf, s.data[start:end])
	return piecestore.Result{Piece: piece, Data: buf}
}

func (s *fakeStore) deadlineCalls() []deadlineCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deadlineCall(nil), s.deadlines...)
}

func (s *fakeStore) resetCount(piece int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[piece]
}

func (s *fakeStore) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// fakeSink collects delivered bytes. The queued level is test-controlled so
// backpressure can be simulated.
type fakeSink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	queued  int64
	closed  bool
	lastErr error
	drained chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{drained: make(chan struct{}, 1)}
}

func (s *fakeSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.buf.Write(p)
	return nil
}

func (s *fakeSink) QueuedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *fakeSink) Drained() <-chan struct{} { return s.drained }

func (s *fakeSink) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.lastErr = err
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) setQueued(n int64) {
	s.mu.Lock()
	s.queued = n
	s.mu.Unlock()
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

func (s *fakeSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testFileData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newTestFile(t *testing.T, store *fakeStore, cfg SchedConfig) *File {
	t.Helper()
	f, err := NewFile(store, "deadbeef", 0, cfg, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func waitDone(t *testing.T, c *Cursor) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cursor did not reach a terminal state")
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCursorDeliversExactRange(t *testing.T) {
	data := testFileData(1000)
	store := newFakeStore(data, 100)
	f := newTestFile(t, store, SchedConfig{})
	sink := newFakeSink()

	c := f.Read(context.Background(), 150, 200, sink)
	waitDone(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, CursorCompleted, c.State())
	assert.EqualValues(t, 0, c.Remaining())
	assert.EqualValues(t, 350, c.Position())
	// Crosses the boundary at 200: 50 + 100 + 50 byte steps.
	assert.Equal(t, data[150:350], sink.bytes())
	assert.Equal(t, 3, store.readCount())
}

func TestCursorFullFile(t *testing.T) {
	data := testFileData(950) // last piece is short
	store := newFakeStore(data, 100)
	f := newTestFile(t, store, SchedConfig{})
	sink := newFakeSink()

	c := f.Read(context.Background(), 0, 950, sink)
	waitDone(t, c)

	require.NoError(t, c.Err())
	assert.Equal(t, data, sink.bytes())
}

func TestCursorBackpressureGate(t *testing.T) {
	data := testFileData(400)
	store := newFakeStore(data, 100)
	f := newTestFile(t, store, SchedConfig{BackpressureBytes: 8})
	sink := newFakeSink()
	sink.setQueued(10)

	c := f.Read(context.Background(), 0, 400, sink)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, store.readCount(), "no read step while the queue is above the ceiling")

	sink.setQueued(0)
	waitDone(t, c)
	assert.Equal(t, data, sink.bytes())
}

func TestCursorLookaheadWindowBounds(t *testing.T) {
	data := testFileData(2000) // pieces 0..19
	store := newFakeStore(data, 100)
	for p := 0; p <= 19; p++ {
		store.missing[p] = true
	}
	f := newTestFile(t, store, SchedConfig{LookaheadBytes: 500}) // 5-piece window
	sink := newFakeSink()

	c := f.Read(context.Background(), 0, 1000, sink)

	require.Eventually(t, func() bool {
		return len(store.deadlineCalls()) >= 6
	}, time.Second, 5*time.Millisecond)

	calls := store.deadlineCalls()
	assert.True(t, calls[0].critical, "first request is the blocking piece")
	assert.Equal(t, 0, calls[0].piece)

	advance := calls[1:6]
	prev := time.Duration(0)
	for i, call := range advance {
		assert.False(t, call.critical)
		assert.Equal(t, 1+i, call.piece)
		assert.LessOrEqual(t, call.piece, f.LastPiece())
		assert.Greater(t, call.deadline, prev, "deadlines grow with distance")
		prev = call.deadline
	}

	// Drain the whole request and make sure the window never left the file.
	for p := 0; p <= 19; p++ {
		store.markAvailable(p)
	}
	waitDone(t, c)
	require.NoError(t, c.Err())
	for _, call := range store.deadlineCalls() {
		assert.LessOrEqual(t, call.piece, f.LastPiece())
	}
	assert.Equal(t, data[:1000], sink.bytes())
}

func TestCursorCancelReleasesPriorities(t *testing.T) {
	data := testFileData(2000)
	store := newFakeStore(data, 100)
	for p := 0; p <= 19; p++ {
		store.missing[p] = true
	}
	f := newTestFile(t, store, SchedConfig{LookaheadBytes: 300}) // 3-piece window
	sink := newFakeSink()

	c := f.Read(context.Background(), 0, 1000, sink)
	require.Eventually(t, func() bool {
		return len(store.deadlineCalls()) >= 4
	}, time.Second, 5*time.Millisecond)

	c.Cancel()
	waitDone(t, c)

	assert.Equal(t, CursorCancelled, c.State())
	assert.NoError(t, c.Err())
	assert.Positive(t, c.Remaining())
	for _, p := range []int{0, 1, 2, 3} {
		assert.Equal(t, 1, store.resetCount(p), "piece %d released exactly once", p)
	}
}

func TestCursorSinkClosedIsSilent(t *testing.T) {
	data := testFileData(500)
	store := newFakeStore(data, 100)
	f := newTestFile(t, store, SchedConfig{})
	sink := newFakeSink()
	sink.CloseWithError(nil)

	c := f.Read(context.Background(), 0, 500, sink)
	waitDone(t, c)

	assert.Equal(t, CursorCancelled, c.State())
	assert.NoError(t, c.Err())
	assert.Zero(t, store.readCount())
}

func TestCursorEngineErrorCloses(t *testing.T) {
	data := testFileData(500)
	store := newFakeStore(data, 100)
	store.failing[2] = assert.AnError
	f := newTestFile(t, store, SchedConfig{})
	sink := newFakeSink()

	c := f.Read(context.Background(), 0, 500, sink)
	waitDone(t, c)

	assert.Equal(t, CursorErrored, c.State())
	require.Error(t, c.Err())
	assert.True(t, sink.Closed(), "engine failure closes the sink")
	assert.Equal(t, data[:200], sink.bytes(), "bytes before the failure were delivered in order")
}

func TestCursorRequestsTailPieceEagerly(t *testing.T) {
	data := testFileData(1000)
	store := newFakeStore(data, 100)
	store.missing[9] = true
	f := newTestFile(t, store, SchedConfig{TailDeadline: 2 * time.Second})
	sink := newFakeSink()

	c := f.Read(context.Background(), 950, 50, sink)

	require.Eventually(t, func() bool {
		for _, call := range store.deadlineCalls() {
			if call.piece == 9 && !call.critical && call.deadline == 2*time.Second {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	store.markAvailable(9)
	waitDone(t, c)
	require.NoError(t, c.Err())
	assert.Equal(t, data[950:], sink.bytes())
}

func TestCursorNoTailRequestFarFromEnd(t *testing.T) {
	data := testFileData(2000)
	store := newFakeStore(data, 100)
	for p := 5; p <= 19; p++ {
		store.missing[p] = true
	}
	f := newTestFile(t, store, SchedConfig{})
	sink := newFakeSink()

	c := f.Read(context.Background(), 0, 500, sink)
	waitDone(t, c)

	require.NoError(t, c.Err())
	for _, call := range store.deadlineCalls() {
		assert.LessOrEqual(t, call.piece, 4, "deadline issued past the requested range")
	}
}

func TestCursorTailTargetsRangeEndPiece(t *testing.T) {
	data := testFileData(950)
	store := newFakeStore(data, 100)
	store.missing[8] = true
	store.missing[9] = true
	f := newTestFile(t, store, SchedConfig{TailDeadline: 2 * time.Second})
	sink := newFakeSink()

	// The range ends in piece 8, within one piece length of the end of the
	// file. The eager tail hint must land on piece 8, not the file's last
	// piece.
	c := f.Read(context.Background(), 0, 900, sink)

	require.Eventually(t, func() bool {
		for _, call := range store.deadlineCalls() {
			if call.piece == 8 && !call.critical && call.deadline == 2*time.Second {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	for _, call := range store.deadlineCalls() {
		assert.NotEqual(t, 9, call.piece)
	}

	store.markAvailable(8)
	waitDone(t, c)
	require.NoError(t, c.Err())
	assert.Equal(t, data[:900], sink.bytes())
}
