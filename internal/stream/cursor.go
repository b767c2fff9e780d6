package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"torrentcast/internal/metrics"
	"torrentcast/internal/piecestore"
)

// SchedConfig tunes the cursor's piece scheduling.
type SchedConfig struct {
	// MinDeadline and MaxDeadline clamp the urgency hint for the piece
	// currently blocking delivery. The hint scales with observed feed
	// latency, so a healthy swarm is not spammed with urgent deadlines.
	MinDeadline time.Duration
	MaxDeadline time.Duration
	// TailDeadline is the eager deadline for the range's final piece when it
	// sits within one piece length of the end of the file. Players probe the
	// file tail for container indices before sequential playback begins.
	TailDeadline time.Duration
	// LookaheadBytes is the byte budget of the advance-piece window.
	LookaheadBytes int64
	// BackpressureBytes caps unflushed bytes in the sink before the cursor
	// pauses pulling from the engine.
	BackpressureBytes int64
}

// DefaultSchedConfig returns the production scheduling parameters.
func DefaultSchedConfig() SchedConfig {
	return SchedConfig{
		MinDeadline:       32 * time.Millisecond,
		MaxDeadline:       320 * time.Millisecond,
		TailDeadline:      2 * time.Second,
		LookaheadBytes:    30 << 20,
		BackpressureBytes: 32 << 20,
	}
}

func (c SchedConfig) withDefaults() SchedConfig {
	d := DefaultSchedConfig()
	if c.MinDeadline <= 0 {
		c.MinDeadline = d.MinDeadline
	}
	if c.MaxDeadline <= 0 {
		c.MaxDeadline = d.MaxDeadline
	}
	if c.TailDeadline <= 0 {
		c.TailDeadline = d.TailDeadline
	}
	if c.LookaheadBytes <= 0 {
		c.LookaheadBytes = d.LookaheadBytes
	}
	if c.BackpressureBytes <= 0 {
		c.BackpressureBytes = d.BackpressureBytes
	}
	return c
}

// CursorState tracks a cursor through its delivery lifecycle.
type CursorState int32

const (
	CursorIdle CursorState = iota
	CursorPendingRead
	CursorDelivering
	CursorCompleted
	CursorCancelled
	CursorErrored
)

var cursorStateNames = [...]string{
	"idle", "pending-read", "delivering", "completed", "cancelled", "errored",
}

func (s CursorState) String() string {
	if int(s) < len(cursorStateNames) {
		return cursorStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether the cursor has stopped for good.
func (s CursorState) Terminal() bool {
	return s == CursorCompleted || s == CursorCancelled || s == CursorErrored
}

var errCancelled = errors.New("stream: cursor cancelled")

// Cursor drives sequential delivery of one byte range from a piece-oriented,
// intermittently-available source to a byte-stream sink. One piece read is
// outstanding at a time; the lookahead window ahead of it is priority hints
// only, not concurrent fetches. Bytes reach the sink in strictly increasing
// offset order with no gaps or overlaps.
type Cursor struct {
	file  *File
	store piecestore.Store
	sink  Sink
	cfg   SchedConfig

	ctx    context.Context
	cancel context.CancelFunc

	pos       atomic.Int64
	remaining atomic.Int64
	state     atomic.Int32

	// Last piece covered by the requested range. Lookahead and the tail
	// hint never reach past it.
	endPiece int

	// Touched only by the run goroutine.
	window   []int
	current  int
	lastFeed time.Time

	release sync.Once
	done    chan struct{}
	err     error
}

func newCursor(ctx context.Context, f *File, position, length int64, sink Sink) *Cursor {
	cctx, cancel := context.WithCancel(ctx)
	c := &Cursor{
		file:     f,
		store:    f.store,
		sink:     sink,
		cfg:      f.cfg,
		ctx:      cctx,
		cancel:   cancel,
		endPiece: int((position + length - 1) / f.pieceLength),
		current:  -1,
		lastFeed: time.Now(),
		done:     make(chan struct{}),
	}
	c.pos.Store(position)
	c.remaining.Store(length)
	return c
}

// Position is the next file offset to be delivered. Advances monotonically.
func (c *Cursor) Position() int64 { return c.pos.Load() }

// Remaining is the byte count still owed to the sink; zero is terminal.
func (c *Cursor) Remaining() int64 { return c.remaining.Load() }

func (c *Cursor) State() CursorState { return CursorState(c.state.Load()) }

// Done is closed once the cursor reaches a terminal state.
func (c *Cursor) Done() <-chan struct{} { return c.done }

// Err reports the engine failure that stopped the cursor, if any. Valid
// after Done is closed. Cancellation is not an error.
func (c *Cursor) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Cancel stops the cursor and releases every piece deadline it holds.
// Idempotent; safe from any goroutine.
func (c *Cursor) Cancel() { c.cancel() }

func (c *Cursor) run() {
	metrics.ActiveCursors.Inc()
	defer metrics.ActiveCursors.Dec()
	defer close(c.done)
	defer c.file.forget(c)
	defer c.releaseHeld()
	defer c.cancel()

	if c.ctx.Err() == nil {
		c.requestTail()
	}

	for c.remaining.Load() > 0 {
		if err := c.step(); err != nil {
			if errors.Is(err, errCancelled) {
				c.state.Store(int32(CursorCancelled))
				// A partial body cannot be completed later; the consumer
				// must see the stream end rather than wait on it.
				c.sink.CloseWithError(nil)
				return
			}
			c.err = err
			c.state.Store(int32(CursorErrored))
			metrics.StreamErrorsTotal.Inc()
			c.file.log.Debug().Err(err).Int64("pos", c.pos.Load()).Msg("cursor failed")
			c.sink.CloseWithError(err)
			return
		}
	}
	c.state.Store(int32(CursorCompleted))
}

// step performs one read: gate on backpressure, request the covering piece,
// refresh the lookahead window, await completion, feed the sink.
func (c *Cursor) step() error {
	if err := c.awaitWritable(); err != nil {
		return err
	}

	stepLen := c.remaining.Load()
	if stepLen > c.file.pieceLength {
		stepLen = c.file.pieceLength
	}
	ext := c.store.MapFile(c.file.fileIndex, c.pos.Load(), stepLen)
	if ext.Piece < 0 {
		return fmt.Errorf("stream: cannot map offset %d", c.pos.Load())
	}

	deadline := c.stepDeadline()
	var res <-chan piecestore.Result
	if c.store.HavePiece(ext.Piece) {
		res = c.store.ReadPiece(ext.Piece)
	} else {
		res = c.store.SetPieceDeadline(ext.Piece, deadline, true)
	}
	c.current = ext.Piece
	c.state.Store(int32(CursorPendingRead))
	c.prioritizeWindow(ext.Piece, deadline)

	select {
	case r := <-res:
		if r.Err != nil {
			return fmt.Errorf("read piece %d: %w", ext.Piece, r.Err)
		}
		c.state.Store(int32(CursorDelivering))
		return c.deliver(ext, r.Data)
	case <-c.ctx.Done():
		return errCancelled
	}
}

func (c *Cursor) deliver(ext piecestore.Extent, data []byte) error {
	if ext.Start >= int64(len(data)) {
		return fmt.Errorf("stream: piece %d short read: %d bytes, need offset %d", ext.Piece, len(data), ext.Start)
	}
	end := ext.Start + ext.Length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	chunk := data[ext.Start:end]

	if err := c.sink.Write(chunk); err != nil {
		if errors.Is(err, ErrSinkClosed) {
			return errCancelled
		}
		return err
	}

	n := int64(len(chunk))
	c.pos.Add(n)
	c.remaining.Add(-n)
	c.lastFeed = time.Now()
	metrics.StreamedBytesTotal.Add(float64(n))
	c.state.Store(int32(CursorIdle))
	return nil
}

// awaitWritable blocks until the sink's write queue is below the
// backpressure ceiling. A closed sink skips the step silently: clients
// disconnect mid-stream and that is not an error.
func (c *Cursor) awaitWritable() error {
	for {
		select {
		case <-c.ctx.Done():
			return errCancelled
		default:
		}
		if c.sink.Closed() {
			return errCancelled
		}
		if c.sink.QueuedBytes() < c.cfg.BackpressureBytes {
			return nil
		}
		select {
		case <-c.sink.Drained():
		case <-c.ctx.Done():
			return errCancelled
		}
	}
}

// stepDeadline adapts urgency to observed feed latency: slow feeds shorten
// the deadline, healthy ones relax it.
func (c *Cursor) stepDeadline() time.Duration {
	d := time.Since(c.lastFeed)
	if d < c.cfg.MinDeadline {
		d = c.cfg.MinDeadline
	}
	if d > c.cfg.MaxDeadline {
		d = c.cfg.MaxDeadline
	}
	return d
}

// prioritizeWindow re-issues deadlines for the run of missing pieces after
// cur, sized to the lookahead byte budget and never extending past the
// requested range's last piece. Deadlines grow with distance from the
// cursor. Pieces
// that fell out of the previous window are released back to normal swarm
// scheduling; the piece currently being read always keeps its priority.
func (c *Cursor) prioritizeWindow(cur int, deadline time.Duration) {
	count := int(c.cfg.LookaheadBytes / c.file.pieceLength)
	if count < 1 {
		count = 1
	}

	old := c.window
	next := make([]int, 0, count)
	for i := 0; len(next) < count; i++ {
		piece := cur + 1 + i
		if piece > c.endPiece {
			break
		}
		if c.store.HavePiece(piece) {
			continue
		}
		c.store.SetPieceDeadline(piece, deadline*time.Duration(i+2), false)
		next = append(next, piece)
	}

	keep := make(map[int]struct{}, len(next))
	for _, p := range next {
		keep[p] = struct{}{}
	}
	for _, p := range old {
		if p == cur {
			continue
		}
		if _, ok := keep[p]; ok {
			continue
		}
		c.store.ResetPieceDeadline(p)
	}
	c.window = next
}

// requestTail eagerly prioritizes the range's last piece when the requested
// range ends within one piece length of the end of the file.
func (c *Cursor) requestTail() {
	lastByte := c.pos.Load() + c.remaining.Load() - 1
	if lastByte+c.file.pieceLength < c.file.size {
		return
	}
	if c.store.HavePiece(c.endPiece) {
		return
	}
	c.store.SetPieceDeadline(c.endPiece, c.cfg.TailDeadline, false)
}

// releaseHeld returns every piece the cursor still holds at elevated
// priority to normal scheduling. Runs exactly once, on every terminal path,
// so an abandoned stream never keeps biasing the swarm.
func (c *Cursor) releaseHeld() {
	c.release.Do(func() {
		for _, p := range c.window {
			c.store.ResetPieceDeadline(p)
		}
		if c.current >= 0 {
			c.store.ResetPieceDeadline(c.current)
		}
	})
}
