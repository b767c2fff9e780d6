package httpd

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"torrentcast/internal/metrics"
	"torrentcast/internal/stream"
)

// Conn is one accepted streaming connection. It frames requests out of a
// receive buffer, hands them to the server's handler one at a time, and
// flushes response bytes through an ordered write queue. The queue's byte
// level is what cursors use for backpressure, so writes are never buffered
// anywhere else.
type Conn struct {
	srv *Server
	nc  net.Conn
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	recv            []byte
	queue           [][]byte
	queued          int64
	inflight        bool
	closeAfterFlush bool
	closed          bool
	lastActive      time.Time
	resp            *Response

	wake    chan struct{}
	drained chan struct{}
}

func newConn(srv *Server, nc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		srv:        srv,
		nc:         nc,
		log:        srv.log.With().Str("remote", nc.RemoteAddr().String()).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		lastActive: time.Now(),
		wake:       make(chan struct{}, 1),
		drained:    make(chan struct{}, 1),
	}
}

func (c *Conn) serve() {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) readLoop() {
	defer c.Close()
	buf := make([]byte, 32<<10)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.recv = append(c.recv, buf[:n]...)
			c.lastActive = time.Now()
			c.mu.Unlock()
			c.process()
		}
		if err != nil {
			return
		}
	}
}

// process frames and dispatches buffered requests. At most one request is
// live at a time; pipelined frames stay buffered until the current response
// body completes.
func (c *Conn) process() {
	for {
		c.mu.Lock()
		if c.closed || c.inflight || c.closeAfterFlush {
			c.mu.Unlock()
			return
		}
		res := parseRequest(c.recv)
		switch res.status {
		case parseIncomplete:
			over := int64(len(c.recv)) > c.srv.recvLimit
			c.mu.Unlock()
			if over {
				c.log.Debug().Msg("request buffer over limit")
				c.reject(StatusPayloadTooLarge)
			}
			return
		case parseBadRequest:
			c.mu.Unlock()
			c.reject(StatusBadRequest)
			return
		}
		c.recv = c.recv[res.frameSize:]
		c.inflight = true
		c.mu.Unlock()

		req := res.req
		req.conn = c
		c.srv.handler.Serve(req)
	}
}

// reject sends a terse error response and closes once it is flushed.
func (c *Conn) reject(status Status) {
	body := []byte(status.Reason() + "\n")
	head := responseHead(status, []Header{
		{"Content-Type", "text/plain"},
		{"Connection", "close"},
	}, int64(len(body)))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closeAfterFlush = true
	c.enqueueLocked(head)
	c.enqueueLocked(body)
	c.mu.Unlock()
	c.signalWrite()
}

func (c *Conn) send(req *Request, status Status, headers []Header, contentLength int64, headOnly bool) *Response {
	expect := contentLength
	if headOnly || req.Method == "HEAD" {
		expect = 0
	}
	closeAfter := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Connection") && h.Value == "close" {
			closeAfter = true
		}
	}

	r := &Response{conn: c, closeAfter: closeAfter}
	r.remaining.Store(expect)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		r.closed.Store(true)
		return r
	}
	c.resp = r
	c.enqueueLocked(responseHead(status, headers, contentLength))
	c.mu.Unlock()
	c.signalWrite()

	if expect == 0 {
		c.finishRequest(r)
	}
	return r
}

func (c *Conn) enqueueLocked(p []byte) {
	c.queue = append(c.queue, p)
	c.queued += int64(len(p))
}

func (c *Conn) enqueue(p []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.enqueueLocked(p)
	c.mu.Unlock()
	c.signalWrite()
	return true
}

func (c *Conn) queuedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

func (c *Conn) signalWrite() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) writeLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 {
			if c.closed {
				c.mu.Unlock()
				return
			}
			if c.closeAfterFlush {
				c.mu.Unlock()
				c.Close()
				return
			}
			c.mu.Unlock()
			select {
			case <-c.wake:
			case <-c.ctx.Done():
				return
			}
			c.mu.Lock()
		}
		chunk := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if _, err := c.nc.Write(chunk); err != nil {
			c.Close()
			return
		}

		c.mu.Lock()
		c.queued -= int64(len(chunk))
		c.lastActive = time.Now()
		c.mu.Unlock()

		select {
		case c.drained <- struct{}{}:
		default:
		}
	}
}

// finishRequest retires the live response: the next pipelined frame (if
// any) can be dispatched, or the connection drains and closes.
func (c *Conn) finishRequest(r *Response) {
	c.mu.Lock()
	if c.resp == r {
		c.resp = nil
	}
	c.inflight = false
	if r.closeAfter {
		c.closeAfterFlush = true
	}
	c.mu.Unlock()

	if r.closeAfter {
		c.signalWrite()
		return
	}
	c.process()
}

// expired reports whether the connection has been idle past timeout with
// nothing queued and no request in flight.
func (c *Conn) expired(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight || len(c.queue) > 0 {
		return false
	}
	return now.Sub(c.lastActive) > timeout
}

// Close tears the connection down. Idempotent; safe from any goroutine.
// Cursors streaming into this connection observe the closed sink and stop.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	resp := c.resp
	c.resp = nil
	c.mu.Unlock()

	c.cancel()
	c.nc.Close()
	if resp != nil {
		resp.closed.Store(true)
	}
	select {
	case c.drained <- struct{}{}:
	default:
	}
	c.srv.removeConn(c)
}

func responseHead(status Status, headers []Header, contentLength int64) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 ")
	b.WriteString(status.String())
	b.WriteString("\r\n")
	for _, h := range headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.FormatInt(contentLength, 10))
	b.WriteString("\r\n\r\n")
	return b.Bytes()
}

// Response delivers one response body. It is the sink cursors stream into:
// QueuedBytes and Drained expose the connection's write queue for
// backpressure.
type Response struct {
	conn       *Conn
	closeAfter bool
	remaining  atomic.Int64
	closed     atomic.Bool
}

var _ stream.Sink = (*Response)(nil)

func (r *Response) Write(p []byte) error {
	if r.Closed() {
		return stream.ErrSinkClosed
	}
	if !r.conn.enqueue(p) {
		r.closed.Store(true)
		return stream.ErrSinkClosed
	}
	if r.remaining.Add(-int64(len(p))) <= 0 {
		r.conn.finishRequest(r)
	}
	return nil
}

func (r *Response) QueuedBytes() int64 {
	return r.conn.queuedBytes()
}

func (r *Response) Drained() <-chan struct{} {
	return r.conn.drained
}

// CloseWithError aborts the connection. A partial body cannot be repaired
// on a framed HTTP/1.1 stream, so the peer sees the truncation.
func (r *Response) CloseWithError(err error) {
	if r.closed.CompareAndSwap(false, true) {
		if err != nil {
			r.conn.log.Debug().Err(err).Msg("response aborted")
		}
		r.conn.Close()
	}
}

func (r *Response) Closed() bool {
	if r.closed.Load() {
		return true
	}
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	return r.conn.closed
}
