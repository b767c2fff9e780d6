package httpd

import (
	"bytes"
	"context"
	"strconv"
	"strings"
)

type parseStatus int

const (
	// parseIncomplete means the buffer does not yet hold a full request
	// frame; keep reading.
	parseIncomplete parseStatus = iota
	parseBadRequest
	parseOK
)

// Request is one parsed HTTP request frame. Header names are lower-cased
// during parsing.
type Request struct {
	Method  string
	Target  string
	Version string
	Headers map[string]string
	Body    []byte

	conn *Conn
}

// Header returns the value of the named header, or "" when absent.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// Path is the request target without its query string.
func (r *Request) Path() string {
	path, _, _ := strings.Cut(r.Target, "?")
	return path
}

// Context is cancelled when the underlying connection goes away. Streams
// started for this request must hang off it.
func (r *Request) Context() context.Context {
	return r.conn.ctx
}

// RemoteAddr identifies the peer, for logging.
func (r *Request) RemoteAddr() string {
	return r.conn.nc.RemoteAddr().String()
}

// Send queues the response head and returns the body writer. contentLength
// is both the Content-Length header value and the number of body bytes the
// writer expects; for HEAD requests no body follows regardless. A
// "Connection: close" header makes the connection flush and close once the
// body completes.
func (r *Request) Send(status Status, headers []Header, contentLength int64) *Response {
	return r.conn.send(r, status, headers, contentLength, false)
}

// SendNoBody queues a bodyless response head. Serves HEAD, and the
// header-only answer to a GET without a Range, where Content-Length
// describes the resource rather than the body; pair it with a
// "Connection: close" header so the peer does not wait for bytes that
// never come.
func (r *Request) SendNoBody(status Status, headers []Header, contentLength int64) *Response {
	return r.conn.send(r, status, headers, contentLength, true)
}

type parseResult struct {
	status parseStatus
	req    *Request
	// frameSize is the byte count consumed from the receive buffer,
	// meaningful only on parseOK.
	frameSize int
}

var crlf2 = []byte("\r\n\r\n")

// parseRequest frames one request out of the receive buffer. It never
// consumes: the caller drops frameSize bytes on parseOK.
func parseRequest(buf []byte) parseResult {
	headerEnd := bytes.Index(buf, crlf2)
	if headerEnd < 0 {
		return parseResult{status: parseIncomplete}
	}

	lines := strings.Split(string(buf[:headerEnd]), "\r\n")
	method, target, version, ok := parseRequestLine(lines[0])
	if !ok {
		return parseResult{status: parseBadRequest}
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			return parseResult{status: parseBadRequest}
		}
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}

	frame := headerEnd + len(crlf2)
	var body []byte
	if raw, ok := headers["content-length"]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return parseResult{status: parseBadRequest}
		}
		if int64(len(buf)-frame) < n {
			return parseResult{status: parseIncomplete}
		}
		body = append([]byte(nil), buf[frame:frame+int(n)]...)
		frame += int(n)
	}

	return parseResult{
		status: parseOK,
		req: &Request{
			Method:  method,
			Target:  target,
			Version: version,
			Headers: headers,
			Body:    body,
		},
		frameSize: frame,
	}
}

func parseRequestLine(line string) (method, target, version string, ok bool) {
	method, rest, found := strings.Cut(line, " ")
	if !found {
		return "", "", "", false
	}
	target, version, found = strings.Cut(rest, " ")
	if !found {
		return "", "", "", false
	}
	if method == "" || strings.ToUpper(method) != method {
		return "", "", "", false
	}
	if !strings.HasPrefix(target, "/") {
		return "", "", "", false
	}
	if !strings.HasPrefix(version, "HTTP/1.") {
		return "", "", "", false
	}
	return method, target, version, true
}
