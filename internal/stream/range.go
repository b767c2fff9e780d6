package stream

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRange rejects a Range header the streaming server cannot serve.
type ErrInvalidRange struct {
	Value  string
	Reason string
}

func (e *ErrInvalidRange) Error() string {
	return fmt.Sprintf("invalid range %q: %s", e.Value, e.Reason)
}

// Range is an inclusive byte range within a file.
type Range struct {
	First int64
	Last  int64
}

func (r Range) Size() int64 {
	return r.Last - r.First + 1
}

// ParseRange validates a Range header value of the form
// "bytes=<first>-[<last>]" against the known file size. An omitted last
// position means "to end of file".
func ParseRange(value string, fileSize int64) (Range, error) {
	reject := func(reason string) (Range, error) {
		return Range{}, &ErrInvalidRange{Value: value, Reason: reason}
	}

	unit, spec, found := strings.Cut(value, "=")
	if !found {
		return reject("missing unit separator")
	}
	if unit != "bytes" {
		return reject("unsupported unit")
	}

	firstPart, lastPart, found := strings.Cut(spec, "-")
	if !found {
		return reject("missing range separator")
	}

	firstPart = strings.TrimSpace(firstPart)
	lastPart = strings.TrimSpace(lastPart)

	first, err := strconv.ParseInt(firstPart, 10, 64)
	if err != nil || first < 0 {
		return reject("malformed first byte position")
	}

	last := fileSize - 1
	if lastPart != "" {
		last, err = strconv.ParseInt(lastPart, 10, 64)
		if err != nil {
			return reject("malformed last byte position")
		}
	}

	if first > last {
		return reject("first byte position past last")
	}
	if last >= fileSize {
		return reject("last byte position past end of file")
	}
	r := Range{First: first, Last: last}
	if r.Size() > fileSize {
		return reject("range exceeds file size")
	}
	return r, nil
}
