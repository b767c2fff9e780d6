package httpd

import "strconv"

// Status is an HTTP response status code.
type Status int

const (
	StatusOK                  Status = 200
	StatusPartialContent      Status = 206
	StatusBadRequest          Status = 400
	StatusNotFound            Status = 404
	StatusMethodNotAllowed    Status = 405
	StatusPayloadTooLarge     Status = 413
	StatusRangeNotSatisfiable Status = 416
	StatusInternalServerError Status = 500
)

func (s Status) Reason() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusPartialContent:
		return "Partial Content"
	case StatusBadRequest:
		return "Bad Request"
	case StatusNotFound:
		return "Not Found"
	case StatusMethodNotAllowed:
		return "Method Not Allowed"
	case StatusPayloadTooLarge:
		return "Payload Too Large"
	case StatusRangeNotSatisfiable:
		return "Range Not Satisfiable"
	case StatusInternalServerError:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}

func (s Status) String() string {
	return strconv.Itoa(int(s)) + " " + s.Reason()
}

// label is the bare status code, used as a metric label.
func (s Status) label() string {
	return strconv.Itoa(int(s))
}

// Header is a single response header. Responses carry an ordered slice so
// the wire output is deterministic.
type Header struct {
	Name  string
	Value string
}
