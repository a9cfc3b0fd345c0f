// Package codec implements the ASCII-framed wire protocol spoken between
// clients and the cache server: a one-digit request code, length-prefixed
// segments (ten decimal digits followed by exactly that many raw bytes),
// a one-digit open flag, and a ten-digit signed read-N count on the way in;
// a two-digit response code, a length-prefixed read payload, and a
// (length,path,content) stream terminated by an all-zero sentinel segment
// on the way out.
//
// Every numeric field is fixed-width ASCII decimal, left-padded with
// zeros. Payload bytes are opaque: no escaping, no terminator, copied
// verbatim.
package codec

import (
	"bufio"
	"fmt"
	"io"
)

// Request codes, one ASCII digit each.
const (
	ReqReadN  = 1
	ReqOpen   = 2
	ReqRead   = 3
	ReqWrite  = 4
	ReqAppend = 5
	ReqLock   = 6
	ReqUnlock = 7
	ReqClose  = 8
	ReqRemove = 9
)

// Response codes, two ASCII digits each.
const (
	RespOK            = 1
	RespNotFound      = 2
	RespForbidden     = 3
	RespTooBig        = 4
	RespInternal      = 5
	RespBadRequest    = 6
	RespAlreadyExists = 7
)

// Open flag bits.
const (
	OpenCreate = 1 << 0
	OpenLock   = 1 << 1
)

const (
	lenWidth  = 10
	codeWidth = 1
	respWidth = 2
	flagWidth = 1
)

// sentinelLen is the all-zero length segment marking the end of a
// multi-file (length,path,content) stream.
const sentinelLen = "0000000000"

// ErrBadRequest marks a malformed frame on the input side: a non-digit
// character, an out-of-range length, or a short read. The caller stays
// connected and the cache treats this as a bad-request (response code 6).
type ErrBadRequest struct{ Reason string }

func (e *ErrBadRequest) Error() string { return "codec: bad request: " + e.Reason }

// Request is one parsed client request frame.
type Request struct {
	Code     int    // one of Req*
	Path     string // pathname, present for every code except ReadN
	Payload  []byte // write/append content
	OpenFlag int     // OpenCreate | OpenLock, only meaningful for ReqOpen
	Count    int     // ReadN count; <= 0 means "all"
}

// ReadRequest parses exactly one request frame from r.
func ReadRequest(r *bufio.Reader) (Request, error) {
	code, err := readFixedInt(r, codeWidth)
	if err != nil {
		return Request{}, err
	}

	var req Request
	req.Code = code

	switch code {
	case ReqReadN:
		n, err := readFixedInt(r, lenWidth)
		if err != nil {
			return Request{}, err
		}
		req.Count = n
	case ReqOpen:
		path, err := readSegment(r)
		if err != nil {
			return Request{}, err
		}
		flag, err := readFixedInt(r, flagWidth)
		if err != nil {
			return Request{}, err
		}
		if flag < 0 || flag > (OpenCreate|OpenLock) {
			return Request{}, &ErrBadRequest{Reason: "open flag out of range"}
		}
		req.Path = string(path)
		req.OpenFlag = flag
	case ReqRead, ReqLock, ReqUnlock, ReqClose, ReqRemove:
		path, err := readSegment(r)
		if err != nil {
			return Request{}, err
		}
		req.Path = string(path)
	case ReqWrite, ReqAppend:
		path, err := readSegment(r)
		if err != nil {
			return Request{}, err
		}
		payload, err := readSegment(r)
		if err != nil {
			return Request{}, err
		}
		req.Path = string(path)
		req.Payload = payload
	default:
		return Request{}, &ErrBadRequest{Reason: fmt.Sprintf("unknown request code %d", code)}
	}
	return req, nil
}

// WriteResponse writes a bare response code with no payload.
func WriteResponse(w io.Writer, code int) error {
	_, err := io.WriteString(w, fixedInt(code, respWidth))
	return err
}

// WriteReadResponse writes an OK response carrying a single read payload.
func WriteReadResponse(w io.Writer, content []byte) error {
	if err := WriteResponse(w, RespOK); err != nil {
		return err
	}
	return writeSegment(w, content)
}

// FilePair is one (path, content) pair in a multi-file stream.
type FilePair struct {
	Path    string
	Content []byte
}

// WriteFileStream writes an OK response followed by pairs, terminated by
// the all-zero sentinel length. Used for read-N results.
func WriteFileStream(w io.Writer, pairs []FilePair) error {
	if err := WriteResponse(w, RespOK); err != nil {
		return err
	}
	return WritePairs(w, pairs)
}

// WritePairs writes pairs terminated by the all-zero sentinel length, with
// no response code of its own. Used to append an evicted-file payload
// after a response code that was already written separately (the
// response and the eviction outcome can differ: a write can evict files
// and still fail with too-big).
func WritePairs(w io.Writer, pairs []FilePair) error {
	for _, p := range pairs {
		if err := writeSegment(w, []byte(p.Path)); err != nil {
			return err
		}
		if err := writeSegment(w, p.Content); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, sentinelLen)
	return err
}

func readSegment(r *bufio.Reader) ([]byte, error) {
	n, err := readFixedInt(r, lenWidth)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, &ErrBadRequest{Reason: "negative segment length"}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &ErrBadRequest{Reason: "short read on segment payload: " + err.Error()}
	}
	return buf, nil
}

func writeSegment(w io.Writer, data []byte) error {
	if _, err := io.WriteString(w, fixedInt(len(data), lenWidth)); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFixedInt reads exactly width ASCII decimal digits (optionally signed
// when width allows it by convention of the caller) and parses them as a
// signed integer. A non-digit byte, or a short read, is a bad request.
func readFixedInt(r *bufio.Reader, width int) (int, error) {
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, &ErrBadRequest{Reason: "short read on numeric field: " + err.Error()}
	}
	neg := false
	start := 0
	if buf[0] == '-' {
		neg = true
		start = 1
	}
	n := 0
	for i := start; i < len(buf); i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			return 0, &ErrBadRequest{Reason: fmt.Sprintf("non-digit byte %q in numeric field", c)}
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// fixedInt renders n as exactly width ASCII decimal digits, left-padded
// with zeros. A negative n is rendered with a leading '-' eating into the
// digit budget, matching the read-N count's signed convention.
func fixedInt(n, width int) string {
	if n < 0 {
		return "-" + fixedInt(-n, width-1)
	}
	s := fmt.Sprintf("%d", n)
	if len(s) >= width {
		return s
	}
	pad := make([]byte, width-len(s))
	for i := range pad {
		pad[i] = '0'
	}
	return string(pad) + s
}
