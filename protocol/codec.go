package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes bounds a single framed message. Screenshots dominate
// response size; 32 MB leaves room for a full-page PNG in base64.
const MaxLineBytes = 32 << 20

// ErrDecode wraps malformed frames. The broker converts it to a
// PROTOCOL_DECODE_ERROR response.
var ErrDecode = errors.New("protocol: decode error")

// Reader decodes newline-delimited messages from a connection. A
// connection may carry several back-to-back frames; the Reader buffers
// until each newline boundary.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r with a line scanner sized for MaxLineBytes frames.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &Reader{sc: sc}
}

// ReadRequest reads the next frame and decodes it. io.EOF means the peer
// closed cleanly. A malformed frame returns an error wrapping ErrDecode;
// the raw line stays available through RecoverToken for best-effort
// correlation.
func (r *Reader) ReadRequest() (*Request, []byte, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, nil, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, line, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if req.Op == "" {
		return nil, line, fmt.Errorf("%w: missing op", ErrDecode)
	}
	return &req, line, nil
}

// ReadResponse reads the next frame as a Response (client side).
func (r *Reader) ReadResponse() (*Response, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &resp, nil
}

func (r *Reader) readLine() ([]byte, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(trimSpace(line)) == 0 {
			continue // tolerate blank lines between frames
		}
		return line, nil
	}
	if err := r.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrDecode, MaxLineBytes)
		}
		return nil, err
	}
	return nil, io.EOF
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\t' || b[start] == '\r') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\t' || b[end-1] == '\r') {
		end--
	}
	return b[start:end]
}

// RecoverToken extracts the correlation token from a raw frame that
// failed full decoding, so even a decode-error response can echo its
// request's id. Returns "" when nothing is recoverable.
func RecoverToken(line []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// Writer encodes one message per line. Safe for concurrent use: the
// broker's sweeper and connection handler never interleave partial
// frames.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter wraps w. json.Encoder terminates every value with a newline,
// which is exactly the framing this protocol wants.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// WriteRequest frames one request (client side).
func (w *Writer) WriteRequest(req *Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(req); err != nil {
		return fmt.Errorf("protocol: write request: %w", err)
	}
	return nil
}

// WriteResponse frames one response (broker side).
func (w *Writer) WriteResponse(resp *Response) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(resp); err != nil {
		return fmt.Errorf("protocol: write response: %w", err)
	}
	return nil
}

// MarshalResult marshals a typed result payload into Response.Result.
func MarshalResult(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Result payloads are plain structs; a marshal failure is a bug.
		panic("protocol: marshal result: " + err.Error())
	}
	return data
}

// OkResponse builds a success response echoing the request token.
func OkResponse(id string, result any) *Response {
	return &Response{ID: id, OK: true, Result: MarshalResult(result)}
}

// ErrResponse builds a failure response echoing the request token.
func ErrResponse(id string, werr *WireError) *Response {
	return &Response{ID: id, OK: false, Error: werr}
}
