// Package conn implements the non-blocking per-request state machine
// shared by the closed-loop and open-loop benchmark clients (spec §4.3).
// A connection is driven by repeatedly calling AdvanceWrite/AdvanceRead
// from a round-robin poll loop; neither call waits on I/O for longer
// than a short poll window, so one goroutine can drive many connections at once
// the same way original_source drives many sockets from one OS thread.
package conn

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/epa127/aspen/internal/wire"
)

// Sentinel errors, classified via errors.Is by callers (internal/bench).
var (
	ErrWouldBlock       = errors.New("conn: operation would block")
	ErrConnectionClosed = errors.New("conn: connection closed cleanly by peer")
	ErrConnectionReset  = errors.New("conn: connection reset by peer")
)

// Progress is the outcome of a single AdvanceWrite/AdvanceRead call.
type Progress int

const (
	// ProgressPending means the caller should try again later; no bytes
	// were available (read) or the socket buffer was full (write).
	ProgressPending Progress = iota
	// ProgressDone means the write completed, or a full response was
	// decoded.
	ProgressDone
	// ProgressReset means the peer reset the connection; the caller
	// must reconnect and drop in-flight state for this connection.
	ProgressReset
)

// RequestState tracks one in-flight request: first its request bytes
// being written, then the matching response bytes being read. It is
// the Go analogue of original_source's ConnectionStatus/RequestState
// enums, split into the two phases that can actually be in flight at
// once (spec §4.3).
type RequestState struct {
	Class     wire.Class
	StartTime time.Time

	writing   bool
	started   bool
	writeBuf  []byte
	offset    int

	readBuf     []byte
	typeChecked bool
}

// NewRequestState begins a state in the writing phase. payload is the
// already-encoded request frame (closed-loop: EncodeRequest; open-loop:
// EncodeOpenRequest, with the req_id prefix already folded in).
func NewRequestState(class wire.Class, payload []byte) *RequestState {
	return &RequestState{Class: class, writing: true, writeBuf: payload}
}

// IsWriting reports whether the state is still in its writing phase.
func (s *RequestState) IsWriting() bool { return s.writing }

// AdvanceWrite attempts to write the remaining request bytes without
// blocking. On ProgressDone the state has transitioned to its reading
// phase and the caller should begin calling AdvanceRead.
func (s *RequestState) AdvanceWrite(c net.Conn) (Progress, error) {
	n, err := nonBlockingWrite(c, s.writeBuf[s.offset:])
	if !s.started && n > 0 {
		s.StartTime = time.Now()
		s.started = true
	}
	s.offset += n
	if err != nil {
		switch {
		case errors.Is(err, ErrWouldBlock):
			return ProgressPending, nil
		case errors.Is(err, ErrConnectionReset):
			return ProgressReset, nil
		default:
			return ProgressPending, err
		}
	}
	if s.offset < len(s.writeBuf) {
		return ProgressPending, nil
	}
	s.writing = false
	s.readBuf = nil
	s.typeChecked = false
	return ProgressDone, nil
}

// AdvanceRead attempts to read more response bytes without blocking. On
// ProgressDone the full response has been decoded and is returned. The
// first byte received is checked against expectedClass, matching the
// spec's requirement that the client's own state — not the wire — is
// what disambiguates a response's class; see wire.DecodeResponse.
func (s *RequestState) AdvanceRead(c net.Conn, expectedClass wire.Class) (*wire.Response, Progress, error) {
	var buf [wire.BufLen]byte
	// Read no further than the end of this response's frame, so bytes of
	// a following response on the same connection stay in the socket.
	need := 1 + wire.LenLength - len(s.readBuf)
	if need <= 0 {
		need = 1 + wire.LenLength + payloadLen(s.readBuf) - len(s.readBuf)
	}
	if need <= 0 || need > len(buf) {
		need = len(buf)
	}
	n, err := nonBlockingRead(c, buf[:need])
	if err != nil {
		switch {
		case errors.Is(err, ErrWouldBlock):
			return nil, ProgressPending, nil
		case errors.Is(err, ErrConnectionReset):
			return nil, ProgressReset, nil
		default:
			return nil, ProgressPending, err
		}
	}
	if n == 0 {
		return nil, ProgressPending, ErrConnectionClosed
	}
	s.readBuf = append(s.readBuf, buf[:n]...)

	if !s.typeChecked {
		gotClass, err := peekClass(s.readBuf[0])
		if err != nil {
			return nil, ProgressPending, err
		}
		if gotClass != expectedClass {
			return nil, ProgressPending, &wire.ParseError{
				Kind:          wire.UnexpectedMessageType,
				GotClass:      gotClass,
				ExpectedClass: expectedClass,
			}
		}
		s.typeChecked = true
	}

	if len(s.readBuf) < 1+wire.LenLength {
		return nil, ProgressPending, nil
	}
	total := 1 + wire.LenLength + payloadLen(s.readBuf)
	if len(s.readBuf) < total {
		return nil, ProgressPending, nil
	}
	res, err := wire.DecodeResponse(s.readBuf[:total])
	if err != nil {
		return nil, ProgressPending, err
	}
	return &res, ProgressDone, nil
}

func payloadLen(buf []byte) int {
	var v uint64
	for _, b := range buf[1 : 1+wire.LenLength] {
		v = v<<8 | uint64(b)
	}
	return int(v)
}

func peekClass(b byte) (wire.Class, error) {
	// Reuses the wire codec's own class table by round-tripping a
	// header-only frame through DecodeResponse's error path would be
	// overkill; classify directly against the same three wire bytes.
	switch b {
	case 6:
		return wire.ClassBERead, nil
	case 7:
		return wire.ClassLCRead, nil
	case 8:
		return wire.ClassLCWrite, nil
	default:
		return 0, &wire.ParseError{Kind: wire.InvalidMessageType, Byte: b}
	}
}

// pollWindow is how far ahead of now nonBlockingWrite and
// nonBlockingRead set the socket deadline.
const pollWindow = 100 * time.Microsecond

// nonBlockingWrite and nonBlockingRead implement pseudo-non-blocking
// socket I/O over net.Conn via a write/read deadline pollWindow ahead:
// bytes that can move now are transferred, and an operation with
// nothing to do returns a timeout error once the window has passed
// instead of parking the goroutine. (A deadline already in the past
// would fail every call before any I/O is attempted.) A clean EOF on
// read is reported as ErrConnectionClosed.
// net.Conn has no first-class non-blocking toggle (unlike
// TcpStream::set_nonblocking in original_source), so this is the
// idiomatic Go substitute.
func nonBlockingWrite(c net.Conn, buf []byte) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, err
	}
	n, err := c.Write(buf)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func nonBlockingRead(c net.Conn, buf []byte) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(pollWindow)); err != nil {
		return 0, err
	}
	n, err := c.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return n, ErrConnectionClosed
		}
		return n, classify(err)
	}
	return n, nil
}

func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrWouldBlock
	}
	if isConnReset(err) {
		return ErrConnectionReset
	}
	return err
}
