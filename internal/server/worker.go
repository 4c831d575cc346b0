package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/epa127/aspen/internal/metrics"
	"github.com/epa127/aspen/internal/store"
	"github.com/epa127/aspen/internal/wire"
)

// Worker runs the receive/execute/send loop for a single accepted
// connection: read one full frame, execute it against the store, write
// the response, repeat until the connection closes or ctx is canceled.
// Unlike the client side (internal/conn), the server never needs a
// non-blocking poll loop: a goroutine parked in conn.Read blocks only
// itself, so an ordinary blocking read accumulate-until-full-frame loop
// is the direct Go equivalent of original_source's per-connection async
// task (spec §4.4).
type Worker struct {
	conn   net.Conn
	store  *store.Store
	logger *slog.Logger
}

// Run drives the receive/execute/send loop until ctx is done or the
// connection errors/closes.
func (w *Worker) Run(ctx context.Context) {
	buf := make([]byte, 0, wire.BufLen)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		req, rest, err := w.receiveRequest(buf)
		if err != nil {
			if !errors.Is(err, errConnClosed) {
				w.logger.Warn("receive_request_failed", "error", err)
				metrics.IncError(mapErrToMetric(err))
			}
			return
		}
		buf = rest

		res := w.execute(req)
		metrics.IncRequest(int(req.Class), req.Class.String())

		if err := w.sendResponse(res); err != nil {
			w.logger.Warn("send_response_failed", "error", err)
			metrics.IncError(mapErrToMetric(err))
			return
		}
		metrics.IncResponse(int(res.Class), res.Class.String())
	}
}

var errConnClosed = errors.New("worker: connection closed")

// receiveRequest reads bytes off w.conn, accumulating into carry (any
// bytes already read past a prior frame), until one full frame is
// available, then decodes and returns it along with the bytes read past
// the end of that frame, which the next call takes as its carry.
func (w *Worker) receiveRequest(carry []byte) (wire.Request, []byte, error) {
	frame := append([]byte(nil), carry...)
	readBuf := make([]byte, wire.BufLen)

	for {
		if len(frame) >= 1+wire.LenLength {
			total := 1 + wire.LenLength + payloadLenOf(frame)
			if len(frame) >= total {
				req, err := wire.DecodeRequest(frame[:total])
				if err != nil {
					return wire.Request{}, nil, fmt.Errorf("%w: %v", ErrParse, err)
				}
				return req, frame[total:], nil
			}
		}

		n, err := w.conn.Read(readBuf)
		if err != nil {
			return wire.Request{}, nil, fmt.Errorf("%w: %v", ErrConnRead, err)
		}
		if n == 0 {
			return wire.Request{}, nil, errConnClosed
		}
		frame = append(frame, readBuf[:n]...)
	}
}

func payloadLenOf(buf []byte) int {
	return int(binary.BigEndian.Uint64(buf[1 : 1+wire.LenLength]))
}

// execute runs one request against the store and builds its response.
func (w *Worker) execute(req wire.Request) wire.Response {
	switch req.Class {
	case wire.ClassBERead:
		start := time.Now()
		freq := w.store.BeScan(req.Substring)
		metrics.ObserveBeScanSeconds(time.Since(start).Seconds())
		return wire.Response{Class: wire.ClassBERead, Freq: uint64(freq)}

	case wire.ClassLCRead:
		v, ok := w.store.LcRead(req.Key)
		if !ok {
			return wire.Response{Class: wire.ClassLCRead, Username: nil}
		}
		return wire.Response{Class: wire.ClassLCRead, Username: &v}

	case wire.ClassLCWrite:
		prev, had := w.store.LcWrite(req.Key, req.Username)
		if !had {
			return wire.Response{Class: wire.ClassLCWrite, Username: nil}
		}
		return wire.Response{Class: wire.ClassLCWrite, Username: &prev}

	default:
		return wire.Response{Class: req.Class}
	}
}

// sendResponse writes a full response frame, retrying partial writes.
func (w *Worker) sendResponse(res wire.Response) error {
	buf := wire.EncodeResponse(res)
	for len(buf) > 0 {
		n, err := w.conn.Write(buf)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnSend, err)
		}
		buf = buf[n:]
	}
	return nil
}
