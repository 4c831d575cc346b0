package conn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epa127/aspen/internal/wire"
)

// loopbackPair returns two ends of an in-memory-backed TCP connection.
func loopbackPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server := <-accepted
	return client, server
}

func driveWrite(t *testing.T, s *RequestState, c net.Conn, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, err := s.AdvanceWrite(c)
		require.NoError(t, err)
		if p == ProgressDone {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("write did not complete within %s", timeout)
}

func driveRead(t *testing.T, s *RequestState, c net.Conn, expected wire.Class, timeout time.Duration) *wire.Response {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, p, err := s.AdvanceRead(c, expected)
		require.NoError(t, err)
		if p == ProgressDone {
			return res
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("read did not complete within %s", timeout)
	return nil
}

func TestRequestStateWriteThenRead(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	req := wire.Request{Class: wire.ClassLCRead, Key: 9}
	payload := wire.EncodeRequest(req)

	s := NewRequestState(wire.ClassLCRead, payload)
	assert.True(t, s.IsWriting())
	driveWrite(t, s, client, time.Second)
	assert.False(t, s.IsWriting())
	assert.False(t, s.StartTime.IsZero())

	// Send an LcRead response frame from the server side.
	buf := make([]byte, len(payload))
	_, err := server.Write(wire.EncodeResponse(wire.Response{Class: wire.ClassLCRead}))
	require.NoError(t, err)
	_ = buf

	res := driveRead(t, s, client, wire.ClassLCRead, time.Second)
	require.NotNil(t, res)
	assert.Equal(t, wire.ClassLCRead, res.Class)
}

func TestRequestStateWritePartialResumes(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	payload := wire.EncodeRequest(wire.Request{Class: wire.ClassLCWrite, Key: 1, Username: "a-fairly-long-username-value"})
	s := NewRequestState(wire.ClassLCWrite, payload)

	// Drain on the server side concurrently so the write can complete even
	// if the kernel socket buffer is small relative to the payload.
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := server.Read(buf)
			if n == 0 || err != nil {
				close(done)
				return
			}
		}
	}()

	driveWrite(t, s, oneByteConn{client}, 2*time.Second)
	client.Close()
	<-done
}

// oneByteConn accepts at most one byte per Write, so a request frame is
// only completed by resuming across many partial writes.
type oneByteConn struct{ net.Conn }

func (c oneByteConn) Write(b []byte) (int, error) {
	if len(b) > 1 {
		b = b[:1]
	}
	return c.Conn.Write(b)
}

func TestRequestStateUnexpectedMessageType(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	payload := wire.EncodeRequest(wire.Request{Class: wire.ClassBERead, Substring: "ab"})
	s := NewRequestState(wire.ClassBERead, payload)
	driveWrite(t, s, client, time.Second)

	_, err := server.Write(wire.EncodeResponse(wire.Response{Class: wire.ClassLCRead}))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	var gotErr error
	for time.Now().Before(deadline) {
		_, p, err := s.AdvanceRead(client, wire.ClassBERead)
		if err != nil {
			gotErr = err
			break
		}
		if p == ProgressDone {
			t.Fatalf("expected a class mismatch error, got a response")
		}
		time.Sleep(time.Millisecond)
	}
	require.Error(t, gotErr)
	var pe *wire.ParseError
	require.ErrorAs(t, gotErr, &pe)
	assert.Equal(t, wire.UnexpectedMessageType, pe.Kind)
}

func TestRequestStateConnectionClosedOnEOF(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()

	payload := wire.EncodeRequest(wire.Request{Class: wire.ClassLCRead, Key: 1})
	s := NewRequestState(wire.ClassLCRead, payload)
	driveWrite(t, s, client, time.Second)
	server.Close()

	deadline := time.Now().Add(time.Second)
	var gotErr error
	for time.Now().Before(deadline) {
		_, _, err := s.AdvanceRead(client, wire.ClassLCRead)
		if err != nil {
			gotErr = err
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.ErrorIs(t, gotErr, ErrConnectionClosed)
}
