package server

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epa127/aspen/internal/store"
	"github.com/epa127/aspen/internal/wire"
)

func startScheduler(t *testing.T, opts ...SchedulerOption) (*Scheduler, func()) {
	t.Helper()
	st := store.New(map[uint64]string{1: "alice", 2: "bob-anderson"})
	sch := NewScheduler(st, append([]SchedulerOption{WithListenAddr("127.0.0.1:0")}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sch.Serve(ctx)
		close(done)
	}()

	select {
	case <-sch.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not become ready")
	}

	return sch, func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
		defer shutdownCancel()
		_ = sch.Shutdown(shutdownCtx)
		<-done
	}
}

func readFullFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	header := make([]byte, 1+wire.LenLength)
	_, err := readFull(c, header)
	require.NoError(t, err)
	payloadLen := binary.BigEndian.Uint64(header[1:])
	payload := make([]byte, payloadLen)
	_, err = readFull(c, payload)
	require.NoError(t, err)
	return append(header, payload...)
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestSchedulerServesLcWriteThenRead(t *testing.T) {
	sch, stop := startScheduler(t)
	defer stop()

	conn, err := net.Dial("tcp", sch.Addr())
	require.NoError(t, err)
	defer conn.Close()

	write := wire.EncodeRequest(wire.Request{Class: wire.ClassLCWrite, Key: 42, Username: "carol"})
	_, err = conn.Write(write)
	require.NoError(t, err)

	res, err := wire.DecodeResponse(readFullFrame(t, conn))
	require.NoError(t, err)
	require.Equal(t, wire.ClassLCWrite, res.Class)
	require.Nil(t, res.Username) // no prior value at key 42

	read := wire.EncodeRequest(wire.Request{Class: wire.ClassLCRead, Key: 42})
	_, err = conn.Write(read)
	require.NoError(t, err)

	res, err = wire.DecodeResponse(readFullFrame(t, conn))
	require.NoError(t, err)
	require.NotNil(t, res.Username)
	require.Equal(t, "carol", *res.Username)
}

func TestSchedulerServesBeScan(t *testing.T) {
	sch, stop := startScheduler(t)
	defer stop()

	conn, err := net.Dial("tcp", sch.Addr())
	require.NoError(t, err)
	defer conn.Close()

	req := wire.EncodeRequest(wire.Request{Class: wire.ClassBERead, Substring: "ander"})
	_, err = conn.Write(req)
	require.NoError(t, err)

	res, err := wire.DecodeResponse(readFullFrame(t, conn))
	require.NoError(t, err)
	require.Equal(t, wire.ClassBERead, res.Class)
	require.Equal(t, uint64(1), res.Freq)
}

func TestSchedulerInterleavesBeScanAndLcRead(t *testing.T) {
	sch, stop := startScheduler(t)
	defer stop()

	beConn, err := net.Dial("tcp", sch.Addr())
	require.NoError(t, err)
	defer beConn.Close()
	lcConn, err := net.Dial("tcp", sch.Addr())
	require.NoError(t, err)
	defer lcConn.Close()

	_, err = beConn.Write(wire.EncodeRequest(wire.Request{Class: wire.ClassBERead, Substring: "a"}))
	require.NoError(t, err)

	_, err = lcConn.Write(wire.EncodeRequest(wire.Request{Class: wire.ClassLCRead, Key: 1}))
	require.NoError(t, err)
	res, err := wire.DecodeResponse(readFullFrame(t, lcConn))
	require.NoError(t, err)
	require.NotNil(t, res.Username)
	require.Equal(t, "alice", *res.Username)

	beRes, err := wire.DecodeResponse(readFullFrame(t, beConn))
	require.NoError(t, err)
	require.Equal(t, wire.ClassBERead, beRes.Class)
}

func TestSchedulerMalformedFrameClosesConnection(t *testing.T) {
	sch, stop := startScheduler(t)
	defer stop()

	conn, err := net.Dial("tcp", sch.Addr())
	require.NoError(t, err)
	defer conn.Close()

	bad := []byte{99, 0, 0, 0, 0, 0, 0, 0, 1, 0xFF}
	_, err = conn.Write(bad)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.Equal(t, 0, n)
	require.Error(t, err)
}

func TestSchedulerShardedListenersShareTheStore(t *testing.T) {
	sch, stop := startScheduler(t, WithShards(2))
	defer stop()

	conn, err := net.Dial("tcp", sch.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(wire.EncodeRequest(wire.Request{Class: wire.ClassLCRead, Key: 2}))
	require.NoError(t, err)
	res, err := wire.DecodeResponse(readFullFrame(t, conn))
	require.NoError(t, err)
	require.NotNil(t, res.Username)
	require.Equal(t, "bob-anderson", *res.Username)
}
