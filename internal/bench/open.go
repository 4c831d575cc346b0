package bench

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"math/rand"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/epa127/aspen/internal/conn"
	"github.com/epa127/aspen/internal/logging"
	"github.com/epa127/aspen/internal/wire"
)

// OpenLoopConfig describes one open-loop run: requests are generated
// by a Poisson process at TargetRPS per thread and enqueued onto
// randomly chosen connections regardless of whether a prior request on
// that connection has completed, mirroring original_source's
// client/open.rs ClientThread.send_packets.
type OpenLoopConfig struct {
	Addr        string
	TargetRPS   float64
	RuntimeSecs float64
	BeLcRatio   float32 // probability a generated request is a BE scan
	LcWrRatio   float32 // probability a non-BE request is an LC write (vs. LC read)
	NumThreads  int
	ConnsPerThr int
	Substring   string
	KeySpace    uint64
	Usernames   []string
}

// OpenLoopResult is the aggregate outcome of one open-loop run.
type OpenLoopResult struct {
	RequestsSent uint64
	Dropped      uint64
	Latency      *LatencyAggregator
}

// RunOpenLoop spawns cfg.NumThreads goroutines, each an independent
// open-loop arrival process, and merges their per-class histograms.
func RunOpenLoop(ctx context.Context, cfg OpenLoopConfig) (*OpenLoopResult, error) {
	logger := logging.L()
	logger.Info("open_loop_start", "threads", cfg.NumThreads, "target_rps", cfg.TargetRPS, "runtime_secs", cfg.RuntimeSecs)

	shift := uint(bits.Len(uint(cfg.NumThreads)))
	if cfg.NumThreads <= 1 {
		shift = 0
	}

	type threadOutcome struct {
		agg     *LatencyAggregator
		sent    uint64
		dropped uint64
	}
	results := make(chan threadOutcome, cfg.NumThreads)
	errs := make(chan error, cfg.NumThreads)

	for i := 0; i < cfg.NumThreads; i++ {
		go func(threadIdx uint64) {
			agg, sent, dropped, err := runOpenLoopThread(ctx, cfg, threadIdx, shift, logger.With("thread", threadIdx))
			if err != nil {
				errs <- err
				return
			}
			results <- threadOutcome{agg: agg, sent: sent, dropped: dropped}
		}(uint64(i))
	}

	total := NewLatencyAggregator()
	var sent, dropped uint64
	for i := 0; i < cfg.NumThreads; i++ {
		select {
		case err := <-errs:
			return nil, err
		case r := <-results:
			total.Merge(r.agg)
			sent += r.sent
			dropped += r.dropped
		}
	}
	logger.Info("open_loop_done", "requests_sent", sent, "dropped", dropped)
	return &OpenLoopResult{RequestsSent: sent, Dropped: dropped, Latency: total}, nil
}

// openLoopConn tracks many requests in flight, keyed by request ID, in
// write and read queues — the Go analogue of original_source's
// Connection{in_flight, write_queue, read_queue}.
type openLoopConn struct {
	remoteAddr string // fixed at construction; reconnect redials this, never the local addr
	nc         net.Conn

	inFlight   map[uint64]*conn.RequestState
	writeQueue *list.List // of uint64 req IDs
	readQueue  *list.List

	dropped uint64
}

func newOpenLoopConn(addr string) (*openLoopConn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &openLoopConn{
		remoteAddr: addr,
		nc:         nc,
		inFlight:   make(map[uint64]*conn.RequestState),
		writeQueue: list.New(),
		readQueue:  list.New(),
	}, nil
}

// reconnect redials the connection's original remote address. This is
// the corrected behavior for original_source's Connection::reconnect,
// which redialed its own local ephemeral address instead.
func (c *openLoopConn) reconnect(bo backoff.BackOff) error {
	c.dropped += uint64(len(c.inFlight))
	_ = c.nc.Close()
	c.inFlight = make(map[uint64]*conn.RequestState)
	c.writeQueue = list.New()
	c.readQueue = list.New()

	bo.Reset()
	return backoff.Retry(func() error {
		nc, err := net.Dial("tcp", c.remoteAddr)
		if err != nil {
			return err
		}
		c.nc = nc
		return nil
	}, bo)
}

func (c *openLoopConn) enqueue(reqID uint64, class wire.Class, payload []byte) {
	c.inFlight[reqID] = conn.NewRequestState(class, payload)
	c.writeQueue.PushBack(reqID)
}

// progressWrites advances every request currently queued to write, in
// FIFO order, stopping at the first one that would block.
func (c *openLoopConn) progressWrites() (reset bool, err error) {
	for e := c.writeQueue.Front(); e != nil; e = c.writeQueue.Front() {
		reqID := e.Value.(uint64)
		state := c.inFlight[reqID]
		progress, werr := state.AdvanceWrite(c.nc)
		if werr != nil {
			return false, werr
		}
		if progress == conn.ProgressReset {
			return true, nil
		}
		if progress != conn.ProgressDone {
			break
		}
		c.writeQueue.Remove(e)
		c.readQueue.PushBack(reqID)
	}
	return false, nil
}

// progressReads advances every request currently queued to read, in
// FIFO order, stopping at the first one that would block.
func (c *openLoopConn) progressReads(agg *LatencyAggregator) (reset bool, err error) {
	for e := c.readQueue.Front(); e != nil; e = c.readQueue.Front() {
		reqID := e.Value.(uint64)
		state := c.inFlight[reqID]
		res, progress, rerr := state.AdvanceRead(c.nc, state.Class)
		if rerr != nil {
			if rerr == conn.ErrConnectionClosed {
				return true, nil
			}
			return false, rerr
		}
		if progress == conn.ProgressReset {
			return true, nil
		}
		if progress != conn.ProgressDone {
			break
		}
		agg.Record(res.Class, time.Since(state.StartTime).Nanoseconds())
		c.readQueue.Remove(e)
		delete(c.inFlight, reqID)
	}
	return false, nil
}

func runOpenLoopThread(ctx context.Context, cfg OpenLoopConfig, threadIdx uint64, shift uint, logger *slog.Logger) (*LatencyAggregator, uint64, uint64, error) {
	conns := make([]*openLoopConn, cfg.ConnsPerThr)
	for i := range conns {
		c, err := newOpenLoopConn(cfg.Addr)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("open-loop dial: %w", err)
		}
		conns[i] = c
	}
	defer func() {
		for _, c := range conns {
			_ = c.nc.Close()
		}
	}()

	agg := NewLatencyAggregator()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(threadIdx)))
	dist := distuv.Exponential{Rate: cfg.TargetRPS, Src: rng}

	reqID := new(atomic.Uint64)
	reqID.Store(threadIdx)
	var sent atomic.Uint64

	start := time.Now()
	nextFire := dist.Rand()
	bo := backoff.NewExponentialBackOff()

	for time.Since(start).Seconds() <= cfg.RuntimeSecs {
		select {
		case <-ctx.Done():
			return agg, sent.Load(), totalDropped(conns), ctx.Err()
		default:
		}

		for time.Since(start).Seconds() > nextFire {
			id := reqID.Load()
			reqID.Store((((id >> shift) + 1) << shift) | threadIdx)

			req, class := randomOpenLoopRequest(cfg, rng)
			payload := wire.EncodeOpenRequest(req, id)
			conns[rng.Intn(len(conns))].enqueue(id, class, payload)
			sent.Add(1)
			nextFire += dist.Rand()
		}

		for _, c := range conns {
			if c.writeQueue.Len() == 0 {
				continue
			}
			reset, err := c.progressWrites()
			if err != nil {
				return agg, sent.Load(), totalDropped(conns), fmt.Errorf("open-loop write: %w", err)
			}
			if reset {
				logger.Warn("reconnect_on_write_reset", "remote", c.remoteAddr)
				if err := c.reconnect(bo); err != nil {
					return agg, sent.Load(), totalDropped(conns), fmt.Errorf("open-loop reconnect: %w", err)
				}
			}
		}

		for _, c := range conns {
			if c.readQueue.Len() == 0 {
				continue
			}
			reset, err := c.progressReads(agg)
			if err != nil {
				return agg, sent.Load(), totalDropped(conns), fmt.Errorf("open-loop read: %w", err)
			}
			if reset {
				logger.Warn("reconnect_on_read_reset", "remote", c.remoteAddr)
				if err := c.reconnect(bo); err != nil {
					return agg, sent.Load(), totalDropped(conns), fmt.Errorf("open-loop reconnect: %w", err)
				}
			}
		}
	}

	return agg, sent.Load(), totalDropped(conns), nil
}

func totalDropped(conns []*openLoopConn) uint64 {
	var total uint64
	for _, c := range conns {
		total += c.dropped
	}
	return total
}

func randomOpenLoopRequest(cfg OpenLoopConfig, rng *rand.Rand) (wire.Request, wire.Class) {
	beRat := rng.Float32()
	wrRat := rng.Float32()
	key := rng.Uint64() % cfg.KeySpace

	switch {
	case beRat <= cfg.BeLcRatio:
		return wire.Request{Class: wire.ClassBERead, Substring: cfg.Substring}, wire.ClassBERead
	case wrRat <= cfg.LcWrRatio:
		username := cfg.Substring
		if len(cfg.Usernames) > 0 {
			username = cfg.Usernames[rng.Intn(len(cfg.Usernames))]
		}
		return wire.Request{Class: wire.ClassLCWrite, Key: key, Username: username}, wire.ClassLCWrite
	default:
		return wire.Request{Class: wire.ClassLCRead, Key: key}, wire.ClassLCRead
	}
}
