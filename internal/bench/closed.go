package bench

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/epa127/aspen/internal/conn"
	"github.com/epa127/aspen/internal/logging"
	"github.com/epa127/aspen/internal/wire"
)

// ClosedLoopConfig describes one closed-loop run: a fixed amount of
// work distributed across threads, each driving a pool of connections
// round-robin with at most one request in flight per connection,
// mirroring original_source's client.rs ClientThread.send_packets.
type ClosedLoopConfig struct {
	Addr        string
	Workload    int
	BeLcRatio   float32 // probability a request is a BE scan rather than an LC read or write
	LcWrRatio   float32 // probability a non-BE request is an LC write (vs. LC read)
	NumThreads  int
	ConnsPerThr int
	Substring   string // fixed BE-scan substring used by generated BeRead requests
	KeySpace    uint64
	Usernames   []string // candidate usernames for generated LcWrite requests
}

// ClosedLoopResult is the aggregate outcome of one closed-loop run.
type ClosedLoopResult struct {
	Workload int
	Elapsed  time.Duration
	Latency  *LatencyAggregator
}

// RunClosedLoop spawns cfg.NumThreads goroutines, each owning
// cfg.ConnsPerThr connections, splits cfg.Workload evenly across them,
// and blocks until every thread finishes its share.
func RunClosedLoop(ctx context.Context, cfg ClosedLoopConfig) (*ClosedLoopResult, error) {
	logger := logging.L()
	logger.Info("closed_loop_start", "threads", cfg.NumThreads, "conns_per_thread", cfg.ConnsPerThr, "workload", cfg.Workload)

	perThread := cfg.Workload / cfg.NumThreads
	results := make(chan *LatencyAggregator, cfg.NumThreads)
	errs := make(chan error, cfg.NumThreads)

	start := time.Now()
	for i := 0; i < cfg.NumThreads; i++ {
		go func(threadIdx int) {
			agg, err := runClosedLoopThread(ctx, cfg, perThread, logger.With("thread", threadIdx))
			if err != nil {
				errs <- err
				return
			}
			results <- agg
		}(i)
	}

	total := NewLatencyAggregator()
	for i := 0; i < cfg.NumThreads; i++ {
		select {
		case err := <-errs:
			return nil, err
		case agg := <-results:
			total.Merge(agg)
		}
	}
	elapsed := time.Since(start)
	logger.Info("closed_loop_done", "elapsed", elapsed)

	return &ClosedLoopResult{Workload: cfg.Workload, Elapsed: elapsed, Latency: total}, nil
}

// closedLoopConn pairs a net.Conn with the single in-flight RequestState
// driving it, analogous to original_source's closed-loop Connection.
type closedLoopConn struct {
	remoteAddr string // fixed at construction; reconnect redials this
	nc         net.Conn
	state      *conn.RequestState // nil when Ready
}

// reconnect redials the connection's original remote address, clearing
// any in-flight request state, mirroring open.go's openLoopConn.reconnect.
func (c *closedLoopConn) reconnect(bo backoff.BackOff) error {
	_ = c.nc.Close()
	c.state = nil

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

func runClosedLoopThread(ctx context.Context, cfg ClosedLoopConfig, workload int, logger *slog.Logger) (*LatencyAggregator, error) {
	conns := make([]*closedLoopConn, cfg.ConnsPerThr)
	for i := range conns {
		nc, err := net.Dial("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("closed-loop dial: %w", err)
		}
		conns[i] = &closedLoopConn{remoteAddr: cfg.Addr, nc: nc}
	}
	defer func() {
		for _, c := range conns {
			_ = c.nc.Close()
		}
	}()

	agg := NewLatencyAggregator()
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.NumThreads)))
	bo := backoff.NewExponentialBackOff()
	remaining := workload
	pending := 0
	next := 0 // round-robin cursor; stable iteration order, not random selection

	for remaining > 0 || pending > 0 {
		select {
		case <-ctx.Done():
			return agg, ctx.Err()
		default:
		}

		c := conns[next]
		next = (next + 1) % len(conns)

		if c.state == nil {
			if remaining == 0 {
				continue
			}
			req, class := randomClosedLoopRequest(cfg, rng)
			payload := wire.EncodeRequest(req)
			c.state = conn.NewRequestState(class, payload)
			remaining--
			pending++
			continue
		}

		if c.state.IsWriting() {
			progress, err := c.state.AdvanceWrite(c.nc)
			if err != nil {
				return agg, fmt.Errorf("closed-loop write: %w", err)
			}
			if progress == conn.ProgressReset {
				logger.Warn("reconnect_on_write_reset", "remote", c.remoteAddr)
				pending--
				if err := c.reconnect(bo); err != nil {
					return agg, fmt.Errorf("closed-loop reconnect: %w", err)
				}
			}
			continue
		}

		res, progress, err := c.state.AdvanceRead(c.nc, c.state.Class)
		if err != nil {
			if err == conn.ErrConnectionClosed {
				logger.Warn("reconnect_on_read_closed", "remote", c.remoteAddr)
				pending--
				if rerr := c.reconnect(bo); rerr != nil {
					return agg, fmt.Errorf("closed-loop reconnect: %w", rerr)
				}
				continue
			}
			return agg, fmt.Errorf("closed-loop read: %w", err)
		}
		if progress == conn.ProgressReset {
			logger.Warn("reconnect_on_read_reset", "remote", c.remoteAddr)
			pending--
			if err := c.reconnect(bo); err != nil {
				return agg, fmt.Errorf("closed-loop reconnect: %w", err)
			}
			continue
		}
		if progress != conn.ProgressDone {
			continue
		}
		agg.Record(res.Class, time.Since(c.state.StartTime).Nanoseconds())
		c.state = nil
		pending--
	}

	logger.Info("closed_loop_thread_done", "workload", workload)
	return agg, nil
}

func randomClosedLoopRequest(cfg ClosedLoopConfig, rng *rand.Rand) (wire.Request, wire.Class) {
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
