// Package server implements the scheduler and per-connection worker
// (spec §4.4): it accepts TCP connections and runs the receive/execute/
// send loop against a shared store.Store. Go's goroutine scheduler
// supplies the "N cooperative workers over a shared listener" model the
// spec calls for — a goroutine blocked in conn.Read/Write parks only
// itself, never an OS thread, so one goroutine per connection scales
// the same way original_source's async-executor workers did.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/epa127/aspen/internal/logging"
	"github.com/epa127/aspen/internal/metrics"
	"github.com/epa127/aspen/internal/store"
)

// Scheduler owns one or more TCP listeners sharing a single store and
// coordinates accepted-connection worker lifecycles.
type Scheduler struct {
	mu    sync.RWMutex
	addr  string
	store *store.Store

	shards int

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error

	listeners []net.Listener

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg     sync.WaitGroup
	logger *slog.Logger

	totalAccepted     atomic.Uint64
	totalConnected    atomic.Uint64
	totalDisconnected atomic.Uint64
}

const defaultShards = 1

// SchedulerOption configures a Scheduler at construction time.
type SchedulerOption func(*Scheduler)

// NewScheduler builds a Scheduler serving requests against store.
func NewScheduler(st *store.Store, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:   st,
		shards:  defaultShards,
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
		conns:   make(map[net.Conn]struct{}),
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	if s.shards < 1 {
		s.shards = 1
	}
	return s
}

// WithListenAddr sets the TCP address to bind. Empty defaults to ":0".
func WithListenAddr(a string) SchedulerOption { return func(s *Scheduler) { s.addr = a } }

// WithShards sets the number of SO_REUSEPORT listener shards. 1 (the
// default) binds a single listener and accepts on one goroutine; >1
// binds one listener per shard, each accepting independently, which is
// how spec §4.4's "N worker OS threads" maps onto Go without a shared
// accept-mutex bottleneck.
func WithShards(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.shards = n
		}
	}
}

// WithLogger overrides the package logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Addr returns the bound address of the first shard's listener.
func (s *Scheduler) Addr() string { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }

func (s *Scheduler) setAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }

// Ready is closed once every shard has bound its listener.
func (s *Scheduler) Ready() <-chan struct{} { return s.readyCh }

// Errors surfaces fatal scheduler errors (listen/accept failures).
func (s *Scheduler) Errors() <-chan error { return s.errCh }

func (s *Scheduler) setError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}

// Serve binds s.shards listeners and accepts connections until ctx is
// canceled. It returns once every accept loop has exited.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.RLock()
	addr := s.addr
	shards := s.shards
	s.mu.RUnlock()

	listeners, err := bindShards(addr, shards)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.mu.Lock()
	s.listeners = listeners
	s.addr = listeners[0].Addr().String()
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr(), "shards", len(listeners))
	s.logger.Info("ready")

	go func() { <-ctx.Done(); for _, ln := range listeners { _ = ln.Close() } }()

	var wg sync.WaitGroup
	wg.Add(len(listeners))
	for i, ln := range listeners {
		go func(shard int, ln net.Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, shard, ln)
		}(i, ln)
	}
	wg.Wait()
	return nil
}

// acceptLoop runs a single shard's accept loop. Transient accept errors
// (e.g. EMFILE under load) are retried with backoff instead of the
// tight-loop-then-fixed-sleep the original used.
func (s *Scheduler) acceptLoop(ctx context.Context, shard int, ln net.Listener) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(bo.NextBackOff())
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			time.Sleep(bo.NextBackOff())
			continue
		}
		bo.Reset()
		s.totalAccepted.Inc()
		s.handleAccept(ctx, shard, conn)
	}
}

func (s *Scheduler) handleAccept(ctx context.Context, shard int, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.connsMu.Unlock()

	metrics.IncInFlight()
	metrics.SetWorkerQueueDepth(fmt.Sprintf("%d", shard), n)
	s.totalConnected.Inc()
	connLogger := s.logger.With("remote", conn.RemoteAddr().String(), "shard", shard)
	connLogger.Info("client_connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.disconnect(conn, connLogger)
		w := &Worker{conn: conn, store: s.store, logger: connLogger}
		w.Run(ctx)
	}()
}

func (s *Scheduler) disconnect(conn net.Conn, logger *slog.Logger) {
	_ = conn.Close()
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	metrics.DecInFlight()
	s.totalDisconnected.Inc()
	logger.Info("client_disconnected")
}

// Shutdown closes every listener and open connection, then waits for
// in-flight workers to exit. Per-shard listener close errors are
// combined with go.uber.org/multierr, the multi-listener analogue of a
// single-listener Shutdown.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var closeErr error
	for _, ln := range listeners {
		closeErr = multierr.Append(closeErr, ln.Close())
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return multierr.Append(closeErr, fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err()))
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load())
		return closeErr
	}
}

// bindShards binds n listeners. For n==1 it binds addr directly. For
// n>1 every shard, the first included, sets SO_REUSEPORT: the first
// binds addr to resolve an ephemeral port (if any), then the remaining
// shards bind to that fixed port so the kernel load-balances accepts
// across shards.
func bindShards(addr string, n int) ([]net.Listener, error) {
	if n == 1 {
		first, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return []net.Listener{first}, nil
	}

	lc := net.ListenConfig{Control: reusePortControl}
	first, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, err
	}
	fixedAddr := first.Addr().String()
	listeners := make([]net.Listener, 0, n)
	listeners = append(listeners, first)
	for i := 1; i < n; i++ {
		ln, err := lc.Listen(context.Background(), "tcp", fixedAddr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// reusePortControl sets SO_REUSEPORT on the raw socket before bind(2),
// allowing multiple listeners to share the same port (spec §4.4: one
// listener per worker OS thread).
func reusePortControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
