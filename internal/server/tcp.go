package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benvonhandorf/esp32-audio-stream/internal/metrics"
	"github.com/benvonhandorf/esp32-audio-stream/internal/session"
	"github.com/benvonhandorf/esp32-audio-stream/internal/worker"
)

// errNotStarted is returned when a queued session is dropped because the
// server was already shutting down when a worker reached it.
var errNotStarted = errors.New("server shut down before session started")

// BindError reports that the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// SessionHandler drives one accepted session to a terminal state. It owns
// conn and must close it.
type SessionHandler func(ctx context.Context, s *session.Session, conn net.Conn) error

// TCPConfig contains ingestion listener settings
type TCPConfig struct {
	Host             string
	Port             int
	Backlog          int
	SingleConnection bool
}

// TCPDeps are the shared services the accept loop hands sessions to.
type TCPDeps struct {
	Sequencer *session.Sequencer
	Naming    session.Naming
	Registry  *session.Registry
	Pool      *worker.Pool
	Handler   SessionHandler
	Metrics   *metrics.Metrics
}

// TCPServer accepts device connections and submits one session per
// connection to the worker pool.
type TCPServer struct {
	config TCPConfig
	deps   TCPDeps
	logger *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// Statistics
	mu           sync.RWMutex
	accepted     uint64
	acceptErrors uint64
	rejected     uint64
}

// NewTCPServer creates an ingestion server. Start opens the socket.
func NewTCPServer(cfg TCPConfig, deps TCPDeps, logger *slog.Logger) *TCPServer {
	return &TCPServer{
		config: cfg,
		deps:   deps,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting connections. A
// failure to bind returns a *BindError.
func (s *TCPServer) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mode := "continuous"
	if s.config.SingleConnection {
		mode = "single"
	}
	s.logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.String("mode", mode),
		slog.Int("backlog", s.config.Backlog),
	)

	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when Port was 0.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed when the accept loop has exited, either because Stop was
// called or because the single session of single-connection mode finished.
func (s *TCPServer) Done() <-chan struct{} {
	return s.done
}

// Stop closes the listener and waits for the accept loop to exit. Sessions
// already accepted keep running.
func (s *TCPServer) Stop() {
	if s.listener == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping TCP server...")
		s.cancel()
		s.closeListener()
	})
	<-s.done

	stats := s.GetStatistics()
	s.logger.Info("TCP server stopped",
		slog.Uint64("accepted", stats.Accepted),
		slog.Uint64("accept_errors", stats.AcceptErrors),
		slog.Uint64("rejected", stats.Rejected),
	)
}

func (s *TCPServer) closeListener() {
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Error closing listener", slog.String("error", err.Error()))
	}
}

// acceptLoop is the main accept loop
func (s *TCPServer) acceptLoop() {
	defer close(s.done)

	for {
		s.logger.Debug("Waiting for connection")

		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}

			s.mu.Lock()
			s.acceptErrors++
			s.mu.Unlock()
			s.deps.Metrics.RecordAcceptError()
			s.logger.Error("Error accepting connection", slog.String("error", err.Error()))

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		handle := s.accept(conn)

		if s.config.SingleConnection {
			// Refuse further dials right away; the one session runs to completion.
			s.closeListener()
			if handle != nil {
				s.logger.Info("Single connection mode, waiting for completion then exiting")
				// Stop must not wait on the session; the pool drain does.
				select {
				case <-handle.Done():
				case <-s.ctx.Done():
				}
			}
			return
		}
	}
}

// accept creates the session for conn and hands it to the pool.
func (s *TCPServer) accept(conn net.Conn) *worker.Handle {
	id := s.deps.Sequencer.Next()
	now := time.Now()
	sess := session.New(id, conn.RemoteAddr().String(), s.deps.Naming.Path(id, now), now)

	s.deps.Registry.Add(sess)
	s.deps.Metrics.RecordConnectionAccepted()
	s.deps.Metrics.SetActiveSessions(s.deps.Registry.ActiveCount())

	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()

	logger := s.logger.With(slog.Uint64("session_id", id))
	logger.Info("Connection accepted",
		slog.String("remote_addr", sess.RemoteAddr),
		slog.String("output", sess.OutputPath),
	)

	handle, err := s.deps.Pool.Submit(s.ctx, s.sessionTask(sess, conn))
	if err != nil {
		s.mu.Lock()
		s.rejected++
		s.mu.Unlock()

		logger.Warn("Session rejected", slog.String("error", err.Error()))
		_ = conn.Close()
		_ = sess.Fail(session.StageAborted, err)
		s.finish(sess)
		return nil
	}

	logger.Debug("Session submitted to worker pool",
		slog.Uint64("task_id", handle.ID),
		slog.Int("queued", s.deps.Pool.Queued()),
	)
	return handle
}

func (s *TCPServer) sessionTask(sess *session.Session, conn net.Conn) worker.Task {
	return func(ctx context.Context) error {
		defer s.finish(sess)

		if ctx.Err() != nil {
			_ = conn.Close()
			_ = sess.Fail(session.StageAborted, errNotStarted)
			return errNotStarted
		}
		return s.deps.Handler(ctx, sess, conn)
	}
}

func (s *TCPServer) finish(sess *session.Session) {
	s.deps.Registry.Finish(sess)
	s.deps.Metrics.SetActiveSessions(s.deps.Registry.ActiveCount())
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() ServerStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		Accepted:     s.accepted,
		AcceptErrors: s.acceptErrors,
		Rejected:     s.rejected,
		Workers:      s.deps.Pool.Workers(),
		BusyWorkers:  s.deps.Pool.Busy(),
		QueueSize:    s.deps.Pool.Queued(),
	}
}

// ServerStatistics represents ingestion server counters
type ServerStatistics struct {
	Accepted     uint64 `json:"accepted"`
	AcceptErrors uint64 `json:"accept_errors"`
	Rejected     uint64 `json:"rejected"`
	Workers      int    `json:"workers"`
	BusyWorkers  int    `json:"busy_workers"`
	QueueSize    int    `json:"queue_size"`
}
