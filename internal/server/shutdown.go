package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benvonhandorf/esp32-audio-stream/internal/session"
	"github.com/benvonhandorf/esp32-audio-stream/internal/worker"
)

// ErrShutdown is the failure cause recorded on sessions aborted at shutdown.
var ErrShutdown = errors.New("server shutting down")

// Closer is a component released during shutdown.
type Closer interface {
	Close()
}

// ShutdownCoordinator stops the service in order: stop accepting, drain
// in-flight sessions up to a deadline, abort whatever is left, stop the
// monitoring API, and close the publisher last.
type ShutdownCoordinator struct {
	TCP          *TCPServer
	Pool         *worker.Pool
	Registry     *session.Registry
	HTTP         *HTTPServer // optional
	Publisher    Closer      // optional
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Shutdown runs the shutdown sequence. It returns the number of sessions
// that had to be aborted.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context) int {
	c.Logger.Info("Shutting down...",
		slog.Int("active_sessions", c.Registry.ActiveCount()),
		slog.Duration("drain_timeout", c.DrainTimeout),
	)

	if c.TCP != nil {
		c.TCP.Stop()
	}

	aborted := 0
	drainCtx, cancel := context.WithTimeout(ctx, c.DrainTimeout)
	err := c.Pool.Drain(drainCtx)
	cancel()

	if err != nil {
		c.Logger.Warn("Drain deadline reached, aborting remaining sessions",
			slog.Int("active_sessions", c.Registry.ActiveCount()),
		)
		for _, s := range c.Registry.Live() {
			state := s.State()
			if failErr := s.Fail(session.StageAborted, ErrShutdown); failErr != nil {
				continue
			}
			aborted++
			c.Logger.Warn("Session aborted",
				slog.Uint64("session_id", s.ID),
				slog.String("state", state.String()),
				slog.Int64("bytes", s.BytesReceived()),
				slog.String("output", s.OutputPath),
			)
		}
	}

	// Cancels pipelines still running and waits for every worker.
	c.Pool.Stop()

	if c.HTTP != nil {
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.HTTP.Stop(httpCtx); err != nil {
			c.Logger.Warn("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		httpCancel()
	}

	if c.Publisher != nil {
		c.Publisher.Close()
	}

	stats := c.Registry.Stats()
	c.Logger.Info("Shutdown complete",
		slog.Uint64("sessions_finished", stats.Finished),
		slog.Uint64("sessions_failed", stats.Failed),
		slog.Int("sessions_aborted", aborted),
	)
	return aborted
}
