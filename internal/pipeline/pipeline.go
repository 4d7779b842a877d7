package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benvonhandorf/esp32-audio-stream/internal/audio"
	"github.com/benvonhandorf/esp32-audio-stream/internal/metrics"
	"github.com/benvonhandorf/esp32-audio-stream/internal/publish"
	"github.com/benvonhandorf/esp32-audio-stream/internal/session"
	"github.com/benvonhandorf/esp32-audio-stream/internal/transcription"
)

const (
	defaultChunkSize        = 4096
	defaultProgressInterval = time.Second
)

// Transcriber turns an audio artifact into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (*transcription.Result, error)
}

// EventPublisher delivers transcription events.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, ev publish.TranscriptionEvent) (publish.Ack, error)
}

// Config holds per-session processing settings.
type Config struct {
	ChunkSize        int
	ReadTimeout      time.Duration // idle read deadline, 0 disables it
	ProgressInterval time.Duration
	KeepRaw          bool
	Format           audio.Format
	Language         string // used when the transcriber reports none
	Topic            string
}

// Deps are the shared services a pipeline calls into.
type Deps struct {
	Encoder     audio.Encoder
	Transcriber Transcriber
	Publisher   EventPublisher
	Metrics     *metrics.Metrics
}

// Pipeline processes sessions. One Pipeline is shared by all workers; the
// per-session state lives in the session itself.
type Pipeline struct {
	config Config
	caps   Capabilities
	deps   Deps
	logger *slog.Logger
}

// New creates a pipeline. deps.Transcriber and deps.Metrics are required;
// deps.Encoder and deps.Publisher are only used when the matching
// capability is enabled.
func New(config Config, caps Capabilities, deps Deps, logger *slog.Logger) *Pipeline {
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaultChunkSize
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = defaultProgressInterval
	}
	if config.Format == (audio.Format{}) {
		config.Format = audio.DefaultFormat
	}
	if deps.Encoder == nil {
		caps.Encoding = false
	}
	if deps.Publisher == nil {
		caps.Publish = false
	}

	return &Pipeline{
		config: config,
		caps:   caps,
		deps:   deps,
		logger: logger,
	}
}

// Capabilities returns the capabilities in effect.
func (p *Pipeline) Capabilities() Capabilities {
	return p.caps
}

// sessionRun carries the state of one Run call.
type sessionRun struct {
	session  *session.Session
	logger   *slog.Logger
	artifact string
	encoded  bool
}

// Run drives s to a terminal state using conn as its audio source. conn is
// always closed before Run returns. Cancelling ctx closes the connection
// and fails the session as aborted. The returned error is a *StageError,
// or nil when the session completed.
func (p *Pipeline) Run(ctx context.Context, s *session.Session, conn net.Conn) error {
	r := &sessionRun{
		session: s,
		logger: p.logger.With(
			slog.Uint64("session_id", s.ID),
			slog.String("remote_addr", s.RemoteAddr),
		),
		artifact: s.OutputPath,
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	err := p.execute(ctx, r, conn)
	_ = conn.Close()

	if r.encoded && !p.config.KeepRaw {
		if rmErr := os.Remove(s.OutputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			r.logger.Warn("Failed to remove raw file",
				slog.String("path", s.OutputPath),
				slog.String("error", rmErr.Error()),
			)
		} else {
			r.logger.Debug("Removed raw file", slog.String("path", s.OutputPath))
		}
	}

	wall := time.Since(s.StartTime)

	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Stage: session.StageReceiving, Kind: ErrConnectionIO, Err: err}
		}
		if failErr := s.Fail(stageErr.Stage, stageErr.Err); failErr != nil {
			r.logger.Debug("Session already terminal", slog.String("state", s.State().String()))
			if f := s.Failure(); f != nil && f.Stage == session.StageAborted {
				stageErr = &StageError{Stage: session.StageAborted, Kind: ErrAborted, Err: f.Cause}
			}
		}
		p.deps.Metrics.RecordSessionFailed(string(stageErr.Stage), wall.Seconds())
		r.logger.Error("Session failed",
			slog.String("stage", string(stageErr.Stage)),
			slog.String("artifact", r.artifact),
			slog.String("error", stageErr.Error()),
		)
		return stageErr
	}

	if err := s.Transition(session.StateCompleted); err != nil {
		// Failed from outside while running, e.g. aborted at shutdown.
		stageErr := &StageError{Stage: session.StageAborted, Kind: ErrAborted, Err: err}
		if f := s.Failure(); f != nil && f.Cause != nil {
			stageErr.Err = f.Cause
		}
		p.deps.Metrics.RecordSessionFailed(string(stageErr.Stage), wall.Seconds())
		r.logger.Error("Session failed",
			slog.String("stage", string(stageErr.Stage)),
			slog.String("state", s.State().String()),
			slog.String("artifact", r.artifact),
			slog.String("error", stageErr.Error()),
		)
		return stageErr
	}
	p.deps.Metrics.RecordSessionCompleted(p.config.Format.Duration(s.BytesReceived()), wall.Seconds())
	r.logger.Info("Session completed",
		slog.String("artifact", r.artifact),
		slog.Int64("bytes", s.BytesReceived()),
		slog.Duration("elapsed", wall),
	)
	return nil
}

func (p *Pipeline) execute(ctx context.Context, r *sessionRun, conn net.Conn) error {
	if err := p.receive(ctx, r, conn); err != nil {
		return p.stageError(ctx, session.StageReceiving, ErrConnectionIO, err)
	}

	if r.session.BytesReceived() == 0 {
		r.logger.Info("No audio received, nothing to process")
		return nil
	}

	if p.caps.Encoding {
		if err := p.encode(ctx, r); err != nil {
			return p.stageError(ctx, session.StageEncoding, ErrEncoding, err)
		}
	}

	result, err := p.transcribe(ctx, r)
	if err != nil {
		return p.stageError(ctx, session.StageTranscribing, ErrTranscription, err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		r.logger.Info("Transcription returned no text, nothing to publish")
		return nil
	}
	if !p.caps.Publish {
		return nil
	}

	language := result.Language
	if language == "" {
		language = p.config.Language
	}
	p.publish(ctx, r, text, language)
	return nil
}

// stageError classifies a failure. Any failure after ctx was cancelled is
// reported as an abort regardless of the stage it surfaced in.
func (p *Pipeline) stageError(ctx context.Context, stage session.Stage, kind, err error) *StageError {
	if ctx.Err() != nil {
		return &StageError{Stage: session.StageAborted, Kind: ErrAborted, Err: err}
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func (p *Pipeline) receive(ctx context.Context, r *sessionRun, conn net.Conn) error {
	s := r.session

	file, err := os.OpenFile(s.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	r.logger.Info("Receiving audio", slog.String("path", s.OutputPath))

	buf := make([]byte, p.config.ChunkSize)
	started := time.Now()
	lastReport := started

	for {
		if p.config.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(p.config.ReadTimeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %w", err)
			}
		}

		n, readErr := conn.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write audio data: %w", err)
			}
			total := s.AddBytes(n)
			p.deps.Metrics.RecordBytesReceived(n)

			if now := time.Now(); now.Sub(lastReport) >= p.config.ProgressInterval {
				lastReport = now
				r.logger.Debug("Receive progress",
					slog.Int64("bytes", total),
					slog.Float64("audio_seconds", p.config.Format.Duration(total)),
					slog.Float64("rate_kbps", kbPerSecond(total, now.Sub(started))),
				)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read from connection: %w", readErr)
		}
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	total := s.BytesReceived()
	elapsed := time.Since(started)
	r.logger.Info("Connection closed by client",
		slog.Int64("bytes", total),
		slog.Float64("megabytes", float64(total)/1024/1024),
		slog.Float64("audio_seconds", p.config.Format.Duration(total)),
		slog.Duration("transfer_time", elapsed),
		slog.Float64("avg_rate_kbps", kbPerSecond(total, elapsed)),
	)
	return ctx.Err()
}

func (p *Pipeline) encode(ctx context.Context, r *sessionRun) error {
	if err := r.session.Transition(session.StateEncoding); err != nil {
		return err
	}

	raw := r.session.OutputPath
	out := session.ReplaceExt(raw, p.deps.Encoder.Extension())
	if out == raw {
		out = raw + "." + p.deps.Encoder.Extension()
	}

	result, err := p.deps.Encoder.Encode(ctx, raw, out)
	if err != nil {
		p.deps.Metrics.RecordEncodeFailure()
		r.logger.Warn("Encoding failed, kept raw file",
			slog.String("encoder", p.deps.Encoder.Name()),
			slog.String("path", raw),
		)
		return err
	}

	r.encoded = true
	r.artifact = result.OutputPath
	r.session.SetArtifact(result.OutputPath)
	p.deps.Metrics.RecordEncode(result.Elapsed.Seconds(), result.CompressionRatio())

	r.logger.Info("Encoding complete",
		slog.String("encoder", p.deps.Encoder.Name()),
		slog.String("output", result.OutputPath),
		slog.Int64("raw_size", result.RawSize),
		slog.Int64("encoded_size", result.EncodedSize),
		slog.Float64("compression_percent", result.CompressionRatio()),
		slog.Duration("elapsed", result.Elapsed),
	)
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, r *sessionRun) (*transcription.Result, error) {
	if err := r.session.Transition(session.StateTranscribing); err != nil {
		return nil, err
	}

	p.deps.Metrics.RecordTranscriptionRequest()
	started := time.Now()

	result, err := p.deps.Transcriber.Transcribe(ctx, r.artifact)
	if err != nil {
		p.deps.Metrics.RecordTranscriptionFailure(time.Since(started).Seconds())
		return nil, err
	}

	text := strings.TrimSpace(result.Text)
	p.deps.Metrics.RecordTranscriptionSuccess(time.Since(started).Seconds(), text == "")
	r.session.SetTranscript(text)

	r.logger.Info("Transcription complete",
		slog.String("text", text),
		slog.String("language", result.Language),
		slog.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (p *Pipeline) publish(ctx context.Context, r *sessionRun, text, language string) {
	if err := r.session.Transition(session.StatePublishing); err != nil {
		r.logger.Warn("Cannot publish", slog.String("error", err.Error()))
		return
	}

	ev, err := publish.NewEvent(text, filepath.Base(r.artifact), language, time.Now())
	if err == nil {
		_, err = p.deps.Publisher.Publish(ctx, p.config.Topic, ev)
	}
	p.deps.Metrics.RecordPublish(err)

	if err != nil {
		r.logger.Warn("Failed to publish transcription", slog.String("error", err.Error()))
		return
	}
	r.logger.Info("Published transcription", slog.String("topic", p.config.Topic))
}

func kbPerSecond(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds() / 1024
}
