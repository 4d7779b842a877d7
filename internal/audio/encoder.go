package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Encoder converts a raw PCM capture file into a compressed artifact.
type Encoder interface {
	// Name identifies the encoder in logs.
	Name() string
	// Extension is the file extension of produced artifacts, without the dot.
	Extension() string
	// Encode reads rawPath and writes the artifact to outPath.
	Encode(ctx context.Context, rawPath, outPath string) (*EncodeResult, error)
}

// EncodeResult describes a finished encoding run.
type EncodeResult struct {
	OutputPath  string
	RawSize     int64
	EncodedSize int64
	Elapsed     time.Duration
}

// CompressionRatio returns the size reduction in percent.
func (r *EncodeResult) CompressionRatio() float64 {
	if r == nil || r.RawSize == 0 {
		return 0
	}
	return (1 - float64(r.EncodedSize)/float64(r.RawSize)) * 100
}

func newEncodeResult(rawPath, outPath string, started time.Time) (*EncodeResult, error) {
	rawInfo, err := os.Stat(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat raw file: %w", err)
	}
	outInfo, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("encoder produced no output: %w", err)
	}
	if outInfo.Size() == 0 {
		return nil, fmt.Errorf("encoder produced an empty file %s", outPath)
	}
	return &EncodeResult{
		OutputPath:  outPath,
		RawSize:     rawInfo.Size(),
		EncodedSize: outInfo.Size(),
		Elapsed:     time.Since(started),
	}, nil
}

// commandResult is the captured outcome of one process execution.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for tests.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// FFmpegConfig configures the MP3 encoder.
type FFmpegConfig struct {
	Path    string // ffmpeg binary, defaults to "ffmpeg"
	Bitrate string // e.g. "192k"
	Format  Format
}

// FFmpegEncoder encodes raw PCM to MP3 with an external ffmpeg process.
type FFmpegEncoder struct {
	config FFmpegConfig
	runner commandRunner
}

// NewFFmpegEncoder creates an MP3 encoder.
func NewFFmpegEncoder(cfg FFmpegConfig) *FFmpegEncoder {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "192k"
	}
	return &FFmpegEncoder{config: cfg, runner: execRunner{}}
}

// Name implements Encoder.
func (e *FFmpegEncoder) Name() string { return "ffmpeg-mp3" }

// Extension implements Encoder.
func (e *FFmpegEncoder) Extension() string { return "mp3" }

// Available reports whether the ffmpeg binary can be found.
func (e *FFmpegEncoder) Available() error {
	if _, err := exec.LookPath(e.config.Path); err != nil {
		return fmt.Errorf("ffmpeg not found at %q: %w", e.config.Path, err)
	}
	return nil
}

// Args returns the ffmpeg arguments used to encode rawPath into outPath.
func (e *FFmpegEncoder) Args(rawPath, outPath string) []string {
	f := e.config.Format
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", f.ffmpegSampleFormat(),
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", rawPath,
		"-codec:a", "libmp3lame",
		"-b:a", e.config.Bitrate,
		"-q:a", "0",
		outPath,
	}
}

// Encode implements Encoder.
func (e *FFmpegEncoder) Encode(ctx context.Context, rawPath, outPath string) (*EncodeResult, error) {
	started := time.Now()

	result, err := e.runner.Run(ctx, e.config.Path, e.Args(rawPath, outPath)...)
	if err != nil {
		// A killed or failing ffmpeg may leave a truncated file behind.
		os.Remove(outPath)
		stderr := strings.TrimSpace(result.Stderr)
		if stderr != "" {
			return nil, fmt.Errorf("ffmpeg failed (exit=%d): %s: %w", result.ExitCode, stderr, err)
		}
		return nil, fmt.Errorf("ffmpeg failed (exit=%d): %w", result.ExitCode, err)
	}

	encoded, err := newEncodeResult(rawPath, outPath, started)
	if err != nil {
		os.Remove(outPath)
		return nil, err
	}
	return encoded, nil
}
