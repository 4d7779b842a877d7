package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benvonhandorf/esp32-audio-stream/internal/audio"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Recording     RecordingConfig     `yaml:"recording" json:"recording"`
	Audio         AudioConfig         `yaml:"audio" json:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription" json:"transcription"`
	MQTT          MQTTConfig          `yaml:"mqtt" json:"mqtt"`
	HTTP          HTTPConfig          `yaml:"http" json:"http"`
	Shutdown      ShutdownConfig      `yaml:"shutdown" json:"shutdown"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
}

// ServerConfig contains TCP ingestion server configuration
type ServerConfig struct {
	Host             string  `yaml:"host" json:"host"`
	Port             int     `yaml:"port" json:"port"`
	Backlog          int     `yaml:"backlog" json:"backlog"`
	MaxWorkers       int     `yaml:"max_workers" json:"max_workers"`
	MaxPending       int     `yaml:"max_pending" json:"max_pending"`             // 0 = unbounded queue
	ReadTimeout      float64 `yaml:"read_timeout" json:"read_timeout"`           // seconds, 0 = none
	ChunkSize        int     `yaml:"chunk_size" json:"chunk_size"`               // bytes per read
	ProgressInterval float64 `yaml:"progress_interval" json:"progress_interval"` // seconds
}

// RecordingConfig contains capture and encoding settings
type RecordingConfig struct {
	DataDir          string `yaml:"data_dir" json:"data_dir"`
	OutputPattern    string `yaml:"output_pattern" json:"output_pattern"`
	EncodingEnabled  bool   `yaml:"encoding_enabled" json:"encoding_enabled"`
	Encoder          string `yaml:"encoder" json:"encoder"` // ffmpeg or wav
	FFmpegPath       string `yaml:"ffmpeg_path" json:"ffmpeg_path"`
	Bitrate          string `yaml:"bitrate" json:"bitrate"`
	KeepRaw          bool   `yaml:"keep_raw" json:"keep_raw"`
	SingleConnection bool   `yaml:"single_connection" json:"single_connection"`
}

// AudioConfig describes the fixed PCM format devices send
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
	BitDepth   int `yaml:"bit_depth" json:"bit_depth"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	APIKey         string `yaml:"api_key" json:"api_key"`
	Model          string `yaml:"model" json:"model"`
	Language       string `yaml:"language" json:"language"`
	Timeout        int    `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries     int    `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent  int    `yaml:"max_concurrent" json:"max_concurrent"`
	ResponseFormat string `yaml:"response_format" json:"response_format"`
}

// MQTTConfig contains event broker configuration. Publishing is enabled
// when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker" json:"broker"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Topic    string `yaml:"topic" json:"topic"`
	ClientID string `yaml:"client_id" json:"client_id"`
	QoS      int    `yaml:"qos" json:"qos"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// ShutdownConfig controls graceful shutdown
type ShutdownConfig struct {
	DrainTimeout int `yaml:"drain_timeout" json:"drain_timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// ParseError reports a configuration file that exists but is not valid YAML.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse config file %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8888,
			Backlog:          5,
			MaxWorkers:       4,
			ChunkSize:        4096,
			ProgressInterval: 1,
		},
		Recording: RecordingConfig{
			DataDir:         "data",
			OutputPattern:   "audio.raw",
			EncodingEnabled: true,
			Encoder:         "ffmpeg",
			FFmpegPath:      "ffmpeg",
			Bitrate:         "192k",
		},
		Audio: AudioConfig{
			SampleRate: 48000,
			Channels:   1,
			BitDepth:   16,
		},
		Transcription: TranscriptionConfig{
			Endpoint:       "http://localhost:8000/v1/audio/transcriptions",
			Model:          "Systran/faster-whisper-large-v3",
			Language:       "en",
			Timeout:        120,
			MaxRetries:     0,
			MaxConcurrent:  4,
			ResponseFormat: "verbose_json",
		},
		MQTT: MQTTConfig{
			Port:  1883,
			Topic: "sensors/transcription/text",
		},
		HTTP: HTTPConfig{
			Enabled: false,
			Address: "127.0.0.1",
			Port:    9090,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file at path over the defaults. An empty
// path, or a file that is missing or unreadable, yields the defaults with a
// warning. Malformed YAML returns a *ParseError. Validation is left to the
// caller so command-line overrides can be applied first.
func Load(path string, logger *slog.Logger) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		msg := "Config file unreadable, using defaults"
		if errors.Is(err, fs.ErrNotExist) {
			msg = "Config file not found, using defaults"
		}
		logger.Warn(msg, slog.String("path", path), slog.String("error", err.Error()))
		return config, nil
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	return config, nil
}

// UnmarshalYAML accepts mp3_enabled as an alias for encoding_enabled.
// encoding_enabled wins when both are present.
func (r *RecordingConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain RecordingConfig
	aux := struct {
		plain      `yaml:",inline"`
		MP3Enabled *bool `yaml:"mp3_enabled"`
	}{plain: plain(*r)}

	if err := value.Decode(&aux); err != nil {
		return err
	}

	*r = RecordingConfig(aux.plain)
	if aux.MP3Enabled != nil && !hasKey(value, "encoding_enabled") {
		r.EncodingEnabled = *aux.MP3Enabled
	}
	return nil
}

func hasKey(node *yaml.Node, key string) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Shutdown.Validate(); err != nil {
		return fmt.Errorf("shutdown config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", s.MaxWorkers)
	}

	if s.MaxPending < 0 {
		return fmt.Errorf("max_pending cannot be negative, got %d", s.MaxPending)
	}

	if s.ReadTimeout < 0 {
		return fmt.Errorf("read_timeout cannot be negative, got %f", s.ReadTimeout)
	}

	if s.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1 byte, got %d", s.ChunkSize)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}

	validEncoders := map[string]bool{"ffmpeg": true, "wav": true}
	if !validEncoders[r.Encoder] {
		return fmt.Errorf("encoder must be 'ffmpeg' or 'wav', got '%s'", r.Encoder)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	return a.Format().Validate()
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "verbose_json": true, "text": true}
	if !validFormats[t.ResponseFormat] {
		return fmt.Errorf("response_format must be 'json', 'verbose_json' or 'text', got '%s'", t.ResponseFormat)
	}

	return nil
}

// Validate validates MQTT configuration
func (m *MQTTConfig) Validate() error {
	if !m.Enabled() {
		return nil
	}

	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", m.Port)
	}

	if m.Topic == "" {
		return fmt.Errorf("topic cannot be empty when a broker is set")
	}

	if m.QoS < 0 || m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}

	return nil
}

// Enabled reports whether a broker is configured.
func (m *MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates shutdown configuration
func (s *ShutdownConfig) Validate() error {
	if s.DrainTimeout < 0 {
		return fmt.Errorf("drain_timeout cannot be negative, got %d", s.DrainTimeout)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// Format returns the PCM format as an audio.Format
func (a *AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels, BitDepth: a.BitDepth}
}

// GetReadTimeoutDuration returns the idle read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout * float64(time.Second))
}

// GetProgressIntervalDuration returns the progress log interval as a time.Duration
func (s *ServerConfig) GetProgressIntervalDuration() time.Duration {
	return time.Duration(s.ProgressInterval * float64(time.Second))
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetDrainTimeoutDuration returns the drain timeout as a time.Duration
func (s *ShutdownConfig) GetDrainTimeoutDuration() time.Duration {
	return time.Duration(s.DrainTimeout) * time.Second
}

// Redacted returns a copy safe to expose over the monitoring API.
func (c *Config) Redacted() Config {
	out := *c
	if out.Transcription.APIKey != "" {
		out.Transcription.APIKey = "REDACTED"
	}
	if out.MQTT.Password != "" {
		out.MQTT.Password = "REDACTED"
	}
	return out
}
