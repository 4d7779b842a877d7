package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const wavHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newWAVHeader(f Format, dataSize uint32) WAVHeader {
	numChannels := uint16(f.Channels)
	bitsPerSample := uint16(f.BitDepth)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteWAVHeader writes a PCM WAV header for dataSize bytes of audio in format f.
func WriteWAVHeader(w io.Writer, f Format, dataSize int64) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if dataSize < 0 || dataSize > math.MaxUint32-36 {
		return fmt.Errorf("data size %d does not fit in a WAV file", dataSize)
	}
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(f, uint32(dataSize))); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}
	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
}

// GetWAVInfo extracts metadata from a WAV file header
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if header.ByteRate == 0 {
		return nil, fmt.Errorf("invalid byte rate: 0")
	}

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(header.Subchunk2Size) / float64(header.ByteRate),
		DataSize:      header.Subchunk2Size,
	}, nil
}

// WAVEncoder wraps the raw capture in a WAV container without compression.
// It needs no external tools.
type WAVEncoder struct {
	format Format
}

// NewWAVEncoder creates a WAV encoder for captures in format f.
func NewWAVEncoder(f Format) *WAVEncoder {
	return &WAVEncoder{format: f}
}

// Name implements Encoder.
func (e *WAVEncoder) Name() string { return "wav" }

// Extension implements Encoder.
func (e *WAVEncoder) Extension() string { return "wav" }

// Encode implements Encoder.
func (e *WAVEncoder) Encode(ctx context.Context, rawPath, outPath string) (*EncodeResult, error) {
	started := time.Now()

	in, err := os.Open(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw file: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat raw file: %w", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	if err := e.write(ctx, out, in, info.Size()); err != nil {
		out.Close()
		os.Remove(outPath)
		return nil, err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to close WAV file: %w", err)
	}

	return newEncodeResult(rawPath, outPath, started)
}

func (e *WAVEncoder) write(ctx context.Context, out io.Writer, in io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := WriteWAVHeader(out, e.format, size); err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy audio data: %w", err)
	}
	return nil
}
