package audio

import "fmt"

// Format is the fixed, out-of-band PCM sample format devices stream in.
// There is no negotiation on the wire, so a mismatch between device and
// configuration only shows up as wrong durations.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat is 48 kHz, mono, 16-bit little-endian PCM.
var DefaultFormat = Format{SampleRate: 48000, Channels: 1, BitDepth: 16}

// BytesPerSample returns the size of one sample of one channel.
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// BytesPerSecond returns the raw data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BytesPerSample()
}

// Duration returns the audio length in seconds represented by n raw bytes.
func (f Format) Duration(n int64) float64 {
	rate := f.BytesPerSecond()
	if rate <= 0 {
		return 0
	}
	return float64(n) / float64(rate)
}

// Validate checks that the format is usable for duration math and encoding.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}
	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("bit depth must be one of 8, 16, 24, 32, got %d", f.BitDepth)
	}
	return nil
}

// ffmpegSampleFormat returns ffmpeg's -f name for the raw input.
func (f Format) ffmpegSampleFormat() string {
	switch f.BitDepth {
	case 8:
		return "u8"
	case 24:
		return "s24le"
	case 32:
		return "s32le"
	default:
		return "s16le"
	}
}
