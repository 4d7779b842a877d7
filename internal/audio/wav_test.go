package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sinePCM generates 16-bit little-endian mono PCM of a 440Hz tone.
func sinePCM(sampleRate int, seconds float64) []byte {
	numSamples := int(float64(sampleRate) * seconds)
	pcm := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		sample := int16(16383.0 * math.Sin(2*math.Pi*440*t))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
	}
	return pcm
}

func TestWriteWAVHeader(t *testing.T) {
	f := Format{SampleRate: 8000, Channels: 1, BitDepth: 16}
	pcm := sinePCM(f.SampleRate, 0.1)

	var buf bytes.Buffer
	require.NoError(t, WriteWAVHeader(&buf, f, int64(len(pcm))))
	assert.Equal(t, wavHeaderSize, buf.Len())
	buf.Write(pcm)

	wavData := buf.Bytes()
	require.NoError(t, ValidateWAV(wavData))

	info, err := GetWAVInfo(wavData)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), info.SampleRate)
	assert.Equal(t, uint16(1), info.Channels)
	assert.Equal(t, uint16(16), info.BitsPerSample)
	assert.InDelta(t, 0.1, info.Duration, 0.001)
}

func TestWriteWAVHeaderInvalidFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, WriteWAVHeader(&buf, Format{SampleRate: 0, Channels: 1, BitDepth: 16}, 2))
	assert.Error(t, WriteWAVHeader(&buf, Format{SampleRate: 8000, Channels: 1, BitDepth: 12}, 2))
}

func TestValidateWAV(t *testing.T) {
	assert.Error(t, ValidateWAV([]byte{1, 2, 3}))

	invalid := make([]byte, 50)
	copy(invalid[0:4], "FAKE")
	assert.Error(t, ValidateWAV(invalid))
}

func TestWAVEncoderEncode(t *testing.T) {
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "audio_1.raw")
	outPath := filepath.Join(dir, "audio_1.wav")

	pcm := sinePCM(DefaultFormat.SampleRate, 0.5)
	require.NoError(t, os.WriteFile(rawPath, pcm, 0o644))

	enc := NewWAVEncoder(DefaultFormat)
	assert.Equal(t, "wav", enc.Extension())

	result, err := enc.Encode(context.Background(), rawPath, outPath)
	require.NoError(t, err)
	assert.Equal(t, outPath, result.OutputPath)
	assert.Equal(t, int64(len(pcm)), result.RawSize)
	assert.Equal(t, int64(len(pcm)+wavHeaderSize), result.EncodedSize)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	info, err := GetWAVInfo(data)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, info.Duration, 0.001)
}

func TestWAVEncoderMissingInput(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.wav")

	_, err := NewWAVEncoder(DefaultFormat).Encode(context.Background(), filepath.Join(dir, "missing.raw"), outPath)
	require.Error(t, err)
	assert.NoFileExists(t, outPath)
}

func TestWAVEncoderCancelled(t *testing.T) {
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "a.raw")
	outPath := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(rawPath, []byte{0, 1, 2, 3}, 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWAVEncoder(DefaultFormat).Encode(ctx, rawPath, outPath)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, outPath)
}
