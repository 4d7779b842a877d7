// Package audio describes the raw PCM capture format and turns raw captures
// into compressed artifacts. It provides an ffmpeg-backed MP3 encoder and a
// pure Go WAV encoder behind a common Encoder interface.
package audio
