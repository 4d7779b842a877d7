// Package pipeline runs one session from first byte to terminal state.
//
// A pipeline owns its session and connection for the whole run and moves
// the session through receiving, encoding, transcribing and publishing on a
// single goroutine. Encoding and publishing are optional capabilities
// decided once at startup. Publish failures are logged and counted but do
// not fail the session.
package pipeline
