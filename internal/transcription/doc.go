// Package transcription provides the HTTP client for the remote speech-to-text
// service. Artifacts are uploaded as multipart/form-data to an
// OpenAI-compatible /audio/transcriptions endpoint with bounded timeouts,
// optional retries and a concurrency limit.
package transcription
