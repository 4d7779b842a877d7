// Package server implements the TCP ingestion server that turns device
// connections into sessions, the HTTP monitoring API, and the ordered
// shutdown of both.
package server
