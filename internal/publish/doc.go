// Package publish emits transcription events onto the MQTT bus through a
// single shared, internally serialized connection.
package publish
