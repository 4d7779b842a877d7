package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/benvonhandorf/esp32-audio-stream/internal/audio"
)

// Capabilities are the optional stages enabled for every session. They are
// resolved once at startup and never change while the server runs.
type Capabilities struct {
	Encoding bool
	Publish  bool
}

func (c Capabilities) String() string {
	return fmt.Sprintf("encoding=%s publish=%s", onOff(c.Encoding), onOff(c.Publish))
}

type availabilityChecker interface {
	Available() error
}

// ResolveCapabilities decides which optional stages can run. Encoding needs
// to be requested and the encoder usable; publishing needs a connected
// publisher.
func ResolveCapabilities(encodingRequested bool, encoder audio.Encoder, publisher EventPublisher, logger *slog.Logger) Capabilities {
	var caps Capabilities

	if encodingRequested {
		switch {
		case encoder == nil:
			logger.Warn("Encoding requested but no encoder configured, encoding disabled")
		default:
			caps.Encoding = true
			if checker, ok := encoder.(availabilityChecker); ok {
				if err := checker.Available(); err != nil {
					logger.Warn("Encoder unavailable, encoding disabled",
						slog.String("encoder", encoder.Name()),
						slog.String("error", err.Error()),
					)
					caps.Encoding = false
				}
			}
		}
	}

	caps.Publish = publisher != nil
	return caps
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
