package events

import (
	"fmt"
	"strings"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/events/bus"
)

// ProvidedBus exposes the active bus plus the concrete backend for
// callers that need backend-specific behavior.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide picks the bus backend: NATS when a URL is configured, the
// in-process bus otherwise. The returned cleanup is safe to call once.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if url := strings.TrimSpace(cfg.NATS.URL); url != "" {
		nb, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("nats event bus: %w", err)
		}
		return &ProvidedBus{Bus: nb, NATS: nb}, func() error { nb.Close(); return nil }, nil
	}

	mb := bus.NewMemoryEventBus(log)
	return &ProvidedBus{Bus: mb, Memory: mb}, func() error { mb.Close(); return nil }, nil
}
