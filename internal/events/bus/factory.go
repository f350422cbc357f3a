package bus

import (
	"github.com/openinspect/openinspect/internal/common/config"
	"github.com/openinspect/openinspect/internal/common/logger"
)

// New selects a bus implementation from config: NATS when a URL is set,
// in-memory otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
