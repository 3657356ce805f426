package embedding

import (
	"go.uber.org/zap"
	"photosearch/config"
	"photosearch/internal/logging"
	"photosearch/internal/port"
)

// Select builds the configured provider once. When it cannot be built the
// deterministic provider takes its place for the life of the process.
func Select(cfg config.EmbeddingConfig, log *zap.Logger) port.EmbeddingProvider {
	log = logging.OrNop(log)

	switch cfg.Provider {
	case "openai":
		p, err := NewOpenAIProvider(cfg)
		if err == nil {
			log.Info("embedding provider selected", zap.String("provider", "openai"), zap.String("model", cfg.Model))
			return p
		}
		log.Warn("embedding provider unavailable, using deterministic fallback",
			zap.String("provider", cfg.Provider), zap.Error(err))
	case "", "deterministic":
	default:
		log.Warn("unknown embedding provider, using deterministic fallback", zap.String("provider", cfg.Provider))
	}
	return NewDeterministicProvider(cfg.Dimension)
}
