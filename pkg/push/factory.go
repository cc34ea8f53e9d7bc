package push

import (
	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"pairchat-backend/pkg/config"
	"pairchat-backend/pkg/logger"
)

// NewProvider creates the push provider named by the configuration. An
// unknown provider falls back to the mock so the daemon can still run in
// development.
func NewProvider(cfg config.PushConfig, app *firebase.App) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider", cfg.Provider))

	switch cfg.Provider {
	case "firebase", "fcm":
		return NewFCMProvider(app)
	case "apns":
		return NewAPNsProvider(&APNsConfig{
			KeyPath:    cfg.APNSKeyFile,
			KeyID:      cfg.APNSKeyID,
			TeamID:     cfg.APNSTeamID,
			Topic:      cfg.APNSTopic,
			Production: cfg.APNSProduction,
		})
	case "mock":
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider, falling back to mock",
			zap.String("provider", cfg.Provider))
		return &MockProvider{}, nil
	}
}
