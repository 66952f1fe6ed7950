package app

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"github.com/aussiebroadwan/authsession/pkg/cryptox"
)

// loadSealer builds the sealer for durable values from the configured master
// key. It returns nil when no key is configured: values are then stored as
// they are.
func loadSealer(cfg Config, logger *slog.Logger) (*cryptox.Sealer, error) {
	var keyMaterial []byte

	switch {
	case cfg.MasterKeyPath != "":
		data, err := os.ReadFile(cfg.MasterKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key file: %w", err)
		}
		keyMaterial = bytes.TrimSpace(data)
		logger.Info("master key loaded", "path", cfg.MasterKeyPath)
	case cfg.MasterKey != "":
		keyMaterial = []byte(cfg.MasterKey)
		logger.Info("master key loaded from environment")
	default:
		logger.Warn("no master key configured, durable credentials are stored unsealed")
		return nil, nil
	}

	sealer, err := cryptox.NewSealer(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sealer: %w", err)
	}
	return sealer, nil
}
