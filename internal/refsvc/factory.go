package refsvc

import (
	"fmt"
	"time"

	"ccsync/internal/cloudsync"
	"ccsync/internal/config"
)

// NewFromConfig creates a ReferenceService implementation based on the
// service config type.
func NewFromConfig(cfg config.ServiceConfig, clock cloudsync.Clock) (cloudsync.ReferenceService, error) {
	switch cfg.Type {
	case "memory":
		return NewMemory(clock), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http service requires url to be set")
		}
		return NewHTTPClient(cfg.URL, cfg.Token, time.Duration(cfg.TimeoutSeconds)*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown service type: %s", cfg.Type)
	}
}
