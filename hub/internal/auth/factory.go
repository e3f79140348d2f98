package auth

import (
	"fmt"

	"github.com/csi-portal/portal/hub/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(cfg), nil
	case "jwks":
		p, err := NewJWKSProvider(cfg.JWKSURL, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
