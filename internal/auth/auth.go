// Package auth authenticates the mutating queue endpoints (cancel, retry,
// cleanup) via a static bcrypt-hashed operator API key, grounded on the
// teacher's internal/auth/auth.go bcrypt-hash pattern but simplified: this
// service has one operator identity, not a per-client credit ledger (out of
// scope per spec §1 — billing/credits belong to the upstream platform).
package auth

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Service verifies the X-API-Key header against a single bcrypt hash
// configured for the operator console / internal tooling that's allowed to
// cancel, retry, or clean up queue items.
type Service struct {
	keyHash string
	logger  *zap.Logger
}

func NewService(keyHash string, logger *zap.Logger) *Service {
	return &Service{keyHash: keyHash, logger: logger}
}

// HashKey is a convenience used by provisioning tooling (not exposed over
// HTTP) to produce the hash that goes into API_KEY_HASH.
func HashKey(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hashed), nil
}

func (s *Service) authenticate(key string) bool {
	if key == "" || s.keyHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.keyHash), []byte(key)) == nil
}

// RequireAPIKey is Fiber middleware guarding the mutating queue routes
// (§6's cancel/retry/cleanup). Read-only routes and the carrier webhooks
// never use this middleware.
func (s *Service) RequireAPIKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Get("X-API-Key")
		if !s.authenticate(key) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or missing API key"})
		}
		return c.Next()
	}
}
