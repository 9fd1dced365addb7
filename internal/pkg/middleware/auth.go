package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/OrgAdmin/internal/pkg/env"
)

// AdminCredentials holds the operator login. PasswordHash is a bcrypt hash.
type AdminCredentials struct {
	User         string
	PasswordHash string
}

// AdminCredentialsFromEnv reads ADMIN_USER and ADMIN_PASSWORD_HASH.
func AdminCredentialsFromEnv() AdminCredentials {
	return AdminCredentials{
		User:         strings.TrimSpace(env.GetEnv("ADMIN_USER", "admin")),
		PasswordHash: strings.TrimSpace(env.GetEnv("ADMIN_PASSWORD_HASH", "")),
	}
}

// Configured reports whether a password hash is set.
func (a AdminCredentials) Configured() bool {
	return a.User != "" && a.PasswordHash != ""
}

// Check compares the given login against the stored credentials.
func (a AdminCredentials) Check(user, password string) bool {
	if !a.Configured() {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.User)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

// RequireAdmin protects operator routes with HTTP basic auth. Without
// configured credentials every request is refused.
func RequireAdmin(creds AdminCredentials) fiber.Handler {
	if !creds.Configured() {
		log.Warn("[Auth] ADMIN_PASSWORD_HASH is not set, admin routes are locked")
	}
	return basicauth.New(basicauth.Config{
		Realm:      "OrgAdmin",
		Authorizer: creds.Check,
		Unauthorized: func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderWWWAuthenticate, `basic realm="OrgAdmin"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error":   "unauthorized",
				"message": "admin credentials required",
			})
		},
	})
}
