package auth

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// APIKey returns middleware enforcing API key authentication.
func APIKey(mode, header, key string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if mode != "apikey" || key == "" {
			return c.Next()
		}

		got := c.Get(header)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid_api_key",
			})
		}
		return c.Next()
	}
}
