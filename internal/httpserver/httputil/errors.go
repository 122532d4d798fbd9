// Package httputil holds the small response helpers shared by the handlers.
package httputil

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

type errorBody struct {
	Error string `json:"error"`
}

// WriteError renders the uniform `{"error": ...}` payload the usage API
// promises on every failure.
func WriteError(c *fiber.Ctx, status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	if msg == "" {
		msg = "unknown error"
	}
	return c.Status(status).JSON(errorBody{Error: msg})
}
