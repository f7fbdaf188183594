package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"usageledger/internal/session"
)

// SessionHandler manages the stored upstream session credential. The
// credential material itself is write-only through this API: responses
// only ever report presence, never content.
type SessionHandler struct {
	store *session.Store
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(store *session.Store) *SessionHandler {
	return &SessionHandler{store: store}
}

// Save handles POST /api/session: the request body is the credential
// payload, stored encrypted. Saves are a human-driven login flow and are
// expected to be serialized by that human.
func (h *SessionHandler) Save(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "credential payload is required",
		})
	}

	if err := h.store.Save(body, true); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to save credential",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// Status handles GET /api/session: reports whether a credential exists
func (h *SessionHandler) Status(c *fiber.Ctx) error {
	payload, err := h.store.Read()
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to read credential",
		})
	}

	return c.JSON(fiber.Map{
		"success":     true,
		"has_session": payload != nil,
	})
}

// Clear handles DELETE /api/session
func (h *SessionHandler) Clear(c *fiber.Ctx) error {
	if err := h.store.Clear(); err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to clear credential",
		})
	}
	return c.JSON(fiber.Map{"success": true})
}
