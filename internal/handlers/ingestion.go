package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	cache "github.com/patrickmn/go-cache"

	"usageledger/internal/eventstore"
	"usageledger/internal/ingest"
	"usageledger/internal/models"
)

// IngestionHandler exposes the run-once trigger and run/event lookups.
// It is a thin boundary over the Runner: it maps classified pipeline errors
// to HTTP statuses and sanitized messages, never internal stack traces or
// credential material.
type IngestionHandler struct {
	runner      *ingest.Runner
	ingestions  *ingest.IngestionStore
	events      *eventstore.Store
	statusCache *cache.Cache
}

// NewIngestionHandler creates a new ingestion handler
func NewIngestionHandler(runner *ingest.Runner, ingestions *ingest.IngestionStore, events *eventstore.Store) *IngestionHandler {
	return &IngestionHandler{
		runner:      runner,
		ingestions:  ingestions,
		events:      events,
		statusCache: cache.New(30*time.Second, 5*time.Minute),
	}
}

// TriggerRun handles POST /api/ingestions/run, the external trigger's
// single entry point into the pipeline
func (h *IngestionHandler) TriggerRun(c *fiber.Ctx) error {
	summary, err := h.runner.RunOnce(c.Context())
	if err != nil {
		var perr *ingest.PipelineError
		if !errors.As(err, &perr) {
			perr = ingest.Classify(err, ingest.CategoryUnexpected)
		}
		return c.Status(statusForCategory(perr.Category)).JSON(fiber.Map{
			"success":   false,
			"category":  perr.Category.String(),
			"retryable": perr.IsRetryable(),
			"error":     perr.Message,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"summary": summary,
	})
}

// GetIngestion handles GET /api/ingestions/:id. Terminal run records are
// immutable, so lookups are cached briefly.
func (h *IngestionHandler) GetIngestion(c *fiber.Ctx) error {
	id := c.Params("id")

	if cached, found := h.statusCache.Get(id); found {
		return c.JSON(cached)
	}

	ing, err := h.ingestions.Get(c.Context(), id)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to load ingestion",
		})
	}
	if ing == nil {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "ingestion not found",
		})
	}

	if ing.Status != models.IngestionInProgress {
		h.statusCache.Set(id, ing, cache.DefaultExpiration)
	}
	return c.JSON(ing)
}

// ListIngestions handles GET /api/ingestions
func (h *IngestionHandler) ListIngestions(c *fiber.Ctx) error {
	limit := queryLimit(c, 50)
	ingestions, err := h.ingestions.ListRecent(c.Context(), limit)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to list ingestions",
		})
	}
	return c.JSON(fiber.Map{
		"ingestions": ingestions,
		"total":      len(ingestions),
	})
}

// ListEvents handles GET /api/usage/events
func (h *IngestionHandler) ListEvents(c *fiber.Ctx) error {
	limit := queryLimit(c, 100)
	events, err := h.events.ListRecent(c.Context(), limit)
	if err != nil {
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "failed to list events",
		})
	}
	return c.JSON(fiber.Map{
		"events": events,
		"total":  len(events),
	})
}

func statusForCategory(category ingest.ErrorCategory) int {
	switch category {
	case ingest.CategoryAuthExpired:
		return http.StatusUnauthorized
	case ingest.CategoryTransient:
		return http.StatusServiceUnavailable
	case ingest.CategoryInfrastructure:
		return http.StatusServiceUnavailable
	case ingest.CategoryValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryLimit(c *fiber.Ctx, fallback int) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return fallback
}
