package httpserver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/chatforge/meterd/internal/app"
	"github.com/chatforge/meterd/internal/httpserver/httputil"
	"github.com/chatforge/meterd/internal/meter"
	"github.com/chatforge/meterd/internal/services/ingest"
	"github.com/chatforge/meterd/internal/store"
	"github.com/chatforge/meterd/internal/timeutil"
)

const (
	defaultHistoryDays   = 7
	maxHistoryDays       = 90
	defaultHistoryMonths = 6
	maxHistoryMonths     = 24
	defaultEventLimit    = 50
	maxEventLimit        = 500
)

type usageHandler struct {
	container *app.Container
}

func registerUsageRoutes(fiberApp *fiber.App, container *app.Container) {
	handler := &usageHandler{container: container}

	group := fiberApp.Group("/usage", authMiddleware(container), rateLimitMiddleware(container))
	group.Get("/", handler.snapshot)
	group.Get("/history/daily", handler.dailyHistory)
	group.Get("/history/monthly", handler.monthlyHistory)
	group.Get("/events", handler.events)
	group.Post("/track", handler.track)
	group.Post("/reset/daily", handler.resetDaily)
	group.Post("/reset/session", handler.resetSession)
}

func (h *usageHandler) snapshot(c *fiber.Ctx) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "authentication required")
	}

	snap, err := h.container.Query.Snapshot(c.Context(), userID)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to load usage data")
	}
	return c.JSON(snap)
}

func (h *usageHandler) dailyHistory(c *fiber.Ctx) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "authentication required")
	}

	days, err := boundedQueryInt(c, "days", defaultHistoryDays, maxHistoryDays)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	history, err := h.container.Query.DailyHistory(c.Context(), userID, days)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to load usage history")
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"days":    days,
		"history": history,
	})
}

func (h *usageHandler) monthlyHistory(c *fiber.Ctx) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "authentication required")
	}

	months, err := boundedQueryInt(c, "months", defaultHistoryMonths, maxHistoryMonths)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	history, err := h.container.Query.MonthlyHistory(c.Context(), userID, months)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to load usage history")
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"months":  months,
		"history": history,
	})
}

func (h *usageHandler) events(c *fiber.Ctx) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "authentication required")
	}

	limit, err := boundedQueryInt(c, "limit", defaultEventLimit, maxEventLimit)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
	}

	events, err := h.container.Query.RecentEvents(c.Context(), userID, limit)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to load usage events")
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"events":  events,
	})
}

type trackRequest struct {
	Model          string   `json:"model"`
	SessionID      string   `json:"session_id"`
	InputTokens    int64    `json:"input_tokens"`
	OutputTokens   int64    `json:"output_tokens"`
	Cost           *float64 `json:"cost"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (h *usageHandler) track(c *fiber.Ctx) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var req trackRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
	}

	res, err := h.container.Ingest.Record(c.Context(), ingest.Submission{
		UserID:         userID,
		SessionID:      req.SessionID,
		Model:          req.Model,
		TokensInput:    req.InputTokens,
		TokensOutput:   req.OutputTokens,
		CostUSD:        req.Cost,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, meter.ErrInvalidUsage) {
			return httputil.WriteError(c, fiber.StatusBadRequest, err.Error())
		}
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to record usage")
	}

	message := "usage recorded"
	switch {
	case res.Duplicate:
		message = "duplicate event ignored"
	case res.Dropped:
		message = "usage accepted"
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": message,
	})
}

type resetDailyRequest struct {
	TargetDate string `json:"target_date"`
}

func (h *usageHandler) resetDaily(c *fiber.Ctx) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "authentication required")
	}

	var req resetDailyRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "invalid request body")
		}
	}

	targetDate := strings.TrimSpace(req.TargetDate)
	if targetDate == "" {
		targetDate = timeutil.DayKey(time.Now(), h.container.ReportingLocation)
	}

	rec, err := h.container.Rollup.ResetDaily(c.Context(), userID, targetDate)
	switch {
	case errors.Is(err, timeutil.ErrInvalidDayKey):
		return httputil.WriteError(c, fiber.StatusBadRequest, "invalid target_date, expected YYYY-MM-DD")
	case errors.Is(err, meter.ErrAlreadyClosed):
		return httputil.WriteError(c, fiber.StatusConflict, "period already closed")
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(fiber.Map{
			"success": false,
			"message": "no open usage data to reset",
			"user_id": userID,
			"date":    targetDate,
		})
	case err != nil:
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to reset usage")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "daily usage reset",
		"user_id": userID,
		"date":    rec.PeriodKey,
	})
}

func (h *usageHandler) resetSession(c *fiber.Ctx) error {
	userID, ok := userIDFromContext(c)
	if !ok {
		return httputil.WriteError(c, fiber.StatusUnauthorized, "authentication required")
	}

	if err := h.container.Rollup.ResetSession(c.Context(), userID); err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "failed to reset session usage")
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "session usage reset",
		"user_id": userID,
	})
}

func boundedQueryInt(c *fiber.Ctx, name string, def, max int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	if n > max {
		n = max
	}
	return n, nil
}
