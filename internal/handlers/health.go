package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/database"
	"github.com/hooksmith/webhook-engine/internal/rabbitmq"
)

const timeFormat = time.RFC3339

func rfc3339OrNil(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeFormat)
	return &s
}

// HealthHandler reports liveness of the engine's two backing services.
type HealthHandler struct {
	DB     *gorm.DB
	RMQ    *rabbitmq.Connection
	Logger *zap.Logger
}

func NewHealthHandler(db *gorm.DB, rmq *rabbitmq.Connection, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		DB:     db,
		RMQ:    rmq,
		Logger: logger,
	}
}

// Check handles GET /health. Returns 503 when either the database or the
// message broker is unreachable.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	status := fiber.StatusOK
	dbStatus := "up"
	rmqStatus := "up"

	if err := database.HealthCheck(c.Context(), h.DB); err != nil {
		h.Logger.Warn("Database health check failed", zap.Error(err))
		dbStatus = "down"
		status = fiber.StatusServiceUnavailable
	}

	if !h.RMQ.IsHealthy() {
		rmqStatus = "down"
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"status":   statusWord(status),
		"database": dbStatus,
		"rabbitmq": rmqStatus,
		"time":     time.Now().UTC().Format(timeFormat),
	})
}

func statusWord(status int) string {
	if status == fiber.StatusOK {
		return "ok"
	}
	return "degraded"
}
