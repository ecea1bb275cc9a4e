package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/hooksmith/webhook-engine/internal/handlers"
)

// SetupRoutes registers the admin API surface.
func SetupRoutes(app *fiber.App, health *handlers.HealthHandler, subs *handlers.SubscriptionsHandler) {
	app.Get("/health", health.Check)

	v1 := app.Group("/api/v1")

	s := v1.Group("/subscriptions")
	s.Post("/", subs.Create)
	s.Get("/", subs.List)
	s.Get("/:id", subs.Get)
	s.Patch("/:id", subs.Update)
	s.Delete("/:id", subs.Delete)
	s.Post("/:id/pause", subs.Pause)
	s.Post("/:id/resume", subs.Resume)
	s.Post("/:id/rotate", subs.RotateSecret)
	s.Get("/:id/deliveries", subs.Deliveries)
}
