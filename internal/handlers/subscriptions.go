package handlers

import (
	"errors"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/models"
	"github.com/hooksmith/webhook-engine/internal/rotation"
	"github.com/hooksmith/webhook-engine/internal/signature"
)

// SubscriptionsHandler exposes the administrative subscription operations:
// CRUD, pause/resume, secret rotation and delivery history.
type SubscriptionsHandler struct {
	DB       *gorm.DB
	Logger   *zap.Logger
	Rotation *rotation.Manager
}

func NewSubscriptionsHandler(db *gorm.DB, logger *zap.Logger, rot *rotation.Manager) *SubscriptionsHandler {
	return &SubscriptionsHandler{
		DB:       db,
		Logger:   logger,
		Rotation: rot,
	}
}

type createSubscriptionRequest struct {
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MaxRetries     int      `json:"max_retries"`
}

// createSubscriptionResponse carries the signing secret exactly once, at
// creation time. It is never readable afterwards.
type createSubscriptionResponse struct {
	models.Subscription
	Secret string `json:"secret"`
}

// Create handles POST /subscriptions.
func (h *SubscriptionsHandler) Create(c *fiber.Ctx) error {
	var req createSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := validateEndpointURL(req.URL); err != nil {
		return badRequest(c, err.Error())
	}
	if req.TimeoutSeconds < 0 || req.MaxRetries < 0 {
		return badRequest(c, "timeout_seconds and max_retries must be non-negative")
	}

	sub := models.Subscription{
		ID:               uuid.New(),
		URL:              req.URL,
		CurrentSecret:    signature.GenerateSecret(),
		SubscribedEvents: req.Events,
		Status:           models.SubscriptionActive,
		TimeoutSeconds:   req.TimeoutSeconds,
		MaxRetries:       req.MaxRetries,
	}

	if err := h.DB.Create(&sub).Error; err != nil {
		h.Logger.Error("Failed to create subscription", zap.Error(err))
		return internalError(c, "failed to create subscription")
	}

	return c.Status(fiber.StatusCreated).JSON(createSubscriptionResponse{
		Subscription: sub,
		Secret:       sub.CurrentSecret,
	})
}

// Get handles GET /subscriptions/:id.
func (h *SubscriptionsHandler) Get(c *fiber.Ctx) error {
	sub, ok := h.loadSubscription(c)
	if !ok {
		return nil
	}
	return c.JSON(sub)
}

type listResponse struct {
	Subscriptions []models.Subscription `json:"subscriptions"`
	HasMore       bool                  `json:"has_more"`
}

// List handles GET /subscriptions.
func (h *SubscriptionsHandler) List(c *fiber.Ctx) error {
	limit, offset, ok := pagination(c)
	if !ok {
		return nil
	}

	var subs []models.Subscription
	if err := h.DB.Order("created_at DESC").Limit(limit + 1).Offset(offset).Find(&subs).Error; err != nil {
		h.Logger.Error("Failed to list subscriptions", zap.Error(err))
		return internalError(c, "failed to list subscriptions")
	}

	hasMore := len(subs) > limit
	if hasMore {
		subs = subs[:limit]
	}
	return c.JSON(listResponse{Subscriptions: subs, HasMore: hasMore})
}

type updateSubscriptionRequest struct {
	URL            *string   `json:"url"`
	Events         *[]string `json:"events"`
	Status         *string   `json:"status"`
	TimeoutSeconds *int      `json:"timeout_seconds"`
	MaxRetries     *int      `json:"max_retries"`
}

// Update handles PATCH /subscriptions/:id. Secrets are not updatable here;
// they only change through rotation.
func (h *SubscriptionsHandler) Update(c *fiber.Ctx) error {
	sub, ok := h.loadSubscription(c)
	if !ok {
		return nil
	}

	var req updateSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if req.URL != nil {
		if err := validateEndpointURL(*req.URL); err != nil {
			return badRequest(c, err.Error())
		}
		sub.URL = *req.URL
	}
	if req.Events != nil {
		sub.SubscribedEvents = *req.Events
	}
	if req.Status != nil {
		status := models.SubscriptionStatus(*req.Status)
		switch status {
		case models.SubscriptionActive, models.SubscriptionInactive, models.SubscriptionPaused:
			sub.Status = status
		default:
			return badRequest(c, "status must be one of: active, inactive, paused")
		}
	}
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds < 0 {
			return badRequest(c, "timeout_seconds must be non-negative")
		}
		sub.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return badRequest(c, "max_retries must be non-negative")
		}
		sub.MaxRetries = *req.MaxRetries
	}

	if err := h.DB.Save(sub).Error; err != nil {
		h.Logger.Error("Failed to update subscription", zap.Error(err))
		return internalError(c, "failed to update subscription")
	}
	return c.JSON(sub)
}

// Pause handles POST /subscriptions/:id/pause.
func (h *SubscriptionsHandler) Pause(c *fiber.Ctx) error {
	return h.setStatus(c, models.SubscriptionPaused)
}

// Resume handles POST /subscriptions/:id/resume.
func (h *SubscriptionsHandler) Resume(c *fiber.Ctx) error {
	return h.setStatus(c, models.SubscriptionActive)
}

// Delete handles DELETE /subscriptions/:id. Soft delete: the row stays for
// delivery history integrity but is excluded from dispatch.
func (h *SubscriptionsHandler) Delete(c *fiber.Ctx) error {
	sub, ok := h.loadSubscription(c)
	if !ok {
		return nil
	}
	if err := h.DB.Delete(sub).Error; err != nil {
		h.Logger.Error("Failed to delete subscription", zap.Error(err))
		return internalError(c, "failed to delete subscription")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// RotateSecret handles POST /subscriptions/:id/rotate. The new secret is
// shown once in the response, together with the instant the previous secret
// stops verifying.
func (h *SubscriptionsHandler) RotateSecret(c *fiber.Ctx) error {
	sub, ok := h.loadSubscription(c)
	if !ok {
		return nil
	}

	result, err := h.Rotation.Rotate(c.Context(), sub.ID)
	if err != nil {
		h.Logger.Error("Failed to rotate secret",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return internalError(c, "failed to rotate secret")
	}
	return c.JSON(result)
}

type deliveryDTO struct {
	ID           string  `json:"id"`
	EventName    string  `json:"event_name"`
	Status       string  `json:"status"`
	Attempts     int     `json:"attempts"`
	ResponseCode *int    `json:"response_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	DeliveredAt  *string `json:"delivered_at,omitempty"`
	FailedAt     *string `json:"failed_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

type deliveriesResponse struct {
	Deliveries []deliveryDTO `json:"deliveries"`
	HasMore    bool          `json:"has_more"`
}

// Deliveries handles GET /subscriptions/:id/deliveries — the delivery
// history read interface for subscription owners.
func (h *SubscriptionsHandler) Deliveries(c *fiber.Ctx) error {
	sub, ok := h.loadSubscription(c)
	if !ok {
		return nil
	}
	limit, offset, pok := pagination(c)
	if !pok {
		return nil
	}

	var deliveries []models.Delivery
	err := h.DB.Where("subscription_id = ?", sub.ID).
		Order("created_at DESC").
		Limit(limit + 1).
		Offset(offset).
		Find(&deliveries).Error
	if err != nil {
		h.Logger.Error("Failed to list deliveries",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err),
		)
		return internalError(c, "failed to list deliveries")
	}

	hasMore := len(deliveries) > limit
	if hasMore {
		deliveries = deliveries[:limit]
	}

	dtos := make([]deliveryDTO, 0, len(deliveries))
	for _, d := range deliveries {
		dtos = append(dtos, deliveryDTO{
			ID:           d.ID.String(),
			EventName:    d.EventName,
			Status:       string(d.Status),
			Attempts:     d.Attempts,
			ResponseCode: d.ResponseCode,
			ErrorMessage: d.ErrorMessage,
			DeliveredAt:  rfc3339OrNil(d.DeliveredAt),
			FailedAt:     rfc3339OrNil(d.FailedAt),
			CreatedAt:    d.CreatedAt.UTC().Format(timeFormat),
		})
	}

	return c.JSON(deliveriesResponse{Deliveries: dtos, HasMore: hasMore})
}

func (h *SubscriptionsHandler) setStatus(c *fiber.Ctx, status models.SubscriptionStatus) error {
	sub, ok := h.loadSubscription(c)
	if !ok {
		return nil
	}
	err := h.DB.Model(sub).Updates(map[string]interface{}{"status": status}).Error
	if err != nil {
		h.Logger.Error("Failed to update subscription status", zap.Error(err))
		return internalError(c, "failed to update subscription")
	}
	sub.Status = status
	return c.JSON(sub)
}

// loadSubscription resolves the :id path parameter. When ok is false the
// error response has already been written.
func (h *SubscriptionsHandler) loadSubscription(c *fiber.Ctx) (*models.Subscription, bool) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		_ = badRequest(c, "id must be a valid UUID")
		return nil, false
	}

	var sub models.Subscription
	if err := h.DB.First(&sub, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			_ = c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "subscription not found",
			})
			return nil, false
		}
		h.Logger.Error("Failed to load subscription", zap.Error(err))
		_ = internalError(c, "failed to load subscription")
		return nil, false
	}
	return &sub, true
}

// validateEndpointURL enforces a well-formed absolute http(s) URL.
func validateEndpointURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("url must be a well-formed absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	return nil
}

// pagination parses limit/offset query parameters. When ok is false the
// error response has already been written.
func pagination(c *fiber.Ctx) (limit, offset int, ok bool) {
	limit = 25
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			_ = badRequest(c, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = parsed
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil || parsed < 0 {
			_ = badRequest(c, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func internalError(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": msg})
}
