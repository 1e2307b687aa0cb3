package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
)

const (
	dispatchPath      = "/v1/dispatch"
	emptyBatchMessage = "No pending notifications"
	corsAllowOrigin   = "*"
	corsAllowMethods  = "POST, OPTIONS"
	corsAllowHeaders  = "authorization, x-client-info, apikey, content-type"
	timestampLayout   = "2006-01-02T15:04:05.000Z07:00"
)

type BatchRunner interface {
	RunBatch(ctx context.Context, batchSize int) (*domain.RunSummary, error)
}

type DispatchHandler struct {
	runner    BatchRunner
	batchSize int
	now       func() time.Time
}

type dispatchResponse struct {
	Success   bool             `json:"success"`
	Message   string           `json:"message,omitempty"`
	Processed int              `json:"processed"`
	Results   []resultResponse `json:"results"`
	Timestamp string           `json:"timestamp"`
}

type resultResponse struct {
	NotificationID  string `json:"notification_id"`
	RecipientUserID string `json:"recipient_user_id"`
	TokensSent      int    `json:"tokens_sent"`
	TokensFailed    int    `json:"tokens_failed"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

func NewDispatchHandler(runner BatchRunner, batchSize int) (*DispatchHandler, error) {
	if runner == nil {
		return nil, fmt.Errorf("batch runner is required")
	}

	return &DispatchHandler{
		runner:    runner,
		batchSize: batchSize,
		now:       time.Now,
	}, nil
}

func RegisterDispatchRoutes(app fiber.Router, runner BatchRunner, batchSize int) error {
	h, err := NewDispatchHandler(runner, batchSize)
	if err != nil {
		return err
	}

	app.Post(dispatchPath, h.Dispatch)
	app.Options(dispatchPath, h.Preflight)
	return nil
}

// Dispatch runs one batch on demand. The request body is ignored.
func (h *DispatchHandler) Dispatch(c *fiber.Ctx) error {
	setCORSHeaders(c)

	summary, err := h.runner.RunBatch(c.UserContext(), h.batchSize)
	if err != nil {
		return err
	}

	resp := dispatchResponse{
		Success:   true,
		Processed: summary.Processed,
		Results:   make([]resultResponse, 0, len(summary.Results)),
		Timestamp: h.timestamp(summary.CompletedAt),
	}
	if summary.Processed == 0 {
		resp.Message = emptyBatchMessage
	}

	for _, result := range summary.Results {
		resp.Results = append(resp.Results, resultResponse{
			NotificationID:  result.NotificationID,
			RecipientUserID: result.RecipientID,
			TokensSent:      result.TokensSent,
			TokensFailed:    result.TokensFailed,
			Status:          result.Status.String(),
			Error:           result.Error,
		})
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *DispatchHandler) Preflight(c *fiber.Ctx) error {
	setCORSHeaders(c)
	return c.Status(fiber.StatusOK).SendString("ok")
}

func setCORSHeaders(c *fiber.Ctx) {
	c.Set(fiber.HeaderAccessControlAllowOrigin, corsAllowOrigin)
	c.Set(fiber.HeaderAccessControlAllowMethods, corsAllowMethods)
	c.Set(fiber.HeaderAccessControlAllowHeaders, corsAllowHeaders)
}

func (h *DispatchHandler) timestamp(completedAt time.Time) string {
	if completedAt.IsZero() {
		completedAt = h.now()
	}
	return completedAt.UTC().Format(timestampLayout)
}
