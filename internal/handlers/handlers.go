// Package handlers provides the thin HTTP control surface: enqueue,
// cancel, resume-stuck, and status polling.
package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/checkpoint"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/pkg/logger"
)

// RequestStore is the subset of RequestRepository the control surface
// needs directly (Save/Load), kept narrow for fakeability in handler tests.
type RequestStore interface {
	Save(ctx context.Context, req *models.QuoteRequest) error
	Load(ctx context.Context, id string) (*models.QuoteRequest, error)
}

// Dispatch is called with a request after it has been saved. The dispatch
// cmd/api wires in only logs the event; a worker's claim loop picks the
// saved request up from the store. Tests can substitute a synchronous fake.
type Dispatch func(req *models.QuoteRequest)

// Handler holds the dependencies the control surface needs.
type Handler struct {
	store    RequestStore
	dispatch Dispatch
	log      *logger.Logger
}

// New builds a Handler.
func New(store RequestStore, dispatch Dispatch, log *logger.Logger) *Handler {
	return &Handler{store: store, dispatch: dispatch, log: log}
}

// enqueueBody is the request payload for POST /requests.
type enqueueBody struct {
	InputText string `json:"input_text"`
	Code      string `json:"code"`
	ProjectID string `json:"project_id"`
}

// Health reports liveness.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"service": "quote-pipeline-api",
	})
}

// Version reports the running build.
func (h *Handler) Version(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"version": "0.1.0",
		"service": "quote-pipeline-api",
	})
}

// Enqueue creates a new QuoteRequest at checkpoint INIT, saves it and passes
// it to Dispatch, returning its id immediately.
func (h *Handler) Enqueue(c *fiber.Ctx) error {
	var body enqueueBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if body.InputText == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "input_text is required"})
	}

	req := &models.QuoteRequest{
		ID:         uuid.NewString(),
		CreatedAt:  time.Now(),
		InputText:  body.InputText,
		Code:       body.Code,
		ProjectID:  body.ProjectID,
		Config:     models.DefaultConfig(),
		Status:     models.StatusProcessing,
		Checkpoint: models.CheckpointInit,
	}

	if err := h.store.Save(c.Context(), req); err != nil {
		h.log.Error("failed to persist new request", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to enqueue request"})
	}

	h.dispatch(req)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"quote_request_id": req.ID})
}

// Cancel sets status CANCELLED, honored at the orchestrator's next
// checkpoint boundary.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	id := c.Params("id")
	req, err := h.store.Load(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "request not found"})
	}

	req.Status = models.StatusCancelled
	if err := h.store.Save(c.Context(), req); err != nil {
		h.log.Error("failed to cancel request", "request_id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to cancel request"})
	}

	return c.JSON(fiber.Map{"status": "cancelled"})
}

// Resume triggers CheckpointManager's recovery path for one stuck request:
// it clears the stale worker claim and re-dispatches.
func (h *Handler) Resume(c *fiber.Ctx) error {
	id := c.Params("id")
	req, err := h.store.Load(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "request not found"})
	}
	if req.Status != models.StatusProcessing {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "request is not in a resumable state"})
	}

	req.WorkerID = ""
	req.Checkpoint = checkpoint.ResumePoint(req)
	if err := h.store.Save(c.Context(), req); err != nil {
		h.log.Error("failed to reset stuck request", "request_id", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to resume request"})
	}

	h.dispatch(req)
	return c.JSON(fiber.Map{"status": "resumed", "resume_point": string(req.Checkpoint)})
}

// Status reports a request's current checkpoint state, useful for polling
// clients driving the enqueue/cancel/resume surface above.
func (h *Handler) Status(c *fiber.Ctx) error {
	id := c.Params("id")
	req, err := h.store.Load(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "request not found"})
	}
	return c.JSON(fiber.Map{
		"id":            req.ID,
		"status":        req.Status,
		"checkpoint":    req.Checkpoint,
		"valor_min":     req.ValorMin.String(),
		"valor_max":     req.ValorMax.String(),
		"valor_avg":     req.ValorAvg.String(),
		"variation_pct": req.VariationPct.String(),
	})
}

// Register wires every route onto app. Grouped here rather than in main so
// handler tests can stand up the same route table.
func Register(app *fiber.App, h *Handler) {
	app.Get("/health", h.Health)
	app.Get("/version", h.Version)

	api := app.Group("/api/v1")
	api.Post("/requests", h.Enqueue)
	api.Get("/requests/:id", h.Status)
	api.Post("/requests/:id/cancel", h.Cancel)
	api.Post("/requests/:id/resume", h.Resume)
}
