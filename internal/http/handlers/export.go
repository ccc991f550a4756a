package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"diagram-export/internal/domain"
	"diagram-export/internal/infra/logging"
)

// Exporter renders HTML into a clipped screenshot.
type Exporter interface {
	Export(ctx context.Context, html string) (*domain.Result, error)
}

// ExportRequest is the JSON body of POST /export.
type ExportRequest struct {
	HTMLContent string `json:"htmlContent"`
}

// ExportResponse is the JSON body of a successful export.
type ExportResponse struct {
	Image string `json:"image"`
}

const (
	msgMissingContent = "No HTML content was provided."
	msgRenderFailed   = "Failed to generate the image on the server."
	msgBusy           = "Render capacity exhausted, retry later."
)

// ExportService serves POST /export.
type ExportService struct {
	exporter Exporter
}

func NewExportService(exporter Exporter) *ExportService {
	return &ExportService{exporter: exporter}
}

// HandleExport renders the submitted HTML and answers with the base64 image.
func (svc *ExportService) HandleExport(c *fiber.Ctx) error {
	requestID := c.GetRespHeader(fiber.HeaderXRequestID)
	logging.Info("Export request received", "request_id", requestID, "body_bytes", len(c.Body()))

	var req ExportRequest
	if c.Is("json") && len(c.Body()) > 0 {
		if err := c.App().Config().JSONDecoder(c.Body(), &req); err != nil {
			logging.Warn("Export request body is not valid JSON", "request_id", requestID, "error", err)
			return fiber.NewError(fiber.StatusBadRequest, msgMissingContent)
		}
	}

	start := time.Now()
	res, err := svc.exporter.Export(c.UserContext(), req.HTMLContent)
	if err != nil {
		return exportError(requestID, err)
	}

	logging.Info("Screenshot generated",
		"request_id", requestID,
		"width", res.Clip.Width,
		"height", res.Clip.Height,
		"image_bytes", len(res.Image),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return c.JSON(ExportResponse{Image: res.Image})
}

// exportError maps the domain taxonomy onto HTTP statuses.
func exportError(requestID string, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return fiber.NewError(fiber.StatusBadRequest, msgMissingContent)
	case errors.Is(err, domain.ErrBusy):
		logging.Warn("Export rejected", "request_id", requestID, "kind", "busy", "error", err)
		return fiber.NewError(fiber.StatusServiceUnavailable, msgBusy)
	case errors.Is(err, domain.ErrMissingRenderTarget):
		logging.Error("Export failed", "request_id", requestID, "kind", "missing_render_target", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	case errors.Is(err, domain.ErrRenderEngineFailure):
		logging.Error("Export failed", "request_id", requestID, "kind", "render_engine_failure", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, msgRenderFailed)
	default:
		logging.Error("Export failed", "request_id", requestID, "kind", "internal", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, msgRenderFailed)
	}
}
