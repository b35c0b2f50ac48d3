package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/logging"
	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/pipeline"
	"github.com/shelfscan/api/internal/service"
	"github.com/shelfscan/api/internal/store"
	"github.com/shelfscan/api/pkg/response"
)

// StatusClientClosedRequest is returned when a synchronous identification is
// cancelled before it finishes.
const StatusClientClosedRequest = 499

// imageFields are the multipart field names accepted for images
var imageFields = []string{"images[]", "images", "image"}

type IdentifyHandler struct {
	service   *service.IdentifyService
	validator *validator.Validate
	timeout   time.Duration
	logger    *zap.Logger
}

// NewIdentifyHandler creates the job and identify handlers. timeout bounds a
// synchronous identification; zero means no bound.
func NewIdentifyHandler(svc *service.IdentifyService, v *validator.Validate, timeout time.Duration, logger *zap.Logger) *IdentifyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentifyHandler{
		service:   svc,
		validator: v,
		timeout:   timeout,
		logger:    logger,
	}
}

// Submit handles POST /api/jobs
func (h *IdentifyHandler) Submit(c *fiber.Ctx) error {
	sub, ferr := h.parseSubmission(c)
	if ferr != nil {
		return response.ValidationError(c, ferr.message, ferr.details)
	}

	job, err := h.service.Submit(c.UserContext(), sub)
	if err != nil {
		var perr *pipeline.Error
		switch {
		case errors.As(err, &perr):
			return response.Error(c, StatusForCode(perr.Code), string(perr.Code), perr.Message, nil)
		case errors.Is(err, service.ErrEnqueue):
			return response.QueueUnavailable(c, "Job stored but not queued; it will be resumed")
		default:
			h.logger.Error("job submission failed", zap.Error(err))
			return response.ServiceError(c, "Failed to submit job")
		}
	}

	return response.Accepted(c, model.JobSubmitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

// Status handles GET /api/jobs/:jobId
func (h *IdentifyHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.Status(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		h.logger.Error("job lookup failed", zap.String(logging.FieldJobID, jobID), zap.Error(err))
		return response.ServiceError(c, "Failed to load job")
	}

	return response.OK(c, model.NewJobStatusResponse(job))
}

// Identify handles POST /api/identify
func (h *IdentifyHandler) Identify(c *fiber.Ctx) error {
	sub, ferr := h.parseSubmission(c)
	if ferr != nil {
		return response.ValidationError(c, ferr.message, ferr.details)
	}

	ctx := c.UserContext()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.service.Identify(ctx, sub)
	if err != nil {
		perr := pipeline.AsError(err)
		if perr.Code == pipeline.CodeInternal {
			h.logger.Error("identification failed", zap.Error(err))
		}
		return c.Status(StatusForCode(perr.Code)).JSON(model.IdentifyErrorResponse{
			OK: false,
			Error: model.IdentifyError{
				Code:      string(perr.Code),
				Message:   perr.Error(),
				ModelUsed: perr.ModelUsed,
				Trace:     perr.Trace,
			},
		})
	}

	trace := result.Trace
	if trace == nil {
		trace = []model.ToolCallRecord{}
	}
	return response.OK(c, model.IdentifyResponse{
		OK:        true,
		Products:  result.Bundle.Products,
		Hints:     result.Bundle.Hints,
		Trace:     trace,
		ModelUsed: result.ModelUsed,
	})
}

type formError struct {
	message string
	details interface{}
}

// parseSubmission reads and validates the multipart form.
func (h *IdentifyHandler) parseSubmission(c *fiber.Ctx) (*service.Submission, *formError) {
	var form model.IdentifyForm
	if err := c.BodyParser(&form); err != nil {
		return nil, &formError{message: "Invalid form body"}
	}
	form.Barcodes = strings.TrimSpace(form.Barcodes)

	if err := h.validator.Struct(&form); err != nil {
		return nil, &formError{message: "Validation failed", details: formatValidationErrors(err)}
	}

	var files []*multipart.FileHeader
	if strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm) {
		mf, err := c.MultipartForm()
		if err != nil {
			return nil, &formError{message: "Invalid multipart form"}
		}
		for _, field := range imageFields {
			files = append(files, mf.File[field]...)
		}
	}

	if form.Barcodes == "" && len(files) == 0 {
		return nil, &formError{message: "At least one image or barcode is required"}
	}

	sub := &service.Submission{
		Barcodes: form.Barcodes,
		Locale:   form.Locale,
		Model:    form.Model,
		Images:   make([]service.ImageUpload, 0, len(files)),
	}
	for _, fh := range files {
		data, err := readFile(fh)
		if err != nil {
			return nil, &formError{message: fmt.Sprintf("Unreadable image %q", fh.Filename)}
		}
		sub.Images = append(sub.Images, service.ImageUpload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get(fiber.HeaderContentType),
			Data:        data,
		})
	}
	return sub, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// StatusForCode maps pipeline error codes onto HTTP statuses.
func StatusForCode(code pipeline.Code) int {
	switch code {
	case pipeline.CodeBarcodeLimitExceeded:
		return fiber.StatusBadRequest
	case pipeline.CodeImagePayloadTooLarge:
		return fiber.StatusRequestEntityTooLarge
	case pipeline.CodeIterationExceeded, pipeline.CodeTransientProvider:
		return fiber.StatusServiceUnavailable
	case pipeline.CodeProvider, pipeline.CodeUnrecognizedResultShape:
		return fiber.StatusBadGateway
	case pipeline.CodeCancelled:
		return StatusClientClosedRequest
	default:
		return fiber.StatusInternalServerError
	}
}
