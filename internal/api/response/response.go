package response

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofiber/fiber/v2"

	"github.com/nkkko/alarmd/internal/api/errors"
)

// Response represents a standardized API response
type Response struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     any    `json:"error,omitempty"`
	Meta      any    `json:"meta,omitempty"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	WithMeta(w, r, statusCode, data, nil)
}

// WithMeta adds metadata to a successful response
func WithMeta(w http.ResponseWriter, r *http.Request, statusCode int, data any, meta any) {
	sendJSON(w, statusCode, Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: middleware.GetReqID(r.Context()),
		Data:      data,
		Meta:      meta,
	})
}

// Error sends an error response
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.GetReqID(r.Context())
	apiErr := errors.FromError(err).WithRequestID(requestID)

	sendJSON(w, apiErr.HTTPCode, Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"success":false,"error":{"type":"internal","code":"json_encode_error","message":"Failed to encode JSON response"}}`, http.StatusInternalServerError)
	}
}

// FiberJSON sends a JSON response on a fiber request
func FiberJSON(c *fiber.Ctx, statusCode int, data any) error {
	requestID, _ := c.Locals("requestid").(string)
	return c.Status(statusCode).JSON(Response{
		Success:   statusCode >= 200 && statusCode < 300,
		RequestID: requestID,
		Data:      data,
	})
}

// FiberError sends an error response on a fiber request
func FiberError(c *fiber.Ctx, err error) error {
	requestID, _ := c.Locals("requestid").(string)
	apiErr := errors.FromError(err).WithRequestID(requestID)

	return c.Status(apiErr.HTTPCode).JSON(Response{
		Success:   false,
		RequestID: requestID,
		Error:     apiErr,
	})
}
