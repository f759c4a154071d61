package v1

import (
	"errors"
	"net/http"

	"github.com/fuse-drs/drs-provider/internal/service"
	"github.com/fuse-drs/drs-provider/pkg/requestid"
	"github.com/go-chi/render"
)

type ErrorResponse struct {
	Status    int    `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	render.Status(r, code)
	render.JSON(w, r, ErrorResponse{
		Status:    code,
		Message:   message,
		RequestID: requestid.FromRequest(r),
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		validationErr *service.ErrValidation
		notFoundErr   *service.ErrNotFound
		forbiddenErr  *service.ErrForbidden
		maxBytesErr   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &forbiddenErr):
		return http.StatusForbidden
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}
