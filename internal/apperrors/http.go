package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrChangeSetNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrChangeSetConflict):
		return http.StatusConflict
	case errors.Is(err, ErrActionTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrArtifactUnavailable), errors.Is(err, ErrActionExecutionFailed), errors.Is(err, ErrCancelled):
		// Run failures only reach a response as server-side errors.
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
