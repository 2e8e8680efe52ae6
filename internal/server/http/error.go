package http

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ekisa-team/voxforge/internal/apperr"
)

// StatusFor returns the HTTP status for an error kind.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindMissingInput, apperr.KindValidation:
		return http.StatusUnprocessableEntity
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindLoad:
		return http.StatusBadGateway
	case apperr.KindCatalog:
		return http.StatusServiceUnavailable
	case apperr.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// toHumaError converts a service error into a problem response whose detail
// is the message meant for the user.
func toHumaError(err error) error {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "kind", kind, "error", err)
	} else {
		slog.Debug("Request rejected", "kind", kind, "error", err)
	}

	return huma.NewError(status, apperr.UserMessage(err), &huma.ErrorDetail{
		Location: "kind",
		Value:    string(kind),
		Message:  string(kind),
	})
}
