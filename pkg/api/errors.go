package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/forgeworks/foundry/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP status and message.
func mapServiceError(err error) (int, string) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, validErr.Error()
	}
	if errors.Is(err, services.ErrNotFound) {
		return http.StatusNotFound, "resource not found"
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return http.StatusConflict, "resource already exists"
	}
	if errors.Is(err, services.ErrInvalidState) {
		return http.StatusConflict, err.Error()
	}
	if errors.Is(err, services.ErrConcurrentModification) {
		return http.StatusConflict, "concurrent modification, retry the request"
	}
	if errors.Is(err, services.ErrQueueFull) {
		return http.StatusTooManyRequests, "build queue is full, retry later"
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return http.StatusInternalServerError, "internal server error"
}
