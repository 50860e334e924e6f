package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"brify/api/internal/auth"
	"brify/api/internal/drivesync"
)

// DomainError is an error with a ready-made HTTP response.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var configErr *drivesync.ConfigError
	if errors.As(err, &configErr) {
		if errors.Is(err, drivesync.ErrMissingCredentials) {
			return http.StatusUnprocessableEntity, "DRIVE_NOT_CONNECTED", "Drive is not connected for this account", nil
		}
		return http.StatusUnprocessableEntity, "SYNC_CONFIG", configErr.Error(), map[string]any{"reason": configErr.Reason}
	}
	switch {
	case errors.Is(err, drivesync.ErrBusy):
		return http.StatusConflict, "SYNC_BUSY", "A sync run is already in progress", nil
	case errors.Is(err, drivesync.ErrNotReady):
		return http.StatusConflict, "SYNC_NOT_READY", "Initialize the sync service first", nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "SYNC_INTERRUPTED", "The sync run was interrupted", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
