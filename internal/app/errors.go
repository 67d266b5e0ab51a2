package app

import (
	"errors"
	"fmt"
	"net/http"

	"salescrm/api/internal/auth"
	"salescrm/api/internal/lifecycle"
	"salescrm/api/internal/store"
)

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

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func conflictError(message string, details any) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, details)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, lifecycle.ErrInvalidStatus),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrEmptyWrite),
		errors.Is(err, lifecycle.ErrLeadRequired),
		errors.Is(err, lifecycle.ErrLeadNotFound):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrInvalidReference):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Referenced record does not exist or value is out of range", nil
	case errors.Is(err, lifecycle.ErrDealExists):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflicting record already exists", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrRetryable):
		return http.StatusServiceUnavailable, "RETRYABLE", "Record is busy, retry the request", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// failureClass labels a failed write for the write_failures counter.
func failureClass(err error) string {
	status, _, _, _ := mapError(err)
	switch status {
	case http.StatusUnprocessableEntity:
		return "validation"
	case http.StatusConflict:
		return "conflict"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "retryable"
	default:
		return "internal"
	}
}
