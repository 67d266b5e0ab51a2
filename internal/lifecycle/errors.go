package lifecycle

import "errors"

var (
	ErrInvalidStatus     = errors.New("invalid lead status")
	ErrInvalidTransition = errors.New("lead status transition not allowed")
	ErrEmptyWrite        = errors.New("no writable fields")
	ErrLeadRequired      = errors.New("lead_id is required")
	ErrLeadNotFound      = errors.New("lead not found")
	ErrDealExists        = errors.New("lead already has a live deal")
)
