package service

import "errors"

var (
	// ErrValidation marks malformed operator or device input.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is the single answer for missing, unknown or inactive device tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidCode is returned when a registration code matches no administrator.
	ErrInvalidCode = errors.New("invalid administrator code")

	ErrDeviceNotFound  = errors.New("device not found")
	ErrCommandNotFound = errors.New("command not found")

	// ErrDeviceInactive rejects dispatch to a revoked device.
	ErrDeviceInactive = errors.New("device inactive")
)
