package auth

import "errors"

var (
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	ErrSubscriptionDenied   = errors.New("auth: subscription denied")
	ErrNotFound             = errors.New("auth: not found")
	ErrInvalidInput         = errors.New("auth: invalid input")
)
