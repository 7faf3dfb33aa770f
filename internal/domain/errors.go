package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidBotConfig   = errors.New("invalid bot configuration")
	ErrInsufficientSize   = errors.New("computed leg size rounds to zero")
	ErrAuth               = errors.New("authentication failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrNetwork            = errors.New("network failure, outcome unknown")
	ErrRejected           = errors.New("order rejected")
	ErrUnbalancedExposure = errors.New("one leg open and compensation failed")
	ErrClaimLost          = errors.New("bot claim lost to another opener")
	ErrLockHeld           = errors.New("lock already held")
)
