package domain

import "errors"

var (
	ErrJobNotFound       = errors.New("deferred action not found")
	ErrAccountNotFound   = errors.New("external account not found")
	ErrInvalidActionType = errors.New("invalid action type")
	ErrCacheMiss         = errors.New("cache miss")
)
