package config

import "errors"

var (
	ErrMissingWorkerAddr    = errors.New("worker bind address is required")
	ErrInvalidCreditGrant   = errors.New("starting credit grant must be non-negative")
	ErrInvalidHeartbeat     = errors.New("heartbeat interval must be greater than 0")
	ErrInvalidMaxTimeout    = errors.New("max job timeout must be greater than 0")
	ErrInvalidRefundFraction = errors.New("timeout refund fraction must be between 0 and 1")
)
