package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so services can translate them into domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: optimistic version check failed on save
// - ErrExpired: one-time code has passed its TTL
// - ErrAlreadyUsed: one-time code already consumed
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrThrottled: issuance rate limit hit
// - ErrUnavailable: service or resource temporarily unavailable
//
// For validation errors (bad input, missing fields), use pkg/domainerrors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrThrottled    = errors.New("throttled")
	ErrUnavailable  = errors.New("unavailable")
)
