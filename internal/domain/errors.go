package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. The API layer maps
// each sentinel to a stable error code and HTTP status.

var (
	// Request validation errors
	ErrMissingAPIKey  = errors.New("api key header is missing")
	ErrInvalidAPIKey  = errors.New("api key does not match the project on record")
	ErrInvalidRequest = errors.New("request body is missing required fields or malformed")
	ErrRateLimited    = errors.New("api key exceeded its request rate limit")

	// Resolution errors
	ErrReferralNotFound        = errors.New("referral not found")
	ErrProjectNotFound         = errors.New("project not found")
	ErrConversionPointNotFound = errors.New("conversion point not found")
	ErrTrackingNotFound        = errors.New("tracking ID not found")
	ErrLinkNotFound            = errors.New("campaign link not found")
	ErrASPNotFound             = errors.New("asp not found")

	// Reward policy errors
	ErrInvalidRevenue    = errors.New("revenue is required for revenue-share conversion points")
	ErrNoAppropriateTier = errors.New("no tier matches the affiliate's conversion count")

	// Configuration errors
	ErrInvalidProject         = errors.New("project configuration is invalid")
	ErrInvalidConversionPoint = errors.New("conversion point configuration is invalid")
	ErrTieredWithReferral     = errors.New("tiered conversion points cannot be combined with referral-enabled projects")

	// Ledger errors
	ErrConversionExists = errors.New("conversion already recorded for this tracking ID")
)
