package payment

import (
	"errors"

	"loopofwork/backend"
	"loopofwork/identity"
)

var (
	// ErrAuthenticationFailed is returned when the backend rejects a login.
	ErrAuthenticationFailed = identity.ErrAuthenticationFailed
	// ErrSessionInvalid is returned when the session token is no longer accepted.
	ErrSessionInvalid = identity.ErrSessionInvalid
	// ErrNetwork wraps transport failures. It is surfaced, not retried.
	ErrNetwork = backend.ErrNetwork
	// ErrNotFound is returned for unknown payment requests.
	ErrNotFound = backend.ErrNotFound

	// ErrDerivationFailed is returned when no sub-account handle can be built
	// for a nonce. There is no fallback to the main account.
	ErrDerivationFailed = errors.New("payment: derivation failed")
	// ErrPriceUnavailable is returned when no usable rate can be sampled.
	ErrPriceUnavailable = errors.New("payment: price unavailable")
	// ErrRedemptionRejected is returned when a discount redemption violates a
	// precondition or is refused by the backend.
	ErrRedemptionRejected = errors.New("payment: redemption rejected")
	// ErrClaimFailed marks a single deposit claim failure.
	ErrClaimFailed = errors.New("payment: claim failed")
	// ErrNotRemovable is returned when removing a settled or funded request.
	ErrNotRemovable = errors.New("payment: request not removable")
	// ErrAlreadySettled is returned when confirming a different settlement for
	// a settled request.
	ErrAlreadySettled = errors.New("payment: request already settled")
	// ErrInvalidRequest is returned for malformed request parameters.
	ErrInvalidRequest = errors.New("payment: invalid request")
	// ErrQuoteSuperseded is returned to a reader whose refresh was overtaken
	// by a newer one.
	ErrQuoteSuperseded = errors.New("payment: quote superseded")
	// ErrNoIssuerToken is returned when the merchant has not created a token.
	ErrNoIssuerToken = errors.New("payment: no issuer token")
	// ErrCancelled is returned when the wallet owner declined a transfer.
	// Callers treat it as a silent no-op.
	ErrCancelled = errors.New("payment: cancelled by wallet owner")
)
