package settlement

import (
	"errors"

	"github.com/mbd888/stakehold/internal/chain"
	"github.com/mbd888/stakehold/internal/custody"
	"github.com/mbd888/stakehold/internal/ledger"
	"github.com/mbd888/stakehold/internal/session"
)

// Failure classes returned by the engine. Callers match with errors.Is.
var (
	ErrNotFound           = session.ErrNotFound
	ErrInvalidParticipant = session.ErrInvalidParticipant
	ErrNotFunded          = session.ErrNotFunded
	ErrAlreadyResolved    = session.ErrAlreadyResolved
	ErrInvalidState       = session.ErrInvalidState
	ErrDecryptionFailed   = custody.ErrDecryptionFailed
	ErrInsufficientFunds  = chain.ErrInsufficientFunds
	ErrBroadcastFailed    = chain.ErrBroadcastFailed
	ErrAdapterUnavailable = chain.ErrUnavailable
	ErrPayoutInFlight     = ledger.ErrInFlight
	ErrClaimedElsewhere   = ledger.ErrOtherOrigin

	ErrInvalidRequest   = errors.New("settlement: invalid request")
	ErrUnsupportedChain = errors.New("settlement: chain not configured")
	ErrClaimedOnChain   = errors.New("settlement: recipient already claimed on chain")
)

// Outcome names the class of err for metrics and API responses.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "settled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidParticipant):
		return "invalid_participant"
	case errors.Is(err, ErrNotFunded):
		return "not_funded"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrBroadcastFailed):
		return "broadcast_failed"
	case errors.Is(err, ErrAdapterUnavailable):
		return "adapter_unavailable"
	case errors.Is(err, ErrPayoutInFlight):
		return "in_flight"
	case errors.Is(err, ErrClaimedOnChain):
		return "claimed_on_chain"
	case errors.Is(err, ErrClaimedElsewhere):
		return "claimed_elsewhere"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedChain):
		return "invalid_request"
	default:
		return "error"
	}
}

// retryable reports whether a failed payout should be retried without
// operator action.
func retryable(err error) bool {
	return chain.IsTransient(err) || errors.Is(err, ErrPayoutInFlight)
}

// publicError is the message stored on the session and returned over the
// API. Decryption failures get a fixed message.
func publicError(err error) string {
	if errors.Is(err, ErrDecryptionFailed) {
		return "escrow secret could not be decrypted"
	}
	return err.Error()
}
