// Package httpapi implements spec §6's REST surface over go-chi/chi/v5:
// /stream, /message, /rotation, /members/*, /links/*, and
// /webhooks/payment. Handlers translate every business-logic package's
// typed/sentinel errors into the §7 error taxonomy, following the
// teacher's controller shape (`json.Decode` request, call a service,
// `http.Error`/`json.Encode` response) from
// `walletserver/controllers/wallet_controller.go`.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"vaultchat/internal/epoch"
	"vaultchat/internal/membership"
	"vaultchat/internal/message"
	"vaultchat/internal/payments"
	"vaultchat/internal/streampipeline"
	"vaultchat/internal/wallet"
)

// apiError is the §6 error envelope: {code, message, details?}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errNotAuthenticated, errConversationMissing, errRateLimited and
// errMalformedRequest are the taxonomy kinds this package itself raises,
// rather than translating from a collaborator's error.
var (
	errNotAuthenticated    = errors.New("httpapi: not authenticated")
	errConversationMissing = errors.New("httpapi: conversation not found or not visible")
	errRateLimited         = errors.New("httpapi: rate limited")
	errMalformedRequest    = errors.New("httpapi: malformed request body")
)

// classify maps any error this package's handlers can produce to the §7
// (httpCode, apiError) pair. Unrecognized errors are treated as the
// "fatal" case §7 reserves for database integrity violations and crypto
// parse failures: logged by the caller and surfaced as 500.
func classify(err error) (int, apiError) {
	switch {
	case err == nil:
		return http.StatusOK, apiError{}

	case errors.Is(err, errNotAuthenticated):
		return http.StatusUnauthorized, apiError{Code: "not-authenticated", Message: err.Error()}
	case errors.Is(err, errConversationMissing):
		return http.StatusNotFound, apiError{Code: "conversation-not-found", Message: "conversation not found"}
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, apiError{Code: "rate-limited", Message: "too many requests"}
	case errors.Is(err, errMalformedRequest):
		return http.StatusBadRequest, apiError{Code: "malformed-request", Message: err.Error()}

	case errors.Is(err, streampipeline.ErrLastMessageNotUser):
		return http.StatusBadRequest, apiError{Code: "last-message-not-user", Message: "last message in inference context must be from the user"}
	case errors.Is(err, membership.ErrPrivilegeInsufficient):
		return http.StatusForbidden, apiError{Code: "privilege-insufficient", Message: "insufficient privilege for this operation"}
	case errors.Is(err, membership.ErrNotMember):
		return http.StatusNotFound, apiError{Code: "conversation-not-found", Message: "conversation not found"}
	case errors.Is(err, streampipeline.ErrInsufficientFunds), errors.Is(err, wallet.ErrInsufficientFunds):
		return http.StatusPaymentRequired, apiError{Code: "premium-requires-balance", Message: "insufficient balance and no alternative payer"}
	case errors.Is(err, streampipeline.ErrBalanceReserved):
		return http.StatusPaymentRequired, apiError{Code: "balance-reserved", Message: "reservation total exceeds available balance, retry later"}

	case errors.Is(err, streampipeline.ErrRotationRequired):
		var rotErr *streampipeline.RotationRequiredError
		details := any(nil)
		if errors.As(err, &rotErr) {
			details = map[string]any{
				"currentEpoch":      rotErr.CurrentEpoch,
				"pendingRemovalIds": rotErr.PendingRemovalIDs,
			}
		}
		return http.StatusConflict, apiError{Code: "rotation-required", Message: "conversation has pending removals, rotate and retry", Details: details}

	case errors.Is(err, streampipeline.ErrBillingMismatch):
		var mismatch *streampipeline.BillingMismatchError
		details := any(nil)
		if errors.As(err, &mismatch) {
			details = map[string]any{"serverResolution": mismatch.ServerResolution}
		}
		return http.StatusConflict, apiError{Code: "billing-mismatch", Message: "declared funding source disagrees with server resolution", Details: details}

	case errors.Is(err, epoch.ErrStaleEpoch):
		return http.StatusConflict, apiError{Code: "stale-epoch", Message: "submitted epoch is no longer current"}
	case errors.Is(err, epoch.ErrWrapSetMismatch):
		return http.StatusBadRequest, apiError{Code: "wrap-set-mismatch", Message: "rotation wraps do not cover the remaining membership"}

	case errors.Is(err, membership.ErrAlreadyMember):
		return http.StatusConflict, apiError{Code: "already-member", Message: "target is already an active member"}
	case errors.Is(err, membership.ErrCannotRemoveOwner):
		return http.StatusForbidden, apiError{Code: "cannot-remove-owner", Message: "cannot remove the conversation owner"}
	case errors.Is(err, membership.ErrCannotRemoveSelf):
		return http.StatusForbidden, apiError{Code: "cannot-remove-self", Message: "use the leave endpoint to remove yourself"}

	case errors.Is(err, message.ErrDuplicateClientMessage):
		return http.StatusConflict, apiError{Code: "duplicate-message", Message: "a message with this client id was already committed"}

	case errors.Is(err, payments.ErrTransactionNotFound):
		// Exhausted internal/payments's bounded retries without the
		// processor ever recognizing the transaction: §7 treats this as
		// the fatal case, surfaced as 500 rather than a client error since
		// the client did not cause it.
		return http.StatusInternalServerError, apiError{Code: "internal", Message: "payment transaction could not be resolved"}

	default:
		return http.StatusInternalServerError, apiError{Code: "internal", Message: "internal error"}
	}
}

// writeError writes the §6 error envelope for err at the status classify
// resolves it to.
func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	writeJSON(w, status, body)
}

// writeJSON encodes v as the response body with the given status, matching
// the teacher's `json.NewEncoder(w).Encode(...)` controller idiom.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// streamErrorCode maps a *streampipeline.StreamError's Code field straight
// through: it is already one of §7's in-stream codes
// (context-length-exceeded, stream-error).
func streamErrorCode(err error) (code, message string) {
	var streamErr *streampipeline.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Code, streamErr.Message
	}
	return "stream-error", err.Error()
}
