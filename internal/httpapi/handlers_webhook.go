package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleWebhookPayment implements `POST /webhooks/payment` (spec §6): an
// external payment processor callback carrying only {type, id}, no
// amount or wallet. internal/payments resolves the rest and handles its
// own idempotency and bounded retries (spec §7's "webhook errors ->
// retry-tolerant" policy), so this handler's only job is to decode the
// envelope and surface whatever error, if any, survives those retries.
// Unauthenticated by design: the processor is the caller, not an account
// or link guest, so no identity middleware applies here.
func (s *Server) handleWebhookPayment(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), req.Type, req.ID); err != nil {
		s.logger.WithError(err).WithField("transaction_id", req.ID).Error("webhook: failed to process payment")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}
