package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"vaultchat/internal/domain"
	"vaultchat/internal/membership"
)

// handleMessage implements `POST /message` (spec §6): a user-only send
// with no AI involvement, no billing, no LLM stream. Any member with at
// least write privilege may send.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	ctx := r.Context()
	senderID := id.AccountID
	display := ""
	if id.isAccount() {
		priv, err := s.members.Privilege(ctx, req.ConversationID, id.AccountID)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", errConversationMissing, err))
			return
		}
		if !priv.Atleast(domain.PrivilegeWrite) {
			writeError(w, membership.ErrPrivilegeInsufficient)
			return
		}
	} else if id.LinkID != "" {
		link, err := s.membership.Link(ctx, id.LinkID)
		if err != nil || !link.Active() || link.ConversationID != req.ConversationID {
			writeError(w, errConversationMissing)
			return
		}
		if !link.Privilege.Atleast(domain.PrivilegeWrite) {
			writeError(w, membership.ErrPrivilegeInsufficient)
			return
		}
		senderID = ""
		display = id.Display
	} else {
		writeError(w, errNotAuthenticated)
		return
	}

	msg, err := s.pipeline.SendUserOnly(ctx, req.ConversationID, senderID, display, []byte(req.Content))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{
		MessageID:      msg.ID,
		SequenceNumber: msg.SequenceNumber,
		EpochNumber:    msg.EpochNumber,
	})
}
