package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"vaultchat/internal/broadcast"
	"vaultchat/internal/domain"
	"vaultchat/internal/membership"
)

// requireAccountPrivilege resolves id's privilege in conversationID and
// checks it meets min, the common guard for every member/link management
// endpoint (spec §4.3's privilege matrix: add/remove/manage-links all
// require at least admin).
func (s *Server) requireAccountPrivilege(r *http.Request, id identity, conversationID string, min domain.Privilege) (domain.ConversationMember, error) {
	if !id.isAccount() {
		return domain.ConversationMember{}, errNotAuthenticated
	}
	priv, err := s.members.Privilege(r.Context(), conversationID, id.AccountID)
	if err != nil {
		return domain.ConversationMember{}, fmt.Errorf("%w: %v", errConversationMissing, err)
	}
	if !priv.Atleast(min) {
		return domain.ConversationMember{}, membership.ErrPrivilegeInsufficient
	}
	return domain.ConversationMember{AccountID: id.AccountID, Privilege: priv}, nil
}

// handleMemberAdd implements `POST /members/add` (spec §4.3 "Add member (no
// rotation)"). The caller has already wrapped the current epoch key for the
// target locally; this endpoint only inserts the resulting rows.
func (s *Server) handleMemberAdd(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	if _, err := s.requireAccountPrivilege(r, id, req.ConversationID, domain.PrivilegeAdmin); err != nil {
		writeError(w, err)
		return
	}

	pub, err := decodePublicKey(req.MemberPublicKey)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}
	wrappedKey, err := decodeBlob(req.WrappedKey)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}
	privilege := domain.Privilege(req.Privilege)

	wrap := domain.MemberWrap{
		MemberPublicKey:  pub,
		WrappedKey:       wrappedKey,
		Privilege:        privilege,
		VisibleFromEpoch: req.VisibleFromEpoch,
	}

	ctx := r.Context()
	if err := s.rotations.AddMember(ctx, req.ConversationID, wrap); err != nil {
		writeError(w, err)
		return
	}
	member, err := s.members.AddMember(ctx, req.ConversationID, req.TargetAccountID, wrap, privilege)
	if err != nil {
		writeError(w, err)
		return
	}

	s.broadcast.Publish(ctx, broadcast.NewMemberAdded(req.ConversationID, member.AccountID))
	writeJSON(w, http.StatusOK, memberResponse{MemberID: member.ID, AccountID: member.AccountID, Privilege: string(member.Privilege)})
}

// handleMemberRemove implements `POST /members/remove` (spec §4.3): lazy
// lockout now, rotation deferred to the next /rotation submission.
func (s *Server) handleMemberRemove(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req removeMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	actor, err := s.requireAccountPrivilege(r, id, req.ConversationID, domain.PrivilegeAdmin)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if err := s.members.RemoveMember(ctx, req.ConversationID, actor, req.TargetAccountID, req.TargetIsOwner); err != nil {
		writeError(w, err)
		return
	}

	s.broadcast.Publish(ctx, broadcast.NewMemberRemoved(req.ConversationID, req.TargetAccountID))
	s.broadcast.Publish(ctx, broadcast.NewRotationPending(req.ConversationID))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// handleMemberLeave implements `POST /members/leave` (spec §4.3 voluntary
// leave): same server effect as remove, self-initiated, no privilege
// check beyond being an active member.
func (s *Server) handleMemberLeave(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if !id.isAccount() {
		writeError(w, errNotAuthenticated)
		return
	}

	var req leaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	ctx := r.Context()
	if err := s.members.Leave(ctx, req.ConversationID, id.AccountID); err != nil {
		writeError(w, err)
		return
	}

	s.broadcast.Publish(ctx, broadcast.NewMemberRemoved(req.ConversationID, id.AccountID))
	s.broadcast.Publish(ctx, broadcast.NewRotationPending(req.ConversationID))
	writeJSON(w, http.StatusOK, map[string]bool{"left": true})
}

// handleLinkCreate implements `POST /links/create` (spec §4.7).
func (s *Server) handleLinkCreate(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req createLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	if _, err := s.requireAccountPrivilege(r, id, req.ConversationID, domain.PrivilegeAdmin); err != nil {
		writeError(w, err)
		return
	}

	pub, err := decodePublicKey(req.PublicKey)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	link, err := s.members.CreateLink(r.Context(), req.ConversationID, pub, domain.Privilege(req.Privilege))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{LinkID: link.ID, Privilege: string(link.Privilege)})
}

// handleLinkRevoke implements `POST /links/revoke` (spec §4.3: same lazy
// rotation trigger as member removal).
func (s *Server) handleLinkRevoke(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req revokeLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	if _, err := s.requireAccountPrivilege(r, id, req.ConversationID, domain.PrivilegeAdmin); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if err := s.members.RevokeLink(ctx, req.ConversationID, req.LinkID); err != nil {
		writeError(w, err)
		return
	}

	s.broadcast.Publish(ctx, broadcast.NewRotationPending(req.ConversationID))
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}
