package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
	"vaultchat/internal/epoch"
	"vaultchat/internal/membership"
)

// decodeRotationSubmission converts a rotationRequestBody into an
// epoch.RotationRequest, base64-decoding every key/blob field. Returns nil,
// nil for a request with no inline rotation (the common /stream case).
func decodeRotationSubmission(body *rotationRequestBody) (*epoch.RotationRequest, error) {
	if body == nil {
		return nil, nil
	}

	newEpochKey, err := decodePublicKey(body.NewEpochPublicKey)
	if err != nil {
		return nil, fmt.Errorf("newEpochPublicKey: %w", err)
	}
	confirmationHashRaw, err := base64.StdEncoding.DecodeString(body.ConfirmationHash)
	if err != nil {
		return nil, fmt.Errorf("confirmationHash: %w", err)
	}
	if len(confirmationHashRaw) != 32 {
		return nil, fmt.Errorf("confirmationHash must be 32 bytes, got %d", len(confirmationHashRaw))
	}
	var confirmationHash [32]byte
	copy(confirmationHash[:], confirmationHashRaw)

	chainLink, err := decodeBlob(body.ChainLink)
	if err != nil {
		return nil, fmt.Errorf("chainLink: %w", err)
	}
	encryptedTitle, err := decodeBlob(body.EncryptedTitle)
	if err != nil {
		return nil, fmt.Errorf("encryptedTitle: %w", err)
	}

	wraps := make([]domain.MemberWrap, 0, len(body.MemberWraps))
	for i, wb := range body.MemberWraps {
		pub, err := decodePublicKey(wb.MemberPublicKey)
		if err != nil {
			return nil, fmt.Errorf("memberWraps[%d].memberPublicKey: %w", i, err)
		}
		wrapped, err := decodeBlob(wb.WrappedKey)
		if err != nil {
			return nil, fmt.Errorf("memberWraps[%d].wrappedKey: %w", i, err)
		}
		wraps = append(wraps, domain.MemberWrap{
			MemberPublicKey: pub,
			WrappedKey:      wrapped,
			Privilege:       domain.Privilege(wb.Privilege),
		})
	}

	return &epoch.RotationRequest{
		ConversationID:    body.ConversationID,
		ExpectedEpoch:     body.ExpectedEpoch,
		NewEpochPublicKey: newEpochKey,
		ConfirmationHash:  confirmationHash,
		MemberWraps:       wraps,
		ChainLink:         chainLink,
		EncryptedTitle:    encryptedTitle,
		TitleLength:       len(encryptedTitle),
	}, nil
}

// handleRotation implements `POST /rotation` (spec §6): a standalone
// rotation submission not attached to an AI send. Any member with at least
// write privilege may submit a rotation (spec §4.3: "Rotate ✓ (piggyback on
// send)" for write, unconditionally for admin/owner) since rotation repairs
// a removal any active member can observe. An optional attached `message`
// is committed as a user-only message under the freshly rotated epoch.
func (s *Server) handleRotation(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())
	if !id.isAccount() {
		writeError(w, errNotAuthenticated)
		return
	}

	var body rotationRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	ctx := r.Context()
	priv, err := s.members.Privilege(ctx, body.ConversationID, id.AccountID)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errConversationMissing, err))
		return
	}
	if !priv.Atleast(domain.PrivilegeWrite) {
		writeError(w, membership.ErrPrivilegeInsufficient)
		return
	}

	req, err := decodeRotationSubmission(&body)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	expectedKeys, err := membership.ActiveWrapKeysForConversation(ctx, s.membership, body.ConversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	keySet := make(map[ecies.PublicKey]struct{}, len(expectedKeys))
	for m := range expectedKeys {
		keySet[m.PublicKey] = struct{}{}
	}

	result, err := s.rotations.Rotate(ctx, *req, keySet)
	if err != nil {
		writeError(w, err)
		return
	}

	if body.Message != nil {
		if _, err := s.pipeline.SendUserOnly(ctx, body.ConversationID, id.AccountID, "", []byte(body.Message.Content)); err != nil {
			s.logger.WithError(err).Error("rotation: failed to commit attached message")
		}
	}

	writeJSON(w, http.StatusOK, rotationResponse{NewEpochNumber: result.NewEpochNumber})
}
