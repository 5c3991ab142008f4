package httpapi

import (
	"encoding/base64"
	"fmt"

	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
)

// decodePublicKey parses a base64-encoded 32-byte X25519 public key as
// carried on the wire (spec §6 request bodies reference raw key material;
// JSON has no byte-array type, so every key/blob field here is base64).
func decodePublicKey(s string) (ecies.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ecies.PublicKey{}, fmt.Errorf("httpapi: decode public key: %w", err)
	}
	if len(raw) != len(ecies.PublicKey{}) {
		return ecies.PublicKey{}, fmt.Errorf("httpapi: public key must be %d bytes, got %d", len(ecies.PublicKey{}), len(raw))
	}
	var pk ecies.PublicKey
	copy(pk[:], raw)
	return pk, nil
}

func decodeBlob(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("httpapi: decode blob: %w", err)
	}
	return raw, nil
}

// streamUserMessage is /stream's nested userMessage object.
type streamUserMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// streamInferenceMessage is one entry of /stream's messagesForInference,
// the plaintext context sent to the provider (spec §4.6 step 7's accepted
// E2EE exception).
type streamInferenceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamRequest is /stream's request body (spec §6).
type streamRequest struct {
	ConversationID       string                   `json:"conversationId"`
	Model                string                   `json:"model"`
	UserMessage          streamUserMessage        `json:"userMessage"`
	MessagesForInference []streamInferenceMessage `json:"messagesForInference"`
	FundingSource        domain.FundingSource     `json:"fundingSource"`
	Rotation             *rotationRequestBody     `json:"rotation,omitempty"`
}

// messageRequest is /message's request body.
type messageRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
}

// messageResponse is /message's and /stream's user-message acknowledgment
// shape (spec §6: "{messageId, sequenceNumber, epochNumber}").
type messageResponse struct {
	MessageID      string `json:"messageId"`
	SequenceNumber int64  `json:"sequenceNumber"`
	EpochNumber    int64  `json:"epochNumber"`
}

// memberWrapBody is one entry of a rotation submission's memberWraps list.
type memberWrapBody struct {
	MemberPublicKey string `json:"memberPublicKey"`
	WrappedKey      string `json:"wrappedKey"`
	Privilege       string `json:"privilege"`
}

// rotationRequestBody is /rotation's request body, and /stream's optional
// inline rotation payload (spec §4.2/§4.6 step 3).
type rotationRequestBody struct {
	ConversationID    string           `json:"conversationId"`
	ExpectedEpoch     int64            `json:"expectedEpoch"`
	NewEpochPublicKey string           `json:"newEpochPublicKey"`
	ConfirmationHash  string           `json:"confirmationHash"`
	MemberWraps       []memberWrapBody `json:"memberWraps"`
	ChainLink         string           `json:"chainLink"`
	EncryptedTitle    string           `json:"encryptedTitle,omitempty"`
	Message           *messageRequest  `json:"message,omitempty"`
}

// rotationResponse is /rotation's success body (spec §6: "{newEpochNumber}").
type rotationResponse struct {
	NewEpochNumber int64 `json:"newEpochNumber"`
}

// addMemberRequest is /members/add's request body (spec §4.3).
type addMemberRequest struct {
	ConversationID   string `json:"conversationId"`
	TargetAccountID  string `json:"targetAccountId"`
	MemberPublicKey  string `json:"memberPublicKey"`
	WrappedKey       string `json:"wrappedKey"`
	Privilege        string `json:"privilege"`
	VisibleFromEpoch int64  `json:"visibleFromEpoch"`
}

type memberResponse struct {
	MemberID  string `json:"memberId"`
	AccountID string `json:"accountId"`
	Privilege string `json:"privilege"`
}

// removeMemberRequest is /members/remove's request body.
type removeMemberRequest struct {
	ConversationID  string `json:"conversationId"`
	TargetAccountID string `json:"targetAccountId"`
	TargetIsOwner   bool   `json:"targetIsOwner"`
}

// leaveRequest is /members/leave's request body.
type leaveRequest struct {
	ConversationID string `json:"conversationId"`
}

// createLinkRequest is /links/create's request body.
type createLinkRequest struct {
	ConversationID string `json:"conversationId"`
	PublicKey      string `json:"publicKey"`
	Privilege      string `json:"privilege"`
}

type linkResponse struct {
	LinkID    string `json:"linkId"`
	Privilege string `json:"privilege"`
}

// revokeLinkRequest is /links/revoke's request body.
type revokeLinkRequest struct {
	ConversationID string `json:"conversationId"`
	LinkID         string `json:"linkId"`
}

// webhookRequest is /webhooks/payment's request body (spec §6:
// "{type, id}").
type webhookRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}
