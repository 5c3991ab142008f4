package broadcast

import "vaultchat/internal/ports"

// Event kind constants for the table of events in spec §4.8.
const (
	KindMessageNew       = "message:new"
	KindMessageStream    = "message:stream"
	KindMessageComplete  = "message:complete"
	KindMessageError     = "message:error"
	KindMessageDeleted   = "message:deleted"
	KindMemberAdded      = "member:added"
	KindMemberRemoved    = "member:removed"
	KindRotationPending  = "rotation:pending"
	KindRotationComplete = "rotation:complete"
)

// MessageNewWithPreview is the payload for message:new on a user send: it
// carries the ephemeral plaintext preview the spec requires for synchronous
// UI, which is never persisted (spec §4.6 step 6).
type MessageNewWithPreview struct {
	UserMessageID    string
	ConversationID   string
	SenderID         string
	SenderType       string
	PlaintextPreview string
}

// MessageNewPersisted is the shape re-delivered to a subscriber who was not
// connected at send time but catches up via history replay: the same event
// kind, but carrying only durable fields (no plaintext, since it was never
// stored). Keeping both shapes under one event kind lets a single handler
// on the client distinguish "live preview" from "historical" by the
// presence of PlaintextPreview, matching the spec's description of
// message:new as carrying "plaintext content (user send only, ephemeral)".
type MessageNewPersisted struct {
	UserMessageID  string
	ConversationID string
	SenderID       string
	SenderType     string
}

// NewMessageWithPreview builds the live, plaintext-carrying message:new
// event dispatched at the start of a send (spec §4.6 step 6).
func NewMessageWithPreview(conversationID, userMessageID, senderID, senderType, preview string) ports.BroadcastEvent {
	return ports.BroadcastEvent{
		ConversationID: conversationID,
		Kind:           KindMessageNew,
		Payload: MessageNewWithPreview{
			UserMessageID:    userMessageID,
			ConversationID:   conversationID,
			SenderID:         senderID,
			SenderType:       senderType,
			PlaintextPreview: preview,
		},
	}
}

// NewMessagePersisted builds the plaintext-free message:new event used for
// any re-delivery path, so replay never reconstructs content that was
// deliberately never stored.
func NewMessagePersisted(conversationID, userMessageID, senderID, senderType string) ports.BroadcastEvent {
	return ports.BroadcastEvent{
		ConversationID: conversationID,
		Kind:           KindMessageNew,
		Payload: MessageNewPersisted{
			UserMessageID:  userMessageID,
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderType:     senderType,
		},
	}
}

// MessageStreamBatch is message:stream's payload (spec §4.6 step 8).
type MessageStreamBatch struct {
	AIMessageID string
	Tokens      string
}

func NewMessageStream(conversationID, aiMessageID, tokens string) ports.BroadcastEvent {
	return ports.BroadcastEvent{
		ConversationID: conversationID,
		Kind:           KindMessageStream,
		Payload:        MessageStreamBatch{AIMessageID: aiMessageID, Tokens: tokens},
	}
}

// MessageComplete is message:complete's payload (spec §4.6 step 11).
type MessageComplete struct {
	UserMessageID  string
	AIMessageID    string
	EpochNumber    int64
	UserSequence   int64
	AISequence     int64
	PayerAccountID string
	Cost           string
	UserBlob       []byte
	AIBlob         []byte
}

func NewMessageComplete(conversationID string, payload MessageComplete) ports.BroadcastEvent {
	return ports.BroadcastEvent{ConversationID: conversationID, Kind: KindMessageComplete, Payload: payload}
}

// MessageError is message:error's payload (spec §4.6 step 12, codes per §7).
type MessageError struct {
	Code    string
	Message string
}

func NewMessageError(conversationID, code, message string) ports.BroadcastEvent {
	return ports.BroadcastEvent{ConversationID: conversationID, Kind: KindMessageError, Payload: MessageError{Code: code, Message: message}}
}

func NewMessageDeleted(conversationID, messageID string) ports.BroadcastEvent {
	return ports.BroadcastEvent{ConversationID: conversationID, Kind: KindMessageDeleted, Payload: messageID}
}

func NewMemberAdded(conversationID, memberRef string) ports.BroadcastEvent {
	return ports.BroadcastEvent{ConversationID: conversationID, Kind: KindMemberAdded, Payload: memberRef}
}

func NewMemberRemoved(conversationID, memberRef string) ports.BroadcastEvent {
	return ports.BroadcastEvent{ConversationID: conversationID, Kind: KindMemberRemoved, Payload: memberRef}
}

func NewRotationPending(conversationID string) ports.BroadcastEvent {
	return ports.BroadcastEvent{ConversationID: conversationID, Kind: KindRotationPending, Payload: conversationID}
}

func NewRotationComplete(conversationID string, newEpochNumber int64) ports.BroadcastEvent {
	return ports.BroadcastEvent{ConversationID: conversationID, Kind: KindRotationComplete, Payload: newEpochNumber}
}
