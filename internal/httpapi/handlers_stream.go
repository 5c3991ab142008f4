package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"vaultchat/internal/broadcast"
	"vaultchat/internal/domain"
	"vaultchat/internal/idgen"
	"vaultchat/internal/ports"
	"vaultchat/internal/streampipeline"
)

// buildPrompt serializes messagesForInference into the opaque byte prompt
// internal/llm.LLMStreamer consumes, a plain "role: content" transcript
// since the wire format of the prompt is not normative (spec §6).
func buildPrompt(messages []streamInferenceMessage) []byte {
	var buf bytes.Buffer
	for _, m := range messages {
		buf.WriteString(m.Role)
		buf.WriteString(": ")
		buf.WriteString(m.Content)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func lastMessageIsUser(messages []streamInferenceMessage) bool {
	if len(messages) == 0 {
		return false
	}
	return messages[len(messages)-1].Role == "user"
}

// resolveSenderPrivilege resolves the caller's privilege for conversationID,
// covering both authenticated accounts (via internal/membership) and
// anonymous link guests (spec §4.7: link privilege is carried in the link
// row itself, not looked up per-account). The link-guest path loads the
// X-Link-Id header's link row through ports.MembershipStore.Link and
// rejects it unless the link is active and belongs to conversationID.
func (s *Server) resolveSenderPrivilege(r *http.Request, id identity, conversationID string) (domain.Privilege, string, bool, string, error) {
	ctx := r.Context()
	if id.isAccount() {
		priv, err := s.members.Privilege(ctx, conversationID, id.AccountID)
		if err != nil {
			return "", "", false, "", fmt.Errorf("%w: %v", errConversationMissing, err)
		}
		return priv, id.AccountID, true, "", nil
	}
	if id.LinkID != "" {
		link, err := s.membership.Link(ctx, id.LinkID)
		if err != nil {
			return "", "", false, "", fmt.Errorf("%w: %v", errConversationMissing, err)
		}
		if !link.Active() || link.ConversationID != conversationID {
			return "", "", false, "", errConversationMissing
		}
		return link.Privilege, "", false, id.Display, nil
	}
	return "", "", false, "", errNotAuthenticated
}

// handleStream implements `POST /stream` (spec §6): an SSE response whose
// headers are only written once the pipeline's broadcast of message:new
// proves the stream actually started, per §7's "errors before stream start
// -> HTTP status; errors after stream start -> SSE error event, HTTP 200"
// split. Subscribing before invoking Send means the first relayed event
// IS that proof, without threading any extra signal through Send's opaque
// synchronous call.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := identityFromContext(r.Context())

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	privilege, accountID, isAccount, display, err := s.resolveSenderPrivilege(r, id, req.ConversationID)
	if err != nil {
		writeError(w, err)
		return
	}

	rotation, err := decodeRotationSubmission(req.Rotation)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errMalformedRequest, err))
		return
	}

	subscriberID := idgen.New()
	events, unsubscribe := s.broadcast.Subscribe(req.ConversationID, subscriberID)
	defer unsubscribe()

	sendReq := streampipeline.SendRequest{
		ConversationID:        req.ConversationID,
		SenderAccountID:       accountID,
		SenderIsAccount:       isAccount,
		SenderDisplay:         display,
		SenderPrivilege:       privilege,
		ClientMessageID:       req.UserMessage.ID,
		PlaintextPreview:      req.UserMessage.Content,
		PlaintextForEpoch:     []byte(req.UserMessage.Content),
		PromptForLLM:          buildPrompt(req.MessagesForInference),
		Model:                 req.Model,
		DeclaredFundingSource: req.FundingSource,
		LastMessageIsUser:     lastMessageIsUser(req.MessagesForInference),
		RotationSubmission:    rotation,
	}

	done := make(chan error, 1)
	ctx := r.Context()
	go func() {
		_, sendErr := s.pipeline.Send(ctx, sendReq)
		done <- sendErr
	}()

	started := false
	for {
		select {
		case ev := <-events:
			if !started {
				started = true
				w.Header().Set("Content-Type", "text/event-stream")
				w.Header().Set("Cache-Control", "no-cache")
				w.Header().Set("Connection", "keep-alive")
				w.WriteHeader(http.StatusOK)
			}
			writeSSE(w, ev)
		case sendErr := <-done:
			if !started {
				if sendErr != nil {
					writeError(w, sendErr)
				} else {
					// Send completed without ever publishing — should not
					// happen for a well-formed pipeline, but avoid hanging
					// the connection open with no response written.
					writeJSON(w, http.StatusOK, map[string]any{"received": true})
				}
				return
			}
			// Stream already started: §7 says HTTP 200 already succeeded,
			// surface any failure as an in-stream error event instead.
			if sendErr != nil && !isPipelineTerminalEvent(sendErr) {
				code, msg := streamErrorCode(sendErr)
				writeSSE(w, broadcast.NewMessageError(req.ConversationID, code, msg))
			}
			drainRemaining(w, events)
			return
		case <-ctx.Done():
			return
		}
	}
}

// isPipelineTerminalEvent reports whether sendErr is nil or already
// surfaced to the client via the stream itself (message:complete was
// published, meaning Send succeeded and returned a nil error — this
// function only exists to make the success case explicit at the call
// site above).
func isPipelineTerminalEvent(sendErr error) bool { return sendErr == nil }

// drainRemaining relays any events still queued (e.g. a message:complete
// that raced the done signal) before closing the connection, so a client
// never misses the terminal event due to goroutine scheduling.
func drainRemaining(w http.ResponseWriter, events <-chan ports.BroadcastEvent) {
	for {
		select {
		case ev := <-events:
			writeSSE(w, ev)
		default:
			return
		}
	}
}

// sseKind maps a broadcast event kind to spec §6's SSE event type names
// (start, token, done, error); any other kind (member/rotation events
// reaching this subscription) is passed through under its own kind so a
// forward-compatible client can still see it.
func sseKind(kind string) string {
	switch kind {
	case broadcast.KindMessageNew:
		return "start"
	case broadcast.KindMessageStream:
		return "token"
	case broadcast.KindMessageComplete:
		return "done"
	case broadcast.KindMessageError:
		return "error"
	default:
		return kind
	}
}

func writeSSE(w http.ResponseWriter, ev ports.BroadcastEvent) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseKind(ev.Kind), payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
