// Package streampipeline orchestrates spec §4.6's send protocol: the one
// operation that touches epoch, membership, wallet, billing, message, and
// broadcast atomically. Every other package in this module implements one
// bounded concern; this package is purely glue, sequencing calls into them
// in the order the protocol specifies and translating their sentinel
// errors into the outcomes spec §7 names.
package streampipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultchat/internal/billing"
	"vaultchat/internal/broadcast"
	"vaultchat/internal/domain"
	"vaultchat/internal/ecies"
	"vaultchat/internal/epoch"
	"vaultchat/internal/idgen"
	"vaultchat/internal/membership"
	"vaultchat/internal/message"
	"vaultchat/internal/money"
	"vaultchat/internal/ports"
	"vaultchat/internal/wallet"
)

// Sentinel/typed errors surfaced to internal/httpapi for translation into
// the API error envelope of spec §7.
var (
	ErrLastMessageNotUser = errors.New("streampipeline: last message in inference context is not from user")
	ErrRotationRequired   = errors.New("streampipeline: rotation required, client must submit rotation with retry")
	ErrBillingMismatch    = errors.New("streampipeline: client declared funding source disagrees with server resolution")
	ErrInsufficientFunds  = errors.New("streampipeline: insufficient funds for any payer")
	ErrBalanceReserved    = errors.New("streampipeline: reservation total exceeds available balance")
)

// RotationRequiredError carries the details spec §7's `rotation-required`
// response names: the epoch to rotate from and the pending removals a
// client-side rotation must account for.
type RotationRequiredError struct {
	CurrentEpoch      int64
	PendingRemovalIDs []string
}

func (e *RotationRequiredError) Error() string {
	return fmt.Sprintf("streampipeline: rotation required at epoch %d (%d pending removals)", e.CurrentEpoch, len(e.PendingRemovalIDs))
}
func (e *RotationRequiredError) Unwrap() error { return ErrRotationRequired }

// BillingMismatchError carries spec §7's `billing-mismatch` detail: the
// funding source the server actually resolved, so the client can retry
// declaring that source.
type BillingMismatchError struct {
	ServerResolution domain.FundingSource
}

func (e *BillingMismatchError) Error() string {
	return fmt.Sprintf("streampipeline: billing mismatch, server resolved %s", e.ServerResolution)
}
func (e *BillingMismatchError) Unwrap() error { return ErrBillingMismatch }

// StreamError carries the in-stream error codes of spec §7
// (`context-length-exceeded`, `stream-error`), already mapped from the
// underlying LLM error by classifyStreamErr.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string { return fmt.Sprintf("streampipeline: stream error (%s): %s", e.Code, e.Message) }

// SendRequest carries everything Send needs beyond what it can read from
// the stores themselves. The caller (internal/httpapi, internal/wsapi) is
// responsible for authentication and for resolving SenderPrivilege from
// either account membership or link-guest privilege (spec §4.7).
type SendRequest struct {
	ConversationID        string
	SenderAccountID       string // "" for an anonymous link guest
	SenderIsAccount       bool
	SenderDisplay         string // set for link guests
	SenderPrivilege       domain.Privilege
	ClientMessageID       string
	PlaintextPreview      string // shown synchronously per spec §4.6 step 6
	PlaintextForEpoch     []byte // re-encrypted under the epoch key on commit
	PromptForLLM          []byte // sent to the provider as-is (spec §4.6 step 7's accepted E2EE exception)
	Model                 string
	Provider              string
	DeclaredFundingSource domain.FundingSource
	LastMessageIsUser     bool
	RotationSubmission    *epoch.RotationRequest // set when the client submits an inline rotation per spec §4.2/§4.6 step 3
}

// SendResult is returned by Send on success.
type SendResult struct {
	UserMessage     domain.Message
	AIMessage       domain.Message
	RotationApplied *epoch.RotationResult // non-nil if an inline rotation was applied
}

// Config carries the tunables Send needs that are not injected as ports:
// the model pricing table, the dev/test pricing-mode flag, and the
// reservation/negative-floor constants of spec §4.4/§4.5.
type Config struct {
	Pricing                   map[string]billing.ModelPricing
	DevMode                   bool
	MaxOutputTokens           int
	MaxAllowedNegativeBalance money.Amount
	StreamBatchInterval       time.Duration // spec §4.6 step 8's "~100ms"
}

// Pipeline implements spec §4.6's Send protocol by sequencing calls into
// every other business-logic package. It holds no state of its own beyond
// its dependencies and Config.
type Pipeline struct {
	epochs        ports.EpochStore
	rotations     *epoch.Manager
	conversations ports.ConversationStore
	membershipSt  ports.MembershipStore
	wallets       *wallet.Service
	calculator    *billing.Calculator
	reserver      *billing.Reserver
	messages      *message.Store
	broadcaster   ports.Broadcaster
	llm           ports.LLMStreamer
	cfg           Config
}

// New constructs a Pipeline bound to the given collaborators. Privilege
// resolution (whether a principal is an active member/link holder with
// sufficient privilege) is the caller's responsibility (internal/httpapi,
// internal/wsapi, backed by internal/membership) — Send only enforces the
// already-resolved SenderPrivilege carried on SendRequest.
func New(
	epochs ports.EpochStore,
	rotations *epoch.Manager,
	conversations ports.ConversationStore,
	membershipSt ports.MembershipStore,
	wallets *wallet.Service,
	calculator *billing.Calculator,
	reserver *billing.Reserver,
	messages *message.Store,
	broadcaster ports.Broadcaster,
	llm ports.LLMStreamer,
	cfg Config,
) *Pipeline {
	return &Pipeline{
		epochs:        epochs,
		rotations:     rotations,
		conversations: conversations,
		membershipSt:  membershipSt,
		wallets:       wallets,
		calculator:    calculator,
		reserver:      reserver,
		messages:      messages,
		broadcaster:   broadcaster,
		llm:           llm,
		cfg:           cfg,
	}
}

type reservationHandle struct {
	single string
	group  [3]string
}

func (p *Pipeline) releaseReservation(ctx context.Context, h reservationHandle) {
	if h.single != "" {
		_ = p.reserver.Release(ctx, [3]string{h.single})
		return
	}
	if h.group != ([3]string{}) {
		_ = p.reserver.Release(ctx, h.group)
	}
}

// Send implements spec §4.6's twelve-step send protocol.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	if !req.LastMessageIsUser {
		return SendResult{}, ErrLastMessageNotUser
	}
	if !req.SenderPrivilege.Atleast(domain.PrivilegeWrite) {
		return SendResult{}, membership.ErrPrivilegeInsufficient
	}

	conv, err := p.conversations.Conversation(ctx, req.ConversationID)
	if err != nil {
		return SendResult{}, fmt.Errorf("streampipeline: send: fetch conversation: %w", err)
	}

	pricing := p.cfg.Pricing[req.Model]
	pessimisticCost := p.calculator.PessimisticMaxCost(pricing, len(req.PromptForLLM), p.cfg.MaxOutputTokens, p.cfg.MaxAllowedNegativeBalance)

	resolution, err := p.resolvePayer(ctx, conv, req)
	if err != nil {
		return SendResult{}, fmt.Errorf("streampipeline: send: %w", err)
	}

	allowNegativeFloor := resolution.PayerAccountID == conv.OwnerID

	predictedWalletType, predictErr := p.wallets.PredictWalletType(ctx, resolution.PayerAccountID, pessimisticCost, allowNegativeFloor)
	denied := errors.Is(predictErr, wallet.ErrInsufficientFunds)
	if predictErr != nil && !denied {
		return SendResult{}, fmt.Errorf("streampipeline: send: predict wallet: %w", predictErr)
	}
	if denied {
		return SendResult{}, ErrInsufficientFunds
	}

	agreement := billing.CheckFundingAgreement(req.DeclaredFundingSource, resolution, predictedWalletType, denied)
	if agreement == billing.AgreementMismatch {
		return SendResult{}, &BillingMismatchError{ServerResolution: billing.ResolveFundingSource(resolution, predictedWalletType)}
	}

	reservation, err := p.reserve(ctx, req, resolution, pessimisticCost)
	if err != nil {
		return SendResult{}, fmt.Errorf("streampipeline: send: %w", err)
	}

	var rotationResult *epoch.RotationResult
	if conv.RotationPending {
		if req.RotationSubmission == nil {
			p.releaseReservation(ctx, reservation)
			pending, err := p.membershipSt.PendingRemovals(ctx, req.ConversationID)
			if err != nil {
				return SendResult{}, fmt.Errorf("streampipeline: send: pending removals: %w", err)
			}
			ids := make([]string, len(pending))
			for i, pr := range pending {
				ids[i] = pr.ID
			}
			return SendResult{}, &RotationRequiredError{CurrentEpoch: conv.CurrentEpoch, PendingRemovalIDs: ids}
		}

		expectedMembers, err := membership.ActiveWrapKeysForConversation(ctx, p.membershipSt, req.ConversationID)
		if err != nil {
			p.releaseReservation(ctx, reservation)
			return SendResult{}, fmt.Errorf("streampipeline: send: active wrap keys: %w", err)
		}
		expectedKeys := make(map[ecies.PublicKey]struct{}, len(expectedMembers))
		for m := range expectedMembers {
			expectedKeys[m.PublicKey] = struct{}{}
		}

		result, err := p.rotations.Rotate(ctx, *req.RotationSubmission, expectedKeys)
		if err != nil {
			p.releaseReservation(ctx, reservation)
			return SendResult{}, fmt.Errorf("streampipeline: send: rotate: %w", err)
		}
		rotationResult = &result
		conv.CurrentEpoch = result.NewEpochNumber
		conv.RotationPending = false
		p.broadcaster.Publish(ctx, broadcast.NewRotationComplete(req.ConversationID, result.NewEpochNumber))
	}

	currentEpoch, err := p.epochs.LatestEpoch(ctx, req.ConversationID)
	if err != nil {
		p.releaseReservation(ctx, reservation)
		return SendResult{}, fmt.Errorf("streampipeline: send: fetch epoch: %w", err)
	}

	userSeq, err := p.conversations.NextSequenceNumber(ctx, req.ConversationID)
	if err != nil {
		p.releaseReservation(ctx, reservation)
		return SendResult{}, fmt.Errorf("streampipeline: send: assign user sequence: %w", err)
	}
	aiSeq, err := p.conversations.NextSequenceNumber(ctx, req.ConversationID)
	if err != nil {
		p.releaseReservation(ctx, reservation)
		return SendResult{}, fmt.Errorf("streampipeline: send: assign ai sequence: %w", err)
	}

	userMessageID := idgen.New()
	senderType := "user"
	p.broadcaster.Publish(ctx, broadcast.NewMessageWithPreview(req.ConversationID, userMessageID, req.SenderAccountID, senderType, req.PlaintextPreview))

	aiMessageID := idgen.New()
	outputText, usage, streamErr := p.runStream(ctx, req, aiMessageID)
	if streamErr != nil {
		p.releaseReservation(ctx, reservation)
		var se *StreamError
		if !errors.As(streamErr, &se) {
			se = &StreamError{Code: "stream-error", Message: streamErr.Error()}
		}
		p.broadcaster.Publish(ctx, broadcast.NewMessageError(req.ConversationID, se.Code, se.Message))
		return SendResult{}, streamErr
	}

	actualCost := p.computeCost(pricing, req.PromptForLLM, outputText, usage)

	userEnvelope, err := ecies.CompressEnvelope(req.PlaintextForEpoch)
	if err != nil {
		p.releaseReservation(ctx, reservation)
		return SendResult{}, fmt.Errorf("streampipeline: send: compress user message: %w", err)
	}
	userBlob, err := ecies.Encrypt(currentEpoch.PublicKey, userEnvelope)
	if err != nil {
		p.releaseReservation(ctx, reservation)
		return SendResult{}, fmt.Errorf("streampipeline: send: encrypt user message: %w", err)
	}
	aiEnvelope, err := ecies.CompressEnvelope([]byte(outputText))
	if err != nil {
		p.releaseReservation(ctx, reservation)
		return SendResult{}, fmt.Errorf("streampipeline: send: compress ai message: %w", err)
	}
	aiBlob, err := ecies.Encrypt(currentEpoch.PublicKey, aiEnvelope)
	if err != nil {
		p.releaseReservation(ctx, reservation)
		return SendResult{}, fmt.Errorf("streampipeline: send: encrypt ai message: %w", err)
	}

	// The wallet debit and the message-pair commit are each atomic within
	// their own store, but span two ports. A pebblestore implementation
	// backing both WalletStore and MessageStore from the same Pebble
	// instance can fold them into one physical batch; until then a commit
	// failure after a successful debit is a known gap logged by the
	// caller, not silently swallowed here.
	//
	// commitCtx drops the client's cancellation/deadline: once the LLM has
	// already been billed, a client disconnecting must not abort the debit
	// or the message commit, per spec §9's non-cancellable completion.
	commitCtx := context.WithoutCancel(ctx)

	usageRecordID := idgen.New()
	if _, err := p.wallets.Debit(commitCtx, resolution.PayerAccountID, actualCost, usageRecordID, allowNegativeFloor); err != nil {
		p.releaseReservation(ctx, reservation)
		p.broadcaster.Publish(ctx, broadcast.NewMessageError(req.ConversationID, "stream-error", "billing commit failed"))
		return SendResult{}, fmt.Errorf("streampipeline: send: debit: %w", err)
	}

	userMsg, aiMsg, err := p.messages.CommitPair(commitCtx, message.CommitPairInput{
		ClientMessageID: req.ClientMessageID,
		ConversationID:  req.ConversationID,
		UsageRecordID:   usageRecordID,
		UserMessageID:   userMessageID,
		AIMessageID:     aiMessageID,
		EpochNumber:     currentEpoch.Number,
		UserSequence:    userSeq,
		AISequence:      aiSeq,
		SenderAccountID: req.SenderAccountID,
		SenderDisplay:   req.SenderDisplay,
		PayerAccountID:  resolution.PayerAccountID,
		Cost:            actualCost,
		UserBlob:        userBlob,
		AIBlob:          aiBlob,
		InputTokens:     usage.InputTokens,
		OutputTokens:    usage.OutputTokens,
		Model:           req.Model,
		Provider:        req.Provider,
	})
	if err != nil {
		p.releaseReservation(ctx, reservation)
		p.broadcaster.Publish(ctx, broadcast.NewMessageError(req.ConversationID, "stream-error", "message commit failed"))
		return SendResult{}, fmt.Errorf("streampipeline: send: commit pair: %w", err)
	}

	if err := billing.ApplyBookkeeping(ctx, p.membershipSt, req.ConversationID, req.SenderAccountID, resolution, actualCost); err != nil {
		// Bookkeeping is best-effort accounting on top of an already
		// committed, already charged message; per spec §7 "errors after
		// commit never roll back the commit".
		p.broadcaster.Publish(ctx, broadcast.NewMessageError(req.ConversationID, "stream-error", "bookkeeping update failed"))
	}

	p.releaseReservation(ctx, reservation)

	p.broadcaster.Publish(ctx, broadcast.NewMessageComplete(req.ConversationID, broadcast.MessageComplete{
		UserMessageID:  userMsg.ID,
		AIMessageID:    aiMsg.ID,
		EpochNumber:    currentEpoch.Number,
		UserSequence:   userSeq,
		AISequence:     aiSeq,
		PayerAccountID: resolution.PayerAccountID,
		Cost:           actualCost.String(),
		UserBlob:       userBlob,
		AIBlob:         aiBlob,
	}))

	return SendResult{UserMessage: userMsg, AIMessage: aiMsg, RotationApplied: rotationResult}, nil
}

func (p *Pipeline) resolvePayer(ctx context.Context, conv domain.Conversation, req SendRequest) (billing.PayerResolution, error) {
	pricing := p.cfg.Pricing[req.Model]
	estCost := p.calculator.PessimisticMaxCost(pricing, len(req.PromptForLLM), p.cfg.MaxOutputTokens, p.cfg.MaxAllowedNegativeBalance)

	if req.SenderAccountID == conv.OwnerID {
		return billing.ResolvePayer(ctx, conv, req.SenderAccountID, req.SenderIsAccount, domain.MemberBudget{}, domain.ConversationSpending{}, estCost)
	}

	memberBudget, err := p.membershipSt.MemberBudget(ctx, req.ConversationID, req.SenderAccountID)
	if err != nil {
		return billing.PayerResolution{}, fmt.Errorf("member budget: %w", err)
	}
	spending, err := p.membershipSt.ConversationSpending(ctx, req.ConversationID)
	if err != nil {
		return billing.PayerResolution{}, fmt.Errorf("conversation spending: %w", err)
	}

	return billing.ResolvePayer(ctx, conv, req.SenderAccountID, req.SenderIsAccount, memberBudget, spending, estCost)
}

func (p *Pipeline) reserve(ctx context.Context, req SendRequest, resolution billing.PayerResolution, maxCost money.Amount) (reservationHandle, error) {
	if resolution.OwnerCovered {
		set := billing.ReservationSet{
			MemberKey:       "member:" + req.ConversationID + ":" + req.SenderAccountID,
			PayerKey:        "wallet-owner:" + resolution.PayerAccountID,
			ConversationKey: "conv:" + req.ConversationID,
		}
		ids, err := p.reserver.ReserveGroup(ctx, set, maxCost)
		if errors.Is(err, billing.ErrReservationDenied) {
			return reservationHandle{}, ErrBalanceReserved
		}
		if err != nil {
			return reservationHandle{}, err
		}
		return reservationHandle{group: ids}, nil
	}

	id, err := p.reserver.ReserveSingle(ctx, "wallet-owner:"+resolution.PayerAccountID, maxCost)
	if errors.Is(err, billing.ErrReservationDenied) {
		return reservationHandle{}, ErrBalanceReserved
	}
	if err != nil {
		return reservationHandle{}, err
	}
	return reservationHandle{single: id}, nil
}

type streamUsage struct {
	InputTokens  int
	OutputTokens int
}

// runStream consumes the LLM token channel, batch-emitting message:stream
// events every StreamBatchInterval (spec §4.6 step 8), and returns the full
// accumulated output text plus the provider's final usage counts.
func (p *Pipeline) runStream(ctx context.Context, req SendRequest, aiMessageID string) (string, streamUsage, error) {
	tokens, err := p.llm.Stream(ctx, req.Model, req.PromptForLLM)
	if err != nil {
		return "", streamUsage{}, &StreamError{Code: "stream-error", Message: err.Error()}
	}

	interval := p.cfg.StreamBatchInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var full strings.Builder
	var batch strings.Builder
	var usage streamUsage

	flush := func() {
		if batch.Len() == 0 {
			return
		}
		p.broadcaster.Publish(ctx, broadcast.NewMessageStream(req.ConversationID, aiMessageID, batch.String()))
		batch.Reset()
	}

	for {
		select {
		case <-ctx.Done():
			// Client disconnect mid-stream: spec §5 says cancellation is
			// detected between token reads, but the commit phase only
			// starts after the provider itself signals Done, so a
			// cancelled context here surfaces as a stream error and no
			// commit happens. A stream that already reached Done before
			// cancellation was observed takes the success path below.
			flush()
			return "", streamUsage{}, &StreamError{Code: "stream-error", Message: "client disconnected"}

		case tok, ok := <-tokens:
			if !ok {
				flush()
				return full.String(), usage, nil
			}
			if tok.Err != nil {
				flush()
				return "", streamUsage{}, classifyStreamErr(tok.Err)
			}
			full.WriteString(tok.Text)
			batch.WriteString(tok.Text)
			if tok.Done {
				usage.InputTokens = tok.InputTokens
				usage.OutputTokens = tok.OutputTokens
				flush()
				return full.String(), usage, nil
			}

		case <-ticker.C:
			flush()
		}
	}
}

func classifyStreamErr(err error) error {
	if strings.Contains(err.Error(), "context length") || strings.Contains(err.Error(), "context-length") {
		return &StreamError{Code: "context-length-exceeded", Message: err.Error()}
	}
	return &StreamError{Code: "stream-error", Message: err.Error()}
}

func (p *Pipeline) computeCost(pricing billing.ModelPricing, prompt []byte, output string, usage streamUsage) money.Amount {
	if p.cfg.DevMode {
		return p.calculator.CalculateDevEstimate(pricing, len(prompt), len(output))
	}
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		return p.calculator.CalculateAuthoritative(pricing, usage.InputTokens, usage.OutputTokens)
	}
	return p.calculator.CalculateTokenFallback(pricing, len(prompt)/4, len(output)/4)
}

// SendUserOnly implements spec §4.6's "User-only message path": a single
// sequence number, no AI reply, no billing, no LLM call.
func (p *Pipeline) SendUserOnly(ctx context.Context, conversationID, senderAccountID, senderDisplay string, plaintext []byte) (domain.Message, error) {
	currentEpoch, err := p.epochs.LatestEpoch(ctx, conversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("streampipeline: send user-only: fetch epoch: %w", err)
	}
	seq, err := p.conversations.NextSequenceNumber(ctx, conversationID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("streampipeline: send user-only: assign sequence: %w", err)
	}
	envelope, err := ecies.CompressEnvelope(plaintext)
	if err != nil {
		return domain.Message{}, fmt.Errorf("streampipeline: send user-only: compress: %w", err)
	}
	blob, err := ecies.Encrypt(currentEpoch.PublicKey, envelope)
	if err != nil {
		return domain.Message{}, fmt.Errorf("streampipeline: send user-only: encrypt: %w", err)
	}
	// Detached per spec §9's non-cancellable completion, matching Send's
	// commit boundary above.
	msg, err := p.messages.CommitUserOnly(context.WithoutCancel(ctx), conversationID, currentEpoch.Number, seq, senderAccountID, senderDisplay, blob)
	if err != nil {
		return domain.Message{}, fmt.Errorf("streampipeline: send user-only: commit: %w", err)
	}
	p.broadcaster.Publish(ctx, broadcast.NewMessagePersisted(conversationID, msg.ID, senderAccountID, "user"))
	return msg, nil
}
