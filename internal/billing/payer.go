package billing

import (
	"context"
	"errors"
	"fmt"

	"vaultchat/internal/domain"
	"vaultchat/internal/money"
	"vaultchat/internal/ports"
)

// ErrBudgetExhausted is returned by ResolvePayer when a non-owner, non-account
// principal (a link guest) has no remaining owner-covered budget (spec §4.5
// payer-resolution pseudocode, final else branch).
var ErrBudgetExhausted = errors.New("billing: budget exhausted")

// PayerResolution is the outcome of ResolvePayer: who pays, whether the
// owner's group budget absorbs the cost, and the bookkeeping increments the
// caller must apply after a successful debit.
type PayerResolution struct {
	PayerAccountID        string
	OwnerCovered          bool
	IncrementMemberSpend  bool
	IncrementConvSpending bool
}

// ResolvePayer implements spec §4.5's payer-resolution pseudocode exactly.
// senderID is the authenticated account sending the message, or "" for an
// anonymous link guest. The conversation owner is conv.OwnerID.
func ResolvePayer(ctx context.Context, conv domain.Conversation, senderID string, senderIsAccount bool, memberBudget domain.MemberBudget, spending domain.ConversationSpending, cost money.Amount) (PayerResolution, error) {
	if senderID == conv.OwnerID {
		return PayerResolution{PayerAccountID: conv.OwnerID, OwnerCovered: false}, nil
	}

	budget := money.Zero
	if conv.PerPersonBudget != nil {
		budget = *conv.PerPersonBudget
	} else {
		budget = memberBudget.Budget
	}
	spent := memberBudget.Spent

	withinConvCap := conv.ConversationBudget == nil || spending.TotalSpent.Cmp(*conv.ConversationBudget) < 0

	if budget.Cmp(spent) > 0 && withinConvCap {
		return PayerResolution{
			PayerAccountID:        conv.OwnerID,
			OwnerCovered:          true,
			IncrementMemberSpend:  true,
			IncrementConvSpending: true,
		}, nil
	}

	if senderIsAccount {
		return PayerResolution{PayerAccountID: senderID, OwnerCovered: false}, nil
	}

	return PayerResolution{}, fmt.Errorf("billing: resolve payer: %w", ErrBudgetExhausted)
}

// FundingAgreementResult is returned by CheckFundingAgreement.
type FundingAgreementResult string

const (
	// AgreementOK means the server's resolved payer matches the client's
	// declared funding source (or the server denies, which always wins).
	AgreementOK FundingAgreementResult = "ok"
	// AgreementMismatch is the billing-mismatch (409) case: server
	// resolution disagrees with the client's declaration and the server
	// would not deny the request.
	AgreementMismatch FundingAgreementResult = "mismatch"
)

// CheckFundingAgreement implements spec §4.5's client/server funding-source
// agreement check. denied must be true when the server's resolution would
// reject the request for insufficient funds — that case always reports OK
// here because the caller translates denial into `premium-requires-balance`
// (402) regardless of this check's outcome (denial takes priority).
// debitedWalletType is the type of wallet the actual debit landed on for a
// self-pay (owner paying for themselves, or a non-owner falling back to
// self-pay); it distinguishes `personal_balance` from `free_allowance`,
// which OwnerCovered alone cannot.
func CheckFundingAgreement(declared domain.FundingSource, resolution PayerResolution, debitedWalletType domain.WalletType, denied bool) FundingAgreementResult {
	if denied {
		return AgreementOK
	}
	if declared == ResolveFundingSource(resolution, debitedWalletType) {
		return AgreementOK
	}
	return AgreementMismatch
}

// ResolveFundingSource maps a payer resolution plus the type of wallet the
// debit actually (or predictably) lands on to one of the three declared
// funding sources of spec §4.5/GLOSSARY. Exported so callers needing the
// server's resolved source for a `billing-mismatch` error's Details field
// (internal/streampipeline) don't have to duplicate this switch.
func ResolveFundingSource(resolution PayerResolution, debitedWalletType domain.WalletType) domain.FundingSource {
	switch {
	case resolution.OwnerCovered:
		return domain.FundingOwnerBalance
	case debitedWalletType == domain.WalletFreeTier:
		return domain.FundingFreeAllowance
	default:
		return domain.FundingPersonalBalance
	}
}

// ApplyBookkeeping applies the member-spend and conversation-spending
// increments a successful owner-covered debit requires, per spec §4.5 ("
// conversationSpending.totalSpent only counts owner-covered spend on behalf
// of others").
func ApplyBookkeeping(ctx context.Context, store ports.MembershipStore, conversationID, accountID string, resolution PayerResolution, cost money.Amount) error {
	if !resolution.OwnerCovered {
		return nil
	}
	if resolution.IncrementMemberSpend {
		if err := store.IncrementMemberSpend(ctx, conversationID, accountID, int64(cost)); err != nil {
			return fmt.Errorf("billing: apply bookkeeping: increment member spend: %w", err)
		}
	}
	if resolution.IncrementConvSpending {
		if err := store.IncrementConversationSpend(ctx, conversationID, int64(cost)); err != nil {
			return fmt.Errorf("billing: apply bookkeeping: increment conversation spend: %w", err)
		}
	}
	return nil
}
