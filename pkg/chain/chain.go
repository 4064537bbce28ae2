// Package chain defines the ledger adapter contracts consumed by the
// monitor and the executor. Everything specific to talking to a concrete
// chain lives behind these interfaces.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies the source-chain occurrence requiring settlement.
type EventKind string

const (
	KindDeposit           EventKind = "deposit"
	KindBurnForWithdrawal EventKind = "burn_for_withdrawal"
)

// Payload carries the semantic fields needed to settle an event.
// Amounts are integral base units, never floating point.
type Payload struct {
	Beneficiary string          `validate:"required"`
	Amount      decimal.Decimal `validate:"required"`
	Asset       string          `validate:"required"`
}

// Event represents one finalized source-chain occurrence. ID is derived
// from the source transaction signature plus a log index and is identical
// across observations of the same occurrence.
type Event struct {
	ID          string `validate:"required"`
	Kind        EventKind
	Payload     Payload
	SourceTx    string
	LogIndex    uint
	// Cursor is the chain-specific resumption reference of this event
	// (block number, ledger offset); usable as a Filter.FromRef.
	Cursor      string
	ObservedAt  time.Time
	FinalizedAt time.Time
}

// EventID builds the stable event identifier from a source transaction
// signature and log index.
func EventID(sourceTx string, logIndex uint) string {
	return fmt.Sprintf("%s-%d", sourceTx, logIndex)
}

// Filter restricts a subscription to the events the relayer settles.
type Filter struct {
	Kinds []EventKind
	// FromRef resumes delivery after a chain-specific cursor (block number,
	// ledger offset). Empty means the chain's current tip.
	FromRef string
}

// Subscription is a live event stream. Events are delivered in source-chain
// order for the lifetime of the subscription; consumers must tolerate
// re-delivery after a resubscribe.
type Subscription interface {
	Events() <-chan Event
	// Err yields at most one error, after which the subscription is dead
	// and must be re-established.
	Err() <-chan error
	Unsubscribe()
}

// Subscriber is the inbound half of a chain adapter.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// TxStatus is the destination chain's view of a submitted transaction.
type TxStatus string

const (
	TxStatusFinalized TxStatus = "finalized"
	TxStatusPending   TxStatus = "pending"
	TxStatusNotFound  TxStatus = "not_found"
)

// TxRef identifies an outbound transaction on the destination chain.
type TxRef string

// Submitter is the outbound half of a chain adapter. SubmitTransaction must
// be safe to call twice with the same idempotency key without double effect;
// adapters that cannot guarantee that natively must pre-check via
// GetTransactionStatus.
type Submitter interface {
	SubmitTransaction(ctx context.Context, idempotencyKey [32]byte, payload Payload) (TxRef, error)
	GetTransactionStatus(ctx context.Context, ref TxRef) (TxStatus, error)
	// StatusByKey resolves a transaction by its idempotency key, used when
	// a submission outcome is ambiguous and no ref was returned.
	StatusByKey(ctx context.Context, idempotencyKey [32]byte) (TxRef, TxStatus, error)
}

// BalanceQuerier reports the externally verified custodial balance, used by
// the periodic reserve reconciliation.
type BalanceQuerier interface {
	CustodialBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// ErrInvalidDestination marks a payload whose beneficiary the destination
// chain rejects. Permanent; never retried.
var ErrInvalidDestination = errors.New("chain: invalid destination address")

// ErrInsufficientFunds marks an outbound account that cannot cover the
// settlement at execution time. Permanent for this attempt chain.
var ErrInsufficientFunds = errors.New("chain: insufficient outbound balance")

// ErrValidityExpired signals that the chain's sequencing token (e.g. an
// expiring recent-blockhash) lapsed before the transaction confirmed. The
// caller should resubmit with the same idempotency key.
var ErrValidityExpired = errors.New("chain: transaction validity window expired")

// ErrExecutionReverted marks a settlement transaction the destination chain
// included and then rejected during execution. Permanent; resubmitting the
// same payload reverts again.
var ErrExecutionReverted = errors.New("chain: settlement execution reverted")
