package state

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// SettlementStatus represents the current state of a settlement record.
type SettlementStatus string

const (
	StatusPending   SettlementStatus = "pending"
	StatusReserved  SettlementStatus = "reserved"
	StatusSubmitted SettlementStatus = "submitted"
	StatusConfirmed SettlementStatus = "confirmed"
	StatusFailed    SettlementStatus = "failed"
	StatusReleased  SettlementStatus = "released"
)

// Terminal reports whether the status admits no further transitions.
func (s SettlementStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Event is the durable record of one source-chain observation. The primary
// key on event_id is the authoritative dedup across restarts.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	EventID     string          `bun:"event_id,pk,type:varchar(128)"`
	Kind        string          `bun:"kind,notnull,type:varchar(32)"`
	Beneficiary string          `bun:"beneficiary,notnull,type:varchar(255)"`
	Amount      decimal.Decimal `bun:"amount,notnull,type:numeric(38,0)"`
	Asset       string          `bun:"asset,notnull,type:varchar(32)"`
	SourceTx    string          `bun:"source_tx,notnull,type:varchar(128)"`
	LogIndex    int64           `bun:"log_index,notnull"`
	ObservedAt  time.Time       `bun:"observed_at,notnull,nullzero,default:current_timestamp"`
	FinalizedAt time.Time       `bun:"finalized_at,nullzero"`
}

// Settlement is the per-event ledger entry driving the relay pipeline.
// Payload fields are denormalized from the event so crash recovery never
// needs a join.
type Settlement struct {
	bun.BaseModel `bun:"table:settlements"`

	EventID        string           `bun:"event_id,pk,type:varchar(128)"`
	Kind           string           `bun:"kind,notnull,type:varchar(32)"`
	Status         SettlementStatus `bun:"status,notnull,type:varchar(16)"`
	Beneficiary    string           `bun:"beneficiary,notnull,type:varchar(255)"`
	Amount         decimal.Decimal  `bun:"amount,notnull,type:numeric(38,0)"`
	Asset          string           `bun:"asset,notnull,type:varchar(32)"`
	IdempotencyKey string           `bun:"idempotency_key,type:varchar(66)"`
	OutboundTxRef  *string          `bun:"outbound_tx_ref,type:varchar(128)"`
	Attempts       int              `bun:"attempts,notnull,default:0"`
	LastError      *string          `bun:"last_error,type:text"`
	CreatedAt      time.Time        `bun:"created_at,notnull,nullzero,default:current_timestamp"`
	UpdatedAt      time.Time        `bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}

// ReservePool is the custodial balance available for outbound settlement,
// one row per asset. available and reserved move only inside serializable
// transactions owned by the reserve manager.
type ReservePool struct {
	bun.BaseModel `bun:"table:reserve_pool"`

	Asset     string          `bun:"asset,pk,type:varchar(32)"`
	Available decimal.Decimal `bun:"available,notnull,type:numeric(38,0)"`
	Reserved  decimal.Decimal `bun:"reserved,notnull,type:numeric(38,0)"`
	UpdatedAt time.Time       `bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}

// Total returns available + reserved, the pool's view of custodial liquidity.
func (p *ReservePool) Total() decimal.Decimal {
	return p.Available.Add(p.Reserved)
}

// ChainCursor tracks the last processed subscription position per chain so
// a resubscribe does not replay the whole history. Replay is still safe;
// the settlement unique key absorbs re-delivery.
type ChainCursor struct {
	bun.BaseModel `bun:"table:chain_cursors"`

	Chain     string    `bun:"chain,pk,type:varchar(64)"`
	Cursor    string    `bun:"cursor,notnull,type:varchar(128)"`
	UpdatedAt time.Time `bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}

// AuditEntry records an operator-visible administrative action.
type AuditEntry struct {
	bun.BaseModel `bun:"table:audit_log"`

	ID        string    `bun:"id,pk,type:varchar(36)"`
	Action    string    `bun:"action,notnull,type:varchar(64)"`
	EventID   string    `bun:"event_id,type:varchar(128)"`
	Actor     string    `bun:"actor,notnull,type:varchar(255)"`
	Detail    string    `bun:"detail,type:text"`
	CreatedAt time.Time `bun:"created_at,notnull,nullzero,default:current_timestamp"`
}
