// Package state is the single source of truth for processed events,
// settlement records, and the custodial reserve pool. All mutation happens
// through this package's transactional API; the pipeline never assigns
// fields directly.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/zenzlabs/zenz-relayer/pkg/chain"
)

// ErrInvalidTransition is returned when a status update finds the record in
// a state the transition does not permit. Lifecycle moves are monotonic
// forward except Reserved->Released and Submitted->Pending.
var ErrInvalidTransition = errors.New("state: invalid settlement status transition")

const serializationRetries = 3

// Store provides durable bridge state on PostgreSQL.
type Store struct {
	db *bun.DB
}

// NewStore creates a store over an established bun connection.
func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *bun.DB {
	return s.db
}

// RunSerializable executes fn inside a serializable transaction, retrying a
// bounded number of times when PostgreSQL aborts with a serialization
// failure (SQLSTATE 40001).
func (s *Store) RunSerializable(ctx context.Context, fn func(ctx context.Context, tx bun.IDB) error) error {
	var err error
	for i := 0; i < serializationRetries; i++ {
		err = s.db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable},
			func(ctx context.Context, tx bun.Tx) error {
				return fn(ctx, tx)
			})
		if !isSerializationFailure(err) {
			return err
		}
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "40001"
	}
	return false
}

// CreateSettlement records a newly observed event and its settlement entry
// in one transaction. The unique event_id key makes duplicate delivery a
// no-op; created reports whether this observation was the first. A deposit's
// liquidity credit lands in the same transaction, so a crash can never
// separate the record from its pool backing, and a duplicate can never
// credit twice.
func (s *Store) CreateSettlement(ctx context.Context, ev chain.Event) (bool, error) {
	var created bool
	err := s.RunSerializable(ctx, func(ctx context.Context, tx bun.IDB) error {
		record := &Event{
			EventID:     ev.ID,
			Kind:        string(ev.Kind),
			Beneficiary: ev.Payload.Beneficiary,
			Amount:      ev.Payload.Amount,
			Asset:       ev.Payload.Asset,
			SourceTx:    ev.SourceTx,
			LogIndex:    int64(ev.LogIndex),
			ObservedAt:  ev.ObservedAt,
			FinalizedAt: ev.FinalizedAt,
		}
		if _, err := tx.NewInsert().
			Model(record).
			On("CONFLICT (event_id) DO NOTHING").
			Exec(ctx); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		settlement := &Settlement{
			EventID:     ev.ID,
			Kind:        string(ev.Kind),
			Status:      StatusPending,
			Beneficiary: ev.Payload.Beneficiary,
			Amount:      ev.Payload.Amount,
			Asset:       ev.Payload.Asset,
		}
		res, err := tx.NewInsert().
			Model(settlement).
			On("CONFLICT (event_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = rows == 1

		if created && ev.Kind == chain.KindDeposit {
			pool := &ReservePool{
				Asset:     ev.Payload.Asset,
				Available: ev.Payload.Amount,
				Reserved:  decimal.Zero,
			}
			if _, err := tx.NewInsert().
				Model(pool).
				On("CONFLICT (asset) DO UPDATE").
				Set("available = reserve_pool.available + EXCLUDED.available").
				Set("updated_at = now()").
				Exec(ctx); err != nil {
				return fmt.Errorf("credit pool %s: %w", ev.Payload.Asset, err)
			}
		}
		return nil
	})
	return created, err
}

// GetSettlement retrieves a settlement by event ID, nil when absent.
func (s *Store) GetSettlement(ctx context.Context, eventID string) (*Settlement, error) {
	settlement := new(Settlement)
	err := s.db.NewSelect().
		Model(settlement).
		Where("event_id = ?", eventID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", eventID, err)
	}
	return settlement, nil
}

// IsSettled reports whether the event already reached a terminal state. The
// monitor uses this to filter re-delivered events before they reach the
// pipeline.
func (s *Store) IsSettled(ctx context.Context, eventID string) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*Settlement)(nil)).
		Where("event_id = ?", eventID).
		Where("status IN (?)", bun.In([]SettlementStatus{StatusConfirmed, StatusFailed})).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("settled check %s: %w", eventID, err)
	}
	return exists, nil
}

// ListResumable returns records left in Reserved or Submitted by a previous
// run, oldest first. This is the crash recovery path.
func (s *Store) ListResumable(ctx context.Context) ([]*Settlement, error) {
	var settlements []*Settlement
	err := s.db.NewSelect().
		Model(&settlements).
		Where("status IN (?)", bun.In([]SettlementStatus{StatusReserved, StatusSubmitted})).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resumable: %w", err)
	}
	return settlements, nil
}

// ListRetryable returns Pending records that have not been touched for at
// least olderThan, oldest first. Used to re-queue events parked on
// insufficient reserve.
func (s *Store) ListRetryable(ctx context.Context, olderThan time.Duration) ([]*Settlement, error) {
	var settlements []*Settlement
	err := s.db.NewSelect().
		Model(&settlements).
		Where("status = ?", StatusPending).
		Where("updated_at < ?", time.Now().Add(-olderThan)).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	return settlements, nil
}

// CountOpen returns the number of settlements in a non-terminal state.
func (s *Store) CountOpen(ctx context.Context) (int, error) {
	count, err := s.db.NewSelect().
		Model((*Settlement)(nil)).
		Where("status NOT IN (?)", bun.In([]SettlementStatus{StatusConfirmed, StatusFailed})).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count open: %w", err)
	}
	return count, nil
}

// ListRecent returns the newest settlements for the operator API.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*Settlement, error) {
	var settlements []*Settlement
	err := s.db.NewSelect().
		Model(&settlements).
		Order("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	return settlements, nil
}

// MarkSubmitted transitions a record to Submitted, recording the
// deterministic idempotency key and bumping the attempt counter. It runs
// before the network submission, so a crash between the two is recoverable
// by querying the destination for the key. Permitted from Reserved (fresh
// attempt) and Submitted (resubmission with the same key after a
// validity-window expiry).
func (s *Store) MarkSubmitted(ctx context.Context, eventID string, idempotencyKey string) error {
	return s.transition(ctx, eventID, StatusSubmitted,
		[]SettlementStatus{StatusReserved, StatusSubmitted},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("idempotency_key = ?", idempotencyKey).
				Set("attempts = attempts + 1")
		})
}

// RecordOutboundRef stores the destination transaction reference once the
// submission returned one.
func (s *Store) RecordOutboundRef(ctx context.Context, eventID string, txRef string) error {
	return s.transition(ctx, eventID, StatusSubmitted,
		[]SettlementStatus{StatusSubmitted},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("outbound_tx_ref = ?", txRef)
		})
}

// MarkConfirmed records destination-chain finality. Only valid from
// Submitted; this is the happy-path terminal state.
func (s *Store) MarkConfirmed(ctx context.Context, eventID string, txRef string) error {
	return s.transition(ctx, eventID, StatusConfirmed,
		[]SettlementStatus{StatusSubmitted},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("outbound_tx_ref = ?", txRef).
				Set("last_error = NULL")
		})
}

// MarkFailed records a terminal failure with its cause. Reachable from any
// non-terminal state.
func (s *Store) MarkFailed(ctx context.Context, eventID string, cause string) error {
	return s.transition(ctx, eventID, StatusFailed,
		[]SettlementStatus{StatusPending, StatusReserved, StatusSubmitted, StatusReleased},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("last_error = ?", cause)
		})
}

// MarkPending returns a record to Pending for a later attempt; used when a
// reservation is released on shutdown or the reserve was insufficient.
func (s *Store) MarkPending(ctx context.Context, eventID string, cause string) error {
	return s.transition(ctx, eventID, StatusPending,
		[]SettlementStatus{StatusPending, StatusReserved, StatusSubmitted},
		func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("last_error = ?", cause)
		})
}

func (s *Store) transition(ctx context.Context, eventID string, to SettlementStatus, from []SettlementStatus, apply func(*bun.UpdateQuery) *bun.UpdateQuery) error {
	q := s.db.NewUpdate().
		Model((*Settlement)(nil)).
		Set("status = ?", to).
		Set("updated_at = now()").
		Where("event_id = ?", eventID).
		Where("status IN (?)", bun.In(from))
	res, err := apply(q).Exec(ctx)
	if err != nil {
		return fmt.Errorf("transition %s to %s: %w", eventID, to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("transition %s to %s: %w", eventID, to, ErrInvalidTransition)
	}
	return nil
}

// GetPool retrieves the reserve pool row for an asset, nil when absent.
func (s *Store) GetPool(ctx context.Context, asset string) (*ReservePool, error) {
	pool := new(ReservePool)
	err := s.db.NewSelect().
		Model(pool).
		Where("asset = ?", asset).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", asset, err)
	}
	return pool, nil
}

// CreditPool adds inbound liquidity to available. The pool row is created
// on first credit.
func (s *Store) CreditPool(ctx context.Context, asset string, amount decimal.Decimal) error {
	return s.RunSerializable(ctx, func(ctx context.Context, tx bun.IDB) error {
		pool := &ReservePool{
			Asset:     asset,
			Available: amount,
			Reserved:  decimal.Zero,
		}
		_, err := tx.NewInsert().
			Model(pool).
			On("CONFLICT (asset) DO UPDATE").
			Set("available = reserve_pool.available + EXCLUDED.available").
			Set("updated_at = now()").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("credit pool %s: %w", asset, err)
		}
		return nil
	})
}

// GetCursor returns the stored subscription cursor for a chain, empty when
// none has been recorded.
func (s *Store) GetCursor(ctx context.Context, chainName string) (string, error) {
	cursor := new(ChainCursor)
	err := s.db.NewSelect().
		Model(cursor).
		Where("chain = ?", chainName).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", chainName, err)
	}
	return cursor.Cursor, nil
}

// SetCursor upserts the subscription cursor for a chain.
func (s *Store) SetCursor(ctx context.Context, chainName, cursor string) error {
	model := &ChainCursor{Chain: chainName, Cursor: cursor}
	_, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (chain) DO UPDATE").
		Set("cursor = EXCLUDED.cursor").
		Set("updated_at = now()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", chainName, err)
	}
	return nil
}

// AppendAudit records an administrative action. Audit entries are written
// outside the mutating transaction so a failed action is still visible.
func (s *Store) AppendAudit(ctx context.Context, action, eventID, actor, detail string) error {
	entry := &AuditEntry{
		ID:      uuid.NewString(),
		Action:  action,
		EventID: eventID,
		Actor:   actor,
		Detail:  detail,
	}
	if _, err := s.db.NewInsert().Model(entry).Exec(ctx); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
