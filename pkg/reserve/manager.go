// Package reserve implements the atomic check-and-reserve primitive over
// the custodial pool. TryReserve, Commit, and Release each run inside a
// single serializable transaction, so a balance read can never interleave
// with another caller's reservation.
package reserve

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/internal/metrics"
	"github.com/zenzlabs/zenz-relayer/pkg/state"
)

// ErrInsufficientReserve is returned when the pool cannot cover the
// requested amount. Callers decide whether to queue, delay, or alert; the
// manager never blocks waiting for liquidity.
var ErrInsufficientReserve = errors.New("reserve: insufficient available balance")

// ErrUnknownPool is returned when no pool row exists for the asset.
var ErrUnknownPool = errors.New("reserve: unknown asset pool")

// Reservation is a hold against the pool guaranteeing funds exist for one
// in-flight settlement.
type Reservation struct {
	ID      string
	EventID string
	Asset   string
	Amount  decimal.Decimal
}

// Manager owns all mutation of the reserve pool.
type Manager struct {
	store  *state.Store
	logger *zap.Logger
}

// NewManager creates a reserve manager over the state store.
func NewManager(store *state.Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// TryReserve atomically moves amount from available to reserved and
// transitions the settlement record to Reserved. It fails fast with
// ErrInsufficientReserve; under concurrent callers the sum of granted
// reservations never exceeds what was available.
func (m *Manager) TryReserve(ctx context.Context, eventID, asset string, amount decimal.Decimal) (*Reservation, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("reserve: non-positive amount %s", amount)
	}

	res := &Reservation{
		ID:      uuid.NewString(),
		EventID: eventID,
		Asset:   asset,
		Amount:  amount,
	}

	err := m.store.RunSerializable(ctx, func(ctx context.Context, tx bun.IDB) error {
		pool, err := poolTx(ctx, tx, asset)
		if err != nil {
			return err
		}
		if pool.Available.LessThan(amount) {
			return ErrInsufficientReserve
		}

		if _, err := tx.NewUpdate().
			Model((*state.ReservePool)(nil)).
			Set("available = available - ?", amount).
			Set("reserved = reserved + ?", amount).
			Set("updated_at = now()").
			Where("asset = ?", asset).
			Exec(ctx); err != nil {
			return fmt.Errorf("debit pool: %w", err)
		}

		ur, err := tx.NewUpdate().
			Model((*state.Settlement)(nil)).
			Set("status = ?", state.StatusReserved).
			Set("updated_at = now()").
			Where("event_id = ?", eventID).
			Where("status = ?", state.StatusPending).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark reserved: %w", err)
		}
		rows, err := ur.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("mark reserved %s: %w", eventID, state.ErrInvalidTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("reserved funds",
		zap.String("event_id", eventID),
		zap.String("asset", asset),
		zap.String("amount", amount.String()))
	m.publishGauges(ctx, asset)
	return res, nil
}

// Commit converts a reservation into a permanent debit. available was
// already decremented at reserve time; only the hold is removed. The
// settlement must be Confirmed, which keeps a hold that was released out
// from under the caller from also being committed.
func (m *Manager) Commit(ctx context.Context, res *Reservation) error {
	err := m.store.RunSerializable(ctx, func(ctx context.Context, tx bun.IDB) error {
		var status state.SettlementStatus
		err := tx.NewSelect().
			Model((*state.Settlement)(nil)).
			Column("status").
			Where("event_id = ?", res.EventID).
			Scan(ctx, &status)
		if err != nil {
			return fmt.Errorf("load settlement %s: %w", res.EventID, err)
		}
		if status != state.StatusConfirmed {
			return fmt.Errorf("commit from %s: %w", status, state.ErrInvalidTransition)
		}
		return adjustReserved(ctx, tx, res, false)
	})
	if err != nil {
		return fmt.Errorf("commit reservation %s: %w", res.ID, err)
	}
	m.publishGauges(ctx, res.Asset)
	return nil
}

// Release returns the held amount to available and moves the settlement to
// the given terminal status in the same transaction. The status guard is
// what makes the refund exactly-once: two callers racing over one hold both
// attempt the transition, only one row update succeeds, and the loser gets
// ErrInvalidTransition with no pool change.
func (m *Manager) Release(ctx context.Context, res *Reservation, to state.SettlementStatus, cause string) error {
	err := m.store.RunSerializable(ctx, func(ctx context.Context, tx bun.IDB) error {
		ur, err := tx.NewUpdate().
			Model((*state.Settlement)(nil)).
			Set("status = ?", to).
			Set("last_error = ?", cause).
			Set("updated_at = now()").
			Where("event_id = ?", res.EventID).
			Where("status IN (?)", bun.In([]state.SettlementStatus{state.StatusReserved, state.StatusSubmitted})).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("mark %s: %w", to, err)
		}
		rows, err := ur.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("mark %s %s: %w", to, res.EventID, state.ErrInvalidTransition)
		}
		return adjustReserved(ctx, tx, res, true)
	})
	if err != nil {
		return fmt.Errorf("release reservation %s: %w", res.ID, err)
	}
	m.logger.Info("released reservation",
		zap.String("event_id", res.EventID),
		zap.String("asset", res.Asset),
		zap.String("status", string(to)),
		zap.String("amount", res.Amount.String()))
	m.publishGauges(ctx, res.Asset)
	return nil
}

// Snapshot returns the current pool for reporting.
func (m *Manager) Snapshot(ctx context.Context, asset string) (*state.ReservePool, error) {
	pool, err := m.store.GetPool(ctx, asset)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrUnknownPool
	}
	return pool, nil
}

// CheckInvariant compares available+reserved against the externally
// verified custodial balance and returns the drift. The result is a
// reporting-only projection; it never feeds back into settlement decisions.
func (m *Manager) CheckInvariant(ctx context.Context, asset string, custodial decimal.Decimal) (decimal.Decimal, error) {
	pool, err := m.Snapshot(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	drift := custodial.Sub(pool.Total())
	if !drift.IsZero() {
		m.logger.Warn("reserve pool drift detected",
			zap.String("asset", asset),
			zap.String("pool_total", pool.Total().String()),
			zap.String("custodial", custodial.String()),
			zap.String("drift", drift.String()))
	}
	df, _ := drift.Float64()
	metrics.ReserveDrift.WithLabelValues(asset).Set(df)
	return drift, nil
}

func adjustReserved(ctx context.Context, tx bun.IDB, res *Reservation, refund bool) error {
	pool, err := poolTx(ctx, tx, res.Asset)
	if err != nil {
		return err
	}
	if pool.Reserved.LessThan(res.Amount) {
		return fmt.Errorf("reserved %s below hold %s", pool.Reserved, res.Amount)
	}

	q := tx.NewUpdate().
		Model((*state.ReservePool)(nil)).
		Set("reserved = reserved - ?", res.Amount).
		Set("updated_at = now()").
		Where("asset = ?", res.Asset)
	if refund {
		q = q.Set("available = available + ?", res.Amount)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("adjust pool: %w", err)
	}
	return nil
}

func poolTx(ctx context.Context, tx bun.IDB, asset string) (*state.ReservePool, error) {
	pool := new(state.ReservePool)
	err := tx.NewSelect().
		Model(pool).
		Where("asset = ?", asset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, asset)
	}
	return pool, nil
}

func (m *Manager) publishGauges(ctx context.Context, asset string) {
	pool, err := m.store.GetPool(ctx, asset)
	if err != nil || pool == nil {
		return
	}
	av, _ := pool.Available.Float64()
	rv, _ := pool.Reserved.Float64()
	metrics.ReserveAvailable.WithLabelValues(asset).Set(av)
	metrics.ReserveReserved.WithLabelValues(asset).Set(rv)
}
