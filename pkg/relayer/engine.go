// Package relayer wires the chain event monitor, the reserve manager, and
// the settlement executor into the per-event processing pipeline.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/internal/metrics"
	"github.com/zenzlabs/zenz-relayer/pkg/chain"
	"github.com/zenzlabs/zenz-relayer/pkg/executor"
	"github.com/zenzlabs/zenz-relayer/pkg/reserve"
	"github.com/zenzlabs/zenz-relayer/pkg/state"
)

// EventSource is the monitor as seen by the engine.
type EventSource interface {
	Run(ctx context.Context) error
	Events() <-chan chain.Event
	Healthy() bool
}

// SettlementStore is the slice of state operations the engine drives.
type SettlementStore interface {
	CreateSettlement(ctx context.Context, ev chain.Event) (bool, error)
	GetSettlement(ctx context.Context, eventID string) (*state.Settlement, error)
	ListResumable(ctx context.Context) ([]*state.Settlement, error)
	ListRetryable(ctx context.Context, olderThan time.Duration) ([]*state.Settlement, error)
	CountOpen(ctx context.Context) (int, error)
	MarkFailed(ctx context.Context, eventID string, cause string) error
	MarkPending(ctx context.Context, eventID string, cause string) error
	AppendAudit(ctx context.Context, action, eventID, actor, detail string) error
}

// ReserveManager is the atomic reservation primitive as seen by the engine.
type ReserveManager interface {
	TryReserve(ctx context.Context, eventID, asset string, amount decimal.Decimal) (*reserve.Reservation, error)
	Commit(ctx context.Context, res *reserve.Reservation) error
	Release(ctx context.Context, res *reserve.Reservation, to state.SettlementStatus, cause string) error
	CheckInvariant(ctx context.Context, asset string, custodial decimal.Decimal) (decimal.Decimal, error)
}

// SettlementExecutor runs one outbound settlement attempt chain.
type SettlementExecutor interface {
	Execute(ctx context.Context, ev chain.Event) (executor.Result, error)
}

// Config controls pipeline concurrency and periodic work.
type Config struct {
	// Workers bounds concurrent end-to-end pipelines.
	Workers int
	// ShutdownGrace is how long in-flight executions may finish before
	// their reservations are released back to Pending.
	ShutdownGrace time.Duration
	// PendingRetryInterval is the cadence of the re-queue scan for records
	// parked on insufficient reserve.
	PendingRetryInterval time.Duration
	// PendingRetryAge is how stale a Pending record must be before the
	// scan re-queues it.
	PendingRetryAge time.Duration
	// ReconcileInterval is the cadence of the pool-vs-custody invariant
	// check.
	ReconcileInterval time.Duration
	// Assets lists the pools covered by reconciliation.
	Assets []string
	// MaxAmount caps the amount of a single settlement. Oversized events
	// are marked Failed without touching the pool. Zero means no cap.
	MaxAmount decimal.Decimal
}

// Engine owns the single per-event processing pipeline and its shutdown
// semantics. Exactly-once settlement rests on the store's unique event_id
// constraint plus the non-reentrant dedup check here; there is no per-event
// lock to leak across a crash.
type Engine struct {
	cfg      Config
	monitor  EventSource
	store    SettlementStore
	reserve  ReserveManager
	exec     SettlementExecutor
	custody  chain.BalanceQuerier
	validate *validator.Validate
	logger   *zap.Logger

	execCtx    context.Context
	execCancel context.CancelFunc
	monCancel  context.CancelFunc
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	recovered  atomic.Bool
	paused     atomic.Bool
}

// NewEngine creates the relay engine. custody may be nil to disable the
// reconciliation probe.
func NewEngine(cfg Config, monitor EventSource, store SettlementStore, rm ReserveManager, exec SettlementExecutor, custody chain.BalanceQuerier, logger *zap.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.PendingRetryInterval <= 0 {
		cfg.PendingRetryInterval = time.Minute
	}
	if cfg.PendingRetryAge <= 0 {
		cfg.PendingRetryAge = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		monitor:  monitor,
		store:    store,
		reserve:  rm,
		exec:     exec,
		custody:  custody,
		validate: validator.New(),
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start recovers interrupted settlements, then begins consuming events.
// Recovery completes before any new event is accepted.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("starting relay engine", zap.Int("workers", e.cfg.Workers))

	e.execCtx, e.execCancel = context.WithCancel(context.Background())

	if err := e.recoverInterrupted(e.execCtx); err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	e.recovered.Store(true)

	monCtx, monCancel := context.WithCancel(ctx)
	e.monCancel = monCancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.monitor.Run(monCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("monitor stopped", zap.Error(err))
		}
	}()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.wg.Add(1)
	go e.retryLoop()
	if e.custody != nil && len(e.cfg.Assets) > 0 {
		e.wg.Add(1)
		go e.reconcileLoop()
	}

	e.logger.Info("relay engine started")
	return nil
}

// Stop halts event intake immediately, grants in-flight executions the
// grace deadline, then cancels them. Reservations whose execution did not
// complete are released with the record back in Pending for the next start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("stopping relay engine")
		close(e.stopCh)
		if e.monCancel != nil {
			e.monCancel()
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(e.cfg.ShutdownGrace):
			e.logger.Warn("shutdown grace elapsed, cancelling in-flight settlements")
			e.execCancel()
			<-done
		}
		e.execCancel()
		e.logger.Info("relay engine stopped")
	})
}

// IsReady reports whether recovery finished and the monitor is healthy.
func (e *Engine) IsReady() bool {
	return e.recovered.Load() && e.monitor.Healthy()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case ev, ok := <-e.monitor.Events():
			if !ok {
				return
			}
			// An event pulled while paused is held, not processed. It is
			// already journaled Pending, so a shutdown mid-pause leaves it
			// recoverable.
			if !e.waitWhilePaused() {
				return
			}
			e.processEvent(e.execCtx, ev)
		}
	}
}

// waitWhilePaused blocks until the pause lifts, reporting false when the
// engine is stopping instead.
func (e *Engine) waitWhilePaused() bool {
	for e.paused.Load() {
		select {
		case <-e.stopCh:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return true
}

// processEvent runs one observation end-to-end: dedup, validate, reserve,
// execute, settle the bookkeeping. The monitor normally journaled the
// record before handing the event over; CreateSettlement here is the
// idempotent fallback for the window where that journal write failed.
func (e *Engine) processEvent(ctx context.Context, ev chain.Event) {
	start := time.Now()
	log := e.logger.With(zap.String("event_id", ev.ID), zap.String("kind", string(ev.Kind)))

	created, err := e.store.CreateSettlement(ctx, ev)
	if err != nil {
		log.Error("failed to create settlement record", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("engine", "store").Inc()
		return
	}
	if !created {
		rec, err := e.store.GetSettlement(ctx, ev.ID)
		if err != nil {
			log.Error("failed to load settlement record", zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("engine", "store").Inc()
			return
		}
		if rec == nil || rec.Status != state.StatusPending {
			// A record past Pending, terminal or in flight, means this
			// observation is a duplicate: ignored, not re-queued.
			log.Debug("duplicate observation ignored")
			metrics.EventsDeduped.WithLabelValues("engine").Inc()
			return
		}
		// A Pending record is the monitor's journal entry for this very
		// delivery. Proceed; TryReserve's Pending guard arbitrates if two
		// workers race over one record.
	}

	if err := e.validatePayload(ev); err != nil {
		log.Error("malformed event payload", zap.Error(err),
			zap.String("beneficiary", ev.Payload.Beneficiary),
			zap.String("amount", ev.Payload.Amount.String()),
			zap.String("asset", ev.Payload.Asset))
		if markErr := e.store.MarkFailed(ctx, ev.ID, fmt.Sprintf("malformed payload: %v", err)); markErr != nil {
			log.Error("failed to mark malformed event", zap.Error(markErr))
		}
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "malformed").Inc()
		return
	}

	if e.cfg.MaxAmount.Sign() > 0 && ev.Payload.Amount.GreaterThan(e.cfg.MaxAmount) {
		log.Warn("amount exceeds per-settlement cap",
			zap.String("amount", ev.Payload.Amount.String()),
			zap.String("cap", e.cfg.MaxAmount.String()))
		if markErr := e.store.MarkFailed(ctx, ev.ID, fmt.Sprintf("amount %s exceeds cap %s", ev.Payload.Amount, e.cfg.MaxAmount)); markErr != nil {
			log.Error("failed to mark oversized event", zap.Error(markErr))
		}
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "over_cap").Inc()
		return
	}

	res, err := e.reserve.TryReserve(ctx, ev.ID, ev.Payload.Asset, ev.Payload.Amount)
	if err != nil {
		if errors.Is(err, reserve.ErrInsufficientReserve) {
			// Expected to self-resolve once liquidity replenishes; the
			// retry scan picks the record up again.
			log.Warn("insufficient reserve, settlement parked",
				zap.String("amount", ev.Payload.Amount.String()))
			if markErr := e.store.MarkPending(ctx, ev.ID, "insufficient reserve"); markErr != nil {
				log.Error("failed to park settlement", zap.Error(markErr))
			}
			metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "insufficient_reserve").Inc()
			return
		}
		if errors.Is(err, state.ErrInvalidTransition) {
			// Another worker already moved the record past Pending.
			log.Debug("duplicate observation ignored")
			metrics.EventsDeduped.WithLabelValues("engine").Inc()
			return
		}
		log.Error("reservation failed", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("engine", "reserve").Inc()
		return
	}

	e.runSettlement(ctx, ev, res, log)
	metrics.SettlementDuration.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
}

// runSettlement drives the executor for an event holding a reservation and
// settles the reservation according to the outcome.
func (e *Engine) runSettlement(ctx context.Context, ev chain.Event, res *reserve.Reservation, log *zap.Logger) {
	result, err := e.exec.Execute(ctx, ev)
	if err != nil {
		// Execution was interrupted (cancellation or a store failure), not
		// decided. Keep the event recoverable.
		e.abortSettlement(ev, res, fmt.Sprintf("execution interrupted: %v", err), log)
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "interrupted").Inc()
		return
	}

	switch result.Outcome {
	case executor.OutcomeConfirmed:
		if err := e.reserve.Commit(context.WithoutCancel(ctx), res); err != nil {
			log.Error("failed to commit reservation after confirmation", zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("engine", "reserve").Inc()
			return
		}
		log.Info("settlement confirmed", zap.String("tx_ref", string(result.TxRef)))
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "confirmed").Inc()

	case executor.OutcomePermanentFailure:
		e.failSettlement(ev, res, fmt.Sprintf("permanent failure: %v", result.Err), log)
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "failed").Inc()

	case executor.OutcomeExhausted:
		e.failSettlement(ev, res, fmt.Sprintf("retry budget exhausted: %v", result.Err), log)
		metrics.SettlementsTotal.WithLabelValues(string(ev.Kind), "exhausted").Inc()
	}
}

// failSettlement releases the hold, marking the record Failed in the same
// transaction. Uses a detached context so shutdown cannot strand the
// reservation.
func (e *Engine) failSettlement(ev chain.Event, res *reserve.Reservation, cause string, log *zap.Logger) {
	ctx := context.Background()
	if err := e.reserve.Release(ctx, res, state.StatusFailed, cause); err != nil {
		if errors.Is(err, state.ErrInvalidTransition) {
			// The hold was already settled elsewhere, e.g. force-released
			// by an operator. The refund must not happen twice.
			log.Warn("hold already settled, skipping release", zap.Error(err))
			return
		}
		log.Error("failed to release reservation", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("engine", "reserve").Inc()
		return
	}
	log.Warn("settlement failed", zap.String("cause", cause))
}

// abortSettlement releases the hold with the record back in Pending for
// resumption on the next start.
func (e *Engine) abortSettlement(ev chain.Event, res *reserve.Reservation, cause string, log *zap.Logger) {
	ctx := context.Background()
	if err := e.reserve.Release(ctx, res, state.StatusPending, cause); err != nil {
		if errors.Is(err, state.ErrInvalidTransition) {
			log.Warn("hold already settled, skipping release", zap.Error(err))
			return
		}
		log.Error("failed to release reservation on abort", zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("engine", "reserve").Inc()
		return
	}
	log.Warn("settlement aborted", zap.String("cause", cause))
}

// recoverInterrupted resumes records left in Reserved or Submitted by a
// previous run. The pool still holds their reservations, so the handles
// are reconstructed rather than re-reserved.
func (e *Engine) recoverInterrupted(ctx context.Context) error {
	records, err := e.store.ListResumable(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	e.logger.Info("resuming interrupted settlements", zap.Int("count", len(records)))

	for _, rec := range records {
		ev := eventFromRecord(rec)
		res := &reserve.Reservation{
			ID:      uuid.NewString(),
			EventID: rec.EventID,
			Asset:   rec.Asset,
			Amount:  rec.Amount,
		}
		log := e.logger.With(zap.String("event_id", rec.EventID), zap.String("resumed_from", string(rec.Status)))
		e.runSettlement(ctx, ev, res, log)
	}
	return nil
}

// retryLoop periodically re-queues Pending records old enough to have been
// parked on insufficient reserve.
func (e *Engine) retryLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PendingRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.paused.Load() {
				continue
			}
			records, err := e.store.ListRetryable(e.execCtx, e.cfg.PendingRetryAge)
			if err != nil {
				e.logger.Error("pending retry scan failed", zap.Error(err))
				continue
			}
			for _, rec := range records {
				select {
				case <-e.stopCh:
					return
				default:
				}
				e.retryPending(e.execCtx, rec)
			}
			if open, err := e.store.CountOpen(e.execCtx); err == nil {
				metrics.PendingSettlements.Set(float64(open))
			}
		}
	}
}

// retryPending reruns the reserve/execute tail of the pipeline for a record
// already past dedup.
func (e *Engine) retryPending(ctx context.Context, rec *state.Settlement) {
	ev := eventFromRecord(rec)
	log := e.logger.With(zap.String("event_id", rec.EventID))

	res, err := e.reserve.TryReserve(ctx, rec.EventID, rec.Asset, rec.Amount)
	if err != nil {
		if errors.Is(err, reserve.ErrInsufficientReserve) {
			log.Debug("still insufficient reserve")
			return
		}
		if errors.Is(err, state.ErrInvalidTransition) {
			// Another worker got there first.
			return
		}
		log.Error("retry reservation failed", zap.Error(err))
		return
	}
	e.runSettlement(ctx, ev, res, log)
}

// reconcileLoop compares the pool invariant against the custodial chain
// balance. Drift is reported, never acted on.
func (e *Engine) reconcileLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			for _, asset := range e.cfg.Assets {
				balance, err := e.custody.CustodialBalance(e.execCtx, asset)
				if err != nil {
					e.logger.Warn("custodial balance probe failed",
						zap.String("asset", asset), zap.Error(err))
					continue
				}
				if _, err := e.reserve.CheckInvariant(e.execCtx, asset, balance); err != nil {
					e.logger.Warn("reserve invariant check failed",
						zap.String("asset", asset), zap.Error(err))
				}
			}
		}
	}
}

// Pause halts settlement intake and the retry scan on operator request.
// The monitor keeps observing and journaling events while paused, so the
// backlog settles once processing resumes.
func (e *Engine) Pause(ctx context.Context, actor string) error {
	if e.paused.Swap(true) {
		return nil
	}
	e.logger.Warn("settlement processing paused", zap.String("actor", actor))
	return e.store.AppendAudit(ctx, "pause", "", actor, "settlement processing paused")
}

// Resume lifts a pause.
func (e *Engine) Resume(ctx context.Context, actor string) error {
	if !e.paused.Swap(false) {
		return nil
	}
	e.logger.Info("settlement processing resumed", zap.String("actor", actor))
	return e.store.AppendAudit(ctx, "resume", "", actor, "settlement processing resumed")
}

// Paused reports whether settlement processing is held.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// ForceRelease releases a stuck reservation on operator request. The
// record is parked in Released and the action audited with the acting
// subject.
func (e *Engine) ForceRelease(ctx context.Context, eventID, actor string) error {
	rec, err := e.store.GetSettlement(ctx, eventID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("settlement %s not found", eventID)
	}
	if rec.Status != state.StatusReserved && rec.Status != state.StatusSubmitted {
		return fmt.Errorf("settlement %s holds no reservation (status %s)", eventID, rec.Status)
	}

	res := &reserve.Reservation{
		ID:      uuid.NewString(),
		EventID: rec.EventID,
		Asset:   rec.Asset,
		Amount:  rec.Amount,
	}
	if err := e.reserve.Release(ctx, res, state.StatusReleased, fmt.Sprintf("force-released by %s", actor)); err != nil {
		if errors.Is(err, state.ErrInvalidTransition) {
			return fmt.Errorf("settlement %s holds no reservation: %w", eventID, err)
		}
		return fmt.Errorf("force release: %w", err)
	}
	if err := e.store.AppendAudit(ctx, "force_release", eventID, actor,
		fmt.Sprintf("released %s %s from status %s", rec.Amount, rec.Asset, rec.Status)); err != nil {
		e.logger.Error("failed to append audit entry", zap.Error(err))
	}
	e.logger.Warn("reservation force-released",
		zap.String("event_id", eventID),
		zap.String("actor", actor))
	return nil
}

func (e *Engine) validatePayload(ev chain.Event) error {
	if err := e.validate.Struct(ev.Payload); err != nil {
		return err
	}
	if ev.Payload.Amount.Sign() <= 0 {
		return fmt.Errorf("non-positive amount %s", ev.Payload.Amount)
	}
	return nil
}

func eventFromRecord(rec *state.Settlement) chain.Event {
	return chain.Event{
		ID:   rec.EventID,
		Kind: chain.EventKind(rec.Kind),
		Payload: chain.Payload{
			Beneficiary: rec.Beneficiary,
			Amount:      rec.Amount,
			Asset:       rec.Asset,
		},
	}
}
