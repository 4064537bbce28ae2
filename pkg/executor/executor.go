// Package executor turns one finalized event into one outbound settlement
// transaction on the destination chain, with confirmation tracking and
// bounded retry.
package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/zenzlabs/zenz-relayer/internal/metrics"
	"github.com/zenzlabs/zenz-relayer/pkg/chain"
)

// Store is the slice of state operations the executor needs.
type Store interface {
	MarkSubmitted(ctx context.Context, eventID string, idempotencyKey string) error
	RecordOutboundRef(ctx context.Context, eventID string, txRef string) error
	MarkConfirmed(ctx context.Context, eventID string, txRef string) error
}

// Outcome is the terminal result of one Execute call.
type Outcome int

const (
	// OutcomeConfirmed means the destination chain reported finality.
	OutcomeConfirmed Outcome = iota
	// OutcomePermanentFailure means no retry can settle this event.
	OutcomePermanentFailure
	// OutcomeExhausted means the transient retry budget ran out. The
	// record stays recoverable.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "exhausted"
	}
}

// Result carries the outcome and, when submitted, the outbound reference.
type Result struct {
	Outcome Outcome
	TxRef   chain.TxRef
	Err     error
}

// Config controls confirmation polling.
type Config struct {
	// ConfirmTimeout bounds how long one attempt waits for finality before
	// the next resubmission with the same idempotency key.
	ConfirmTimeout time.Duration `default:"2m"`
	// PollInterval is the destination status polling cadence.
	PollInterval time.Duration `default:"3s"`
}

// Executor submits settlements through a destination chain adapter.
type Executor struct {
	dest   chain.Submitter
	store  Store
	policy Policy
	cfg    Config
	logger *zap.Logger
}

// New creates an executor. Zero-value policy and config get defaults.
func New(dest chain.Submitter, store Store, policy Policy, cfg Config, logger *zap.Logger) (*Executor, error) {
	if err := defaults.Set(&policy); err != nil {
		return nil, err
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, err
	}
	return &Executor{
		dest:   dest,
		store:  store,
		policy: policy,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// IdempotencyKey derives the deterministic destination-chain transaction
// identifier for an event: Keccak-256 of the event ID. Wall-clock time
// never participates, so a retried submission is recognizable as a
// duplicate rather than double-paying.
func IdempotencyKey(eventID string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(eventID))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Execute submits exactly one outbound settlement attributable to the
// event, retrying transient failures within the policy budget. The
// Submitted transition is durable before any network call; Confirmed is
// recorded only after the destination reports finality.
func (x *Executor) Execute(ctx context.Context, ev chain.Event) (Result, error) {
	key := IdempotencyKey(ev.ID)
	keyHex := "0x" + hex.EncodeToString(key[:])
	log := x.logger.With(zap.String("event_id", ev.ID), zap.String("idempotency_key", keyHex))

	var lastErr error
	for attempt := 0; attempt < x.policy.MaxAttempts; attempt++ {
		if err := x.policy.wait(ctx, attempt); err != nil {
			return Result{Outcome: OutcomeExhausted, Err: err}, err
		}

		if err := x.store.MarkSubmitted(ctx, ev.ID, keyHex); err != nil {
			return Result{Outcome: OutcomeExhausted, Err: err}, fmt.Errorf("mark submitted: %w", err)
		}

		ref, err := x.submit(ctx, key, ev, log)
		if err != nil {
			if Classify(err) == ClassPermanent {
				metrics.SubmissionsTotal.WithLabelValues("permanent_failure").Inc()
				log.Error("permanent submission failure", zap.Error(err))
				return Result{Outcome: OutcomePermanentFailure, Err: err}, nil
			}
			lastErr = err
			metrics.SubmissionsTotal.WithLabelValues("transient_failure").Inc()
			log.Warn("transient submission failure",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		if err := x.store.RecordOutboundRef(ctx, ev.ID, string(ref)); err != nil {
			return Result{Outcome: OutcomeExhausted, TxRef: ref, Err: err}, fmt.Errorf("record outbound ref: %w", err)
		}
		metrics.SubmissionsTotal.WithLabelValues("submitted").Inc()

		confirmed, err := x.awaitFinality(ctx, ref, log)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Outcome: OutcomeExhausted, TxRef: ref, Err: err}, err
			}
			lastErr = err
			continue
		}
		if confirmed {
			if err := x.store.MarkConfirmed(ctx, ev.ID, string(ref)); err != nil {
				return Result{Outcome: OutcomeExhausted, TxRef: ref, Err: err}, fmt.Errorf("mark confirmed: %w", err)
			}
			metrics.SubmissionsTotal.WithLabelValues("confirmed").Inc()
			log.Info("settlement confirmed", zap.String("tx_ref", string(ref)))
			return Result{Outcome: OutcomeConfirmed, TxRef: ref}, nil
		}
		// Validity window expired or the transaction vanished. Resubmit
		// with the same idempotency key; the destination recognizes the
		// duplicate.
		lastErr = chain.ErrValidityExpired
		log.Warn("confirmation window elapsed, resubmitting with same key",
			zap.Int("attempt", attempt+1))
	}

	metrics.SubmissionsTotal.WithLabelValues("exhausted").Inc()
	if lastErr == nil {
		lastErr = fmt.Errorf("retry budget exhausted after %d attempts", x.policy.MaxAttempts)
	}
	return Result{Outcome: OutcomeExhausted, Err: lastErr}, nil
}

// submit performs one network submission. A transport error after the
// transaction may already have landed is resolved by re-querying the
// destination for the deterministic key, never by blind resubmission.
func (x *Executor) submit(ctx context.Context, key [32]byte, ev chain.Event, log *zap.Logger) (chain.TxRef, error) {
	ref, err := x.dest.SubmitTransaction(ctx, key, ev.Payload)
	if err == nil {
		return ref, nil
	}
	if Classify(err) == ClassPermanent {
		return "", err
	}

	// Ambiguous: the submission may have landed before the failure.
	landedRef, st, stErr := x.dest.StatusByKey(ctx, key)
	if stErr == nil && st != chain.TxStatusNotFound {
		log.Info("ambiguous submission resolved as landed",
			zap.String("tx_ref", string(landedRef)))
		return landedRef, nil
	}
	return "", err
}

// awaitFinality polls destination status until finality, the confirmation
// deadline, or a validity-window expiry. It returns false when the attempt
// should be resubmitted with the same key.
func (x *Executor) awaitFinality(ctx context.Context, ref chain.TxRef, log *zap.Logger) (bool, error) {
	deadline := time.NewTimer(x.cfg.ConfirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(x.cfg.PollInterval)
	defer poll.Stop()

	for {
		st, err := x.dest.GetTransactionStatus(ctx, ref)
		switch {
		case err == nil && st == chain.TxStatusFinalized:
			return true, nil
		case err == nil && st == chain.TxStatusNotFound:
			// Dropped before inclusion; resubmit with the same key.
			return false, nil
		case errors.Is(err, chain.ErrValidityExpired):
			// Sequencing token lapsed before inclusion; resubmit with the
			// same key under a fresh token.
			return false, nil
		case err != nil:
			if Classify(err) == ClassPermanent {
				return false, err
			}
			log.Debug("status poll failed", zap.Error(err))
		}

		select {
		case <-poll.C:
		case <-deadline.C:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
