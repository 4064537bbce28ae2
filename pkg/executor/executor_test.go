package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zenzlabs/zenz-relayer/pkg/chain"
)

// mockSubmitter scripts the destination adapter per call.
type mockSubmitter struct {
	mu          sync.Mutex
	submits     int
	submitKeys  [][32]byte
	submitFn    func(call int, key [32]byte, payload chain.Payload) (chain.TxRef, error)
	statusFn    func(ref chain.TxRef) (chain.TxStatus, error)
	statusByKey func(key [32]byte) (chain.TxRef, chain.TxStatus, error)
}

func (m *mockSubmitter) SubmitTransaction(_ context.Context, key [32]byte, payload chain.Payload) (chain.TxRef, error) {
	m.mu.Lock()
	call := m.submits
	m.submits++
	m.submitKeys = append(m.submitKeys, key)
	m.mu.Unlock()
	return m.submitFn(call, key, payload)
}

func (m *mockSubmitter) GetTransactionStatus(_ context.Context, ref chain.TxRef) (chain.TxStatus, error) {
	if m.statusFn == nil {
		return chain.TxStatusFinalized, nil
	}
	return m.statusFn(ref)
}

func (m *mockSubmitter) StatusByKey(_ context.Context, key [32]byte) (chain.TxRef, chain.TxStatus, error) {
	if m.statusByKey == nil {
		return "", chain.TxStatusNotFound, nil
	}
	return m.statusByKey(key)
}

func (m *mockSubmitter) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// recordingStore tracks the bookkeeping ordering relative to network calls.
type recordingStore struct {
	mu         sync.Mutex
	submitted  []string
	refs       []string
	confirmed  []string
	submitKeys []string
}

func (s *recordingStore) MarkSubmitted(_ context.Context, eventID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, eventID)
	s.submitKeys = append(s.submitKeys, key)
	return nil
}

func (s *recordingStore) RecordOutboundRef(_ context.Context, eventID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, txRef)
	return nil
}

func (s *recordingStore) MarkConfirmed(_ context.Context, eventID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed = append(s.confirmed, txRef)
	return nil
}

func fastPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func fastConfig() Config {
	return Config{ConfirmTimeout: 50 * time.Millisecond, PollInterval: time.Millisecond}
}

func withdrawalEvent(id string) chain.Event {
	return chain.Event{
		ID:   id,
		Kind: chain.KindBurnForWithdrawal,
		Payload: chain.Payload{
			Beneficiary: "zenz1qdest",
			Amount:      decimal.NewFromInt(25),
			Asset:       "ZEC",
		},
	}
}

func newTestExecutor(t *testing.T, dest chain.Submitter, store Store, maxAttempts int) *Executor {
	t.Helper()
	x, err := New(dest, store, fastPolicy(maxAttempts), fastConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return x
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	a := IdempotencyKey("0xdeadbeef:3")
	b := IdempotencyKey("0xdeadbeef:3")
	c := IdempotencyKey("0xdeadbeef:4")
	assert.Equal(t, a, b, "same event must always derive the same key")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, [32]byte{}, a)
}

func TestExecuteConfirmsHappyPath(t *testing.T) {
	dest := &mockSubmitter{
		submitFn: func(int, [32]byte, chain.Payload) (chain.TxRef, error) {
			return "0xtx1", nil
		},
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 3)

	res, err := x.Execute(context.Background(), withdrawalEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, chain.TxRef("0xtx1"), res.TxRef)

	// Submitted is durable before the network call; the stored key hex
	// matches the derived key.
	require.Len(t, store.submitted, 1)
	key := IdempotencyKey("evt-1")
	assert.Equal(t, "0x"+hex.EncodeToString(key[:]), store.submitKeys[0])
	assert.Equal(t, []string{"0xtx1"}, store.refs)
	assert.Equal(t, []string{"0xtx1"}, store.confirmed)
}

func TestExecuteRetriesTransientThenConfirms(t *testing.T) {
	dest := &mockSubmitter{
		submitFn: func(call int, _ [32]byte, _ chain.Payload) (chain.TxRef, error) {
			if call < 2 {
				return "", status.Error(codes.Unavailable, "node overloaded")
			}
			return "0xtx2", nil
		},
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 5)

	res, err := x.Execute(context.Background(), withdrawalEvent("evt-2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, 3, dest.submitCount())
	// Every attempt reuses the same idempotency key.
	assert.Equal(t, dest.submitKeys[0], dest.submitKeys[1])
	assert.Equal(t, dest.submitKeys[0], dest.submitKeys[2])
	assert.Len(t, store.submitted, 3)
}

func TestExecutePermanentFailureStopsImmediately(t *testing.T) {
	dest := &mockSubmitter{
		submitFn: func(int, [32]byte, chain.Payload) (chain.TxRef, error) {
			return "", chain.ErrInvalidDestination
		},
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 5)

	res, err := x.Execute(context.Background(), withdrawalEvent("evt-3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePermanentFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, chain.ErrInvalidDestination)
	assert.Equal(t, 1, dest.submitCount(), "permanent failures must not retry")
	assert.Empty(t, store.confirmed)
}

func TestExecuteExhaustsTransientBudget(t *testing.T) {
	dest := &mockSubmitter{
		submitFn: func(int, [32]byte, chain.Payload) (chain.TxRef, error) {
			return "", status.Error(codes.Unavailable, "still down")
		},
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 3)

	res, err := x.Execute(context.Background(), withdrawalEvent("evt-4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	require.Error(t, res.Err)
	assert.Equal(t, 3, dest.submitCount())
}

func TestExecuteResolvesAmbiguousSubmissionAsLanded(t *testing.T) {
	key := IdempotencyKey("evt-5")
	dest := &mockSubmitter{
		submitFn: func(int, [32]byte, chain.Payload) (chain.TxRef, error) {
			return "", errors.New("connection reset mid-response")
		},
		statusByKey: func(got [32]byte) (chain.TxRef, chain.TxStatus, error) {
			if got == key {
				return "0xlanded", chain.TxStatusPending, nil
			}
			return "", chain.TxStatusNotFound, nil
		},
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 3)

	res, err := x.Execute(context.Background(), withdrawalEvent("evt-5"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, chain.TxRef("0xlanded"), res.TxRef)
	assert.Equal(t, 1, dest.submitCount(), "landed submission is adopted, never blindly resent")
	assert.Equal(t, []string{"0xlanded"}, store.refs)
}

func TestExecuteResubmitsSameKeyAfterValidityExpiry(t *testing.T) {
	dest := &mockSubmitter{
		submitFn: func(call int, _ [32]byte, _ chain.Payload) (chain.TxRef, error) {
			return chain.TxRef("0xtx-" + string(rune('a'+call))), nil
		},
	}
	dest.statusFn = func(ref chain.TxRef) (chain.TxStatus, error) {
		if ref == "0xtx-a" {
			// First submission's sequencing token lapsed before inclusion.
			return "", chain.ErrValidityExpired
		}
		return chain.TxStatusFinalized, nil
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 3)

	res, err := x.Execute(context.Background(), withdrawalEvent("evt-6"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, chain.TxRef("0xtx-b"), res.TxRef)
	require.Equal(t, 2, dest.submitCount())
	assert.Equal(t, dest.submitKeys[0], dest.submitKeys[1],
		"expiry resubmission must reuse the identical key")
}

func TestExecuteResubmitsWhenTransactionVanishes(t *testing.T) {
	dest := &mockSubmitter{
		submitFn: func(call int, _ [32]byte, _ chain.Payload) (chain.TxRef, error) {
			if call == 0 {
				return "0xdropped", nil
			}
			return "0xincluded", nil
		},
	}
	dest.statusFn = func(ref chain.TxRef) (chain.TxStatus, error) {
		if ref == "0xdropped" {
			return chain.TxStatusNotFound, nil
		}
		return chain.TxStatusFinalized, nil
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 3)

	res, err := x.Execute(context.Background(), withdrawalEvent("evt-7"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, chain.TxRef("0xincluded"), res.TxRef)
	assert.Equal(t, 2, dest.submitCount())
}

func TestExecuteHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dest := &mockSubmitter{
		submitFn: func(int, [32]byte, chain.Payload) (chain.TxRef, error) {
			return "0xtx", nil
		},
		statusFn: func(chain.TxRef) (chain.TxStatus, error) {
			cancel()
			return chain.TxStatusPending, nil
		},
	}
	store := &recordingStore{}
	x := newTestExecutor(t, dest, store, 3)

	res, err := x.Execute(ctx, withdrawalEvent("evt-8"))
	require.Error(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Empty(t, store.confirmed)
}
