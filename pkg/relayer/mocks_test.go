package relayer

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zenzlabs/zenz-relayer/pkg/chain"
	"github.com/zenzlabs/zenz-relayer/pkg/executor"
	"github.com/zenzlabs/zenz-relayer/pkg/reserve"
	"github.com/zenzlabs/zenz-relayer/pkg/state"
)

// mockSource feeds a fixed event channel and never errors.
type mockSource struct {
	events  chan chain.Event
	healthy bool
}

func newMockSource(buffer int) *mockSource {
	return &mockSource{events: make(chan chain.Event, buffer), healthy: true}
}

func (m *mockSource) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockSource) Events() <-chan chain.Event { return m.events }
func (m *mockSource) Healthy() bool              { return m.healthy }

// fakeStore is an in-memory SettlementStore tracking enough state for the
// pipeline assertions.
type fakeStore struct {
	mu          sync.Mutex
	settlements map[string]*state.Settlement
	poolCredits map[string]decimal.Decimal
	audit       []string
	resumable   []*state.Settlement
	retryable   []*state.Settlement

	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settlements: make(map[string]*state.Settlement),
		poolCredits: make(map[string]decimal.Decimal),
	}
}

func (s *fakeStore) CreateSettlement(_ context.Context, ev chain.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return false, s.createErr
	}
	if _, ok := s.settlements[ev.ID]; ok {
		return false, nil
	}
	s.settlements[ev.ID] = &state.Settlement{
		EventID:     ev.ID,
		Kind:        string(ev.Kind),
		Status:      state.StatusPending,
		Beneficiary: ev.Payload.Beneficiary,
		Amount:      ev.Payload.Amount,
		Asset:       ev.Payload.Asset,
	}
	if ev.Kind == chain.KindDeposit {
		s.poolCredits[ev.Payload.Asset] = s.poolCredits[ev.Payload.Asset].Add(ev.Payload.Amount)
	}
	return true, nil
}

func (s *fakeStore) GetSettlement(_ context.Context, eventID string) (*state.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settlements[eventID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) ListResumable(context.Context) ([]*state.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumable, nil
}

func (s *fakeStore) ListRetryable(context.Context, time.Duration) ([]*state.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryable, nil
}

func (s *fakeStore) CountOpen(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.settlements {
		if !rec.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) setStatus(eventID string, status state.SettlementStatus, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settlements[eventID]
	if !ok {
		rec = &state.Settlement{EventID: eventID}
		s.settlements[eventID] = rec
	}
	rec.Status = status
	rec.LastError = &cause
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, eventID, cause string) error {
	return s.setStatus(eventID, state.StatusFailed, cause)
}

func (s *fakeStore) MarkPending(_ context.Context, eventID, cause string) error {
	return s.setStatus(eventID, state.StatusPending, cause)
}

func (s *fakeStore) AppendAudit(_ context.Context, action, eventID, actor, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, action+":"+eventID+":"+actor)
	return nil
}

func (s *fakeStore) status(eventID string) state.SettlementStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settlements[eventID]
	if !ok {
		return ""
	}
	return rec.Status
}

// mockReserve mirrors the manager's transition guards against the fake
// store, counting lifecycle calls. Per-test behavior comes from the func
// fields.
type mockReserve struct {
	store *fakeStore

	mu       sync.Mutex
	reserves int
	commits  int
	releases int

	tryReserveFn func(eventID, asset string, amount decimal.Decimal) (*reserve.Reservation, error)
}

func newMockReserve(store *fakeStore) *mockReserve {
	return &mockReserve{store: store}
}

func (m *mockReserve) TryReserve(_ context.Context, eventID, asset string, amount decimal.Decimal) (*reserve.Reservation, error) {
	m.mu.Lock()
	m.reserves++
	m.mu.Unlock()
	if m.tryReserveFn != nil {
		return m.tryReserveFn(eventID, asset, amount)
	}
	if m.store.status(eventID) != state.StatusPending {
		return nil, state.ErrInvalidTransition
	}
	m.store.setStatus(eventID, state.StatusReserved, "")
	return &reserve.Reservation{ID: "res-" + eventID, EventID: eventID, Asset: asset, Amount: amount}, nil
}

func (m *mockReserve) Commit(context.Context, *reserve.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	return nil
}

func (m *mockReserve) Release(_ context.Context, res *reserve.Reservation, to state.SettlementStatus, cause string) error {
	switch m.store.status(res.EventID) {
	case state.StatusReserved, state.StatusSubmitted:
	default:
		return state.ErrInvalidTransition
	}
	m.store.setStatus(res.EventID, to, cause)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return nil
}

func (m *mockReserve) CheckInvariant(context.Context, string, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (m *mockReserve) counts() (reserves, commits, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserves, m.commits, m.releases
}

// mockExecutor returns the configured result or confirms by default.
type mockExecutor struct {
	mu        sync.Mutex
	calls     int
	executeFn func(ev chain.Event) (executor.Result, error)
}

func (m *mockExecutor) Execute(_ context.Context, ev chain.Event) (executor.Result, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ev)
	}
	return executor.Result{Outcome: executor.OutcomeConfirmed, TxRef: "0xconfirmed"}, nil
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
