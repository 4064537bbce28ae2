package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/pkg/auth"
	"github.com/zenzlabs/zenz-relayer/pkg/reserve"
	"github.com/zenzlabs/zenz-relayer/pkg/state"
)

type fakeSettlementReader struct {
	settlements []*state.Settlement
	byID        map[string]*state.Settlement
	err         error
}

func (f *fakeSettlementReader) ListRecent(ctx context.Context, limit int) ([]*state.Settlement, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.settlements) {
		return f.settlements[:limit], nil
	}
	return f.settlements, nil
}

func (f *fakeSettlementReader) GetSettlement(ctx context.Context, eventID string) (*state.Settlement, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[eventID], nil
}

type fakeReserveReader struct {
	pools map[string]*state.ReservePool
}

func (f *fakeReserveReader) Snapshot(ctx context.Context, asset string) (*state.ReservePool, error) {
	pool, ok := f.pools[asset]
	if !ok {
		return nil, reserve.ErrUnknownPool
	}
	return pool, nil
}

type fakeReleaser struct {
	eventID string
	actor   string
	err     error
}

func (f *fakeReleaser) ForceRelease(ctx context.Context, eventID, actor string) error {
	f.eventID = eventID
	f.actor = actor
	return f.err
}

type fakePauser struct {
	paused bool
	actor  string
	err    error
}

func (f *fakePauser) Pause(ctx context.Context, actor string) error {
	if f.err != nil {
		return f.err
	}
	f.paused = true
	f.actor = actor
	return nil
}

func (f *fakePauser) Resume(ctx context.Context, actor string) error {
	if f.err != nil {
		return f.err
	}
	f.paused = false
	f.actor = actor
	return nil
}

func (f *fakePauser) Paused() bool { return f.paused }

func testSettlement(eventID string) *state.Settlement {
	return &state.Settlement{
		EventID:     eventID,
		Kind:        "deposit",
		Status:      state.StatusConfirmed,
		Beneficiary: "0x1111111111111111111111111111111111111111",
		Amount:      decimal.NewFromInt(100),
		Asset:       "ZEC",
	}
}

func TestHandleListSettlements(t *testing.T) {
	store := &fakeSettlementReader{
		settlements: []*state.Settlement{testSettlement("evt-1"), testSettlement("evt-2")},
	}
	handler := handleListSettlements(store, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Settlements []*state.Settlement `json:"settlements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Settlements, 2)
}

func TestHandleListSettlementsRejectsBadLimit(t *testing.T) {
	handler := handleListSettlements(&fakeSettlementReader{}, zap.NewNop())

	for _, limit := range []string{"0", "-5", "5000", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements?limit="+limit, nil)
		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestHandleGetSettlement(t *testing.T) {
	store := &fakeSettlementReader{
		byID: map[string]*state.Settlement{"evt-1": testSettlement("evt-1")},
	}

	r := chi.NewRouter()
	r.Get("/api/v1/settlements/{eventID}", handleGetSettlement(store, zap.NewNop()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements/evt-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got state.Settlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "evt-1", got.EventID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/settlements/evt-missing", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetReserve(t *testing.T) {
	rm := &fakeReserveReader{pools: map[string]*state.ReservePool{
		"ZEC": {Asset: "ZEC", Available: decimal.NewFromInt(600), Reserved: decimal.NewFromInt(400)},
	}}

	r := chi.NewRouter()
	r.Get("/api/v1/reserve/{asset}", handleGetReserve(rm, zap.NewNop()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reserve/ZEC", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var pool state.ReservePool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pool))
	assert.True(t, pool.Available.Equal(decimal.NewFromInt(600)))
	assert.True(t, pool.Reserved.Equal(decimal.NewFromInt(400)))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/reserve/DOGE", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleForceRelease(t *testing.T) {
	engine := &fakeReleaser{}

	r := chi.NewRouter()
	r.Post("/api/v1/settlements/{eventID}/release", handleForceRelease(engine, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/evt-stuck/release", nil)
	req = req.WithContext(auth.WithActor(req.Context(), "ops@zenzlabs.io"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "evt-stuck", engine.eventID)
	assert.Equal(t, "ops@zenzlabs.io", engine.actor)
}

func TestHandleForceReleaseRequiresActor(t *testing.T) {
	engine := &fakeReleaser{}

	r := chi.NewRouter()
	r.Post("/api/v1/settlements/{eventID}/release", handleForceRelease(engine, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/evt-stuck/release", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, engine.eventID)
}

func TestHandlePauseAndResume(t *testing.T) {
	engine := &fakePauser{}

	r := chi.NewRouter()
	r.Post("/api/v1/admin/pause", handlePause(engine, zap.NewNop()))
	r.Post("/api/v1/admin/resume", handleResume(engine, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/pause", nil)
	req = req.WithContext(auth.WithActor(req.Context(), "ops@zenzlabs.io"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["paused"])
	assert.Equal(t, "ops@zenzlabs.io", engine.actor)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/resume", nil)
	req = req.WithContext(auth.WithActor(req.Context(), "ops@zenzlabs.io"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body["paused"])
}

func TestHandlePauseRequiresActor(t *testing.T) {
	engine := &fakePauser{}

	r := chi.NewRouter()
	r.Post("/api/v1/admin/pause", handlePause(engine, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/pause", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, engine.paused)
}

func TestHandleForceReleaseConflict(t *testing.T) {
	engine := &fakeReleaser{err: fmt.Errorf("settlement evt-1 holds no reservation (status confirmed)")}

	r := chi.NewRouter()
	r.Post("/api/v1/settlements/{eventID}/release", handleForceRelease(engine, zap.NewNop()))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements/evt-1/release", nil)
	req = req.WithContext(auth.WithActor(req.Context(), "ops@zenzlabs.io"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
