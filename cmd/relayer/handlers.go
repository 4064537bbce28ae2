package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zenzlabs/zenz-relayer/pkg/auth"
	"github.com/zenzlabs/zenz-relayer/pkg/reserve"
	"github.com/zenzlabs/zenz-relayer/pkg/state"
)

type settlementReader interface {
	ListRecent(ctx context.Context, limit int) ([]*state.Settlement, error)
	GetSettlement(ctx context.Context, eventID string) (*state.Settlement, error)
}

type reserveReader interface {
	Snapshot(ctx context.Context, asset string) (*state.ReservePool, error)
}

type releaser interface {
	ForceRelease(ctx context.Context, eventID, actor string) error
}

type pauser interface {
	Pause(ctx context.Context, actor string) error
	Resume(ctx context.Context, actor string) error
	Paused() bool
}

func handleListSettlements(store settlementReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > 1000 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = parsed
		}

		settlements, err := store.ListRecent(r.Context(), limit)
		if err != nil {
			logger.Error("Failed to list settlements", zap.Error(err))
			http.Error(w, "Failed to list settlements", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{"settlements": settlements}); err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}

func handleGetSettlement(store settlementReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventID")
		settlement, err := store.GetSettlement(r.Context(), eventID)
		if err != nil {
			logger.Error("Failed to get settlement", zap.Error(err), zap.String("event_id", eventID))
			http.Error(w, "Failed to get settlement", http.StatusInternalServerError)
			return
		}
		if settlement == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(settlement); err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}

func handleGetReserve(rm reserveReader, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		asset := chi.URLParam(r, "asset")
		pool, err := rm.Snapshot(r.Context(), asset)
		if errors.Is(err, reserve.ErrUnknownPool) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("Failed to read reserve pool", zap.Error(err), zap.String("asset", asset))
			http.Error(w, "Failed to read reserve pool", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(pool); err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}

func handlePause(engine pauser, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			http.Error(w, "missing operator identity", http.StatusUnauthorized)
			return
		}

		if err := engine.Pause(r.Context(), actor); err != nil {
			logger.Error("Failed to pause settlement processing",
				zap.String("actor", actor), zap.Error(err))
			http.Error(w, "Failed to pause", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]bool{"paused": engine.Paused()}); err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}

func handleResume(engine pauser, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			http.Error(w, "missing operator identity", http.StatusUnauthorized)
			return
		}

		if err := engine.Resume(r.Context(), actor); err != nil {
			logger.Error("Failed to resume settlement processing",
				zap.String("actor", actor), zap.Error(err))
			http.Error(w, "Failed to resume", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]bool{"paused": engine.Paused()}); err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}

func handleForceRelease(engine releaser, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := chi.URLParam(r, "eventID")
		actor, ok := auth.ActorFromContext(r.Context())
		if !ok {
			http.Error(w, "missing operator identity", http.StatusUnauthorized)
			return
		}

		if err := engine.ForceRelease(r.Context(), eventID, actor); err != nil {
			logger.Warn("Force release rejected",
				zap.String("event_id", eventID),
				zap.String("actor", actor),
				zap.Error(err))
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]string{
			"event_id": eventID,
			"status":   string(state.StatusReleased),
		}); err != nil {
			logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}
