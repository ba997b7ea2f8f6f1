package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/panduza/panduza-core/internal/factory"
	"github.com/panduza/panduza-core/internal/reactor"
)

// handleListOrders returns every stored production order.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "fleet store not configured")
		return
	}
	records, err := s.fleet.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": records, "count": len(records)})
}

// handleGetOrder returns one stored order.
func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "fleet store not configured")
		return
	}
	rec, err := s.fleet.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateOrder stores an order and spawns its instance.
//
// The order is only kept when the instance could be produced, so a
// restart never replays an order the factory refuses.
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "fleet store not configured")
		return
	}

	var order factory.ProductionOrder
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if err := order.Validate(); err != nil {
		writeOrderError(w, err)
		return
	}
	if len(order.DeviceSettings) == 0 {
		order.DeviceSettings = json.RawMessage("{}")
	}

	ctx := r.Context()
	if err := s.fleet.Create(ctx, order); err != nil {
		writeOrderError(w, err)
		return
	}
	if err := s.runtime.Spawn(order); err != nil {
		if delErr := s.fleet.Delete(ctx, order.DeviceName); delErr != nil {
			s.logger.Error("rolling back order failed", "instance", order.DeviceName, "error", delErr)
		}
		writeOrderError(w, err)
		return
	}

	s.logger.Info("order created", "instance", order.DeviceName, "ref", order.DeviceRef)
	writeJSON(w, http.StatusCreated, order)
}

// handleDeleteOrder stops the instance and forgets its order.
func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeUnavailable(w, "fleet store not configured")
		return
	}

	ctx := r.Context()
	name := chi.URLParam(r, "name")
	if err := s.runtime.Remove(ctx, name); err != nil && !errors.Is(err, reactor.ErrUnknownInstance) {
		writeOrderError(w, err)
		return
	}
	if err := s.fleet.Delete(ctx, name); err != nil {
		writeOrderError(w, err)
		return
	}

	s.logger.Info("order deleted", "instance", name)
	w.WriteHeader(http.StatusNoContent)
}
