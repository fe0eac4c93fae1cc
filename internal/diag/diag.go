// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package diag serves a read-mostly HTTP view of the running plant.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeo-scada/brewery-modbus/internal/netinfo"
	"github.com/edgeo-scada/brewery-modbus/internal/plant"
)

// Plant is the part of the address-map manager the API exposes.
type Plant interface {
	AddFermenter(id string) (int, error)
	RemoveFermenter(id string) error
	ListFermenters() []string
	Slot(id string) (int, bool)
	GetRegisterMap() plant.RegisterMap
	ReadSetpoints() (plant.Setpoints, error)
}

// App holds the handlers' dependencies.
type App struct {
	Plant    Plant
	Gatherer prometheus.Gatherer
	// ModbusPort is probed by /api/network.
	ModbusPort int
	Logger     *slog.Logger
}

// FermenterSlot is the body returned when a fermenter is registered.
type FermenterSlot struct {
	ID          string `json:"id"`
	Slot        int    `json:"slot"`
	BaseAddress uint16 `json:"base_address"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Router builds the API routes.
func (app *App) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(app.requestID)

	r.HandleFunc("/api/fermenters", app.FermentersHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/fermenters/{id}", app.AddFermenterHandler).Methods(http.MethodPost, http.MethodPut)
	r.HandleFunc("/api/fermenters/{id}", app.RemoveFermenterHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/registers", app.RegistersHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/setpoints", app.SetpointsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/network", app.NetworkHandler).Methods(http.MethodGet)

	if app.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(app.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (app *App) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		app.logger().Debug("diag request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

// FermentersHandler lists registered fermenters in registration order.
func (app *App) FermentersHandler(w http.ResponseWriter, r *http.Request) {
	ids := app.Plant.ListFermenters()
	if ids == nil {
		ids = []string{}
	}
	app.writeJSON(w, http.StatusOK, ids)
}

// AddFermenterHandler registers the fermenter named in the path.
func (app *App) AddFermenterHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, existed := app.Plant.Slot(id)

	slot, err := app.Plant.AddFermenter(id)
	if err != nil {
		app.writeError(w, err)
		return
	}

	base := app.Plant.GetRegisterMap().Fermenters[id]["base_address"]
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	app.writeJSON(w, status, FermenterSlot{ID: id, Slot: slot, BaseAddress: base})
}

// RemoveFermenterHandler frees the fermenter's slot.
func (app *App) RemoveFermenterHandler(w http.ResponseWriter, r *http.Request) {
	if err := app.Plant.RemoveFermenter(mux.Vars(r)["id"]); err != nil {
		app.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegistersHandler returns the register map.
func (app *App) RegistersHandler(w http.ResponseWriter, r *http.Request) {
	app.writeJSON(w, http.StatusOK, app.Plant.GetRegisterMap())
}

// SetpointsHandler returns the setpoint mirrors.
func (app *App) SetpointsHandler(w http.ResponseWriter, r *http.Request) {
	sp, err := app.Plant.ReadSetpoints()
	if err != nil {
		app.writeError(w, err)
		return
	}
	app.writeJSON(w, http.StatusOK, sp)
}

// NetworkHandler returns host addresses and the Modbus port state.
func (app *App) NetworkHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	app.writeJSON(w, http.StatusOK, netinfo.Gather(ctx, app.ModbusPort))
}

func (app *App) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, plant.ErrUnknownFermenter):
		status = http.StatusNotFound
	case errors.Is(err, plant.ErrNoFreeSlot):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		app.logger().Error("diag request failed", slog.String("error", err.Error()))
	}
	app.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (app *App) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		app.logger().Error("malformed JSON", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	w.Write(body)
}

func (app *App) logger() *slog.Logger {
	if app.Logger == nil {
		return slog.Default()
	}
	return app.Logger
}
