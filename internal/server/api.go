package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/tripsync/internal/engine"
	"github.com/autopeer-io/tripsync/internal/georide"
	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/pkg/middleware"
	"github.com/autopeer-io/tripsync/pkg/log"
)

// State is the engine surface served by the API.
type State interface {
	Tracker(id string) (engine.TrackerView, bool)
	Trackers() []engine.TrackerView
	Degraded() bool

	ConfirmFillup(ctx context.Context, id string) error
	ConfirmMaintenance(ctx context.Context, id string, d engine.Discipline) error
	SetOdometer(ctx context.Context, id string, value float64) error
	ResetOdometerOffset(ctx context.Context, id string) error
	SetSetting(ctx context.Context, id, key string, value float64) error
}

// Refresher triggers an on-demand poll of one domain of a tracker.
type Refresher interface {
	Refresh(trackerID string, d engine.Domain) error
}

// Commander forwards tracker commands to the remote service.
type Commander interface {
	SetEcoMode(ctx context.Context, trackerID string, on bool) error
	SetLock(ctx context.Context, trackerID string, locked bool) error
	SilenceAlarm(ctx context.Context, trackerID string) error
	TripPositions(ctx context.Context, trackerID, tripID string) ([]georide.Position, error)
}

// API is the HTTP presentation of the engine.
type API struct {
	state     State
	refresher Refresher
	commander Commander
	metrics   http.Handler
}

func NewAPI(state State, refresher Refresher, commander Commander) *API {
	return &API{
		state:     state,
		refresher: refresher,
		commander: commander,
		metrics:   promhttp.Handler(),
	}
}

// Handler returns the routed handler.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.Logging, middleware.Timeout(middleware.DefaultRequestTimeout))

	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", a.metrics).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/settings", a.listSettings).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1/trackers").Subrouter()
	v1.HandleFunc("", a.listTrackers).Methods(http.MethodGet)
	v1.HandleFunc("/{id}", a.getTracker).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/fillup", a.confirmFillup).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/maintenance/{discipline}", a.confirmMaintenance).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/odometer", a.setOdometer).Methods(http.MethodPut)
	v1.HandleFunc("/{id}/odometer/offset", a.resetOffset).Methods(http.MethodDelete)
	v1.HandleFunc("/{id}/settings/{key}", a.setSetting).Methods(http.MethodPut)
	v1.HandleFunc("/{id}/refresh/{domain}", a.refresh).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/eco", a.setEco).Methods(http.MethodPut)
	v1.HandleFunc("/{id}/lock", a.setLock).Methods(http.MethodPut)
	v1.HandleFunc("/{id}/alarm/silence", a.silenceAlarm).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/trips/{tripID}/positions", a.tripPositions).Methods(http.MethodGet)

	return r
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) readyz(w http.ResponseWriter, _ *http.Request) {
	if a.state.Degraded() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) listTrackers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.state.Trackers())
}

type settingInfo struct {
	Key string `json:"key"`
	engine.Bound
}

func (a *API) listSettings(w http.ResponseWriter, _ *http.Request) {
	keys := engine.SettingKeys()
	out := make([]settingInfo, 0, len(keys))
	for _, k := range keys {
		b, _ := engine.Bounds(k)
		out = append(out, settingInfo{Key: k, Bound: b})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getTracker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	v, ok := a.state.Tracker(id)
	if !ok {
		writeError(w, errdefs.NotFound("tracker %s", id))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) confirmFillup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a.respond(w, r, a.state.ConfirmFillup(r.Context(), id))
}

func (a *API) confirmMaintenance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, ok := engine.ParseDiscipline(vars["discipline"])
	if !ok {
		writeError(w, errdefs.ConfigInvalid("unknown maintenance discipline %q", vars["discipline"]))
		return
	}
	a.respond(w, r, a.state.ConfirmMaintenance(r.Context(), vars["id"], d))
}

type valueRequest struct {
	Value *float64 `json:"value"`
}

func (a *API) setOdometer(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if err := decode(r, &req); err != nil || req.Value == nil {
		writeError(w, errdefs.ConfigInvalid("body must be {\"value\": number}"))
		return
	}
	a.respond(w, r, a.state.SetOdometer(r.Context(), mux.Vars(r)["id"], *req.Value))
}

func (a *API) resetOffset(w http.ResponseWriter, r *http.Request) {
	a.respond(w, r, a.state.ResetOdometerOffset(r.Context(), mux.Vars(r)["id"]))
}

func (a *API) setSetting(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req valueRequest
	if err := decode(r, &req); err != nil || req.Value == nil {
		writeError(w, errdefs.ConfigInvalid("body must be {\"value\": number}"))
		return
	}
	a.respond(w, r, a.state.SetSetting(r.Context(), vars["id"], vars["key"], *req.Value))
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.refresher.Refresh(vars["id"], engine.Domain(vars["domain"])); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) setEco(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On *bool `json:"on"`
	}
	if err := decode(r, &req); err != nil || req.On == nil {
		writeError(w, errdefs.ConfigInvalid("body must be {\"on\": bool}"))
		return
	}
	a.command(w, r, func(ctx context.Context, id string) error { return a.commander.SetEcoMode(ctx, id, *req.On) })
}

func (a *API) setLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locked *bool `json:"locked"`
	}
	if err := decode(r, &req); err != nil || req.Locked == nil {
		writeError(w, errdefs.ConfigInvalid("body must be {\"locked\": bool}"))
		return
	}
	a.command(w, r, func(ctx context.Context, id string) error { return a.commander.SetLock(ctx, id, *req.Locked) })
}

func (a *API) silenceAlarm(w http.ResponseWriter, r *http.Request) {
	a.command(w, r, a.commander.SilenceAlarm)
}

func (a *API) tripPositions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := a.state.Tracker(vars["id"]); !ok {
		writeError(w, errdefs.NotFound("tracker %s", vars["id"]))
		return
	}
	positions, err := a.commander.TripPositions(r.Context(), vars["id"], vars["tripID"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// command runs a remote command for a known tracker.
func (a *API) command(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id := mux.Vars(r)["id"]
	if _, ok := a.state.Tracker(id); !ok {
		writeError(w, errdefs.NotFound("tracker %s", id))
		return
	}
	if err := fn(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respond answers an action with the updated tracker view.
func (a *API) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	v, _ := a.state.Tracker(id)
	writeJSON(w, http.StatusOK, v)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err, "Failed to encode response")
	}
}

func statusFor(err error) int {
	switch {
	case errdefs.IsConfigInvalid(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAuth(err):
		return http.StatusBadGateway
	case errdefs.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error(err, "API request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
