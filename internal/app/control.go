package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicesat/internal/health"
	"github.com/MrWong99/voicesat/internal/observe"
	"github.com/MrWong99/voicesat/internal/satellite"
)

// Controls are the gestures the control endpoints forward to a satellite.
// [*satellite.Session] implements it.
type Controls interface {
	StartListening(ctx context.Context) error
	StopListening()
	Cancel()
	CancelTimer(id string) error
	Hide()
	Show(ctx context.Context) error
	Status() satellite.Status
}

// statusBody is the JSON shape of GET /status.
type statusBody struct {
	Listening   bool   `json:"listening"`
	State       string `json:"state"`
	OnDevice    bool   `json:"on_device"`
	ModelLoaded bool   `json:"model_loaded"`
	Unavailable bool   `json:"unavailable"`
	Hidden      bool   `json:"hidden"`
}

type visibilityBody struct {
	Hidden bool `json:"hidden"`
}

type errorBody struct {
	Error string `json:"error"`
}

// NewControlMux returns the control surface for c:
//
//	GET    /status           session snapshot
//	POST   /start            start listening (the start-required gesture)
//	POST   /stop             stop listening
//	POST   /cancel           cancel a notification, turn or ringing timer
//	POST   /visibility       {"hidden": bool}
//	DELETE /timers/{id}      cancel a timer
func NewControlMux(c Controls) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		st := c.Status()
		writeJSON(w, http.StatusOK, statusBody{
			Listening:   st.Listening,
			State:       st.State.String(),
			OnDevice:    st.OnDevice,
			ModelLoaded: st.ModelLoaded,
			Unavailable: st.Unavailable,
			Hidden:      st.Hidden,
		})
	})

	mux.HandleFunc("POST /start", func(w http.ResponseWriter, r *http.Request) {
		if err := c.StartListening(context.WithoutCancel(r.Context())); err != nil {
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, _ *http.Request) {
		c.StopListening()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /cancel", func(w http.ResponseWriter, _ *http.Request) {
		c.Cancel()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /visibility", func(w http.ResponseWriter, r *http.Request) {
		var body visibilityBody
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
		if body.Hidden {
			c.Hide()
		} else if err := c.Show(context.WithoutCancel(r.Context())); err != nil {
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /timers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := c.CancelTimer(r.PathValue("id")); err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			writeJSON(w, status, errorBody{Error: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

// Handler returns the daemon's HTTP surface: the control endpoints, the
// health probes and the Prometheus /metrics endpoint, wrapped in the
// observability middleware.
func (a *App) Handler() http.Handler {
	mux := NewControlMux(a.session)

	checks := append([]health.Checker{health.Connection(a.conn)}, health.Satellite(a.session)...)
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(a.metrics)(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("control: write response failed", "err", err)
	}
}
