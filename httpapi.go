package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stratasysbridge/internal/printer"
)

type API struct {
	poller  *Poller
	sensors []Sensor
	logger  *slog.Logger
}

type StatusResponse struct {
	Online       bool           `json:"online"`
	Connected    bool           `json:"connected"`
	Model        string         `json:"model"`
	FetchedAt    *time.Time     `json:"fetched_at"`
	Failures     int            `json:"failures"`
	Error        string         `json:"error,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	ScanInterval int            `json:"scan_interval"`
	Sensors      map[string]any `json:"sensors"`
	Raw          printer.Status `json:"raw,omitempty"`
}

type SensorResponse struct {
	ObjectID    string `json:"object_id"`
	Name        string `json:"name"`
	Component   string `json:"component"`
	Unit        string `json:"unit,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
	Available   bool   `json:"available"`
	Value       any    `json:"value"`
}

func (a *API) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", a.status).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sensors", a.listSensors).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/sensors/{id}", a.getSensor).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// Serve runs the API on addr until ctx is done.
func (a *API) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: a.Router(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("HTTP API listening.", "address", listener.Addr().String())

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	snap := a.poller.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": snap.Online,
	})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	snap := a.poller.Snapshot()

	resp := StatusResponse{
		Online:       snap.Online,
		Connected:    snap.Connected(),
		Model:        snap.Model(),
		Failures:     snap.Failures,
		ScanInterval: int(a.poller.Interval() / time.Second),
		Sensors:      StateDocument(a.sensors, snap),
		Raw:          snap.Status,
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt.UTC()
		resp.FetchedAt = &t
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
		resp.ErrorType = printer.Kind(snap.Err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listSensors(w http.ResponseWriter, r *http.Request) {
	snap := a.poller.Snapshot()

	out := make([]SensorResponse, 0, len(a.sensors))
	for _, s := range a.sensors {
		out = append(out, sensorResponse(s, snap))
	}

	writeJSON(w, http.StatusOK, out)
}

func (a *API) getSensor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap := a.poller.Snapshot()

	for _, s := range a.sensors {
		if s.ObjectID() == id {
			writeJSON(w, http.StatusOK, sensorResponse(s, snap))
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown sensor " + id})
}

func sensorResponse(s Sensor, snap Snapshot) SensorResponse {
	return SensorResponse{
		ObjectID:    s.ObjectID(),
		Name:        s.Name,
		Component:   s.Component,
		Unit:        s.Unit,
		DeviceClass: s.DeviceClass,
		Available:   s.Available(snap),
		Value:       s.State(snap),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
