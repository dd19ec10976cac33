package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/integration-compression/internal/pkg/application"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/device"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
)

type Router interface {
	Start(port string) error
	Shutdown(ctx context.Context) error
}

type routerStruct struct {
	router chi.Router
	app    application.SessionController
	log    zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

func SetupRouter(chiRouter chi.Router, app application.SessionController, log zerolog.Logger) *routerStruct {
	r := &routerStruct{
		router: chiRouter,
		app:    app,
		log:    log,
	}

	chiRouter.Use(middleware.Logger)
	chiRouter.Get("/health", r.health)

	chiRouter.Route("/api", func(api chi.Router) {
		api.Get("/state", r.state)

		api.Post("/patient", r.selectPatient)
		api.Put("/configuration", r.configure)

		api.Post("/sessions", r.createSession)
		api.Get("/sessions", r.listSessions)
		api.Get("/sessions/{id}", r.getSession)
		api.Get("/patients/{id}/sessions", r.listPatientSessions)

		api.Get("/devices", r.devices)
		api.Post("/devices/access", r.requestDeviceAccess)
		api.Put("/device", r.selectDevice)

		api.Post("/connect", r.command(r.app.Connect))
		api.Post("/start", r.command(r.app.Start))
		api.Post("/stop", r.command(r.app.Stop))
		api.Post("/disconnect", r.command(r.app.Disconnect))
		api.Post("/reset", r.command(r.app.Reset))

		api.Get("/readings/stream", r.streamReadings)
	})

	return r
}

func (r *routerStruct) Start(port string) error {
	r.log.Info().Str("port", port).Msg("starting to listen for connections")

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: r.router,
	}

	r.mu.Lock()
	r.server = server
	r.mu.Unlock()

	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (r *routerStruct) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	server := r.server
	r.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (router *routerStruct) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (router *routerStruct) state(w http.ResponseWriter, r *http.Request) {
	router.writeJSON(w, http.StatusOK, router.app.Snapshot())
}

type patientRequest struct {
	PatientID string `json:"patientId"`
}

func (router *routerStruct) selectPatient(w http.ResponseWriter, r *http.Request) {
	req := patientRequest{}
	if !router.decode(w, r, &req) {
		return
	}

	router.respond(w, router.app.SelectPatient(r.Context(), req.PatientID))
}

type configurationRequest struct {
	TargetPressure  float64 `json:"targetPressure"`
	HoldTimeSeconds int     `json:"holdTimeSeconds"`
}

func (router *routerStruct) configure(w http.ResponseWriter, r *http.Request) {
	req := configurationRequest{}
	if !router.decode(w, r, &req) {
		return
	}

	router.respond(w, router.app.Configure(r.Context(), req.TargetPressure, req.HoldTimeSeconds))
}

func (router *routerStruct) createSession(w http.ResponseWriter, r *http.Request) {
	req := domain.SessionConfig{}
	if !router.decode(w, r, &req) {
		return
	}

	session, err := router.app.CreateSession(r.Context(), req.PatientID, req.TargetPressure, req.HoldTimeSeconds)
	if err != nil {
		router.writeError(w, err)
		return
	}

	router.writeJSON(w, http.StatusCreated, session)
}

func (router *routerStruct) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := router.app.ListSessions(r.Context())
	if err != nil {
		router.writeError(w, err)
		return
	}

	router.writeJSON(w, http.StatusOK, sessions)
}

func (router *routerStruct) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := router.app.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		router.writeError(w, err)
		return
	}

	router.writeJSON(w, http.StatusOK, session)
}

func (router *routerStruct) listPatientSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := router.app.ListSessionsByPatient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		router.writeError(w, err)
		return
	}

	router.writeJSON(w, http.StatusOK, sessions)
}

func (router *routerStruct) devices(w http.ResponseWriter, r *http.Request) {
	ports, err := router.app.Devices(r.Context())
	if err != nil {
		router.writeError(w, err)
		return
	}

	router.writeJSON(w, http.StatusOK, ports)
}

type portRequest struct {
	Name string `json:"name"`
}

// requestDeviceAccess grants the named port. An empty name is the operator
// cancelling the consent prompt.
func (router *routerStruct) requestDeviceAccess(w http.ResponseWriter, r *http.Request) {
	req := portRequest{}
	if !router.decode(w, r, &req) {
		return
	}

	port, err := router.app.RequestDeviceAccess(r.Context(), device.ChooseNamed(req.Name))
	if err != nil {
		router.writeError(w, err)
		return
	}

	if port == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	router.writeJSON(w, http.StatusOK, port)
}

func (router *routerStruct) selectDevice(w http.ResponseWriter, r *http.Request) {
	req := portRequest{}
	if !router.decode(w, r, &req) {
		return
	}

	ports, err := router.app.Devices(r.Context())
	if err != nil {
		router.writeError(w, err)
		return
	}

	for _, p := range ports {
		if p.Name == req.Name {
			router.respond(w, router.app.SelectDevice(r.Context(), p))
			return
		}
	}

	http.Error(w, fmt.Sprintf("port %q is not an authorized device", req.Name), http.StatusNotFound)
}

func (router *routerStruct) command(action func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		router.respond(w, action(r.Context()))
	}
}

func (router *routerStruct) streamReadings(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	readings, unsubscribe := router.app.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case reading, ok := <-readings:
			if !ok {
				return
			}

			b, err := json.Marshal(reading)
			if err != nil {
				router.log.Error().Err(err).Msg("failed to marshal reading")
				continue
			}

			id++
			fmt.Fprintf(w, "id: %d\nevent: reading\ndata: %s\n\n", id, b)
			flusher.Flush()
		}
	}
}

func (router *routerStruct) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return false
	}

	return true
}

func (router *routerStruct) respond(w http.ResponseWriter, err error) {
	if err != nil {
		router.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (router *routerStruct) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		router.log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (router *routerStruct) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		router.log.Error().Err(err).Int("status", status).Msg("request failed")
	}

	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, application.ErrValidation):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, device.ErrUnknownPort):
		return http.StatusNotFound
	case errors.Is(err, device.ErrConnection), errors.Is(err, device.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrIO):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
