// Package web serves the HTTP side of the daemon: a sensor ingest endpoint
// for phones posting location fixes, and a small JSON status API.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"cuewatch/internal/engine"
	"cuewatch/internal/ipc"
	"cuewatch/internal/reminder"
	"cuewatch/internal/storage"
)

const maxBody = 1 << 16

type Server struct {
	engine *engine.Engine
	router *mux.Router
	web    http.Server
	token  string
}

// NewServer prepares a server on addr. An empty token disables auth.
func NewServer(eng *engine.Engine, addr, token string) *Server {
	s := &Server{
		engine: eng,
		router: mux.NewRouter(),
		token:  token,
	}
	s.initHandlers()
	s.web = http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

func (s *Server) initHandlers() {
	s.router.Use(s.logRequest, s.authenticate)

	s.router.HandleFunc("/owntracks", s.handleOwnTracks).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	api.HandleFunc("/location", s.handleLocation).Methods(http.MethodPost)
	api.HandleFunc("/battery", s.handleBattery).Methods(http.MethodPost)
	api.HandleFunc("/reminders", s.handleReminderList).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{id:(?:\\d+)}", s.handleReminderGet).Methods(http.MethodGet)
	api.HandleFunc("/reminders/{id:(?:\\d+)}/complete", s.handleReminderComplete).Methods(http.MethodPost)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/geofences", s.handleGeofences).Methods(http.MethodGet)
	api.HandleFunc("/alarm", s.handleAlarm).Methods(http.MethodGet)
	api.HandleFunc("/alarm/snooze", s.handleAlarmSnooze).Methods(http.MethodPost)
	api.HandleFunc("/alarm/dismiss", s.handleAlarmDismiss).Methods(http.MethodPost)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Printf("[INFO] Web API is going online at %s", s.web.Addr)
	if err := s.web.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve http on %s: %w", s.web.Addr, err)
	}
	log.Println("[INFO] HTTP server has shut down.")
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.web.Shutdown(ctx)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[TRACE] Handle %s %s from %s", r.Method, r.URL, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			log.Printf("[WARN] Rejected unauthenticated request from %s", r.RemoteAddr)
			s.sendError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] Cannot send response: %v", err)
	}
}

func (s *Server) sendData(w http.ResponseWriter, data interface{}) {
	s.sendJSON(w, http.StatusOK, ipc.Response{Success: true, Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, status int, msg string) {
	s.sendJSON(w, status, ipc.Response{Success: false, Message: msg})
}

// sendFailure maps engine errors onto status codes.
func (s *Server) sendFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, reminder.ErrInvalidRule):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[ERROR] %v", err)
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("cannot parse request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse id %q: %w", raw, err)
	}
	return id, nil
}
