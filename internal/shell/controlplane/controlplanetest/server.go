// Package controlplanetest provides a fake Portainer-style control plane for tests.
package controlplanetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CreateCall is one recorded stack-creation request.
type CreateCall struct {
	Name          string
	EndpointID    int
	SwarmID       string
	Content       string
	Authorization string
}

// Server is an in-process control plane.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	Username string
	Password string

	// NullToken makes successful authentication return {"jwt": null}.
	NullToken bool

	// Reject makes stack creation fail with 400 for the named stacks.
	Reject map[string]bool

	// Endpoints is returned by GET /api/endpoints.
	Endpoints []map[string]any

	// OnCreate runs for every accepted or rejected creation, outside the lock.
	OnCreate func(name string)

	token   string
	nextID  int
	stacks  []map[string]any
	creates []CreateCall
	auths   int
}

// New starts a fake control plane accepting admin/secret.
func New() *Server {
	s := &Server{
		Username:  "admin",
		Password:  "secret",
		Reject:    make(map[string]bool),
		Endpoints: []map[string]any{{"Id": 1, "Name": "primary", "Type": 2}},
		token:     "test-jwt",
		nextID:    1,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/auth", s.handleAuth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/api/endpoints", s.handleEndpoints)
		r.Get("/api/stacks", s.handleListStacks)
		r.Post("/api/stacks/create/swarm/string", s.handleCreateStack)
	})

	s.Server = httptest.NewServer(r)
	return s
}

// Creates returns the recorded stack-creation requests in order.
func (s *Server) Creates() []CreateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CreateCall, len(s.creates))
	copy(out, s.creates)
	return out
}

// AuthCount returns the number of authentication attempts.
func (s *Server) AuthCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auths
}

// SetReject toggles rejection of stack creation for name.
func (s *Server) SetReject(name string, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reject[name] = reject
}

// AddStack registers an existing managed stack.
func (s *Server) AddStack(name string, endpointID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks = append(s.stacks, map[string]any{"Id": s.nextID, "Name": name, "Type": 1, "EndpointId": endpointID})
	s.nextID++
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	s.mu.Lock()
	s.auths++
	s.mu.Unlock()

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if body.Username != s.Username || body.Password != s.Password {
		writeError(w, http.StatusUnprocessableEntity, "Invalid credentials")
		return
	}
	if s.NullToken {
		writeJSON(w, http.StatusOK, map[string]any{"jwt": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jwt": s.token})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.Endpoints)
}

func (s *Server) handleListStacks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stacks := s.stacks
	if stacks == nil {
		stacks = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, stacks)
}

func (s *Server) handleCreateStack(w http.ResponseWriter, r *http.Request) {
	endpointID, err := strconv.Atoi(r.URL.Query().Get("endpointId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameter: endpointId")
		return
	}

	var body struct {
		Name             string `json:"name"`
		SwarmID          string `json:"swarmID"`
		StackFileContent string `json:"stackFileContent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	s.mu.Lock()
	s.creates = append(s.creates, CreateCall{
		Name:          body.Name,
		EndpointID:    endpointID,
		SwarmID:       body.SwarmID,
		Content:       body.StackFileContent,
		Authorization: r.Header.Get("Authorization"),
	})
	hook := s.OnCreate
	rejected := s.Reject[body.Name] || strings.TrimSpace(body.StackFileContent) == "" || body.SwarmID == ""
	var duplicate bool
	for _, st := range s.stacks {
		if st["Name"] == body.Name {
			duplicate = true
		}
	}
	var stack map[string]any
	if !rejected && !duplicate {
		stack = map[string]any{"Id": s.nextID, "Name": body.Name, "Type": 1, "EndpointId": endpointID, "SwarmId": body.SwarmID}
		s.nextID++
		s.stacks = append(s.stacks, stack)
	}
	s.mu.Unlock()

	if hook != nil {
		hook(body.Name)
	}

	switch {
	case rejected:
		writeError(w, http.StatusBadRequest, "Invalid stack file content")
	case duplicate:
		writeError(w, http.StatusConflict, "A stack with the normalized name '"+body.Name+"' already exists")
	default:
		writeJSON(w, http.StatusOK, stack)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message, "details": http.StatusText(status)})
}
