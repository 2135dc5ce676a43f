// Package portainertest provides an in-process fake of the control plane API
// for tests. It keeps stacks in memory, issues signed bearer tokens, records
// every call and can inject failures.
package portainertest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/bcnelson/portainer-stack-deployer/internal/domain"
)

// Default credentials accepted by a new Server.
const (
	Username = "admin"
	Password = "s3cret"
)

var signingKey = []byte("portainertest-signing-key-0123456789")

// Stack is a stack held by the fake server.
type Stack struct {
	ID         int
	Name       string
	EndpointID int
	SwarmID    string
	Content    string
	Env        []domain.EnvVar
	Prune      bool
}

// Call is a recorded request.
type Call struct {
	Method string
	Path   string
}

type endpoint struct {
	ID      int
	Name    string
	SwarmID string
}

// Server is a fake control plane.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	endpoints []endpoint
	stacks    map[int]*Stack
	nextID    int
	tokenTTL  time.Duration
	tokens    map[string]bool
	calls     []Call
	failures  map[string][]int
	// draining holds names of asynchronously deleted stacks that are gone
	// from listings but still block a new stack with the same name.
	draining    map[string]bool
	asyncDelete bool
}

// NewServer starts a fake control plane with one swarm endpoint (id 1,
// name "primary"). It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		endpoints: []endpoint{{ID: 1, Name: "primary", SwarmID: "swarm-primary"}},
		stacks:    map[int]*Stack{},
		nextID:    1,
		tokenTTL:  time.Hour,
		tokens:    map[string]bool{},
		failures:  map[string][]int{},
		draining:  map[string]bool{},
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Post("/api/auth", s.handleAuth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/api/endpoints", s.handleListEndpoints)
		r.Get("/api/endpoints/{id}/docker/swarm", s.handleSwarm)
		r.Get("/api/stacks", s.handleListStacks)
		r.Post("/api/stacks", s.handleCreateStack)
		r.Put("/api/stacks/{id}", s.handleUpdateStack)
		r.Delete("/api/stacks/{id}", s.handleDeleteStack)
	})
	return r
}

// AddEndpoint registers an endpoint. An empty swarmID makes it a
// standalone (non-swarm) endpoint.
func (s *Server) AddEndpoint(id int, name, swarmID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints = append(s.endpoints, endpoint{ID: id, Name: name, SwarmID: swarmID})
}

// AddStack seeds a stack and returns its id. Duplicate names are allowed
// here so tests can build states the API would normally refuse.
func (s *Server) AddStack(name string, endpointID int, content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.stacks[id] = &Stack{ID: id, Name: name, EndpointID: endpointID, Content: content}
	return id
}

// Stack returns a copy of the stack with the given id.
func (s *Server) Stack(id int) (Stack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[id]
	if !ok {
		return Stack{}, false
	}
	return *st, true
}

// StacksNamed returns copies of every stack with the given name.
func (s *Server) StacksNamed(name string) []Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Stack
	for _, st := range s.stacks {
		if st.Name == name {
			out = append(out, *st)
		}
	}
	return out
}

// SetTokenTTL changes the lifetime of tokens issued from now on. A negative
// value issues tokens that are already expired.
func (s *Server) SetTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = ttl
}

// SetAsyncDelete makes deletions return before the stack name is released.
// Until ReleaseDeleted is called, creating a stack with a deleted name fails
// with 409.
func (s *Server) SetAsyncDelete(async bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asyncDelete = async
}

// ReleaseDeleted finishes every pending asynchronous deletion.
func (s *Server) ReleaseDeleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = map[string]bool{}
}

// FailNext makes the next requests matching method and path (for example
// "GET", "/api/stacks") fail with the given statuses, one per request.
func (s *Server) FailNext(method, path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], statuses...)
}

// Calls returns how many requests matched method and path.
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// MutatingCalls returns how many POST, PUT or DELETE requests were made
// against stacks.
func (s *Server) MutatingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method != http.MethodGet && strings.HasPrefix(c.Path, "/api/stacks") {
			n++
		}
	}
	return n
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path})
		var status int
		if pending := s.failures[key]; len(pending) > 0 {
			status = pending[0]
			s.failures[key] = pending[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		valid := ok && s.tokens[token]
		s.mu.Unlock()
		if !valid {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if body.Username != Username || body.Password != Password {
		writeError(w, http.StatusUnprocessableEntity, "Invalid credentials")
		return
	}

	s.mu.Lock()
	ttl := s.tokenTTL
	s.mu.Unlock()

	token, err := issueToken(body.Username, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.mu.Lock()
	s.tokens[token] = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"jwt": token})
}

func issueToken(username string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.Claims{
		Subject:  username,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		ID:       strconv.FormatInt(now.UnixNano(), 36),
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, map[string]any{"Id": ep.ID, "Name": ep.Name, "Type": 2})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSwarm(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endpoint identifier")
		return
	}
	ep, ok := s.endpoint(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Unable to find an environment with the specified identifier")
		return
	}
	if ep.SwarmID == "" {
		writeError(w, http.StatusServiceUnavailable, "This node is not a swarm manager")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ID": ep.SwarmID, "Spec": map[string]any{"Name": "default"}})
}

func (s *Server) endpoint(id int) (endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return endpoint{}, false
}

func (s *Server) handleListStacks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]map[string]any, 0, len(s.stacks))
	for id := 1; id < s.nextID; id++ {
		st, ok := s.stacks[id]
		if !ok {
			continue
		}
		out = append(out, stackJSON(st))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func stackJSON(st *Stack) map[string]any {
	return map[string]any{
		"Id":         st.ID,
		"Name":       st.Name,
		"Type":       1,
		"EndpointId": st.EndpointID,
		"SwarmId":    st.SwarmID,
		"Status":     1,
	}
}

func (s *Server) handleCreateStack(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("type") != "1" || q.Get("method") != "string" {
		writeError(w, http.StatusBadRequest, "Invalid query parameter: type or method")
		return
	}
	endpointID, err := strconv.Atoi(q.Get("endpointId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameter: endpointId")
		return
	}
	ep, ok := s.endpoint(endpointID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unable to find an environment with the specified identifier")
		return
	}

	var body struct {
		Name             string
		SwarmID          string
		StackFileContent string
		Env              []domain.EnvVar
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	switch {
	case body.Name == "":
		writeError(w, http.StatusBadRequest, "Invalid stack name")
		return
	case body.StackFileContent == "":
		writeError(w, http.StatusBadRequest, "Invalid stack file content")
		return
	case body.SwarmID != ep.SwarmID:
		writeError(w, http.StatusBadRequest, "Invalid Swarm ID")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining[body.Name] {
		writeError(w, http.StatusConflict, "A stack with the normalized name '"+body.Name+"' is being removed")
		return
	}
	for _, st := range s.stacks {
		if st.Name == body.Name {
			writeError(w, http.StatusConflict, "A stack with the normalized name '"+body.Name+"' already exists")
			return
		}
	}
	st := &Stack{
		ID:         s.nextID,
		Name:       body.Name,
		EndpointID: endpointID,
		SwarmID:    body.SwarmID,
		Content:    body.StackFileContent,
		Env:        body.Env,
	}
	s.nextID++
	s.stacks[st.ID] = st
	writeJSON(w, http.StatusOK, stackJSON(st))
}

func (s *Server) handleUpdateStack(w http.ResponseWriter, r *http.Request) {
	id, endpointID, ok := stackParams(w, r)
	if !ok {
		return
	}

	var body struct {
		StackFileContent string
		Env              []domain.EnvVar
		Prune            bool
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}
	if body.StackFileContent == "" {
		writeError(w, http.StatusBadRequest, "Invalid stack file content")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.stacks[id]
	if !found {
		writeError(w, http.StatusNotFound, "Unable to find a stack with the specified identifier inside the database")
		return
	}
	if st.EndpointID != endpointID {
		writeError(w, http.StatusBadRequest, "Stack is not attached to the specified environment")
		return
	}
	st.Content = body.StackFileContent
	st.Env = body.Env
	st.Prune = body.Prune
	writeJSON(w, http.StatusOK, stackJSON(st))
}

func (s *Server) handleDeleteStack(w http.ResponseWriter, r *http.Request) {
	id, _, ok := stackParams(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.stacks[id]
	if !found {
		writeError(w, http.StatusNotFound, "Unable to find a stack with the specified identifier inside the database")
		return
	}
	delete(s.stacks, id)
	if s.asyncDelete {
		s.draining[st.Name] = true
	}
	w.WriteHeader(http.StatusNoContent)
}

func stackParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid stack identifier route variable")
		return 0, 0, false
	}
	endpointID, err := strconv.Atoi(r.URL.Query().Get("endpointId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query parameter: endpointId")
		return 0, 0, false
	}
	return id, endpointID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message, "details": message})
}
