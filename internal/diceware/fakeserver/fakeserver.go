// Package fakeserver is an in-memory implementation of the Diceware
// passphrase resource. Tests point diceware.Client at it through httptest,
// and cmd/diceware-devserver serves it for local development.
package fakeserver

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/diceware-go/internal/diceware"
)

type ownerKey struct{}

// Call records one request that reached a handler.
type Call struct {
	Method string
	Path   string
	Owner  string
}

// Server holds per-owner passphrase collections. The zero value is not
// usable; construct with New.
type Server struct {
	mu       sync.Mutex
	nextID   int64
	records  map[string]map[int64]diceware.Passphrase
	tokens   map[string]string
	anyToken bool
	failures map[string][]int
	calls    []Call
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAnyToken accepts every non-empty bearer token, using the token itself
// as the owner. Handy for the dev server.
func WithAnyToken() Option {
	return func(s *Server) { s.anyToken = true }
}

// New creates an empty server.
func New(logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		records:  make(map[string]map[int64]diceware.Passphrase),
		tokens:   make(map[string]string),
		failures: make(map[string][]int),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// AddToken authorizes token on behalf of owner.
func (s *Server) AddToken(token, owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[token] = owner
}

// FailNext makes the next request with the given method answer with status
// instead of being handled. Calls queue up in order.
func (s *Server) FailNext(method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[method] = append(s.failures[method], status)
}

// Seed stores records for owner, assigning IDs, and returns them.
func (s *Server) Seed(owner string, records ...diceware.Passphrase) []diceware.Passphrase {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]diceware.Passphrase, 0, len(records))
	for _, p := range records {
		out = append(out, s.insertLocked(owner, p))
	}

	return out
}

// Calls returns a copy of every request handled so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.calls)
}

// CountCalls returns how many handled requests used method.
func (s *Server) CountCalls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}

	return n
}

// Handler returns the chi router serving /passphrases/.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Get("/passphrases/", s.handleList)
	r.Post("/passphrases/", s.handleCreate)
	r.Get("/passphrases/{id}", s.handleGet)
	r.Put("/passphrases/{id}", s.handleUpdate)
	r.Delete("/passphrases/{id}", s.handleDelete)

	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		s.mu.Lock()
		owner, known := s.tokens[token]
		if !known && s.anyToken {
			owner, known = token, true
		}

		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Owner: owner})

		var status int
		if known {
			status = s.popFailureLocked(r.Method)
		}
		s.mu.Unlock()

		if !known {
			http.Error(w, "unknown bearer token", http.StatusUnauthorized)
			return
		}

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	s.mu.Lock()
	out := make([]diceware.Passphrase, 0, len(s.records[owner]))
	for _, p := range s.records[owner] {
		out = append(out, p.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b diceware.Passphrase) int {
		return cmp.Compare(a.ID, b.ID)
	})

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	ref := chi.URLParam(r, "id")
	if unescaped, err := url.PathUnescape(ref); err == nil {
		ref = unescaped
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if p, ok := s.records[owner][id]; ok {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}

	for _, p := range s.records[owner] {
		if p.Key == ref {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}

	http.Error(w, "passphrase not found", http.StatusNotFound)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	p, ok := decodePassphrase(w, r)
	if !ok {
		return
	}

	if p.ID != 0 {
		http.Error(w, "id must not be set on create", http.StatusBadRequest)
		return
	}

	if len(p.Words) == 0 {
		words, err := diceware.Generate(diceware.DefaultWords)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		p.Words = words
	}

	s.mu.Lock()
	if s.keyTakenLocked(owner, p.Key, 0) {
		s.mu.Unlock()
		http.Error(w, "key already exists", http.StatusConflict)

		return
	}

	created := s.insertLocked(owner, p)
	s.mu.Unlock()

	s.logger.Debug("fakeserver: created passphrase",
		slog.String("owner", owner),
		slog.Int64("id", created.ID),
	)

	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	id, ok := parseID(w, r)
	if !ok {
		return
	}

	p, ok := decodePassphrase(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, found := s.records[owner][id]
	if !found {
		http.Error(w, "passphrase not found", http.StatusNotFound)
		return
	}

	if s.keyTakenLocked(owner, p.Key, id) {
		http.Error(w, "key already exists", http.StatusConflict)
		return
	}

	existing.Key = p.Key
	if len(p.Words) > 0 {
		existing.Words = slices.Clone(p.Words)
	}

	s.records[owner][id] = existing

	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	id, ok := parseID(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.records[owner][id]; !found {
		http.Error(w, "passphrase not found", http.StatusNotFound)
		return
	}

	delete(s.records[owner], id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) insertLocked(owner string, p diceware.Passphrase) diceware.Passphrase {
	s.nextID++
	p = p.Clone()
	p.ID = s.nextID

	if s.records[owner] == nil {
		s.records[owner] = make(map[int64]diceware.Passphrase)
	}

	s.records[owner][p.ID] = p

	return p.Clone()
}

func (s *Server) keyTakenLocked(owner, key string, exceptID int64) bool {
	for id, p := range s.records[owner] {
		if id != exceptID && p.Key == key {
			return true
		}
	}

	return false
}

func (s *Server) popFailureLocked(method string) int {
	queue := s.failures[method]
	if len(queue) == 0 {
		return 0
	}

	s.failures[method] = queue[1:]

	return queue[0]
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid passphrase id", http.StatusBadRequest)
		return 0, false
	}

	return id, true
}

func decodePassphrase(w http.ResponseWriter, r *http.Request) (diceware.Passphrase, bool) {
	var p diceware.Passphrase
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "malformed passphrase", http.StatusBadRequest)
		return p, false
	}

	if err := p.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return p, false
	}

	return p, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
