// Package server is a reference backend for the HTTP executor. It keeps
// records in a storage.PersistentStore, detects stale writes through a
// conflict.ObjectState and either reports conflicts for the client to
// resolve or resolves them itself.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c0deZ3R0/go-offline-kit/clientid"
	"github.com/c0deZ3R0/go-offline-kit/conflict"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/operation"
	"github.com/c0deZ3R0/go-offline-kit/storage"
	"github.com/c0deZ3R0/go-offline-kit/storage/memory"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpexec"
)

// RecordKeyPrefix prefixes record keys in the backing store.
const RecordKeyPrefix = "record:"

// Policy decides what happens to a stale write.
type Policy string

const (
	// PolicyClient answers 409 and lets the client resolve.
	PolicyClient Policy = "client"
	// PolicyServer merges on the server with the configured strategy.
	PolicyServer Policy = "server"
	// PolicyReject keeps the server state and drops the write.
	PolicyReject Policy = "reject"
)

// ParsePolicy maps a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyClient:
		return PolicyClient, nil
	case PolicyServer, PolicyReject:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Option configures a Server.
type Option func(*Server)

// WithRecords sets the record store. Defaults to memory.
func WithRecords(s storage.PersistentStore) Option {
	return func(srv *Server) {
		if s != nil {
			srv.records = s
		}
	}
}

// WithObjectState sets conflict detection. Defaults to VersionedState.
func WithObjectState(s conflict.ObjectState) Option {
	return func(srv *Server) {
		if s != nil {
			srv.state = s
		}
	}
}

// WithPolicy sets the stale write policy and, for PolicyServer, the merge
// strategy. A nil strategy means ClientWins.
func WithPolicy(p Policy, strategy conflict.ServerStrategy) Option {
	return func(srv *Server) {
		srv.policy = p
		if strategy != nil {
			srv.strategy = strategy
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// WithMaxBodyBytes limits operation request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.maxBodyBytes = n
		}
	}
}

// WithPingInterval sets the websocket keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.pingInterval = d
		}
	}
}

// Server serves operations over HTTP.
type Server struct {
	records      storage.PersistentStore
	state        conflict.ObjectState
	policy       Policy
	strategy     conflict.ServerStrategy
	logger       *logging.Logger
	maxBodyBytes int64
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	// writeMu makes check-and-write on a record atomic.
	writeMu sync.Mutex
	router  chi.Router
}

// New creates a Server.
func New(opts ...Option) *Server {
	s := &Server{
		records:      memory.New(),
		state:        conflict.NewVersionedState(),
		policy:       PolicyClient,
		strategy:     conflict.ClientWins,
		logger:       logging.WithComponent(logging.ComponentServer),
		maxBodyBytes: 8 << 20,
		pingInterval: 20 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws", s.handleWebSocket)
	r.Post(httpexec.OperationsPath, s.handleOperation)
	r.Get("/records/{id}", s.handleGetRecord)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	body, err := httpexec.ReadRequest(r, s.maxBodyBytes)
	if err != nil {
		http.Error(w, err.Error(), httpexec.StatusForError(err))
		return
	}
	var op operation.Operation
	if err := json.Unmarshal(body, &op); err != nil {
		http.Error(w, "invalid operation: "+err.Error(), http.StatusBadRequest)
		return
	}

	status, result := s.Apply(r.Context(), op)
	writeJSON(w, status, result)
}

// Apply executes op against the record store and returns the HTTP status
// and result the handler sends.
func (s *Server) Apply(ctx context.Context, op operation.Operation) (int, operation.Result) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	logger := s.logger.With(slog.String("operation", op.Name), slog.String("kind", string(op.Kind)))

	kind := op.Kind
	if kind == "" {
		if _, ok := op.ID(); ok {
			kind = operation.KindUpdate
		} else {
			kind = operation.KindCreate
		}
	}

	var (
		status int
		result operation.Result
		err    error
	)
	switch kind {
	case operation.KindCreate:
		status, result, err = s.create(ctx, op)
	case operation.KindUpdate:
		status, result, err = s.update(ctx, op)
	case operation.KindDelete:
		status, result, err = s.remove(ctx, op)
	default:
		return http.StatusOK, rejected("unsupported operation kind %q", op.Kind)
	}
	if err != nil {
		s.logger.LogError(ctx, err, "operation failed", slog.String("operation", op.Name))
		return http.StatusInternalServerError, rejected("internal error")
	}
	logger.Debug("operation applied", slog.Int("status", status), slog.Bool("rejected", result.HasErrors()))
	return status, result
}

func (s *Server) create(ctx context.Context, op operation.Operation) (int, operation.Result, error) {
	field := op.IdentifierField()
	id, ok := op.ID()
	if !ok || clientid.IsClientGenerated(id) {
		id = uuid.NewString()
	} else if _, found, err := s.load(ctx, id); err != nil {
		return 0, operation.Result{}, err
	} else if found {
		return http.StatusOK, rejected("record %s already exists", id), nil
	}

	record := conflict.Entity{}
	for k, v := range op.Variables {
		record[k] = v
	}
	record[field] = id
	for _, f := range s.state.StateFields() {
		if f != field {
			delete(record, f)
		}
	}
	record = s.state.NextState(record)
	if err := s.save(ctx, id, record); err != nil {
		return 0, operation.Result{}, err
	}
	return http.StatusOK, data(op, record), nil
}

func (s *Server) update(ctx context.Context, op operation.Operation) (int, operation.Result, error) {
	id, ok := op.ID()
	if !ok {
		return http.StatusOK, rejected("%s requires %q", op.Name, op.IdentifierField()), nil
	}
	current, found, err := s.load(ctx, id)
	if err != nil {
		return 0, operation.Result{}, err
	}
	if !found {
		return http.StatusOK, rejected("record %s not found", id), nil
	}

	client := conflict.Entity(op.Variables)
	conflicted, err := s.state.HasConflict(current, client)
	if err != nil {
		return http.StatusOK, rejected("%v", err), nil
	}

	if !conflicted {
		merged, _ := conflict.ClientWins(ctx, current, client)
		next := s.state.NextState(merged)
		if err := s.save(ctx, id, next); err != nil {
			return 0, operation.Result{}, err
		}
		return http.StatusOK, data(op, next), nil
	}

	switch s.policy {
	case PolicyServer:
		res, err := s.state.ResolveOnServer(ctx, s.strategy, current, client)
		if err != nil {
			return http.StatusOK, rejected("%v", err), nil
		}
		if err := s.save(ctx, id, res.State); err != nil {
			return 0, operation.Result{}, err
		}
		out := data(op, res.State)
		out.Conflict = &operation.ConflictInfo{Server: res.State, Client: client, ResolvedOnServer: true}
		return http.StatusOK, out, nil
	case PolicyReject:
		res := s.state.Reject(current, client)
		out := data(op, res.State)
		out.Conflict = &operation.ConflictInfo{Server: res.State, Client: client, ResolvedOnServer: true}
		return http.StatusOK, out, nil
	default:
		res := s.state.ResolveOnClient(current, client)
		return http.StatusConflict, operation.Result{Conflict: &operation.ConflictInfo{
			Server: res.State,
			Client: client,
		}}, nil
	}
}

func (s *Server) remove(ctx context.Context, op operation.Operation) (int, operation.Result, error) {
	id, ok := op.ID()
	if !ok {
		return http.StatusOK, rejected("%s requires %q", op.Name, op.IdentifierField()), nil
	}
	current, found, err := s.load(ctx, id)
	if err != nil {
		return 0, operation.Result{}, err
	}
	if !found {
		return http.StatusOK, rejected("record %s not found", id), nil
	}
	if err := s.records.RemoveItem(ctx, RecordKeyPrefix+id); err != nil {
		return 0, operation.Result{}, err
	}
	return http.StatusOK, data(op, current), nil
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, found, err := s.load(r.Context(), id)
	if err != nil {
		s.logger.LogError(r.Context(), err, "load record failed", slog.String("id", id))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Record returns a stored record.
func (s *Server) Record(ctx context.Context, id string) (conflict.Entity, bool, error) {
	return s.load(ctx, id)
}

func (s *Server) load(ctx context.Context, id string) (conflict.Entity, bool, error) {
	raw, err := s.records.GetItem(ctx, RecordKeyPrefix+id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record conflict.Entity
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return record, true, nil
}

func (s *Server) save(ctx context.Context, id string, record conflict.Entity) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	return s.records.SetItem(ctx, RecordKeyPrefix+id, raw)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func data(op operation.Operation, record conflict.Entity) operation.Result {
	return operation.Result{Data: map[string]any{op.Name: record}}
}

func rejected(format string, args ...any) operation.Result {
	return operation.Result{Errors: []operation.ResultError{{Message: fmt.Sprintf(format, args...)}}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
