package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// HandlerFunc serves one operation. The returned value is encoded as the response data.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// InvokeHandler executes one step of a middleware chain.
type InvokeHandler func(context.Context, Request) (any, error)

// Middleware wraps operation handlers with cross cutting behavior.
type Middleware func(next InvokeHandler) InvokeHandler

// FailureMode controls how the server reacts to a handler panic.
type FailureMode int

const (
	// FailureModeRecover converts panics into UNKNOWN error responses.
	FailureModeRecover FailureMode = iota
	// FailureModeReject re-panics.
	FailureModeReject
	// FailureModeLogAndContinue logs through the failure logger, then replies UNKNOWN.
	FailureModeLogAndContinue
)

// FailureEvent carries context for failure logging.
type FailureEvent struct {
	Operation string
	RequestID string
	Err       error
	Panic     any
}

type FailureLogger func(FailureEvent)

type ServerOption func(*Server)

// WithFailureMode sets how handler panics are treated.
func WithFailureMode(mode FailureMode) ServerOption {
	return func(s *Server) {
		s.failureMode = mode
	}
}

// WithFailureLogger sets a callback for recovered failures.
func WithFailureLogger(fn FailureLogger) ServerOption {
	return func(s *Server) {
		s.failureLogger = fn
	}
}

// WithMiddleware appends middleware in registration order.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) {
		for _, m := range mw {
			if m != nil {
				s.middleware = append(s.middleware, m)
			}
		}
	}
}

// Server is the agent side of the protocol: an operation registry that turns requests
// into responses. It backs the local transport and can be mounted as an http.Handler.
type Server struct {
	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	middleware    []Middleware
	failureMode   FailureMode
	failureLogger FailureLogger
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register adds a handler for operation.
func (s *Server) Register(operation string, fn HandlerFunc) error {
	if operation == "" {
		return fmt.Errorf("agent operation required")
	}
	if fn == nil {
		return fmt.Errorf("agent handler for %q required", operation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[operation]; exists {
		return fmt.Errorf("agent operation %q already registered", operation)
	}
	s.handlers[operation] = fn
	return nil
}

// Handle registers a typed handler: the payload is decoded into Req before fn runs.
func Handle[Req any, Res any](s *Server, operation string, fn func(ctx context.Context, targetID string, req Req) (Res, error)) error {
	if fn == nil {
		return fmt.Errorf("agent handler for %q required", operation)
	}
	return s.Register(operation, func(ctx context.Context, r Request) (any, error) {
		var payload Req
		if len(r.Payload) > 0 && string(r.Payload) != "null" {
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				return nil, NewError(CodeUnknown, fmt.Sprintf("invalid %s payload: %v", operation, err))
			}
		}
		return fn(ctx, r.TargetID, payload)
	})
}

// Operations lists registered operations in sorted order.
func (s *Server) Operations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for op := range s.handlers {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

// Serve runs the handler for req and always produces a response carrying req.ID.
func (s *Server) Serve(ctx context.Context, req Request) (resp Response) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp.ID = req.ID

	s.mu.RLock()
	fn, ok := s.handlers[req.Operation]
	middleware := append([]Middleware(nil), s.middleware...)
	s.mu.RUnlock()
	if !ok {
		resp.Error = &WireError{Code: CodeUnknown, Message: fmt.Sprintf("unknown operation %q", req.Operation)}
		return resp
	}

	defer func() {
		if p := recover(); p != nil {
			event := FailureEvent{
				Operation: req.Operation,
				RequestID: req.ID,
				Err:       fmt.Errorf("agent operation %q panicked: %v", req.Operation, p),
				Panic:     p,
			}
			if s.failureMode == FailureModeReject {
				panic(p)
			}
			if s.failureLogger != nil {
				s.failureLogger(event)
			}
			resp = Response{ID: req.ID, Error: &WireError{Code: CodeUnknown, Message: event.Err.Error()}}
		}
	}()

	out, err := applyMiddleware(middleware, fn)(ctx, req)
	if err != nil {
		resp.Error = toWireError(err)
		return resp
	}
	data, err := json.Marshal(out)
	if err != nil {
		resp.Error = &WireError{Code: CodeUnknown, Message: fmt.Sprintf("encode %s result: %v", req.Operation, err)}
		return resp
	}
	resp.Success = true
	resp.Data = data
	return resp
}

// ServeHTTP accepts a JSON encoded Request and writes the JSON Response.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp := s.Serve(r.Context(), req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func applyMiddleware(middleware []Middleware, fn HandlerFunc) InvokeHandler {
	handler := InvokeHandler(fn)
	for i := len(middleware) - 1; i >= 0; i-- {
		if middleware[i] == nil {
			continue
		}
		handler = middleware[i](handler)
	}
	return handler
}
