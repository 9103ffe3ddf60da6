package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultIdempotencyTTL = 5 * time.Minute

// RPCRouter maps method names to handlers. Requests that carry an
// idempotency key get the cached response on repeat within the TTL.
type RPCRouter struct {
	mu               sync.RWMutex
	methods          map[string]RequestHandler
	idempotencyTTL   time.Duration
	idempotencyCache map[string]cachedRPCResponse
	now              func() time.Time
}

type cachedRPCResponse struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:          make(map[string]RequestHandler),
		idempotencyTTL:   defaultIdempotencyTTL,
		idempotencyCache: make(map[string]cachedRPCResponse),
		now:              time.Now,
	}
}

// RegisterMethod registers or replaces a handler.
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = handler
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[name]
	return ok
}

// Methods returns the registered method names, sorted.
func (r *RPCRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseRequest parses and validates a JSON-RPC request.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if req.ID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	}
	if req.Method == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req and builds its response. Handler
// errors that are *RPCError keep their code; anything else is an internal
// error.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", InvalidRequest, "invalid request")
	}

	cacheKey := ""
	if req.IdempotencyKey != "" {
		cacheKey = req.Method + ":" + req.IdempotencyKey
		if cached, ok := r.cached(cacheKey); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	result, err := handler(ctx, params)

	var response *RPCResponse
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			response = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: rpcErr}
		} else {
			response = errorResponse(req.ID, InternalError, err.Error())
		}
	} else {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			response = errorResponse(req.ID, InternalError, fmt.Sprintf("failed to encode result: %v", mErr))
		} else {
			response = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: data}
		}
	}

	if cacheKey != "" && response.Error == nil {
		r.store(cacheKey, *response)
	}
	return response
}

func errorResponse(id string, code int, message string) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: &RPCError{Code: code, Message: message}}
}

func (r *RPCRouter) cached(key string) (RPCResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.idempotencyCache[key]
	if !ok {
		return RPCResponse{}, false
	}
	if r.now().After(entry.expiresAt) {
		delete(r.idempotencyCache, key)
		return RPCResponse{}, false
	}
	return entry.response, true
}

func (r *RPCRouter) store(key string, response RPCResponse) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, entry := range r.idempotencyCache {
		if now.After(entry.expiresAt) {
			delete(r.idempotencyCache, k)
		}
	}
	r.idempotencyCache[key] = cachedRPCResponse{response: response, expiresAt: now.Add(r.idempotencyTTL)}
}
