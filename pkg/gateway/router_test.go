package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()
	handler := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return "result", nil
	}

	require.NoError(t, router.RegisterMethod("b.method", handler))
	require.NoError(t, router.RegisterMethod("a.method", handler))
	assert.True(t, router.HasMethod("a.method"))
	assert.Equal(t, []string{"a.method", "b.method"}, router.Methods())

	err := router.RegisterMethod("nil.method", nil)
	assert.ErrorContains(t, err, "handler cannot be nil")

	router.UnregisterMethod("a.method")
	assert.False(t, router.HasMethod("a.method"))
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	tests := []struct {
		name string
		data string
		code int
	}{
		{"malformed", `{"id":`, ParseError},
		{"missing id", `{"method":"health"}`, InvalidRequest},
		{"missing method", `{"id":"1"}`, InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tt.data))
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
		})
	}

	req, err := router.ParseRequest([]byte(`{"id":"1","method":"health"}`))
	require.NoError(t, err)
	assert.Equal(t, "2.0", req.JSONRPC)
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	_ = router.RegisterMethod("echo", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return params, nil
	})
	_ = router.RegisterMethod("missing", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, &RPCError{Code: NotFound, Message: "no such thing"}
	})
	_ = router.RegisterMethod("broken", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "echo", Params: map[string]interface{}{"a": "b"}})
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"a":"b"}`, string(resp.Result))

	resp = router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)

	resp = router.RouteRequest(ctx, &RPCRequest{ID: "3", Method: "broken"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InternalError, resp.Error.Code)
	assert.Equal(t, "boom", resp.Error.Message)

	resp = router.RouteRequest(ctx, &RPCRequest{ID: "4", Method: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, MethodNotFound, resp.Error.Code)
	assert.Equal(t, "4", resp.ID)

	resp = router.RouteRequest(ctx, nil)
	assert.Equal(t, InvalidRequest, resp.Error.Code)
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	router.now = func() time.Time { return now }

	calls := 0
	_ = router.RegisterMethod("count", func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	})
	ctx := context.Background()

	first := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "count", IdempotencyKey: "k"})
	second := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "count", IdempotencyKey: "k"})
	assert.Equal(t, 1, calls)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, first.Result, second.Result)

	router.RouteRequest(ctx, &RPCRequest{ID: "3", Method: "count"})
	assert.Equal(t, 2, calls)

	now = now.Add(defaultIdempotencyTTL + time.Second)
	third := router.RouteRequest(ctx, &RPCRequest{ID: "4", Method: "count", IdempotencyKey: "k"})
	assert.Equal(t, 3, calls)
	var n int
	require.NoError(t, json.Unmarshal(third.Result, &n))
	assert.Equal(t, 3, n)
}
