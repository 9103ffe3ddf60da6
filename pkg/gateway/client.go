package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// RPCClient calls a running gateway. Requests go over /rpc; Subscribe
// opens an authenticated websocket for events.
type RPCClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewRPCClient creates a client for the gateway at baseURL, for example
// "http://127.0.0.1:18790".
func NewRPCClient(baseURL, secret string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Minute},
	}
}

// Call invokes method and decodes the result into out when out is not nil.
// RPC failures are returned as *RPCError.
func (c *RPCClient) Call(ctx context.Context, method string, params map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(RPCRequest{
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes*8))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("gateway rejected the shared secret")
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("invalid gateway response (status %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Subscribe connects to /ws, completes the challenge handshake and calls
// handle for every event until ctx ends or the connection drops.
func (c *RPCClient) Subscribe(ctx context.Context, handle func(EventMessage)) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var challenge AuthChallenge
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("failed to read challenge: %w", err)
	}
	if err := conn.WriteJSON(AuthResponse{Method: "auth.response", Signature: SignChallenge(c.secret, challenge.Challenge)}); err != nil {
		return fmt.Errorf("failed to send auth response: %w", err)
	}
	var result AuthResult
	if err := conn.ReadJSON(&result); err != nil {
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("authentication failed: %s", result.Message)
	}

	for {
		var ev EventMessage
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		if ev.Type == "event" {
			handle(ev)
		}
	}
}
