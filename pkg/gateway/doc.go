// Package gateway is the administrative surface of the daemon: JSON-RPC 2.0
// over an HMAC-authenticated websocket (/ws) and over HTTP with a shared
// secret header (/rpc).
//
// Methods: health, cron.list, cron.add, cron.remove, cron.enable, cron.run,
// cron.status, pairing.list, pairing.approve, pairing.reject, sessions.list,
// sessions.show, sessions.delete and chat. A method is only registered when
// its backing service is configured.
//
// Invariants:
//   - A websocket client receives no response other than an auth error
//     until it signs the challenge; three bad signatures close the socket.
//   - Each client is rate limited (token bucket) and bounded in concurrent
//     requests.
//   - Mutating methods are written to the audit log with the caller.
//   - Events (cron.*, server.shutdown) go to authenticated clients only, in
//     increasing seq order.
//
// Usage:
//
//	srv, _ := gateway.NewServer(gateway.Config{Port: 18790, SharedSecret: secret, Cron: cronSvc})
//	_ = srv.Start()
//	client := gateway.NewRPCClient("http://127.0.0.1:18790", secret)
//	var jobs []cron.Job
//	_ = client.Call(ctx, "cron.list", nil, &jobs)
package gateway
