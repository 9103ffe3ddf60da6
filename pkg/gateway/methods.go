package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/cron"
	"github.com/harun/switchboard/pkg/dispatcher"
	"github.com/harun/switchboard/pkg/pairing"
	"github.com/harun/switchboard/pkg/session"
)

// CronAdmin is the part of the cron service exposed to administrators.
type CronAdmin interface {
	ListJobs(includeDisabled bool) []cron.Job
	AddJob(params cron.AddParams) (*cron.Job, error)
	RemoveJob(id string) error
	SetEnabled(id string, enabled bool) (*cron.Job, error)
	RunJob(ctx context.Context, id string, force bool) error
	Status() cron.Status
}

// PairingAdmin resolves pairing requests.
type PairingAdmin interface {
	List(channel string, state pairing.State) ([]pairing.Request, error)
	Approve(ctx context.Context, channel, code, actor string) (pairing.Request, error)
	Reject(ctx context.Context, channel, code, actor string) (pairing.Request, error)
}

// SessionAdmin inspects and deletes sessions.
type SessionAdmin interface {
	List(ctx context.Context) ([]session.Info, error)
	Meta(ctx context.Context, key string) (session.Meta, error)
	Load(ctx context.Context, key string) ([]session.Message, error)
	Delete(ctx context.Context, key string) error
}

// Dispatcher runs admin chat turns and reports queue state.
type Dispatcher interface {
	Chat(ctx context.Context, message, sessionKey string) (string, error)
	Stats() dispatcher.Stats
}

// SessionDetail is the result of sessions.show.
type SessionDetail struct {
	Meta     session.Meta      `json:"meta" yaml:"meta"`
	Messages []session.Message `json:"messages" yaml:"messages"`
}

// ChatResult is the result of chat.
type ChatResult struct {
	SessionKey string `json:"sessionKey" yaml:"sessionKey"`
	Reply      string `json:"reply" yaml:"reply"`
}

// Health is the result of health.
type Health struct {
	Status     string            `json:"status" yaml:"status"`
	Uptime     string            `json:"uptime" yaml:"uptime"`
	Clients    int               `json:"clients" yaml:"clients"`
	Dispatcher *dispatcher.Stats `json:"dispatcher,omitempty" yaml:"dispatcher,omitempty"`
	Cron       *cron.Status      `json:"cron,omitempty" yaml:"cron,omitempty"`
	Methods    []string          `json:"methods" yaml:"methods"`
}

// OK is the result of methods with nothing else to report.
type OK struct {
	OK bool `json:"ok" yaml:"ok"`
}

// mutatingMethods are recorded in the audit log.
var mutatingMethods = map[string]bool{
	"cron.add":        true,
	"cron.remove":     true,
	"cron.enable":     true,
	"cron.run":        true,
	"pairing.approve": true,
	"pairing.reject":  true,
	"sessions.delete": true,
	"chat":            true,
}

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("health", s.handleHealth)

	if s.cfg.Cron != nil {
		_ = s.router.RegisterMethod("cron.list", s.handleCronList)
		_ = s.router.RegisterMethod("cron.add", s.handleCronAdd)
		_ = s.router.RegisterMethod("cron.remove", s.handleCronRemove)
		_ = s.router.RegisterMethod("cron.enable", s.handleCronEnable)
		_ = s.router.RegisterMethod("cron.run", s.handleCronRun)
		_ = s.router.RegisterMethod("cron.status", s.handleCronStatus)
	}
	if s.cfg.Pairing != nil {
		_ = s.router.RegisterMethod("pairing.list", s.handlePairingList)
		_ = s.router.RegisterMethod("pairing.approve", s.handlePairingApprove)
		_ = s.router.RegisterMethod("pairing.reject", s.handlePairingReject)
	}
	if s.cfg.Sessions != nil {
		_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
		_ = s.router.RegisterMethod("sessions.show", s.handleSessionsShow)
		_ = s.router.RegisterMethod("sessions.delete", s.handleSessionsDelete)
	}
	if s.cfg.Dispatcher != nil {
		_ = s.router.RegisterMethod("chat", s.handleChat)
	}
}

func (s *Server) handleHealth(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	h := Health{
		Status:  "ok",
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
		Clients: s.clients.Count(),
		Methods: s.router.Methods(),
	}
	if s.cfg.Dispatcher != nil {
		stats := s.cfg.Dispatcher.Stats()
		h.Dispatcher = &stats
	}
	if s.cfg.Cron != nil {
		status := s.cfg.Cron.Status()
		h.Cron = &status
	}
	return h, nil
}

func (s *Server) handleCronList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	includeDisabled, err := boolParam(params, "includeDisabled", false)
	if err != nil {
		return nil, err
	}
	jobs := s.cfg.Cron.ListJobs(includeDisabled)
	if jobs == nil {
		jobs = []cron.Job{}
	}
	return jobs, nil
}

func (s *Server) handleCronAdd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var add cron.AddParams
	if err := decodeParams(params, &add); err != nil {
		return nil, err
	}
	job, err := s.cfg.Cron.AddJob(add)
	if err != nil {
		return nil, classify(err)
	}
	return job, nil
}

func (s *Server) handleCronRemove(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "id", true)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Cron.RemoveJob(id); err != nil {
		return nil, classify(err)
	}
	return OK{OK: true}, nil
}

func (s *Server) handleCronEnable(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "id", true)
	if err != nil {
		return nil, err
	}
	enabled, err := boolParam(params, "enabled", true)
	if err != nil {
		return nil, err
	}
	job, err := s.cfg.Cron.SetEnabled(id, enabled)
	if err != nil {
		return nil, classify(err)
	}
	return job, nil
}

func (s *Server) handleCronRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "id", true)
	if err != nil {
		return nil, err
	}
	force, err := boolParam(params, "force", false)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Cron.RunJob(ctx, id, force); err != nil {
		return nil, classify(err)
	}
	return OK{OK: true}, nil
}

func (s *Server) handleCronStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.cfg.Cron.Status(), nil
}

func (s *Server) handlePairingList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	channel, err := stringParam(params, "channel", false)
	if err != nil {
		return nil, err
	}
	state, err := stringParam(params, "state", false)
	if err != nil {
		return nil, err
	}
	switch pairing.State(state) {
	case "", pairing.StatePending, pairing.StateApproved, pairing.StateRejected:
	default:
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid state %q", state)}
	}
	requests, err := s.cfg.Pairing.List(channel, pairing.State(state))
	if err != nil {
		return nil, classify(err)
	}
	if requests == nil {
		requests = []pairing.Request{}
	}
	return requests, nil
}

func (s *Server) handlePairingApprove(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.resolvePairing(ctx, params, s.cfg.Pairing.Approve)
}

func (s *Server) handlePairingReject(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return s.resolvePairing(ctx, params, s.cfg.Pairing.Reject)
}

func (s *Server) resolvePairing(ctx context.Context, params map[string]interface{}, resolve func(context.Context, string, string, string) (pairing.Request, error)) (interface{}, error) {
	channel, err := stringParam(params, "channel", true)
	if err != nil {
		return nil, err
	}
	code, err := stringParam(params, "code", true)
	if err != nil {
		return nil, err
	}
	req, err := resolve(ctx, channel, strings.ToUpper(code), actorFromContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return req, nil
}

func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	infos, err := s.cfg.Sessions.List(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if infos == nil {
		infos = []session.Info{}
	}
	return infos, nil
}

func (s *Server) handleSessionsShow(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := stringParam(params, "key", true)
	if err != nil {
		return nil, err
	}
	limit, err := intParam(params, "limit")
	if err != nil {
		return nil, err
	}
	meta, err := s.cfg.Sessions.Meta(ctx, key)
	if err != nil {
		return nil, classify(err)
	}
	msgs, err := s.cfg.Sessions.Load(ctx, key)
	if err != nil {
		return nil, classify(err)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []session.Message{}
	}
	return SessionDetail{Meta: meta, Messages: msgs}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	key, err := stringParam(params, "key", true)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Sessions.Delete(ctx, key); err != nil {
		return nil, classify(err)
	}
	return OK{OK: true}, nil
}

func (s *Server) handleChat(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	message, err := stringParam(params, "message", true)
	if err != nil {
		return nil, err
	}
	key, err := stringParam(params, "sessionKey", false)
	if err != nil {
		return nil, err
	}
	reply, err := s.cfg.Dispatcher.Chat(ctx, message, key)
	if err != nil {
		return nil, classify(err)
	}
	if key == "" {
		key = bus.DefaultSessionKey
	}
	return ChatResult{SessionKey: key, Reply: reply}, nil
}

// classify maps domain errors onto RPC error codes.
func classify(err error) error {
	switch {
	case errors.Is(err, cron.ErrJobNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, pairing.ErrRequestNotFound):
		return &RPCError{Code: NotFound, Message: err.Error()}
	case errors.Is(err, cron.ErrInvalidSchedule),
		errors.Is(err, cron.ErrJobDisabled),
		errors.Is(err, session.ErrInvalidKey):
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	default:
		return err
	}
}

func invalidParam(name, reason string) error {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid params: %s %s", name, reason)}
}

func stringParam(params map[string]interface{}, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return "", invalidParam(name, "is required")
		}
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", invalidParam(name, "must be a string")
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", invalidParam(name, "is required")
	}
	return value, nil
}

func boolParam(params map[string]interface{}, name string, def bool) (bool, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return def, nil
	}
	value, ok := raw.(bool)
	if !ok {
		return false, invalidParam(name, "must be a boolean")
	}
	return value, nil
}

func intParam(params map[string]interface{}, name string) (int, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return 0, nil
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, invalidParam(name, "must be a number")
	}
}

func decodeParams(params map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return invalidParam("params", err.Error())
	}
	if err := json.Unmarshal(data, out); err != nil {
		return invalidParam("params", err.Error())
	}
	return nil
}
