package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/rs/zerolog/log"
)

// DM policies.
const (
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
	DMPolicyDisabled  = "disabled"
)

// Group policies.
const (
	GroupPolicyOpen      = "open"
	GroupPolicyMention   = "mention"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyDisabled  = "disabled"
)

const notAuthorizedNotice = "You are not authorized to use this assistant."

// Policy is the consent policy of one channel.
type Policy struct {
	DMPolicy       string   `json:"dm_policy" mapstructure:"dm_policy"`
	GroupPolicy    string   `json:"group_policy" mapstructure:"group_policy"`
	AllowFrom      []string `json:"allow_from" mapstructure:"allow_from"`
	GroupAllowFrom []string `json:"group_allow_from" mapstructure:"group_allow_from"`
}

func (p Policy) normalized() Policy {
	if p.DMPolicy == "" {
		p.DMPolicy = DMPolicyPairing
	}
	if p.GroupPolicy == "" {
		p.GroupPolicy = GroupPolicyMention
	}
	return p
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	// Ignored means the event was not addressed to the agent and should be
	// dropped without any reply.
	Ignored bool
	// Notice, when set, is sent back to the sender.
	Notice  string
	Request *Request
	Reason  string
}

// Gate decides whether an inbound event may reach the agent loop.
type Gate struct {
	service  *Service
	policies map[string]Policy
	fallback Policy
}

// NewGate creates a gate. Channels without an explicit policy use fallback.
func NewGate(service *Service, policies map[string]Policy, fallback Policy) *Gate {
	normalized := make(map[string]Policy, len(policies))
	for channel, p := range policies {
		normalized[channel] = p.normalized()
	}
	return &Gate{service: service, policies: normalized, fallback: fallback.normalized()}
}

// PolicyFor returns the effective policy of channel.
func (g *Gate) PolicyFor(channel string) Policy {
	if p, ok := g.policies[channel]; ok {
		return p
	}
	return g.fallback
}

// Check evaluates msg. It returns ErrPairingRequired when the sender must
// pair first and ErrNotAuthorized when the policy denies the sender; in
// both cases the Decision carries the notice to send.
func (g *Gate) Check(ctx context.Context, msg bus.InboundMessage) (*Decision, error) {
	if msg.IsSynthetic() {
		return &Decision{Allowed: true, Reason: "synthetic"}, nil
	}
	policy := g.PolicyFor(msg.Channel)

	var (
		decision *Decision
		err      error
	)
	if msg.IsGroup() {
		decision = g.checkGroup(msg, policy)
	} else {
		decision, err = g.checkDirect(msg, policy)
	}

	result := "allowed"
	switch {
	case errors.Is(err, ErrPairingRequired):
		result = "pairing_required"
	case errors.Is(err, ErrNotAuthorized):
		result = "denied"
	case err != nil:
		result = "error"
	case decision.Ignored:
		result = "ignored"
	}
	observability.RecordPairingDecision(msg.Channel, result)
	if result != "allowed" {
		log.Debug().
			Str("channel", msg.Channel).
			Str("sender", msg.SenderID).
			Str("result", result).
			Msg("Inbound message gated")
	}
	return decision, err
}

func (g *Gate) checkGroup(msg bus.InboundMessage, policy Policy) *Decision {
	switch policy.GroupPolicy {
	case GroupPolicyOpen:
		return &Decision{Allowed: true, Reason: "group open"}
	case GroupPolicyMention:
		if msg.Mentioned {
			return &Decision{Allowed: true, Reason: "mentioned"}
		}
		return &Decision{Ignored: true, Reason: "not mentioned"}
	case GroupPolicyAllowlist:
		if MatchesAny(policy.GroupAllowFrom, msg.ChatID) || MatchesAny(policy.GroupAllowFrom, msg.SenderID) {
			return &Decision{Allowed: true, Reason: "group allowlisted"}
		}
		return &Decision{Ignored: true, Reason: "group not allowlisted"}
	default:
		return &Decision{Ignored: true, Reason: "groups disabled"}
	}
}

func (g *Gate) checkDirect(msg bus.InboundMessage, policy Policy) (*Decision, error) {
	switch policy.DMPolicy {
	case DMPolicyOpen:
		return &Decision{Allowed: true, Reason: "open"}, nil
	case DMPolicyDisabled:
		return &Decision{Notice: notAuthorizedNotice, Reason: "direct messages disabled"}, ErrNotAuthorized
	}

	if MatchesAny(policy.AllowFrom, msg.SenderID) {
		return &Decision{Allowed: true, Reason: "allow_from"}, nil
	}
	if g.service == nil {
		return &Decision{Notice: notAuthorizedNotice, Reason: "no pairing store"}, ErrNotAuthorized
	}
	m, err := g.service.Manager(msg.Channel)
	if err != nil {
		return nil, err
	}
	if m.IsApproved(msg.SenderID) {
		return &Decision{Allowed: true, Reason: "approved"}, nil
	}
	if policy.DMPolicy == DMPolicyAllowlist {
		return &Decision{Notice: notAuthorizedNotice, Reason: "not allowlisted"}, ErrNotAuthorized
	}

	req, created, err := m.Touch(msg.SenderID, msg.ChatID)
	switch {
	case errors.Is(err, ErrAlreadyApproved):
		return &Decision{Allowed: true, Reason: "approved"}, nil
	case errors.Is(err, ErrPendingLimitReached):
		return &Decision{
			Notice: "Too many pending pairing requests. Try again later.",
			Reason: "pending limit",
		}, ErrPairingRequired
	case err != nil:
		return nil, err
	}

	return &Decision{
		Notice:  Notice(req, created),
		Request: &req,
		Reason:  "pairing required",
	}, ErrPairingRequired
}

// Notice renders the text sent to a sender with a pending request.
func Notice(req Request, created bool) string {
	if created {
		return fmt.Sprintf("Access requires pairing.\nCode: %s\nOwner command: switchboard pairing approve %s %s",
			req.Code, req.Channel, req.Code)
	}
	return fmt.Sprintf("Pairing pending (request #%d).\nCode: %s\nAsk the owner to run: switchboard pairing approve %s %s",
		req.RequestCount, req.Code, req.Channel, req.Code)
}

// MatchesAny reports whether senderID matches any allow entry.
func MatchesAny(entries []string, senderID string) bool {
	for _, entry := range entries {
		if MatchesAllowEntry(entry, senderID) {
			return true
		}
	}
	return false
}

// MatchesAllowEntry compares compound ids of the form "a|b": any part of the
// entry matching any part of the sender id is a match. "*" matches everyone.
func MatchesAllowEntry(entry, senderID string) bool {
	entry = strings.TrimSpace(entry)
	senderID = strings.TrimSpace(senderID)
	if entry == "" || senderID == "" {
		return false
	}
	if entry == "*" {
		return true
	}
	senderParts := strings.Split(senderID, "|")
	for _, e := range strings.Split(entry, "|") {
		e = strings.TrimPrefix(strings.TrimSpace(e), "@")
		if e == "" {
			continue
		}
		for _, s := range senderParts {
			if strings.EqualFold(e, strings.TrimPrefix(strings.TrimSpace(s), "@")) {
				return true
			}
		}
	}
	return false
}
