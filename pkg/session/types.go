package session

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartType identifies the kind of content a Part carries.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ToolStatus is the outcome recorded on a ToolResult.
type ToolStatus string

const (
	ToolStatusOK    ToolStatus = "ok"
	ToolStatusError ToolStatus = "error"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of one ToolCall.
type ToolResult struct {
	CallID  string     `json:"call_id"`
	Name    string     `json:"name"`
	Status  ToolStatus `json:"status"`
	Payload string     `json:"payload,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Part is one piece of message content.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageRef   string      `json:"image_ref,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is one persisted entry of a session log.
type Message struct {
	Seq       int64             `json:"seq"`
	Role      Role              `json:"role"`
	Parts     []Part            `json:"parts"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// NewTextMessage builds a message with a single text part.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart(text)}}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// ToolCalls returns the tool calls requested in the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results carried by the message.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

func (m Message) empty() bool {
	for _, p := range m.Parts {
		switch p.Type {
		case PartText:
			if p.Text != "" {
				return false
			}
		case PartImage:
			if p.ImageRef != "" {
				return false
			}
		case PartToolCall:
			if p.ToolCall != nil {
				return false
			}
		case PartToolResult:
			if p.ToolResult != nil {
				return false
			}
		}
	}
	return true
}

// Meta is the header record of a session file.
type Meta struct {
	Type            string    `json:"_type"`
	Key             string    `json:"key"`
	Channel         string    `json:"channel,omitempty"`
	ChatID          string    `json:"chat_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastSeq         int64     `json:"last_seq"`
	ConsolidatedSeq int64     `json:"consolidated_seq"`
}

// Route is the channel address replies for a session go to.
type Route struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// Info summarizes a session for listings.
type Info struct {
	Key             string    `json:"key" yaml:"key"`
	Channel         string    `json:"channel,omitempty" yaml:"channel,omitempty"`
	ChatID          string    `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	CreatedAt       time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
	MessageCount    int       `json:"message_count" yaml:"message_count"`
	LastSeq         int64     `json:"last_seq" yaml:"last_seq"`
	ConsolidatedSeq int64     `json:"consolidated_seq" yaml:"consolidated_seq"`
	SizeBytes       int64     `json:"size_bytes" yaml:"size_bytes"`
}
