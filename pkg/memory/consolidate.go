package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultWindow = 50

	OutcomeSkipped     = "skipped"
	OutcomeSummarized  = "summarized"
	OutcomeArchivedRaw = "archived_raw"

	maxLineContent = 500
)

// SessionLog is the part of the session store consolidation needs.
type SessionLog interface {
	Load(ctx context.Context, key string) ([]session.Message, error)
	TruncateThrough(ctx context.Context, key string, seq int64) (int, error)
}

// Summarizer turns a consolidation prompt into the model's raw reply.
type Summarizer interface {
	Summarize(ctx context.Context, system, prompt string) (string, error)
}

// ConsolidatorOptions configures a Consolidator.
type ConsolidatorOptions struct {
	Sessions   SessionLog
	Store      *Store
	Summarizer Summarizer
	Window     int
	Logger     *zerolog.Logger
}

// Result describes one consolidation run.
type Result struct {
	Outcome      string `json:"outcome"`
	Removed      int    `json:"removed"`
	Kept         int    `json:"kept"`
	HistoryEntry string `json:"history_entry,omitempty"`
	FactsChanged bool   `json:"facts_changed"`
}

// Consolidator moves old session messages into the memory tiers.
type Consolidator struct {
	sessions   SessionLog
	store      *Store
	summarizer Summarizer
	window     int
	logger     zerolog.Logger
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(opts ConsolidatorOptions) *Consolidator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Consolidator{
		sessions:   opts.Sessions,
		store:      opts.Store,
		summarizer: opts.Summarizer,
		window:     opts.Window,
		logger:     logger,
	}
}

// Window returns the message count above which a session is consolidated.
func (c *Consolidator) Window() int { return c.window }

// KeepCount is how many recent messages survive consolidation for window.
// It is always below window.
func KeepCount(window int) int {
	keep := window / 2
	if keep > 10 {
		keep = 10
	}
	if keep < 2 {
		keep = 2
	}
	if keep >= window {
		keep = window - 1
	}
	if keep < 0 {
		keep = 0
	}
	return keep
}

// Needed reports whether a log of n messages exceeds the window.
func (c *Consolidator) Needed(n int) bool {
	return n > c.window
}

// Consolidate summarizes and removes the older part of a session log when it
// exceeds the window. When the model is unavailable or its reply cannot be
// parsed, the raw transcript lines go to HISTORY.md so nothing is lost and
// the log still shrinks.
func (c *Consolidator) Consolidate(ctx context.Context, key string) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "switchboard.memory", "memory.consolidate", attribute.String("session_key", key))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	msgs, err := c.sessions.Load(ctx, key)
	if err != nil {
		return Result{}, tracing.Fail(span, err)
	}
	if !c.Needed(len(msgs)) {
		observability.RecordConsolidation(OutcomeSkipped)
		return Result{Outcome: OutcomeSkipped, Kept: len(msgs)}, nil
	}

	cut := len(msgs) - KeepCount(c.window)
	// Tool results must stay next to the call that produced them.
	for cut < len(msgs) && msgs[cut].Role == session.RoleTool {
		cut++
	}
	old := msgs[:cut]
	lines := FormatTranscript(old)

	res := Result{Kept: len(msgs) - cut}
	current, err := c.store.ReadFacts()
	if err != nil {
		return Result{}, tracing.Fail(span, err)
	}

	entry, update, sumErr := c.summarize(ctx, current, lines)
	if sumErr != nil {
		logger.Warn().Err(sumErr).Msg("Consolidation summary unavailable, archiving raw transcript")
		res.Outcome = OutcomeArchivedRaw
		res.HistoryEntry = rawEntry(old, lines)
	} else {
		res.Outcome = OutcomeSummarized
		res.HistoryEntry = entry
	}

	if err := c.store.AppendHistory(res.HistoryEntry); err != nil {
		return Result{}, tracing.Fail(span, fmt.Errorf("failed to append history: %w", err))
	}
	if update != "" {
		changed, err := c.store.MergeFacts(update)
		if err != nil {
			return Result{}, tracing.Fail(span, fmt.Errorf("failed to update memory: %w", err))
		}
		res.FactsChanged = changed
	}

	removed, err := c.sessions.TruncateThrough(ctx, key, old[len(old)-1].Seq)
	if err != nil {
		return Result{}, tracing.Fail(span, err)
	}
	res.Removed = removed

	observability.RecordConsolidation(res.Outcome)
	logger.Info().
		Str("outcome", res.Outcome).
		Int("removed", res.Removed).
		Int("kept", res.Kept).
		Bool("factsChanged", res.FactsChanged).
		Msg("Session consolidated")
	return res, nil
}

const consolidationSystemPrompt = "You consolidate conversation history into long-term memory. Reply with one JSON object and nothing else."

func (c *Consolidator) summarize(ctx context.Context, currentFacts string, lines []string) (string, string, error) {
	if c.summarizer == nil {
		return "", "", fmt.Errorf("no summarizer configured")
	}

	facts := strings.TrimSpace(currentFacts)
	if facts == "" {
		facts = "(empty)"
	}
	prompt := fmt.Sprintf(`Condense the conversation excerpt below.

Return a JSON object with exactly these keys:
"history_entry": one paragraph starting with a [YYYY-MM-DD HH:MM] timestamp summarizing what happened, with enough detail to be found by a text search later.
"memory_update": markdown bullet lines with durable facts about the user (preferences, personal details, ongoing projects, commitments) that are not already in the current memory. Use "" when nothing new was learned.

## Current Memory
%s

## Conversation
%s
`, facts, strings.Join(lines, "\n"))

	reply, err := c.summarizer.Summarize(ctx, consolidationSystemPrompt, prompt)
	if err != nil {
		return "", "", err
	}
	return ParseConsolidation(reply)
}

// ParseConsolidation extracts history_entry and memory_update from a model
// reply, tolerating code fences and surrounding prose.
func ParseConsolidation(reply string) (string, string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return "", "", fmt.Errorf("no JSON object in consolidation reply")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return "", "", fmt.Errorf("invalid consolidation reply: %w", err)
	}
	entry := asText(raw["history_entry"])
	update := asText(raw["memory_update"])
	if entry == "" {
		return "", "", fmt.Errorf("consolidation reply has no history_entry")
	}
	return entry, update, nil
}

func asText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := asText(item); s != "" {
				if !strings.HasPrefix(s, "- ") {
					s = "- " + s
				}
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		data, _ := json.Marshal(t)
		return string(data)
	}
}

// FormatTranscript renders messages as "[time] ROLE [tools: ...]: text" lines.
func FormatTranscript(msgs []session.Message) []string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Text()
		var tools []string
		for _, call := range m.ToolCalls() {
			tools = append(tools, call.Name)
		}
		for _, r := range m.ToolResults() {
			status := string(r.Status)
			body := r.Payload
			if r.Status == session.ToolStatusError {
				body = r.Error
			}
			if content != "" {
				content += "; "
			}
			content += fmt.Sprintf("%s %s: %s", r.Name, status, body)
		}
		if content == "" && len(tools) == 0 {
			continue
		}
		if len(content) > maxLineContent {
			cut := maxLineContent
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "..."
		}

		line := fmt.Sprintf("[%s] %s", timestamp(m.Timestamp), strings.ToUpper(string(m.Role)))
		if len(tools) > 0 {
			line += " [tools: " + strings.Join(tools, ", ") + "]"
		}
		lines = append(lines, line+": "+content)
	}
	return lines
}

func rawEntry(old []session.Message, lines []string) string {
	when := time.Now()
	if len(old) > 0 && !old[0].Timestamp.IsZero() {
		when = old[0].Timestamp
	}
	return fmt.Sprintf("[%s] Raw transcript (%d messages)\n%s", timestamp(when), len(old), strings.Join(lines, "\n"))
}
