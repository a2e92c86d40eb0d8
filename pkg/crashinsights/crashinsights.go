// Package crashinsights classifies worker exits, keeps a bounded history
// for pattern detection, and optionally asks an LLM for a one-paragraph
// diagnosis of a crash.
//
// Grounded on original_source/src/crash_insights.rs's CrashInsights: the
// exit-code/signal classification table, the bounded-ring-buffer trim
// rule, the category grouping for patterns(), and the recent-window
// health score are carried over unchanged in meaning, reimplemented
// idiomatically (an explicit ring buffer and sync.Mutex instead of a
// serde-backed struct). The LLM advisor is new, grounded on
// goadesign-goa-ai's anthropic client.go (MessagesClient-shaped adapter
// over github.com/anthropics/anthropic-sdk-go) with an openai-go/v3
// fallback path per config.CrashAdvisorProvider, and wrapped in a
// resilience.Pipeline for retry/timeout/circuit-breaking against the
// LLM backend's own outages.
package crashinsights

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go/v3"

	"github.com/agentrelay/broker/pkg/resilience"
)

// CrashCategory classifies a worker exit by exit code and signal.
type CrashCategory string

const (
	CategoryOOM      CrashCategory = "oom"
	CategorySegfault CrashCategory = "segfault"
	CategoryError    CrashCategory = "error"
	CategorySignal   CrashCategory = "signal"
	CategoryUnknown  CrashCategory = "unknown"
)

// Analyze classifies an exit by its code and (if killed by signal) signal
// name, returning the category and a human-readable description.
func Analyze(exitCode *int, signal string) (CrashCategory, string) {
	if signal != "" {
		switch signal {
		case "11", "SIGSEGV":
			return CategorySegfault, fmt.Sprintf("segmentation fault (signal %s)", signal)
		case "9", "SIGKILL":
			return CategoryOOM, fmt.Sprintf("killed by signal %s (possible OOM)", signal)
		default:
			return CategorySignal, fmt.Sprintf("killed by signal %s", signal)
		}
	}
	if exitCode == nil {
		return CategoryUnknown, "unknown exit status"
	}
	switch *exitCode {
	case 137:
		return CategoryOOM, "exit code 137 (likely OOM killed)"
	case 139:
		return CategorySegfault, "exit code 139 (segmentation fault)"
	case 0:
		return CategoryUnknown, "exited with unexpected code 0"
	default:
		return CategoryError, fmt.Sprintf("exited with code %d", *exitCode)
	}
}

// Record is one classified worker exit.
type Record struct {
	WorkerName string
	ExitCode   *int
	Signal     string
	Timestamp  time.Time
	UptimeSecs uint64
	Category   CrashCategory
	Description string
}

// Pattern groups records by category for fleet-wide diagnosis.
type Pattern struct {
	Category CrashCategory
	Count    int
	Workers  []string
}

const defaultMaxRecords = 500

// Store is a bounded in-memory history of crash records.
type Store struct {
	mu         sync.Mutex
	records    []Record
	maxRecords int
}

// NewStore constructs an empty Store retaining at most maxRecords entries
// (0 selects the default of 500).
func NewStore(maxRecords int) *Store {
	if maxRecords <= 0 {
		maxRecords = defaultMaxRecords
	}
	return &Store{maxRecords: maxRecords}
}

// Record appends a crash, trimming the oldest entries past the cap.
func (s *Store) Record(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if excess := len(s.records) - s.maxRecords; excess > 0 {
		s.records = s.records[excess:]
	}
}

// Recent returns up to limit of the most recently recorded crashes.
func (s *Store) Recent(limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.records) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Record, len(s.records)-start)
	copy(out, s.records[start:])
	return out
}

// Total reports how many crashes are currently retained.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Patterns groups the retained records by category, sorted by descending
// count, deduplicating worker names within each group.
func (s *Store) Patterns() []Pattern {
	s.mu.Lock()
	records := make([]Record, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	byCategory := map[CrashCategory]*Pattern{}
	order := []CrashCategory{}
	for _, r := range records {
		p, ok := byCategory[r.Category]
		if !ok {
			p = &Pattern{Category: r.Category}
			byCategory[r.Category] = p
			order = append(order, r.Category)
		}
		p.Count++
		if !containsString(p.Workers, r.WorkerName) {
			p.Workers = append(p.Workers, r.WorkerName)
		}
	}
	patterns := make([]Pattern, 0, len(order))
	for _, cat := range order {
		patterns = append(patterns, *byCategory[cat])
	}
	sort.SliceStable(patterns, func(i, j int) bool { return patterns[i].Count > patterns[j].Count })
	return patterns
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

const healthWindowSize = 50
const healthRecentWindow = time.Hour

// HealthScore computes a 0-100 fleet health score from the crash rate in
// the last hour across the most recent healthWindowSize records: 100 with
// none, down to 0 at 10 or more.
func (s *Store) HealthScore(now time.Time) int {
	window := s.Recent(healthWindowSize)
	if len(window) == 0 {
		return 100
	}
	recent := 0
	for _, r := range window {
		if now.Sub(r.Timestamp) < healthRecentWindow {
			recent++
		}
	}
	score := 100 - recent*10
	if score < 0 {
		score = 0
	}
	return score
}

// Advisor asks an LLM for a short diagnosis of a crash, given its
// category, description, and recent fleet history. Disabled (Provider ==
// "") means Diagnose always returns "" without making a call.
type Advisor struct {
	Provider string // "anthropic", "openai", or "" (disabled)

	anthropicClient anthropic.Client
	openaiClient    openai.Client
	model           string
	pipeline        *resilience.Pipeline
}

// NewAdvisor constructs an Advisor. apiKey is read by the caller from the
// provider-appropriate environment variable before construction.
func NewAdvisor(provider, apiKey, model string) *Advisor {
	a := &Advisor{Provider: provider, model: model}
	switch provider {
	case "anthropic":
		a.anthropicClient = anthropic.NewClient(option.WithAPIKey(apiKey))
		if a.model == "" {
			a.model = string(anthropic.ModelClaudeSonnet4_5)
		}
	case "openai":
		a.openaiClient = openai.NewClient(option.WithAPIKey(apiKey))
		if a.model == "" {
			a.model = openai.ChatModelGPT4oMini
		}
	}

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "crash-advisor", MaxFailures: 3, ResetTimeout: 30 * time.Second})
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 2
	a.pipeline = resilience.NewPipeline(slog.Default(),
		resilience.WithCircuitBreaker(cb),
		resilience.WithRetry(retry),
		resilience.WithPipelineTimeout(15*time.Second),
	)
	return a
}

// Diagnose returns a short natural-language diagnosis for a crash, or ""
// if the advisor is disabled or the call ultimately fails (the caller
// falls back to the bare classification, since the LLM paragraph is
// best-effort enrichment, not load-bearing).
func (a *Advisor) Diagnose(ctx context.Context, r Record, history []Pattern) string {
	if a == nil || a.Provider == "" {
		return ""
	}
	prompt := buildPrompt(r, history)

	var result string
	err := a.pipeline.Execute(ctx, func(ctx context.Context) error {
		var out string
		var callErr error
		switch a.Provider {
		case "anthropic":
			out, callErr = a.diagnoseAnthropic(ctx, prompt)
		case "openai":
			out, callErr = a.diagnoseOpenAI(ctx, prompt)
		}
		if callErr != nil {
			return callErr
		}
		result = out
		return nil
	})
	if err != nil {
		return ""
	}
	return result
}

func (a *Advisor) diagnoseAnthropic(ctx context.Context, prompt string) (string, error) {
	msg, err := a.anthropicClient.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic crash diagnosis: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

func (a *Advisor) diagnoseOpenAI(ctx context.Context, prompt string) (string, error) {
	resp, err := a.openaiClient.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai crash diagnosis: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai crash diagnosis: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func buildPrompt(r Record, history []Pattern) string {
	p := fmt.Sprintf("Agent %q exited: %s (category %s).", r.WorkerName, r.Description, r.Category)
	if len(history) > 0 {
		p += " Recent fleet crash patterns:"
		for _, h := range history {
			p += fmt.Sprintf(" %s x%d (%v),", h.Category, h.Count, h.Workers)
		}
	}
	p += " In one short paragraph, suggest the most likely root cause and one remediation step."
	return p
}
