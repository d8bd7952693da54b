// Package memorytool provides built-in MCP tools that expose Fae's durable
// memory store to the LLM turn loop.
//
// Four tools are exported via [NewTools]:
//   - "recall_memory" — hybrid recall over durable records.
//   - "get_memory"    — fetch a single record by ID.
//   - "remember"      — insert a new durable record.
//   - "forget_memory" — soft- or hard-forget a record.
//
// All handlers are safe for concurrent use.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fae-run/fae-core/internal/mcp/tools"
	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/provider/llm"
	"github.com/fae-run/fae-core/pkg/types"
)

// recallArgs is the JSON-decoded input for the "recall_memory" tool.
type recallArgs struct {
	// Query is the natural-language recall query.
	Query string `json:"query"`

	// MaxItems caps the number of records returned. Defaults to 10 when ≤ 0.
	MaxItems int `json:"max_items,omitempty"`

	// MaxChars caps the total text length returned. Defaults to 2000 when ≤ 0.
	MaxChars int `json:"max_chars,omitempty"`
}

// recalledRecord is the JSON shape of one recall hit returned to the LLM.
type recalledRecord struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"`
	Score      float64  `json:"score"`
	Tags       []string `json:"tags,omitempty"`
}

// getArgs is the JSON-decoded input for the "get_memory" tool.
type getArgs struct {
	ID string `json:"id"`
}

// rememberArgs is the JSON-decoded input for the "remember" tool.
type rememberArgs struct {
	// Kind is one of profile, fact, event, person, interest, commitment.
	Kind string `json:"kind"`

	// Text is the durable statement to remember.
	Text string `json:"text"`

	// Confidence in [0,1]. Defaults to 0.7 when 0.
	Confidence float64 `json:"confidence,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// forgetArgs is the JSON-decoded input for the "forget_memory" tool.
type forgetArgs struct {
	ID string `json:"id"`

	// Hard permanently redacts the record's text. The audit trail survives
	// either way.
	Hard bool `json:"hard,omitempty"`
}

const (
	defaultRecallItems = 10
	defaultRecallChars = 2000
)

// rememberableKinds are the kinds the "remember" tool accepts. Episodes are
// written by the pipeline's own capture step, never by the model.
var rememberableKinds = map[string]types.MemoryKind{
	"profile":    types.KindProfile,
	"fact":       types.KindFact,
	"event":      types.KindEvent,
	"person":     types.KindPerson,
	"interest":   types.KindInterest,
	"commitment": types.KindCommitment,
}

func makeRecallHandler(store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a recallArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: recall_memory: failed to parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("memory tool: recall_memory: query must not be empty")
		}
		if a.MaxItems <= 0 {
			a.MaxItems = defaultRecallItems
		}
		if a.MaxChars <= 0 {
			a.MaxChars = defaultRecallChars
		}

		hits, err := store.Recall(ctx, a.Query, nil, memory.RecallBudget{Items: a.MaxItems, Chars: a.MaxChars})
		if err != nil {
			return "", fmt.Errorf("memory tool: recall_memory: %w", err)
		}

		out := make([]recalledRecord, len(hits))
		for i, h := range hits {
			out[i] = recalledRecord{
				ID:         h.Record.ID.String(),
				Kind:       string(h.Record.Kind),
				Text:       h.Record.Text,
				Confidence: h.Record.Confidence,
				Score:      h.Score,
				Tags:       h.Record.Tags,
			}
		}
		res, err := json.Marshal(out)
		if err != nil {
			return "", fmt.Errorf("memory tool: recall_memory: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func makeGetHandler(store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a getArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: get_memory: failed to parse arguments: %w", err)
		}
		id, err := uuid.Parse(a.ID)
		if err != nil {
			return "", fmt.Errorf("memory tool: get_memory: invalid id %q: %w", a.ID, err)
		}

		rec, err := store.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("memory tool: get_memory: %w", err)
		}
		res, err := json.Marshal(recalledRecord{
			ID:         rec.ID.String(),
			Kind:       string(rec.Kind),
			Text:       rec.Text,
			Confidence: rec.Confidence,
			Tags:       rec.Tags,
		})
		if err != nil {
			return "", fmt.Errorf("memory tool: get_memory: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func makeRememberHandler(store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a rememberArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: remember: failed to parse arguments: %w", err)
		}
		kind, ok := rememberableKinds[a.Kind]
		if !ok {
			return "", fmt.Errorf("memory tool: remember: unknown kind %q", a.Kind)
		}
		if a.Text == "" {
			return "", fmt.Errorf("memory tool: remember: text must not be empty")
		}
		if a.Confidence <= 0 {
			a.Confidence = 0.7
		}

		id, err := store.Insert(ctx, types.MemoryRecord{
			Kind:       kind,
			Text:       a.Text,
			Confidence: a.Confidence,
			Tags:       a.Tags,
		})
		if err != nil {
			return "", fmt.Errorf("memory tool: remember: %w", err)
		}
		res, err := json.Marshal(map[string]string{"id": id.String()})
		if err != nil {
			return "", fmt.Errorf("memory tool: remember: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

func makeForgetHandler(store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		var a forgetArgs
		if err := json.Unmarshal([]byte(args), &a); err != nil {
			return "", fmt.Errorf("memory tool: forget_memory: failed to parse arguments: %w", err)
		}
		id, err := uuid.Parse(a.ID)
		if err != nil {
			return "", fmt.Errorf("memory tool: forget_memory: invalid id %q: %w", a.ID, err)
		}

		if a.Hard {
			err = store.ForgetHard(ctx, id)
		} else {
			err = store.ForgetSoft(ctx, id)
		}
		if err != nil {
			return "", fmt.Errorf("memory tool: forget_memory: %w", err)
		}
		res, err := json.Marshal(map[string]any{"id": a.ID, "hard": a.Hard})
		if err != nil {
			return "", fmt.Errorf("memory tool: forget_memory: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// NewTools constructs the full set of memory tools wired to store, which
// must be non-nil.
func NewTools(store memory.Store) []tools.Tool {
	return []tools.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "recall_memory",
				Description: "Search the assistant's long-term memory for durable facts about the user. Returns records ranked by relevance, each with its ID, kind, text, and confidence.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Natural-language query describing what to recall.",
						},
						"max_items": map[string]any{
							"type":        "integer",
							"description": "Maximum number of records to return. Defaults to 10.",
						},
						"max_chars": map[string]any{
							"type":        "integer",
							"description": "Maximum total text length to return. Defaults to 2000.",
						},
					},
					"required": []string{"query"},
				},
				EstimatedDurationMs: 100,
				MaxDurationMs:       500,
				Idempotent:          true,
				CacheableSeconds:    10,
			},
			Handler:     makeRecallHandler(store),
			DeclaredP50: 100,
			DeclaredMax: 500,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "get_memory",
				Description: "Fetch a single memory record by its ID, including its kind, text, confidence, and tags.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "The record's UUID, as returned by recall_memory or remember.",
						},
					},
					"required": []string{"id"},
				},
				EstimatedDurationMs: 20,
				MaxDurationMs:       200,
				Idempotent:          true,
				CacheableSeconds:    10,
			},
			Handler:     makeGetHandler(store),
			DeclaredP50: 20,
			DeclaredMax: 200,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "remember",
				Description: "Store a durable fact about the user in long-term memory. Use for explicit requests to remember something, with an appropriate kind (profile, fact, event, person, interest, commitment).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"kind": map[string]any{
							"type":        "string",
							"description": "Record kind: profile, fact, event, person, interest, or commitment.",
						},
						"text": map[string]any{
							"type":        "string",
							"description": "The statement to remember, phrased in the third person.",
						},
						"confidence": map[string]any{
							"type":        "number",
							"description": "Confidence in [0,1]. Defaults to 0.7.",
						},
						"tags": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Optional classification tags.",
						},
					},
					"required": []string{"kind", "text"},
				},
				EstimatedDurationMs: 50,
				MaxDurationMs:       300,
				Idempotent:          false,
			},
			Handler:     makeRememberHandler(store),
			DeclaredP50: 50,
			DeclaredMax: 300,
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "forget_memory",
				Description: "Forget a memory record by ID. Soft forgetting hides the record from recall; hard forgetting additionally redacts its text permanently. The audit trail is kept either way.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type":        "string",
							"description": "The record's UUID.",
						},
						"hard": map[string]any{
							"type":        "boolean",
							"description": "Permanently redact the record's text. Defaults to false.",
						},
					},
					"required": []string{"id"},
				},
				EstimatedDurationMs: 30,
				MaxDurationMs:       200,
				Idempotent:          false,
			},
			Handler:     makeForgetHandler(store),
			DeclaredP50: 30,
			DeclaredMax: 200,
		},
	}
}
