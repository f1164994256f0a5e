// Copyright 2025 IdeaVault
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator answers natural-language questions with a
// two-turn tool-calling conversation: the model first emits SQL through
// the query_database tool, the service validates and executes it under
// the caller's agent identity, and the model then summarizes the rows.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ideavault/backend/common/usage"
	"ideavault/backend/orchestrator/llm"
	"ideavault/backend/queryexec"
	"ideavault/backend/shared/logger"
	"ideavault/backend/sqlguard"
)

// Outcome classifies how a query request resolved.
type Outcome string

const (
	// OutcomeAnswered means SQL ran and the model summarized the rows.
	OutcomeAnswered Outcome = "answered"

	// OutcomeNoQuery means the model answered without touching data.
	OutcomeNoQuery Outcome = "no_query"

	// OutcomeDenied means the model refused the request.
	OutcomeDenied Outcome = "denied"

	// OutcomeRejected means validation or translation rejected the SQL.
	OutcomeRejected Outcome = "rejected"
)

// maxResultBytes bounds the tool result fed back to the model.
const maxResultBytes = 8192

// QueryRequest is one natural-language question from a signed-in user.
type QueryRequest struct {
	UserID      string
	AgentID     string // the shadow agent acting for UserID, for audit logs
	RequestID   string
	Question    string
	AccessToken string // the agent session token, already resolved
}

// QueryResult is the full outcome of one question.
type QueryResult struct {
	Answer         string                   `json:"answer"`
	Outcome        Outcome                  `json:"outcome"`
	Reason         string                   `json:"reason,omitempty"`
	GeneratedSQL   string                   `json:"generated_sql,omitempty"`
	Explanation    string                   `json:"explanation,omitempty"`
	Confidence     float64                  `json:"confidence,omitempty"`
	Rows           []map[string]interface{} `json:"rows,omitempty"`
	RowCount       int64                    `json:"row_count"`
	Model          string                   `json:"model"`
	Usage          llm.UsageStats           `json:"usage"`
	CostMillicents int                      `json:"cost_millicents"`
	Latency        time.Duration            `json:"-"`
}

// Orchestrator drives the model conversation for query requests.
type Orchestrator struct {
	provider  llm.Provider
	validator *sqlguard.Validator
	executor  *queryexec.Executor
	schema    *Schema
	model     string
	log       *logger.Logger
}

// Config assembles an Orchestrator.
type Config struct {
	Provider  llm.Provider
	Validator *sqlguard.Validator
	Executor  *queryexec.Executor
	Schema    *Schema // optional, DefaultSchema when nil
	Model     string  // optional, provider default when empty
	Logger    *logger.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("orchestrator: provider is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("orchestrator: validator is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("orchestrator: executor is required")
	}
	if cfg.Schema == nil {
		cfg.Schema = DefaultSchema()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("orchestrator")
	}
	return &Orchestrator{
		provider:  cfg.Provider,
		validator: cfg.Validator,
		executor:  cfg.Executor,
		schema:    cfg.Schema,
		model:     cfg.Model,
		log:       cfg.Logger,
	}, nil
}

// toolArgs is the argument object of the query_database tool.
type toolArgs struct {
	SQL         string  `json:"sql"`
	Explanation string  `json:"explanation"`
	Safe        bool    `json:"safe"`
	Confidence  float64 `json:"confidence"`
}

// queryTool is the single tool exposed to the model.
var queryTool = llm.Tool{
	Name: "query_database",
	Description: "Run one read-only SQL SELECT against the idea board. " +
		"Use the sentinel '" + sqlguard.SentinelNoQuery + "' when the question needs no data, " +
		"or '" + sqlguard.SentinelDeniedPrefix + " <reason>' to refuse.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"sql": {"type": "string", "description": "A single SELECT statement, or a sentinel comment."},
			"explanation": {"type": "string", "description": "One sentence describing what the query retrieves."},
			"safe": {"type": "boolean", "description": "Whether the query is a read-only single SELECT."},
			"confidence": {"type": "number", "description": "Confidence in the SQL from 0 to 1."}
		},
		"required": ["sql", "explanation", "safe"]
	}`),
}

// Answer resolves one question end to end.
func (o *Orchestrator) Answer(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	start := time.Now()

	result := &QueryResult{Model: o.model}
	if result.Model == "" {
		if m, ok := o.provider.(interface{ Model() string }); ok {
			result.Model = m.Model()
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: o.systemPrompt()},
		{Role: llm.RoleUser, Content: req.Question},
	}

	// Tool use is offered, not forced; a conversational question gets a
	// conversational answer without a detour through SQL.
	first, err := o.provider.Chat(ctx, llm.ChatRequest{
		Messages: messages,
		Tools:    []llm.Tool{queryTool},
		Model:    o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("first model turn: %w", err)
	}
	result.Usage.Add(first.Usage)
	if first.Model != "" {
		result.Model = first.Model
	}

	if len(first.Message.ToolCalls) == 0 {
		result.Outcome = OutcomeNoQuery
		result.GeneratedSQL = sqlguard.SentinelNoQuery
		result.Answer = first.Message.Content
		return o.finish(req, result, start), nil
	}

	call := first.Message.ToolCalls[0]
	var args toolArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return nil, fmt.Errorf("model emitted malformed tool arguments: %w", err)
	}
	result.GeneratedSQL = args.SQL
	result.Explanation = args.Explanation
	result.Confidence = args.Confidence

	verdict := o.validator.Validate(args.SQL, args.Safe)
	switch {
	case verdict.Denied:
		result.Outcome = OutcomeDenied
		result.Reason = verdict.Reason
		result.Answer = "I can't help with that: " + verdict.Reason
		return o.finish(req, result, start), nil

	case verdict.NoQuery:
		result.Outcome = OutcomeNoQuery
		return o.conclude(ctx, req, result, messages, first.Message, call,
			`{"status":"no_query_needed","note":"Answer from general knowledge of the product."}`, start)

	case !verdict.Allowed:
		o.log.Warn(req.UserID, req.RequestID, "generated SQL rejected", map[string]interface{}{
			"reason":  verdict.Reason,
			"pattern": verdict.Pattern,
			"sql":     verdict.Input,
		})
		// The rejection feeds back as the tool result so the final
		// answer explains why, not just that something failed.
		result.Outcome = OutcomeRejected
		result.Reason = verdict.Reason
		return o.conclude(ctx, req, result, messages, first.Message, call,
			renderRejection(verdict.Reason), start)
	}

	rows, err := o.executor.Run(ctx, args.SQL, req.AccessToken)
	if err != nil {
		if queryexec.IsShapeError(err) {
			result.Outcome = OutcomeRejected
			result.Reason = err.Error()
			return o.conclude(ctx, req, result, messages, first.Message, call,
				renderRejection(err.Error()), start)
		}
		return nil, fmt.Errorf("execute query: %w", err)
	}
	result.Rows = rows.Rows
	result.RowCount = rows.RowCount
	result.Outcome = OutcomeAnswered

	return o.conclude(ctx, req, result, messages, first.Message, call, renderToolResult(rows), start)
}

// conclude runs the second model turn and folds its text into result.
// A timeout or disconnect before the turn completes degrades to what
// turn 1 already established instead of erasing it with an error.
func (o *Orchestrator) conclude(ctx context.Context, req QueryRequest, result *QueryResult, messages []llm.Message, assistant llm.Message, call llm.ToolCall, toolResult string, start time.Time) (*QueryResult, error) {
	second, err := o.continueConversation(ctx, messages, assistant, call, toolResult)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result.Answer = partialAnswer(result)
			return o.finish(req, result, start), nil
		}
		return nil, err
	}
	result.Usage.Add(second.Usage)
	result.Answer = second.Message.Content
	return o.finish(req, result, start), nil
}

// partialAnswer stands in for the model's summary when turn 2 never ran.
func partialAnswer(result *QueryResult) string {
	switch result.Outcome {
	case OutcomeRejected:
		return "I couldn't answer that with a safe query (" + result.Reason + "). Try rephrasing the question."
	case OutcomeAnswered:
		if result.Explanation != "" {
			return result.Explanation
		}
		return "The query ran; see the returned rows."
	default:
		if result.Explanation != "" {
			return result.Explanation
		}
		return "That question didn't need any data."
	}
}

// continueConversation replays the tool call with its result and asks
// the model for the final answer.
func (o *Orchestrator) continueConversation(ctx context.Context, messages []llm.Message, assistant llm.Message, call llm.ToolCall, toolResult string) (*llm.ChatResponse, error) {
	// The caller may have gone away while the tool ran. Stop before
	// spending a second model turn nobody will read.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	followup := append(append([]llm.Message{}, messages...),
		assistant,
		llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Content: toolResult},
	)
	resp, err := o.provider.Chat(ctx, llm.ChatRequest{
		Messages: followup,
		Model:    o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("second model turn: %w", err)
	}
	return resp, nil
}

func (o *Orchestrator) finish(req QueryRequest, result *QueryResult, start time.Time) *QueryResult {
	result.Latency = time.Since(start)
	result.CostMillicents = usage.CalculateCost("openai", result.Model,
		result.Usage.PromptTokens, result.Usage.CompletionTokens)

	o.log.InfoWithDuration(req.UserID, req.RequestID, "query resolved",
		float64(result.Latency.Milliseconds()), map[string]interface{}{
			"agent_id":        req.AgentID,
			"outcome":         string(result.Outcome),
			"row_count":       result.RowCount,
			"total_tokens":    result.Usage.TotalTokens,
			"cost_millicents": result.CostMillicents,
		})
	return result
}

// renderRejection serializes a validation or translation rejection as
// the tool output for the second turn.
func renderRejection(reason string) string {
	data, err := json.Marshal(map[string]string{"status": "rejected", "reason": reason})
	if err != nil {
		return `{"status":"rejected"}`
	}
	return string(data)
}

// renderToolResult serializes rows for the model, truncating oversized
// payloads so one wide row cannot blow the context window.
func renderToolResult(rows *queryexec.QueryResult) string {
	payload := map[string]interface{}{
		"rows":      rows.Rows,
		"row_count": rows.RowCount,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"error":"result not serializable"}`
	}
	if len(data) > maxResultBytes {
		truncated := map[string]interface{}{
			"rows":      rows.Rows[:len(rows.Rows)/2],
			"row_count": rows.RowCount,
			"truncated": true,
		}
		if data, err = json.Marshal(truncated); err == nil && len(data) <= maxResultBytes {
			return string(data)
		}
		return fmt.Sprintf(`{"row_count":%d,"truncated":true,"note":"rows omitted, too large"}`, rows.RowCount)
	}
	return string(data)
}

func (o *Orchestrator) systemPrompt() string {
	return `You are the query assistant for IdeaVault, a product idea board.
Answer the user's question about ideas, votes, comments, and tags.

To fetch data, call query_database with exactly one SQL SELECT statement.
Rules for the SQL you write:
- Single SELECT only. No writes, DDL, joins, GROUP BY, OR conditions, or subqueries.
- Query only these tables: ` + strings.Join(o.schema.TableNames(), ", ") + `.
- Filter with AND-joined comparisons (=, !=, <, <=, >, >=, LIKE, ILIKE).
- Always include an explicit LIMIT of 50 or less.
- count(*) is available for totals.
- If the question needs no data, set sql to "` + sqlguard.SentinelNoQuery + `".
- If the question asks for data the user should not see, set sql to
  "` + sqlguard.SentinelDeniedPrefix + ` <short reason>".

The database enforces row level security for this user; you will only
ever see rows they are allowed to see.

Schema:
` + o.schema.Render()
}
