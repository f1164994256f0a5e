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

package usage

import (
	"database/sql"
	"log"
)

// Recorder writes usage events to Postgres.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder backed by the given database.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// APICallEvent represents one HTTP request handled by the service
type APICallEvent struct {
	UserID         string
	RequestID      string
	HTTPMethod     string
	HTTPPath       string
	HTTPStatusCode int
	LatencyMs      int64
}

// RecordAPICall records an API call event. Errors are logged but never
// propagate into the response path.
func (r *Recorder) RecordAPICall(event APICallEvent) error {
	_, err := r.db.Exec(`
		INSERT INTO usage_events (
			user_id, request_id, event_type,
			http_method, http_path, http_status_code, latency_ms
		) VALUES ($1, $2, 'api_call', $3, $4, $5, $6)
	`, nullString(event.UserID), nullString(event.RequestID),
		event.HTTPMethod, event.HTTPPath,
		event.HTTPStatusCode, event.LatencyMs)

	if err != nil {
		log.Printf("[USAGE] Failed to record API call: %v", err)
	}

	return err
}

// QueryEvent represents one natural-language query answered by the agent
type QueryEvent struct {
	UserID           string
	AgentID          string
	RequestID        string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	RowCount         int64
	LatencyMs        int64
	Outcome          string // "answered", "no_query", "denied", "rejected", "error"
}

// RecordQuery records a query event with token usage and derived cost.
func (r *Recorder) RecordQuery(event QueryEvent) error {
	costMillicents := CalculateCost("openai", event.Model,
		event.PromptTokens, event.CompletionTokens)

	_, err := r.db.Exec(`
		INSERT INTO usage_events (
			user_id, agent_user_id, request_id, event_type, llm_model,
			prompt_tokens, completion_tokens, total_tokens,
			estimated_cost_millicents, row_count, latency_ms, outcome
		) VALUES ($1, $2, $3, 'agent_query', $4, $5, $6, $7, $8, $9, $10, $11)
	`, nullString(event.UserID), nullString(event.AgentID), nullString(event.RequestID), event.Model,
		event.PromptTokens, event.CompletionTokens, event.TotalTokens,
		costMillicents, event.RowCount, event.LatencyMs, event.Outcome)

	if err != nil {
		log.Printf("[USAGE] Failed to record query: %v", err)
	}

	return err
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
