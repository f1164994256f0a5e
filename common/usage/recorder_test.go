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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestRecordAPICall(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO usage_events").
		WithArgs("user-1", "req-1", "POST", "/api/v1/ai/query", 200, int64(840)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db)
	err = r.RecordAPICall(APICallEvent{
		UserID:         "user-1",
		RequestID:      "req-1",
		HTTPMethod:     "POST",
		HTTPPath:       "/api/v1/ai/query",
		HTTPStatusCode: 200,
		LatencyMs:      840,
	})
	if err != nil {
		t.Fatalf("RecordAPICall: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordAPICallEmptyUserBecomesNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO usage_events").
		WithArgs(nil, "req-1", "GET", "/health", 200, int64(2)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db)
	if err := r.RecordAPICall(APICallEvent{
		RequestID:      "req-1",
		HTTPMethod:     "GET",
		HTTPPath:       "/health",
		HTTPStatusCode: 200,
		LatencyMs:      2,
	}); err != nil {
		t.Fatalf("RecordAPICall: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordQueryDerivesCost(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	wantCost := CalculateCost("openai", "gpt-4o-mini", 2000, 500)
	mock.ExpectExec("INSERT INTO usage_events").
		WithArgs("user-1", "agent-uuid-1", "req-9", "gpt-4o-mini", 2000, 500, 2500,
			wantCost, int64(12), int64(1500), "answered").
		WillReturnResult(sqlmock.NewResult(1, 1))

	r := NewRecorder(db)
	if err := r.RecordQuery(QueryEvent{
		UserID:           "user-1",
		AgentID:          "agent-uuid-1",
		RequestID:        "req-9",
		Model:            "gpt-4o-mini",
		PromptTokens:     2000,
		CompletionTokens: 500,
		TotalTokens:      2500,
		RowCount:         12,
		LatencyMs:        1500,
		Outcome:          "answered",
	}); err != nil {
		t.Fatalf("RecordQuery: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
