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

package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ideavault/backend/agent"
	"ideavault/backend/orchestrator"
	"ideavault/backend/orchestrator/llm"
	"ideavault/backend/queryexec"
	"ideavault/backend/secrets"
	"ideavault/backend/shared/logger"
	"ideavault/backend/sqlguard"
	"ideavault/backend/supabase"
)

const testJWTSecret = "test-jwt-secret"

// stubProvider replays canned completions.
type stubProvider struct {
	responses []*llm.ChatResponse
	err       error
	calls     int
}

func (p *stubProvider) Name() string { return "openai" }

func (p *stubProvider) IsHealthy() bool { return p.err == nil }

func (p *stubProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("unexpected chat call %d", p.calls)
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func toolCallResponse(sql string) *llm.ChatResponse {
	args, _ := json.Marshal(map[string]interface{}{
		"sql":         sql,
		"explanation": "fetches matching ideas",
		"safe":        true,
		"confidence":  0.9,
	})
	return &llm.ChatResponse{
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "query_database", Arguments: string(args)},
			},
		},
		FinishReason: "tool_calls",
		Usage:        llm.UsageStats{PromptTokens: 120, CompletionTokens: 60, TotalTokens: 180},
	}
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		FinishReason: "stop",
		Usage:        llm.UsageStats{PromptTokens: 120, CompletionTokens: 60, TotalTokens: 180},
	}
}

// testEnv wires a Server against a fake Supabase and a mocked database.
type testEnv struct {
	server   *Server
	mock     sqlmock.Sqlmock
	cipher   *secrets.Cipher
	supaMux  *http.ServeMux
	provider *stubProvider
}

func newTestEnv(t *testing.T, provider *stubProvider, limit int) *testEnv {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	supaMux := http.NewServeMux()
	supaSrv := httptest.NewServer(supaMux)
	t.Cleanup(supaSrv.Close)

	supa, err := supabase.NewClient(supabase.Config{
		URL:            supaSrv.URL,
		AnonKey:        "anon-key",
		ServiceRoleKey: "service-key",
	})
	require.NoError(t, err)

	key := make([]byte, secrets.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)

	log := logger.New("server-test")
	store := agent.NewProfileStore(db)
	orch, err := orchestrator.New(orchestrator.Config{
		Provider:  provider,
		Validator: sqlguard.NewValidator(),
		Executor:  queryexec.NewExecutor(supa),
		Model:     "gpt-4o-mini",
		Logger:    log,
	})
	require.NoError(t, err)

	srv, err := NewServer(Deps{
		Logger:       log,
		DB:           db,
		Supabase:     supa,
		Store:        store,
		Provisioner:  agent.NewProvisioner(supa, store, cipher, log),
		Sessions:     agent.NewSessionManager(supa, store, cipher, log),
		Orchestrator: orch,
		Provider:     provider,
		Limiter:      NewRateLimiter("", limit, time.Minute, log),
		JWTSecret:    testJWTSecret,
	})
	require.NoError(t, err)

	return &testEnv{server: srv, mock: mock, cipher: cipher, supaMux: supaMux, provider: provider}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func humanToken(t *testing.T, userID string) string {
	return signToken(t, jwt.MapClaims{"sub": userID, "email": "human@example.com"})
}

// expectAgentSession arms the store and GoTrue fakes so ScopedToken
// resolves to agentAccessToken for userID.
func (e *testEnv) expectAgentSession(t *testing.T, userID, agentAccessToken string) {
	t.Helper()
	encrypted, err := e.cipher.Encrypt("agent-password-agent-password-xx")
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"user_id", "agent_user_id", "agent_email", "agent_password_encrypted",
		"agent_created_at", "agent_last_used_at",
	}).AddRow(userID, "agent-uuid-1", "agent-agent-uuid-1@agents.ideavault.internal",
		encrypted, time.Now(), nil)
	e.mock.ExpectQuery("SELECT user_id, agent_user_id").WithArgs(userID).WillReturnRows(rows)
	e.mock.ExpectExec("UPDATE user_profiles SET agent_last_used_at").
		WithArgs(userID).WillReturnResult(sqlmock.NewResult(0, 1))

	e.supaMux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":3600,"refresh_token":"rt"}`, agentAccessToken)
	})
}

func doRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

func TestQueryEndToEnd(t *testing.T) {
	provider := &stubProvider{responses: []*llm.ChatResponse{
		toolCallResponse("SELECT id, title FROM ideas LIMIT 5"),
		textResponse("There are two open ideas: A and B."),
	}}
	env := newTestEnv(t, provider, 10)
	env.expectAgentSession(t, "user-1", "agent-jwt")

	env.supaMux.HandleFunc("/rest/v1/ideas", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer agent-jwt", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"id":1,"title":"A"},{"id":2,"title":"B"}]`)
	})

	body := bytes.NewBufferString(`{"question":"what ideas are open?"}`)
	req := httptest.NewRequest("POST", "/api/v1/ai/query", body)
	req.Header.Set("Authorization", "Bearer "+humanToken(t, "user-1"))
	req.Header.Set("X-Request-ID", "req-e2e-1")

	rec := doRequest(env.server, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "req-e2e-1", rec.Header().Get("X-Request-ID"))

	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "There are two open ideas: A and B.", resp.Explanation)
	require.NotNil(t, resp.SQL)
	assert.Equal(t, "SELECT id, title FROM ideas LIMIT 5", *resp.SQL)
	assert.Equal(t, int64(2), resp.RowCount)
	assert.Len(t, resp.Rows, 2)
	assert.Equal(t, "answered", resp.Outcome)
	assert.Equal(t, 360, resp.TokenUsage.TotalTokens)
	assert.Equal(t, "req-e2e-1", resp.CorrelationID)
	assert.Equal(t, 2, provider.calls)
}

func TestQueryRequiresAuth(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)

	req := httptest.NewRequest("POST", "/api/v1/ai/query",
		bytes.NewBufferString(`{"question":"hi"}`))
	rec := doRequest(env.server, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryRejectsAgentToken(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)

	token := signToken(t, jwt.MapClaims{
		"sub":          "agent-uuid-1",
		"app_metadata": map[string]interface{}{"is_agent": true},
	})
	req := httptest.NewRequest("POST", "/api/v1/ai/query",
		bytes.NewBufferString(`{"question":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)

	rec := doRequest(env.server, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryNotProvisioned(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)
	env.mock.ExpectQuery("SELECT user_id, agent_user_id").
		WithArgs("user-2").WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest("POST", "/api/v1/ai/query",
		bytes.NewBufferString(`{"question":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+humanToken(t, "user-2"))

	rec := doRequest(env.server, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQueryValidation(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)
	token := humanToken(t, "user-3")

	tests := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"empty question", `{"question":"   "}`},
		{"oversized question", fmt.Sprintf(`{"question":%q}`, bytes.Repeat([]byte("a"), maxQuestionLen+1))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/ai/query", bytes.NewBufferString(tt.body))
			req.Header.Set("Authorization", "Bearer "+token)
			rec := doRequest(env.server, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestQueryRateLimited(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 1)
	token := humanToken(t, "user-4")

	// First request consumes the window; it fails later for other
	// reasons but must pass the limiter.
	req := httptest.NewRequest("POST", "/api/v1/ai/query", bytes.NewBufferString(`{"question"`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := doRequest(env.server, req)
	require.NotEqual(t, http.StatusTooManyRequests, rec.Code)

	req = httptest.NewRequest("POST", "/api/v1/ai/query", bytes.NewBufferString(`{"question":"hi"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = doRequest(env.server, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSignupProvisionsAgent(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)

	env.supaMux.HandleFunc("/auth/v1/admin/users", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"human-uuid-1","email":"new@example.com"}`)
	})
	env.supaMux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"human-jwt","token_type":"bearer","expires_in":3600,"refresh_token":"human-rt"}`)
	})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO user_profiles").
		WithArgs("human-uuid-1", "New User").WillReturnResult(sqlmock.NewResult(1, 1))
	env.mock.ExpectExec("UPDATE user_profiles").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	body := bytes.NewBufferString(`{"email":"New@Example.com","password":"s3cret-pass","displayName":"New User"}`)
	rec := doRequest(env.server, httptest.NewRequest("POST", "/api/v1/auth/signup", body))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp signupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "human-uuid-1", resp.User.ID)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	cookies := rec.Result().Cookies()
	var names []string
	for _, c := range cookies {
		names = append(names, c.Name)
		assert.True(t, c.HttpOnly)
	}
	assert.Contains(t, names, "sb-access-token")
	assert.Contains(t, names, "sb-refresh-token")
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestSignupRollsBackOnProvisionFailure(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)

	deleted := false
	env.supaMux.HandleFunc("/auth/v1/admin/users", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"human-uuid-2","email":"fail@example.com"}`)
	})
	env.supaMux.HandleFunc("/auth/v1/admin/users/human-uuid-2", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		deleted = true
		w.WriteHeader(http.StatusOK)
	})

	env.mock.ExpectBegin()
	env.mock.ExpectExec("INSERT INTO user_profiles").
		WillReturnError(fmt.Errorf("constraint violation"))
	env.mock.ExpectRollback()

	body := bytes.NewBufferString(`{"email":"fail@example.com","password":"s3cret-pass"}`)
	rec := doRequest(env.server, httptest.NewRequest("POST", "/api/v1/auth/signup", body))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, deleted, "orphaned human account should be deleted")
}

func TestSignupValidation(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)

	tests := []struct {
		name string
		body string
	}{
		{"bad email", `{"email":"not-an-email","password":"s3cret-pass"}`},
		{"short password", `{"email":"a@b.com","password":"short"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(env.server,
				httptest.NewRequest("POST", "/api/v1/auth/signup", bytes.NewBufferString(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestLogoutClearsCookies(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)

	req := httptest.NewRequest("POST", "/api/v1/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+humanToken(t, "user-5"))

	rec := doRequest(env.server, req)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, c := range rec.Result().Cookies() {
		assert.Equal(t, -1, c.MaxAge, "cookie %s should be expired", c.Name)
		assert.Empty(t, c.Value)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubProvider{}, 10)

	rec := doRequest(env.server, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ideavault-agent", body["service"])
}

func TestAIHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		env := newTestEnv(t, &stubProvider{responses: []*llm.ChatResponse{textResponse("pong")}}, 10)

		rec := doRequest(env.server, httptest.NewRequest("GET", "/api/v1/ai/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "openai", body["provider"])
	})

	t.Run("provider down", func(t *testing.T) {
		env := newTestEnv(t, &stubProvider{err: fmt.Errorf("connection refused")}, 10)

		rec := doRequest(env.server, httptest.NewRequest("GET", "/api/v1/ai/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
