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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ideavault/backend/agent"
	"ideavault/backend/common/usage"
	"ideavault/backend/orchestrator"
	"ideavault/backend/orchestrator/llm"
	"ideavault/backend/supabase"
)

// maxQuestionLen bounds the user question before it reaches the model.
const maxQuestionLen = 2000

type queryRequest struct {
	Question string `json:"question"`
}

type tokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type queryResponse struct {
	Explanation   string                   `json:"explanation"`
	SQL           *string                  `json:"sql"`
	Rows          []map[string]interface{} `json:"rows"`
	RowCount      int64                    `json:"rowCount"`
	Outcome       string                   `json:"outcome"`
	TokenUsage    tokenUsage               `json:"tokenUsage"`
	Cost          string                   `json:"cost"`
	CorrelationID string                   `json:"correlationId"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{
		Error:         message,
		CorrelationID: requestIDFrom(r.Context()),
	})
}

// handleQuery answers one natural-language question. The heavy lifting
// lives in the orchestrator; this handler resolves the caller, applies
// the rate limit, and shapes the response.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, _ := identityFrom(ctx)
	requestID := requestIDFrom(ctx)

	if !s.limiter.Allow(ctx, identity.UserID) {
		promRateLimited.Inc()
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded, try again shortly")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, r, http.StatusBadRequest, "question is required")
		return
	}
	if len(req.Question) > maxQuestionLen {
		writeError(w, r, http.StatusBadRequest, "question is too long")
		return
	}

	handle, err := s.sessions.ScopedToken(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, agent.ErrNotProvisioned) {
			writeError(w, r, http.StatusUnauthorized, "no agent is provisioned for this account")
			return
		}
		s.log.Error(identity.UserID, requestID, "failed to resolve agent session", err, nil)
		writeError(w, r, http.StatusInternalServerError, "something went wrong, please retry")
		return
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	result, err := s.orch.Answer(queryCtx, orchestrator.QueryRequest{
		UserID:      handle.HumanID,
		AgentID:     handle.AgentID,
		RequestID:   requestID,
		Question:    req.Question,
		AccessToken: handle.Token,
	})
	if err != nil {
		s.log.Error(identity.UserID, requestID, "query orchestration failed", err, nil)
		writeError(w, r, http.StatusInternalServerError, "something went wrong, please retry")
		return
	}

	s.recordQuery(handle, requestID, result)

	var sqlOut *string
	if result.Outcome == orchestrator.OutcomeAnswered && result.GeneratedSQL != "" {
		sqlOut = &result.GeneratedSQL
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Explanation: result.Answer,
		SQL:         sqlOut,
		Rows:        result.Rows,
		RowCount:    result.RowCount,
		Outcome:     string(result.Outcome),
		TokenUsage: tokenUsage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Cost:          usage.FormatCostToDollars(result.CostMillicents),
		CorrelationID: requestID,
	})
}

func (s *Server) recordQuery(handle *agent.ScopedHandle, requestID string, result *orchestrator.QueryResult) {
	promQueryOutcomes.WithLabelValues(string(result.Outcome)).Inc()
	promTokensTotal.Add(float64(result.Usage.TotalTokens))
	promCostMillicents.Add(float64(result.CostMillicents))

	if s.usage == nil {
		return
	}
	if err := s.usage.RecordQuery(usage.QueryEvent{
		UserID:           handle.HumanID,
		AgentID:          handle.AgentID,
		RequestID:        requestID,
		Model:            result.Model,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
		RowCount:         result.RowCount,
		LatencyMs:        result.Latency.Milliseconds(),
		Outcome:          string(result.Outcome),
	}); err != nil {
		s.log.Warn(handle.HumanID, requestID, "failed to record query usage", map[string]interface{}{"error": err.Error()})
	}
}

type signupRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type signupResponse struct {
	User      signupUser `json:"user"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

type signupUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// handleSignup creates the human account and its shadow agent in one
// logical step. If the agent cannot be provisioned the human account
// is deleted again so no half-provisioned user survives.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestIDFrom(ctx)

	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, r, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	user, err := s.supa.AdminCreateUser(ctx, supabase.CreateUserParams{
		Email:        req.Email,
		Password:     req.Password,
		EmailConfirm: true,
		UserMetadata: map[string]interface{}{"display_name": req.DisplayName},
	})
	if err != nil {
		var apiErr *supabase.APIError
		if errors.As(err, &apiErr) && apiErr.IsConflict() {
			writeError(w, r, http.StatusConflict, "an account with this email already exists")
			return
		}
		s.log.Error("", requestID, "failed to create user", err, nil)
		writeError(w, r, http.StatusInternalServerError, "something went wrong, please retry")
		return
	}

	if err := s.provisionNewUser(r, user.ID, req.DisplayName); err != nil {
		s.log.Error(user.ID, requestID, "failed to provision agent, rolling back signup", err, nil)
		if delErr := s.supa.AdminDeleteUser(ctx, user.ID); delErr != nil {
			s.log.Error(user.ID, requestID, "orphaned user left behind after failed signup", delErr, nil)
		}
		writeError(w, r, http.StatusInternalServerError, "something went wrong, please retry")
		return
	}

	session, err := s.supa.SignInWithPassword(ctx, req.Email, req.Password)
	if err != nil {
		s.log.Error(user.ID, requestID, "signup succeeded but sign-in failed", err, nil)
		writeError(w, r, http.StatusInternalServerError, "account created, please sign in")
		return
	}

	expiresAt := time.Now().Add(time.Duration(session.ExpiresIn) * time.Second)
	setSessionCookies(w, session)
	writeJSON(w, http.StatusCreated, signupResponse{
		User:      signupUser{ID: user.ID, Email: user.Email},
		ExpiresAt: expiresAt,
	})
}

// provisionNewUser creates the profile row and the shadow agent inside
// one transaction so a provisioning failure leaves no profile behind.
func (s *Server) provisionNewUser(r *http.Request, userID, displayName string) error {
	ctx := r.Context()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.store.CreateProfileRow(ctx, tx, userID, displayName); err != nil {
		return err
	}
	if _, err := s.provisioner.Provision(ctx, tx, userID); err != nil {
		return err
	}
	return tx.Commit()
}

func setSessionCookies(w http.ResponseWriter, session *supabase.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     "sb-access-token",
		Value:    session.AccessToken,
		Path:     "/",
		MaxAge:   session.ExpiresIn,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     "sb-refresh-token",
		Value:    session.RefreshToken,
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{"sb-access-token", "sb-refresh-token"} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// handleLogout revokes the caller's cached agent session and clears
// the auth cookies. The human session itself expires with its token.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFrom(r.Context())

	if err := s.sessions.Revoke(r.Context(), identity.UserID); err != nil {
		s.log.Warn(identity.UserID, requestIDFrom(r.Context()), "agent session revoke failed", map[string]interface{}{"error": err.Error()})
	}

	clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleAIHealth probes the completion API with a one-token request
// and reports the round-trip latency.
func (s *Server) handleAIHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.provider.Chat(ctx, llm.ChatRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	latencyMs := time.Since(start).Milliseconds()

	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":     "unhealthy",
			"provider":   s.provider.Name(),
			"latency_ms": latencyMs,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"provider":   s.provider.Name(),
		"latency_ms": latencyMs,
	})
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "ideavault-agent",
		"timestamp": time.Now().UTC(),
		"version":   "1.0.0",
	})
}
