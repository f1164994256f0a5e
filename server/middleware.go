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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ideavault/backend/common/usage"
)

type contextKey string

const (
	ctxKeyRequestID      contextKey = "request_id"
	ctxKeyIdentity       contextKey = "identity"
	ctxKeyIdentityHolder contextKey = "identity_holder"
)

// identityHolder lets an outer middleware observe the identity an
// inner middleware resolved. Context values only flow inward, so the
// metering wrapper plants a holder and requireAuth fills it.
type identityHolder struct {
	identity *Identity
}

// Identity is the authenticated human behind a request.
type Identity struct {
	UserID string
	Email  string
}

func requestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

func identityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(*Identity)
	return id, ok
}

// requestIDMiddleware honors an inbound X-Request-ID and mints one
// otherwise. The id is echoed on the response so clients can correlate
// failures with server logs.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate resolves the human identity from a Supabase access
// token. Tokens minted for shadow agents are refused here so an agent
// credential can never drive the query endpoint itself.
func (s *Server) authenticate(r *http.Request) (*Identity, error) {
	tokenString := bearerToken(r)
	if tokenString == "" {
		if c, err := r.Cookie("sb-access-token"); err == nil {
			tokenString = c.Value
		}
	}
	if tokenString == "" {
		return nil, fmt.Errorf("missing access token")
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	if appMeta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		if isAgent, _ := appMeta["is_agent"].(bool); isAgent {
			return nil, fmt.Errorf("agent credentials cannot call user endpoints")
		}
	}

	email, _ := claims["email"].(string)
	return &Identity{UserID: sub, Email: email}, nil
}

// requireAuth rejects unauthenticated requests with 401.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authenticate(r)
		if err != nil {
			s.log.Warn("", requestIDFrom(r.Context()), "authentication failed", map[string]interface{}{"error": err.Error()})
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		if holder, ok := r.Context().Value(ctxKeyIdentityHolder).(*identityHolder); ok {
			holder.identity = identity
		}
		ctx := context.WithValue(r.Context(), ctxKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// statusRecorder captures the response status for metrics and metering.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// meterMiddleware records per-request metrics and a usage event.
// Metering failures never fail the request.
func (s *Server) meterMiddleware(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		holder := &identityHolder{}
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyIdentityHolder, holder))

		next.ServeHTTP(rec, r)

		latencyMs := time.Since(start).Milliseconds()
		promRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", rec.status)).Inc()
		promRequestDuration.WithLabelValues(endpoint).Observe(float64(latencyMs))

		if s.usage == nil {
			return
		}
		userID := ""
		if holder.identity != nil {
			userID = holder.identity.UserID
		}
		if err := s.usage.RecordAPICall(usage.APICallEvent{
			UserID:         userID,
			RequestID:      requestIDFrom(r.Context()),
			HTTPMethod:     r.Method,
			HTTPPath:       r.URL.Path,
			HTTPStatusCode: rec.status,
			LatencyMs:      latencyMs,
		}); err != nil {
			s.log.Warn(userID, requestIDFrom(r.Context()), "failed to record usage event", map[string]interface{}{"error": err.Error()})
		}
	})
}
