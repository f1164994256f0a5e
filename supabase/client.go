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

// Package supabase is a thin client for the two Supabase surfaces the
// agent needs: GoTrue (user admin and password sign-in) and PostgREST
// (row-level-security scoped reads).
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout is the default HTTP timeout for Supabase calls.
const DefaultTimeout = 30 * time.Second

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the Supabase client
type Config struct {
	URL            string        // Required: project URL, e.g. https://xyz.supabase.co
	AnonKey        string        // Required: public anon key (sent as apikey header)
	ServiceRoleKey string        // Optional: service role key, required for admin operations
	Timeout        time.Duration // Optional: HTTP timeout (default: 30s)
}

// Client talks to a single Supabase project. It is safe for concurrent use.
type Client struct {
	baseURL        string
	anonKey        string
	serviceRoleKey string
	client         HTTPClient
}

// NewClient creates a new Supabase client instance
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.URL, "/"),
		anonKey:        cfg.AnonKey,
		serviceRoleKey: cfg.ServiceRoleKey,
		client:         &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// SetHTTPClient replaces the underlying HTTP client (used in tests).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.client = hc
}

// User is a GoTrue user record.
type User struct {
	ID           string                 `json:"id"`
	Email        string                 `json:"email"`
	Role         string                 `json:"role,omitempty"`
	AppMetadata  map[string]interface{} `json:"app_metadata,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at,omitempty"`
}

// Session is the result of a successful password grant.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

// CreateUserParams are the fields for an admin user creation.
type CreateUserParams struct {
	Email        string                 `json:"email"`
	Password     string                 `json:"password"`
	EmailConfirm bool                   `json:"email_confirm"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	AppMetadata  map[string]interface{} `json:"app_metadata,omitempty"`
}

// AdminCreateUser creates a user via the GoTrue admin API. Requires the
// service role key.
func (c *Client) AdminCreateUser(ctx context.Context, params CreateUserParams) (*User, error) {
	if c.serviceRoleKey == "" {
		return nil, fmt.Errorf("supabase service role key is required for admin operations")
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/auth/v1/admin/users", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req, c.serviceRoleKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase admin create user: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.parseAPIError(resp)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &user, nil
}

// AdminDeleteUser deletes a user via the GoTrue admin API. Requires the
// service role key.
func (c *Client) AdminDeleteUser(ctx context.Context, userID string) error {
	if c.serviceRoleKey == "" {
		return fmt.Errorf("supabase service role key is required for admin operations")
	}

	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+"/auth/v1/admin/users/"+userID, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req, c.serviceRoleKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("supabase admin delete user: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.parseAPIError(resp)
	}
	return nil
}

// SignInWithPassword performs the GoTrue password grant and returns a
// session whose access token carries the signed-in user's identity.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/auth/v1/token?grant_type=password", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req, c.anonKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase sign in: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseAPIError(resp)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("supabase sign in returned empty access token")
	}
	return &session, nil
}

// SignOut revokes the session behind the given access token.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/auth/v1/logout", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req, accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("supabase sign out: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.parseAPIError(resp)
	}
	return nil
}

// setAuthHeaders sets the apikey and bearer headers GoTrue and PostgREST expect.
func (c *Client) setAuthHeaders(req *http.Request, bearer string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
}

// parseAPIError parses an API error response
func (c *Client) parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Code    interface{} `json:"code"`
		Message string      `json:"message"`
		Msg     string      `json:"msg"`
		Error   string      `json:"error"`
		Details string      `json:"details"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	message := errResp.Message
	if message == "" {
		message = errResp.Msg
	}
	if message == "" {
		message = errResp.Error
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       fmt.Sprintf("%v", errResp.Code),
		Message:    message,
		Details:    errResp.Details,
	}
}

// APIError represents a Supabase API error
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("supabase API error (status %d): %s", e.StatusCode, e.Message)
}

// IsConflict returns true if the resource already exists
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict ||
		e.StatusCode == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(e.Message), "already") ||
		strings.Contains(strings.ToLower(e.Message), "already registered")
}

// IsAuthError returns true if this is an authentication error
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// IsNotFound returns true if the resource does not exist
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}
