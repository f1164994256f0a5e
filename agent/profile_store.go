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

package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotProvisioned means the user has no agent identity yet.
var ErrNotProvisioned = errors.New("agent: user has no provisioned agent")

// minEncryptedLen is the shortest plausible AES-GCM ciphertext in
// base64 (12-byte nonce plus 16-byte tag plus one payload byte). A
// shorter value in the column means a plaintext or corrupted password
// slipped in, and must never be stored.
const minEncryptedLen = 40

// Profile is the agent identity attached to one human user.
type Profile struct {
	UserID            string // human user id (uuid)
	AgentID           string // agent user id in GoTrue (uuid)
	AgentEmail        string
	EncryptedPassword string
	CreatedAt         time.Time
	LastUsedAt        sql.NullTime
}

// Querier is the subset of *sql.DB and *sql.Tx the store needs, so
// writes can join a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ProfileStore persists agent identities in the user_profiles table.
type ProfileStore struct {
	db *sql.DB
}

// NewProfileStore creates a store backed by the given database.
func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// DB returns the underlying handle for callers that open transactions.
func (s *ProfileStore) DB() *sql.DB {
	return s.db
}

// SaveAgent writes the agent columns for a user. It runs on q so a
// signup transaction can include it atomically.
func (s *ProfileStore) SaveAgent(ctx context.Context, q Querier, p Profile) error {
	if p.UserID == "" || p.AgentID == "" || p.AgentEmail == "" {
		return fmt.Errorf("agent: profile is missing identifiers")
	}
	if len(p.EncryptedPassword) < minEncryptedLen {
		return fmt.Errorf("agent: encrypted password is too short to be a ciphertext")
	}

	result, err := q.ExecContext(ctx, `
		UPDATE user_profiles
		SET agent_user_id = $2,
		    agent_email = $3,
		    agent_password_encrypted = $4,
		    agent_created_at = NOW()
		WHERE user_id = $1
	`, p.UserID, p.AgentID, p.AgentEmail, p.EncryptedPassword)
	if err != nil {
		return fmt.Errorf("agent: save profile: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent: save profile: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent: no profile row for user %s", p.UserID)
	}
	return nil
}

// GetAgent loads the agent identity for a user. Returns
// ErrNotProvisioned when the profile exists but carries no agent.
func (s *ProfileStore) GetAgent(ctx context.Context, userID string) (*Profile, error) {
	var (
		p         Profile
		agentID   sql.NullString
		email     sql.NullString
		encrypted sql.NullString
		createdAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, agent_user_id, agent_email, agent_password_encrypted,
		       agent_created_at, agent_last_used_at
		FROM user_profiles
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &agentID, &email, &encrypted, &createdAt, &p.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotProvisioned
	}
	if err != nil {
		return nil, fmt.Errorf("agent: load profile: %w", err)
	}
	if !agentID.Valid || !email.Valid || !encrypted.Valid {
		return nil, ErrNotProvisioned
	}
	// Same floor as SaveAgent: anything shorter cannot be a real
	// ciphertext and must not reach the cipher.
	if len(encrypted.String) < minEncryptedLen {
		return nil, fmt.Errorf("agent: stored credential for %s is too short to be a ciphertext", userID)
	}

	p.AgentID = agentID.String
	p.AgentEmail = email.String
	p.EncryptedPassword = encrypted.String
	if createdAt.Valid {
		p.CreatedAt = createdAt.Time
	}
	return &p, nil
}

// TouchLastUsed bumps agent_last_used_at. Called on every successful
// agent sign-in; failures are the caller's to log, not fatal.
func (s *ProfileStore) TouchLastUsed(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_profiles SET agent_last_used_at = NOW() WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("agent: touch last used: %w", err)
	}
	return nil
}

// ClearAgent removes the agent columns, used when deprovisioning.
func (s *ProfileStore) ClearAgent(ctx context.Context, q Querier, userID string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE user_profiles
		SET agent_user_id = NULL,
		    agent_email = NULL,
		    agent_password_encrypted = NULL,
		    agent_created_at = NULL,
		    agent_last_used_at = NULL
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("agent: clear profile: %w", err)
	}
	return nil
}

// CreateProfileRow inserts the base profile row during signup.
func (s *ProfileStore) CreateProfileRow(ctx context.Context, q Querier, userID, displayName string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, display_name, created_at)
		VALUES ($1, $2, NOW())
	`, userID, displayName)
	if err != nil {
		return fmt.Errorf("agent: create profile row: %w", err)
	}
	return nil
}
