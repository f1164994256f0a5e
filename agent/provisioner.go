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
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"ideavault/backend/secrets"
	"ideavault/backend/shared/logger"
	"ideavault/backend/supabase"
)

// AgentDomain is the reserved domain for agent identities. Nothing
// routes mail there; the address only has to be unique in GoTrue.
const AgentDomain = "agents.ideavault.internal"

// handleAttempts bounds collision retries on the agent email.
const handleAttempts = 3

// Provisioner creates the shadow agent identity for a human user.
type Provisioner struct {
	supa   *supabase.Client
	store  *ProfileStore
	cipher *secrets.Cipher
	log    *logger.Logger
}

// NewProvisioner wires the pieces a provisioning run needs.
func NewProvisioner(supa *supabase.Client, store *ProfileStore, cipher *secrets.Cipher, log *logger.Logger) *Provisioner {
	if log == nil {
		log = logger.New("agent-provisioner")
	}
	return &Provisioner{supa: supa, store: store, cipher: cipher, log: log}
}

// AgentHandle derives the canonical agent email for a human user id.
func AgentHandle(humanUserID string) string {
	return "agent-" + humanUserID + "@" + AgentDomain
}

// Provision creates the agent user in GoTrue and stores its encrypted
// credentials through q (typically the signup transaction). If the
// database write fails, the GoTrue user is deleted again so no orphan
// identity survives.
func (p *Provisioner) Provision(ctx context.Context, q Querier, humanUserID string) (*Profile, error) {
	password, err := randomPassword()
	if err != nil {
		return nil, fmt.Errorf("agent: generate password: %w", err)
	}

	user, email, err := p.createAgentUser(ctx, humanUserID, password)
	if err != nil {
		return nil, err
	}

	encrypted, err := p.cipher.Encrypt(password)
	if err != nil {
		p.compensate(ctx, user.ID, humanUserID)
		return nil, fmt.Errorf("agent: encrypt password: %w", err)
	}

	profile := Profile{
		UserID:            humanUserID,
		AgentID:           user.ID,
		AgentEmail:        email,
		EncryptedPassword: encrypted,
	}
	if err := p.store.SaveAgent(ctx, q, profile); err != nil {
		p.compensate(ctx, user.ID, humanUserID)
		return nil, err
	}

	p.log.Info(humanUserID, "", "agent provisioned", map[string]interface{}{
		"agent_id": user.ID,
	})
	return &profile, nil
}

// createAgentUser registers the agent in GoTrue, retrying with a random
// suffix when the canonical handle is already taken (a leftover from a
// failed earlier signup, or a recycled user id).
func (p *Provisioner) createAgentUser(ctx context.Context, humanUserID, password string) (*supabase.User, string, error) {
	email := AgentHandle(humanUserID)
	for attempt := 0; attempt < handleAttempts; attempt++ {
		user, err := p.supa.AdminCreateUser(ctx, supabase.CreateUserParams{
			Email:        email,
			Password:     password,
			EmailConfirm: true,
			AppMetadata: map[string]interface{}{
				"is_agent":      true,
				"owner_user_id": humanUserID,
			},
		})
		if err == nil {
			return user, email, nil
		}

		var apiErr *supabase.APIError
		if errors.As(err, &apiErr) && apiErr.IsConflict() {
			suffix, serr := randomSuffix()
			if serr != nil {
				return nil, "", fmt.Errorf("agent: handle suffix: %w", serr)
			}
			email = "agent-" + humanUserID + "-" + suffix + "@" + AgentDomain
			p.log.Warn(humanUserID, "", "agent handle collision, retrying", map[string]interface{}{
				"attempt": attempt + 1,
			})
			continue
		}
		return nil, "", fmt.Errorf("agent: create agent user: %w", err)
	}
	return nil, "", fmt.Errorf("agent: could not allocate a unique handle after %d attempts", handleAttempts)
}

// Deprovision deletes the agent identity and clears the profile columns.
func (p *Provisioner) Deprovision(ctx context.Context, q Querier, humanUserID string) error {
	profile, err := p.store.GetAgent(ctx, humanUserID)
	if errors.Is(err, ErrNotProvisioned) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := p.supa.AdminDeleteUser(ctx, profile.AgentID); err != nil {
		var apiErr *supabase.APIError
		if !errors.As(err, &apiErr) || !apiErr.IsNotFound() {
			return fmt.Errorf("agent: delete agent user: %w", err)
		}
	}
	return p.store.ClearAgent(ctx, q, humanUserID)
}

// compensate removes a GoTrue user created during a provisioning run
// that failed further down. Best effort; a leak here is caught by the
// conflict retry on the next attempt.
func (p *Provisioner) compensate(ctx context.Context, agentID, humanUserID string) {
	if err := p.supa.AdminDeleteUser(ctx, agentID); err != nil {
		p.log.Error(humanUserID, "", "failed to roll back agent user", err, map[string]interface{}{
			"agent_id": agentID,
		})
	}
}

// randomPassword returns a 32-byte random password, base64 encoded.
// Nobody ever types it; it exists only to satisfy the password grant.
func randomPassword() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// randomSuffix returns a short random handle suffix.
func randomSuffix() (string, error) {
	raw := make([]byte, 4)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", err
	}
	return strings.ToLower(base64.RawURLEncoding.EncodeToString(raw)), nil
}
