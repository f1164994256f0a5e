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
	"fmt"
	"sync"
	"time"

	"ideavault/backend/secrets"
	"ideavault/backend/shared/logger"
	"ideavault/backend/supabase"
)

// refreshMargin renews sessions this long before they expire, so a
// token handed to a query never dies mid-conversation.
const refreshMargin = 5 * time.Minute

// ScopedHandle is a live agent session bound to its owner. HumanID and
// AgentID ride along as opaque attributes for audit logging; queries
// issued with Token are RLS-scoped to the agent identity.
type ScopedHandle struct {
	HumanID string
	AgentID string
	Token   string
}

// cachedSession is one live agent session.
type cachedSession struct {
	agentID     string
	accessToken string
	expiresAt   time.Time
}

func (c *cachedSession) usable(now time.Time) bool {
	return c != nil && now.Before(c.expiresAt.Add(-refreshMargin))
}

// SessionManager hands out scoped agent tokens, caching live sessions
// and signing in again only when one is missing or near expiry.
type SessionManager struct {
	supa   *supabase.Client
	store  *ProfileStore
	cipher *secrets.Cipher
	log    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*cachedSession
	locks    map[string]*sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

// NewSessionManager creates a session manager.
func NewSessionManager(supa *supabase.Client, store *ProfileStore, cipher *secrets.Cipher, log *logger.Logger) *SessionManager {
	if log == nil {
		log = logger.New("agent-session")
	}
	return &SessionManager{
		supa:     supa,
		store:    store,
		cipher:   cipher,
		log:      log,
		sessions: make(map[string]*cachedSession),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// ScopedToken returns a live handle for the user's agent, signing in
// if needed. Concurrent calls for the same user share one sign-in;
// different users never block each other.
func (m *SessionManager) ScopedToken(ctx context.Context, userID string) (*ScopedHandle, error) {
	if userID == "" {
		return nil, fmt.Errorf("agent: user id is required")
	}

	m.mu.Lock()
	if s := m.sessions[userID]; s.usable(m.now()) {
		handle := s.handle(userID)
		m.mu.Unlock()
		return handle, nil
	}
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	m.mu.Lock()
	if s := m.sessions[userID]; s.usable(m.now()) {
		handle := s.handle(userID)
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	session, err := m.signIn(ctx, userID)
	if err != nil {
		// A rejected sign-in invalidates whatever stale session was
		// cached for this user.
		m.mu.Lock()
		delete(m.sessions, userID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[userID] = session
	m.mu.Unlock()
	return session.handle(userID), nil
}

func (c *cachedSession) handle(userID string) *ScopedHandle {
	return &ScopedHandle{HumanID: userID, AgentID: c.agentID, Token: c.accessToken}
}

func (m *SessionManager) signIn(ctx context.Context, userID string) (*cachedSession, error) {
	profile, err := m.store.GetAgent(ctx, userID)
	if err != nil {
		return nil, err
	}

	password, err := m.cipher.Decrypt(profile.EncryptedPassword)
	if err != nil {
		// Wrong key or corrupted column. Operators must rotate or
		// re-provision; retrying will not help.
		return nil, fmt.Errorf("agent: decrypt credentials for %s: %w", userID, err)
	}

	session, err := m.supa.SignInWithPassword(ctx, profile.AgentEmail, password)
	if err != nil {
		return nil, fmt.Errorf("agent: sign in agent for %s: %w", userID, err)
	}

	expiresAt := m.now().Add(time.Duration(session.ExpiresIn) * time.Second)

	if err := m.store.TouchLastUsed(ctx, userID); err != nil {
		m.log.Warn(userID, "", "failed to bump agent_last_used_at", map[string]interface{}{
			"error": err.Error(),
		})
	}

	m.log.Info(userID, "", "agent session established", map[string]interface{}{
		"agent_id":   profile.AgentID,
		"expires_in": session.ExpiresIn,
	})
	return &cachedSession{
		agentID:     profile.AgentID,
		accessToken: session.AccessToken,
		expiresAt:   expiresAt,
	}, nil
}

// Revoke drops the cached session and revokes it server side. Used on
// logout so a stolen token dies with the human session.
func (m *SessionManager) Revoke(ctx context.Context, userID string) error {
	m.mu.Lock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := m.supa.SignOut(ctx, s.accessToken); err != nil {
		return fmt.Errorf("agent: revoke session for %s: %w", userID, err)
	}
	return nil
}

// CachedSessions reports how many sessions are currently cached.
func (m *SessionManager) CachedSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
