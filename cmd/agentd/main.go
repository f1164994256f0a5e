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

// Package main is the entry point for the IdeaVault agent service.
//
// The service answers natural-language questions about a user's ideas
// by letting a per-user shadow agent run validated, read-only SQL
// through the database API under that user's row-level security.
//
// Usage:
//
//	./agentd
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	SUPABASE_URL - Supabase project URL
//	SUPABASE_ANON_KEY / SUPABASE_SERVICE_ROLE_KEY - API keys
//	SUPABASE_JWT_SECRET - secret for session token validation
//	DATABASE_URL - PostgreSQL connection string
//	OPENAI_API_KEY - completion API key
//	AGENT_ENCRYPTION_KEY - key material for agent credential encryption
//	REDIS_URL - optional shared rate limit backend
package main

import (
	"log"

	"ideavault/backend/server"
)

func main() {
	if err := server.Run(); err != nil {
		log.Fatalf("agentd: %v", err)
	}
}
