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

// Package server wires the agent service together and exposes its
// HTTP surface.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"ideavault/backend/agent"
	"ideavault/backend/common/usage"
	"ideavault/backend/orchestrator"
	"ideavault/backend/orchestrator/llm"
	"ideavault/backend/orchestrator/llm/openai"
	"ideavault/backend/queryexec"
	"ideavault/backend/secrets"
	"ideavault/backend/shared/config"
	"ideavault/backend/shared/logger"
	"ideavault/backend/sqlguard"
	"ideavault/backend/supabase"
)

// defaultQueryTimeout bounds one full two-turn exchange.
const defaultQueryTimeout = 90 * time.Second

// Server holds the wired dependencies behind the HTTP handlers.
type Server struct {
	log          *logger.Logger
	db           *sql.DB
	supa         *supabase.Client
	store        *agent.ProfileStore
	provisioner  *agent.Provisioner
	sessions     *agent.SessionManager
	orch         *orchestrator.Orchestrator
	provider     llm.Provider
	limiter      *RateLimiter
	usage        *usage.Recorder
	jwtSecret    string
	queryTimeout time.Duration
}

// Deps assembles a Server. Usage may be nil to disable metering.
type Deps struct {
	Logger       *logger.Logger
	DB           *sql.DB
	Supabase     *supabase.Client
	Store        *agent.ProfileStore
	Provisioner  *agent.Provisioner
	Sessions     *agent.SessionManager
	Orchestrator *orchestrator.Orchestrator
	Provider     llm.Provider
	Limiter      *RateLimiter
	Usage        *usage.Recorder
	JWTSecret    string
	QueryTimeout time.Duration
}

// NewServer validates the dependency set and returns a Server.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.DB == nil:
		return nil, fmt.Errorf("server: database is required")
	case deps.Supabase == nil:
		return nil, fmt.Errorf("server: supabase client is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("server: profile store is required")
	case deps.Provisioner == nil:
		return nil, fmt.Errorf("server: provisioner is required")
	case deps.Sessions == nil:
		return nil, fmt.Errorf("server: session manager is required")
	case deps.Orchestrator == nil:
		return nil, fmt.Errorf("server: orchestrator is required")
	case deps.Provider == nil:
		return nil, fmt.Errorf("server: llm provider is required")
	case deps.Limiter == nil:
		return nil, fmt.Errorf("server: rate limiter is required")
	case deps.JWTSecret == "":
		return nil, fmt.Errorf("server: jwt secret is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.New("server")
	}
	if deps.QueryTimeout <= 0 {
		deps.QueryTimeout = defaultQueryTimeout
	}
	return &Server{
		log:          deps.Logger,
		db:           deps.DB,
		supa:         deps.Supabase,
		store:        deps.Store,
		provisioner:  deps.Provisioner,
		sessions:     deps.Sessions,
		orch:         deps.Orchestrator,
		provider:     deps.Provider,
		limiter:      deps.Limiter,
		usage:        deps.Usage,
		jwtSecret:    deps.JWTSecret,
		queryTimeout: deps.QueryTimeout,
	}, nil
}

// Routes builds the HTTP surface.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Handle("/api/v1/ai/query",
		s.meterMiddleware("ai_query", s.requireAuth(s.handleQuery))).Methods("POST")
	r.Handle("/api/v1/auth/signup",
		s.meterMiddleware("auth_signup", http.HandlerFunc(s.handleSignup))).Methods("POST")
	r.Handle("/api/v1/auth/logout",
		s.meterMiddleware("auth_logout", s.requireAuth(s.handleLogout))).Methods("POST")
	r.HandleFunc("/api/v1/ai/health", s.handleAIHealth).Methods("GET")

	return r
}

// Run is the service entry point. It loads configuration, connects the
// collaborators, and blocks serving HTTP.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New("agentd")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	cipher, err := secrets.Load(context.Background())
	if err != nil {
		return fmt.Errorf("failed to load encryption key: %w", err)
	}

	supa, err := supabase.NewClient(supabase.Config{
		URL:            cfg.SupabaseURL,
		AnonKey:        cfg.SupabaseAnonKey,
		ServiceRoleKey: cfg.SupabaseServiceRoleKey,
	})
	if err != nil {
		return fmt.Errorf("failed to build supabase client: %w", err)
	}

	store := agent.NewProfileStore(db)
	provisioner := agent.NewProvisioner(supa, store, cipher, log)
	sessions := agent.NewSessionManager(supa, store, cipher, log)

	provider, err := openai.NewProvider(openai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})
	if err != nil {
		return fmt.Errorf("failed to build openai provider: %w", err)
	}

	schema := orchestrator.DefaultSchema()
	if cfg.SchemaPath != "" {
		if schema, err = orchestrator.LoadSchema(cfg.SchemaPath); err != nil {
			return fmt.Errorf("failed to load schema file: %w", err)
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Provider:  provider,
		Validator: sqlguard.NewValidator(),
		Executor:  queryexec.NewExecutor(supa),
		Schema:    schema,
		Model:     cfg.OpenAIModel,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	limiter := NewRateLimiter(cfg.RedisURL, cfg.RateLimitRequests, cfg.RateLimitWindow, log)
	defer limiter.Close()

	srv, err := NewServer(Deps{
		Logger:       log,
		DB:           db,
		Supabase:     supa,
		Store:        store,
		Provisioner:  provisioner,
		Sessions:     sessions,
		Orchestrator: orch,
		Provider:     provider,
		Limiter:      limiter,
		Usage:        usage.NewRecorder(db),
		JWTSecret:    cfg.SupabaseJWTSecret,
	})
	if err != nil {
		return err
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHandler.Handler(srv.Routes()),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	log.Info("", "", "agent service listening", map[string]interface{}{"port": cfg.Port})
	return httpServer.ListenAndServe()
}
