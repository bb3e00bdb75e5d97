package cmd

import (
	"fmt"

	"liveide/auth"
	"liveide/logging"
	"liveide/monitor"
	"liveide/relay"
	"liveide/server"
	"liveide/storage"
)

// defaultJWTSecret is the development fallback; override it in production
const defaultJWTSecret = "dev-secret-key-change-in-production"

// ServeCmd starts the relay and monitoring server
type ServeCmd struct {
	Host         string `help:"Host to bind to" default:"localhost"`
	Port         string `help:"Port to listen on" default:"3000"`
	JWTSecret    string `help:"HMAC secret for bearer tokens" env:"LIVEIDE_JWT_SECRET" default:"dev-secret-key-change-in-production"`
	OpenAIAPIKey string `help:"API key enabling AI monitor summaries" env:"OPENAI_API_KEY"`
}

// Run executes the serve command
func (s *ServeCmd) Run(cli *CLI) error {
	// Apply settings with the usual precedence
	if cli.settings != nil {
		if s.JWTSecret == defaultJWTSecret && cli.settings.JWTSecret != "" {
			s.JWTSecret = cli.settings.JWTSecret
		}
		if s.OpenAIAPIKey == "" && cli.settings.OpenAIAPIKey != "" {
			s.OpenAIAPIKey = cli.settings.OpenAIAPIKey
		}
	}

	logging.Logger.Info("Starting liveide server",
		"host", s.Host,
		"port", s.Port,
		"db_path", cli.DBPath)

	store, err := storage.NewStore(expandPath(cli.DBPath))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	// Composition root: the tracker is a plain injected instance, scoped to
	// the process, never a package global
	tracker := relay.NewTracker()
	verifier := auth.NewJWT(s.JWTSecret, 0)
	gateway := relay.NewGateway(store, store, verifier, tracker)
	analyzer := monitor.NewAnalyzer(store)

	var summarizer monitor.Summarizer = monitor.NoopSummarizer{}
	if s.OpenAIAPIKey != "" {
		summarizer = monitor.NewOpenAISummarizer(s.OpenAIAPIKey)
		logging.Logger.Info("AI monitor summaries enabled")
	}
	engine := monitor.NewEngine(store, tracker, analyzer, summarizer)

	srv := server.NewServer(s.Host, s.Port, store, tracker, gateway, engine, analyzer, verifier)

	// Start server (blocks until shutdown)
	return srv.Start()
}
