package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/engine"
)

// Server is the HTTP API server over the memory engine.
type Server struct {
	config   Config
	engine   *engine.Engine
	generate engine.GenerateFunc
	logger   *zap.Logger
	app      *fiber.App
}

// NewServer creates the API server. The engine is injected so it can be
// shared with other transports; generate is the reply collaborator used by
// the turn endpoint.
func NewServer(config Config, eng *engine.Engine, generate engine.GenerateFunc, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config:   config,
		engine:   eng,
		generate: generate,
		logger:   logger,
		app:      app,
	}

	app.Get("/ping", s.handlePing)
	app.Get("/health", s.handleHealth)
	app.Post("/recall", s.handleRecall)
	app.Post("/sessions/:id/turns", s.handleTurn)
	app.Post("/sessions/:id/distill", s.handleDistill)
	app.Get("/sessions/:id/stats", s.handleSessionStats)
	app.Post("/facts/:id/usage", s.handleUsage)
	app.Post("/facts/:id/citation", s.handleCitation)
	app.Post("/promotion/run", s.handlePromotionRun)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the underlying fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}
