package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/contrib/fiberzerolog"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pyneda/rodwarden/pkg/supervisor"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// StatusSource exposes the running supervisor's snapshot.
type StatusSource interface {
	Status() supervisor.Status
}

// Server serves the status and metrics endpoints of a run.
type Server struct {
	app     *fiber.App
	status  StatusSource
	journal WorkerJournal
}

// NewServer builds the fiber app. journal may be nil when the worker journal
// is disabled.
func NewServer(status StatusSource, journal WorkerJournal) *Server {
	apiLogger := log.With().Str("type", "api").Logger()
	s := &Server{status: status, journal: journal}

	app := fiber.New(fiber.Config{
		ServerHeader:          "rodwarden",
		AppName:               "rodwarden status API",
		DisableStartupMessage: true,
	})
	app.Use(fiberzerolog.New(fiberzerolog.Config{
		Logger: &apiLogger,
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("API Running")
	})
	app.Get("/status", s.GetStatus)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")
	api.Get("/status", s.GetStatus)
	api.Get("/workers", s.FindWorkers)
	api.Get("/workers/stats", s.GetWorkerStats)

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// ListenAddress builds the listen address from the api.listen.* keys.
func ListenAddress() string {
	return fmt.Sprintf("%v:%v", viper.GetString("api.listen.host"), viper.GetInt("api.listen.port"))
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("Status API listening")
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Warn().Err(err).Msg("Status API shutdown failed")
		}
		return nil
	}
}

// GetStatus returns the supervisor snapshot.
func (s *Server) GetStatus(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.status.Status())
}
