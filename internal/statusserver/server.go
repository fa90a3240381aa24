// Package statusserver exposes the relay's health and counters over HTTP.
package statusserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/contrib/otelfiber/v2"
	"github.com/gofiber/fiber/v2"

	"github.com/aaronromeo/mailrelay/internal/ledger"
	"github.com/aaronromeo/mailrelay/internal/relay"
)

const (
	defaultReplyLimit = 20
	shutdownTimeout   = 5 * time.Second
)

type StatsSource interface {
	Stats() relay.Stats
}

type History interface {
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// statusBody is the loop snapshot plus, with a ledger, the stored
// attempts per status.
type statusBody struct {
	relay.Stats
	Ledger map[string]int `json:"ledger,omitempty"`
}

type Server struct {
	app     *fiber.App
	stats   StatsSource
	history History
	log     *slog.Logger
}

// New builds the app. history may be nil when no ledger is configured.
func New(stats StatsSource, history History, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			AppName:               "mailrelay",
		}),
		stats:   stats,
		history: history,
		log:     log,
	}
	s.app.Use(otelfiber.Middleware())
	s.app.Get("/healthz", s.healthz)
	s.app.Get("/status", s.status)
	s.app.Get("/replies", s.replies)
	return s
}

// App is exposed for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) healthz(c *fiber.Ctx) error {
	stats := s.stats.Stats()
	if !stats.Connected {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":     "disconnected",
			"last_error": stats.LastError,
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) status(c *fiber.Ctx) error {
	body := statusBody{Stats: s.stats.Stats()}
	if s.history != nil {
		counts, err := s.history.CountByStatus(c.UserContext())
		if err != nil {
			s.log.Warn("counting replies failed", "error", err)
		} else {
			body.Ledger = counts
		}
	}
	return c.JSON(body)
}

func (s *Server) replies(c *fiber.Ctx) error {
	if s.history == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "reply ledger is not configured"})
	}
	limit := c.QueryInt("limit", defaultReplyLimit)
	if limit <= 0 || limit > 500 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be between 1 and 500"})
	}

	entries, err := s.history.Recent(c.UserContext(), limit)
	if err != nil {
		s.log.Error("listing replies failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "listing replies failed"})
	}
	return c.JSON(entries)
}

// Serve binds addr and serves until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status server listen on %s: %w", addr, err)
	}
	if ctx.Err() != nil {
		return ln.Close()
	}
	s.log.Info("status server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := s.Shutdown(shutdownCtx)
		// Listener may not have registered ln with fasthttp yet.
		_ = ln.Close()
		if err := <-errCh; err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		if shutdownErr != nil && !errors.Is(shutdownErr, context.Canceled) {
			return shutdownErr
		}
		return nil
	}
}
