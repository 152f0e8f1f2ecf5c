// Package api exposes the submission surface over HTTP for the chat
// transport.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/logger"
	"mirrorbot/internal/orchestrator"
	"mirrorbot/internal/task"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is what the handlers drive.
type Service interface {
	Submit(ctx context.Context, source, requesterRef, idempotencyKey string) (string, error)
	Cancel(ctx context.Context, id, requesterRef string) (task.Task, error)
	Status(id string) (task.Task, error)
	List(filter task.Filter) []task.Task
	Evict(id string) error
}

// HealthCheck reports the engine version, or why it cannot be reached.
type HealthCheck func(ctx context.Context) (string, error)

type Server struct {
	addr   string
	app    *fiber.App
	svc    Service
	health HealthCheck
	log    *logger.Logger
}

type Option func(*Server)

func WithHealthCheck(fn HealthCheck) Option {
	return func(s *Server) { s.health = fn }
}

// NewServer builds the fiber app. gatherer backs GET /metrics and may be nil.
func NewServer(svc Service, cfg config.ServerConfig, gatherer prometheus.Gatherer, log *logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		addr: cfg.Addr,
		svc:  svc,
		log:  log.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		ErrorHandler:          errorHandler(s.log),
		DisableStartupMessage: true,
	})
	s.app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	s.app.Get("/health", s.handleHealth)
	if gatherer != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	tasks := s.app.Group("/api/tasks")
	tasks.Post("/", s.handleSubmit)
	tasks.Get("/", s.handleList)
	tasks.Get("/:id", s.handleGet)
	tasks.Post("/:id/cancel", s.handleCancel)
	tasks.Delete("/:id", s.handleEvict)
	return s
}

// App is exposed for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Start() error {
	s.log.Infow("api listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	if s.health == nil {
		return c.JSON(fiber.Map{"status": "ok"})
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()
	version, err := s.health(ctx)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok", "engine": version})
}

func (s *Server) handleSubmit(c *fiber.Ctx) error {
	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		s.log.Warnw("submit body parse failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
	}
	if problems := req.Validate(); len(problems) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "validation failed", Details: problems})
	}

	id, err := s.svc.Submit(c.UserContext(), req.Source, req.Requester, req.IdempotencyKey)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(SubmitResponse{ID: id})
}

func (s *Server) handleList(c *fiber.Ctx) error {
	filter := task.Filter{RequesterRef: c.Query("requester")}
	if raw := c.Query("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st := task.Status(strings.TrimSpace(name))
			if !st.Valid() {
				return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: fmt.Sprintf("unknown status %q", name)})
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	tasks := s.svc.List(filter)
	return c.JSON(ListResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	t, err := s.svc.Status(c.Params("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(t)
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "invalid request body"})
		}
	}
	if req.Requester == "" {
		req.Requester = c.Query("requester")
	}

	t, err := s.svc.Cancel(c.UserContext(), c.Params("id"), req.Requester)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(t)
}

func (s *Server) handleEvict(c *fiber.Ctx) error {
	if err := s.svc.Evict(c.Params("id")); err != nil {
		return s.writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, task.ErrDuplicateRequest), errors.Is(err, task.ErrConflict), errors.Is(err, task.ErrInvalidTransition):
		code = fiber.StatusConflict
	case errors.Is(err, orchestrator.ErrNotOwner):
		code = fiber.StatusForbidden
	case errors.Is(err, task.ErrEmptySource):
		code = fiber.StatusBadRequest
	}
	if code == fiber.StatusInternalServerError {
		s.log.Errorw("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	} else {
		s.log.Debugw("request rejected", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

func errorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			log.Errorw("request error", "method", c.Method(), "path", c.Path(), "status", code, "error", err)
		}
		return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
	}
}
