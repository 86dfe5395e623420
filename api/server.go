// Package api exposes the HTTP surface: the user-facing record API, the
// manager-facing compute API, and authentication.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/orbital-hq/orbital/common"
	"github.com/orbital-hq/orbital/config"
	"github.com/orbital-hq/orbital/db"
	"github.com/orbital-hq/orbital/manager"
	"github.com/orbital-hq/orbital/model"
	"github.com/orbital-hq/orbital/record"
	"github.com/orbital-hq/orbital/security"
	"github.com/orbital-hq/orbital/task"
)

// Server bundles the HTTP server and its handler dependencies.
type Server struct {
	cfg config.Config
	log *logrus.Entry

	echo       *echo.Echo
	records    *record.Store
	managers   *manager.Store
	dispatcher *task.Dispatcher
	users      *UserStore
	jwt        *security.JWTService
	sidelog    *db.SideLog
	access     *accessLogger
}

// NewServer builds the echo server with the standard middleware stack and
// all routes registered.
func NewServer(cfg config.Config, database *db.Database, records *record.Store,
	managers *manager.Store, dispatcher *task.Dispatcher, sidelog *db.SideLog) *Server {

	s := &Server{
		cfg:        cfg,
		log:        common.Logger.WithField("component", "api"),
		records:    records,
		managers:   managers,
		dispatcher: dispatcher,
		users:      NewUserStore(database),
		jwt:        security.NewJWTService(cfg.Security.JWTSecret),
		sidelog:    sidelog,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Server.Debug
	e.Binder = &payloadBinder{}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch,
			http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType,
			echo.HeaderAccept, echo.HeaderAuthorization,
		},
	}))
	e.Use(middleware.RequestID())
	if cfg.Server.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.Server.RateLimit),
		)))
	}

	if sidelog != nil {
		s.access = newAccessLogger(sidelog)
		e.Use(s.access.middleware)
	}

	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.POST("/v1/login", s.handleLogin)
	e.POST("/v1/refresh", s.handleRefresh)

	jwtConfig := echojwt.Config{
		SigningKey:  []byte(s.cfg.Security.JWTSecret),
		TokenLookup: "header:Authorization:Bearer ",
	}

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echojwt.WithConfig(jwtConfig))
	apiGroup.GET("/information", s.handleInformation)
	apiGroup.POST("/records/:type", s.handleSubmitRecords)
	apiGroup.PATCH("/records", s.handleModifyRecords)
	apiGroup.POST("/records/query", s.handleQueryRecords)
	apiGroup.GET("/records/:id", s.handleGetRecord)
	apiGroup.GET("/managers", s.handleQueryManagers)
	apiGroup.GET("/managers/:name", s.handleGetManager)

	computeGroup := e.Group("/compute/v1")
	computeGroup.Use(echojwt.WithConfig(jwtConfig))
	computeGroup.POST("/managers", s.handleActivateManager)
	computeGroup.PATCH("/managers/:name", s.handleUpdateManager)
	computeGroup.DELETE("/managers/:name", s.handleDeactivateManager)
	computeGroup.POST("/tasks/claim", s.handleClaimTasks)
	computeGroup.POST("/tasks/return", s.handleReturnTasks)
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	server := &http.Server{
		Addr:         addr,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.WithField("addr", addr).Info("API server listening")
	if err := s.echo.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and flushes the access log.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.echo.Shutdown(ctx)
	if s.access != nil {
		s.access.stop()
	}
	return err
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// errorHandler translates domain errors to HTTP statuses with a {msg}
// body. Unexpected errors become bare 500s with the detail kept
// server-side.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		msg := fmt.Sprintf("%v", httpErr.Message)
		_ = respond(c, httpErr.Code, map[string]string{"msg": msg})
		return
	}

	code := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
		msg = err.Error()
	case errors.Is(err, model.ErrStateConflict):
		code = http.StatusConflict
		msg = err.Error()
	case errors.Is(err, model.ErrValidation):
		code = http.StatusBadRequest
		msg = err.Error()
	default:
		s.log.WithError(err).WithField("path", c.Request().URL.Path).Error("request failed")
		if s.sidelog != nil {
			_ = s.sidelog.SaveError(&db.InternalErrorLog{
				RequestPath: c.Request().URL.Path,
				Username:    usernameFromContext(c),
				ErrorText:   err.Error(),
			})
		}
	}

	_ = respond(c, code, map[string]string{"msg": msg})
}

func (s *Server) handleHealth(c echo.Context) error {
	return respond(c, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": s.cfg.Name,
	})
}
