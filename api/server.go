// Package api is the manual trigger surface: an HTTP server to start, backfill, inspect,
// cancel, re-evaluate and restart runs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chararch/tunepipe"
)

type Server struct {
	echo *echo.Echo
}

// NewServer registers every route on a new echo instance.
func NewServer(engine tunepipe.Engine) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLog)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		if he, ok := err.(*echo.HTTPError); ok && he.Code < http.StatusInternalServerError {
			return
		}
		tunepipe.DefaultLogger.Error(c.Request().Context(), "request failed, method:%v, path:%v, err:%v", c.Request().Method, c.Path(), err)
	}

	e.GET("/healthz", HealthHandler(engine))
	e.POST("/pipelines/:name/runs", StartRunHandler(engine))
	e.POST("/pipelines/:name/backfill", BackfillHandler(engine))
	e.GET("/runs/:id", GetRunHandler(engine))
	e.GET("/runs/:id/verdicts", GetVerdictsHandler(engine))
	e.POST("/runs/:id/cancel", CancelHandler(engine))
	e.POST("/runs/:id/reevaluate", ReevaluateHandler(engine))
	e.POST("/runs/:id/restart", RestartHandler(engine))
	return &Server{echo: e}
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	tunepipe.DefaultLogger.Info(context.Background(), "api server listening, addr:%v", addr)
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		tunepipe.DefaultLogger.Debug(c.Request().Context(), "%v %v, status:%v, elapsed:%v",
			c.Request().Method, c.Request().URL.Path, c.Response().Status, time.Since(start))
		return err
	}
}
