// Package http provides the HTTP server of researchmail.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hupe1980/researchmail/logging"
	v1 "github.com/hupe1980/researchmail/transport/http/v1"
)

// NewServer creates and configures the HTTP server.
func NewServer(svc v1.Service, logger logging.Logger) *echo.Echo {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("http.request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
				return nil
			}
			logger.Info("http.request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Routes
	v1.NewHandler(svc).RegisterRoutes(e)

	return e
}
