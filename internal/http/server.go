package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmehdipour/key-broker/internal/broker"
	"github.com/jmehdipour/key-broker/internal/catalog"
	"github.com/jmehdipour/key-broker/internal/config"
	"github.com/jmehdipour/key-broker/internal/http/middleware"
	"github.com/jmehdipour/key-broker/internal/metrics"
	"github.com/jmehdipour/key-broker/internal/repository"
)

type Server struct{ e *echo.Echo }

// NewServer wires the broker API, credential admin, and reporting routes.
// EventSink may be nil when no ClickHouse pipeline is configured; the
// reports route is then omitted.
func NewServer(
	cfg config.Config,
	b *broker.Broker,
	cat *catalog.Catalog,
	creds repository.CredentialStore,
	sink repository.EventSink,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	adminMW := middleware.AdminTokenMiddleware(cfg.HTTP.AdminToken)

	v1 := e.Group("/v1", adminMW)

	// broker surface
	v1.POST("/acquire", acquireHandler(b))
	v1.POST("/report", reportHandler(b, creds))

	// catalog + pool introspection
	v1.GET("/models", listModelsHandler(cat))
	v1.GET("/pool", poolStateHandler(b))

	// credential admin
	v1.GET("/credentials", listCredentialsHandler(creds))
	v1.POST("/credentials", addCredentialHandler(b, creds))
	v1.PATCH("/credentials/:id", updateCredentialHandler(b, creds))
	v1.POST("/credentials/:id/reset", resetCredentialHandler(b))
	v1.DELETE("/credentials/:id", deleteCredentialHandler(b, creds))

	// analytics
	if sink != nil {
		v1.GET("/reports/usage", listUsageEventsHandler(sink))
	}

	return &Server{e: e}
}

func listModelsHandler(cat *catalog.Catalog) echo.HandlerFunc {
	type modelView struct {
		ConfigID     string `json:"config_id"`
		TargetID     string `json:"target_id"`
		RequiredTier string `json:"required_tier"`
		RPM          int    `json:"rpm"`
		TPM          int64  `json:"tpm"`
		RPD          int    `json:"rpd"`
	}
	return func(c echo.Context) error {
		entries := cat.Entries()
		out := make([]modelView, 0, len(entries))
		for _, e := range entries {
			out = append(out, modelView{
				ConfigID:     e.ConfigID,
				TargetID:     e.TargetID,
				RequiredTier: e.RequiredTier.String(),
				RPM:          e.Limits.RPM,
				TPM:          e.Limits.TPM,
				RPD:          e.Limits.RPD,
			})
		}
		return c.JSON(http.StatusOK, map[string]any{"count": len(out), "results": out})
	}
}

func (s *Server) Start(addr string) error            { return s.e.Start(addr) }
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.e }
